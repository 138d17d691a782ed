/*
Package events provides an in-memory broker for migration lifecycle events,
with an optional Kafka sink for the audit trail.

Publishers never block: the broker drops events when its buffer is full and
skips slow subscribers, so a stalled consumer cannot stall the orchestrator.
Event types cover job lifecycle (started, resumed, completed, rolled back,
halted), phase changes, validation failures, alias swaps, WAL replay and
breaker trips.

KafkaSink subscribes like any other consumer and forwards events as JSON
messages keyed by job ID, so one topic partition preserves per-job order.
*/
package events
