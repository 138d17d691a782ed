/*
Package metrics exposes Prometheus collectors and HTTP health endpoints for
the migration engine.

Collectors cover migration lifecycle (totals by outcome, active gauge,
per-job phase), reindex throughput and batch latency, alias swap counts and
sub-second swap duration, circuit breaker state and trips, validation
outcomes, and WAL depth/replay/poison counters. Everything registers with
the default registry at init; Handler returns the /metrics handler.

The health checker aggregates component checks into /health, /ready and
/live endpoints. The checkpoint store, gateway and orchestrator are
critical: a failing critical component flips readiness, everything else
only degrades the reported status.
*/
package metrics
