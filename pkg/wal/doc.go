/*
Package wal implements the dual-write reconciler: a BoltDB write-ahead log,
a live-write interceptor, and a post-cutover replayer.

Documents written while a migration is reindexing would otherwise race the
bulk copy and be lost at cutover. The interceptor closes that window:

	Write ──► WAL append (durable) ──► apply to old index ──► ack
	                                        │
	                                        └──► shadow to new index (async,
	                                             best effort)

The ack means the write is durable in the WAL and visible in the serving
index. The shadow copy into the target is opportunistic; anything it misses
is replayed after the alias swap.

# Replay

After cutover the replayer drains every unconfirmed entry into the new
index. Durability beats latency here: transient failures are retried
indefinitely with exponential backoff, and only entries that keep failing
past the poison threshold are parked with status WALFailed for an operator.
A job with parked entries finishes in PartiallyConverged rather than
blocking the rest of the drain.

Entries are keyed jobID/sequence, so one cursor scan covers one job and
jobs never see each other's writes. PurgeApplied removes confirmed entries
once a job completes; parked poison entries are retained.
*/
package wal
