/*
Package checkpoint persists migration progress to BoltDB.

A checkpoint is saved after every phase transition and periodically during
reindexing, always committed before the next side effect runs. At process
start the orchestrator lists non-terminal checkpoints and resumes each job
from its recorded phase, skipping completed non-idempotent work (an existing
snapshot is not retaken, copied batches are not recopied).

Checkpoints for terminal jobs are kept for status queries until explicitly
deleted; deleting an active job's checkpoint is refused.
*/
package checkpoint
