/*
Package orchestrator drives zero-downtime blue-green index migrations.

The orchestrator owns the migration state machine: each job moves a document
corpus from a serving source index into a freshly built target index behind a
stable alias, and only an atomic alias rebind makes the target visible to
readers. Every phase transition is checkpointed to BoltDB before the next side
effect runs, so a crashed process resumes exactly where it stopped.

# Architecture

One goroutine owns each job and walks it through the forward phases:

	┌─────────────────────────────────────────────────────────────┐
	│                     Migration Phases                        │
	└──────────────────────────┬──────────────────────────────────┘
	                           │
	  Validating ─► BackupCreated ─► TargetCreated ─► Reindexing
	                                                       │
	       ┌───────────────────────────────────────────────┘
	       ▼
	  ReindexValidated ─► AliasSwapped ─► Completed
	                                  └─► PartiallyConverged
	       │
	       │ (validation gate rejects, backend fails, cancel)
	       ▼
	  RollingBack ─► RolledBack
	       │
	       │ (rollback impossible or swap state unknown)
	       ▼
	  ManualInterventionRequired

Each job's gateway calls run through a per-target stack:

	Retrier (transient backoff)
	  └── Guard (circuit breaker accounting)
	        └── Gateway (real backend or in-memory)

The retrier sits above the breaker so every retry attempt lands in the
breaker's sliding window. When the breaker opens, the phase pauses and polls
for half-open recovery instead of rolling back; permanent failures and
exhausted retries trigger rollback.

# Core Components

Orchestrator:
  - Start: validate spec, persist initial checkpoint, run the phase machine
  - Resume / ResumeOrphans: re-enter the machine from a checkpoint
  - Cancel: cooperative, honored at phase and checkpoint-group boundaries
  - Status / List: read-only snapshots, falling back to the checkpoint store
  - Writer: the dual-write WAL interceptor for a job in its migration window

jobState:
  - One per job, guarded by its own mutex
  - Holds the per-target breaker, alias manager and WAL interceptor
  - Target index lock: at most one job per target at a time

# Guarantees

  - The source index is never deleted or modified structurally
  - The alias always resolves to exactly one index; cutover and rollback are
    single atomic swaps
  - A checkpoint is committed before any dependent side effect runs, so
    resume never repeats a non-idempotent effect
  - A failed alias swap is retried only when the backend confirms the binding
    is unchanged; anything else halts the job for an operator

# Usage

	o := orchestrator.New(gw, checkpoints, walLog, broker, orchestrator.Config{})

	jobID, err := o.Start(&types.MigrationSpec{
		SourceIndex:  "products-v1",
		TargetIndex:  "products-v2",
		Alias:        "products",
		TargetSchema: newSchema,
	})

	// At process start, pick up anything a crash left behind.
	resumed, _ := o.ResumeOrphans()

	job, _ := o.Status(jobID)
	fmt.Printf("%s %.0f%%\n", job.Phase, job.Progress()*100)
*/
package orchestrator
