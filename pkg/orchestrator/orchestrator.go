package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/indexops/bluegreen/pkg/alias"
	"github.com/indexops/bluegreen/pkg/breaker"
	"github.com/indexops/bluegreen/pkg/checkpoint"
	"github.com/indexops/bluegreen/pkg/events"
	"github.com/indexops/bluegreen/pkg/gateway"
	"github.com/indexops/bluegreen/pkg/log"
	"github.com/indexops/bluegreen/pkg/types"
	"github.com/indexops/bluegreen/pkg/wal"
)

// Config tunes the orchestrator. Zero values fall back to defaults.
type Config struct {
	// Transform optionally rewrites documents in flight during reindex,
	// shadow writes and replay
	Transform types.TransformFunc

	// RetryPolicy for transient gateway errors
	RetryPolicy gateway.RetryPolicy

	// BreakerConfig for the per-target circuit breakers
	BreakerConfig breaker.Config

	// ReindexWorkers bounds the parallel batch calls inside one
	// checkpoint group
	ReindexWorkers int

	// SwapRetries bounds alias swap attempts when the backend confirms
	// no partial state change happened
	SwapRetries int

	// BreakerPollInterval is how often a paused job re-checks an open
	// breaker
	BreakerPollInterval time.Duration
}

const (
	defaultReindexWorkers = 4
	defaultSwapRetries    = 3
)

// Orchestrator drives migration jobs through the phase machine. One
// goroutine owns each job; only one job may run per target index.
type Orchestrator struct {
	gw     gateway.Gateway
	cps    checkpoint.Store
	wlog   *wal.BoltLog
	broker *events.Broker
	cfg    Config
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	jobs        map[string]*jobState
	targetLocks map[string]string // target index -> job ID
}

// jobState is the in-memory side of a running or finished job.
type jobState struct {
	mu  sync.Mutex
	job *types.MigrationJob

	gw          gateway.Gateway // retrier over breaker guard
	brk         *breaker.Breaker
	aliases     *alias.Manager
	interceptor *wal.Interceptor

	cancelled atomic.Bool
	done      chan struct{}
}

// New creates an orchestrator over the given gateway and stores.
func New(gw gateway.Gateway, cps checkpoint.Store, wlog *wal.BoltLog, broker *events.Broker, cfg Config) *Orchestrator {
	if cfg.ReindexWorkers <= 0 {
		cfg.ReindexWorkers = defaultReindexWorkers
	}
	if cfg.SwapRetries <= 0 {
		cfg.SwapRetries = defaultSwapRetries
	}
	if cfg.BreakerPollInterval <= 0 {
		cfg.BreakerPollInterval = time.Second
	}
	if cfg.RetryPolicy.MaxAttempts == 0 {
		cfg.RetryPolicy = gateway.DefaultRetryPolicy()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		gw:          gw,
		cps:         cps,
		wlog:        wlog,
		broker:      broker,
		cfg:         cfg,
		logger:      log.WithComponent("orchestrator"),
		ctx:         ctx,
		cancel:      cancel,
		jobs:        make(map[string]*jobState),
		targetLocks: make(map[string]string),
	}
}

// Stop cancels the shared context. Running jobs stop at their next
// suspension point; their checkpoints allow resume on restart.
func (o *Orchestrator) Stop() {
	o.cancel()
}

// Start validates the spec, persists the initial checkpoint and begins
// phase execution asynchronously. The spec is rejected with ErrInvalidSpec
// before any side effect when it is inconsistent or the backend is
// unreachable.
func (o *Orchestrator) Start(spec *types.MigrationSpec) (string, error) {
	if spec == nil {
		return "", fmt.Errorf("%w: nil spec", types.ErrInvalidSpec)
	}
	spec.Normalize()
	if err := spec.Validate(); err != nil {
		return "", err
	}

	// Backend reachability and alias consistency, still side-effect free.
	health, err := o.gw.HealthCheck(o.ctx, spec.SourceIndex)
	if err != nil {
		return "", fmt.Errorf("%w: backend unreachable: %v", types.ErrInvalidSpec, err)
	}
	if !health.Healthy {
		return "", fmt.Errorf("%w: source index unhealthy (%s)", types.ErrInvalidSpec, health.Status)
	}
	current, err := o.gw.ResolveAlias(o.ctx, spec.Alias)
	if err != nil {
		return "", fmt.Errorf("%w: alias %s unresolved: %v", types.ErrInvalidSpec, spec.Alias, err)
	}
	if current != spec.SourceIndex {
		return "", fmt.Errorf("%w: alias %s bound to %s, not source %s",
			types.ErrInvalidSpec, spec.Alias, current, spec.SourceIndex)
	}

	now := time.Now()
	job := &types.MigrationJob{
		ID:         uuid.New().String(),
		Spec:       spec,
		Phase:      types.PhaseValidating,
		PhaseTimes: map[types.Phase]time.Time{types.PhaseValidating: now},
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	st, err := o.register(job)
	if err != nil {
		return "", err
	}
	if err := o.saveCheckpoint(st); err != nil {
		o.release(st)
		return "", fmt.Errorf("persist initial checkpoint: %w", err)
	}

	o.broker.Publish(&events.Event{
		Type:    events.EventJobStarted,
		JobID:   job.ID,
		Message: fmt.Sprintf("migrating %s -> %s", spec.SourceIndex, spec.TargetIndex),
	})
	o.logger.Info().
		Str("job_id", job.ID).
		Str("source", spec.SourceIndex).
		Str("target", spec.TargetIndex).
		Msg("Migration started")

	go o.run(st)
	return job.ID, nil
}

// Resume re-enters the phase machine at the checkpointed phase without
// repeating completed non-idempotent effects.
func (o *Orchestrator) Resume(jobID string) error {
	o.mu.Lock()
	if st, ok := o.jobs[jobID]; ok {
		o.mu.Unlock()
		st.mu.Lock()
		terminal := st.job.Phase.Terminal()
		st.mu.Unlock()
		if terminal {
			return fmt.Errorf("%w: job %s is terminal", types.ErrUnresumableJob, jobID)
		}
		return fmt.Errorf("%w: job %s already running", types.ErrUnresumableJob, jobID)
	}
	o.mu.Unlock()

	cp, err := o.cps.Load(jobID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return fmt.Errorf("%w: no checkpoint for %s", types.ErrUnresumableJob, jobID)
		}
		return err
	}
	if cp.Phase.Terminal() {
		return fmt.Errorf("%w: job %s checkpointed terminal in %s", types.ErrUnresumableJob, jobID, cp.Phase)
	}
	if cp.Spec == nil {
		return fmt.Errorf("%w: checkpoint for %s missing spec", types.ErrUnresumableJob, jobID)
	}

	job := jobFromCheckpoint(cp)
	st, err := o.register(job)
	if err != nil {
		return err
	}

	o.broker.Publish(&events.Event{
		Type:    events.EventJobResumed,
		JobID:   job.ID,
		Message: fmt.Sprintf("resumed in %s", job.Phase),
	})
	o.logger.Info().
		Str("job_id", job.ID).
		Str("phase", string(job.Phase)).
		Int64("docs_copied", job.DocsCopied).
		Msg("Migration resumed from checkpoint")

	go o.run(st)
	return nil
}

// ResumeOrphans resumes every non-terminal job found in the checkpoint
// store. Called once at process start.
func (o *Orchestrator) ResumeOrphans() ([]string, error) {
	ids, err := o.cps.ListInProgress()
	if err != nil {
		return nil, err
	}
	var resumed []string
	for _, id := range ids {
		if err := o.Resume(id); err != nil {
			o.logger.Error().Err(err).Str("job_id", id).Msg("Failed to resume orphaned job")
			continue
		}
		resumed = append(resumed, id)
	}
	return resumed, nil
}

// Cancel requests cooperative cancellation. The request is honored at
// the next phase or checkpoint-group boundary, never mid-batch, and
// drives the job to RollingBack.
func (o *Orchestrator) Cancel(jobID string) error {
	o.mu.Lock()
	st, ok := o.jobs[jobID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrJobNotFound, jobID)
	}
	st.mu.Lock()
	terminal := st.job.Phase.Terminal()
	st.mu.Unlock()
	if terminal {
		return fmt.Errorf("job %s already terminal", jobID)
	}
	st.cancelled.Store(true)
	o.logger.Info().Str("job_id", jobID).Msg("Cancellation requested")
	return nil
}

// Status returns a read-only snapshot of the job, falling back to the
// checkpoint store for jobs not held in memory.
func (o *Orchestrator) Status(jobID string) (*types.MigrationJob, error) {
	o.mu.Lock()
	st, ok := o.jobs[jobID]
	o.mu.Unlock()
	if ok {
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.job.Clone(), nil
	}

	cp, err := o.cps.Load(jobID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", types.ErrJobNotFound, jobID)
		}
		return nil, err
	}
	return jobFromCheckpoint(cp), nil
}

// List returns the IDs of all jobs known to the checkpoint store.
func (o *Orchestrator) List() ([]string, error) {
	return o.cps.List()
}

// Writer exposes the dual-write path for a job in its migration window,
// so the serving layer can route writes through the WAL. Nil when the
// job is not dual-writing.
func (o *Orchestrator) Writer(jobID string) *wal.Interceptor {
	o.mu.Lock()
	st, ok := o.jobs[jobID]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.interceptor
}

// register acquires the per-target lock and builds the job's guarded
// gateway stack: retrier over breaker guard over the raw gateway.
func (o *Orchestrator) register(job *types.MigrationJob) (*jobState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	target := job.Spec.TargetIndex
	if holder, locked := o.targetLocks[target]; locked {
		return nil, fmt.Errorf("%w: target %s locked by job %s", types.ErrJobConflict, target, holder)
	}

	brk := breaker.New(target, o.cfg.BreakerConfig)
	guarded := breaker.NewGuard(brk, o.gw)
	retried := gateway.NewRetrier(guarded, o.cfg.RetryPolicy)

	st := &jobState{
		job:     job,
		gw:      retried,
		brk:     brk,
		aliases: alias.NewManager(retried),
		done:    make(chan struct{}),
	}
	o.targetLocks[target] = job.ID
	o.jobs[job.ID] = st
	return st, nil
}

// release frees the target lock. The job stays queryable in memory.
func (o *Orchestrator) release(st *jobState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.targetLocks, st.job.Spec.TargetIndex)
}

// saveCheckpoint persists the job's durable fields. The snapshot is
// taken under the job lock; the commit completes before any subsequent
// side effect runs.
func (o *Orchestrator) saveCheckpoint(st *jobState) error {
	st.mu.Lock()
	job := st.job
	cp := &types.Checkpoint{
		JobID:      job.ID,
		Spec:       job.Spec,
		Phase:      job.Phase,
		DocsTotal:  job.DocsTotal,
		DocsCopied: job.DocsCopied,
		SnapshotID:  job.SnapshotID,
		TargetReady: job.TargetReady,
		PriorAlias:  job.PriorAlias,
		LastError:   job.LastError,
		FailReason: job.FailReason,
		Retries:    job.Retries,
	}
	st.mu.Unlock()
	return o.cps.Save(cp.JobID, cp)
}

func jobFromCheckpoint(cp *types.Checkpoint) *types.MigrationJob {
	return &types.MigrationJob{
		ID:         cp.JobID,
		Spec:       cp.Spec,
		Phase:      cp.Phase,
		PhaseTimes: map[types.Phase]time.Time{cp.Phase: cp.SavedAt},
		LastError:  cp.LastError,
		FailReason: cp.FailReason,
		Retries:    cp.Retries,
		CreatedAt:  cp.SavedAt,
		UpdatedAt:  cp.SavedAt,
		DocsTotal:  cp.DocsTotal,
		DocsCopied: cp.DocsCopied,
		SnapshotID:  cp.SnapshotID,
		TargetReady: cp.TargetReady,
		PriorAlias:  cp.PriorAlias,
	}
}

// Wait blocks until the job's goroutine exits. Test hook.
func (o *Orchestrator) Wait(jobID string) {
	o.mu.Lock()
	st, ok := o.jobs[jobID]
	o.mu.Unlock()
	if ok {
		<-st.done
	}
}
