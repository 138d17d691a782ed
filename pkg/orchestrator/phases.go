package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/indexops/bluegreen/pkg/breaker"
	"github.com/indexops/bluegreen/pkg/events"
	"github.com/indexops/bluegreen/pkg/metrics"
	"github.com/indexops/bluegreen/pkg/types"
	"github.com/indexops/bluegreen/pkg/validation"
	"github.com/indexops/bluegreen/pkg/wal"
)

var errCancelled = errors.New("cancelled by operator")

// run owns the job until it reaches a terminal phase. It is the job's
// single thread of control; every gateway call below is a suspension
// point and every phase transition is checkpointed before the next side
// effect runs.
func (o *Orchestrator) run(st *jobState) {
	defer close(st.done)
	defer o.release(st)

	metrics.MigrationsActive.Inc()
	defer metrics.MigrationsActive.Dec()

	for {
		// Process shutdown: leave the job checkpointed where it is; a
		// restart resumes it.
		if o.ctx.Err() != nil {
			return
		}

		st.mu.Lock()
		phase := st.job.Phase
		st.mu.Unlock()

		if phase.Terminal() {
			metrics.MigrationsTotal.WithLabelValues(string(phase)).Inc()
			return
		}

		// Phase boundary: the only place cancellation is honored.
		if st.cancelled.Load() && phase != types.PhaseRollingBack {
			o.fail(st, types.ReasonCancelled, errCancelled)
			continue
		}

		var err error
		switch phase {
		case types.PhaseValidating:
			err = o.stepBackup(st)
		case types.PhaseBackupCreated:
			err = o.stepCreateTarget(st)
		case types.PhaseTargetCreated:
			err = o.stepBeginReindex(st)
		case types.PhaseReindexing:
			err = o.stepReindexAndValidate(st)
		case types.PhaseReindexValidated:
			err = o.stepSwapAlias(st)
		case types.PhaseAliasSwapped:
			err = o.stepDrainWAL(st)
		case types.PhaseRollingBack:
			err = o.rollback(st)
		default:
			err = fmt.Errorf("unknown phase %s", phase)
		}

		if err == nil {
			continue
		}

		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return
		case errors.Is(err, types.ErrCircuitOpen):
			// Paused, not failed: wait for half-open recovery and retry
			// the same phase.
			o.waitForBreaker(st)
		case errors.Is(err, types.ErrValidationFailed):
			o.fail(st, types.ReasonValidationFailed, err)
		case errors.Is(err, types.ErrManualIntervention):
			o.halt(st, err)
		case errors.Is(err, types.ErrAliasSwapFailed):
			o.fail(st, types.ReasonAliasSwapFailed, err)
		case errors.Is(err, errCancelled):
			o.fail(st, types.ReasonCancelled, err)
		default:
			if phase == types.PhaseRollingBack {
				// Rollback itself failed; halt rather than loop on a
				// broken backend.
				o.halt(st, fmt.Errorf("%w: rollback failed: %v", types.ErrManualIntervention, err))
				continue
			}
			o.fail(st, types.ReasonBackendFailure, err)
		}
	}
}

// transition advances the job and commits the checkpoint before
// returning. Phase order is monotonic except for the RollingBack branch,
// which fail() takes.
func (o *Orchestrator) transition(st *jobState, next types.Phase) error {
	st.mu.Lock()
	job := st.job
	metrics.MigrationPhase.WithLabelValues(job.ID, string(job.Phase)).Set(0)
	job.Phase = next
	now := time.Now()
	job.PhaseTimes[next] = now
	job.UpdatedAt = now
	metrics.MigrationPhase.WithLabelValues(job.ID, string(next)).Set(1)
	st.mu.Unlock()

	o.broker.Publish(&events.Event{
		Type:    events.EventPhaseChanged,
		JobID:   job.ID,
		Message: string(next),
	})
	o.logger.Info().
		Str("job_id", job.ID).
		Str("phase", string(next)).
		Msg("Phase transition")

	return o.saveCheckpoint(st)
}

// fail records the error and branches to RollingBack.
func (o *Orchestrator) fail(st *jobState, reason types.FailReason, err error) {
	st.mu.Lock()
	st.job.LastError = err.Error()
	st.job.FailReason = reason
	st.mu.Unlock()

	o.logger.Error().
		Err(err).
		Str("job_id", st.job.ID).
		Str("reason", string(reason)).
		Msg("Migration failing, rolling back")

	if reason == types.ReasonValidationFailed {
		o.broker.Publish(&events.Event{
			Type:    events.EventValidationFailed,
			JobID:   st.job.ID,
			Message: err.Error(),
		})
	}
	if terr := o.transition(st, types.PhaseRollingBack); terr != nil {
		o.logger.Error().Err(terr).Str("job_id", st.job.ID).Msg("Failed to checkpoint RollingBack")
	}
}

// halt parks the job for an operator; automation will not touch it again.
func (o *Orchestrator) halt(st *jobState, err error) {
	st.mu.Lock()
	st.job.LastError = err.Error()
	st.mu.Unlock()

	o.broker.Publish(&events.Event{
		Type:    events.EventJobHalted,
		JobID:   st.job.ID,
		Message: err.Error(),
	})
	o.logger.Error().
		Err(err).
		Str("job_id", st.job.ID).
		Msg("Migration halted, manual intervention required")

	if terr := o.transition(st, types.PhaseManualIntervention); terr != nil {
		o.logger.Error().Err(terr).Str("job_id", st.job.ID).Msg("Failed to checkpoint halt")
	}
}

// waitForBreaker polls until the breaker admits calls again or the job
// is cancelled.
func (o *Orchestrator) waitForBreaker(st *jobState) {
	o.logger.Warn().
		Str("job_id", st.job.ID).
		Str("target", st.brk.Target()).
		Msg("Circuit open, migration paused")

	ticker := time.NewTicker(o.cfg.BreakerPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if st.brk.State() != breaker.StateOpen {
				return
			}
		case <-o.ctx.Done():
			return
		}
	}
}

// stepBackup snapshots the source index. A failure here aborts with
// nothing to undo. Skipped on resume when a snapshot ID is already
// checkpointed.
func (o *Orchestrator) stepBackup(st *jobState) error {
	st.mu.Lock()
	job := st.job
	snapshotID := job.SnapshotID
	st.mu.Unlock()

	if snapshotID == "" {
		id, err := st.gw.CreateSnapshot(o.ctx, job.Spec.SourceIndex)
		if err != nil {
			return fmt.Errorf("create snapshot: %w", err)
		}
		st.mu.Lock()
		job.SnapshotID = id
		st.mu.Unlock()
		o.logger.Info().
			Str("job_id", job.ID).
			Str("snapshot_id", id).
			Msg("Source snapshot created")
	}
	return o.transition(st, types.PhaseBackupCreated)
}

// stepCreateTarget creates the target index with the new schema. The
// gateway call is idempotent, so resume lands here safely.
func (o *Orchestrator) stepCreateTarget(st *jobState) error {
	spec := st.job.Spec
	if err := st.gw.CreateIndex(o.ctx, spec.TargetIndex, spec.TargetSchema); err != nil {
		return fmt.Errorf("create target index: %w", err)
	}
	st.mu.Lock()
	st.job.TargetReady = true
	st.mu.Unlock()
	return o.transition(st, types.PhaseTargetCreated)
}

// stepBeginReindex pins the document total and opens the dual-write
// window before the first batch is copied, so no write can slip between
// the count and the WAL.
func (o *Orchestrator) stepBeginReindex(st *jobState) error {
	st.mu.Lock()
	job := st.job
	total := job.DocsTotal
	st.mu.Unlock()

	if total == 0 {
		n, err := st.gw.Count(o.ctx, job.Spec.SourceIndex)
		if err != nil {
			return fmt.Errorf("count source: %w", err)
		}
		st.mu.Lock()
		job.DocsTotal = n
		st.mu.Unlock()
	}

	o.openDualWrite(st)
	return o.transition(st, types.PhaseReindexing)
}

// openDualWrite installs the WAL interceptor if not yet present.
func (o *Orchestrator) openDualWrite(st *jobState) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.interceptor == nil {
		spec := st.job.Spec
		st.interceptor = wal.NewInterceptor(st.gw, o.wlog, st.job.ID,
			spec.SourceIndex, spec.TargetIndex, o.cfg.Transform)
	}
}

// stepReindexAndValidate copies the remaining documents in checkpoint
// groups, then runs the validation gate. Cancellation is honored only
// between groups; an in-flight batch always completes and is recorded.
func (o *Orchestrator) stepReindexAndValidate(st *jobState) error {
	// Resume may land directly in Reindexing; make sure the dual-write
	// window is open.
	o.openDualWrite(st)

	job := st.job
	spec := job.Spec

	for {
		st.mu.Lock()
		copied, total := job.DocsCopied, job.DocsTotal
		st.mu.Unlock()
		if copied >= total {
			break
		}
		if st.cancelled.Load() {
			return errCancelled
		}

		n, err := o.reindexGroup(st, copied, total)
		if err != nil {
			return err
		}

		st.mu.Lock()
		job.DocsCopied += n
		job.UpdatedAt = time.Now()
		progress := job.Progress()
		st.mu.Unlock()

		metrics.ReindexDocsCopied.WithLabelValues(job.ID).Add(float64(n))
		metrics.ReindexProgress.WithLabelValues(job.ID).Set(progress)

		// Group completion is awaited above, so this marker can never
		// run ahead of the copied data.
		if err := o.saveCheckpoint(st); err != nil {
			return fmt.Errorf("checkpoint reindex progress: %w", err)
		}
		o.logger.Debug().
			Str("job_id", job.ID).
			Int64("docs_copied", job.DocsCopied).
			Int64("docs_total", job.DocsTotal).
			Msg("Reindex progress checkpointed")
	}

	suite := validation.NewSuite(st.gw)
	report, err := suite.Validate(o.ctx, spec, o.cfg.Transform)
	if err != nil {
		return fmt.Errorf("validation gate: %w", err)
	}
	if !report.Passed {
		return fmt.Errorf("%w: checks %v, count delta %.2f%%, %d sample mismatches, %d canary failures",
			types.ErrValidationFailed, report.FailedChecks(), report.CountDeltaPct,
			len(report.SampleMismatches), len(report.CanaryFailures))
	}
	return o.transition(st, types.PhaseReindexValidated)
}

// reindexGroup runs up to CheckpointEvery batches in parallel through a
// bounded worker pool and waits for all of them. Returns documents
// copied. Any batch error fails the whole group; re-running it is safe
// because batch copies are idempotent upserts.
func (o *Orchestrator) reindexGroup(st *jobState, base, total int64) (int64, error) {
	spec := st.job.Spec
	batchSize := int64(spec.BatchSize)

	var offsets []int64
	for k := 0; k < spec.CheckpointEvery; k++ {
		off := base + int64(k)*batchSize
		if off >= total {
			break
		}
		offsets = append(offsets, off)
	}

	sem := make(chan struct{}, o.cfg.ReindexWorkers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var copied int64
	var firstErr error

	for _, off := range offsets {
		wg.Add(1)
		sem <- struct{}{}
		go func(offset int64) {
			defer wg.Done()
			defer func() { <-sem }()

			timer := metrics.NewTimer()
			n, err := st.gw.Reindex(o.ctx, spec.SourceIndex, spec.TargetIndex,
				int(offset), spec.BatchSize, o.cfg.Transform)
			timer.ObserveDuration(metrics.ReindexBatchDuration)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("reindex batch at offset %d: %w", offset, err)
				}
				return
			}
			copied += int64(n)
		}(off)
	}
	wg.Wait()

	if firstErr != nil {
		return 0, firstErr
	}
	return copied, nil
}

// stepSwapAlias performs the atomic cutover. Never attempted while the
// breaker is open. A failed swap is retried only when the backend
// confirms the binding is unchanged; anything else halts the job
// rather than guessing at partial state.
func (o *Orchestrator) stepSwapAlias(st *jobState) error {
	job := st.job
	spec := job.Spec

	if st.brk.State() == breaker.StateOpen {
		return fmt.Errorf("%w: refusing alias swap", types.ErrCircuitOpen)
	}

	var lastErr error
	for attempt := 1; attempt <= o.cfg.SwapRetries; attempt++ {
		prior, err := st.aliases.Bind(o.ctx, spec.Alias, spec.TargetIndex)
		if err == nil {
			st.mu.Lock()
			job.PriorAlias = prior
			st.mu.Unlock()

			o.broker.Publish(&events.Event{
				Type:    events.EventAliasSwapped,
				JobID:   job.ID,
				Message: fmt.Sprintf("%s: %s -> %s", spec.Alias, prior, spec.TargetIndex),
			})
			return o.transition(st, types.PhaseAliasSwapped)
		}
		lastErr = err

		unchanged, cerr := st.aliases.ConfirmUnchanged(o.ctx, spec.Alias, spec.SourceIndex)
		if cerr != nil || !unchanged {
			return fmt.Errorf("%w: swap failed and backend cannot confirm binding state: swap=%v confirm=%v",
				types.ErrManualIntervention, err, cerr)
		}
		o.logger.Warn().
			Err(err).
			Str("job_id", job.ID).
			Int("attempt", attempt).
			Msg("Alias swap failed with binding confirmed unchanged, retrying")
	}
	return fmt.Errorf("%w: %d attempts exhausted: %v", types.ErrAliasSwapFailed, o.cfg.SwapRetries, lastErr)
}

// stepDrainWAL converges the target after cutover: flush in-flight
// shadow writes, replay everything unconfirmed, then finish. Poison
// entries park the job in PartiallyConverged instead of blocking
// completion of the rest of the drain.
func (o *Orchestrator) stepDrainWAL(st *jobState) error {
	job := st.job
	spec := job.Spec

	st.mu.Lock()
	interceptor := st.interceptor
	st.mu.Unlock()
	if interceptor != nil {
		interceptor.Flush()
	}

	replayer := wal.NewReplayer(st.gw, o.wlog, o.cfg.Transform)
	res, err := replayer.Drain(o.ctx, job.ID, spec.TargetIndex, spec.ReplayPoisonThreshold)
	if err != nil {
		return fmt.Errorf("wal replay: %w", err)
	}
	if err := o.wlog.PurgeApplied(job.ID); err != nil {
		o.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to purge applied WAL entries")
	}

	o.broker.Publish(&events.Event{
		Type:    events.EventWALReplayed,
		JobID:   job.ID,
		Message: fmt.Sprintf("replayed %d, poisoned %d", res.Replayed, res.Poisoned),
	})

	st.aliases.Forget(spec.Alias)

	if res.Poisoned > 0 {
		st.mu.Lock()
		job.LastError = fmt.Sprintf("%d WAL entries could not be replayed", res.Poisoned)
		st.mu.Unlock()
		return o.transition(st, types.PhasePartiallyConverged)
	}

	o.broker.Publish(&events.Event{
		Type:    events.EventJobCompleted,
		JobID:   job.ID,
		Message: fmt.Sprintf("alias %s serving from %s", spec.Alias, spec.TargetIndex),
	})
	o.logger.Info().
		Str("job_id", job.ID).
		Str("target", spec.TargetIndex).
		Dur("retention", spec.RetentionWindow.Std()).
		Msg("Migration completed, source index retained for retention window")
	return o.transition(st, types.PhaseCompleted)
}
