package orchestrator

import (
	"errors"
	"fmt"

	"github.com/indexops/bluegreen/pkg/events"
	"github.com/indexops/bluegreen/pkg/types"
)

// rollback undoes whatever the forward phases achieved, in reverse
// dependency order, and drives the job to RolledBack. The source index
// is never touched: before the swap it is still serving, after the swap
// rollback is a single cheap alias rebind rather than a data restore.
func (o *Orchestrator) rollback(st *jobState) error {
	job := st.job
	spec := job.Spec

	// Undo the cutover first if it happened. PriorAlias is only ever set
	// by a successful swap and survives crash via the checkpoint, so it
	// is the durable marker; PhaseTimes is not trusted across resume.
	if job.PriorAlias != "" {
		if current, err := st.aliases.Current(o.ctx, spec.Alias); err != nil {
			return fmt.Errorf("resolve alias during rollback: %w", err)
		} else if current != job.PriorAlias {
			if _, err := st.gw.SwapAlias(o.ctx, spec.Alias, current, job.PriorAlias); err != nil {
				return fmt.Errorf("rebind alias to prior target: %w", err)
			}
			o.logger.Info().
				Str("job_id", job.ID).
				Str("alias", spec.Alias).
				Str("restored", job.PriorAlias).
				Msg("Alias rolled back to prior binding")
		}
	} else if current, err := st.aliases.Current(o.ctx, spec.Alias); err == nil && current != spec.SourceIndex {
		// Only reachable if a partial swap slipped through
		// confirmation; refuse to guess.
		return fmt.Errorf("%w: alias %s unexpectedly bound to %s",
			types.ErrManualIntervention, spec.Alias, current)
	}

	// Dispose of the half-built target per policy. The alias no longer
	// points at it, so either way it is not user-visible. TargetReady
	// guards against deleting an index this job never created, e.g.
	// after a schema conflict at creation.
	switch {
	case !job.TargetReady:
	case spec.RollbackPolicy == types.RollbackDeleteTarget:
		if err := st.gw.DeleteIndex(o.ctx, spec.TargetIndex); err != nil {
			return fmt.Errorf("delete target index: %w", err)
		}
		o.logger.Info().
			Str("job_id", job.ID).
			Str("target", spec.TargetIndex).
			Msg("Target index deleted on rollback")
	default:
		o.logger.Info().
			Str("job_id", job.ID).
			Str("target", spec.TargetIndex).
			Msg("Target index left orphaned and unbound for inspection")
	}

	o.broker.Publish(&events.Event{
		Type:    events.EventJobRolledBack,
		JobID:   job.ID,
		Message: fmt.Sprintf("alias %s serving from %s", spec.Alias, spec.SourceIndex),
	})
	o.logger.Info().
		Str("job_id", job.ID).
		Str("reason", string(job.FailReason)).
		Msg("Rollback complete")
	return o.transition(st, types.PhaseRolledBack)
}

// RestoreFromBackup is the recovery path for a source index damaged
// outside the engine's control: restore the pre-migration snapshot into
// a recovery index. Operator-invoked; the engine never deletes or
// overwrites the source on its own.
func (o *Orchestrator) RestoreFromBackup(jobID, destIndex string) error {
	cp, err := o.cps.Load(jobID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return fmt.Errorf("%w: %s", types.ErrJobNotFound, jobID)
		}
		return err
	}
	if cp.SnapshotID == "" {
		return fmt.Errorf("job %s has no recorded snapshot", jobID)
	}
	if err := o.gw.RestoreSnapshot(o.ctx, cp.SnapshotID, destIndex); err != nil {
		return fmt.Errorf("restore snapshot %s: %w", cp.SnapshotID, err)
	}
	o.logger.Info().
		Str("job_id", jobID).
		Str("snapshot_id", cp.SnapshotID).
		Str("dest", destIndex).
		Msg("Snapshot restored")
	return nil
}
