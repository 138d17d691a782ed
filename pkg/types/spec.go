package types

import (
	"fmt"
)

// Normalize fills zero-valued tunables with defaults. Called once at job
// creation; the spec is immutable afterwards.
func (s *MigrationSpec) Normalize() {
	if s.BatchSize <= 0 {
		s.BatchSize = DefaultBatchSize
	}
	if s.CheckpointEvery <= 0 {
		s.CheckpointEvery = DefaultCheckpointEvery
	}
	if s.SampleSize <= 0 {
		s.SampleSize = DefaultSampleSize
	}
	if s.MaxCountDeltaPct <= 0 {
		s.MaxCountDeltaPct = DefaultMaxCountDeltaPct
	}
	if s.ReplayPoisonThreshold <= 0 {
		s.ReplayPoisonThreshold = DefaultReplayPoisonThreshold
	}
	if s.RetentionWindow <= 0 {
		s.RetentionWindow = DefaultRetentionWindow
	}
	if s.RollbackPolicy == "" {
		s.RollbackPolicy = RollbackKeepTarget
	}
}

// Validate checks structural consistency. It does not touch the backend;
// reachability is checked separately by the orchestrator.
func (s *MigrationSpec) Validate() error {
	if s.SourceIndex == "" {
		return fmt.Errorf("%w: source index is required", ErrInvalidSpec)
	}
	if s.TargetIndex == "" {
		return fmt.Errorf("%w: target index is required", ErrInvalidSpec)
	}
	if s.SourceIndex == s.TargetIndex {
		return fmt.Errorf("%w: source and target must differ", ErrInvalidSpec)
	}
	if s.Alias == "" {
		return fmt.Errorf("%w: alias is required", ErrInvalidSpec)
	}
	if s.Alias == s.SourceIndex || s.Alias == s.TargetIndex {
		return fmt.Errorf("%w: alias must not name a physical index", ErrInvalidSpec)
	}
	if len(s.TargetSchema) == 0 {
		return fmt.Errorf("%w: target schema is empty", ErrInvalidSpec)
	}
	if s.MaxErrorRate < 0 || s.MaxErrorRate > 1 {
		return fmt.Errorf("%w: max error rate must be in [0,1]", ErrInvalidSpec)
	}
	switch s.RollbackPolicy {
	case "", RollbackDeleteTarget, RollbackKeepTarget:
	default:
		return fmt.Errorf("%w: unknown rollback policy %q", ErrInvalidSpec, s.RollbackPolicy)
	}
	return nil
}
