package types

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the engine's error taxonomy. Callers classify
// with errors.Is; wrapped detail travels via fmt.Errorf("%w").
var (
	// ErrInvalidSpec means the migration spec failed validation at Start;
	// no job is created and no side effects occurred
	ErrInvalidSpec = errors.New("invalid migration spec")

	// ErrSchemaConflict means the target index already exists with a
	// different schema; fatal at start
	ErrSchemaConflict = errors.New("target index exists with conflicting schema")

	// ErrUnresumableJob means the checkpoint is missing, corrupt, or the
	// recorded phase is terminal
	ErrUnresumableJob = errors.New("job cannot be resumed")

	// ErrCircuitOpen is returned without contacting the backend while the
	// circuit breaker for the target is open
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrValidationFailed means the validation gate rejected the target;
	// never retried, deterministically triggers rollback
	ErrValidationFailed = errors.New("validation failed")

	// ErrAliasSwapFailed means the atomic alias rebind failed
	ErrAliasSwapFailed = errors.New("alias swap failed")

	// ErrManualIntervention means the backend could not confirm whether a
	// failed swap left partial state; the job is halted, not guessed at
	ErrManualIntervention = errors.New("manual intervention required")

	// ErrJobNotFound is returned by status/cancel for unknown job IDs
	ErrJobNotFound = errors.New("job not found")

	// ErrJobConflict means another job already holds the lock for the
	// same target index
	ErrJobConflict = errors.New("another migration is active for this target")

	// ErrNotFound is the generic missing-record error for stores and the
	// storage gateway
	ErrNotFound = errors.New("not found")
)

// TransientError wraps a backend failure that is expected to resolve on
// retry (timeouts, throttling). The retry decorator and circuit breaker
// treat it differently from permanent failures.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient backend error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
