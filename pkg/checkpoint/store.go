package checkpoint

import (
	"github.com/indexops/bluegreen/pkg/types"
)

// Store is the durable record of migration progress. Saved after every
// phase transition and periodically during reindexing; read at process
// start to resume orphaned jobs.
type Store interface {
	Save(jobID string, cp *types.Checkpoint) error
	Load(jobID string) (*types.Checkpoint, error)

	// ListInProgress returns the IDs of jobs whose recorded phase is not
	// terminal, in no particular order
	ListInProgress() ([]string, error)

	// List returns all known job IDs
	List() ([]string, error)

	// Delete removes a checkpoint. Only legal once the job is terminal.
	Delete(jobID string) error

	Close() error
}
