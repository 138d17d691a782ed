package types

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that YAML manifests write as a Go duration
// string ("72h", "30m"). JSON keeps the raw nanosecond count so checkpoint
// round-trips are unaffected.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("parse duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return err
	}
	*d = Duration(n)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// MigrationSpec is the immutable description of a migration. It is created
// by the caller and never mutated after Start.
type MigrationSpec struct {
	// SourceIndex is the physical index currently serving traffic
	SourceIndex string `yaml:"sourceIndex" json:"source_index"`

	// TargetIndex is the physical index to build and cut over to
	TargetIndex string `yaml:"targetIndex" json:"target_index"`

	// Alias is the stable logical name clients resolve
	Alias string `yaml:"alias" json:"alias"`

	// TargetSchema is the mapping/settings document for the target index
	TargetSchema map[string]interface{} `yaml:"targetSchema" json:"target_schema"`

	// BatchSize is the number of documents copied per reindex call
	BatchSize int `yaml:"batchSize" json:"batch_size"`

	// CheckpointEvery is the number of completed batches between
	// persisted reindex progress markers
	CheckpointEvery int `yaml:"checkpointEvery" json:"checkpoint_every"`

	// MaxCountDeltaPct is the acceptable |target-source|/source document
	// count delta at validation, e.g. 1.0 for one percent
	MaxCountDeltaPct float64 `yaml:"maxCountDeltaPct" json:"max_count_delta_pct"`

	// MaxErrorRate is the acceptable fraction of sampled documents that
	// may mismatch, e.g. 0 for none
	MaxErrorRate float64 `yaml:"maxErrorRate" json:"max_error_rate"`

	// SampleSize is the number of document IDs sampled for validation
	SampleSize int `yaml:"sampleSize" json:"sample_size"`

	// CanaryQueries is the battery of representative read operations run
	// against the target at validation
	CanaryQueries []CanaryQuery `yaml:"canaryQueries" json:"canary_queries"`

	// RollbackPolicy controls what happens to the target index on rollback
	RollbackPolicy RollbackPolicy `yaml:"rollbackPolicy" json:"rollback_policy"`

	// RetentionWindow is how long the source index is kept after Completed
	RetentionWindow Duration `yaml:"retentionWindow" json:"retention_window"`

	// ReplayPoisonThreshold is the number of failed replay attempts after
	// which a WAL entry is parked and the job reports PartiallyConverged
	ReplayPoisonThreshold int `yaml:"replayPoisonThreshold" json:"replay_poison_threshold"`
}

// CanaryQuery is a representative read operation run against an index.
// A query fails if it errors, or if it returns zero hits while the same
// query against the source returns non-zero.
type CanaryQuery struct {
	Name  string                 `yaml:"name" json:"name"`
	Query map[string]interface{} `yaml:"query" json:"query"`
}

// RollbackPolicy controls target index disposition on rollback
type RollbackPolicy string

const (
	// RollbackDeleteTarget deletes the half-built target index
	RollbackDeleteTarget RollbackPolicy = "delete-target"

	// RollbackKeepTarget leaves the target orphaned but unbound, for
	// post-mortem inspection
	RollbackKeepTarget RollbackPolicy = "keep-target"
)

// Defaults applied when the corresponding spec field is zero.
const (
	DefaultBatchSize             = 500
	DefaultCheckpointEvery       = 10
	DefaultSampleSize            = 25
	DefaultMaxCountDeltaPct      = 1.0
	DefaultReplayPoisonThreshold = 10
	DefaultRetentionWindow       = Duration(72 * time.Hour)
)

// Phase is the orchestrator state machine position of a job
type Phase string

const (
	PhaseValidating       Phase = "validating"
	PhaseBackupCreated    Phase = "backup_created"
	PhaseTargetCreated    Phase = "target_created"
	PhaseReindexing       Phase = "reindexing"
	PhaseReindexValidated Phase = "reindex_validated"
	PhaseAliasSwapped     Phase = "alias_swapped"
	PhaseCompleted        Phase = "completed"
	PhaseRollingBack      Phase = "rolling_back"
	PhaseRolledBack       Phase = "rolled_back"

	// PhaseManualIntervention means the engine could not determine backend
	// state after a failed alias swap and refuses to guess
	PhaseManualIntervention Phase = "manual_intervention_required"

	// PhasePartiallyConverged means the job completed its cutover but a
	// subset of WAL entries could not be replayed into the target
	PhasePartiallyConverged Phase = "partially_converged"
)

// Terminal reports whether a phase is final for automation.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseRolledBack, PhaseManualIntervention, PhasePartiallyConverged:
		return true
	}
	return false
}

// forwardOrder maps each forward phase to its position, used to enforce
// monotonic progress on resume.
var forwardOrder = map[Phase]int{
	PhaseValidating:       0,
	PhaseBackupCreated:    1,
	PhaseTargetCreated:    2,
	PhaseReindexing:       3,
	PhaseReindexValidated: 4,
	PhaseAliasSwapped:     5,
	PhaseCompleted:        6,
}

// Forward reports whether a phase is on the forward path.
func (p Phase) Forward() bool {
	_, ok := forwardOrder[p]
	return ok
}

// Before reports whether p precedes q on the forward path. Non-forward
// phases are never before anything.
func (p Phase) Before(q Phase) bool {
	pi, ok1 := forwardOrder[p]
	qi, ok2 := forwardOrder[q]
	return ok1 && ok2 && pi < qi
}

// MigrationJob is the mutable unit of work, owned exclusively by the
// orchestrator and persisted through the checkpoint store after every
// phase transition.
type MigrationJob struct {
	ID         string              `json:"id"`
	Spec       *MigrationSpec      `json:"spec"`
	Phase      Phase               `json:"phase"`
	PhaseTimes map[Phase]time.Time `json:"phase_times"`
	LastError  string              `json:"last_error,omitempty"`
	FailReason FailReason          `json:"fail_reason,omitempty"`
	Retries    int                 `json:"retries"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`

	// Reindex progress
	DocsTotal  int64 `json:"docs_total"`
	DocsCopied int64 `json:"docs_copied"`

	// SnapshotID of the pre-migration backup, set in BackupCreated
	SnapshotID string `json:"snapshot_id,omitempty"`

	// TargetReady records that the target index was created (or confirmed
	// schema-identical) by this job, making rollback disposal safe
	TargetReady bool `json:"target_ready,omitempty"`

	// PriorAlias records what the alias pointed at before the swap, kept
	// until the job is terminal to allow one-step rollback
	PriorAlias string `json:"prior_alias,omitempty"`
}

// Progress returns completed fraction in [0,1]; 0 when the total is unknown.
func (j *MigrationJob) Progress() float64 {
	if j.DocsTotal <= 0 {
		return 0
	}
	return float64(j.DocsCopied) / float64(j.DocsTotal)
}

// Clone returns a copy suitable for a read-only status snapshot.
func (j *MigrationJob) Clone() *MigrationJob {
	c := *j
	c.PhaseTimes = make(map[Phase]time.Time, len(j.PhaseTimes))
	for k, v := range j.PhaseTimes {
		c.PhaseTimes[k] = v
	}
	return &c
}

// FailReason classifies why a job left the forward path
type FailReason string

const (
	ReasonValidationFailed FailReason = "validation_failed"
	ReasonBackendFailure   FailReason = "backend_failure"
	ReasonCancelled        FailReason = "cancelled"
	ReasonAliasSwapFailed  FailReason = "alias_swap_failed"
)

// Checkpoint is the durable record of a job's progress, sufficient to
// resume from the recorded phase without repeating non-idempotent effects.
type Checkpoint struct {
	JobID      string         `json:"job_id"`
	Spec       *MigrationSpec `json:"spec"`
	Phase      Phase          `json:"phase"`
	DocsTotal  int64          `json:"docs_total"`
	DocsCopied int64          `json:"docs_copied"`
	SnapshotID  string         `json:"snapshot_id,omitempty"`
	TargetReady bool           `json:"target_ready,omitempty"`
	PriorAlias  string         `json:"prior_alias,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	FailReason FailReason     `json:"fail_reason,omitempty"`
	Retries    int            `json:"retries"`
	SavedAt    time.Time      `json:"saved_at"`
}

// AliasBinding maps a stable logical name to exactly one physical index.
type AliasBinding struct {
	Alias string    `json:"alias"`
	Index string    `json:"index"`
	Since time.Time `json:"since"`
}

// ValidationReport aggregates the three validation checks.
type ValidationReport struct {
	Passed bool `json:"passed"`

	SourceCount   int64   `json:"source_count"`
	TargetCount   int64   `json:"target_count"`
	CountDelta    int64   `json:"count_delta"`
	CountDeltaPct float64 `json:"count_delta_pct"`
	CountPassed   bool    `json:"count_passed"`

	SampleSize       int      `json:"sample_size"`
	SampleMismatches []string `json:"sample_mismatches,omitempty"`
	SamplePassed     bool     `json:"sample_passed"`

	CanaryFailures []string `json:"canary_failures,omitempty"`
	CanaryPassed   bool     `json:"canary_passed"`

	CheckedAt time.Time `json:"checked_at"`
}

// FailedChecks lists the names of the checks that failed, for diagnostics.
func (r *ValidationReport) FailedChecks() []string {
	var failed []string
	if !r.CountPassed {
		failed = append(failed, "count")
	}
	if !r.SamplePassed {
		failed = append(failed, "sample")
	}
	if !r.CanaryPassed {
		failed = append(failed, "canary")
	}
	return failed
}

// WALStatus is the application state of a write-ahead log entry
type WALStatus string

const (
	WALPending    WALStatus = "pending"
	WALAppliedOld WALStatus = "applied_old"
	WALAppliedNew WALStatus = "applied_new"
	WALFailed     WALStatus = "failed"
)

// WALEntry records a write that arrived during the migration window.
type WALEntry struct {
	Seq       uint64                 `json:"seq"`
	JobID     string                 `json:"job_id"`
	DocID     string                 `json:"doc_id"`
	Document  map[string]interface{} `json:"document"`
	Status    WALStatus              `json:"status"`
	Attempts  int                    `json:"attempts"`
	CreatedAt time.Time              `json:"created_at"`
}

// Document is a stored unit in an index, addressed by ID.
type Document struct {
	ID     string                 `json:"id"`
	Fields map[string]interface{} `json:"fields"`
}

// TransformFunc optionally rewrites each document as it is copied from
// source to target, e.g. to backfill fields derived from existing ones.
type TransformFunc func(Document) Document
