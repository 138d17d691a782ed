package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/indexops/bluegreen/pkg/breaker"
	"github.com/indexops/bluegreen/pkg/checkpoint"
	"github.com/indexops/bluegreen/pkg/events"
	"github.com/indexops/bluegreen/pkg/gateway"
	"github.com/indexops/bluegreen/pkg/types"
	"github.com/indexops/bluegreen/pkg/wal"
)

type fixture struct {
	o    *Orchestrator
	gw   *gateway.InMemory
	cps  *checkpoint.BoltStore
	wlog *wal.BoltLog
	dir  string
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	dir := t.TempDir()
	cps, err := checkpoint.NewBoltStore(dir)
	require.NoError(t, err)
	wlog, err := wal.NewBoltLog(dir)
	require.NoError(t, err)
	broker := events.NewBroker()
	broker.Start()

	gw := gateway.NewInMemory()
	o := New(gw, cps, wlog, broker, cfg)
	t.Cleanup(func() {
		o.Stop()
		broker.Stop()
		cps.Close()
		wlog.Close()
	})
	return &fixture{o: o, gw: gw, cps: cps, wlog: wlog, dir: dir}
}

func fastConfig() Config {
	return Config{
		RetryPolicy: gateway.RetryPolicy{
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2.0,
		},
		BreakerConfig: breaker.Config{
			ConsecutiveFailures: 5,
			Cooldown:            20 * time.Millisecond,
		},
		ReindexWorkers:      2,
		BreakerPollInterval: 5 * time.Millisecond,
	}
}

func migrationSpec() *types.MigrationSpec {
	return &types.MigrationSpec{
		SourceIndex:     "idx-v1",
		TargetIndex:     "idx-v2",
		Alias:           "products",
		TargetSchema:    map[string]interface{}{"title": "text"},
		BatchSize:       100,
		CheckpointEvery: 2,
		RollbackPolicy:  types.RollbackDeleteTarget,
	}
}

func seedServing(f *fixture, docs int) {
	f.gw.SeedDocuments("idx-v1", docs)
	f.gw.BindAlias("products", "idx-v1")
}

func TestMigrationCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fastConfig())
	seedServing(f, 950)

	jobID, err := f.o.Start(migrationSpec())
	require.NoError(t, err)
	f.o.Wait(jobID)

	job, err := f.o.Status(jobID)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseCompleted, job.Phase)
	assert.Equal(t, int64(950), job.DocsTotal)
	assert.Equal(t, int64(950), job.DocsCopied)
	assert.NotEmpty(t, job.SnapshotID)

	current, err := f.gw.ResolveAlias(ctx, "products")
	require.NoError(t, err)
	assert.Equal(t, "idx-v2", current)

	count, err := f.gw.Count(ctx, "idx-v2")
	require.NoError(t, err)
	assert.Equal(t, int64(950), count)

	// The source index survives for the retention window.
	count, err = f.gw.Count(ctx, "idx-v1")
	require.NoError(t, err)
	assert.Equal(t, int64(950), count)

	cp, err := f.cps.Load(jobID)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseCompleted, cp.Phase)
}

func TestStartRejectsBadSpecs(t *testing.T) {
	f := newFixture(t, fastConfig())
	seedServing(f, 10)

	_, err := f.o.Start(nil)
	assert.ErrorIs(t, err, types.ErrInvalidSpec)

	same := migrationSpec()
	same.TargetIndex = same.SourceIndex
	_, err = f.o.Start(same)
	assert.ErrorIs(t, err, types.ErrInvalidSpec)

	// Alias bound to something other than the declared source.
	f.gw.SeedDocuments("idx-v3", 1)
	f.gw.BindAlias("products", "idx-v3")
	_, err = f.o.Start(migrationSpec())
	assert.ErrorIs(t, err, types.ErrInvalidSpec)

	f.gw.BindAlias("products", "idx-v1")

	unbound := migrationSpec()
	unbound.Alias = "nonexistent-alias"
	_, err = f.o.Start(unbound)
	assert.ErrorIs(t, err, types.ErrInvalidSpec)

	// Nothing above left a job behind.
	ids, err := f.o.List()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestStartRejectsConcurrentTargetMigrations(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryPolicy.InitialDelay = 50 * time.Millisecond
	f := newFixture(t, cfg)
	seedServing(f, 50)

	// Stall the first job in its backup step to hold the target lock.
	f.gw.FailTimes("create_snapshot", 1, types.Transient(errors.New("throttled")))

	jobID, err := f.o.Start(migrationSpec())
	require.NoError(t, err)

	_, err = f.o.Start(migrationSpec())
	assert.ErrorIs(t, err, types.ErrJobConflict)

	f.o.Wait(jobID)
	job, err := f.o.Status(jobID)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseCompleted, job.Phase)

	// Lock released on completion.
	f.gw.SeedDocuments("idx-v1b", 1)
	spec := migrationSpec()
	spec.SourceIndex = "idx-v1b"
	spec.Alias = "products-b"
	f.gw.BindAlias("products-b", "idx-v1b")
	jobID2, err := f.o.Start(spec)
	require.NoError(t, err)
	f.o.Wait(jobID2)
}

func TestPermanentReindexFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fastConfig())
	seedServing(f, 950)

	// Four successful batch calls (400 documents), then hard failure.
	f.gw.FailAfter("reindex", 4, errors.New("mapper parsing exception"))

	jobID, err := f.o.Start(migrationSpec())
	require.NoError(t, err)
	f.o.Wait(jobID)

	job, err := f.o.Status(jobID)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseRolledBack, job.Phase)
	assert.Equal(t, types.ReasonBackendFailure, job.FailReason)
	assert.Equal(t, int64(400), job.DocsCopied)

	// Serving path untouched.
	current, err := f.gw.ResolveAlias(ctx, "products")
	require.NoError(t, err)
	assert.Equal(t, "idx-v1", current)
	count, err := f.gw.Count(ctx, "idx-v1")
	require.NoError(t, err)
	assert.Equal(t, int64(950), count)

	// Delete policy removed the half-built target.
	_, err = f.gw.Count(ctx, "idx-v2")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestValidationFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	cfg := fastConfig()
	// The transform renames the field the canary probes for, so the
	// canary sees hits in the source and none in the target.
	cfg.Transform = func(doc types.Document) types.Document {
		out := types.Document{ID: doc.ID, Fields: map[string]interface{}{}}
		for k, v := range doc.Fields {
			if k == "title" {
				k = "name"
			}
			out.Fields[k] = v
		}
		return out
	}
	f := newFixture(t, cfg)
	seedServing(f, 200)

	spec := migrationSpec()
	spec.CanaryQueries = []types.CanaryQuery{
		{Name: "title-probe", Query: map[string]interface{}{
			"term": map[string]interface{}{"title": "document 1"},
		}},
	}

	jobID, err := f.o.Start(spec)
	require.NoError(t, err)
	f.o.Wait(jobID)

	job, err := f.o.Status(jobID)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseRolledBack, job.Phase)
	assert.Equal(t, types.ReasonValidationFailed, job.FailReason)

	current, err := f.gw.ResolveAlias(ctx, "products")
	require.NoError(t, err)
	assert.Equal(t, "idx-v1", current)

	count, err := f.gw.Count(ctx, "idx-v1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), count)
}

func TestResumeContinuesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fastConfig())
	seedServing(f, 950)

	// Backend state as a crash mid-reindex would leave it: target
	// created, first 400 documents copied, snapshot taken.
	spec := migrationSpec()
	spec.Normalize()
	require.NoError(t, f.gw.CreateIndex(ctx, "idx-v2", spec.TargetSchema))
	_, err := f.gw.Reindex(ctx, "idx-v1", "idx-v2", 0, 400, nil)
	require.NoError(t, err)

	require.NoError(t, f.cps.Save("job-crash", &types.Checkpoint{
		Spec:        spec,
		Phase:       types.PhaseReindexing,
		DocsTotal:   950,
		DocsCopied:  400,
		SnapshotID:  "snap-before-crash",
		TargetReady: true,
	}))

	require.NoError(t, f.o.Resume("job-crash"))
	f.o.Wait("job-crash")

	job, err := f.o.Status("job-crash")
	require.NoError(t, err)
	assert.Equal(t, types.PhaseCompleted, job.Phase)
	assert.Equal(t, int64(950), job.DocsCopied)

	count, err := f.gw.Count(ctx, "idx-v2")
	require.NoError(t, err)
	assert.Equal(t, int64(950), count)

	current, err := f.gw.ResolveAlias(ctx, "products")
	require.NoError(t, err)
	assert.Equal(t, "idx-v2", current)

	// A second resume of a finished job is refused and changes nothing.
	err = f.o.Resume("job-crash")
	assert.ErrorIs(t, err, types.ErrUnresumableJob)
	count, err = f.gw.Count(ctx, "idx-v2")
	require.NoError(t, err)
	assert.Equal(t, int64(950), count)
}

func TestResumeRejectsUnknownAndTerminalJobs(t *testing.T) {
	f := newFixture(t, fastConfig())

	err := f.o.Resume("no-such-job")
	assert.ErrorIs(t, err, types.ErrUnresumableJob)

	spec := migrationSpec()
	spec.Normalize()
	require.NoError(t, f.cps.Save("job-done", &types.Checkpoint{
		Spec:  spec,
		Phase: types.PhaseCompleted,
	}))
	err = f.o.Resume("job-done")
	assert.ErrorIs(t, err, types.ErrUnresumableJob)
}

func TestResumeOrphansSkipsTerminalJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fastConfig())
	seedServing(f, 100)

	spec := migrationSpec()
	spec.Normalize()
	require.NoError(t, f.gw.CreateIndex(ctx, "idx-v2", spec.TargetSchema))
	require.NoError(t, f.cps.Save("job-orphan", &types.Checkpoint{
		Spec:        spec,
		Phase:       types.PhaseReindexing,
		DocsTotal:   100,
		SnapshotID:  "snap-1",
		TargetReady: true,
	}))
	require.NoError(t, f.cps.Save("job-finished", &types.Checkpoint{
		Spec:  spec,
		Phase: types.PhaseRolledBack,
	}))

	resumed, err := f.o.ResumeOrphans()
	require.NoError(t, err)
	assert.Equal(t, []string{"job-orphan"}, resumed)

	f.o.Wait("job-orphan")
	job, err := f.o.Status("job-orphan")
	require.NoError(t, err)
	assert.Equal(t, types.PhaseCompleted, job.Phase)
}

func TestBreakerPausesThenMigrationRecovers(t *testing.T) {
	cfg := Config{
		RetryPolicy: gateway.RetryPolicy{
			MaxAttempts:  10,
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			Multiplier:   1.0,
		},
		BreakerConfig: breaker.Config{
			ConsecutiveFailures: 3,
			Cooldown:            30 * time.Millisecond,
		},
		ReindexWorkers:      1,
		BreakerPollInterval: 5 * time.Millisecond,
	}
	f := newFixture(t, cfg)
	seedServing(f, 200)

	// Three failures trip the breaker mid-reindex; the backend is
	// healthy again by the time the half-open trial runs.
	f.gw.FailTimes("reindex", 3, types.Transient(errors.New("timeout")))

	spec := migrationSpec()
	spec.BatchSize = 50
	spec.CheckpointEvery = 1

	jobID, err := f.o.Start(spec)
	require.NoError(t, err)
	f.o.Wait(jobID)

	job, err := f.o.Status(jobID)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseCompleted, job.Phase)
	assert.Equal(t, int64(200), job.DocsCopied)

	// 3 failed calls before the trip plus 4 successful batches.
	assert.Equal(t, 7, f.gw.Calls("reindex"))
}

func TestCancelRollsBackAtGroupBoundary(t *testing.T) {
	ctx := context.Background()
	cfg := fastConfig()
	cfg.RetryPolicy = gateway.RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: 30 * time.Millisecond,
		MaxDelay:     30 * time.Millisecond,
		Multiplier:   1.0,
	}
	f := newFixture(t, cfg)
	seedServing(f, 950)

	// Stall the first reindex group long enough to cancel mid-flight.
	f.gw.FailTimes("reindex", 2, types.Transient(errors.New("throttled")))

	jobID, err := f.o.Start(migrationSpec())
	require.NoError(t, err)

	// Cancel while the first group is in flight: the group must finish
	// and be recorded before the cancellation takes effect.
	deadline := time.Now().Add(time.Second)
	for f.gw.Calls("reindex") == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.NotZero(t, f.gw.Calls("reindex"), "reindexing never started")
	require.NoError(t, f.o.Cancel(jobID))
	f.o.Wait(jobID)

	job, err := f.o.Status(jobID)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseRolledBack, job.Phase)
	assert.Equal(t, types.ReasonCancelled, job.FailReason)

	// The in-flight group completed and was recorded before the
	// cancellation was honored.
	assert.Equal(t, int64(200), job.DocsCopied)

	current, err := f.gw.ResolveAlias(ctx, "products")
	require.NoError(t, err)
	assert.Equal(t, "idx-v1", current)
}

func TestCancelUnknownJob(t *testing.T) {
	f := newFixture(t, fastConfig())
	assert.ErrorIs(t, f.o.Cancel("no-such-job"), types.ErrJobNotFound)
}

func TestDualWriteReachesBothIndices(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		RetryPolicy: gateway.RetryPolicy{
			MaxAttempts:  5,
			InitialDelay: 20 * time.Millisecond,
			MaxDelay:     20 * time.Millisecond,
			Multiplier:   1.0,
		},
		ReindexWorkers:      1,
		BreakerPollInterval: 5 * time.Millisecond,
	}
	f := newFixture(t, cfg)
	seedServing(f, 200)

	// Stall reindexing to leave a window for a live write. The write
	// arrives after the document total is pinned, so only the WAL can
	// carry it into the target.
	f.gw.FailTimes("reindex", 3, types.Transient(errors.New("throttled")))

	spec := migrationSpec()
	spec.BatchSize = 50
	spec.CheckpointEvery = 1
	spec.MaxErrorRate = 0.05 // the live doc may be sampled before its shadow lands

	jobID, err := f.o.Start(spec)
	require.NoError(t, err)

	var writer *wal.Interceptor
	deadline := time.Now().Add(time.Second)
	for writer == nil && time.Now().Before(deadline) {
		writer = f.o.Writer(jobID)
		time.Sleep(time.Millisecond)
	}
	require.NotNil(t, writer, "dual-write window never opened")

	live := types.Document{ID: "doc-live", Fields: map[string]interface{}{"title": "live write"}}
	require.NoError(t, writer.Write(ctx, live))

	// Acknowledged writes are immediately visible in the serving index.
	got, err := f.gw.GetDocument(ctx, "idx-v1", "doc-live")
	require.NoError(t, err)
	assert.Equal(t, "live write", got.Fields["title"])

	f.o.Wait(jobID)
	job, err := f.o.Status(jobID)
	require.NoError(t, err)
	require.Equal(t, types.PhaseCompleted, job.Phase, "last error: %s", job.LastError)

	got, err = f.gw.GetDocument(ctx, "idx-v2", "doc-live")
	require.NoError(t, err)
	assert.Equal(t, "live write", got.Fields["title"])

	drained, err := f.wlog.Drained(jobID)
	require.NoError(t, err)
	assert.True(t, drained)
}

func TestAliasSwapFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fastConfig())
	seedServing(f, 50)
	f.gw.FailWith("swap_alias", errors.New("alias endpoint rejects request"))

	jobID, err := f.o.Start(migrationSpec())
	require.NoError(t, err)
	f.o.Wait(jobID)

	job, err := f.o.Status(jobID)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseRolledBack, job.Phase)
	assert.Equal(t, types.ReasonAliasSwapFailed, job.FailReason)

	// One swap attempt per retry, each confirmed harmless before the next.
	assert.Equal(t, defaultSwapRetries, f.gw.Calls("swap_alias"))

	current, err := f.gw.ResolveAlias(ctx, "products")
	require.NoError(t, err)
	assert.Equal(t, "idx-v1", current)
}

func TestUnconfirmableSwapHaltsForOperator(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fastConfig())
	seedServing(f, 50)

	// The Start-time resolve succeeds; every resolve after it fails, so
	// a swap failure can never be confirmed harmless.
	f.gw.FailAfter("resolve_alias", 1, errors.New("alias endpoint down"))

	jobID, err := f.o.Start(migrationSpec())
	require.NoError(t, err)
	f.o.Wait(jobID)

	job, err := f.o.Status(jobID)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseManualIntervention, job.Phase)
	assert.Contains(t, job.LastError, "manual intervention")

	// The swap itself was never attempted against the backend.
	assert.Zero(t, f.gw.Calls("swap_alias"))

	f.gw.ClearFailure("resolve_alias")
	current, err := f.gw.ResolveAlias(ctx, "products")
	require.NoError(t, err)
	assert.Equal(t, "idx-v1", current)
}

func TestSchemaConflictSparesForeignIndex(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fastConfig())
	seedServing(f, 50)

	// Someone else owns an index named idx-v2 with a different schema.
	require.NoError(t, f.gw.CreateIndex(ctx, "idx-v2", map[string]interface{}{"sku": "keyword"}))
	require.NoError(t, f.gw.IndexDocument(ctx, "idx-v2", types.Document{
		ID: "foreign-doc", Fields: map[string]interface{}{"sku": "x-1"},
	}))

	jobID, err := f.o.Start(migrationSpec())
	require.NoError(t, err)
	f.o.Wait(jobID)

	job, err := f.o.Status(jobID)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseRolledBack, job.Phase)

	// Delete policy notwithstanding, an index this job never created
	// survives its rollback.
	count, err := f.gw.Count(ctx, "idx-v2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestReplayPoisonParksAndPartiallyConverges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fastConfig())
	seedServing(f, 100)

	// Document writes to any index fail; bulk reindex is a separate
	// path, so only WAL replay is affected.
	f.gw.FailWith("index_document", errors.New("mapping rejects document"))

	spec := migrationSpec()
	spec.ReplayPoisonThreshold = 2

	jobID, err := f.o.Start(spec)
	require.NoError(t, err)

	require.NoError(t, f.wlog.Append(&types.WALEntry{
		JobID:    jobID,
		DocID:    "doc-poison",
		Document: map[string]interface{}{"title": "unreplayable"},
	}))

	f.o.Wait(jobID)
	job, err := f.o.Status(jobID)
	require.NoError(t, err)
	assert.Equal(t, types.PhasePartiallyConverged, job.Phase)

	// The cutover itself stands; only the parked entries are missing.
	current, err := f.gw.ResolveAlias(ctx, "products")
	require.NoError(t, err)
	assert.Equal(t, "idx-v2", current)

	parked, err := f.wlog.Parked(jobID)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, "doc-poison", parked[0].DocID)
}

func TestStatusFallsBackToCheckpointStore(t *testing.T) {
	f := newFixture(t, fastConfig())
	seedServing(f, 20)

	jobID, err := f.o.Start(migrationSpec())
	require.NoError(t, err)
	f.o.Wait(jobID)

	// A fresh orchestrator over the same stores knows the job only
	// through its checkpoint.
	other := New(f.gw, f.cps, f.wlog, events.NewBroker(), fastConfig())
	defer other.Stop()

	job, err := other.Status(jobID)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseCompleted, job.Phase)

	_, err = other.Status("no-such-job")
	assert.ErrorIs(t, err, types.ErrJobNotFound)
}

func TestRestoreFromBackup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fastConfig())
	seedServing(f, 120)

	jobID, err := f.o.Start(migrationSpec())
	require.NoError(t, err)
	f.o.Wait(jobID)

	require.NoError(t, f.o.RestoreFromBackup(jobID, "idx-recovered"))
	count, err := f.gw.Count(ctx, "idx-recovered")
	require.NoError(t, err)
	assert.Equal(t, int64(120), count)

	err = f.o.RestoreFromBackup("no-such-job", "idx-recovered")
	assert.ErrorIs(t, err, types.ErrJobNotFound)
}
