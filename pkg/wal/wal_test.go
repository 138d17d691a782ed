package wal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/indexops/bluegreen/pkg/gateway"
	"github.com/indexops/bluegreen/pkg/types"
)

func newTestLog(t *testing.T) *BoltLog {
	t.Helper()
	wlog, err := NewBoltLog(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { wlog.Close() })
	return wlog
}

func TestBoltLogAppendAndPending(t *testing.T) {
	wlog := newTestLog(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, wlog.Append(&types.WALEntry{
			JobID:    "job-1",
			DocID:    "doc-a",
			Document: map[string]interface{}{"n": i},
		}))
	}

	pending, err := wlog.Pending("job-1")
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Less(t, pending[0].Seq, pending[1].Seq)
	assert.Less(t, pending[1].Seq, pending[2].Seq)
	assert.Equal(t, types.WALPending, pending[0].Status)

	drained, err := wlog.Drained("job-1")
	require.NoError(t, err)
	assert.False(t, drained)

	for _, e := range pending {
		e.Status = types.WALAppliedNew
		require.NoError(t, wlog.Update(e))
	}
	drained, err = wlog.Drained("job-1")
	require.NoError(t, err)
	assert.True(t, drained)
}

func TestBoltLogPurgeAppliedKeepsPoison(t *testing.T) {
	wlog := newTestLog(t)

	applied := &types.WALEntry{JobID: "job-1", DocID: "doc-ok"}
	require.NoError(t, wlog.Append(applied))
	applied.Status = types.WALAppliedNew
	require.NoError(t, wlog.Update(applied))

	poison := &types.WALEntry{JobID: "job-1", DocID: "doc-bad"}
	require.NoError(t, wlog.Append(poison))
	poison.Status = types.WALFailed
	require.NoError(t, wlog.Update(poison))

	require.NoError(t, wlog.PurgeApplied("job-1"))

	parked, err := wlog.Parked("job-1")
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, "doc-bad", parked[0].DocID)

	pending, err := wlog.Pending("job-1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestBoltLogIsolatesJobs(t *testing.T) {
	wlog := newTestLog(t)

	require.NoError(t, wlog.Append(&types.WALEntry{JobID: "job-a", DocID: "doc-1"}))
	require.NoError(t, wlog.Append(&types.WALEntry{JobID: "job-b", DocID: "doc-2"}))

	pending, err := wlog.Pending("job-a")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "doc-1", pending[0].DocID)
}

func TestInterceptorWriteDualPath(t *testing.T) {
	ctx := context.Background()
	wlog := newTestLog(t)
	gw := gateway.NewInMemory()
	gw.SeedDocuments("idx-v1", 0)
	gw.SeedDocuments("idx-v2", 0)

	ic := NewInterceptor(gw, wlog, "job-1", "idx-v1", "idx-v2", nil)

	doc := types.Document{ID: "doc-live", Fields: map[string]interface{}{"title": "live write"}}
	require.NoError(t, ic.Write(ctx, doc))

	// Acknowledged means durable in the WAL and visible in the serving
	// index; the shadow copy may still be in flight.
	got, err := gw.GetDocument(ctx, "idx-v1", "doc-live")
	require.NoError(t, err)
	assert.Equal(t, "live write", got.Fields["title"])

	ic.Flush()
	got, err = gw.GetDocument(ctx, "idx-v2", "doc-live")
	require.NoError(t, err)
	assert.Equal(t, "live write", got.Fields["title"])

	drained, err := wlog.Drained("job-1")
	require.NoError(t, err)
	assert.True(t, drained)
}

func TestInterceptorDefersFailedShadowToReplay(t *testing.T) {
	ctx := context.Background()
	wlog := newTestLog(t)
	gw := gateway.NewInMemory()
	gw.SeedDocuments("idx-v1", 0)
	gw.SeedDocuments("idx-v2", 0)

	// First index_document call (serving index) succeeds, the shadow
	// write fails.
	gw.FailAfter("index_document", 1, types.Transient(errors.New("timeout")))

	ic := NewInterceptor(gw, wlog, "job-1", "idx-v1", "idx-v2", nil)
	doc := types.Document{ID: "doc-live", Fields: map[string]interface{}{"title": "live write"}}
	require.NoError(t, ic.Write(ctx, doc))
	ic.Flush()

	_, err := gw.GetDocument(ctx, "idx-v2", "doc-live")
	assert.ErrorIs(t, err, types.ErrNotFound)

	pending, err := wlog.Pending("job-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, types.WALAppliedOld, pending[0].Status)

	// Replay picks up what the shadow path missed.
	gw.ClearFailure("index_document")
	r := NewReplayer(gw, wlog, nil)
	r.InitialDelay = time.Millisecond

	res, err := r.Drain(ctx, "job-1", "idx-v2", types.DefaultReplayPoisonThreshold)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replayed)
	assert.Equal(t, 0, res.Poisoned)

	got, err := gw.GetDocument(ctx, "idx-v2", "doc-live")
	require.NoError(t, err)
	assert.Equal(t, "live write", got.Fields["title"])
}

func TestReplayerRetriesUntilRecovery(t *testing.T) {
	ctx := context.Background()
	wlog := newTestLog(t)
	gw := gateway.NewInMemory()
	gw.SeedDocuments("idx-v2", 0)

	require.NoError(t, wlog.Append(&types.WALEntry{
		JobID: "job-1", DocID: "doc-1",
		Document: map[string]interface{}{"title": "queued"},
	}))

	// Two failing passes, then the backend recovers.
	gw.FailTimes("index_document", 2, types.Transient(errors.New("timeout")))

	r := NewReplayer(gw, wlog, nil)
	r.InitialDelay = time.Millisecond
	r.MaxDelay = 2 * time.Millisecond

	res, err := r.Drain(ctx, "job-1", "idx-v2", types.DefaultReplayPoisonThreshold)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replayed)
	assert.Equal(t, 0, res.Poisoned)
}

func TestReplayerParksPoisonEntries(t *testing.T) {
	ctx := context.Background()
	wlog := newTestLog(t)
	gw := gateway.NewInMemory()
	gw.SeedDocuments("idx-v2", 0)

	require.NoError(t, wlog.Append(&types.WALEntry{
		JobID: "job-1", DocID: "doc-bad",
		Document: map[string]interface{}{"title": "poison"},
	}))
	gw.FailWith("index_document", errors.New("mapping rejects document"))

	r := NewReplayer(gw, wlog, nil)
	r.InitialDelay = time.Millisecond
	r.MaxDelay = 2 * time.Millisecond

	res, err := r.Drain(ctx, "job-1", "idx-v2", 3)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Replayed)
	assert.Equal(t, 1, res.Poisoned)

	parked, err := wlog.Parked("job-1")
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, 3, parked[0].Attempts)

	drained, err := wlog.Drained("job-1")
	require.NoError(t, err)
	assert.True(t, drained)
}

func TestReplayerAppliesTransform(t *testing.T) {
	ctx := context.Background()
	wlog := newTestLog(t)
	gw := gateway.NewInMemory()
	gw.SeedDocuments("idx-v2", 0)

	require.NoError(t, wlog.Append(&types.WALEntry{
		JobID: "job-1", DocID: "doc-1",
		Document: map[string]interface{}{"title": "original"},
	}))

	rename := func(doc types.Document) types.Document {
		out := types.Document{ID: doc.ID, Fields: map[string]interface{}{}}
		for k, v := range doc.Fields {
			if k == "title" {
				k = "name"
			}
			out.Fields[k] = v
		}
		return out
	}

	r := NewReplayer(gw, wlog, rename)
	r.InitialDelay = time.Millisecond

	_, err := r.Drain(ctx, "job-1", "idx-v2", types.DefaultReplayPoisonThreshold)
	require.NoError(t, err)

	got, err := gw.GetDocument(ctx, "idx-v2", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "original", got.Fields["name"])
}
