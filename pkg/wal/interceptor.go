package wal

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/indexops/bluegreen/pkg/gateway"
	"github.com/indexops/bluegreen/pkg/log"
	"github.com/indexops/bluegreen/pkg/metrics"
	"github.com/indexops/bluegreen/pkg/types"
)

// Interceptor is the dual-write path active from Reindexing until the
// WAL is drained. Every write is logged first, applied to the old index
// synchronously (that is what the caller's ack means), and applied to
// the new index asynchronously, best-effort. Anything the async path
// misses is picked up by the replayer after cutover.
type Interceptor struct {
	gw        gateway.Gateway
	wlog      *BoltLog
	jobID     string
	oldIndex  string
	newIndex  string
	transform types.TransformFunc
	logger    zerolog.Logger

	wg sync.WaitGroup
}

// NewInterceptor creates the dual-write path for one job.
func NewInterceptor(gw gateway.Gateway, wlog *BoltLog, jobID, oldIndex, newIndex string, transform types.TransformFunc) *Interceptor {
	return &Interceptor{
		gw:        gw,
		wlog:      wlog,
		jobID:     jobID,
		oldIndex:  oldIndex,
		newIndex:  newIndex,
		transform: transform,
		logger:    log.WithComponent("wal").With().Str("job_id", jobID).Logger(),
	}
}

// Write logs the document, applies it to the old index synchronously and
// acknowledges, then shadows it into the new index in the background.
// The write is only acknowledged once it is durable in the WAL and
// applied to the serving index.
func (i *Interceptor) Write(ctx context.Context, doc types.Document) error {
	entry := &types.WALEntry{
		JobID:    i.jobID,
		DocID:    doc.ID,
		Document: doc.Fields,
	}
	if err := i.wlog.Append(entry); err != nil {
		return fmt.Errorf("wal append: %w", err)
	}

	if err := i.gw.IndexDocument(ctx, i.oldIndex, doc); err != nil {
		return fmt.Errorf("apply to serving index: %w", err)
	}
	entry.Status = types.WALAppliedOld
	if err := i.wlog.Update(entry); err != nil {
		return fmt.Errorf("wal update: %w", err)
	}
	i.publishDepth()

	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		i.shadow(ctx, entry, doc)
	}()
	return nil
}

// shadow applies the write to the new index. Failures are left for the
// replayer; the caller's ack is already durable.
func (i *Interceptor) shadow(ctx context.Context, entry *types.WALEntry, doc types.Document) {
	if i.transform != nil {
		doc = i.transform(doc)
	}
	if err := i.gw.IndexDocument(ctx, i.newIndex, doc); err != nil {
		i.logger.Debug().
			Err(err).
			Str("doc_id", doc.ID).
			Msg("Shadow write to target failed, deferring to replay")
		return
	}
	entry.Status = types.WALAppliedNew
	if err := i.wlog.Update(entry); err != nil {
		i.logger.Warn().Err(err).Str("doc_id", doc.ID).Msg("Failed to mark WAL entry applied")
		return
	}
	i.publishDepth()
}

// Flush waits for in-flight shadow writes. Called before replay begins.
func (i *Interceptor) Flush() {
	i.wg.Wait()
}

func (i *Interceptor) publishDepth() {
	pending, err := i.wlog.Pending(i.jobID)
	if err != nil {
		return
	}
	metrics.WALDepth.WithLabelValues(i.jobID).Set(float64(len(pending)))
}
