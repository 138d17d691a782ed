package wal

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/indexops/bluegreen/pkg/gateway"
	"github.com/indexops/bluegreen/pkg/log"
	"github.com/indexops/bluegreen/pkg/metrics"
	"github.com/indexops/bluegreen/pkg/types"
)

// Replayer drains unconfirmed WAL entries into the new index after
// cutover. Durability beats latency here: transient failures are retried
// indefinitely with backoff, and only entries that keep failing past the
// poison threshold are parked for the operator.
type Replayer struct {
	gw        gateway.Gateway
	wlog      *BoltLog
	transform types.TransformFunc
	logger    zerolog.Logger

	// InitialDelay and MaxDelay bound the retry backoff between passes
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// NewReplayer creates a replayer writing through gw.
func NewReplayer(gw gateway.Gateway, wlog *BoltLog, transform types.TransformFunc) *Replayer {
	return &Replayer{
		gw:           gw,
		wlog:         wlog,
		transform:    transform,
		logger:       log.WithComponent("wal-replay"),
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
	}
}

// Result summarizes a drain.
type Result struct {
	Replayed int
	Poisoned int
}

// Drain replays every unconfirmed entry for the job into newIndex. It
// returns once the WAL is drained (possibly with parked poison entries)
// or the context is cancelled. poisonThreshold is the per-entry attempt
// limit before parking.
func (r *Replayer) Drain(ctx context.Context, jobID, newIndex string, poisonThreshold int) (Result, error) {
	var res Result
	delay := r.InitialDelay

	for {
		pending, err := r.wlog.Pending(jobID)
		if err != nil {
			return res, err
		}
		if len(pending) == 0 {
			metrics.WALDepth.WithLabelValues(jobID).Set(0)
			r.logger.Info().
				Str("job_id", jobID).
				Int("replayed", res.Replayed).
				Int("poisoned", res.Poisoned).
				Msg("WAL drained")
			return res, nil
		}

		progressed := false
		for _, entry := range pending {
			doc := types.Document{ID: entry.DocID, Fields: entry.Document}
			if r.transform != nil {
				doc = r.transform(doc)
			}
			if err := r.gw.IndexDocument(ctx, newIndex, doc); err != nil {
				entry.Attempts++
				if poisonThreshold > 0 && entry.Attempts >= poisonThreshold {
					entry.Status = types.WALFailed
					res.Poisoned++
					metrics.WALPoisonedTotal.WithLabelValues(jobID).Inc()
					r.logger.Error().
						Err(err).
						Str("job_id", jobID).
						Str("doc_id", entry.DocID).
						Int("attempts", entry.Attempts).
						Msg("WAL entry parked as poison")
				}
				if uerr := r.wlog.Update(entry); uerr != nil {
					return res, uerr
				}
				continue
			}
			entry.Status = types.WALAppliedNew
			if uerr := r.wlog.Update(entry); uerr != nil {
				return res, uerr
			}
			res.Replayed++
			progressed = true
			metrics.WALReplayedTotal.WithLabelValues(jobID).Inc()
		}

		pending, err = r.wlog.Pending(jobID)
		if err != nil {
			return res, err
		}
		metrics.WALDepth.WithLabelValues(jobID).Set(float64(len(pending)))
		if len(pending) == 0 {
			continue
		}

		// Entries remain: back off before the next pass, resetting the
		// delay whenever a pass made progress.
		if progressed {
			delay = r.InitialDelay
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return res, ctx.Err()
		}
		delay *= 2
		if delay > r.MaxDelay {
			delay = r.MaxDelay
		}
	}
}
