package gateway

import (
	"context"
	"math/rand"
	"time"

	"github.com/indexops/bluegreen/pkg/log"
	"github.com/indexops/bluegreen/pkg/types"
)

// RetryPolicy controls the exponential backoff applied to transient
// backend failures. Permanent errors and ErrCircuitOpen pass through
// untouched.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// Jitter adds up to this much random delay to each wait, spreading
	// retries from concurrent batches
	Jitter time.Duration
}

// DefaultRetryPolicy returns the stock policy: 3 attempts, 2s initial
// delay doubling to a 60s cap, up to 5s jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       5 * time.Second,
	}
}

// Retrier decorates a Gateway with transient-error retries. It is layered
// above the circuit breaker guard so that every attempt lands in the
// breaker's accounting.
type Retrier struct {
	next   Gateway
	policy RetryPolicy
}

// NewRetrier wraps next with the given policy.
func NewRetrier(next Gateway, policy RetryPolicy) *Retrier {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &Retrier{next: next, policy: policy}
}

// do runs op, retrying while the error is transient and attempts remain.
func (r *Retrier) do(ctx context.Context, name string, op func() error) error {
	delay := r.policy.InitialDelay
	var err error
	for attempt := 1; ; attempt++ {
		err = op()
		if err == nil || !types.IsTransient(err) || attempt >= r.policy.MaxAttempts {
			return err
		}

		wait := delay
		if r.policy.Jitter > 0 {
			wait += time.Duration(rand.Int63n(int64(r.policy.Jitter)))
		}
		log.Logger.Warn().
			Err(err).
			Str("op", name).
			Int("attempt", attempt).
			Dur("wait", wait).
			Msg("Transient backend error, retrying")

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay = time.Duration(float64(delay) * r.policy.Multiplier)
		if delay > r.policy.MaxDelay {
			delay = r.policy.MaxDelay
		}
	}
}

func (r *Retrier) CreateSnapshot(ctx context.Context, index string) (string, error) {
	var id string
	err := r.do(ctx, "create_snapshot", func() error {
		var err error
		id, err = r.next.CreateSnapshot(ctx, index)
		return err
	})
	return id, err
}

func (r *Retrier) RestoreSnapshot(ctx context.Context, snapshotID, destIndex string) error {
	return r.do(ctx, "restore_snapshot", func() error {
		return r.next.RestoreSnapshot(ctx, snapshotID, destIndex)
	})
}

func (r *Retrier) CreateIndex(ctx context.Context, name string, schema map[string]interface{}) error {
	return r.do(ctx, "create_index", func() error {
		return r.next.CreateIndex(ctx, name, schema)
	})
}

func (r *Retrier) DeleteIndex(ctx context.Context, name string) error {
	return r.do(ctx, "delete_index", func() error {
		return r.next.DeleteIndex(ctx, name)
	})
}

func (r *Retrier) Reindex(ctx context.Context, source, dest string, offset, limit int, transform types.TransformFunc) (int, error) {
	var copied int
	err := r.do(ctx, "reindex", func() error {
		var err error
		copied, err = r.next.Reindex(ctx, source, dest, offset, limit, transform)
		return err
	})
	return copied, err
}

func (r *Retrier) Count(ctx context.Context, index string) (int64, error) {
	var n int64
	err := r.do(ctx, "count", func() error {
		var err error
		n, err = r.next.Count(ctx, index)
		return err
	})
	return n, err
}

func (r *Retrier) HealthCheck(ctx context.Context, index string) (Health, error) {
	var h Health
	err := r.do(ctx, "health_check", func() error {
		var err error
		h, err = r.next.HealthCheck(ctx, index)
		return err
	})
	return h, err
}

// SwapAlias is deliberately not retried here: the orchestrator owns the
// swap retry decision because it must first confirm no partial state
// change happened.
func (r *Retrier) SwapAlias(ctx context.Context, alias, from, to string) (string, error) {
	return r.next.SwapAlias(ctx, alias, from, to)
}

func (r *Retrier) ResolveAlias(ctx context.Context, alias string) (string, error) {
	var idx string
	err := r.do(ctx, "resolve_alias", func() error {
		var err error
		idx, err = r.next.ResolveAlias(ctx, alias)
		return err
	})
	return idx, err
}

func (r *Retrier) SampleIDs(ctx context.Context, index string, n int) ([]string, error) {
	var ids []string
	err := r.do(ctx, "sample_ids", func() error {
		var err error
		ids, err = r.next.SampleIDs(ctx, index, n)
		return err
	})
	return ids, err
}

func (r *Retrier) GetDocument(ctx context.Context, index, id string) (types.Document, error) {
	var doc types.Document
	err := r.do(ctx, "get_document", func() error {
		var err error
		doc, err = r.next.GetDocument(ctx, index, id)
		return err
	})
	return doc, err
}

func (r *Retrier) IndexDocument(ctx context.Context, index string, doc types.Document) error {
	return r.do(ctx, "index_document", func() error {
		return r.next.IndexDocument(ctx, index, doc)
	})
}

func (r *Retrier) Search(ctx context.Context, index string, query map[string]interface{}) (int64, error) {
	var hits int64
	err := r.do(ctx, "search", func() error {
		var err error
		hits, err = r.next.Search(ctx, index, query)
		return err
	})
	return hits, err
}
