package breaker

import (
	"context"

	"github.com/indexops/bluegreen/pkg/gateway"
	"github.com/indexops/bluegreen/pkg/types"
)

// Guard decorates a Gateway so every call is admitted and recorded by the
// breaker. While the breaker is open, calls return ErrCircuitOpen without
// reaching the backend.
type Guard struct {
	breaker *Breaker
	next    gateway.Gateway
}

// NewGuard wraps next with b.
func NewGuard(b *Breaker, next gateway.Gateway) *Guard {
	return &Guard{breaker: b, next: next}
}

// Breaker exposes the underlying breaker for state checks.
func (g *Guard) Breaker() *Breaker {
	return g.breaker
}

func (g *Guard) CreateSnapshot(ctx context.Context, index string) (string, error) {
	var id string
	err := g.breaker.Do(func() error {
		var err error
		id, err = g.next.CreateSnapshot(ctx, index)
		return err
	})
	return id, err
}

func (g *Guard) RestoreSnapshot(ctx context.Context, snapshotID, destIndex string) error {
	return g.breaker.Do(func() error {
		return g.next.RestoreSnapshot(ctx, snapshotID, destIndex)
	})
}

func (g *Guard) CreateIndex(ctx context.Context, name string, schema map[string]interface{}) error {
	return g.breaker.Do(func() error {
		return g.next.CreateIndex(ctx, name, schema)
	})
}

func (g *Guard) DeleteIndex(ctx context.Context, name string) error {
	return g.breaker.Do(func() error {
		return g.next.DeleteIndex(ctx, name)
	})
}

func (g *Guard) Reindex(ctx context.Context, source, dest string, offset, limit int, transform types.TransformFunc) (int, error) {
	var copied int
	err := g.breaker.Do(func() error {
		var err error
		copied, err = g.next.Reindex(ctx, source, dest, offset, limit, transform)
		return err
	})
	return copied, err
}

func (g *Guard) Count(ctx context.Context, index string) (int64, error) {
	var n int64
	err := g.breaker.Do(func() error {
		var err error
		n, err = g.next.Count(ctx, index)
		return err
	})
	return n, err
}

func (g *Guard) HealthCheck(ctx context.Context, index string) (gateway.Health, error) {
	var h gateway.Health
	err := g.breaker.Do(func() error {
		var err error
		h, err = g.next.HealthCheck(ctx, index)
		return err
	})
	return h, err
}

func (g *Guard) SwapAlias(ctx context.Context, alias, from, to string) (string, error) {
	var prior string
	err := g.breaker.Do(func() error {
		var err error
		prior, err = g.next.SwapAlias(ctx, alias, from, to)
		return err
	})
	return prior, err
}

func (g *Guard) ResolveAlias(ctx context.Context, alias string) (string, error) {
	var idx string
	err := g.breaker.Do(func() error {
		var err error
		idx, err = g.next.ResolveAlias(ctx, alias)
		return err
	})
	return idx, err
}

func (g *Guard) SampleIDs(ctx context.Context, index string, n int) ([]string, error) {
	var ids []string
	err := g.breaker.Do(func() error {
		var err error
		ids, err = g.next.SampleIDs(ctx, index, n)
		return err
	})
	return ids, err
}

func (g *Guard) GetDocument(ctx context.Context, index, id string) (types.Document, error) {
	var doc types.Document
	err := g.breaker.Do(func() error {
		var err error
		doc, err = g.next.GetDocument(ctx, index, id)
		return err
	})
	return doc, err
}

func (g *Guard) IndexDocument(ctx context.Context, index string, doc types.Document) error {
	return g.breaker.Do(func() error {
		return g.next.IndexDocument(ctx, index, doc)
	})
}

func (g *Guard) Search(ctx context.Context, index string, query map[string]interface{}) (int64, error) {
	var hits int64
	err := g.breaker.Do(func() error {
		var err error
		hits, err = g.next.Search(ctx, index, query)
		return err
	})
	return hits, err
}
