package gateway

import (
	"context"

	"github.com/indexops/bluegreen/pkg/types"
)

// Gateway abstracts the search backend's administrative surface: snapshot,
// restore, reindex, alias swap, counts and health. The engine orchestrates
// these operations; it never implements search or indexing itself.
type Gateway interface {
	// CreateSnapshot snapshots index and returns the snapshot ID
	CreateSnapshot(ctx context.Context, index string) (string, error)

	// RestoreSnapshot restores a snapshot into destIndex
	RestoreSnapshot(ctx context.Context, snapshotID, destIndex string) error

	// CreateIndex creates name with the given schema. It is idempotent:
	// a no-op when the index exists with a matching schema, and
	// types.ErrSchemaConflict when it exists with a different one.
	CreateIndex(ctx context.Context, name string, schema map[string]interface{}) error

	// DeleteIndex removes a physical index
	DeleteIndex(ctx context.Context, name string) error

	// Reindex copies up to limit documents from source to dest starting
	// at offset, applying transform to each document when non-nil.
	// Returns the number of documents copied.
	Reindex(ctx context.Context, source, dest string, offset, limit int, transform types.TransformFunc) (int, error)

	// Count returns the number of documents in index
	Count(ctx context.Context, index string) (int64, error)

	// HealthCheck reports backend health for index
	HealthCheck(ctx context.Context, index string) (Health, error)

	// SwapAlias atomically rebinds alias from one physical index to
	// another in a single backend call, returning the prior target.
	SwapAlias(ctx context.Context, alias, from, to string) (string, error)

	// ResolveAlias returns the physical index currently bound to alias
	ResolveAlias(ctx context.Context, alias string) (string, error)

	// SampleIDs returns up to n uniformly sampled document IDs from index
	SampleIDs(ctx context.Context, index string, n int) ([]string, error)

	// GetDocument fetches a document by ID; types.ErrNotFound if absent
	GetDocument(ctx context.Context, index, id string) (types.Document, error)

	// IndexDocument upserts a document into index
	IndexDocument(ctx context.Context, index string, doc types.Document) error

	// Search executes a query against index and returns the hit count
	Search(ctx context.Context, index string, query map[string]interface{}) (int64, error)
}

// Health is the outcome of a backend health check
type Health struct {
	Healthy bool
	Status  string
}
