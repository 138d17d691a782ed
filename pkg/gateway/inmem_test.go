package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/indexops/bluegreen/pkg/types"
)

func TestInMemoryCreateIndexIdempotent(t *testing.T) {
	ctx := context.Background()
	gw := NewInMemory()
	schema := map[string]interface{}{"title": "text"}

	require.NoError(t, gw.CreateIndex(ctx, "idx-v2", schema))
	assert.NoError(t, gw.CreateIndex(ctx, "idx-v2", schema))

	err := gw.CreateIndex(ctx, "idx-v2", map[string]interface{}{"title": "keyword"})
	assert.ErrorIs(t, err, types.ErrSchemaConflict)
}

func TestInMemorySwapAliasAtomicity(t *testing.T) {
	ctx := context.Background()
	gw := NewInMemory()
	gw.SeedDocuments("idx-v1", 3)
	gw.SeedDocuments("idx-v2", 3)
	gw.BindAlias("products", "idx-v1")

	prior, err := gw.SwapAlias(ctx, "products", "idx-v1", "idx-v2")
	require.NoError(t, err)
	assert.Equal(t, "idx-v1", prior)

	current, err := gw.ResolveAlias(ctx, "products")
	require.NoError(t, err)
	assert.Equal(t, "idx-v2", current)
}

func TestInMemorySwapAliasRejectsStaleExpectation(t *testing.T) {
	ctx := context.Background()
	gw := NewInMemory()
	gw.SeedDocuments("idx-v1", 1)
	gw.SeedDocuments("idx-v2", 1)
	gw.SeedDocuments("idx-v3", 1)
	gw.BindAlias("products", "idx-v3")

	_, err := gw.SwapAlias(ctx, "products", "idx-v1", "idx-v2")
	assert.ErrorIs(t, err, types.ErrAliasSwapFailed)

	// The binding is untouched on failure.
	current, err := gw.ResolveAlias(ctx, "products")
	require.NoError(t, err)
	assert.Equal(t, "idx-v3", current)
}

func TestInMemorySwapAliasRequiresTarget(t *testing.T) {
	ctx := context.Background()
	gw := NewInMemory()
	gw.SeedDocuments("idx-v1", 1)
	gw.BindAlias("products", "idx-v1")

	_, err := gw.SwapAlias(ctx, "products", "idx-v1", "idx-missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestInMemoryReindexPagination(t *testing.T) {
	ctx := context.Background()
	gw := NewInMemory()
	gw.SeedDocuments("idx-v1", 25)
	require.NoError(t, gw.CreateIndex(ctx, "idx-v2", nil))

	copied := 0
	for offset := 0; ; offset += 10 {
		n, err := gw.Reindex(ctx, "idx-v1", "idx-v2", offset, 10, nil)
		require.NoError(t, err)
		if n == 0 {
			break
		}
		copied += n
	}
	assert.Equal(t, 25, copied)

	count, err := gw.Count(ctx, "idx-v2")
	require.NoError(t, err)
	assert.Equal(t, int64(25), count)
}

func TestInMemoryReindexAppliesTransform(t *testing.T) {
	ctx := context.Background()
	gw := NewInMemory()
	gw.SeedDocuments("idx-v1", 3)
	require.NoError(t, gw.CreateIndex(ctx, "idx-v2", nil))

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

	_, err := gw.Reindex(ctx, "idx-v1", "idx-v2", 0, 10, rename)
	require.NoError(t, err)

	doc, err := gw.GetDocument(ctx, "idx-v2", "doc-000001")
	require.NoError(t, err)
	assert.Contains(t, doc.Fields, "name")
	assert.NotContains(t, doc.Fields, "title")
}

func TestInMemorySnapshotRestore(t *testing.T) {
	ctx := context.Background()
	gw := NewInMemory()
	gw.SeedDocuments("idx-v1", 10)

	snapID, err := gw.CreateSnapshot(ctx, "idx-v1")
	require.NoError(t, err)
	require.NotEmpty(t, snapID)

	// Snapshot is a point-in-time copy, immune to later writes.
	require.NoError(t, gw.IndexDocument(ctx, "idx-v1", types.Document{
		ID: "doc-late", Fields: map[string]interface{}{"title": "late"},
	}))

	require.NoError(t, gw.RestoreSnapshot(ctx, snapID, "idx-recovered"))
	count, err := gw.Count(ctx, "idx-recovered")
	require.NoError(t, err)
	assert.Equal(t, int64(10), count)
}

func TestInMemorySampleIDs(t *testing.T) {
	ctx := context.Background()
	gw := NewInMemory()
	gw.SeedDocuments("idx-v1", 8)

	ids, err := gw.SampleIDs(ctx, "idx-v1", 25)
	require.NoError(t, err)
	assert.Len(t, ids, 8)

	ids, err = gw.SampleIDs(ctx, "idx-v1", 3)
	require.NoError(t, err)
	assert.Len(t, ids, 3)
}

func TestInMemorySearchShapes(t *testing.T) {
	ctx := context.Background()
	gw := NewInMemory()
	gw.SeedDocuments("idx-v1", 4)

	hits, err := gw.Search(ctx, "idx-v1", map[string]interface{}{
		"match_all": map[string]interface{}{},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), hits)

	hits, err = gw.Search(ctx, "idx-v1", map[string]interface{}{
		"term": map[string]interface{}{"title": "document 1"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), hits)
}
