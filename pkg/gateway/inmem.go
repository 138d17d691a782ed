package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/indexops/bluegreen/pkg/types"
)

// InMemory is a Gateway backed by process memory. It backs --dry-run and
// the package tests; swap and schema semantics mirror the real backend,
// including single-call alias atomicity.
type InMemory struct {
	mu        sync.Mutex
	indices   map[string]*memIndex
	aliases   map[string]string
	snapshots map[string]map[string]types.Document

	calls    map[string]int
	failures map[string]*failure
}

type memIndex struct {
	schema map[string]interface{}
	docs   map[string]types.Document
}

type failure struct {
	after int // calls that still succeed before failing
	times int // failing calls remaining before recovery; 0 = forever
	err   error
}

// NewInMemory returns an empty in-memory backend.
func NewInMemory() *InMemory {
	return &InMemory{
		indices:   make(map[string]*memIndex),
		aliases:   make(map[string]string),
		snapshots: make(map[string]map[string]types.Document),
		calls:     make(map[string]int),
		failures:  make(map[string]*failure),
	}
}

// FailWith makes every subsequent call of op return err until cleared.
func (m *InMemory) FailWith(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = &failure{err: err}
}

// FailAfter lets op succeed n more times, then fail with err.
func (m *InMemory) FailAfter(op string, n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = &failure{after: n, err: err}
}

// FailTimes makes the next n calls of op fail with err, then recover.
func (m *InMemory) FailTimes(op string, n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = &failure{times: n, err: err}
}

// ClearFailure removes an injected failure for op.
func (m *InMemory) ClearFailure(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, op)
}

// Calls returns how many times op reached the backend.
func (m *InMemory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// enter records the call and returns any injected failure. Caller holds mu.
func (m *InMemory) enter(op string) error {
	m.calls[op]++
	f, ok := m.failures[op]
	if !ok {
		return nil
	}
	if f.after > 0 {
		f.after--
		return nil
	}
	if f.times > 0 {
		f.times--
		if f.times == 0 {
			delete(m.failures, op)
		}
	}
	return f.err
}

func (m *InMemory) CreateSnapshot(ctx context.Context, index string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("create_snapshot"); err != nil {
		return "", err
	}
	idx, ok := m.indices[index]
	if !ok {
		return "", fmt.Errorf("snapshot source %s: %w", index, types.ErrNotFound)
	}
	id := "snap-" + uuid.New().String()
	copied := make(map[string]types.Document, len(idx.docs))
	for k, v := range idx.docs {
		copied[k] = v
	}
	m.snapshots[id] = copied
	return id, nil
}

func (m *InMemory) RestoreSnapshot(ctx context.Context, snapshotID, destIndex string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("restore_snapshot"); err != nil {
		return err
	}
	snap, ok := m.snapshots[snapshotID]
	if !ok {
		return fmt.Errorf("snapshot %s: %w", snapshotID, types.ErrNotFound)
	}
	idx, ok := m.indices[destIndex]
	if !ok {
		idx = &memIndex{schema: map[string]interface{}{}, docs: make(map[string]types.Document)}
		m.indices[destIndex] = idx
	}
	for k, v := range snap {
		idx.docs[k] = v
	}
	return nil
}

func (m *InMemory) CreateIndex(ctx context.Context, name string, schema map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("create_index"); err != nil {
		return err
	}
	if existing, ok := m.indices[name]; ok {
		if reflect.DeepEqual(existing.schema, schema) {
			return nil
		}
		return fmt.Errorf("index %s: %w", name, types.ErrSchemaConflict)
	}
	m.indices[name] = &memIndex{schema: schema, docs: make(map[string]types.Document)}
	return nil
}

func (m *InMemory) DeleteIndex(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("delete_index"); err != nil {
		return err
	}
	delete(m.indices, name)
	return nil
}

func (m *InMemory) Reindex(ctx context.Context, source, dest string, offset, limit int, transform types.TransformFunc) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("reindex"); err != nil {
		return 0, err
	}
	src, ok := m.indices[source]
	if !ok {
		return 0, fmt.Errorf("reindex source %s: %w", source, types.ErrNotFound)
	}
	dst, ok := m.indices[dest]
	if !ok {
		return 0, fmt.Errorf("reindex dest %s: %w", dest, types.ErrNotFound)
	}

	ids := sortedIDs(src.docs)
	if offset >= len(ids) {
		return 0, nil
	}
	end := offset + limit
	if end > len(ids) {
		end = len(ids)
	}
	for _, id := range ids[offset:end] {
		doc := src.docs[id]
		if transform != nil {
			doc = transform(doc)
		}
		dst.docs[doc.ID] = doc
	}
	return end - offset, nil
}

func (m *InMemory) Count(ctx context.Context, index string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("count"); err != nil {
		return 0, err
	}
	idx, ok := m.indices[index]
	if !ok {
		return 0, fmt.Errorf("count %s: %w", index, types.ErrNotFound)
	}
	return int64(len(idx.docs)), nil
}

func (m *InMemory) HealthCheck(ctx context.Context, index string) (Health, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("health_check"); err != nil {
		return Health{}, err
	}
	if _, ok := m.indices[index]; !ok {
		return Health{Healthy: false, Status: "missing"}, nil
	}
	return Health{Healthy: true, Status: "green"}, nil
}

// SwapAlias rebinds under a single lock acquisition: there is no instant
// at which the alias is unbound or double-bound.
func (m *InMemory) SwapAlias(ctx context.Context, alias, from, to string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("swap_alias"); err != nil {
		return "", err
	}
	if _, ok := m.indices[to]; !ok {
		return "", fmt.Errorf("swap target %s: %w", to, types.ErrNotFound)
	}
	prior, bound := m.aliases[alias]
	if bound && from != "" && prior != from {
		return "", fmt.Errorf("%w: alias %s bound to %s, expected %s",
			types.ErrAliasSwapFailed, alias, prior, from)
	}
	m.aliases[alias] = to
	return prior, nil
}

func (m *InMemory) ResolveAlias(ctx context.Context, alias string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("resolve_alias"); err != nil {
		return "", err
	}
	idx, ok := m.aliases[alias]
	if !ok {
		return "", fmt.Errorf("alias %s: %w", alias, types.ErrNotFound)
	}
	return idx, nil
}

func (m *InMemory) SampleIDs(ctx context.Context, index string, n int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("sample_ids"); err != nil {
		return nil, err
	}
	idx, ok := m.indices[index]
	if !ok {
		return nil, fmt.Errorf("sample %s: %w", index, types.ErrNotFound)
	}
	ids := sortedIDs(idx.docs)
	if n >= len(ids) {
		return ids, nil
	}
	perm := rand.Perm(len(ids))
	sample := make([]string, 0, n)
	for _, i := range perm[:n] {
		sample = append(sample, ids[i])
	}
	return sample, nil
}

func (m *InMemory) GetDocument(ctx context.Context, index, id string) (types.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("get_document"); err != nil {
		return types.Document{}, err
	}
	idx, ok := m.indices[index]
	if !ok {
		return types.Document{}, fmt.Errorf("index %s: %w", index, types.ErrNotFound)
	}
	doc, ok := idx.docs[id]
	if !ok {
		return types.Document{}, fmt.Errorf("document %s/%s: %w", index, id, types.ErrNotFound)
	}
	return doc, nil
}

func (m *InMemory) IndexDocument(ctx context.Context, index string, doc types.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("index_document"); err != nil {
		return err
	}
	idx, ok := m.indices[index]
	if !ok {
		return fmt.Errorf("index %s: %w", index, types.ErrNotFound)
	}
	idx.docs[doc.ID] = doc
	return nil
}

// Search supports the two query shapes the canary battery uses: match_all
// and single-field term.
func (m *InMemory) Search(ctx context.Context, index string, query map[string]interface{}) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("search"); err != nil {
		return 0, err
	}
	idx, ok := m.indices[index]
	if !ok {
		return 0, fmt.Errorf("search %s: %w", index, types.ErrNotFound)
	}
	if _, ok := query["match_all"]; ok {
		return int64(len(idx.docs)), nil
	}
	if term, ok := query["term"].(map[string]interface{}); ok {
		var hits int64
		for _, doc := range idx.docs {
			for field, want := range term {
				if got, ok := doc.Fields[field]; ok && reflect.DeepEqual(got, want) {
					hits++
				}
			}
		}
		return hits, nil
	}
	return 0, fmt.Errorf("unsupported query shape")
}

// SeedDocuments fills index with n generated documents, creating the
// index if needed. Test helper.
func (m *InMemory) SeedDocuments(index string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.indices[index]
	if !ok {
		idx = &memIndex{schema: map[string]interface{}{}, docs: make(map[string]types.Document)}
		m.indices[index] = idx
	}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("doc-%06d", i)
		idx.docs[id] = types.Document{
			ID: id,
			Fields: map[string]interface{}{
				"title":      fmt.Sprintf("document %d", i),
				"indexed_at": time.Now().UTC().Format(time.RFC3339),
			},
		}
	}
}

// BindAlias sets an initial alias binding without swap semantics. Test helper.
func (m *InMemory) BindAlias(alias, index string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aliases[alias] = index
}

func sortedIDs(docs map[string]types.Document) []string {
	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
