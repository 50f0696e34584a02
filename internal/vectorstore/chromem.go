package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/nidhogg/simulacra/internal/memory"
)

// ChromemIndex is an in-process vector index with one collection per owner.
// It is not persisted: after a restart Reconcile rebuilds it from the
// vectors held by the structured store.
type ChromemIndex struct {
	db *chromem.DB

	mu  sync.Mutex
	ids map[string]map[string]struct{}
}

// NewChromemIndex returns an empty in-memory index.
func NewChromemIndex() *ChromemIndex {
	return &ChromemIndex{db: chromem.NewDB(), ids: make(map[string]map[string]struct{})}
}

func collectionName(ownerID string) string { return "memories-" + ownerID }

func (c *ChromemIndex) collection(ownerID string) (*chromem.Collection, error) {
	col, err := c.db.GetOrCreateCollection(collectionName(ownerID), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem collection %s: %w", ownerID, err)
	}
	return col, nil
}

func (c *ChromemIndex) Upsert(ctx context.Context, m *memory.Memory) error {
	payload, err := memory.EncodePayload(m)
	if err != nil {
		return err
	}
	col, err := c.collection(m.OwnerID)
	if err != nil {
		return err
	}
	err = col.AddDocument(ctx, chromem.Document{
		ID:        m.ID,
		Content:   m.Content,
		Embedding: m.Vector,
		Metadata:  payload,
	})
	if err != nil {
		return fmt.Errorf("chromem add %s: %w", m.ID, err)
	}

	c.mu.Lock()
	if c.ids[m.OwnerID] == nil {
		c.ids[m.OwnerID] = make(map[string]struct{})
	}
	c.ids[m.OwnerID][m.ID] = struct{}{}
	c.mu.Unlock()
	return nil
}

// Search queries the owner's collection. A single-kind filter is pushed down
// as a metadata match; anything else is applied after a full scan, which is
// acceptable at in-process scale.
func (c *ChromemIndex) Search(ctx context.Context, ownerID string, vector []float32, k int, f memory.Filter) ([]memory.Hit, error) {
	if k <= 0 || c.count(ownerID) == 0 {
		return nil, nil
	}
	col, err := c.collection(ownerID)
	if err != nil {
		return nil, err
	}

	var where map[string]string
	n := k
	residual := f
	if len(f.Kinds) == 1 {
		where = map[string]string{memory.PayloadKind: string(f.Kinds[0])}
		residual.Kinds = nil
	}
	if residual.MinImportance > 0 || len(residual.Kinds) > 0 || len(residual.ExcludeKinds) > 0 ||
		!residual.Since.IsZero() || !residual.Until.IsZero() || where != nil {
		n = col.Count()
	}
	if total := col.Count(); n > total {
		n = total
	}
	if n == 0 {
		return nil, nil
	}

	res, err := col.QueryEmbedding(ctx, vector, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query %s: %w", ownerID, err)
	}

	hits := make([]memory.Hit, 0, k)
	for _, r := range res {
		m, err := memory.DecodePayload(r.ID, r.Metadata, r.Embedding)
		if err != nil || !residual.Match(m) {
			continue
		}
		hits = append(hits, memory.Hit{ID: r.ID, Similarity: float64(r.Similarity)})
		if len(hits) == k {
			break
		}
	}
	return hits, nil
}

func (c *ChromemIndex) count(ownerID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids[ownerID])
}

func (c *ChromemIndex) IDs(_ context.Context, ownerID string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.ids[ownerID]))
	for id := range c.ids[ownerID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (c *ChromemIndex) Fetch(ctx context.Context, ownerID, id string) (*memory.Memory, error) {
	c.mu.Lock()
	_, ok := c.ids[ownerID][id]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("fetch %s: %w", id, memory.ErrNotFound)
	}
	col, err := c.collection(ownerID)
	if err != nil {
		return nil, err
	}
	doc, err := col.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("chromem get %s: %w", id, err)
	}
	return memory.DecodePayload(id, doc.Metadata, doc.Embedding)
}

func (c *ChromemIndex) Delete(ctx context.Context, ownerID string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	col, err := c.collection(ownerID)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("chromem delete: %w", err)
	}
	c.mu.Lock()
	for _, id := range ids {
		delete(c.ids[ownerID], id)
	}
	c.mu.Unlock()
	return nil
}
