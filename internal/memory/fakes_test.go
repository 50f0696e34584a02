package memory

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
)

type fakeRecords struct {
	mu          sync.Mutex
	rows        map[string]*Memory
	quarantined []Quarantined
	failInsert  error
}

func newFakeRecords() *fakeRecords { return &fakeRecords{rows: map[string]*Memory{}} }

func clone(m *Memory) *Memory {
	c := *m
	c.Vector = append([]float32(nil), m.Vector...)
	c.Citations = append([]string(nil), m.Citations...)
	return &c
}

func (r *fakeRecords) InsertMemory(_ context.Context, m *Memory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failInsert != nil {
		return r.failInsert
	}
	r.rows[m.ID] = clone(m)
	return nil
}

func (r *fakeRecords) GetMemory(_ context.Context, id string) (*Memory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(m), nil
}

func (r *fakeRecords) GetMemories(_ context.Context, ids []string) ([]*Memory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Memory
	for _, id := range ids {
		if m, ok := r.rows[id]; ok {
			out = append(out, clone(m))
		}
	}
	return out, nil
}

func (r *fakeRecords) QueryMemories(_ context.Context, owner string, f Filter, o Order, limit int) ([]*Memory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Memory
	for _, m := range r.rows {
		if m.OwnerID == owner && f.Match(m) {
			out = append(out, clone(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		switch o {
		case OldestFirst:
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		case ImportanceDesc:
			return out[i].Importance > out[j].Importance
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeRecords) MemoryIDs(_ context.Context, owner string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, m := range r.rows {
		if m.OwnerID == owner {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *fakeRecords) AttachVector(_ context.Context, id string, v []float32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.rows[id]; ok && len(m.Vector) == 0 {
		m.Vector = v
	}
	return nil
}

func (r *fakeRecords) MemoryStats(_ context.Context, owner string) (*Stats, error) {
	st := &Stats{ByKind: map[Kind]int{}}
	r.mu.Lock()
	defer r.mu.Unlock()
	var sum float64
	for _, m := range r.rows {
		if m.OwnerID == owner {
			st.Total++
			st.ByKind[m.Kind]++
			sum += m.Importance
		}
	}
	if st.Total > 0 {
		st.AvgImportance = sum / float64(st.Total)
	}
	return st, nil
}

func (r *fakeRecords) Quarantine(_ context.Context, q Quarantined) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, q.MemoryID)
	r.quarantined = append(r.quarantined, q)
	return nil
}

func (r *fakeRecords) ListQuarantined(_ context.Context, owner string) ([]Quarantined, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Quarantined
	for _, q := range r.quarantined {
		if q.OwnerID == owner {
			out = append(out, q)
		}
	}
	return out, nil
}

type indexEntry struct {
	payload map[string]string
	vector  []float32
}

type fakeIndex struct {
	mu         sync.Mutex
	entries    map[string]map[string]indexEntry
	failUpsert error
}

func newFakeIndex() *fakeIndex { return &fakeIndex{entries: map[string]map[string]indexEntry{}} }

func (x *fakeIndex) Upsert(_ context.Context, m *Memory) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.failUpsert != nil {
		return x.failUpsert
	}
	p, err := EncodePayload(m)
	if err != nil {
		return err
	}
	if x.entries[m.OwnerID] == nil {
		x.entries[m.OwnerID] = map[string]indexEntry{}
	}
	x.entries[m.OwnerID][m.ID] = indexEntry{payload: p, vector: m.Vector}
	return nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func (x *fakeIndex) Search(_ context.Context, owner string, v []float32, k int, f Filter) ([]Hit, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	var hits []Hit
	for id, e := range x.entries[owner] {
		m, err := DecodePayload(id, e.payload, e.vector)
		if err != nil || !f.Match(m) {
			continue
		}
		hits = append(hits, Hit{ID: id, Similarity: cosine(v, e.vector)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (x *fakeIndex) IDs(_ context.Context, owner string) ([]string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	var ids []string
	for id := range x.entries[owner] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (x *fakeIndex) Fetch(_ context.Context, owner, id string) (*Memory, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	e, ok := x.entries[owner][id]
	if !ok {
		return nil, ErrNotFound
	}
	return DecodePayload(id, e.payload, e.vector)
}

func (x *fakeIndex) Delete(_ context.Context, owner string, ids ...string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, id := range ids {
		delete(x.entries[owner], id)
	}
	return nil
}

type fakeEmbedder struct {
	err   error
	calls int
}

func (e *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return []float32{float32(len(text)), 1, 0}, nil
}

var errDown = errors.New("backend down")
