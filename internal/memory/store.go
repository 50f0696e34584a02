package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store presents the structured records and the vector index as one logical
// memory table. It is safe for concurrent use across owners.
type Store struct {
	records  Records
	index    Index
	embedder Embedder
	logger   *zap.Logger
	now      func() time.Time

	mu    sync.Mutex
	dirty map[string]bool
	locks map[string]*sync.Mutex
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the time source used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore wires the two sides together. embedder may be nil, in which case
// records must arrive with a vector and unembeddable records are quarantined.
func NewStore(records Records, index Index, embedder Embedder, logger *zap.Logger, opts ...Option) *Store {
	s := &Store{
		records:  records,
		index:    index,
		embedder: embedder,
		logger:   logger,
		now:      time.Now,
		dirty:    make(map[string]bool),
		locks:    make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Append validates m, assigns its id and timestamp, embeds it if needed and
// writes both sides. A failure on one side only is logged and left for
// Reconcile; the id is still returned.
func (s *Store) Append(ctx context.Context, m *Memory) (string, error) {
	if err := s.prepare(ctx, m); err != nil {
		return "", err
	}

	if len(m.Vector) == 0 && s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, m.Content)
		if err != nil {
			s.logger.Warn("embed on append failed, indexing deferred",
				zap.String("agent", m.OwnerID), zap.String("memory", m.ID), zap.Error(err))
		} else {
			m.Vector = vec
		}
	}

	recErr := s.records.InsertMemory(ctx, m)
	var idxErr error
	if len(m.Vector) == 0 {
		idxErr = errors.New("no vector")
	} else {
		idxErr = s.index.Upsert(ctx, m)
	}

	switch {
	case recErr != nil && idxErr != nil:
		return "", fmt.Errorf("append memory %s: %w", m.ID, errors.Join(recErr, idxErr))
	case recErr != nil || idxErr != nil:
		s.markDirty(m.OwnerID)
		s.logger.Warn("partial memory write",
			zap.String("agent", m.OwnerID),
			zap.String("memory", m.ID),
			zap.NamedError("structured", recErr),
			zap.NamedError("vector", idxErr),
			zap.Error(ErrStoreWriteInconsistency))
	}
	return m.ID, nil
}

func (s *Store) prepare(ctx context.Context, m *Memory) error {
	if m.OwnerID == "" {
		return fmt.Errorf("%w: owner_id is required", ErrValidation)
	}
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrValidation)
	}
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrValidation, m.Kind)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	m.CreatedAt = Timestamp(m.CreatedAt)
	m.Importance = ClampImportance(m.Importance)

	if m.Kind != KindReflection {
		if len(m.Citations) > 0 {
			return fmt.Errorf("%w: only reflections carry citations", ErrValidation)
		}
		return nil
	}
	return s.checkCitations(ctx, m)
}

// checkCitations enforces that every cited memory exists, belongs to the same
// owner and is strictly older than the reflection.
func (s *Store) checkCitations(ctx context.Context, m *Memory) error {
	if len(m.Citations) == 0 {
		return fmt.Errorf("%w: reflection %s has no citations", ErrValidation, m.ID)
	}
	cited, err := s.records.GetMemories(ctx, m.Citations)
	if err != nil {
		return fmt.Errorf("load citations for %s: %w", m.ID, err)
	}
	byID := make(map[string]*Memory, len(cited))
	for _, c := range cited {
		byID[c.ID] = c
	}
	for _, id := range m.Citations {
		c, ok := byID[id]
		if !ok {
			return fmt.Errorf("%w: citation %s not found", ErrValidation, id)
		}
		if c.OwnerID != m.OwnerID {
			return fmt.Errorf("%w: citation %s belongs to %s", ErrValidation, id, c.OwnerID)
		}
		if !c.CreatedAt.Before(m.CreatedAt) {
			return fmt.Errorf("%w: citation %s is not older than reflection", ErrValidation, id)
		}
	}
	return nil
}

// Get returns a memory by id from the structured side.
func (s *Store) Get(ctx context.Context, id string) (*Memory, error) {
	m, err := s.records.GetMemory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get memory %s: %w", id, err)
	}
	return m, nil
}

// Query runs a structured query. limit <= 0 means unbounded. Half-written
// records are withheld: a record without a vector is never returned, and
// while ownerID has an unresolved partial write neither is a record missing
// from the index.
func (s *Store) Query(ctx context.Context, ownerID string, f Filter, o Order, limit int) ([]*Memory, error) {
	s.reconcileIfDirty(ctx, ownerID)
	pending := s.Pending(ownerID)
	fetch := limit
	if pending {
		fetch = 0
	}
	out, err := s.records.QueryMemories(ctx, ownerID, f, o, fetch)
	if err != nil {
		return nil, fmt.Errorf("query memories for %s: %w", ownerID, err)
	}
	if out, err = s.servable(ctx, ownerID, out, pending); err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) servable(ctx context.Context, ownerID string, ms []*Memory, pending bool) ([]*Memory, error) {
	var indexed map[string]bool
	if pending {
		ids, err := s.index.IDs(ctx, ownerID)
		if err != nil {
			return nil, fmt.Errorf("list index for %s: %w", ownerID, err)
		}
		indexed = make(map[string]bool, len(ids))
		for _, id := range ids {
			indexed[id] = true
		}
	}

	out := ms[:0]
	for _, m := range ms {
		switch {
		case len(m.Vector) == 0:
			if !pending {
				s.markDirty(ownerID)
				s.logger.Warn("record without vector withheld",
					zap.String("agent", ownerID), zap.String("memory", m.ID), zap.Error(ErrStoreWriteInconsistency))
			}
		case indexed != nil && !indexed[m.ID]:
		default:
			out = append(out, m)
		}
	}
	return out, nil
}

// Nearest returns up to k memories closest to vector. Hits without a
// structured record are dropped and the owner is flagged for reconcile.
func (s *Store) Nearest(ctx context.Context, ownerID string, vector []float32, k int, f Filter) ([]Scored, error) {
	if k <= 0 || len(vector) == 0 {
		return nil, nil
	}
	s.reconcileIfDirty(ctx, ownerID)

	hits, err := s.index.Search(ctx, ownerID, vector, k, f)
	if err != nil {
		return nil, fmt.Errorf("search index for %s: %w", ownerID, err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	found, err := s.records.GetMemories(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load hits for %s: %w", ownerID, err)
	}
	byID := make(map[string]*Memory, len(found))
	for _, m := range found {
		byID[m.ID] = m
	}

	out := make([]Scored, 0, len(hits))
	for _, h := range hits {
		m, ok := byID[h.ID]
		if !ok {
			s.markDirty(ownerID)
			s.logger.Warn("index hit without record", zap.String("agent", ownerID), zap.String("memory", h.ID))
			continue
		}
		if m.OwnerID != ownerID || !f.Match(m) {
			continue
		}
		out = append(out, Scored{Memory: m, Similarity: NormalizeSimilarity(h.Similarity)})
	}
	return out, nil
}

// Stats returns counts by kind and mean importance for ownerID.
func (s *Store) Stats(ctx context.Context, ownerID string) (*Stats, error) {
	st, err := s.records.MemoryStats(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("memory stats for %s: %w", ownerID, err)
	}
	return st, nil
}

// Quarantined lists records pulled from serving for ownerID.
func (s *Store) Quarantined(ctx context.Context, ownerID string) ([]Quarantined, error) {
	return s.records.ListQuarantined(ctx, ownerID)
}

// Pending reports whether ownerID has an unresolved partial write.
func (s *Store) Pending(ownerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty[ownerID]
}

func (s *Store) markDirty(ownerID string) {
	s.mu.Lock()
	s.dirty[ownerID] = true
	s.mu.Unlock()
}

func (s *Store) ownerLock(ownerID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[ownerID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[ownerID] = l
	}
	return l
}

func (s *Store) reconcileIfDirty(ctx context.Context, ownerID string) {
	if !s.Pending(ownerID) {
		return
	}
	if _, err := s.Reconcile(ctx, ownerID); err != nil {
		s.logger.Warn("reconcile before read failed", zap.String("agent", ownerID), zap.Error(err))
	}
}
