// Package retrieval ranks an agent's memories by a weighted blend of
// semantic similarity, recency and importance.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/simulacra/internal/memory"
	"github.com/nidhogg/simulacra/internal/oracle"
)

// Source is the part of the memory store retrieval reads from.
type Source interface {
	Nearest(ctx context.Context, ownerID string, vector []float32, k int, f memory.Filter) ([]memory.Scored, error)
	Query(ctx context.Context, ownerID string, f memory.Filter, o memory.Order, limit int) ([]*memory.Memory, error)
}

// Settings holds the scoring weights. The three weights must sum to 1.
type Settings struct {
	SemanticWeight   float64
	RecencyWeight    float64
	ImportanceWeight float64
	HalfLife         time.Duration
	OverFetch        int
}

func DefaultSettings() Settings {
	return Settings{
		SemanticWeight:   0.6,
		RecencyWeight:    0.2,
		ImportanceWeight: 0.2,
		HalfLife:         24 * time.Hour,
		OverFetch:        3,
	}
}

// Result is a ranked memory with the components of its score.
type Result struct {
	Memory     *memory.Memory `json:"memory"`
	Score      float64        `json:"score"`
	Similarity float64        `json:"similarity"`
	Recency    float64        `json:"recency"`
	Importance float64        `json:"importance"`
}

// Engine is the hybrid retrieval engine. It never writes.
type Engine struct {
	source   Source
	embedder oracle.EmbeddingOracle
	settings Settings
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Engine)

// WithClock sets the time recency is measured against.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(source Source, embedder oracle.EmbeddingOracle, settings Settings, logger *zap.Logger, opts ...Option) *Engine {
	if settings.OverFetch < 1 {
		settings.OverFetch = 1
	}
	e := &Engine{
		source:   source,
		embedder: embedder,
		settings: settings,
		logger:   logger,
		now:      time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Recency is exp(-ln2·age/halfLife): 1 for a fresh memory, 0.5 after one
// half-life. Memories dated after now count as fresh.
func Recency(age, halfLife time.Duration) float64 {
	if age <= 0 {
		return 1
	}
	return math.Exp(-math.Ln2 * age.Hours() / halfLife.Hours())
}

// Score combines the three factors with the engine's weights.
func (s Settings) Score(similarity, recency, importance float64) float64 {
	return s.SemanticWeight*similarity + s.RecencyWeight*recency + s.ImportanceWeight*importance/memory.MaxImportance
}

// Retrieve ranks ownerID's memories against query as of the engine clock.
func (e *Engine) Retrieve(ctx context.Context, ownerID, query string, k int, f memory.Filter) ([]Result, error) {
	return e.RetrieveAt(ctx, ownerID, query, k, f, e.now())
}

// RetrieveAt ranks ownerID's memories against query as of now. When the
// query cannot be embedded it falls back to the newest candidates with zero
// similarity.
func (e *Engine) RetrieveAt(ctx context.Context, ownerID, query string, k int, f memory.Filter, now time.Time) ([]Result, error) {
	if k <= 0 {
		return nil, nil
	}
	fetch := k * e.settings.OverFetch

	candidates, err := e.candidates(ctx, ownerID, query, fetch, f)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return []Result{}, nil
	}

	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		rec := Recency(now.Sub(c.Memory.CreatedAt), e.settings.HalfLife)
		results = append(results, Result{
			Memory:     c.Memory,
			Similarity: c.Similarity,
			Recency:    rec,
			Importance: c.Memory.Importance,
			Score:      e.settings.Score(c.Similarity, rec, c.Memory.Importance),
		})
	}
	Rank(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (e *Engine) candidates(ctx context.Context, ownerID, query string, fetch int, f memory.Filter) ([]memory.Scored, error) {
	vec, embedErr := e.embedder.Embed(ctx, query)
	if embedErr == nil && len(vec) > 0 {
		hits, err := e.source.Nearest(ctx, ownerID, vec, fetch, f)
		if err != nil {
			return nil, fmt.Errorf("retrieve for %s: %w", ownerID, err)
		}
		return hits, nil
	}

	e.logger.Warn("query embedding failed, ranking by recency and importance",
		zap.String("agent", ownerID), zap.Error(embedErr))
	recent, err := e.source.Query(ctx, ownerID, f, memory.NewestFirst, fetch)
	if err != nil {
		return nil, fmt.Errorf("retrieve fallback for %s: %w", ownerID, err)
	}
	out := make([]memory.Scored, len(recent))
	for i, m := range recent {
		out[i] = memory.Scored{Memory: m}
	}
	return out, nil
}

// Rank sorts by score descending, then CreatedAt descending, then ID
// ascending, giving a total order.
func Rank(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Memory.CreatedAt.Equal(b.Memory.CreatedAt) {
			return a.Memory.CreatedAt.After(b.Memory.CreatedAt)
		}
		return a.Memory.ID < b.Memory.ID
	})
}

// Memories unwraps ranked results.
func Memories(results []Result) []*memory.Memory {
	out := make([]*memory.Memory, len(results))
	for i, r := range results {
		out[i] = r.Memory
	}
	return out
}
