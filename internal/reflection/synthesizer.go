package reflection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/simulacra/internal/memory"
	"github.com/nidhogg/simulacra/internal/oracle"
)

const (
	// Importance is fixed for every reflection memory.
	Importance = 8.0
	// ContentPrefix starts every reflection memory.
	ContentPrefix = "I reflected and realized: "
)

// Store is the slice of the memory store the synthesizer uses.
type Store interface {
	Query(ctx context.Context, ownerID string, f memory.Filter, o memory.Order, limit int) ([]*memory.Memory, error)
	Append(ctx context.Context, m *memory.Memory) (string, error)
}

// Outcome describes one synthesis.
type Outcome struct {
	Candidates  []*memory.Memory
	Reflections []*memory.Memory
}

// Synthesizer turns candidate memories into reflection memories.
type Synthesizer struct {
	store    Store
	oracle   oracle.ReasoningOracle
	settings Settings
	logger   *zap.Logger
}

func NewSynthesizer(store Store, reasoner oracle.ReasoningOracle, settings Settings, logger *zap.Logger) *Synthesizer {
	return &Synthesizer{store: store, oracle: reasoner, settings: settings, logger: logger}
}

// Candidates returns the newest CandidateSize non-reflection memories with
// importance at least CandidateMin.
func (s *Synthesizer) Candidates(ctx context.Context, agentID string) ([]*memory.Memory, error) {
	return s.store.Query(ctx, agentID, memory.Filter{
		ExcludeKinds:  []memory.Kind{memory.KindReflection},
		MinImportance: s.settings.CandidateMin,
	}, memory.NewestFirst, s.settings.CandidateSize)
}

// Synthesize runs one reflection for agentID. With no candidates it returns
// an empty Outcome without calling the oracle. A malformed reply is retried
// once. When a write fails the returned Outcome still lists the reflections
// written before it.
func (s *Synthesizer) Synthesize(ctx context.Context, agentID, persona string, now time.Time) (*Outcome, error) {
	candidates, err := s.Candidates(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("reflection candidates for %s: %w", agentID, err)
	}
	out := &Outcome{Candidates: candidates}
	if len(candidates) == 0 {
		s.logger.Debug("reflection triggered without candidates", zap.String("agent", agentID))
		return out, nil
	}

	prompt := buildPrompt(agentID, persona, candidates)
	insights, err := s.insights(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("reflect for %s: %w", agentID, err)
	}

	citations := make([]string, len(candidates))
	newest := candidates[0].CreatedAt
	for i, c := range candidates {
		citations[i] = c.ID
		if c.CreatedAt.After(newest) {
			newest = c.CreatedAt
		}
	}
	createdAt := memory.Timestamp(now)
	if !createdAt.After(newest) {
		createdAt = newest.Add(time.Microsecond)
	}

	for i, insight := range insights {
		m := &memory.Memory{
			OwnerID:    agentID,
			Content:    ContentPrefix + insight,
			Kind:       memory.KindReflection,
			Importance: Importance,
			CreatedAt:  createdAt,
			Citations:  citations,
			Metadata:   map[string]string{"insight": fmt.Sprint(i + 1)},
		}
		if _, err := s.store.Append(ctx, m); err != nil {
			return out, fmt.Errorf("write reflection %d/%d for %s: %w", i+1, len(insights), agentID, err)
		}
		out.Reflections = append(out.Reflections, m)
	}

	s.logger.Info("Reflection complete",
		zap.String("agent", agentID),
		zap.Int("candidates", len(candidates)),
		zap.Int("insights", len(out.Reflections)))
	return out, nil
}

func (s *Synthesizer) insights(ctx context.Context, prompt oracle.Prompt) ([]string, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		reply, err := s.oracle.Reason(ctx, prompt)
		if err != nil {
			return nil, err
		}
		insights, err := ParseInsights(reply)
		if err == nil {
			return insights, nil
		}
		lastErr = err
		if !errors.Is(err, oracle.ErrOracleMalformedResponse) {
			break
		}
		s.logger.Warn("malformed reflection reply", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, lastErr
}

func buildPrompt(agentID, persona string, candidates []*memory.Memory) oracle.Prompt {
	var b strings.Builder
	if persona != "" {
		b.WriteString(persona)
		b.WriteString("\n\n")
	}
	b.WriteString("Recent memories:\n")
	for _, c := range candidates {
		fmt.Fprintf(&b, "- %s (importance: %.1f)\n", c.Content, c.Importance)
	}
	fmt.Fprintf(&b, `
Based on these memories, write %d to %d high-level insights about what you have been experiencing, learning or feeling. Each insight should connect several memories and matter for your future decisions.

Answer as a numbered list:
1. [first insight]
2. [second insight]
...`, minInsights, maxInsights)

	temp := 0.7
	return oracle.Prompt{
		AgentID:     agentID,
		System:      "You are reflecting on your own recent experiences. Speak in the first person.",
		User:        b.String(),
		Temperature: &temp,
		MaxTokens:   500,
	}
}
