package cognition

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/simulacra/internal/memory"
	"github.com/nidhogg/simulacra/internal/oracle"
)

var (
	lifeEventWords = []string{
		"death", "died", "funeral", "birth", "born", "married", "marriage", "love", "hate",
		"furious", "ecstatic", "devastated", "accident", "emergency", "crisis", "celebration",
		"party", "promotion", "fired", "hired", "graduated", "failed",
	}
	socialGoalWords = []string{
		"friend", "family", "relationship", "meeting", "important", "decision",
		"plan", "goal", "achievement", "problem", "issue", "first time", "new",
	}
	emotionWords = []string{"happy", "sad", "excited", "worried", "surprised", "angry", "afraid"}
	routineWords = []string{"walked", "sat", "idle", "waited", "as usual", "routine", "nothing"}

	numberRe = regexp.MustCompile(`\d+(?:\.\d+)?`)
)

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// Heuristic scores content by kind and keywords, in [1,10].
func Heuristic(kind memory.Kind, content string) float64 {
	c := strings.ToLower(content)
	score := 3.0
	switch kind {
	case memory.KindReflection:
		score += 2
	case memory.KindPlanning:
		score += 1
	case memory.KindAction:
		score += 0.5
	}
	if containsAny(c, lifeEventWords) {
		score += 2
	}
	if containsAny(c, socialGoalWords) {
		score++
	}
	if containsAny(c, emotionWords) {
		score += 0.5
	}
	if containsAny(c, routineWords) {
		score--
	}
	if strings.Contains(content, "?") {
		score += 0.3
	}
	if strings.Contains(content, "!") {
		score += 0.5
	}
	return min(10, max(1, score))
}

// ParseImportance reads the first number in reply, clamped to [0,10].
func ParseImportance(reply string) (float64, error) {
	m := numberRe.FindString(reply)
	if m == "" {
		return 0, fmt.Errorf("%w: no number in %q", oracle.ErrOracleMalformedResponse, reply)
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", oracle.ErrOracleMalformedResponse, err)
	}
	return memory.ClampImportance(v), nil
}

// Scorer rates how much a new memory matters. It never fails: when the
// oracle cannot answer it falls back to a fixed default.
type Scorer struct {
	oracle          oracle.ReasoningOracle
	heuristicWeight float64
	fallback        float64
	logger          *zap.Logger
}

// NewScorer blends the heuristic and the oracle's rating with
// heuristicWeight. A nil reasoner scores by heuristic alone.
func NewScorer(reasoner oracle.ReasoningOracle, heuristicWeight, fallback float64, logger *zap.Logger) *Scorer {
	return &Scorer{oracle: reasoner, heuristicWeight: heuristicWeight, fallback: fallback, logger: logger}
}

func (s *Scorer) Score(ctx context.Context, agentID string, kind memory.Kind, content, persona string) float64 {
	h := Heuristic(kind, content)
	if s.oracle == nil {
		return memory.ClampImportance(h)
	}

	temp := 0.1
	reply, err := s.oracle.Reason(ctx, oracle.Prompt{
		AgentID:     agentID,
		User:        importancePrompt(kind, content, persona),
		Temperature: &temp,
		MaxTokens:   10,
	})
	var rated float64
	if err == nil {
		rated, err = ParseImportance(reply)
	}
	if err != nil {
		s.logger.Warn("importance scoring failed, using default",
			zap.String("agent", agentID), zap.Float64("default", s.fallback), zap.Error(err))
		return memory.ClampImportance(s.fallback)
	}
	return memory.ClampImportance(s.heuristicWeight*h + (1-s.heuristicWeight)*rated)
}

func importancePrompt(kind memory.Kind, content, persona string) string {
	var b strings.Builder
	b.WriteString(`On a scale of 0 to 10, rate how important this memory is for the person who has it, where
0 is purely mundane (brushing teeth, walking down the street) and
10 is life-changing (a breakup, getting married, a death in the family).

`)
	if persona != "" {
		fmt.Fprintf(&b, "About the person: %s\n", persona)
	}
	fmt.Fprintf(&b, "Memory (%s): %q\n\nRespond with a single integer from 0 to 10.", kind, content)
	return b.String()
}
