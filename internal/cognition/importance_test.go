package cognition

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/simulacra/internal/memory"
	"github.com/nidhogg/simulacra/internal/oracle"
)

func TestHeuristic(t *testing.T) {
	assert.Equal(t, 3.0, Heuristic(memory.KindObservation, "The sky is grey"))
	assert.Equal(t, 5.0, Heuristic(memory.KindReflection, "The sky is grey"))
	assert.Equal(t, 2.0, Heuristic(memory.KindObservation, "I waited at the bus stop"))
	assert.Equal(t, 6.0, Heuristic(memory.KindObservation, "My friend got married"))
	assert.Equal(t, 9.0, Heuristic(memory.KindReflection, "My friend died in an accident, I am sad and worried about the plan!"))
	assert.Equal(t, 2.0, Heuristic(memory.KindObservation, "nothing, idle, routine"))
}

func TestParseImportance(t *testing.T) {
	v, err := ParseImportance("Rating: 7/10")
	require.NoError(t, err)
	assert.Equal(t, 7.0, v)

	v, err = ParseImportance("42")
	require.NoError(t, err)
	assert.Equal(t, 10.0, v)

	_, err = ParseImportance("very important")
	assert.ErrorIs(t, err, oracle.ErrOracleMalformedResponse)
}

func TestScorer(t *testing.T) {
	ctx := context.Background()
	reply := func(s string, err error) oracle.ReasonFunc {
		return func(context.Context, oracle.Prompt) (string, error) { return s, err }
	}

	s := NewScorer(reply("9", nil), 0.3, 5, zap.NewNop())
	// 0.3*3 + 0.7*9
	assert.InDelta(t, 7.2, s.Score(ctx, "a", memory.KindObservation, "The sky is grey", ""), 1e-9)

	s = NewScorer(reply("", oracle.ErrOracleTimeout), 0.3, 5, zap.NewNop())
	assert.Equal(t, 5.0, s.Score(ctx, "a", memory.KindObservation, "My friend got married", ""))

	s = NewScorer(reply("no idea", nil), 0.3, 5, zap.NewNop())
	assert.Equal(t, 5.0, s.Score(ctx, "a", memory.KindObservation, "x", ""))

	s = NewScorer(nil, 0.3, 5, zap.NewNop())
	assert.Equal(t, 6.0, s.Score(ctx, "a", memory.KindObservation, "My friend got married", ""))

	s = NewScorer(reply("100", nil), 0, 5, zap.NewNop())
	assert.Equal(t, 10.0, s.Score(ctx, "a", memory.KindObservation, "x", ""))
}
