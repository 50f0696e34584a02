// Package oracle wraps the remote reasoning and embedding services behind
// small capability interfaces with per-call timeouts, bounded retries and a
// shared rate limit.
package oracle

import (
	"context"
	"errors"
)

var (
	// ErrOracleTimeout is returned when a call exceeds its per-call timeout.
	ErrOracleTimeout = errors.New("oracle timeout")
	// ErrOracleMalformedResponse marks output that could not be parsed.
	ErrOracleMalformedResponse = errors.New("oracle malformed response")
)

// Prompt is a single text-in request to the reasoning oracle.
type Prompt struct {
	// AgentID selects a per-agent provider binding when routing.
	AgentID     string
	System      string
	User        string
	Temperature *float64
	MaxTokens   int
}

// ReasoningOracle turns a prompt into free text.
type ReasoningOracle interface {
	Reason(ctx context.Context, p Prompt) (string, error)
}

// EmbeddingOracle turns text into a fixed-length vector.
type EmbeddingOracle interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// ReasonFunc adapts a function to ReasoningOracle.
type ReasonFunc func(ctx context.Context, p Prompt) (string, error)

func (f ReasonFunc) Reason(ctx context.Context, p Prompt) (string, error) { return f(ctx, p) }
