package cognition

import (
	"context"
	"time"
)

// State is the per-agent mutable cognitive record. It is only written by the
// orchestrator while holding that agent's lock.
type State struct {
	AgentID               string     `json:"agent_id"`
	ImportanceAccumulator float64    `json:"importance_accumulator"`
	LastReflectionAt      *time.Time `json:"last_reflection_at,omitempty"`
	CurrentPlanID         string     `json:"current_plan_id,omitempty"`
	// ReflectionPending is set while a crossed threshold awaits a successful
	// synthesis.
	ReflectionPending bool      `json:"reflection_pending"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// StateRepository loads and saves State. GetState returns a zero State for
// an agent that has none yet.
type StateRepository interface {
	GetState(ctx context.Context, agentID string) (*State, error)
	SaveState(ctx context.Context, s *State) error
}
