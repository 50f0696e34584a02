package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/simulacra/internal/cognition"
)

// GetState returns the agent's cognitive state, zero-valued if unseen.
func (s *Store) GetState(ctx context.Context, agentID string) (*cognition.State, error) {
	st := &cognition.State{AgentID: agentID}
	err := s.db.QueryRow(ctx, `
		SELECT importance_accumulator, last_reflection_at, current_plan_id, reflection_pending, updated_at
		FROM agent_states WHERE agent_id = $1`, agentID,
	).Scan(&st.ImportanceAccumulator, &st.LastReflectionAt, &st.CurrentPlanID, &st.ReflectionPending, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get state %s: %w", agentID, err)
	}
	if st.LastReflectionAt != nil {
		t := st.LastReflectionAt.UTC()
		st.LastReflectionAt = &t
	}
	st.UpdatedAt = st.UpdatedAt.UTC()
	return st, nil
}

func (s *Store) SaveState(ctx context.Context, st *cognition.State) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO agent_states (agent_id, importance_accumulator, last_reflection_at, current_plan_id, reflection_pending, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (agent_id) DO UPDATE SET
			importance_accumulator = EXCLUDED.importance_accumulator,
			last_reflection_at = EXCLUDED.last_reflection_at,
			current_plan_id = EXCLUDED.current_plan_id,
			reflection_pending = EXCLUDED.reflection_pending,
			updated_at = EXCLUDED.updated_at`,
		st.AgentID, st.ImportanceAccumulator, st.LastReflectionAt, st.CurrentPlanID, st.ReflectionPending, st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save state %s: %w", st.AgentID, err)
	}
	return nil
}
