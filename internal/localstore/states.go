package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nidhogg/simulacra/internal/cognition"
)

func (s *Store) GetState(ctx context.Context, agentID string) (*cognition.State, error) {
	var (
		st       = &cognition.State{AgentID: agentID}
		lastRefl sql.NullInt64
		updated  int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT importance_accumulator, last_reflection_at, current_plan_id, reflection_pending, updated_at
		FROM agent_states WHERE agent_id = ?`, agentID,
	).Scan(&st.ImportanceAccumulator, &lastRefl, &st.CurrentPlanID, &st.ReflectionPending, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get state %s: %w", agentID, err)
	}
	if lastRefl.Valid {
		t := fromMicros(lastRefl.Int64)
		st.LastReflectionAt = &t
	}
	st.UpdatedAt = fromMicros(updated)
	return st, nil
}

func (s *Store) SaveState(ctx context.Context, st *cognition.State) error {
	var lastRefl sql.NullInt64
	if st.LastReflectionAt != nil {
		lastRefl = sql.NullInt64{Int64: micros(*st.LastReflectionAt), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_states (agent_id, importance_accumulator, last_reflection_at, current_plan_id, reflection_pending, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent_id) DO UPDATE SET
			importance_accumulator = excluded.importance_accumulator,
			last_reflection_at = excluded.last_reflection_at,
			current_plan_id = excluded.current_plan_id,
			reflection_pending = excluded.reflection_pending,
			updated_at = excluded.updated_at`,
		st.AgentID, st.ImportanceAccumulator, lastRefl, st.CurrentPlanID, st.ReflectionPending, micros(st.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save state %s: %w", st.AgentID, err)
	}
	return nil
}
