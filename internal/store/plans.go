package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/simulacra/internal/planning"
)

const planColumns = `id, owner_id, for_date, goals, blocks, status, created_at`

func scanPlan(row pgx.Row) (*planning.Plan, error) {
	var (
		p      planning.Plan
		blocks []byte
		status string
	)
	if err := row.Scan(&p.ID, &p.OwnerID, &p.ForDate, &p.Goals, &blocks, &status, &p.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(blocks, &p.Blocks); err != nil {
		return nil, fmt.Errorf("decode blocks of plan %s: %w", p.ID, err)
	}
	p.Status = planning.Status(status)
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

// ActivePlan returns ownerID's active plan, or nil when there is none.
func (s *Store) ActivePlan(ctx context.Context, ownerID string) (*planning.Plan, error) {
	p, err := scanPlan(s.db.QueryRow(ctx,
		`SELECT `+planColumns+` FROM plans WHERE owner_id = $1 AND status = 'active'`, ownerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active plan for %s: %w", ownerID, err)
	}
	return p, nil
}

func (s *Store) GetPlan(ctx context.Context, id string) (*planning.Plan, error) {
	p, err := scanPlan(s.db.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, planning.ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get plan %s: %w", id, err)
	}
	return p, nil
}

// ListPlans returns ownerID's plans, newest first.
func (s *Store) ListPlans(ctx context.Context, ownerID string, limit int) ([]*planning.Plan, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+planColumns+` FROM plans WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var out []*planning.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ReplaceActive supersedes the current active plan and inserts p in one
// transaction.
func (s *Store) ReplaceActive(ctx context.Context, p *planning.Plan) error {
	blocks, err := json.Marshal(p.Blocks)
	if err != nil {
		return fmt.Errorf("encode blocks: %w", err)
	}
	goals := p.Goals
	if goals == nil {
		goals = []string{}
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace plan: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE plans SET status = 'superseded' WHERE owner_id = $1 AND status = 'active'`, p.OwnerID); err != nil {
		return fmt.Errorf("supersede plan: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO plans (id, owner_id, for_date, goals, blocks, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.OwnerID, p.ForDate, goals, blocks, string(planning.StatusActive), p.CreatedAt); err != nil {
		return fmt.Errorf("insert plan %s: %w", p.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit plan %s: %w", p.ID, err)
	}
	p.Status = planning.StatusActive
	return nil
}

// SetTaskStatus rewrites one task's status inside the plan's blocks.
func (s *Store) SetTaskStatus(ctx context.Context, planID string, block, task int, status planning.TaskStatus) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin task status: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := scanPlan(tx.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1 FOR UPDATE`, planID))
	if errors.Is(err, pgx.ErrNoRows) {
		return planning.ErrPlanNotFound
	}
	if err != nil {
		return fmt.Errorf("load plan %s: %w", planID, err)
	}
	if err := planning.ApplyTaskStatus(p, block, task, status); err != nil {
		return err
	}
	blocks, err := json.Marshal(p.Blocks)
	if err != nil {
		return fmt.Errorf("encode blocks: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE plans SET blocks = $2 WHERE id = $1`, planID, blocks); err != nil {
		return fmt.Errorf("update plan %s: %w", planID, err)
	}
	return tx.Commit(ctx)
}
