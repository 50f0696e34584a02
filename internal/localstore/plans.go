package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/simulacra/internal/planning"
)

const (
	planColumns = `id, owner_id, for_date, goals, blocks, status, created_at`
	dateLayout  = "2006-01-02"
)

func scanPlan(row scanner) (*planning.Plan, error) {
	var (
		p                            planning.Plan
		forDate, goals, blocks, stat string
		created                      int64
	)
	if err := row.Scan(&p.ID, &p.OwnerID, &forDate, &goals, &blocks, &stat, &created); err != nil {
		return nil, err
	}
	d, err := time.Parse(dateLayout, forDate)
	if err != nil {
		return nil, fmt.Errorf("parse date of plan %s: %w", p.ID, err)
	}
	p.ForDate = d
	if err := json.Unmarshal([]byte(goals), &p.Goals); err != nil {
		return nil, fmt.Errorf("decode goals of plan %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(blocks), &p.Blocks); err != nil {
		return nil, fmt.Errorf("decode blocks of plan %s: %w", p.ID, err)
	}
	p.Status = planning.Status(stat)
	p.CreatedAt = fromMicros(created)
	return &p, nil
}

func (s *Store) ActivePlan(ctx context.Context, ownerID string) (*planning.Plan, error) {
	p, err := scanPlan(s.db.QueryRowContext(ctx,
		`SELECT `+planColumns+` FROM plans WHERE owner_id = ? AND status = 'active'`, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active plan for %s: %w", ownerID, err)
	}
	return p, nil
}

func (s *Store) GetPlan(ctx context.Context, id string) (*planning.Plan, error) {
	p, err := scanPlan(s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, planning.ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get plan %s: %w", id, err)
	}
	return p, nil
}

func (s *Store) ListPlans(ctx context.Context, ownerID string, limit int) ([]*planning.Plan, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+planColumns+` FROM plans WHERE owner_id = ? ORDER BY created_at DESC, id ASC LIMIT ?`, ownerID, limit)
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

func (s *Store) ReplaceActive(ctx context.Context, p *planning.Plan) error {
	goals := p.Goals
	if goals == nil {
		goals = []string{}
	}
	goalsJSON, err := toJSON(goals)
	if err != nil {
		return fmt.Errorf("encode goals: %w", err)
	}
	blocksJSON, err := toJSON(p.Blocks)
	if err != nil {
		return fmt.Errorf("encode blocks: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace plan: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE plans SET status = 'superseded' WHERE owner_id = ? AND status = 'active'`, p.OwnerID); err != nil {
		return fmt.Errorf("supersede plan: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO plans (`+planColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OwnerID, p.ForDate.Format(dateLayout), goalsJSON, blocksJSON,
		string(planning.StatusActive), micros(p.CreatedAt)); err != nil {
		return fmt.Errorf("insert plan %s: %w", p.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit plan %s: %w", p.ID, err)
	}
	p.Status = planning.StatusActive
	return nil
}

func (s *Store) SetTaskStatus(ctx context.Context, planID string, block, task int, status planning.TaskStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin task status: %w", err)
	}
	defer tx.Rollback()

	p, err := scanPlan(tx.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = ?`, planID))
	if errors.Is(err, sql.ErrNoRows) {
		return planning.ErrPlanNotFound
	}
	if err != nil {
		return fmt.Errorf("load plan %s: %w", planID, err)
	}
	if err := planning.ApplyTaskStatus(p, block, task, status); err != nil {
		return err
	}
	blocksJSON, err := toJSON(p.Blocks)
	if err != nil {
		return fmt.Errorf("encode blocks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE plans SET blocks = ? WHERE id = ?`, blocksJSON, planID); err != nil {
		return fmt.Errorf("update plan %s: %w", planID, err)
	}
	return tx.Commit()
}
