package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nidhogg/simulacra/internal/memory"
)

const memoryColumns = `id, owner_id, content, kind, importance, created_at, vector, metadata, citations`

type scanner interface {
	Scan(dest ...any) error
}

func scanMemory(row scanner) (*memory.Memory, error) {
	var (
		m                      memory.Memory
		kind, vec, meta, cites string
		created                int64
	)
	if err := row.Scan(&m.ID, &m.OwnerID, &m.Content, &kind, &m.Importance, &created, &vec, &meta, &cites); err != nil {
		return nil, err
	}
	m.Kind = memory.Kind(kind)
	m.CreatedAt = fromMicros(created)
	if vec != "" {
		if err := json.Unmarshal([]byte(vec), &m.Vector); err != nil {
			return nil, fmt.Errorf("decode vector of %s: %w", m.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata of %s: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(cites), &m.Citations); err != nil {
		return nil, fmt.Errorf("decode citations of %s: %w", m.ID, err)
	}
	if len(m.Vector) == 0 {
		m.Vector = nil
	}
	if len(m.Citations) == 0 {
		m.Citations = nil
	}
	return &m, nil
}

// InsertMemory stores m; an existing id is left untouched.
func (s *Store) InsertMemory(ctx context.Context, m *memory.Memory) error {
	var vec string
	if len(m.Vector) > 0 {
		b, err := json.Marshal(m.Vector)
		if err != nil {
			return fmt.Errorf("encode vector: %w", err)
		}
		vec = string(b)
	}
	meta := m.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := toJSON(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	cites := m.Citations
	if cites == nil {
		cites = []string{}
	}
	citesJSON, err := toJSON(cites)
	if err != nil {
		return fmt.Errorf("encode citations: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (`+memoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		m.ID, m.OwnerID, m.Content, string(m.Kind), m.Importance, micros(m.CreatedAt), vec, metaJSON, citesJSON)
	if err != nil {
		return fmt.Errorf("insert memory %s: %w", m.ID, err)
	}
	return nil
}

func (s *Store) GetMemory(ctx context.Context, id string) (*memory.Memory, error) {
	m, err := scanMemory(s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get memory %s: %w", id, err)
	}
	return m, nil
}

func (s *Store) GetMemories(ctx context.Context, ids []string) ([]*memory.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	q := `SELECT ` + memoryColumns + ` FROM memories WHERE id IN (` + placeholders(len(ids)) + `)`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("get memories: %w", err)
	}
	return collectMemories(rows)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func collectMemories(rows *sql.Rows) ([]*memory.Memory, error) {
	defer rows.Close()
	var out []*memory.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func whereClause(ownerID string, f memory.Filter) (string, []any) {
	conds := []string{"owner_id = ?"}
	args := []any{ownerID}
	kindList := func(ks []memory.Kind) string {
		for _, k := range ks {
			args = append(args, string(k))
		}
		return placeholders(len(ks))
	}
	if len(f.Kinds) > 0 {
		conds = append(conds, "kind IN ("+kindList(f.Kinds)+")")
	}
	if len(f.ExcludeKinds) > 0 {
		conds = append(conds, "kind NOT IN ("+kindList(f.ExcludeKinds)+")")
	}
	if f.MinImportance > 0 {
		conds = append(conds, "importance >= ?")
		args = append(args, f.MinImportance)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, micros(f.Since))
	}
	if !f.Until.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, micros(f.Until))
	}
	return strings.Join(conds, " AND "), args
}

func orderClause(o memory.Order) string {
	switch o {
	case memory.OldestFirst:
		return "created_at ASC, id ASC"
	case memory.ImportanceDesc:
		return "importance DESC, created_at DESC, id ASC"
	default:
		return "created_at DESC, id ASC"
	}
}

func (s *Store) QueryMemories(ctx context.Context, ownerID string, f memory.Filter, o memory.Order, limit int) ([]*memory.Memory, error) {
	where, args := whereClause(ownerID, f)
	q := `SELECT ` + memoryColumns + ` FROM memories WHERE ` + where + ` ORDER BY ` + orderClause(o)
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	return collectMemories(rows)
}

func (s *Store) MemoryIDs(ctx context.Context, ownerID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM memories WHERE owner_id = ? ORDER BY id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list memory ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan memory id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) AttachVector(ctx context.Context, id string, vector []float32) error {
	b, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("encode vector: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE memories SET vector = ? WHERE id = ? AND vector = ''`, string(b), id); err != nil {
		return fmt.Errorf("attach vector %s: %w", id, err)
	}
	return nil
}

func (s *Store) MemoryStats(ctx context.Context, ownerID string) (*memory.Stats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, count(*), COALESCE(sum(importance), 0)
		FROM memories WHERE owner_id = ? GROUP BY kind`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("memory stats: %w", err)
	}
	defer rows.Close()

	st := &memory.Stats{ByKind: map[memory.Kind]int{}}
	var sum float64
	for rows.Next() {
		var (
			kind  string
			n     int
			total float64
		)
		if err := rows.Scan(&kind, &n, &total); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		st.ByKind[memory.Kind(kind)] = n
		st.Total += n
		sum += total
	}
	if st.Total > 0 {
		st.AvgImportance = sum / float64(st.Total)
	}
	return st, rows.Err()
}

func (s *Store) Quarantine(ctx context.Context, q memory.Quarantined) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin quarantine: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memory_quarantine (memory_id, owner_id, side, reason, payload, at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (memory_id, side) DO UPDATE SET reason = excluded.reason, at = excluded.at`,
		q.MemoryID, q.OwnerID, string(q.Side), q.Reason, q.Payload, micros(q.At)); err != nil {
		return fmt.Errorf("quarantine %s: %w", q.MemoryID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, q.MemoryID); err != nil {
		return fmt.Errorf("unserve %s: %w", q.MemoryID, err)
	}
	return tx.Commit()
}

func (s *Store) ListQuarantined(ctx context.Context, ownerID string) ([]memory.Quarantined, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT memory_id, owner_id, side, reason, payload, at
		FROM memory_quarantine WHERE owner_id = ? ORDER BY at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list quarantine: %w", err)
	}
	defer rows.Close()

	var out []memory.Quarantined
	for rows.Next() {
		var (
			q    memory.Quarantined
			side string
			at   int64
		)
		if err := rows.Scan(&q.MemoryID, &q.OwnerID, &side, &q.Reason, &q.Payload, &at); err != nil {
			return nil, fmt.Errorf("scan quarantine: %w", err)
		}
		q.Side = memory.Side(side)
		q.At = fromMicros(at)
		out = append(out, q)
	}
	return out, rows.Err()
}
