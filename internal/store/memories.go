package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/simulacra/internal/memory"
)

const memoryColumns = `id, owner_id, content, kind, importance, created_at,
	COALESCE(vector, '{}'), metadata, citations`

func scanMemory(row pgx.Row) (*memory.Memory, error) {
	var (
		m    memory.Memory
		kind string
	)
	if err := row.Scan(&m.ID, &m.OwnerID, &m.Content, &kind, &m.Importance, &m.CreatedAt,
		&m.Vector, &m.Metadata, &m.Citations); err != nil {
		return nil, err
	}
	m.Kind = memory.Kind(kind)
	m.CreatedAt = m.CreatedAt.UTC()
	if len(m.Vector) == 0 {
		m.Vector = nil
	}
	if len(m.Citations) == 0 {
		m.Citations = nil
	}
	return &m, nil
}

// InsertMemory stores m. Inserting an id that already exists is a no-op, so
// reconcile can replay safely.
func (s *Store) InsertMemory(ctx context.Context, m *memory.Memory) error {
	metadata := m.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	citations := m.Citations
	if citations == nil {
		citations = []string{}
	}
	var vector any
	if len(m.Vector) > 0 {
		vector = m.Vector
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO memories (id, owner_id, content, kind, importance, created_at, vector, metadata, citations)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		m.ID, m.OwnerID, m.Content, string(m.Kind), m.Importance, m.CreatedAt,
		vector, metadata, citations,
	)
	if err != nil {
		return fmt.Errorf("insert memory %s: %w", m.ID, err)
	}
	return nil
}

// GetMemory retrieves a single memory by ID.
func (s *Store) GetMemory(ctx context.Context, id string) (*memory.Memory, error) {
	m, err := scanMemory(s.db.QueryRow(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get memory %s: %w", id, err)
	}
	return m, nil
}

// GetMemories returns the memories among ids that exist, in no particular order.
func (s *Store) GetMemories(ctx context.Context, ids []string) ([]*memory.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("get memories: %w", err)
	}
	return collectMemories(rows)
}

func collectMemories(rows pgx.Rows) ([]*memory.Memory, error) {
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

// whereClause renders f as SQL conditions starting at placeholder $next.
func whereClause(ownerID string, f memory.Filter) (string, []any) {
	conds := []string{"owner_id = $1"}
	args := []any{ownerID}
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if len(f.Kinds) > 0 {
		add("kind = ANY($%d)", kindStrings(f.Kinds))
	}
	if len(f.ExcludeKinds) > 0 {
		add("NOT (kind = ANY($%d))", kindStrings(f.ExcludeKinds))
	}
	if f.MinImportance > 0 {
		add("importance >= $%d", f.MinImportance)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("created_at < $%d", f.Until)
	}
	return strings.Join(conds, " AND "), args
}

func kindStrings(ks []memory.Kind) []string {
	out := make([]string, len(ks))
	for i, k := range ks {
		out[i] = string(k)
	}
	return out
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

// QueryMemories runs a filtered, ordered query for one owner.
func (s *Store) QueryMemories(ctx context.Context, ownerID string, f memory.Filter, o memory.Order, limit int) ([]*memory.Memory, error) {
	where, args := whereClause(ownerID, f)
	q := `SELECT ` + memoryColumns + ` FROM memories WHERE ` + where + ` ORDER BY ` + orderClause(o)
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	return collectMemories(rows)
}

// MemoryIDs lists every memory id for ownerID.
func (s *Store) MemoryIDs(ctx context.Context, ownerID string) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT id FROM memories WHERE owner_id = $1 ORDER BY id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list memory ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan memory ids: %w", err)
	}
	return ids, nil
}

// AttachVector fills the vector of a record that was stored without one.
func (s *Store) AttachVector(ctx context.Context, id string, vector []float32) error {
	_, err := s.db.Exec(ctx, `
		UPDATE memories SET vector = $2
		WHERE id = $1 AND (vector IS NULL OR cardinality(vector) = 0)`, id, vector)
	if err != nil {
		return fmt.Errorf("attach vector %s: %w", id, err)
	}
	return nil
}

// MemoryStats aggregates counts by kind and mean importance.
func (s *Store) MemoryStats(ctx context.Context, ownerID string) (*memory.Stats, error) {
	rows, err := s.db.Query(ctx, `
		SELECT kind, count(*), COALESCE(sum(importance), 0)
		FROM memories WHERE owner_id = $1 GROUP BY kind`, ownerID)
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

// Quarantine records q and removes the memory from serving in one transaction.
func (s *Store) Quarantine(ctx context.Context, q memory.Quarantined) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin quarantine: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO memory_quarantine (memory_id, owner_id, side, reason, payload, at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (memory_id, side) DO UPDATE SET reason = EXCLUDED.reason, at = EXCLUDED.at`,
		q.MemoryID, q.OwnerID, string(q.Side), q.Reason, q.Payload, q.At); err != nil {
		return fmt.Errorf("quarantine %s: %w", q.MemoryID, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM memories WHERE id = $1`, q.MemoryID); err != nil {
		return fmt.Errorf("unserve %s: %w", q.MemoryID, err)
	}
	return tx.Commit(ctx)
}

// ListQuarantined returns quarantined records for ownerID, newest first.
func (s *Store) ListQuarantined(ctx context.Context, ownerID string) ([]memory.Quarantined, error) {
	rows, err := s.db.Query(ctx, `
		SELECT memory_id, owner_id, side, reason, payload, at
		FROM memory_quarantine WHERE owner_id = $1 ORDER BY at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list quarantine: %w", err)
	}
	defer rows.Close()

	var out []memory.Quarantined
	for rows.Next() {
		var (
			q    memory.Quarantined
			side string
		)
		if err := rows.Scan(&q.MemoryID, &q.OwnerID, &side, &q.Reason, &q.Payload, &q.At); err != nil {
			return nil, fmt.Errorf("scan quarantine: %w", err)
		}
		q.Side = memory.Side(side)
		out = append(out, q)
	}
	return out, rows.Err()
}
