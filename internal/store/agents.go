package store

import (
	"context"
	"fmt"

	"github.com/nidhogg/simulacra/internal/agent"
)

// SaveAgent upserts an agent's persona.
func (s *Store) SaveAgent(ctx context.Context, a *agent.Agent) error {
	p := a.Persona
	traits := p.Traits
	if traits == nil {
		traits = []string{}
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO agents (id, name, age, traits, backstory, occupation, home, provider_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, age = EXCLUDED.age, traits = EXCLUDED.traits,
			backstory = EXCLUDED.backstory, occupation = EXCLUDED.occupation,
			home = EXCLUDED.home, provider_id = EXCLUDED.provider_id,
			updated_at = EXCLUDED.updated_at`,
		p.ID, p.Name, p.Age, traits, p.Backstory, p.Occupation, p.Home, p.ProviderID, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save agent %s: %w", p.ID, err)
	}
	return nil
}

// ListAgents returns all persisted agents ordered by id.
func (s *Store) ListAgents(ctx context.Context) ([]*agent.Agent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, age, traits, backstory, occupation, home, provider_id, created_at, updated_at
		FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []*agent.Agent
	for rows.Next() {
		var a agent.Agent
		p := &a.Persona
		if err := rows.Scan(&p.ID, &p.Name, &p.Age, &p.Traits, &p.Backstory, &p.Occupation, &p.Home,
			&p.ProviderID, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
