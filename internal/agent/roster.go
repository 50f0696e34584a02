package agent

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Roster is the concurrency-safe set of known agents.
type Roster struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

func NewRoster() *Roster {
	return &Roster{agents: make(map[string]*Agent)}
}

// Add registers or replaces an agent. An empty ID is derived from the name.
func (r *Roster) Add(p Persona) (*Agent, error) {
	if p.ID == "" {
		p.ID = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(p.Name), " ", "_"))
	}
	if p.ID == "" {
		return nil, fmt.Errorf("agent needs an id or a name")
	}
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[p.ID]
	if !ok {
		a = &Agent{CreatedAt: now}
		r.agents[p.ID] = a
	}
	a.Persona = p
	a.UpdatedAt = now
	return a, nil
}

func (r *Roster) Get(id string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// List returns agents sorted by ID.
func (r *Roster) List() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Persona.ID < out[j].Persona.ID })
	return out
}

// IDs returns the sorted agent IDs.
func (r *Roster) IDs() []string {
	list := r.List()
	ids := make([]string, len(list))
	for i, a := range list {
		ids[i] = a.Persona.ID
	}
	return ids
}

type rosterFile struct {
	Agents []Persona `yaml:"agents"`
}

// LoadRoster reads a YAML file of the form `agents: [...]`.
func LoadRoster(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster %s: %w", path, err)
	}
	var f rosterFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse roster %s: %w", path, err)
	}
	r := NewRoster()
	for _, p := range f.Agents {
		if _, err := r.Add(p); err != nil {
			return nil, fmt.Errorf("roster %s: %w", path, err)
		}
	}
	return r, nil
}
