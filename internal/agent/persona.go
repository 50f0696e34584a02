// Package agent holds the roster of simulated characters and the profile
// text that grounds their planning.
package agent

import (
	"fmt"
	"strings"
	"time"
)

// Persona defines an agent's identity and personality.
type Persona struct {
	ID         string   `json:"id" yaml:"id"`
	Name       string   `json:"name" yaml:"name"`
	Age        int      `json:"age" yaml:"age"`
	Traits     []string `json:"traits" yaml:"traits"`
	Backstory  string   `json:"backstory" yaml:"backstory"`
	Occupation string   `json:"occupation" yaml:"occupation"`
	Home       string   `json:"home" yaml:"home"`
	// ProviderID binds the agent to a specific reasoning provider.
	ProviderID string `json:"provider_id,omitempty" yaml:"provider"`
}

// Summary renders the persona as prompt context.
func (p Persona) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s", p.Name)
	if p.Age > 0 {
		fmt.Fprintf(&b, ", age %d", p.Age)
	}
	if p.Occupation != "" {
		fmt.Fprintf(&b, ", works as %s", p.Occupation)
	}
	b.WriteString(".")
	if len(p.Traits) > 0 {
		fmt.Fprintf(&b, " Traits: %s.", strings.Join(p.Traits, ", "))
	}
	if p.Home != "" {
		fmt.Fprintf(&b, " Lives at %s.", p.Home)
	}
	if p.Backstory != "" {
		fmt.Fprintf(&b, " %s", p.Backstory)
	}
	return b.String()
}

// Agent is a resident of the simulation.
type Agent struct {
	Persona   Persona   `json:"persona"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
