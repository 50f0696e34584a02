package agent

import (
	"os"
	"path/filepath"
	"strings"
)

// ProfileDir is the base directory for optional per-agent profile notes.
var ProfileDir = "agents"

// LoadProfile reads SOUL.md and GOALS.md for the given agent ID and returns
// the concatenated content, or "" when neither exists.
func LoadProfile(agentID string) string {
	dir := filepath.Join(ProfileDir, agentID)
	var parts []string
	for _, f := range []string{"SOUL.md", "GOALS.md"} {
		data, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			continue
		}
		if s := strings.TrimSpace(string(data)); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n---\n\n")
}

// Context is the persona summary plus any profile notes.
func Context(p Persona) string {
	notes := LoadProfile(p.ID)
	if notes == "" {
		return p.Summary()
	}
	return p.Summary() + "\n\n" + notes
}
