package cognition

import (
	"context"

	"github.com/nidhogg/simulacra/internal/memory"
	"github.com/nidhogg/simulacra/internal/planning"
	"github.com/nidhogg/simulacra/internal/reflection"
)

// Observer is told about cognitive events after they are durable. Failures
// are logged and never undo the event.
type Observer interface {
	MemoryRecorded(ctx context.Context, m *memory.Memory) error
	PlanCreated(ctx context.Context, p *planning.Plan, reason planning.Reason) error
	ReflectionsWritten(ctx context.Context, agentID string, out *reflection.Outcome) error
}
