package memory

import (
	"context"
	"time"
)

// Records is the structured side of the dual store.
type Records interface {
	InsertMemory(ctx context.Context, m *Memory) error
	GetMemory(ctx context.Context, id string) (*Memory, error)
	GetMemories(ctx context.Context, ids []string) ([]*Memory, error)
	QueryMemories(ctx context.Context, ownerID string, f Filter, o Order, limit int) ([]*Memory, error)
	MemoryIDs(ctx context.Context, ownerID string) ([]string, error)
	// AttachVector sets the vector of a record stored without one. Records that
	// already carry a vector are left untouched.
	AttachVector(ctx context.Context, id string, vector []float32) error
	MemoryStats(ctx context.Context, ownerID string) (*Stats, error)
	Quarantine(ctx context.Context, q Quarantined) error
	ListQuarantined(ctx context.Context, ownerID string) ([]Quarantined, error)
}

// Hit is a raw vector-index match.
type Hit struct {
	ID         string
	Similarity float64
}

// Index is the vector side of the dual store.
type Index interface {
	Upsert(ctx context.Context, m *Memory) error
	// Search returns up to k hits for ownerID that satisfy f, best first.
	Search(ctx context.Context, ownerID string, vector []float32, k int, f Filter) ([]Hit, error)
	IDs(ctx context.Context, ownerID string) ([]string, error)
	// Fetch rebuilds a memory from the stored payload and vector.
	Fetch(ctx context.Context, ownerID, id string) (*Memory, error)
	Delete(ctx context.Context, ownerID string, ids ...string) error
}

// Embedder produces vectors for records that reach the store without one.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Side names the half of the dual store a quarantined record was found on.
type Side string

const (
	SideStructured Side = "structured"
	SideVector     Side = "vector"
)

// Quarantined is a record pulled out of serving because it could not be
// repaired.
type Quarantined struct {
	MemoryID string    `json:"memory_id"`
	OwnerID  string    `json:"owner_id"`
	Side     Side      `json:"side"`
	Reason   string    `json:"reason"`
	Payload  string    `json:"payload,omitempty"`
	At       time.Time `json:"at"`
}
