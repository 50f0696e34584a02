// Package memory holds the episodic memory model and the dual store that keeps
// a structured record table and a vector index in agreement.
package memory

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrNotFound = errors.New("memory not found")
	// ErrValidation marks a programming error such as a reflection citing a
	// memory that is not strictly older than itself.
	ErrValidation = errors.New("memory validation failed")
	// ErrStoreWriteInconsistency means only one side of the dual store holds
	// a record. Reconcile resolves it.
	ErrStoreWriteInconsistency = errors.New("store write inconsistency")
	// ErrCorruptPayload is returned by an Index when a stored payload cannot
	// be turned back into a Memory.
	ErrCorruptPayload = errors.New("corrupt index payload")
)

// Kind classifies a memory.
type Kind string

const (
	KindAction      Kind = "action"
	KindObservation Kind = "observation"
	KindReflection  Kind = "reflection"
	KindPlanning    Kind = "planning"
)

func (k Kind) Valid() bool {
	switch k {
	case KindAction, KindObservation, KindReflection, KindPlanning:
		return true
	}
	return false
}

// ParseKind converts s to a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: unknown kind %q", ErrValidation, s)
	}
	return k, nil
}

const (
	MinImportance = 0.0
	MaxImportance = 10.0
)

// ClampImportance forces v into [0,10]. NaN becomes 0.
func ClampImportance(v float64) float64 {
	if math.IsNaN(v) {
		return MinImportance
	}
	return math.Max(MinImportance, math.Min(MaxImportance, v))
}

// Memory is an immutable episodic record.
type Memory struct {
	ID         string            `json:"id"`
	OwnerID    string            `json:"owner_id"`
	Content    string            `json:"content"`
	Kind       Kind              `json:"kind"`
	Importance float64           `json:"importance"`
	CreatedAt  time.Time         `json:"created_at"`
	Vector     []float32         `json:"vector,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Citations  []string          `json:"citations,omitempty"`
}

// Filter narrows a query. Zero values mean "no constraint".
type Filter struct {
	Kinds         []Kind
	ExcludeKinds  []Kind
	MinImportance float64
	Since         time.Time // inclusive
	Until         time.Time // exclusive
}

// Match reports whether m passes the filter.
func (f Filter) Match(m *Memory) bool {
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, m.Kind) {
		return false
	}
	if containsKind(f.ExcludeKinds, m.Kind) {
		return false
	}
	if m.Importance < f.MinImportance {
		return false
	}
	if !f.Since.IsZero() && m.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !m.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}

func containsKind(ks []Kind, k Kind) bool {
	for _, x := range ks {
		if x == k {
			return true
		}
	}
	return false
}

// Order selects the sort of a structured query.
type Order int

const (
	NewestFirst Order = iota
	OldestFirst
	ImportanceDesc
)

// ParseOrder accepts "newest", "oldest" and "importance".
func ParseOrder(s string) (Order, error) {
	switch s {
	case "", "newest":
		return NewestFirst, nil
	case "oldest":
		return OldestFirst, nil
	case "importance":
		return ImportanceDesc, nil
	}
	return 0, fmt.Errorf("%w: unknown order %q", ErrValidation, s)
}

// Scored is a memory returned from the vector path with its similarity in [0,1].
type Scored struct {
	Memory     *Memory `json:"memory"`
	Similarity float64 `json:"similarity"`
}

// Stats summarises an owner's memories.
type Stats struct {
	Total         int          `json:"total"`
	ByKind        map[Kind]int `json:"by_kind"`
	AvgImportance float64      `json:"avg_importance"`
}

// NormalizeSimilarity maps a cosine similarity onto [0,1] by clamping.
func NormalizeSimilarity(s float64) float64 {
	if math.IsNaN(s) {
		return 0
	}
	return math.Max(0, math.Min(1, s))
}

// Timestamp normalises t to UTC microseconds, the precision every backend keeps.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
