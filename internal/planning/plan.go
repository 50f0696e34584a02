// Package planning builds and tracks an agent's hierarchical daily plan:
// goals, non-overlapping time blocks, and the tasks inside each block.
package planning

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrPlanNotFound = errors.New("plan not found")
	ErrTaskNotFound = errors.New("task not found")
)

type Status string

const (
	StatusActive     Status = "active"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusSuperseded Status = "superseded"
)

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
)

func (s TaskStatus) Valid() bool {
	return s == TaskPending || s == TaskInProgress || s == TaskDone
}

// ActionKind is the coarse action a task most likely maps to.
type ActionKind string

const (
	ActionMove     ActionKind = "move"
	ActionTalk     ActionKind = "talk"
	ActionInteract ActionKind = "interact"
	ActionObserve  ActionKind = "observe"
	ActionWait     ActionKind = "wait"
	ActionThink    ActionKind = "think"
)

type Task struct {
	Description     string     `json:"description"`
	DurationMinutes int        `json:"duration_minutes"`
	Location        string     `json:"location,omitempty"`
	Status          TaskStatus `json:"status"`
	ActionKind      ActionKind `json:"action_kind,omitempty"`
}

// TimeBlock covers [Start, End).
type TimeBlock struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Activity string    `json:"activity"`
	Location string    `json:"location,omitempty"`
	Tasks    []Task    `json:"tasks"`
}

func (b TimeBlock) Contains(t time.Time) bool {
	return !t.Before(b.Start) && t.Before(b.End)
}

type Plan struct {
	ID        string      `json:"id"`
	OwnerID   string      `json:"owner_id"`
	ForDate   time.Time   `json:"for_date"`
	Goals     []string    `json:"goals"`
	Blocks    []TimeBlock `json:"blocks"`
	Status    Status      `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

// CurrentTask returns the first pending or in-progress task of the block
// containing now, or nil when now falls outside every block.
func (p *Plan) CurrentTask(now time.Time) *Task {
	if p == nil {
		return nil
	}
	for i := range p.Blocks {
		b := &p.Blocks[i]
		if !b.Contains(now) {
			continue
		}
		for j := range b.Tasks {
			if s := b.Tasks[j].Status; s == TaskPending || s == TaskInProgress {
				return &b.Tasks[j]
			}
		}
		return nil
	}
	return nil
}

// CurrentBlock returns the block containing now, or nil.
func (p *Plan) CurrentBlock(now time.Time) *TimeBlock {
	if p == nil {
		return nil
	}
	for i := range p.Blocks {
		if p.Blocks[i].Contains(now) {
			return &p.Blocks[i]
		}
	}
	return nil
}

// Validate checks that blocks are sorted, non-empty and non-overlapping.
func (p *Plan) Validate() error {
	for i, b := range p.Blocks {
		if !b.Start.Before(b.End) {
			return fmt.Errorf("block %d: start %s not before end %s", i, b.Start.Format(time.RFC3339), b.End.Format(time.RFC3339))
		}
		if i > 0 && b.Start.Before(p.Blocks[i-1].End) {
			return fmt.Errorf("block %d overlaps block %d", i, i-1)
		}
	}
	return nil
}

// Repair drops empty or inverted blocks, sorts by start and clips each block
// so it begins no earlier than the previous block's end. Blocks clipped to
// nothing are dropped. It is deterministic.
func Repair(blocks []TimeBlock) []TimeBlock {
	out := make([]TimeBlock, 0, len(blocks))
	for _, b := range blocks {
		if b.Start.Before(b.End) {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].End.Before(out[j].End)
	})

	repaired := out[:0]
	for _, b := range out {
		if n := len(repaired); n > 0 {
			prevEnd := repaired[n-1].End
			if b.Start.Before(prevEnd) {
				b.Start = prevEnd
			}
			if !b.Start.Before(b.End) {
				continue
			}
		}
		repaired = append(repaired, b)
	}
	return repaired
}

// Repository persists plans. Plans are append-only: replacing the active
// plan marks the old one superseded rather than deleting it.
type Repository interface {
	ActivePlan(ctx context.Context, ownerID string) (*Plan, error)
	GetPlan(ctx context.Context, id string) (*Plan, error)
	ListPlans(ctx context.Context, ownerID string, limit int) ([]*Plan, error)
	// ReplaceActive supersedes ownerID's active plan and stores p as active,
	// atomically.
	ReplaceActive(ctx context.Context, p *Plan) error
	SetTaskStatus(ctx context.Context, planID string, block, task int, status TaskStatus) error
}

// ApplyTaskStatus updates one task in p. Backends share it for
// SetTaskStatus.
func ApplyTaskStatus(p *Plan, block, task int, status TaskStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid task status %q", status)
	}
	if block < 0 || block >= len(p.Blocks) || task < 0 || task >= len(p.Blocks[block].Tasks) {
		return fmt.Errorf("plan %s block %d task %d: %w", p.ID, block, task, ErrTaskNotFound)
	}
	p.Blocks[block].Tasks[task].Status = status
	return nil
}
