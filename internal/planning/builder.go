package planning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/simulacra/internal/memory"
	"github.com/nidhogg/simulacra/internal/oracle"
)

// MemorySource is the read side of the memory store planning needs.
type MemorySource interface {
	Query(ctx context.Context, ownerID string, f memory.Filter, o memory.Order, limit int) ([]*memory.Memory, error)
}

type Settings struct {
	Staleness           time.Duration
	HighImportance      float64
	HighImportanceCount int
	RecentMemories      int
	RecentReflections   int
}

func DefaultSettings() Settings {
	return Settings{
		Staleness:           6 * time.Hour,
		HighImportance:      7,
		HighImportanceCount: 3,
		RecentMemories:      10,
		RecentReflections:   5,
	}
}

// Reason says why a new plan is due.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonNoPlan    Reason = "no_active_plan"
	ReasonStale     Reason = "stale"
	ReasonImportant Reason = "important_events"
)

// Builder decides when an agent needs a plan and produces one.
type Builder struct {
	repo     Repository
	memories MemorySource
	oracle   oracle.ReasoningOracle
	settings Settings
	logger   *zap.Logger
}

func NewBuilder(repo Repository, memories MemorySource, reasoner oracle.ReasoningOracle, settings Settings, logger *zap.Logger) *Builder {
	return &Builder{repo: repo, memories: memories, oracle: reasoner, settings: settings, logger: logger}
}

// Due evaluates the planning trigger at now and returns the active plan it
// looked at, which may be nil.
func (b *Builder) Due(ctx context.Context, agentID string, now time.Time) (Reason, *Plan, error) {
	active, err := b.repo.ActivePlan(ctx, agentID)
	if err != nil {
		return ReasonNone, nil, fmt.Errorf("load active plan for %s: %w", agentID, err)
	}
	if active == nil {
		return ReasonNoPlan, nil, nil
	}
	if now.Sub(active.CreatedAt) > b.settings.Staleness {
		return ReasonStale, active, nil
	}
	important, err := b.memories.Query(ctx, agentID, memory.Filter{
		MinImportance: b.settings.HighImportance,
		Since:         active.CreatedAt.Add(time.Microsecond),
	}, memory.NewestFirst, b.settings.HighImportanceCount)
	if err != nil {
		return ReasonNone, active, fmt.Errorf("count important memories for %s: %w", agentID, err)
	}
	if len(important) >= b.settings.HighImportanceCount {
		return ReasonImportant, active, nil
	}
	return ReasonNone, active, nil
}

// Build asks the oracle for a plan covering now's day, repairs it and stores
// it as the active plan, superseding any previous one.
func (b *Builder) Build(ctx context.Context, agentID, persona string, now time.Time) (*Plan, error) {
	recent, err := b.memories.Query(ctx, agentID, memory.Filter{
		ExcludeKinds: []memory.Kind{memory.KindReflection},
	}, memory.NewestFirst, b.settings.RecentMemories)
	if err != nil {
		return nil, fmt.Errorf("recent memories for %s: %w", agentID, err)
	}
	reflections, err := b.memories.Query(ctx, agentID, memory.Filter{
		Kinds: []memory.Kind{memory.KindReflection},
	}, memory.NewestFirst, b.settings.RecentReflections)
	if err != nil {
		return nil, fmt.Errorf("recent reflections for %s: %w", agentID, err)
	}

	reply, err := b.oracle.Reason(ctx, buildPrompt(agentID, persona, now, recent, reflections))
	if err != nil {
		return nil, fmt.Errorf("plan for %s: %w", agentID, err)
	}

	day := startOfDay(now)
	draft, err := ParsePlan(reply, day)
	if err != nil {
		return nil, fmt.Errorf("plan for %s: %w", agentID, err)
	}
	blocks := Repair(draft.Blocks)
	if len(blocks) == 0 {
		return nil, fmt.Errorf("plan for %s: %w: every block was empty after repair", agentID, oracle.ErrOracleMalformedResponse)
	}
	if len(blocks) != len(draft.Blocks) {
		b.logger.Warn("plan repaired", zap.String("agent", agentID),
			zap.Int("parsed", len(draft.Blocks)), zap.Int("kept", len(blocks)))
	}

	goals := draft.Goals
	if len(goals) == 0 {
		goals = []string{"Have a productive day"}
	}
	p := &Plan{
		ID:        uuid.NewString(),
		OwnerID:   agentID,
		ForDate:   day,
		Goals:     goals,
		Blocks:    blocks,
		Status:    StatusActive,
		CreatedAt: memory.Timestamp(now),
	}
	if err := b.repo.ReplaceActive(ctx, p); err != nil {
		return nil, fmt.Errorf("store plan for %s: %w", agentID, err)
	}
	b.logger.Info("Plan created", zap.String("agent", agentID), zap.String("plan", p.ID), zap.Int("blocks", len(p.Blocks)))
	return p, nil
}

// CurrentTask returns the task ownerID should be doing at now, or nil.
func CurrentTask(ctx context.Context, repo Repository, ownerID string, now time.Time) (*Task, error) {
	p, err := repo.ActivePlan(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load active plan for %s: %w", ownerID, err)
	}
	return p.CurrentTask(now), nil
}

func buildPrompt(agentID, persona string, now time.Time, recent, reflections []*memory.Memory) oracle.Prompt {
	var sb strings.Builder
	if persona != "" {
		fmt.Fprintf(&sb, "Your profile:\n%s\n\n", persona)
	}
	if len(recent) > 0 {
		sb.WriteString("Recent experiences:\n")
		for _, m := range recent {
			fmt.Fprintf(&sb, "- %s\n", m.Content)
		}
		sb.WriteString("\n")
	}
	if len(reflections) > 0 {
		sb.WriteString("Recent insights:\n")
		for _, m := range reflections {
			fmt.Fprintf(&sb, "- %s\n", m.Content)
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, `It is %s on %s. Plan the rest of your day realistically for your personality and situation.

Format your response as:

GOAL: [one sentence describing your main goal for today]

MORNING: [time range like 09:00-12:00]
Activity: [what you will do]
Location: [where you will be]
Tasks:
- [step] (30m)

AFTERNOON: [time range like 13:00-17:00]
Activity: ...
Location: ...
Tasks:
- ...

EVENING: [time range like 18:00-21:00]
Activity: ...
Location: ...
Tasks:
- ...`, now.Format("15:04"), now.Format("Monday, January 2 2006"))

	temp := 0.7
	return oracle.Prompt{
		AgentID:     agentID,
		System:      "You are a person planning your own day. Answer only in the requested format.",
		User:        sb.String(),
		Temperature: &temp,
		MaxTokens:   800,
	}
}

// startOfDay is midnight UTC of the UTC date of t.
func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
