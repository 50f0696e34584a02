// Package cognition runs each agent's cognitive cycle: planning, reflection,
// retrieval and memory recording, serialized per agent.
package cognition

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/simulacra/internal/memory"
	"github.com/nidhogg/simulacra/internal/planning"
	"github.com/nidhogg/simulacra/internal/reflection"
	"github.com/nidhogg/simulacra/internal/retrieval"
)

// MemoryWriter is the write path into the memory store.
type MemoryWriter interface {
	Append(ctx context.Context, m *memory.Memory) (string, error)
}

// PersonaFunc returns the persona text used in prompts for an agent.
type PersonaFunc func(agentID string) string

// Deps wires the orchestrator to its collaborators.
type Deps struct {
	Memories  MemoryWriter
	States    StateRepository
	Plans     planning.Repository
	Retrieval *retrieval.Engine
	Planner   *planning.Builder
	Reflector *reflection.Synthesizer
	Scorer    *Scorer
	Persona   PersonaFunc
	Observers []Observer
}

// CycleReport describes what one Process call did.
type CycleReport struct {
	AgentID     string           `json:"agent_id"`
	At          time.Time        `json:"at"`
	PlanReason  planning.Reason  `json:"plan_reason,omitempty"`
	Plan        *planning.Plan   `json:"plan,omitempty"`
	Reflections []*memory.Memory `json:"reflections,omitempty"`
	State       State            `json:"state"`
	Task        *planning.Task   `json:"task,omitempty"`
}

// CycleError carries every failure of one cycle. Unresolved triggers are
// retried on the next cycle.
type CycleError struct {
	AgentID    string
	Plan       error
	Reflection error
}

func (e *CycleError) Error() string {
	var parts []string
	if e.Plan != nil {
		parts = append(parts, "plan: "+e.Plan.Error())
	}
	if e.Reflection != nil {
		parts = append(parts, "reflection: "+e.Reflection.Error())
	}
	return fmt.Sprintf("cycle for %s: %s", e.AgentID, strings.Join(parts, "; "))
}

func (e *CycleError) Unwrap() []error {
	var out []error
	if e.Plan != nil {
		out = append(out, e.Plan)
	}
	if e.Reflection != nil {
		out = append(out, e.Reflection)
	}
	return out
}

// Orchestrator owns every agent's State and runs at most one cognitive
// operation per agent at a time. Different agents proceed in parallel.
type Orchestrator struct {
	deps     Deps
	settings reflection.Settings
	logger   *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewOrchestrator(deps Deps, settings reflection.Settings, logger *zap.Logger) *Orchestrator {
	if deps.Persona == nil {
		deps.Persona = func(string) string { return "" }
	}
	return &Orchestrator{
		deps:     deps,
		settings: settings,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (o *Orchestrator) lock(agentID string) func() {
	o.mu.Lock()
	l, ok := o.locks[agentID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[agentID] = l
	}
	o.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Process runs one cycle for agentID at now: re-plan if due, then reflect
// if the accumulator has crossed the threshold. Oracle failures leave the
// trigger unresolved and come back as a *CycleError; the report is still
// returned.
func (o *Orchestrator) Process(ctx context.Context, agentID string, now time.Time) (*CycleReport, error) {
	defer o.lock(agentID)()

	st, err := o.deps.States.GetState(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("load state for %s: %w", agentID, err)
	}
	persona := o.deps.Persona(agentID)
	report := &CycleReport{AgentID: agentID, At: now}
	cycleErr := &CycleError{AgentID: agentID}

	reason, active, err := o.deps.Planner.Due(ctx, agentID, now)
	switch {
	case err != nil:
		cycleErr.Plan = err
	case reason != planning.ReasonNone:
		p, err := o.deps.Planner.Build(ctx, agentID, persona, now)
		if err != nil {
			cycleErr.Plan = err
			o.logger.Warn("planning failed", zap.String("agent", agentID), zap.String("reason", string(reason)), zap.Error(err))
			break
		}
		st.CurrentPlanID = p.ID
		report.PlanReason = reason
		report.Plan = p
		o.notify(agentID, func(ob Observer) error { return ob.PlanCreated(ctx, p, reason) })
	case active != nil:
		st.CurrentPlanID = active.ID
	}

	if o.settings.Triggered(st.ImportanceAccumulator) {
		st.ReflectionPending = true
		out, err := o.deps.Reflector.Synthesize(ctx, agentID, persona, now)
		if err != nil {
			cycleErr.Reflection = err
		}
		// Reflections already written settle the trigger even if a later
		// write failed.
		if out != nil && len(out.Reflections) > 0 {
			st.ImportanceAccumulator = o.settings.Policy.Settle(st.ImportanceAccumulator, o.settings.Threshold)
			last := out.Reflections[0].CreatedAt
			for _, r := range out.Reflections[1:] {
				if r.CreatedAt.After(last) {
					last = r.CreatedAt
				}
			}
			st.LastReflectionAt = &last
			st.ReflectionPending = o.settings.Triggered(st.ImportanceAccumulator)
			report.Reflections = out.Reflections
			o.notify(agentID, func(ob Observer) error { return ob.ReflectionsWritten(ctx, agentID, out) })
			if err != nil {
				o.logger.Warn("reflection partially written", zap.String("agent", agentID),
					zap.Int("written", len(out.Reflections)), zap.Error(err))
			}
		} else if err != nil {
			o.logger.Warn("reflection failed, will retry", zap.String("agent", agentID),
				zap.Float64("accumulator", st.ImportanceAccumulator), zap.Error(err))
		}
	}

	st.UpdatedAt = memory.Timestamp(now)
	if err := o.deps.States.SaveState(ctx, st); err != nil {
		return nil, fmt.Errorf("save state for %s: %w", agentID, err)
	}
	report.State = *st

	if task, err := planning.CurrentTask(ctx, o.deps.Plans, agentID, now); err == nil {
		report.Task = task
	}

	if cycleErr.Plan != nil || cycleErr.Reflection != nil {
		return report, cycleErr
	}
	return report, nil
}

// Observation is an experience handed back by the action-selection step.
type Observation struct {
	Kind    memory.Kind
	Content string
	// Importance skips scoring when set.
	Importance *float64
	Metadata   map[string]string
	At         time.Time
}

// Record appends an action or observation for agentID and adds its
// importance to the accumulator. Reflections are only written by the
// synthesizer and are rejected here.
func (o *Orchestrator) Record(ctx context.Context, agentID string, obs Observation) (*memory.Memory, error) {
	if obs.Kind == memory.KindReflection {
		return nil, fmt.Errorf("%w: reflections cannot be recorded directly", memory.ErrValidation)
	}
	defer o.lock(agentID)()

	var importance float64
	if obs.Importance != nil {
		importance = *obs.Importance
	} else {
		importance = o.deps.Scorer.Score(ctx, agentID, obs.Kind, obs.Content, o.deps.Persona(agentID))
	}
	m := &memory.Memory{
		OwnerID:    agentID,
		Content:    obs.Content,
		Kind:       obs.Kind,
		Importance: importance,
		CreatedAt:  obs.At,
		Metadata:   obs.Metadata,
	}
	if _, err := o.deps.Memories.Append(ctx, m); err != nil {
		return nil, fmt.Errorf("record for %s: %w", agentID, err)
	}

	st, err := o.deps.States.GetState(ctx, agentID)
	if err != nil {
		return m, fmt.Errorf("load state for %s: %w", agentID, err)
	}
	st.ImportanceAccumulator += m.Importance
	st.ReflectionPending = o.settings.Triggered(st.ImportanceAccumulator)
	st.UpdatedAt = m.CreatedAt
	if err := o.deps.States.SaveState(ctx, st); err != nil {
		return m, fmt.Errorf("save state for %s: %w", agentID, err)
	}

	o.notify(agentID, func(ob Observer) error { return ob.MemoryRecorded(ctx, m) })
	return m, nil
}

// Retrieve ranks agentID's memories for query as of now.
func (o *Orchestrator) Retrieve(ctx context.Context, agentID, query string, k int, f memory.Filter, now time.Time) ([]retrieval.Result, error) {
	defer o.lock(agentID)()
	return o.deps.Retrieval.RetrieveAt(ctx, agentID, query, k, f, now)
}

// CurrentTask returns what agentID's active plan says to do at now.
func (o *Orchestrator) CurrentTask(ctx context.Context, agentID string, now time.Time) (*planning.Task, error) {
	return planning.CurrentTask(ctx, o.deps.Plans, agentID, now)
}

// SetTaskStatus updates one task of agentID's active plan.
func (o *Orchestrator) SetTaskStatus(ctx context.Context, agentID string, block, task int, status planning.TaskStatus) error {
	defer o.lock(agentID)()
	p, err := o.deps.Plans.ActivePlan(ctx, agentID)
	if err != nil {
		return fmt.Errorf("load active plan for %s: %w", agentID, err)
	}
	if p == nil {
		return fmt.Errorf("%s has no active plan: %w", agentID, planning.ErrPlanNotFound)
	}
	return o.deps.Plans.SetTaskStatus(ctx, p.ID, block, task, status)
}

// Snapshot returns a copy of agentID's cognitive state.
func (o *Orchestrator) Snapshot(ctx context.Context, agentID string) (State, error) {
	st, err := o.deps.States.GetState(ctx, agentID)
	if err != nil {
		return State{}, fmt.Errorf("snapshot %s: %w", agentID, err)
	}
	return *st, nil
}

func (o *Orchestrator) notify(agentID string, fn func(Observer) error) {
	for _, ob := range o.deps.Observers {
		if err := fn(ob); err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Warn("observer failed", zap.String("agent", agentID), zap.Error(err))
		}
	}
}
