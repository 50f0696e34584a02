package world

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nidhogg/simulacra/internal/cognition"
)

// Processor runs one cognitive cycle for an agent.
type Processor interface {
	Process(ctx context.Context, agentID string, now time.Time) (*cognition.CycleReport, error)
}

// ListAgentIDsFunc returns the agents to drive on each tick.
type ListAgentIDsFunc func() []string

// TickReport collects the outcome of one tick across agents, in roster order.
type TickReport struct {
	At     time.Time                `json:"at"`
	Cycles []*cognition.CycleReport `json:"cycles"`
	Errors map[string]string        `json:"errors,omitempty"`
}

// Driver is a ClockListener that fans each tick out to every agent,
// running at most limit cycles at once. One agent's failure never stops
// the others.
type Driver struct {
	proc    Processor
	listFn  ListAgentIDsFunc
	limit   int
	timeout time.Duration
	logger  *zap.Logger

	mu   sync.Mutex
	last *TickReport
}

// NewDriver creates a driver. timeout bounds each agent's cycle; zero means
// no per-agent deadline.
func NewDriver(proc Processor, listFn ListAgentIDsFunc, limit int, timeout time.Duration, logger *zap.Logger) *Driver {
	if limit <= 0 {
		limit = 1
	}
	return &Driver{proc: proc, listFn: listFn, limit: limit, timeout: timeout, logger: logger}
}

// Tick processes every agent at now. The error is non-nil only when ctx is
// done; per-agent failures are in the report.
func (d *Driver) Tick(ctx context.Context, now time.Time) (*TickReport, error) {
	agents := d.listFn()
	cycles := make([]*cognition.CycleReport, len(agents))
	errs := make([]error, len(agents))

	var g errgroup.Group
	g.SetLimit(d.limit)
	for i, id := range agents {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			cctx := ctx
			if d.timeout > 0 {
				var cancel context.CancelFunc
				cctx, cancel = context.WithTimeout(ctx, d.timeout)
				defer cancel()
			}
			cycles[i], errs[i] = d.proc.Process(cctx, id, now)
			return nil
		})
	}
	g.Wait()

	report := &TickReport{At: now}
	for i, id := range agents {
		if cycles[i] != nil {
			report.Cycles = append(report.Cycles, cycles[i])
		}
		if errs[i] != nil {
			if report.Errors == nil {
				report.Errors = make(map[string]string)
			}
			report.Errors[id] = errs[i].Error()
			d.logger.Warn("cycle failed", zap.String("agent", id), zap.Error(errs[i]))
		}
	}

	d.mu.Lock()
	d.last = report
	d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// OnTick implements ClockListener.
func (d *Driver) OnTick(ctx context.Context, worldTime time.Time) {
	report, err := d.Tick(ctx, worldTime)
	if err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Warn("tick interrupted", zap.Time("world_time", worldTime), zap.Error(err))
		return
	}
	d.logger.Debug("tick done",
		zap.Time("world_time", worldTime),
		zap.Int("cycles", len(report.Cycles)),
		zap.Int("failed", len(report.Errors)))
}

// Last returns the most recent tick report, or nil before the first tick.
func (d *Driver) Last() *TickReport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// Run moves clock forward n steps without notifying its listeners and
// ticks every agent at each step.
func (d *Driver) Run(ctx context.Context, clock *Clock, n int) ([]*TickReport, error) {
	reports := make([]*TickReport, 0, n)
	for i := 0; i < n; i++ {
		r, err := d.Tick(ctx, clock.Forward())
		reports = append(reports, r)
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}
