package world

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ClockListener receives world tick events. OnTick runs on the clock's
// goroutine; the next tick waits for it.
type ClockListener interface {
	OnTick(ctx context.Context, worldTime time.Time)
}

// Clock is the discrete simulation clock. Each tick advances world time by
// step; when started, ticks fire every interval of wall time.
type Clock struct {
	step      time.Duration
	interval  time.Duration
	worldTime time.Time
	listeners []ClockListener
	mu        sync.RWMutex

	cancel context.CancelFunc
	done   chan struct{}
	logger *zap.Logger
}

// NewClock creates a stopped clock at start.
func NewClock(start time.Time, step, interval time.Duration, logger *zap.Logger) *Clock {
	return &Clock{
		step:      step,
		interval:  interval,
		worldTime: start.UTC(),
		logger:    logger,
	}
}

// AddListener registers a tick listener.
func (c *Clock) AddListener(l ClockListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// WorldTime returns the current simulated world time.
func (c *Clock) WorldTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.worldTime
}

func (c *Clock) Step() time.Duration { return c.step }

// Forward moves world time one step without notifying listeners.
func (c *Clock) Forward() time.Time {
	wt, _ := c.forward()
	return wt
}

func (c *Clock) forward() (time.Time, []ClockListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.worldTime = c.worldTime.Add(c.step)
	listeners := make([]ClockListener, len(c.listeners))
	copy(listeners, c.listeners)
	return c.worldTime, listeners
}

// Advance moves world time forward one step and notifies listeners.
func (c *Clock) Advance(ctx context.Context) time.Time {
	wt, listeners := c.forward()

	for _, l := range listeners {
		l.OnTick(ctx, wt)
	}
	return wt
}

// Start begins the tick loop in a background goroutine. It is a no-op when
// already running.
func (c *Clock) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.loop(ctx, c.done)
	c.logger.Info("world clock started",
		zap.Duration("interval", c.interval),
		zap.Duration("step", c.step),
		zap.Time("world_time", c.worldTime))
}

// Stop halts the tick loop and waits for an in-flight tick to finish.
func (c *Clock) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.logger.Info("world clock stopped", zap.Time("world_time", c.WorldTime()))
}

// Running reports whether the tick loop is active.
func (c *Clock) Running() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cancel != nil
}

func (c *Clock) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Advance(ctx)
		}
	}
}
