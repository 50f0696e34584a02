package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Settings control every call made through a guarded oracle.
type Settings struct {
	Timeout       time.Duration
	MaxRetries    int
	RetryInterval time.Duration
	RatePerSecond float64 // 0 disables limiting
	Burst         int
}

// DefaultSettings mirrors the local model server defaults.
func DefaultSettings() Settings {
	return Settings{
		Timeout:       120 * time.Second,
		MaxRetries:    2,
		RetryInterval: 500 * time.Millisecond,
		RatePerSecond: 5,
		Burst:         5,
	}
}

type instruments struct {
	calls   metric.Int64Counter
	latency metric.Float64Histogram
}

// guard runs one logical oracle call: rate limit, then up to MaxRetries+1
// attempts, each bounded by Timeout.
type guard struct {
	settings Settings
	limiter  *rate.Limiter
	inst     instruments
	logger   *zap.Logger
}

func newGuard(s Settings, meter metric.Meter, logger *zap.Logger) (*guard, error) {
	def := DefaultSettings()
	if s.Timeout <= 0 {
		s.Timeout = def.Timeout
	}
	if s.RetryInterval <= 0 {
		s.RetryInterval = def.RetryInterval
	}
	if s.MaxRetries < 0 {
		s.MaxRetries = 0
	}
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("simulacra/oracle")
	}

	g := &guard{settings: s, logger: logger}
	if s.RatePerSecond > 0 {
		burst := s.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(s.RatePerSecond), burst)
	}

	var err error
	g.inst.calls, err = meter.Int64Counter("oracle.calls",
		metric.WithDescription("Oracle calls by operation and outcome"),
		metric.WithUnit("1"))
	if err != nil {
		return nil, fmt.Errorf("create oracle.calls counter: %w", err)
	}
	g.inst.latency, err = meter.Float64Histogram("oracle.latency",
		metric.WithDescription("Oracle call latency including retries"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("create oracle.latency histogram: %w", err)
	}
	return g, nil
}

func (g *guard) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := g.run(ctx, op, fn)

	outcome := "ok"
	switch {
	case errors.Is(err, ErrOracleTimeout):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	attrs := metric.WithAttributes(attribute.String("op", op), attribute.String("outcome", outcome))
	g.inst.calls.Add(ctx, 1, attrs)
	g.inst.latency.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	return err
}

// temporary is implemented by backend errors that know whether a retry can
// help, such as provider.APIError.
type temporary interface {
	Temporary() bool
}

func (g *guard) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("oracle %s: rate limit: %w", op, err)
		}
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = g.settings.RetryInterval
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(g.settings.MaxRetries)), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, g.settings.Timeout)
		defer cancel()

		err := fn(callCtx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(fmt.Errorf("oracle %s: %w", op, ctx.Err()))
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %s after %s", ErrOracleTimeout, op, g.settings.Timeout)
		}
		g.logger.Warn("oracle attempt failed",
			zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
		var tmp temporary
		if errors.As(err, &tmp) && !tmp.Temporary() {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}
