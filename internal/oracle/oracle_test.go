package oracle

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/nidhogg/simulacra/internal/provider"
)

type routerFunc func(ctx context.Context, agentID string, req *provider.ChatRequest) (*provider.ChatResponse, error)

func (f routerFunc) Route(ctx context.Context, agentID string, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	return f(ctx, agentID, req)
}

func fastSettings() Settings {
	return Settings{Timeout: 50 * time.Millisecond, MaxRetries: 1, RetryInterval: time.Millisecond}
}

func TestLLMReason(t *testing.T) {
	var got *provider.ChatRequest
	llm, err := NewLLM(routerFunc(func(_ context.Context, agentID string, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		assert.Equal(t, "alice", agentID)
		got = req
		return &provider.ChatResponse{Content: "  7 \n"}, nil
	}), "llama3.2:3b", nil, fastSettings(), nil, zap.NewNop())
	require.NoError(t, err)

	out, err := llm.Reason(context.Background(), Prompt{AgentID: "alice", System: "sys", User: "rate"})
	require.NoError(t, err)
	assert.Equal(t, "7", out)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "llama3.2:3b", got.Model)
}

func TestLLMReason_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	llm, err := NewLLM(routerFunc(func(context.Context, string, *provider.ChatRequest) (*provider.ChatResponse, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("connection reset")
		}
		return &provider.ChatResponse{Content: "ok"}, nil
	}), "m", nil, fastSettings(), nil, zap.NewNop())
	require.NoError(t, err)

	out, err := llm.Reason(context.Background(), Prompt{User: "x"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.EqualValues(t, 2, calls.Load())
}

func TestLLMReason_Timeout(t *testing.T) {
	var calls atomic.Int32
	llm, err := NewLLM(routerFunc(func(ctx context.Context, _ string, _ *provider.ChatRequest) (*provider.ChatResponse, error) {
		calls.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	}), "m", nil, fastSettings(), nil, zap.NewNop())
	require.NoError(t, err)

	_, err = llm.Reason(context.Background(), Prompt{User: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOracleTimeout)
	assert.EqualValues(t, 2, calls.Load(), "one retry, then give up")
}

func TestLLMReason_RejectedRequestNotRetried(t *testing.T) {
	var calls atomic.Int32
	llm, err := NewLLM(routerFunc(func(context.Context, string, *provider.ChatRequest) (*provider.ChatResponse, error) {
		calls.Add(1)
		return nil, &provider.APIError{Provider: "oai", Status: 401, Body: "bad key"}
	}), "m", nil, Settings{Timeout: time.Second, MaxRetries: 3, RetryInterval: time.Millisecond}, nil, zap.NewNop())
	require.NoError(t, err)

	_, err = llm.Reason(context.Background(), Prompt{User: "x"})
	var apiErr *provider.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.EqualValues(t, 1, calls.Load())
}

func TestLLMReason_EmptyIsMalformed(t *testing.T) {
	llm, err := NewLLM(routerFunc(func(context.Context, string, *provider.ChatRequest) (*provider.ChatResponse, error) {
		return &provider.ChatResponse{Content: "   "}, nil
	}), "m", nil, fastSettings(), nil, zap.NewNop())
	require.NoError(t, err)

	_, err = llm.Reason(context.Background(), Prompt{User: "x"})
	assert.ErrorIs(t, err, ErrOracleMalformedResponse)
}

func TestLLMReason_ParentCancelled(t *testing.T) {
	var calls atomic.Int32
	llm, err := NewLLM(routerFunc(func(context.Context, string, *provider.ChatRequest) (*provider.ChatResponse, error) {
		calls.Add(1)
		return nil, errors.New("down")
	}), "m", nil, Settings{Timeout: time.Second, MaxRetries: 5, RetryInterval: time.Millisecond}, nil, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = llm.Reason(ctx, Prompt{User: "x"})
	require.Error(t, err)
	assert.LessOrEqual(t, calls.Load(), int32(1))
}

type fakeEmbedding struct {
	vec [][]float32
	err error
}

func (f fakeEmbedding) Embed(context.Context, []string) ([][]float32, error) { return f.vec, f.err }
func (f fakeEmbedding) Dimension() int                                       { return 3 }

func TestEmbedder(t *testing.T) {
	e, err := NewEmbedder(fakeEmbedding{vec: [][]float32{{1, 2, 3}}}, fastSettings(), nil, zap.NewNop())
	require.NoError(t, err)
	v, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, v)
	assert.Equal(t, 3, e.Dimension())

	e, err = NewEmbedder(fakeEmbedding{vec: [][]float32{{}}}, fastSettings(), nil, zap.NewNop())
	require.NoError(t, err)
	_, err = e.Embed(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrOracleMalformedResponse)
}

func TestGuardMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")

	e, err := NewEmbedder(fakeEmbedding{err: errors.New("down")}, Settings{Timeout: time.Second, RetryInterval: time.Millisecond}, meter, zap.NewNop())
	require.NoError(t, err)
	_, err = e.Embed(context.Background(), "x")
	require.Error(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "oracle.calls" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				total += dp.Value
				outcome, _ := dp.Attributes.Value("outcome")
				assert.Equal(t, "error", outcome.AsString())
			}
		}
	}
	assert.EqualValues(t, 1, total)
}
