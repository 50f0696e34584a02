package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOpenAIProviderChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var req ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-test", req.Model)
		w.Write([]byte(`{"id":"c1","model":"gpt-test","choices":[{"message":{"role":"assistant","content":"7"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(ProviderConfig{ID: "oai", Endpoint: srv.URL, APIKey: "sk-test"}, zap.NewNop())
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Model:    "gpt-test",
		Messages: []Message{{Role: "user", Content: "rate this"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "7", resp.Content)
	assert.Equal(t, 4, resp.Usage.TotalTokens)
}

func TestOpenAIProviderChat_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(ProviderConfig{ID: "oai", Endpoint: srv.URL}, zap.NewNop())
	_, err := p.Chat(context.Background(), &ChatRequest{Model: "m"})
	require.Error(t, err)
}

func TestOllamaProviderChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		assert.Equal(t, 0.2, req.Options["temperature"])
		w.Write([]byte(`{"model":"llama3.2:3b","message":{"role":"assistant","content":"GOAL: rest"},"done":true,"prompt_eval_count":10,"eval_count":5}`))
	}))
	defer srv.Close()

	temp := 0.2
	p := NewOllamaProvider(ProviderConfig{ID: "local", Endpoint: srv.URL}, zap.NewNop())
	resp, err := p.Chat(context.Background(), &ChatRequest{Model: "llama3.2:3b", Temperature: &temp})
	require.NoError(t, err)
	assert.Equal(t, "GOAL: rest", resp.Content)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
}

func TestAnthropicProviderChat_SystemLifted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "be brief", req.System)
		require.Len(t, req.Messages, 1)
		w.Write([]byte(`{"id":"m1","content":[{"type":"text","text":"ok"}],"usage":{"input_tokens":2,"output_tokens":1}}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider(ProviderConfig{ID: "claude", Endpoint: srv.URL}, zap.NewNop())
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Model: "claude-test",
		Messages: []Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 3, resp.Usage.TotalTokens)
}

func TestProviderChat_APIError(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", status)
	}))
	defer srv.Close()

	p := NewOllamaProvider(ProviderConfig{ID: "local", Endpoint: srv.URL}, zap.NewNop())
	_, err := p.Chat(context.Background(), &ChatRequest{Model: "m"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "local", apiErr.Provider)
	assert.True(t, apiErr.Temporary())

	status = http.StatusBadRequest
	_, err = p.Chat(context.Background(), &ChatRequest{Model: "m"})
	require.ErrorAs(t, err, &apiErr)
	assert.False(t, apiErr.Temporary())
	assert.Contains(t, apiErr.Body, "overloaded")
}

func TestOpenAIProviderHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/models", r.URL.Path)
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(ProviderConfig{ID: "oai", Endpoint: srv.URL}, zap.NewNop())
	require.NoError(t, p.HealthCheck(context.Background()))
}

type stubProvider struct {
	id    string
	err   error
	calls int
}

func (s *stubProvider) ID() string   { return s.id }
func (s *stubProvider) Name() string { return s.id }
func (s *stubProvider) Chat(context.Context, *ChatRequest) (*ChatResponse, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &ChatResponse{Content: s.id}, nil
}
func (s *stubProvider) HealthCheck(context.Context) error { return nil }

func TestRouterFallback(t *testing.T) {
	r := NewRouter(zap.NewNop())
	bad := &stubProvider{id: "bad", err: errors.New("boom")}
	good := &stubProvider{id: "good"}
	r.Register(bad)
	r.Register(good)
	r.SetFallbacks([]string{"good"})

	resp, err := r.Route(context.Background(), "alice", &ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "good", resp.Content)
	assert.Equal(t, 1, bad.calls)

	r.Bind("bob", "good")
	resp, err = r.Route(context.Background(), "bob", &ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "good", resp.Content)
	assert.Equal(t, 1, bad.calls)
}

func TestRouterNoProvider(t *testing.T) {
	r := NewRouter(zap.NewNop())
	_, err := r.Route(context.Background(), "alice", &ChatRequest{})
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestNewUnknownType(t *testing.T) {
	_, err := New(context.Background(), ProviderConfig{Type: "carrier-pigeon"}, zap.NewNop())
	require.Error(t, err)
}
