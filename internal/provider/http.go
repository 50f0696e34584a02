package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// APIError is a non-200 reply from a provider endpoint.
type APIError struct {
	Provider string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider %s: status %d: %s", e.Provider, e.Status, e.Body)
}

// Temporary reports whether the same request may succeed later.
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

// httpBackend is the JSON-over-HTTP plumbing shared by the REST providers.
type httpBackend struct {
	config ProviderConfig
	client *http.Client
	logger *zap.Logger
	auth   func(h http.Header)
}

func newHTTPBackend(cfg ProviderConfig, endpoint string, logger *zap.Logger) httpBackend {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultHTTPTimeout
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = endpoint
	}
	return httpBackend{
		config: cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (b *httpBackend) ID() string   { return b.config.ID }
func (b *httpBackend) Name() string { return b.config.Name }

// do sends in as JSON (GET when in is nil) and decodes the reply into out
// when out is non-nil.
func (b *httpBackend) do(ctx context.Context, path string, in, out any) error {
	method := http.MethodGet
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		method, body = http.MethodPost, bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.config.Endpoint+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.auth != nil {
		b.auth(req.Header)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		b.logger.Debug("provider rejected request",
			zap.String("provider", b.config.ID), zap.String("path", path), zap.Int("status", resp.StatusCode))
		return &APIError{Provider: b.config.ID, Status: resp.StatusCode, Body: string(msg)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
