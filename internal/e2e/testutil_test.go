//go:build integration

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/nidhogg/simulacra/internal/oracle"
)

type llmTestConfig struct {
	Endpoint string
	APIKey   string
	Model    string
}

// llmFromEnv returns the live provider settings, or nil when unset.
func llmFromEnv() *llmTestConfig {
	endpoint := os.Getenv("SIMULACRA_TEST_PROVIDER_ENDPOINT")
	apiKey := os.Getenv("SIMULACRA_TEST_PROVIDER_API_KEY")
	model := os.Getenv("SIMULACRA_TEST_PROVIDER_MODEL")
	if endpoint == "" || apiKey == "" || model == "" {
		return nil
	}
	return &llmTestConfig{Endpoint: endpoint, APIKey: apiKey, Model: model}
}

func skipIfNoLLM(t *testing.T) {
	t.Helper()
	if testLLMConfig == nil {
		t.Skip("LLM provider not configured (set SIMULACRA_TEST_PROVIDER_ENDPOINT, SIMULACRA_TEST_PROVIDER_API_KEY, SIMULACRA_TEST_PROVIDER_MODEL)")
	}
}

// ready hands back a container's address with its terminate func, or
// terminates it when the address lookup failed.
func ready(c testcontainers.Container, addr string, err error) (string, func(), error) {
	stop := func() { _ = testcontainers.TerminateContainer(c) }
	if err != nil {
		stop()
		return "", nil, err
	}
	return addr, stop, nil
}

func startNeo4j(ctx context.Context) (string, func(), error) {
	c, err := tcneo4j.Run(ctx, "neo4j:5-community", tcneo4j.WithoutAuthentication())
	if err != nil {
		return "", nil, fmt.Errorf("start neo4j: %w", err)
	}
	uri, err := c.BoltUrl(ctx)
	return ready(c, uri, err)
}

func startPostgres(ctx context.Context) (string, func(), error) {
	c, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("simulacra_test"),
		tcpg.WithUsername("sim"),
		tcpg.WithPassword("sim"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	return ready(c, dsn, err)
}

func startRedis(ctx context.Context) (string, func(), error) {
	c, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return "", nil, fmt.Errorf("start redis: %w", err)
	}
	url, err := c.ConnectionString(ctx)
	return ready(c, url, err)
}

type hashEmbedder struct{}

func (hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, 16)
	v[0] = 0.1
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(w))
		v[1+h.Sum32()%15]++
	}
	return v, nil
}

func (hashEmbedder) Dimension() int { return 16 }

var cannedOracle = oracle.ReasonFunc(func(_ context.Context, p oracle.Prompt) (string, error) {
	switch {
	case strings.Contains(p.User, "single integer"):
		return "6", nil
	case strings.Contains(p.User, "numbered list"):
		return "1. The harbor is quieter on Mondays.\n2. I trust the night crew.", nil
	case strings.Contains(p.User, "GOAL:"):
		return "GOAL: inspect the docks\nMORNING: 08:00-12:00\nActivity: Inspect\nTasks:\n- walk the east pier (60m)\n- update the logbook (30m)\nAFTERNOON: 13:00-17:00\nActivity: Paperwork", nil
	}
	return "", fmt.Errorf("unexpected prompt")
})

// call sends a JSON request and decodes a JSON response into out.
func call(t *testing.T, method, url string, in, out interface{}) int {
	t.Helper()
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("unmarshal response: %v (body: %s)", err, string(raw))
		}
	}
	return resp.StatusCode
}
