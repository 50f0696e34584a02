package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "simulacra.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Setenv("SIMULACRA_PG", "postgres://u:p@db/sim")
	path := writeConfig(t, `{
		"server": {"port": 8080},
		"database": {"structured": "postgres", "vector": "qdrant",
			"postgres": {"dsn": "${SIMULACRA_PG}"},
			"redis": {"url": "${SIMULACRA_REDIS:redis://localhost:6379}"}}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "postgres://u:p@db/sim", cfg.Database.Postgres.DSN)
	assert.Equal(t, "redis://localhost:6379", cfg.Database.Redis.URL)
	assert.Equal(t, 0.6, cfg.Cognition.Retrieval.SemanticWeight)
	assert.Equal(t, 15.0, cfg.Cognition.Reflection.Threshold)
	assert.Equal(t, "decrement", cfg.Cognition.Reflection.AccumulatorPolicy)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"weights do not sum to one", func(c *Config) { c.Cognition.Retrieval.SemanticWeight = 0.7 }},
		{"negative weight", func(c *Config) {
			c.Cognition.Retrieval.SemanticWeight = 1.2
			c.Cognition.Retrieval.RecencyWeight = -0.2
			c.Cognition.Retrieval.ImportanceWeight = 0
		}},
		{"negative half-life", func(c *Config) { c.Cognition.Retrieval.HalfLifeHours = -1 }},
		{"over-fetch below three", func(c *Config) { c.Cognition.Retrieval.OverFetch = 2 }},
		{"zero threshold", func(c *Config) { c.Cognition.Reflection.Threshold = 0 }},
		{"unknown policy", func(c *Config) { c.Cognition.Reflection.AccumulatorPolicy = "halve" }},
		{"zero staleness", func(c *Config) { c.Cognition.Planning.StalenessHours = 0 }},
		{"zero timeout", func(c *Config) { c.Oracle.TimeoutSeconds = 0 }},
		{"unknown vector index", func(c *Config) { c.Database.Vector = "faiss" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfiguration))
		})
	}

	cfg := Default()
	assert.NoError(t, cfg.Validate())
}
