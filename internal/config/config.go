package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"regexp"
	"time"
)

// ErrInvalidConfiguration is returned by Validate. It is fatal at startup.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// Config is the top-level configuration structure.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Providers  []ProviderConfig `json:"providers"`
	Database   DatabaseConfig   `json:"database"`
	Embedding  EmbeddingConfig  `json:"embedding"`
	Oracle     OracleConfig     `json:"oracle"`
	Cognition  CognitionConfig  `json:"cognition"`
	World      WorldConfig      `json:"world"`
	AgentsFile string           `json:"agents_file"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type ProviderConfig struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Name     string            `json:"name"`
	Endpoint string            `json:"endpoint"`
	APIKey   string            `json:"api_key"`
	Models   []string          `json:"models,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// DatabaseConfig selects the backends behind the dual memory store.
// Structured is "postgres" or "sqlite"; Vector is "qdrant" or "chromem".
type DatabaseConfig struct {
	Structured string         `json:"structured"`
	Vector     string         `json:"vector"`
	Postgres   PostgresConfig `json:"postgres"`
	SQLite     SQLiteConfig   `json:"sqlite"`
	Qdrant     QdrantConfig   `json:"qdrant"`
	Neo4j      Neo4jConfig    `json:"neo4j"`
	Redis      RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN           string `json:"dsn"`
	MigrationsDir string `json:"migrations_dir"`
}

type SQLiteConfig struct {
	Path string `json:"path"`
}

type QdrantConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Collection string `json:"collection"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL    string `json:"url"`
	Stream string `json:"stream"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider"`
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

// OracleConfig governs every reasoning and embedding call.
type OracleConfig struct {
	Model          string   `json:"model"`
	TimeoutSeconds int      `json:"timeout_seconds"`
	MaxRetries     int      `json:"max_retries"`
	RatePerSecond  float64  `json:"rate_per_second"`
	Burst          int      `json:"burst"`
	Temperature    *float64 `json:"temperature,omitempty"`
}

func (o OracleConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSeconds) * time.Second
}

type CognitionConfig struct {
	Retrieval  RetrievalConfig  `json:"retrieval"`
	Reflection ReflectionConfig `json:"reflection"`
	Planning   PlanningConfig   `json:"planning"`
	// DefaultImportance is used when the oracle cannot score a memory.
	DefaultImportance float64 `json:"default_importance"`
	HeuristicWeight   float64 `json:"heuristic_weight"`
}

type RetrievalConfig struct {
	SemanticWeight   float64 `json:"semantic_weight"`
	RecencyWeight    float64 `json:"recency_weight"`
	ImportanceWeight float64 `json:"importance_weight"`
	HalfLifeHours    float64 `json:"half_life_hours"`
	OverFetch        int     `json:"over_fetch"`
}

type ReflectionConfig struct {
	Threshold     float64 `json:"threshold"`
	CandidateMin  float64 `json:"candidate_min"`
	CandidateSize int     `json:"candidate_size"`
	// AccumulatorPolicy is "decrement" or "reset".
	AccumulatorPolicy string `json:"accumulator_policy"`
}

type PlanningConfig struct {
	StalenessHours      float64 `json:"staleness_hours"`
	HighImportance      float64 `json:"high_importance"`
	HighImportanceCount int     `json:"high_importance_count"`
	RecentMemories      int     `json:"recent_memories"`
	RecentReflections   int     `json:"recent_reflections"`
}

type WorldConfig struct {
	TickMinutes    int    `json:"tick_minutes"`
	TickIntervalMS int    `json:"tick_interval_ms"`
	StartTime      string `json:"start_time"`
	Concurrency    int    `json:"concurrency"`
	// AgentTimeoutSeconds bounds one agent's cycle within a tick.
	AgentTimeoutSeconds int `json:"agent_timeout_seconds"`
}

// Default returns the configuration used when a field is left unset.
func Default() Config {
	return Config{
		Server: ServerConfig{Port: 3210, LogLevel: "info"},
		Database: DatabaseConfig{
			Structured: "sqlite",
			Vector:     "chromem",
			SQLite:     SQLiteConfig{Path: "simulacra.db"},
			Qdrant:     QdrantConfig{Host: "localhost", Port: 6334, Collection: "memories"},
			Redis:      RedisConfig{Stream: "simulacra:events"},
		},
		Embedding: EmbeddingConfig{Provider: "local", Endpoint: "http://localhost:11434", Model: "nomic-embed-text", Dimension: 768},
		Oracle:    OracleConfig{Model: "llama3.2:3b", TimeoutSeconds: 120, MaxRetries: 2, RatePerSecond: 5, Burst: 5},
		Cognition: CognitionConfig{
			Retrieval: RetrievalConfig{
				SemanticWeight:   0.6,
				RecencyWeight:    0.2,
				ImportanceWeight: 0.2,
				HalfLifeHours:    24,
				OverFetch:        3,
			},
			Reflection: ReflectionConfig{
				Threshold:         15,
				CandidateMin:      6,
				CandidateSize:     20,
				AccumulatorPolicy: "decrement",
			},
			Planning: PlanningConfig{
				StalenessHours:      6,
				HighImportance:      7,
				HighImportanceCount: 3,
				RecentMemories:      10,
				RecentReflections:   5,
			},
			DefaultImportance: 5,
			HeuristicWeight:   0.3,
		},
		World:      WorldConfig{TickMinutes: 10, TickIntervalMS: 1000, StartTime: "2024-01-01T08:00:00Z", Concurrency: 4, AgentTimeoutSeconds: 600},
		AgentsFile: "configs/agents.yaml",
	}
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// expandEnv substitutes ${VAR} and ${VAR:default} with environment values.
func expandEnv(data []byte) []byte {
	return envVarRe.ReplaceAllFunc(data, func(match []byte) []byte {
		parts := envVarRe.FindSubmatch(match)
		if v := os.Getenv(string(parts[1])); v != "" {
			return []byte(v)
		}
		return parts[2]
	})
}

// Load reads a JSON config file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := json.Unmarshal(expandEnv(data), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

const weightTolerance = 1e-6

// Validate checks the cognition and oracle settings.
func (c *Config) Validate() error {
	r := c.Cognition.Retrieval
	if r.SemanticWeight < 0 || r.RecencyWeight < 0 || r.ImportanceWeight < 0 {
		return fmt.Errorf("%w: retrieval weights must be non-negative", ErrInvalidConfiguration)
	}
	if sum := r.SemanticWeight + r.RecencyWeight + r.ImportanceWeight; math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("%w: retrieval weights sum to %.4f, want 1", ErrInvalidConfiguration, sum)
	}
	if r.HalfLifeHours <= 0 {
		return fmt.Errorf("%w: half_life_hours must be positive", ErrInvalidConfiguration)
	}
	if r.OverFetch < 3 {
		return fmt.Errorf("%w: over_fetch must be at least 3", ErrInvalidConfiguration)
	}

	rf := c.Cognition.Reflection
	if rf.Threshold <= 0 {
		return fmt.Errorf("%w: reflection threshold must be positive", ErrInvalidConfiguration)
	}
	if rf.CandidateMin < 0 || rf.CandidateMin > 10 {
		return fmt.Errorf("%w: candidate_min must be within [0,10]", ErrInvalidConfiguration)
	}
	if rf.CandidateSize <= 0 {
		return fmt.Errorf("%w: candidate_size must be positive", ErrInvalidConfiguration)
	}
	switch rf.AccumulatorPolicy {
	case "decrement", "reset":
	default:
		return fmt.Errorf("%w: unknown accumulator_policy %q", ErrInvalidConfiguration, rf.AccumulatorPolicy)
	}

	p := c.Cognition.Planning
	if p.StalenessHours <= 0 {
		return fmt.Errorf("%w: staleness_hours must be positive", ErrInvalidConfiguration)
	}
	if p.HighImportanceCount <= 0 {
		return fmt.Errorf("%w: high_importance_count must be positive", ErrInvalidConfiguration)
	}

	if c.Cognition.DefaultImportance < 0 || c.Cognition.DefaultImportance > 10 {
		return fmt.Errorf("%w: default_importance must be within [0,10]", ErrInvalidConfiguration)
	}
	if c.Cognition.HeuristicWeight < 0 || c.Cognition.HeuristicWeight > 1 {
		return fmt.Errorf("%w: heuristic_weight must be within [0,1]", ErrInvalidConfiguration)
	}
	if c.Oracle.TimeoutSeconds <= 0 {
		return fmt.Errorf("%w: oracle timeout_seconds must be positive", ErrInvalidConfiguration)
	}
	if c.Oracle.MaxRetries < 0 {
		return fmt.Errorf("%w: oracle max_retries must not be negative", ErrInvalidConfiguration)
	}
	if c.Oracle.RatePerSecond < 0 {
		return fmt.Errorf("%w: oracle rate_per_second must not be negative", ErrInvalidConfiguration)
	}

	switch c.Database.Structured {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("%w: unknown structured store %q", ErrInvalidConfiguration, c.Database.Structured)
	}
	switch c.Database.Vector {
	case "qdrant", "chromem":
	default:
		return fmt.Errorf("%w: unknown vector index %q", ErrInvalidConfiguration, c.Database.Vector)
	}
	if c.World.TickMinutes <= 0 {
		return fmt.Errorf("%w: tick_minutes must be positive", ErrInvalidConfiguration)
	}
	if _, err := time.Parse(time.RFC3339, c.World.StartTime); err != nil {
		return fmt.Errorf("%w: start_time: %v", ErrInvalidConfiguration, err)
	}
	return nil
}
