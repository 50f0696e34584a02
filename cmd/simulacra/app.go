package main

import (
	"context"
	"fmt"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"

	"github.com/nidhogg/simulacra/internal/agent"
	"github.com/nidhogg/simulacra/internal/api"
	"github.com/nidhogg/simulacra/internal/cognition"
	"github.com/nidhogg/simulacra/internal/config"
	"github.com/nidhogg/simulacra/internal/embedding"
	"github.com/nidhogg/simulacra/internal/events"
	"github.com/nidhogg/simulacra/internal/lineage"
	"github.com/nidhogg/simulacra/internal/localstore"
	"github.com/nidhogg/simulacra/internal/memory"
	"github.com/nidhogg/simulacra/internal/oracle"
	"github.com/nidhogg/simulacra/internal/planning"
	"github.com/nidhogg/simulacra/internal/provider"
	"github.com/nidhogg/simulacra/internal/reflection"
	"github.com/nidhogg/simulacra/internal/retrieval"
	"github.com/nidhogg/simulacra/internal/store"
	"github.com/nidhogg/simulacra/internal/vectorstore"
	"github.com/nidhogg/simulacra/internal/world"
)

// structured is what both relational backends provide.
type structured interface {
	memory.Records
	planning.Repository
	cognition.StateRepository
}

// app is the fully wired engine shared by every subcommand.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	roster   *agent.Roster
	records  structured
	agents   api.AgentSaver
	memories *memory.Store
	orch     *cognition.Orchestrator
	clock    *world.Clock
	driver   *world.Driver
	bus      *events.Bus
	graph    *lineage.Graph
	metrics  *sdkmetric.ManualReader

	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func oracleSettings(c config.OracleConfig) oracle.Settings {
	s := oracle.DefaultSettings()
	s.Timeout = c.Timeout()
	s.MaxRetries = c.MaxRetries
	s.RatePerSecond = c.RatePerSecond
	s.Burst = c.Burst
	return s
}

func retrievalSettings(c config.RetrievalConfig) retrieval.Settings {
	return retrieval.Settings{
		SemanticWeight:   c.SemanticWeight,
		RecencyWeight:    c.RecencyWeight,
		ImportanceWeight: c.ImportanceWeight,
		HalfLife:         time.Duration(c.HalfLifeHours * float64(time.Hour)),
		OverFetch:        c.OverFetch,
	}
}

func planningSettings(c config.PlanningConfig) planning.Settings {
	return planning.Settings{
		Staleness:           time.Duration(c.StalenessHours * float64(time.Hour)),
		HighImportance:      c.HighImportance,
		HighImportanceCount: c.HighImportanceCount,
		RecentMemories:      c.RecentMemories,
		RecentReflections:   c.RecentReflections,
	}
}

func reflectionSettings(c config.ReflectionConfig) (reflection.Settings, error) {
	policy, err := reflection.ParsePolicy(c.AccumulatorPolicy)
	if err != nil {
		return reflection.Settings{}, err
	}
	return reflection.Settings{
		Threshold:     c.Threshold,
		CandidateMin:  c.CandidateMin,
		CandidateSize: c.CandidateSize,
		Policy:        policy,
	}, nil
}

// buildApp wires every component from cfg. Optional backends (Redis, Neo4j)
// that cannot be reached are logged and left out.
func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.metrics = sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(a.metrics))
	a.closers = append(a.closers, func() { _ = mp.Shutdown(context.Background()) })
	meter := mp.Meter("github.com/nidhogg/simulacra/oracle")

	// Roster
	if a.roster, err = agent.LoadRoster(cfg.AgentsFile); err != nil {
		return nil, err
	}

	// Structured store
	switch cfg.Database.Structured {
	case "postgres":
		ps, err := store.New(ctx, cfg.Database.Postgres.DSN, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, ps.Close)
		dir := cfg.Database.Postgres.MigrationsDir
		if dir == "" {
			dir = "migrations"
		}
		if err := ps.Migrate(ctx, dir); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		persisted, err := ps.ListAgents(ctx)
		if err != nil {
			return nil, err
		}
		for _, ag := range persisted {
			if _, ok := a.roster.Get(ag.Persona.ID); ok {
				continue
			}
			if _, err := a.roster.Add(ag.Persona); err != nil {
				return nil, err
			}
		}
		for _, ag := range a.roster.List() {
			if err := ps.SaveAgent(ctx, ag); err != nil {
				return nil, err
			}
		}
		logger.Info("postgres store ready", zap.Int("agents", len(a.roster.IDs())))
		a.records, a.agents = ps, ps
	default:
		ls, err := localstore.Open(ctx, cfg.Database.SQLite.Path, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = ls.Close() })
		logger.Info("sqlite store ready", zap.String("path", cfg.Database.SQLite.Path))
		a.records = ls
	}

	// Oracles
	router := provider.NewRouter(logger)
	var ids []string
	for _, pc := range cfg.Providers {
		p, err := provider.New(ctx, provider.ProviderConfig{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
			Models: pc.Models, Extra: pc.Extra,
			Timeout: cfg.Oracle.Timeout(),
		}, logger)
		if err != nil {
			logger.Warn("skipping provider", zap.String("id", pc.ID), zap.Error(err))
			continue
		}
		router.Register(p)
		ids = append(ids, pc.ID)
	}
	router.SetFallbacks(ids)
	for _, ag := range a.roster.List() {
		if ag.Persona.ProviderID != "" {
			router.Bind(ag.Persona.ID, ag.Persona.ProviderID)
		}
	}

	settings := oracleSettings(cfg.Oracle)
	reasoner, err := oracle.NewLLM(router, cfg.Oracle.Model, cfg.Oracle.Temperature, settings, meter, logger)
	if err != nil {
		return nil, err
	}
	ep, err := embedding.New(ctx, embedding.Config{
		Provider:  cfg.Embedding.Provider,
		Endpoint:  cfg.Embedding.Endpoint,
		Model:     cfg.Embedding.Model,
		APIKey:    cfg.Embedding.APIKey,
		Dimension: cfg.Embedding.Dimension,
	})
	if err != nil {
		return nil, err
	}
	embedder, err := oracle.NewEmbedder(ep, settings, meter, logger)
	if err != nil {
		return nil, err
	}

	// Vector index
	var index memory.Index
	switch cfg.Database.Vector {
	case "qdrant":
		qc, err := vectorstore.NewClient(vectorstore.QdrantConfig{Host: cfg.Database.Qdrant.Host, Port: cfg.Database.Qdrant.Port})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = qc.Close() })
		qi, err := vectorstore.NewQdrantIndex(ctx, qc, cfg.Database.Qdrant.Collection, cfg.Embedding.Dimension, logger)
		if err != nil {
			return nil, err
		}
		index = qi
	default:
		index = vectorstore.NewChromemIndex()
	}

	a.memories = memory.NewStore(a.records, index, embedder, logger)

	// Observers
	var observers []cognition.Observer
	if url := cfg.Database.Redis.URL; url != "" {
		bus, err := events.Dial(ctx, url, cfg.Database.Redis.Stream, logger)
		if err != nil {
			logger.Warn("redis unavailable, running without event stream", zap.Error(err))
		} else {
			a.bus = bus
			a.closers = append(a.closers, func() { _ = bus.Close() })
			observers = append(observers, bus)
		}
	}
	if n := cfg.Database.Neo4j; n.URI != "" {
		g, err := lineage.Connect(ctx, n.URI, n.User, n.Password, logger)
		if err == nil {
			err = g.EnsureSchema(ctx)
			if err != nil {
				_ = g.Close(ctx)
			}
		}
		if err != nil {
			logger.Warn("neo4j unavailable, running without lineage graph", zap.Error(err))
		} else {
			a.graph = g
			a.closers = append(a.closers, func() { _ = g.Close(context.Background()) })
			observers = append(observers, g)
		}
	}

	// Cognition
	refl, err := reflectionSettings(cfg.Cognition.Reflection)
	if err != nil {
		return nil, err
	}
	cc := cfg.Cognition
	a.orch = cognition.NewOrchestrator(cognition.Deps{
		Memories:  a.memories,
		States:    a.records,
		Plans:     a.records,
		Retrieval: retrieval.New(a.memories, embedder, retrievalSettings(cc.Retrieval), logger),
		Planner:   planning.NewBuilder(a.records, a.memories, reasoner, planningSettings(cc.Planning), logger),
		Reflector: reflection.NewSynthesizer(a.memories, reasoner, refl, logger),
		Scorer:    cognition.NewScorer(reasoner, cc.HeuristicWeight, cc.DefaultImportance, logger),
		Persona:   a.persona,
		Observers: observers,
	}, refl, logger)

	// World
	start, err := time.Parse(time.RFC3339, cfg.World.StartTime)
	if err != nil {
		return nil, err
	}
	a.clock = world.NewClock(start,
		time.Duration(cfg.World.TickMinutes)*time.Minute,
		time.Duration(cfg.World.TickIntervalMS)*time.Millisecond,
		logger)
	a.driver = world.NewDriver(a.orch, a.roster.IDs, cfg.World.Concurrency,
		time.Duration(cfg.World.AgentTimeoutSeconds)*time.Second, logger)
	a.clock.AddListener(a.driver)

	return a, nil
}

func (a *app) persona(agentID string) string {
	ag, ok := a.roster.Get(agentID)
	if !ok {
		return ""
	}
	return agent.Context(ag.Persona)
}

// reconcile repairs divergence between the two halves of the memory store
// for every agent.
func (a *app) reconcile(ctx context.Context) {
	for _, id := range a.roster.IDs() {
		report, err := a.memories.Reconcile(ctx, id)
		if err != nil {
			a.logger.Warn("reconcile failed", zap.String("agent", id), zap.Error(err))
			continue
		}
		if report.Changes() > 0 {
			a.logger.Info("reconciled memories", zap.String("agent", id), zap.Any("report", report))
		}
	}
}

func (a *app) handler() *api.Handler {
	deps := api.Deps{
		Roster:    a.roster,
		Cognition: a.orch,
		Memories:  a.memories,
		Plans:     a.records,
		Clock:     a.clock,
		Driver:    a.driver,
		Agents:    a.agents,
	}
	if a.bus != nil {
		deps.Events = a.bus
	}
	if a.graph != nil {
		deps.Lineage = a.graph
	}
	return api.NewHandler(deps, a.logger)
}
