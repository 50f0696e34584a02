package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/simulacra/internal/agent"
	"github.com/nidhogg/simulacra/internal/cognition"
	"github.com/nidhogg/simulacra/internal/events"
	"github.com/nidhogg/simulacra/internal/lineage"
	"github.com/nidhogg/simulacra/internal/memory"
	"github.com/nidhogg/simulacra/internal/oracle"
	"github.com/nidhogg/simulacra/internal/planning"
	"github.com/nidhogg/simulacra/internal/world"
)

// EventReader lists recent cognitive events and follows new ones.
type EventReader interface {
	Recent(ctx context.Context, agentID string, count int64) ([]*events.Event, error)
	Subscribe(ctx context.Context, agentID, lastID string) <-chan *events.Event
}

// LineageReader walks reflection citations.
type LineageReader interface {
	Sources(ctx context.Context, reflectionID string) ([]*lineage.Node, error)
	Derived(ctx context.Context, memoryID string) ([]*lineage.Node, error)
	Ancestry(ctx context.Context, memoryID string, depth int) ([]*lineage.Node, error)
}

// AgentSaver persists roster changes.
type AgentSaver interface {
	SaveAgent(ctx context.Context, a *agent.Agent) error
}

// Deps lists what the handler serves. Events, Lineage and Agents are
// optional.
type Deps struct {
	Roster    *agent.Roster
	Cognition *cognition.Orchestrator
	Memories  *memory.Store
	Plans     planning.Repository
	Clock     *world.Clock
	Driver    *world.Driver
	Events    EventReader
	Lineage   LineageReader
	Agents    AgentSaver
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	deps   Deps
	logger *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, logger *zap.Logger) *Handler {
	return &Handler{deps: deps, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/agents", h.listAgents)
		r.Post("/agents", h.createAgent)

		r.Route("/agents/{id}", func(r chi.Router) {
			r.Use(h.knownAgent)
			r.Get("/", h.getAgent)

			r.Get("/memories", h.listMemories)
			r.Post("/memories", h.recordMemory)
			r.Get("/memories/stats", h.memoryStats)
			r.Get("/memories/quarantine", h.listQuarantine)
			r.Post("/memories/reconcile", h.reconcile)
			r.Post("/retrieve", h.retrieve)

			r.Get("/plan", h.getPlan)
			r.Get("/plans", h.listPlans)
			r.Put("/plan/blocks/{block}/tasks/{task}", h.setTaskStatus)

			r.Get("/state", h.getState)
			r.Post("/process", h.process)
			r.Get("/events", h.agentEvents)
			r.Get("/events/stream", h.streamEvents)
		})

		r.Get("/memories/{memoryID}", h.getMemory)
		r.Get("/memories/{memoryID}/sources", h.memorySources)
		r.Get("/memories/{memoryID}/derived", h.memoryDerived)
		r.Get("/memories/{memoryID}/ancestry", h.memoryAncestry)

		r.Get("/world/status", h.worldStatus)
		r.Post("/world/tick", h.worldTick)
		r.Post("/world/start", h.worldStart)
		r.Post("/world/stop", h.worldStop)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "simulacra"})
}

// knownAgent rejects requests for agents missing from the roster.
func (h *Handler) knownAgent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := h.deps.Roster.Get(chi.URLParam(r, "id")); !ok {
			writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Roster.List())
}

func (h *Handler) createAgent(w http.ResponseWriter, r *http.Request) {
	var p agent.Persona
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a, err := h.deps.Roster.Add(p)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.deps.Agents != nil {
		if err := h.deps.Agents.SaveAgent(r.Context(), a); err != nil {
			h.fail(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	a, _ := h.deps.Roster.Get(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, a)
}

// now returns the ?at= instant, falling back to world time.
func (h *Handler) now(r *http.Request) (time.Time, error) {
	if at := r.URL.Query().Get("at"); at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return time.Time{}, err
		}
		return t.UTC(), nil
	}
	if h.deps.Clock != nil {
		return h.deps.Clock.WorldTime(), nil
	}
	return time.Now().UTC(), nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

// fail maps domain errors onto status codes.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, memory.ErrNotFound),
		errors.Is(err, planning.ErrPlanNotFound),
		errors.Is(err, planning.ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, memory.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, oracle.ErrOracleTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, oracle.ErrOracleMalformedResponse):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
