package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nidhogg/simulacra/internal/lineage"
)

func (h *Handler) lineageQuery(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string) ([]*lineage.Node, error)) {
	if h.deps.Lineage == nil {
		writeError(w, http.StatusServiceUnavailable, "lineage graph not configured")
		return
	}
	nodes, err := fn(r.Context(), chi.URLParam(r, "memoryID"))
	if err != nil {
		h.fail(w, err)
		return
	}
	if nodes == nil {
		nodes = []*lineage.Node{}
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (h *Handler) memorySources(w http.ResponseWriter, r *http.Request) {
	h.lineageQuery(w, r, func(ctx context.Context, id string) ([]*lineage.Node, error) {
		return h.deps.Lineage.Sources(ctx, id)
	})
}

func (h *Handler) memoryDerived(w http.ResponseWriter, r *http.Request) {
	h.lineageQuery(w, r, func(ctx context.Context, id string) ([]*lineage.Node, error) {
		return h.deps.Lineage.Derived(ctx, id)
	})
}

func (h *Handler) memoryAncestry(w http.ResponseWriter, r *http.Request) {
	depth, err := queryInt(r, "depth", lineage.MaxDepth)
	if err != nil {
		writeError(w, http.StatusBadRequest, "depth must be an integer")
		return
	}
	h.lineageQuery(w, r, func(ctx context.Context, id string) ([]*lineage.Node, error) {
		return h.deps.Lineage.Ancestry(ctx, id, depth)
	})
}

func (h *Handler) worldStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"agent_count": len(h.deps.Roster.IDs()),
		"agents":      h.deps.Roster.IDs(),
	}
	if h.deps.Clock != nil {
		status["world_time"] = h.deps.Clock.WorldTime()
		status["step"] = h.deps.Clock.Step().String()
		status["running"] = h.deps.Clock.Running()
	}
	if h.deps.Driver != nil {
		status["last_tick"] = h.deps.Driver.Last()
	}
	writeJSON(w, http.StatusOK, status)
}

// worldTick advances the clock one step and drives every agent.
func (h *Handler) worldTick(w http.ResponseWriter, r *http.Request) {
	if h.deps.Clock == nil || h.deps.Driver == nil {
		writeError(w, http.StatusServiceUnavailable, "world driver not configured")
		return
	}
	if h.deps.Clock.Running() {
		writeError(w, http.StatusConflict, "world clock is running")
		return
	}
	report, err := h.deps.Driver.Tick(r.Context(), h.deps.Clock.Forward())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) worldStart(w http.ResponseWriter, r *http.Request) {
	if h.deps.Clock == nil {
		writeError(w, http.StatusServiceUnavailable, "world clock not configured")
		return
	}
	h.deps.Clock.Start(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusOK, map[string]interface{}{"running": true, "world_time": h.deps.Clock.WorldTime()})
}

func (h *Handler) worldStop(w http.ResponseWriter, r *http.Request) {
	if h.deps.Clock == nil {
		writeError(w, http.StatusServiceUnavailable, "world clock not configured")
		return
	}
	h.deps.Clock.Stop()
	writeJSON(w, http.StatusOK, map[string]interface{}{"running": false, "world_time": h.deps.Clock.WorldTime()})
}
