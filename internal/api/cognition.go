package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nidhogg/simulacra/internal/cognition"
	"github.com/nidhogg/simulacra/internal/planning"
)

type planResponse struct {
	Plan         *planning.Plan      `json:"plan"`
	At           time.Time           `json:"at"`
	CurrentBlock *planning.TimeBlock `json:"current_block,omitempty"`
	CurrentTask  *planning.Task      `json:"current_task,omitempty"`
}

// getPlan returns the active plan and what it says to do at now. An agent
// without a plan gets 404.
func (h *Handler) getPlan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	now, err := h.now(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := h.deps.Plans.ActivePlan(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "no active plan")
		return
	}
	writeJSON(w, http.StatusOK, planResponse{
		Plan:         p,
		At:           now,
		CurrentBlock: p.CurrentBlock(now),
		CurrentTask:  p.CurrentTask(now),
	})
}

func (h *Handler) listPlans(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	plans, err := h.deps.Plans.ListPlans(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	if plans == nil {
		plans = []*planning.Plan{}
	}
	writeJSON(w, http.StatusOK, plans)
}

type taskStatusRequest struct {
	Status planning.TaskStatus `json:"status"`
}

func (h *Handler) setTaskStatus(w http.ResponseWriter, r *http.Request) {
	block, err1 := strconv.Atoi(chi.URLParam(r, "block"))
	task, err2 := strconv.Atoi(chi.URLParam(r, "task"))
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "block and task must be integers")
		return
	}
	var req taskStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown task status")
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.deps.Cognition.SetTaskStatus(r.Context(), id, block, task, req.Status); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent_id": id,
		"block":    block,
		"task":     task,
		"status":   req.Status,
	})
}

func (h *Handler) getState(w http.ResponseWriter, r *http.Request) {
	st, err := h.deps.Cognition.Snapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// process runs one cycle. A partial failure still returns the report with
// the error attached.
func (h *Handler) process(w http.ResponseWriter, r *http.Request) {
	now, err := h.now(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report, err := h.deps.Cognition.Process(r.Context(), chi.URLParam(r, "id"), now)
	var cycleErr *cognition.CycleError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, report)
	case errors.As(err, &cycleErr) && report != nil:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"report": report,
			"error":  err.Error(),
		})
	default:
		h.fail(w, err)
	}
}

func (h *Handler) agentEvents(w http.ResponseWriter, r *http.Request) {
	if h.deps.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	evs, err := h.deps.Events.Recent(r.Context(), chi.URLParam(r, "id"), int64(limit))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, evs)
}

// streamEvents relays the agent's events as server-sent events until the
// client disconnects. Last-Event-ID or ?from= resumes after a stream id;
// otherwise only new events are sent.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	if h.deps.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	from := r.Header.Get("Last-Event-ID")
	if from == "" {
		from = r.URL.Query().Get("from")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range h.deps.Events.Subscribe(r.Context(), chi.URLParam(r, "id"), from) {
		data, err := json.Marshal(ev)
		if err != nil {
			h.logger.Warn("encode event", zap.String("id", ev.StreamID), zap.Error(err))
			continue
		}
		if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.StreamID, ev.Type, data); err != nil {
			return
		}
		flusher.Flush()
	}
}
