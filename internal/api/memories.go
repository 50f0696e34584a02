package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nidhogg/simulacra/internal/cognition"
	"github.com/nidhogg/simulacra/internal/memory"
	"github.com/nidhogg/simulacra/internal/retrieval"
)

const (
	defaultMemoryLimit = 50
	maxMemoryLimit     = 500
)

func parseKinds(v string) ([]memory.Kind, error) {
	if v == "" {
		return nil, nil
	}
	var kinds []memory.Kind
	for _, part := range strings.Split(v, ",") {
		k, err := memory.ParseKind(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

// parseFilter reads kind, exclude, min_importance, since and until.
func parseFilter(r *http.Request) (memory.Filter, error) {
	q := r.URL.Query()
	var (
		f   memory.Filter
		err error
	)
	if f.Kinds, err = parseKinds(q.Get("kind")); err != nil {
		return f, err
	}
	if f.ExcludeKinds, err = parseKinds(q.Get("exclude")); err != nil {
		return f, err
	}
	if v := q.Get("min_importance"); v != "" {
		if f.MinImportance, err = strconv.ParseFloat(v, 64); err != nil {
			return f, fmt.Errorf("min_importance: %w", err)
		}
	}
	if f.Since, err = parseTime(q.Get("since")); err != nil {
		return f, fmt.Errorf("since: %w", err)
	}
	if f.Until, err = parseTime(q.Get("until")); err != nil {
		return f, fmt.Errorf("until: %w", err)
	}
	return f, nil
}

func (h *Handler) listMemories(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	order, err := memory.ParseOrder(r.URL.Query().Get("order"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", defaultMemoryLimit)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	limit = min(limit, maxMemoryLimit)

	mems, err := h.deps.Memories.Query(r.Context(), id, f, order, limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	if mems == nil {
		mems = []*memory.Memory{}
	}
	writeJSON(w, http.StatusOK, mems)
}

func (h *Handler) getMemory(w http.ResponseWriter, r *http.Request) {
	m, err := h.deps.Memories.Get(r.Context(), chi.URLParam(r, "memoryID"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) memoryStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.deps.Memories.Stats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) listQuarantine(w http.ResponseWriter, r *http.Request) {
	q, err := h.deps.Memories.Quarantined(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	if q == nil {
		q = []memory.Quarantined{}
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.deps.Memories.Reconcile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type recordRequest struct {
	Kind       string            `json:"kind"`
	Content    string            `json:"content"`
	Importance *float64          `json:"importance,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	At         *time.Time        `json:"at,omitempty"`
}

func (h *Handler) recordMemory(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	kind, err := memory.ParseKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	at, err := h.now(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.At != nil {
		at = req.At.UTC()
	}

	m, err := h.deps.Cognition.Record(r.Context(), chi.URLParam(r, "id"), cognition.Observation{
		Kind:       kind,
		Content:    req.Content,
		Importance: req.Importance,
		Metadata:   req.Metadata,
		At:         at,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

type retrieveRequest struct {
	Query         string   `json:"query"`
	K             int      `json:"k"`
	Kinds         []string `json:"kinds,omitempty"`
	ExcludeKinds  []string `json:"exclude_kinds,omitempty"`
	MinImportance float64  `json:"min_importance,omitempty"`
}

func (h *Handler) retrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.K <= 0 {
		req.K = 10
	}
	kinds, err := parseKinds(strings.Join(req.Kinds, ","))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	exclude, err := parseKinds(strings.Join(req.ExcludeKinds, ","))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	now, err := h.now(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	f := memory.Filter{Kinds: kinds, ExcludeKinds: exclude, MinImportance: req.MinImportance}
	results, err := h.deps.Cognition.Retrieve(r.Context(), chi.URLParam(r, "id"), req.Query, req.K, f, now)
	if err != nil {
		h.fail(w, err)
		return
	}
	if results == nil {
		results = []retrieval.Result{}
	}
	writeJSON(w, http.StatusOK, results)
}
