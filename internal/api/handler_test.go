package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/simulacra/internal/agent"
	"github.com/nidhogg/simulacra/internal/cognition"
	"github.com/nidhogg/simulacra/internal/events"
	"github.com/nidhogg/simulacra/internal/lineage"
	"github.com/nidhogg/simulacra/internal/localstore"
	"github.com/nidhogg/simulacra/internal/memory"
	"github.com/nidhogg/simulacra/internal/oracle"
	"github.com/nidhogg/simulacra/internal/planning"
	"github.com/nidhogg/simulacra/internal/reflection"
	"github.com/nidhogg/simulacra/internal/retrieval"
	"github.com/nidhogg/simulacra/internal/vectorstore"
	"github.com/nidhogg/simulacra/internal/world"
)

type hashEmbedder struct{}

func (hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, 8)
	v[0] = 0.1
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(w))
		v[1+h.Sum32()%7]++
	}
	return v, nil
}

func (hashEmbedder) Dimension() int { return 8 }

var cannedOracle = oracle.ReasonFunc(func(_ context.Context, p oracle.Prompt) (string, error) {
	switch {
	case strings.Contains(p.User, "single integer"):
		return "4", nil
	case strings.Contains(p.User, "numbered list"):
		return "1. The bakery is busy in the mornings.\n2. I enjoy talking to regulars.\n3. I should order more flour.", nil
	case strings.Contains(p.User, "GOAL:"):
		return "GOAL: bake bread\nMORNING: 08:00-12:00\nActivity: Bake\nTasks:\n- knead dough (60m)\n- shape loaves (60m)\nAFTERNOON: 13:00-16:00\nActivity: Sell bread", nil
	}
	return "", fmt.Errorf("unexpected prompt")
})

type fakeLineage struct{}

func (fakeLineage) Sources(_ context.Context, id string) ([]*lineage.Node, error) {
	return []*lineage.Node{{ID: id + "-src", Depth: 1}}, nil
}

func (fakeLineage) Derived(context.Context, string) ([]*lineage.Node, error) { return nil, nil }

func (fakeLineage) Ancestry(_ context.Context, id string, depth int) ([]*lineage.Node, error) {
	return []*lineage.Node{{ID: id, Depth: depth}}, nil
}

var worldStart = time.Date(2024, 5, 6, 7, 0, 0, 0, time.UTC)

// newTestServer wires the full cognitive stack over SQLite, chromem and an
// in-process Redis.
func newTestServer(t *testing.T) (*httptest.Server, *Handler) {
	t.Helper()
	logger := zap.NewNop()
	ctx := context.Background()

	local, err := localstore.Open(ctx, filepath.Join(t.TempDir(), "api.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })
	mem := memory.NewStore(local, vectorstore.NewChromemIndex(), hashEmbedder{}, logger)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	bus := events.New(rdb, "api:events", logger)

	roster := agent.NewRoster()
	_, err = roster.Add(agent.Persona{Name: "Mei", Occupation: "baker"})
	require.NoError(t, err)

	orch := cognition.NewOrchestrator(cognition.Deps{
		Memories:  mem,
		States:    local,
		Plans:     local,
		Retrieval: retrieval.New(mem, hashEmbedder{}, retrieval.DefaultSettings(), logger),
		Planner:   planning.NewBuilder(local, mem, cannedOracle, planning.DefaultSettings(), logger),
		Reflector: reflection.NewSynthesizer(mem, cannedOracle, reflection.DefaultSettings(), logger),
		Scorer:    cognition.NewScorer(cannedOracle, 0.3, 5, logger),
		Observers: []cognition.Observer{bus},
	}, reflection.DefaultSettings(), logger)

	clock := world.NewClock(worldStart, 30*time.Minute, time.Hour, logger)
	driver := world.NewDriver(orch, roster.IDs, 2, time.Second, logger)

	h := NewHandler(Deps{
		Roster:    roster,
		Cognition: orch,
		Memories:  mem,
		Plans:     local,
		Clock:     clock,
		Driver:    driver,
		Events:    bus,
		Lineage:   fakeLineage{},
	}, logger)
	ts := httptest.NewServer(h.Router())
	t.Cleanup(ts.Close)
	return ts, h
}

func do(t *testing.T, method, url string, body interface{}) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealthCheck(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := do(t, http.MethodGet, ts.URL+"/api/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	decodeJSON(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestAgents(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := do(t, http.MethodPost, ts.URL+"/api/agents", map[string]interface{}{"name": "Tom Oak", "age": 40})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var a agent.Agent
	decodeJSON(t, resp, &a)
	assert.Equal(t, "tom_oak", a.Persona.ID)

	resp = do(t, http.MethodGet, ts.URL+"/api/agents", nil)
	var list []agent.Agent
	decodeJSON(t, resp, &list)
	assert.Len(t, list, 2)

	resp = do(t, http.MethodGet, ts.URL+"/api/agents/tom_oak", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = do(t, http.MethodGet, ts.URL+"/api/agents/nobody/state", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = do(t, http.MethodPost, ts.URL+"/api/agents", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestRecordAndQueryMemories(t *testing.T) {
	ts, _ := newTestServer(t)
	base := ts.URL + "/api/agents/mei"

	imp := 7.0
	resp := do(t, http.MethodPost, base+"/memories", map[string]interface{}{
		"kind": "observation", "content": "the oven is broken", "importance": imp,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var first memory.Memory
	decodeJSON(t, resp, &first)
	assert.Equal(t, 7.0, first.Importance)
	assert.True(t, first.CreatedAt.Equal(worldStart), "defaults to world time")

	resp = do(t, http.MethodPost, base+"/memories", map[string]interface{}{
		"kind": "action", "content": "called the repair man", "at": worldStart.Add(time.Minute),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var second memory.Memory
	decodeJSON(t, resp, &second)
	// 0.3 * heuristic + 0.7 * 4
	assert.Greater(t, second.Importance, 3.0)

	resp = do(t, http.MethodGet, base+"/memories?order=oldest", nil)
	var mems []memory.Memory
	decodeJSON(t, resp, &mems)
	require.Len(t, mems, 2)
	assert.Equal(t, first.ID, mems[0].ID)

	resp = do(t, http.MethodGet, base+"/memories?kind=action", nil)
	decodeJSON(t, resp, &mems)
	require.Len(t, mems, 1)
	assert.Equal(t, second.ID, mems[0].ID)

	resp = do(t, http.MethodGet, base+"/memories?min_importance=6.5", nil)
	decodeJSON(t, resp, &mems)
	require.Len(t, mems, 1)
	assert.Equal(t, first.ID, mems[0].ID)

	resp = do(t, http.MethodGet, ts.URL+"/api/memories/"+first.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got memory.Memory
	decodeJSON(t, resp, &got)
	assert.Equal(t, "the oven is broken", got.Content)

	resp = do(t, http.MethodGet, base+"/memories/stats", nil)
	var st memory.Stats
	decodeJSON(t, resp, &st)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.ByKind[memory.KindAction])

	resp = do(t, http.MethodGet, base+"/events", nil)
	var evs []events.Event
	decodeJSON(t, resp, &evs)
	require.Len(t, evs, 2)
	assert.Equal(t, events.TypeMemoryRecorded, evs[0].Type)

	resp = do(t, http.MethodPost, base+"/retrieve", map[string]interface{}{"query": "oven broken", "k": 1})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var results []retrieval.Result
	decodeJSON(t, resp, &results)
	require.Len(t, results, 1)
	assert.Equal(t, first.ID, results[0].Memory.ID)

	resp = do(t, http.MethodPost, base+"/memories/reconcile", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rep memory.ReconcileReport
	decodeJSON(t, resp, &rep)
	assert.Zero(t, rep.Changes())
}

func TestStreamEvents(t *testing.T) {
	ts, _ := newTestServer(t)
	base := ts.URL + "/api/agents/mei"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/events/stream?from=0", nil)
	require.NoError(t, err)
	stream, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()
	require.Equal(t, http.StatusOK, stream.StatusCode)
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	resp := do(t, http.MethodPost, base+"/memories", map[string]interface{}{
		"kind": "observation", "content": "the flour delivery arrived", "importance": 4.0,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	var id, name, data string
	sc := bufio.NewScanner(stream.Body)
	for sc.Scan() {
		line := sc.Text()
		if line == "" && data != "" {
			break
		}
		switch {
		case strings.HasPrefix(line, "id: "):
			id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	require.NotEmpty(t, data, "stream closed: %v", sc.Err())
	assert.NotEmpty(t, id)
	assert.Equal(t, string(events.TypeMemoryRecorded), name)
	var ev events.Event
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, "mei", ev.AgentID)
	assert.Equal(t, id, ev.StreamID)

	resp = do(t, http.MethodGet, ts.URL+"/api/agents/nobody/events/stream", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMemoryErrors(t *testing.T) {
	ts, _ := newTestServer(t)
	base := ts.URL + "/api/agents/mei"

	cases := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"reflection rejected", http.MethodPost, "/memories", map[string]string{"kind": "reflection", "content": "deep thought"}, http.StatusBadRequest},
		{"unknown kind", http.MethodPost, "/memories", map[string]string{"kind": "dream", "content": "x"}, http.StatusBadRequest},
		{"empty content", http.MethodPost, "/memories", map[string]string{"kind": "action"}, http.StatusBadRequest},
		{"bad order", http.MethodGet, "/memories?order=random", nil, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/memories?limit=0", nil, http.StatusBadRequest},
		{"bad since", http.MethodGet, "/memories?since=yesterday", nil, http.StatusBadRequest},
		{"no plan", http.MethodGet, "/plan", nil, http.StatusNotFound},
		{"task without plan", http.MethodPut, "/plan/blocks/0/tasks/0", map[string]string{"status": "done"}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := do(t, tc.method, base+tc.path, tc.body)
			defer resp.Body.Close()
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}

	resp := do(t, http.MethodGet, ts.URL+"/api/memories/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestProcessPlanAndTasks(t *testing.T) {
	ts, _ := newTestServer(t)
	base := ts.URL + "/api/agents/mei"
	at := "2024-05-06T08:30:00Z"

	resp := do(t, http.MethodPost, base+"/process?at="+at, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report cognition.CycleReport
	decodeJSON(t, resp, &report)
	assert.Equal(t, planning.ReasonNoPlan, report.PlanReason)
	require.NotNil(t, report.Task)
	assert.Equal(t, "knead dough", report.Task.Description)

	resp = do(t, http.MethodGet, base+"/plan?at="+at, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pr planResponse
	decodeJSON(t, resp, &pr)
	require.NotNil(t, pr.CurrentBlock)
	assert.Equal(t, "Bake", pr.CurrentBlock.Activity)
	assert.Equal(t, []string{"bake bread"}, pr.Plan.Goals)

	resp = do(t, http.MethodPut, base+"/plan/blocks/0/tasks/0", map[string]string{"status": "done"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = do(t, http.MethodGet, base+"/plan?at="+at, nil)
	var after planResponse
	decodeJSON(t, resp, &after)
	require.NotNil(t, after.CurrentTask)
	assert.Equal(t, "shape loaves", after.CurrentTask.Description)

	resp = do(t, http.MethodGet, base+"/plan?at=2024-05-06T12:30:00Z", nil)
	var gap planResponse
	decodeJSON(t, resp, &gap)
	assert.Nil(t, gap.CurrentTask, "gap between blocks")

	resp = do(t, http.MethodPut, base+"/plan/blocks/9/tasks/0", map[string]string{"status": "done"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = do(t, http.MethodPut, base+"/plan/blocks/0/tasks/0", map[string]string{"status": "maybe"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = do(t, http.MethodGet, base+"/plans", nil)
	var plans []planning.Plan
	decodeJSON(t, resp, &plans)
	assert.Len(t, plans, 1)

	resp = do(t, http.MethodGet, base+"/state", nil)
	var st cognition.State
	decodeJSON(t, resp, &st)
	assert.Equal(t, report.Plan.ID, st.CurrentPlanID)
}

func TestLineageRoutes(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := do(t, http.MethodGet, ts.URL+"/api/memories/r1/sources", nil)
	var nodes []lineage.Node
	decodeJSON(t, resp, &nodes)
	require.Len(t, nodes, 1)
	assert.Equal(t, "r1-src", nodes[0].ID)

	resp = do(t, http.MethodGet, ts.URL+"/api/memories/r1/derived", nil)
	decodeJSON(t, resp, &nodes)
	assert.Empty(t, nodes)

	resp = do(t, http.MethodGet, ts.URL+"/api/memories/r1/ancestry?depth=2", nil)
	decodeJSON(t, resp, &nodes)
	require.Len(t, nodes, 1)
	assert.Equal(t, 2, nodes[0].Depth)
}

func TestWorldTick(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := do(t, http.MethodPost, ts.URL+"/api/world/tick", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report world.TickReport
	decodeJSON(t, resp, &report)
	assert.True(t, report.At.Equal(worldStart.Add(30*time.Minute)))
	require.Len(t, report.Cycles, 1)
	assert.Equal(t, "mei", report.Cycles[0].AgentID)
	assert.NotNil(t, report.Cycles[0].Plan)

	resp = do(t, http.MethodGet, ts.URL+"/api/world/status", nil)
	var status map[string]interface{}
	decodeJSON(t, resp, &status)
	assert.Equal(t, float64(1), status["agent_count"])
	assert.Equal(t, false, status["running"])
	assert.NotNil(t, status["last_tick"])
}
