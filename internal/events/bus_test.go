package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nidhogg/simulacra/internal/memory"
	"github.com/nidhogg/simulacra/internal/planning"
	"github.com/nidhogg/simulacra/internal/reflection"
)

var fixed = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestBus(t *testing.T) (*Bus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	b := New(rdb, "test:events", zap.NewNop())
	b.now = func() time.Time { return fixed }
	return b, mr
}

func TestDialRejectsBadURL(t *testing.T) {
	_, err := Dial(context.Background(), "not a url", "s", zap.NewNop())
	require.Error(t, err)
}

func TestObserverEventsLandOnStream(t *testing.T) {
	ctx := context.Background()
	b, mr := newTestBus(t)

	m := &memory.Memory{ID: "m1", OwnerID: "ada", Kind: memory.KindObservation, Importance: 6, Content: "saw a fox", Vector: []float32{1, 2}}
	require.NoError(t, b.MemoryRecorded(ctx, m))

	p := &planning.Plan{ID: "p1", OwnerID: "ada", ForDate: fixed, Goals: []string{"write"}, Blocks: make([]planning.TimeBlock, 3)}
	require.NoError(t, b.PlanCreated(ctx, p, planning.ReasonStale))

	out := &reflection.Outcome{
		Candidates:  []*memory.Memory{{ID: "c1"}, {ID: "c2"}},
		Reflections: []*memory.Memory{{ID: "r1"}},
	}
	require.NoError(t, b.ReflectionsWritten(ctx, "ada", out))

	entries, err := mr.Stream("test:events")
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	events, err := b.Recent(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, TypeReflectionsWritten, events[0].Type)
	assert.Equal(t, TypePlanCreated, events[1].Type)
	assert.Equal(t, TypeMemoryRecorded, events[2].Type)
	assert.NotEmpty(t, events[0].StreamID)
	assert.True(t, events[2].At.Equal(fixed))

	var mp MemoryPayload
	require.NoError(t, json.Unmarshal(events[2].Payload, &mp))
	assert.Equal(t, "m1", mp.ID)
	assert.Equal(t, 6.0, mp.Importance)
	assert.NotContains(t, string(events[2].Payload), "vector")

	var pp PlanPayload
	require.NoError(t, json.Unmarshal(events[1].Payload, &pp))
	assert.Equal(t, planning.ReasonStale, pp.Reason)
	assert.Equal(t, "2024-03-01", pp.ForDate)
	assert.Equal(t, 3, pp.Blocks)

	var rp ReflectionPayload
	require.NoError(t, json.Unmarshal(events[0].Payload, &rp))
	assert.Equal(t, []string{"r1"}, rp.Reflections)
	assert.Equal(t, []string{"c1", "c2"}, rp.Candidates)
}

func TestEmptyReflectionPublishesNothing(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBus(t)

	require.NoError(t, b.ReflectionsWritten(ctx, "ada", &reflection.Outcome{}))
	require.NoError(t, b.ReflectionsWritten(ctx, "ada", nil))

	events, err := b.Recent(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRecentFiltersByAgent(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBus(t)

	for _, owner := range []string{"ada", "bob", "ada"} {
		require.NoError(t, b.MemoryRecorded(ctx, &memory.Memory{ID: owner, OwnerID: owner, Kind: memory.KindAction}))
	}

	events, err := b.Recent(ctx, "bob", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "bob", events[0].AgentID)
}

func TestSubscribeFromStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b, _ := newTestBus(t)

	require.NoError(t, b.MemoryRecorded(ctx, &memory.Memory{ID: "m1", OwnerID: "ada", Kind: memory.KindAction}))
	require.NoError(t, b.MemoryRecorded(ctx, &memory.Memory{ID: "m2", OwnerID: "ada", Kind: memory.KindAction}))

	ch := b.Subscribe(ctx, "", "0")
	var got []string
	timeout := time.After(3 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-ch:
			require.NotNil(t, ev)
			var mp MemoryPayload
			require.NoError(t, json.Unmarshal(ev.Payload, &mp))
			got = append(got, mp.ID)
		case <-timeout:
			t.Fatalf("timed out after %d events", len(got))
		}
	}
	assert.Equal(t, []string{"m1", "m2"}, got)
}

func TestSubscribeFiltersAgent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b, _ := newTestBus(t)

	for _, owner := range []string{"ada", "bob", "ada"} {
		require.NoError(t, b.MemoryRecorded(ctx, &memory.Memory{ID: owner, OwnerID: owner, Kind: memory.KindAction}))
	}
	require.NoError(t, b.MemoryRecorded(ctx, &memory.Memory{ID: "last", OwnerID: "bob", Kind: memory.KindAction}))

	ch := b.Subscribe(ctx, "bob", "0")
	var got []string
	for len(got) < 2 {
		select {
		case ev := <-ch:
			assert.Equal(t, "bob", ev.AgentID)
			var mp MemoryPayload
			require.NoError(t, json.Unmarshal(ev.Payload, &mp))
			got = append(got, mp.ID)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out after %d events", len(got))
		}
	}
	assert.Equal(t, []string{"bob", "last"}, got)
}

func TestSubscribeEndsWhenClientClosed(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	core, logs := observer.New(zapcore.WarnLevel)
	b := New(rdb, "test:events", zap.New(core))

	ch := b.Subscribe(context.Background(), "", "0")
	require.NoError(t, rdb.Close())

	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription still running after close")
	}
	assert.LessOrEqual(t, logs.Len(), 1)
}

func TestSubscribeBacksOffWhileRedisDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	core, logs := observer.New(zapcore.WarnLevel)
	b := New(rdb, "test:events", zap.New(core))

	require.NoError(t, b.MemoryRecorded(ctx, &memory.Memory{ID: "m1", OwnerID: "ada", Kind: memory.KindAction}))
	ch := b.Subscribe(ctx, "", "0")
	select {
	case ev := <-ch:
		require.NotNil(t, ev)
	case <-time.After(3 * time.Second):
		t.Fatal("no event before outage")
	}

	mr.Close()
	require.Eventually(t, func() bool { return logs.Len() > 0 }, 5*time.Second, 10*time.Millisecond)
	before := logs.Len()
	time.Sleep(500 * time.Millisecond)
	assert.LessOrEqual(t, logs.Len()-before, 6)

	require.NoError(t, mr.Restart())
	require.NoError(t, b.MemoryRecorded(ctx, &memory.Memory{ID: "m2", OwnerID: "ada", Kind: memory.KindAction}))
	select {
	case ev := <-ch:
		var mp MemoryPayload
		require.NoError(t, json.Unmarshal(ev.Payload, &mp))
		assert.Equal(t, "m2", mp.ID)
	case <-time.After(10 * time.Second):
		t.Fatal("subscription did not resume")
	}
}
