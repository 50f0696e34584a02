//go:build integration

package vectorstore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/nidhogg/simulacra/internal/memory"
)

var testClient *Client

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()
	container, err := testcontainers.Run(ctx, "qdrant/qdrant:v1.13.4",
		testcontainers.WithExposedPorts("6334/tcp"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("6334/tcp")),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "start qdrant: %v\n", err)
		return 1
	}
	defer container.Terminate(ctx)

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "qdrant host: %v\n", err)
		return 1
	}
	port, err := container.MappedPort(ctx, "6334/tcp")
	if err != nil {
		fmt.Fprintf(os.Stderr, "qdrant port: %v\n", err)
		return 1
	}
	testClient, err = NewClient(QdrantConfig{Host: host, Port: port.Int()})
	if err != nil {
		fmt.Fprintf(os.Stderr, "qdrant client: %v\n", err)
		return 1
	}
	defer testClient.Close()
	return m.Run()
}

func newQdrantIndex(t *testing.T) *QdrantIndex {
	t.Helper()
	idx, err := NewQdrantIndex(context.Background(), testClient, "memories_"+t.Name(), 3, zap.NewNop())
	require.NoError(t, err)
	return idx
}

func TestQdrantIndex_Search(t *testing.T) {
	idx := newQdrantIndex(t)
	seed(t, idx)
	ctx := context.Background()

	hits, err := idx.Search(ctx, "alice", []float32{1, 0, 0}, 2, memory.Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "11111111-1111-1111-1111-111111111111", hits[0].ID)
	assert.Equal(t, "22222222-2222-2222-2222-222222222222", hits[1].ID)

	hits, err = idx.Search(ctx, "alice", []float32{1, 0, 0}, 10, memory.Filter{ExcludeKinds: []memory.Kind{memory.KindObservation}})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "22222222-2222-2222-2222-222222222222", hits[0].ID)

	hits, err = idx.Search(ctx, "alice", []float32{1, 0, 0}, 10, memory.Filter{Since: t0.Add(90 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "33333333-3333-3333-3333-333333333333", hits[0].ID)
}

func TestQdrantIndex_FetchAndDelete(t *testing.T) {
	idx := newQdrantIndex(t)
	seed(t, idx)
	ctx := context.Background()

	ids, err := idx.IDs(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, ids, 3)

	m, err := idx.Fetch(ctx, "alice", "22222222-2222-2222-2222-222222222222")
	require.NoError(t, err)
	assert.Equal(t, "brewed coffee", m.Content)
	assert.Equal(t, memory.KindAction, m.Kind)
	assert.Len(t, m.Vector, 3)

	_, err = idx.Fetch(ctx, "alice", "55555555-5555-5555-5555-555555555555")
	assert.ErrorIs(t, err, memory.ErrNotFound)

	require.NoError(t, idx.Delete(ctx, "alice", "22222222-2222-2222-2222-222222222222"))
	ids, err = idx.IDs(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}
