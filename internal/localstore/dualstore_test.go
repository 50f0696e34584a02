package localstore

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/simulacra/internal/memory"
	"github.com/nidhogg/simulacra/internal/retrieval"
	"github.com/nidhogg/simulacra/internal/vectorstore"
)

type flakyEmbedder struct{ down atomic.Bool }

func (e *flakyEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.down.Load() {
		return nil, errors.New("embedder offline")
	}
	return []float32{float32(len(text)), 1, 0.5}, nil
}

func (*flakyEmbedder) Dimension() int { return 3 }

func TestDualStore_HalfWrittenMemoryNotRetrieved(t *testing.T) {
	ctx := context.Background()
	emb := &flakyEmbedder{}
	emb.down.Store(true)
	index := vectorstore.NewChromemIndex()
	mem := memory.NewStore(openTest(t), index, emb, zap.NewNop())
	engine := retrieval.New(mem, emb, retrieval.DefaultSettings(), zap.NewNop())

	id, err := mem.Append(ctx, &memory.Memory{OwnerID: "alice", Kind: memory.KindObservation, Content: "the bakery is on fire", Importance: 9})
	require.NoError(t, err)
	require.True(t, mem.Pending("alice"))

	got, err := engine.Retrieve(ctx, "alice", "fire", 5, memory.Filter{})
	require.NoError(t, err)
	assert.Empty(t, got)
	q, err := mem.Quarantined(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, q)

	emb.down.Store(false)
	got, err = engine.Retrieve(ctx, "alice", "fire", 5, memory.Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].Memory.ID)
	assert.False(t, mem.Pending("alice"))
	ids, err := index.IDs(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids)
}
