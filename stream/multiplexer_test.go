package stream

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowbase/flowbase/block"
	"github.com/flowbase/flowbase/group/mock"
)

func newTestPool(t *testing.T) *block.Pool {
	t.Helper()
	pool, err := block.NewPool(block.Options{
		RAMBudget:  1 << 20,
		ScratchDir: t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool
}

func sealedRef(t *testing.T, pool *block.Pool, data []byte) *block.Ref {
	t.Helper()
	r, err := pool.AllocatePinnedBlock(context.Background(), len(data))
	require.NoError(t, err)
	require.True(t, r.Append(data))
	r.Seal()
	return r
}

// TestMultiplexerRoutesByLocalTargetWorker exercises a host running
// two local workers sharing one Multiplexer: a block addressed to
// local worker 0 must never show up on local worker 1's sub-queue,
// even though both are fed by the same source worker on the same
// stream id.
func TestMultiplexerRoutesByLocalTargetWorker(t *testing.T) {
	grp := mock.New(1)
	pool := newTestPool(t)
	mux := NewMultiplexer(grp[0], pool, 0, 2)

	id := mux.AllocateStreamID(0)
	mux.Register(id, 1)

	ctx := context.Background()
	require.NoError(t, mux.Send(ctx, id, 0, 0, sealedRef(t, pool, []byte("for-worker-0")), true))
	require.NoError(t, mux.Send(ctx, id, 0, 1, sealedRef(t, pool, []byte("for-worker-1")), true))

	q0 := mux.SubQueue(id, 0, 0)
	ref0, ok, err := q0.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("for-worker-0"), ref0.Bytes())
	_, ok, err = q0.Next(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	q1 := mux.SubQueue(id, 0, 1)
	ref1, ok, err := q1.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("for-worker-1"), ref1.Bytes())
	_, ok, err = q1.Next(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

// TestCatStreamIsolatesLocalWorkers verifies the same isolation at the
// CatStream level used by ReduceByKey/GroupBy/Repartition: two local
// CatStream readers sharing a Multiplexer must each see only the
// blocks addressed to them.
func TestCatStreamIsolatesLocalWorkers(t *testing.T) {
	grp := mock.New(1)
	pool := newTestPool(t)
	mux := NewMultiplexer(grp[0], pool, 0, 2)

	id := mux.AllocateStreamID(0)
	catA := NewCatStreamWithID(mux, id, 0, 1)
	catB := NewCatStreamWithID(mux, id, 1, 1)

	ctx := context.Background()
	wA := catA.Writer(0, 0)
	require.NoError(t, wA.Put(ctx, sealedRef(t, pool, []byte("a"))))
	require.NoError(t, wA.Close(ctx))

	wB := catB.Writer(0, 1)
	require.NoError(t, wB.Put(ctx, sealedRef(t, pool, []byte("b"))))
	require.NoError(t, wB.Close(ctx))

	refA, ok, err := catA.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("a"), refA.Bytes())
	_, ok, err = catA.Next(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	refB, ok, err := catB.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("b"), refB.Bytes())
	_, ok, err = catB.Next(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}
