package table

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowbase/flowbase/block"
	"github.com/flowbase/flowbase/block/serialize"
)

func newTestPool(t *testing.T) *block.Pool {
	t.Helper()
	pool, err := block.NewPool(block.Options{RAMBudget: 1 << 16, ScratchDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

type testIntCodec struct{}

func (testIntCodec) Append(buf []byte, v int) []byte {
	return serialize.Fixed64{}.Append(buf, uint64(v))
}

func (testIntCodec) Get(buf []byte) (int, int, error) {
	u, n, err := (serialize.Fixed64{}).Get(buf)
	return int(u), n, err
}

func TestPostTableSpillAndFlush(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t)
	codec := PairCodec[string, int](serialize.String{}, testIntCodec{}, false)

	post := NewPostTable[string, int](pool, PostTableOptions{
		NumFrames:         4,
		MaxFrameFillRate:  0.01, // force a spill almost immediately
		MaxBlocksPerTable: 4,    // gives frameOverFillRate's capacity hint a small denominator
		BlockSize:         64,
	}, func(v int) string { return "" }, func(a, b int) int { return a + b }, ByHashKey[string]{
		Hash: func(k string) uint64 {
			var h uint64
			for _, c := range k {
				h = h*31 + uint64(c)
			}
			return h
		},
	}, codec)

	// Insert enough distinct keys to force at least one frame to spill.
	for i := 0; i < 200; i++ {
		k := key(i)
		require.NoError(t, post.InsertKV(ctx, k, 1))
		require.NoError(t, post.InsertKV(ctx, k, 1)) // collide, should reduce to 2
	}
	require.True(t, post.SpilledFrames() > 0, "expected at least one frame to spill under a tiny fill rate")

	got := map[string]int{}
	require.NoError(t, post.Flush(ctx, func(ctx context.Context, k string, v int) error {
		got[k] = v
		return nil
	}))

	require.Len(t, got, 200)
	for i := 0; i < 200; i++ {
		require.Equal(t, 2, got[key(i)], "key %d", i)
	}
	require.Equal(t, uint(0), post.SpilledFrames(), "Flush should clear every spilled frame's state")
}

func key(i int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz"
	return string(alphabet[i%26]) + string(alphabet[(i/26)%26]) + string(rune('0'+i%10))
}
