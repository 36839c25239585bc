package block

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeBlock allocates a pinned block, fills it with data, seals it,
// and drops it to pinCount 0 so it becomes eviction-eligible.
func writeBlock(t *testing.T, pool *Pool, data []byte) *Ref {
	t.Helper()
	r, err := pool.AllocatePinnedBlock(context.Background(), len(data))
	require.NoError(t, err)
	require.True(t, r.Append(data))
	r.Seal()
	pool.DecPin(r)
	return r
}

func TestPoolEvictAndRepinRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		compress := compress
		t.Run(map[bool]string{false: "uncompressed", true: "compressed"}[compress], func(t *testing.T) {
			pool, err := NewPool(Options{
				RAMBudget:       256,
				ScratchDir:      t.TempDir(),
				CompressScratch: compress,
			})
			require.NoError(t, err)
			defer pool.Close()

			payloads := [][]byte{
				bytes.Repeat([]byte("a"), 200),
				bytes.Repeat([]byte("b"), 200),
				bytes.Repeat([]byte("c"), 200),
			}
			refs := make([]*Ref, len(payloads))
			for i, p := range payloads {
				// Forces eviction of earlier blocks, since 256-byte
				// RAMBudget can't hold more than one 200-byte block
				// pinned at a time.
				refs[i] = writeBlock(t, pool, p)
			}

			for i, want := range payloads {
				fut := pool.PinFromDisk(context.Background(), refs[i])
				got, err := fut.Wait(context.Background())
				require.NoError(t, err)
				require.Equal(t, want, got.Bytes())
				pool.DecPin(got)
			}
		})
	}
}
