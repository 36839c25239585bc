package dia

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/flowbase/flowbase/block"
	"github.com/flowbase/flowbase/block/serialize"
	exectx "github.com/flowbase/flowbase/exec/context"
	"github.com/flowbase/flowbase/exec/graph"
	"github.com/flowbase/flowbase/group/mock"
	"github.com/flowbase/flowbase/internal/config"
	"github.com/flowbase/flowbase/stream"
)

// newWorkerContexts wires one exec/context.Context per mock group peer,
// each its own "host" (workersPerHost=1), matching the common
// deployment shape described in DESIGN.md's stream-id fix notes.
func newWorkerContexts(t *testing.T, n int) []*exectx.Context {
	t.Helper()
	cfg := config.Default()
	cfg.WorkersPerHost = 1
	cfg.Hostlist = make([]string, n)

	groups := mock.New(n)
	ectxs := make([]*exectx.Context, n)
	for i := 0; i < n; i++ {
		pool, err := block.NewPool(block.Options{RAMBudget: 1 << 20, ScratchDir: t.TempDir()})
		require.NoError(t, err)
		t.Cleanup(func() { _ = pool.Close() })
		mux := stream.NewMultiplexer(groups[i], pool, i, 1)
		t.Cleanup(func() { _ = mux.Close() })
		ectxs[i] = exectx.New(&cfg, i, 0, 1, pool, groups[i], mux)
	}
	return ectxs
}

// newMultiHostWorkerContexts wires hosts mock group peers, each
// running workersPerHost local worker Contexts that share one
// Multiplexer and one Pool — the shape that exercises the
// multiplexer's per-(sourceWorker, targetWorker) sub-queue routing
// (see DESIGN.md), unlike newWorkerContexts' one-worker-per-host
// shape where every target collapses onto local worker 0.
func newMultiHostWorkerContexts(t *testing.T, hosts, workersPerHost int) []*exectx.Context {
	t.Helper()
	cfg := config.Default()
	cfg.WorkersPerHost = workersPerHost
	cfg.Hostlist = make([]string, hosts)

	groups := mock.New(hosts)
	ectxs := make([]*exectx.Context, hosts*workersPerHost)
	for h := 0; h < hosts; h++ {
		pool, err := block.NewPool(block.Options{RAMBudget: 1 << 20, ScratchDir: t.TempDir()})
		require.NoError(t, err)
		t.Cleanup(func() { _ = pool.Close() })
		mux := stream.NewMultiplexer(groups[h], pool, h, workersPerHost)
		t.Cleanup(func() { _ = mux.Close() })
		for lw := 0; lw < workersPerHost; lw++ {
			ectxs[h*workersPerHost+lw] = exectx.New(&cfg, h, lw, workersPerHost, pool, groups[h], mux)
		}
	}
	return ectxs
}

// TestReduceByKeyWithWorkersPerHostGreaterThanOne runs a job-wide
// reduce across two hosts of two local workers each: every local
// worker must receive exactly its own shuffle partition rather than
// racing a host-mate for a shared, source-keyed-only sub-queue.
func TestReduceByKeyWithWorkersPerHostGreaterThanOne(t *testing.T) {
	ctx := context.Background()
	const hosts, workersPerHost = 2, 2
	const n = hosts * workersPerHost
	ectxs := newMultiHostWorkerContexts(t, hosts, workersPerHost)

	shares := [][]string{
		{"a", "b", "a"},
		{"b", "c"},
		{"a", "c", "c"},
		{"d"},
	}

	reduceID := graph.ReserveID()
	results := make([][]KV[string, int], n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			src := Source[string](ectxs[i], shares[i], serialize.String{})
			counted := ReduceByKeyWithID[string, int](
				reduceID,
				src,
				func(w string) string { return w },
				func(a, b int) int { return a + b },
				func(w string) uint64 { return serialize.HashKey(serialize.NewFastKeyHasher(), serialize.String{}, w) },
				serialize.String{}, countCodec{},
				ReduceOpts{NumWorkers: n},
			)
			items, err := counted.Collect(ctx)
			if err != nil {
				return err
			}
			results[i] = items
			return nil
		})
	}
	require.NoError(t, g.Wait())

	total := map[string]int{}
	seen := map[string]int{}
	for _, rs := range results {
		for _, kv := range rs {
			total[kv.Key] += kv.Value
			seen[kv.Key]++
		}
	}
	require.Equal(t, map[string]int{"a": 3, "b": 2, "c": 3, "d": 1}, total)
	for k, count := range seen {
		require.Equal(t, 1, count, "word %q emitted by more than one worker", k)
	}
}

func TestReduceByKeyAcrossWorkers(t *testing.T) {
	ctx := context.Background()
	const n = 3
	ectxs := newWorkerContexts(t, n)

	shares := [][]string{
		{"a", "b", "a"},
		{"b", "c"},
		{"a", "c", "c"},
	}

	results := make([][]KV[string, int], n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			src := Source[string](ectxs[i], shares[i], serialize.String{})
			counted := ReduceByKey[string, int](
				src,
				func(w string) string { return w },
				func(a, b int) int { return a + b },
				func(w string) uint64 { return serialize.HashKey(serialize.NewFastKeyHasher(), serialize.String{}, w) },
				serialize.String{}, countCodec{},
				ReduceOpts{NumWorkers: n},
			)
			items, err := counted.Collect(ctx)
			if err != nil {
				return err
			}
			results[i] = items
			return nil
		})
	}
	require.NoError(t, g.Wait())

	total := map[string]int{}
	for _, rs := range results {
		for _, kv := range rs {
			total[kv.Key] += kv.Value
		}
	}
	require.Equal(t, map[string]int{"a": 3, "b": 2, "c": 3}, total)

	// Every word must be emitted by exactly one worker's partition.
	seen := map[string]int{}
	for _, rs := range results {
		for _, kv := range rs {
			seen[kv.Key]++
		}
	}
	keys := make([]string, 0, len(seen))
	for k, count := range seen {
		require.Equal(t, 1, count, "word %q emitted by more than one worker", k)
		keys = append(keys, k)
	}
	sort.Strings(keys)
	require.Equal(t, []string{"a", "b", "c"}, keys)
}

// countCodec is a minimal fixed-width Codec[int] for test fixtures
// that need a reduce value codec without pulling in a larger example.
type countCodec struct{}

func (countCodec) Append(buf []byte, v int) []byte {
	return serialize.Fixed64{}.Append(buf, uint64(v))
}

func (countCodec) Get(buf []byte) (int, int, error) {
	u, n, err := (serialize.Fixed64{}).Get(buf)
	return int(u), n, err
}
