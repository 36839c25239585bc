package dia

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// TestZipAlignsAcrossUnevenLocalPartitions exercises exactly the
// scenario local-only index alignment gets wrong: a and b have
// different local item counts per worker at the same logical global
// index (worker 0 holds nothing of a but three of b). A correct Zip
// must still pair up a's and b's items by global position.
func TestZipAlignsAcrossUnevenLocalPartitions(t *testing.T) {
	ctx := context.Background()
	const n = 3
	ectxs := newWorkerContexts(t, n)

	aShares := [][]int{
		{},
		{1, 2},
		{3, 4, 5, 6, 7},
	}
	bShares := [][]int{
		{10, 20, 30},
		{40},
		{50, 60},
	}
	// Global order (by worker rank, then local order): a = [1..7], b =
	// [10,20,30,40,50,60]. Truncated to the shorter length, the
	// correctly aligned pairs are (1,10) (2,20) (3,30) (4,40) (5,50) (6,60).
	wantPairs := []int{110, 220, 330, 440, 550, 660}

	results := make([][]int, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			a := Source[int](ectxs[i], aShares[i], countCodec{})
			b := Source[int](ectxs[i], bShares[i], countCodec{})
			zipped := Zip[int, int, int](a, b, func(x, y int) int { return x*100 + y }, countCodec{}, ZipTruncate, 0, 0)
			items, err := zipped.Collect(ctx)
			if err != nil {
				return err
			}
			results[i] = items
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var all []int
	for _, items := range results {
		all = append(all, items...)
	}
	sort.Ints(all)
	sort.Ints(wantPairs)
	require.Equal(t, wantPairs, all)
}

// TestSortProducesEvenlySizedGlobalOrder checks Sort's contiguous
// per-worker slicing lines up with a plain global sort regardless of
// how unevenly the input was partitioned to begin with.
func TestSortProducesEvenlySizedGlobalOrder(t *testing.T) {
	ctx := context.Background()
	const n = 3
	ectxs := newWorkerContexts(t, n)

	shares := [][]int{
		{5, 1},
		{},
		{9, 2, 4, 7, 3},
	}
	const total = 7

	results := make([][]int, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			src := Source[int](ectxs[i], shares[i], countCodec{})
			out := Sort[int](src, func(a, b int) bool { return a < b }, ReduceOpts{NumWorkers: n})
			items, err := out.Collect(ctx)
			if err != nil {
				return err
			}
			results[i] = items
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var all []int
	for i, items := range results {
		base := total * i / n
		limit := total * (i + 1) / n
		require.Len(t, items, limit-base, "worker %d's post-sort share", i)
		all = append(all, items...)
	}
	require.Equal(t, []int{1, 2, 3, 4, 5, 7, 9}, all)
}
