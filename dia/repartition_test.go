package dia

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestRepartitionEvenlyRedistributes(t *testing.T) {
	ctx := context.Background()
	const n = 3
	ectxs := newWorkerContexts(t, n)

	// Uneven local shares: worker 0 holds nothing, worker 1 holds a
	// little, worker 2 holds the rest.
	shares := [][]int{
		{},
		{10, 11},
		{20, 21, 22, 23, 24, 25, 26},
	}
	const total = 9

	results := make([][]int, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			src := Source[int](ectxs[i], shares[i], countCodec{})
			out := Repartition[int](src, countCodec{}, ReduceOpts{NumWorkers: n})
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
		require.Len(t, items, limit-base, "worker %d's post-repartition share", i)
		all = append(all, items...)
	}
	require.Len(t, all, total)
	sort.Ints(all)
	require.Equal(t, []int{10, 11, 20, 21, 22, 23, 24, 25, 26}, all)
}
