package dia

import (
	"context"
	"io"

	"github.com/flowbase/flowbase/block/file"
	"github.com/flowbase/flowbase/block/serialize"
	exectx "github.com/flowbase/flowbase/exec/context"
	"github.com/flowbase/flowbase/exec/graph"
	"github.com/flowbase/flowbase/stream"
)

// Repartition redistributes d's items into opts.NumWorkers contiguous,
// evenly-sized global ranges, one per worker: an assignment-by-index
// shuffle rather than the key-based one ReduceByKey and GroupBy do
// (thrill's rebalance_node.hpp). Every worker's local item count feeds
// a job-wide prefix sum and total over the flow group's collectives,
// so each worker can compute which slice of its own local range each
// target is owed, then hand the split ranges to Scatter directly
// (§4.5) without a further negotiation round.
func Repartition[T any](d *DIA[T], codec serialize.Codec[T], opts ReduceOpts) *DIA[T] {
	id := graph.ReserveID()
	return newDIAWithID[T](id, d.ectx, graph.DOP, codec, func(ctx context.Context, ectx *exectx.Context) (*file.File, error) {
		return runRepartition(ctx, ectx, d, id, codec, opts)
	}, d.node)
}

func runRepartition[T any](ctx context.Context, ectx *exectx.Context, d *DIA[T], nodeID uint64, codec serialize.Codec[T], opts ReduceOpts) (*file.File, error) {
	f, err := d.File(ctx)
	if err != nil {
		return nil, err
	}
	localCount := f.NumItems()

	globalBefore, err := ectx.Group.PrefixSum(ctx, uint64(localCount), func(a, b uint64) uint64 { return a + b })
	if err != nil {
		return nil, err
	}
	globalOffset := int64(globalBefore) - localCount

	total, err := ectx.Group.AllReduce(ctx, uint64(localCount), func(a, b uint64) uint64 { return a + b })
	if err != nil {
		return nil, err
	}
	n := int64(total)
	w := int64(opts.NumWorkers)
	if w <= 0 {
		w = 1
	}

	// offsets[k] is where, within this worker's own local range, target
	// k's slice begins: the global split point n*k/w, translated into
	// this worker's local index space and clamped to [0, localCount].
	offsets := make([]int64, opts.NumWorkers+1)
	for k := 0; k <= opts.NumWorkers; k++ {
		boundary := n * int64(k) / w
		rel := boundary - globalOffset
		if rel < 0 {
			rel = 0
		}
		if rel > localCount {
			rel = localCount
		}
		offsets[k] = rel
	}

	id := stream.IDFromNode(nodeID)
	if err := stream.Scatter[T](ctx, ectx.Mux, ectx.Pool, ectx.GlobalWorker(), id, f, codec, offsets, ectx.Config.BlockSize); err != nil {
		return nil, err
	}

	cat := stream.NewCatStreamWithID(ectx.Mux, id, ectx.LocalWorker, opts.NumWorkers)
	out := ectx.GetFile()
	ow, err := out.GetWriter()
	if err != nil {
		return nil, err
	}
	outWriter := serialize.NewWriter[T](ectx.Pool, ow, codec, ectx.Config.BlockSize)
	reader := serialize.NewReader[T](cat, codec)
	for {
		item, err := reader.Next(ctx)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		if err := outWriter.Put(ctx, item); err != nil {
			return nil, err
		}
	}
	if err := outWriter.Close(ctx); err != nil {
		return nil, err
	}
	return out, nil
}
