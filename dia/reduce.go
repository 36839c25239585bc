package dia

import (
	"context"
	"io"

	"github.com/flowbase/flowbase/block/file"
	"github.com/flowbase/flowbase/block/serialize"
	exectx "github.com/flowbase/flowbase/exec/context"
	"github.com/flowbase/flowbase/exec/graph"
	"github.com/flowbase/flowbase/table"
)

// ReduceOpts configures the pre/post-table pair a ReduceByKey or
// GroupBy builds, mirroring §4.6/§4.7's tunables.
type ReduceOpts struct {
	NumWorkers           int
	NumFrames            int
	BucketRate           float64
	MaxPartitionFillRate float64
	MaxFrameFillRate     float64
	MaxBlocksPerTable    int
	TableRateMultiplier  float64
	FlushMode            table.FlushMode
	RobustKey            bool
	EstimatedItems       int
}

// ReduceByKey partitions d by keyFn across all NumWorkers workers and
// combines colliding values with reduceFn (must be associative, and
// also commutative for ReduceByKey per §4.6's contract), returning one
// KV per distinct key.
//
// Every worker participating in the same job-wide reduce must call
// ReduceByKey (and therefore open its shuffle CatStream) in the same
// relative order as every other worker, since stream ids are derived
// without a handshake (§4.4).
func ReduceByKey[K comparable, V any](
	d *DIA[V],
	keyFn func(V) K,
	reduceFn func(a, b V) V,
	hashFn func(K) uint64,
	keyCodec serialize.Codec[K],
	valCodec serialize.Codec[V],
	opts ReduceOpts,
) *DIA[KV[K, V]] {
	return ReduceByKeyWithID(graph.ReserveID(), d, keyFn, reduceFn, hashFn, keyCodec, valCodec, opts)
}

// ReduceByKeyWithID is ReduceByKey for a caller that already shares a
// stream id with every other worker's copy of this same logical reduce
// — a process hosting more than one local worker cannot rely on a
// single package-level node-id counter to hand out matching ids across
// its own local workers' independently-built graphs (§4.4), so it must
// reserve the id once and pass it to every local worker's call.
func ReduceByKeyWithID[K comparable, V any](
	id uint64,
	d *DIA[V],
	keyFn func(V) K,
	reduceFn func(a, b V) V,
	hashFn func(K) uint64,
	keyCodec serialize.Codec[K],
	valCodec serialize.Codec[V],
	opts ReduceOpts,
) *DIA[KV[K, V]] {
	outCodec := newKVCodec[K, V](keyCodec, valCodec)
	return newDIAWithID[KV[K, V]](id, d.ectx, graph.DOP, outCodec, func(ctx context.Context, ectx *exectx.Context) (*file.File, error) {
		return runReduceByKey(ctx, ectx, d, id, keyFn, reduceFn, hashFn, keyCodec, valCodec, outCodec, opts)
	}, d.node)
}

func runReduceByKey[K comparable, V any](
	ctx context.Context,
	ectx *exectx.Context,
	d *DIA[V],
	nodeID uint64,
	keyFn func(V) K,
	reduceFn func(a, b V) V,
	hashFn func(K) uint64,
	keyCodec serialize.Codec[K],
	valCodec serialize.Codec[V],
	outCodec kvCodec[K, V],
	opts ReduceOpts,
) (*file.File, error) {
	in, err := readAll(ctx, d)
	if err != nil {
		return nil, err
	}

	index := table.ByHashKey[K]{Hash: hashFn}
	spillCodec := table.PairCodec[K, V](keyCodec, valCodec, opts.RobustKey)

	pre := table.NewPreTable[K, V](ectx.Pool, table.PreTableOptions{
		NumPartitions:        opts.NumWorkers,
		BucketRate:           opts.BucketRate,
		MaxPartitionFillRate: opts.MaxPartitionFillRate,
		FlushMode:            opts.FlushMode,
		BlockSize:            ectx.Config.BlockSize,
		RobustKey:            opts.RobustKey,
	}, keyFn, reduceFn, index, spillCodec, ectx.GlobalWorker(), opts.EstimatedItems)

	for _, v := range in {
		if err := pre.Insert(ctx, v); err != nil {
			return nil, err
		}
	}

	self := ectx.GlobalWorker()
	cat := ectx.GetCatStreamForNode(nodeID, opts.NumWorkers)
	writers := map[int]*serialize.Writer[KV[K, V]]{}
	writerFor := func(target int) *serialize.Writer[KV[K, V]] {
		if w, ok := writers[target]; ok {
			return w
		}
		w := serialize.NewWriter[KV[K, V]](ectx.Pool, cat.Writer(self, target), outCodec, ectx.Config.BlockSize)
		writers[target] = w
		return w
	}
	if err := pre.Flush(ctx, true, func(ctx context.Context, partition int, k K, v V) error {
		return writerFor(partition).Put(ctx, KV[K, V]{Key: k, Value: v})
	}); err != nil {
		return nil, err
	}
	for target := 0; target < opts.NumWorkers; target++ {
		writerFor(target) // ensure every target, even an empty one, gets its end-of-stream close
	}
	for _, w := range writers {
		if err := w.Close(ctx); err != nil {
			return nil, err
		}
	}

	numFrames := opts.NumFrames
	if numFrames <= 0 {
		numFrames = opts.NumWorkers
	}
	rate := opts.TableRateMultiplier
	if rate <= 0 {
		rate = 1
	}
	post := table.NewPostTable[K, V](ectx.Pool, table.PostTableOptions{
		NumFrames:           numFrames,
		MaxFrameFillRate:    opts.MaxFrameFillRate,
		MaxBlocksPerTable:   opts.MaxBlocksPerTable,
		TableRateMultiplier: rate,
		BlockSize:           ectx.Config.BlockSize,
		RobustKey:           opts.RobustKey,
	}, keyFn, reduceFn, table.ByHashKey[K]{Hash: hashFn}, spillCodec)

	reader := serialize.NewReader[KV[K, V]](cat, outCodec)
	for {
		kv, err := reader.Next(ctx)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		if err := post.InsertKV(ctx, kv.Key, kv.Value); err != nil {
			return nil, err
		}
	}

	out := ectx.GetFile()
	w, err := out.GetWriter()
	if err != nil {
		return nil, err
	}
	outWriter := serialize.NewWriter[KV[K, V]](ectx.Pool, w, outCodec, ectx.Config.BlockSize)
	if err := post.Flush(ctx, func(ctx context.Context, k K, v V) error {
		return outWriter.Put(ctx, KV[K, V]{Key: k, Value: v})
	}); err != nil {
		return nil, err
	}
	if err := outWriter.Close(ctx); err != nil {
		return nil, err
	}
	return out, nil
}
