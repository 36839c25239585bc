package dia

import (
	"context"
	"io"

	"github.com/flowbase/flowbase/block/file"
	"github.com/flowbase/flowbase/block/serialize"
	exectx "github.com/flowbase/flowbase/exec/context"
	"github.com/flowbase/flowbase/exec/graph"
)

// GroupBy ships every value for a key to one worker (like ReduceByKey)
// but, unlike it, does not require the aggregation to be associative:
// groupFn receives the full per-key sequence and may fold it
// arbitrarily. Grounded on thrill's groupby.hpp, which accumulates a
// File (not a fixed-width value) per key and replays it through the
// user callback at flush time; this implementation accumulates the
// per-key sequence in RAM instead of through a per-key spill File (see
// DESIGN.md for the tradeoff).
func GroupBy[K comparable, V any, R any](
	d *DIA[V],
	keyFn func(V) K,
	hashFn func(K) uint64,
	keyCodec serialize.Codec[K],
	valCodec serialize.Codec[V],
	groupFn func(K, []V) R,
	rCodec serialize.Codec[R],
	opts ReduceOpts,
) *DIA[R] {
	pairCodec := newKVCodec[K, V](keyCodec, valCodec)
	id := graph.ReserveID()
	return newDIAWithID[R](id, d.ectx, graph.DOP, rCodec, func(ctx context.Context, ectx *exectx.Context) (*file.File, error) {
		return runGroupBy(ctx, ectx, d, id, keyFn, hashFn, pairCodec, groupFn, rCodec, opts)
	}, d.node)
}

func runGroupBy[K comparable, V any, R any](
	ctx context.Context,
	ectx *exectx.Context,
	d *DIA[V],
	nodeID uint64,
	keyFn func(V) K,
	hashFn func(K) uint64,
	pairCodec kvCodec[K, V],
	groupFn func(K, []V) R,
	rCodec serialize.Codec[R],
	opts ReduceOpts,
) (*file.File, error) {
	in, err := readAll(ctx, d)
	if err != nil {
		return nil, err
	}

	self := ectx.GlobalWorker()
	cat := ectx.GetCatStreamForNode(nodeID, opts.NumWorkers)
	writers := map[int]*serialize.Writer[KV[K, V]]{}
	writerFor := func(target int) *serialize.Writer[KV[K, V]] {
		if w, ok := writers[target]; ok {
			return w
		}
		w := serialize.NewWriter[KV[K, V]](ectx.Pool, cat.Writer(self, target), pairCodec, ectx.Config.BlockSize)
		writers[target] = w
		return w
	}
	for _, v := range in {
		k := keyFn(v)
		target := int(hashFn(k) % uint64(opts.NumWorkers))
		if err := writerFor(target).Put(ctx, KV[K, V]{Key: k, Value: v}); err != nil {
			return nil, err
		}
	}
	for target := 0; target < opts.NumWorkers; target++ {
		writerFor(target)
	}
	for _, w := range writers {
		if err := w.Close(ctx); err != nil {
			return nil, err
		}
	}

	groups := map[K][]V{}
	order := []K{}
	reader := serialize.NewReader[KV[K, V]](cat, pairCodec)
	for {
		kv, err := reader.Next(ctx)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		if _, ok := groups[kv.Key]; !ok {
			order = append(order, kv.Key)
		}
		groups[kv.Key] = append(groups[kv.Key], kv.Value)
	}

	out := ectx.GetFile()
	w, err := out.GetWriter()
	if err != nil {
		return nil, err
	}
	outWriter := serialize.NewWriter[R](ectx.Pool, w, rCodec, ectx.Config.BlockSize)
	for _, k := range order {
		if err := outWriter.Put(ctx, groupFn(k, groups[k])); err != nil {
			return nil, err
		}
	}
	if err := outWriter.Close(ctx); err != nil {
		return nil, err
	}
	return out, nil
}
