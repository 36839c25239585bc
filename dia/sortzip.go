package dia

import (
	"context"
	"sort"

	"github.com/flowbase/flowbase/block/file"
	"github.com/flowbase/flowbase/block/serialize"
	exectx "github.com/flowbase/flowbase/exec/context"
	"github.com/flowbase/flowbase/exec/graph"
)

// Sort returns d's items in global order, evenly redistributed one
// contiguous range per worker. It is implemented as AllGather, a
// local sort, then each worker keeping its own 1/N slice of the
// result: correct, but forgoes thrill's sample-based redistribution
// that avoids gathering the whole dataset onto every worker (see
// DESIGN.md).
func Sort[T any](d *DIA[T], less func(a, b T) bool, opts ReduceOpts) *DIA[T] {
	return newDIA[T](d.ectx, graph.DOP, d.codec, func(ctx context.Context, ectx *exectx.Context) (*file.File, error) {
		all, err := AllGather(ctx, ectx, d, d.codec)
		if err != nil {
			return nil, err
		}
		sort.Slice(all, func(i, j int) bool { return less(all[i], all[j]) })

		n := len(all)
		w := opts.NumWorkers
		if w <= 0 {
			w = 1
		}
		rank := ectx.GlobalWorker()
		begin := n * rank / w
		end := n * (rank + 1) / w
		mine := all[begin:end]

		out := ectx.GetFile()
		wr, err := out.GetWriter()
		if err != nil {
			return nil, err
		}
		writer := serialize.NewWriter[T](ectx.Pool, wr, d.codec, ectx.Config.BlockSize)
		for _, item := range mine {
			if err := writer.Put(ctx, item); err != nil {
				return nil, err
			}
		}
		if err := writer.Close(ctx); err != nil {
			return nil, err
		}
		return out, nil
	}, d.node)
}

// ZipPolicy selects Zip's behavior when its inputs have different
// total (job-wide) lengths.
type ZipPolicy int

const (
	// ZipTruncate stops at the shortest input's length.
	ZipTruncate ZipPolicy = iota
	// ZipPadding pads shorter inputs with a supplied zero value.
	ZipPadding
)

// Zip aligns two DIAs by global index and combines each pair with
// combine (thrill: zip_node.hpp). Each input is AllGather'ed into an
// identical full copy on every worker, combined by global index, and
// then each worker keeps its own contiguous 1/N slice of the result —
// the same redistribution Sort uses, applied here to guarantee index
// alignment regardless of how unevenly a and b happen to be
// partitioned across workers (see DESIGN.md for the cost of gathering
// both full datasets onto every worker instead of a dedicated
// zip-stream advanced in lockstep).
func Zip[A, B, C any](a *DIA[A], b *DIA[B], combine func(A, B) C, codec serialize.Codec[C], policy ZipPolicy, zeroA A, zeroB B) *DIA[C] {
	return newDIA[C](a.ectx, graph.DOP, codec, func(ctx context.Context, ectx *exectx.Context) (*file.File, error) {
		as, err := AllGather(ctx, ectx, a, a.codec)
		if err != nil {
			return nil, err
		}
		bs, err := AllGather(ctx, ectx, b, b.codec)
		if err != nil {
			return nil, err
		}
		n := len(as)
		if policy == ZipTruncate {
			if len(bs) < n {
				n = len(bs)
			}
		} else if len(bs) > n {
			n = len(bs)
		}

		w := ectx.Group.Size() * ectx.WorkersPerHost
		if w <= 0 {
			w = 1
		}
		rank := ectx.GlobalWorker()
		begin := n * rank / w
		end := n * (rank + 1) / w

		out := ectx.GetFile()
		wr, err := out.GetWriter()
		if err != nil {
			return nil, err
		}
		writer := serialize.NewWriter[C](ectx.Pool, wr, codec, ectx.Config.BlockSize)
		for i := begin; i < end; i++ {
			va := zeroA
			if i < len(as) {
				va = as[i]
			}
			vb := zeroB
			if i < len(bs) {
				vb = bs[i]
			}
			if err := writer.Put(ctx, combine(va, vb)); err != nil {
				return nil, err
			}
		}
		if err := writer.Close(ctx); err != nil {
			return nil, err
		}
		return out, nil
	}, a.node, b.node)
}
