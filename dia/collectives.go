package dia

import (
	"context"

	"github.com/flowbase/flowbase/block/serialize"
	exectx "github.com/flowbase/flowbase/exec/context"
)

// PrefixSum replaces d's local sequence with its job-wide prefix sum
// (thrill: prefixsum_node.hpp's two-phase structure — a local scan,
// then adding the exclusive prefix of all lower-ranked workers'
// totals, obtained from the flow group's collective). It is
// restricted to values whose combination is addition over an unsigned
// 64-bit encoding (see DESIGN.md); a fully general associative
// PrefixSum would need an invertible combine to compute the exclusive
// prefix, which group.Group's PrefixSum does not expose.
func PrefixSum[T any](ctx context.Context, ectx *exectx.Context, d *DIA[T], toUint func(T) uint64, fromUint func(uint64) T) (*DIA[T], error) {
	items, err := readAll(ctx, d)
	if err != nil {
		return nil, err
	}
	localScan := make([]uint64, len(items))
	var localTotal uint64
	for i, item := range items {
		localTotal += toUint(item)
		localScan[i] = localTotal
	}

	inclusive, err := ectx.Group.PrefixSum(ctx, localTotal, func(a, b uint64) uint64 { return a + b })
	if err != nil {
		return nil, err
	}
	exclusive := inclusive - localTotal

	out := make([]T, len(items))
	for i, v := range localScan {
		out[i] = fromUint(exclusive + v)
	}
	return Source(ectx, out, d.codec), nil
}

// AllGather collects every worker's partition of d into a single
// slice, identical on every worker (thrill: allgather_node.hpp). It
// is implemented as Size() sequential broadcasts rather than a
// dedicated wire collective, trading efficiency for reuse of
// group.Group's existing Broadcast primitive (see DESIGN.md).
func AllGather[T any](ctx context.Context, ectx *exectx.Context, d *DIA[T], codec serialize.Codec[T]) ([]T, error) {
	items, err := readAll(ctx, d)
	if err != nil {
		return nil, err
	}
	var local []byte
	for _, item := range items {
		local = codec.Append(local, item)
	}

	var out []T
	for root := 0; root < ectx.Group.Size(); root++ {
		var payload []byte
		if root == ectx.Group.Rank() {
			payload = local
		}
		data, err := ectx.Group.Broadcast(ctx, root, payload)
		if err != nil {
			return nil, err
		}
		buf := data
		for len(buf) > 0 {
			v, n, err := codec.Get(buf)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
			buf = buf[n:]
		}
	}
	return out, nil
}
