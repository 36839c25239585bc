package table

import (
	"context"
	"errors"
	"io"

	"github.com/willf/bitset"

	"github.com/flowbase/flowbase/block"
	"github.com/flowbase/flowbase/block/file"
	"github.com/flowbase/flowbase/block/serialize"
	"github.com/flowbase/flowbase/internal/gtl"
)

// PostTableOptions configures a PostTable.
type PostTableOptions struct {
	NumFrames          int
	MaxFrameFillRate    float64 // per-frame spill trigger
	MaxBlocksPerTable   int     // total-table spill trigger (condition 2, §4.7)
	TableRateMultiplier float64 // second-stage table budget as a fraction of the frame budget
	BlockSize           int
	RobustKey           bool
}

type frameState[K comparable, V any] struct {
	buckets   map[K]V
	itemCount int
	blocks    int

	spillFile   *file.File
	spillWriter *serialize.Writer[pair[K, V]]
}

// PostTable is the per-worker final aggregation table a shuffle's
// receiver inserts into after the pre-table's partial aggregates
// arrive (§4.7).
type PostTable[K comparable, V any] struct {
	opts   PostTableOptions
	pool   *block.Pool
	keyOf  func(V) K
	reduce func(a, b V) V
	index  IndexFunction[K]
	codec  serialize.Codec[pair[K, V]]

	frames     []*frameState[K, V]
	totalBlocks int

	// spilled tracks which frame indices currently hold a spill file
	// (and therefore need a second-stage table at Flush time), so
	// Flush and diagnostics can answer "how many frames spilled"
	// without scanning every frameState.
	spilled *bitset.BitSet
}

// NewPostTable returns a PostTable with opts.NumFrames frames.
func NewPostTable[K comparable, V any](
	pool *block.Pool,
	opts PostTableOptions,
	keyOf func(V) K,
	reduce func(a, b V) V,
	index IndexFunction[K],
	codec serialize.Codec[pair[K, V]],
) *PostTable[K, V] {
	t := &PostTable[K, V]{opts: opts, pool: pool, keyOf: keyOf, reduce: reduce, index: index, codec: codec}
	t.spilled = bitset.New(uint(opts.NumFrames))
	t.frames = make([]*frameState[K, V], opts.NumFrames)
	for i := range t.frames {
		t.frames[i] = &frameState[K, V]{buckets: map[K]V{}}
	}
	return t
}

// Insert hashes v's key to a frame (and a bucket within that frame),
// reducing into an existing slot on collision, per §4.7.
func (t *PostTable[K, V]) Insert(ctx context.Context, v V) error {
	k := t.keyOf(v)
	return t.InsertKV(ctx, k, v)
}

// InsertKV is Insert for a caller that already knows v's key (e.g. a
// shuffle receiver that deserialized (k, v) directly off the wire and
// would otherwise have to invert RobustKey's value-is-key encoding).
func (t *PostTable[K, V]) InsertKV(ctx context.Context, k K, v V) error {
	f := t.index.Partition(k, len(t.frames))
	frame := t.frames[f]
	if old, ok := frame.buckets[k]; ok {
		frame.buckets[k] = t.reduce(old, v)
	} else {
		frame.buckets[k] = v
		frame.itemCount++
	}

	if t.opts.MaxFrameFillRate > 0 && t.frameOverFillRate(frame) {
		return t.spillFrame(ctx, f)
	}
	if t.opts.MaxBlocksPerTable > 0 && t.totalBlocks >= t.opts.MaxBlocksPerTable {
		return t.spillLargestFrame(ctx)
	}
	return nil
}

func (t *PostTable[K, V]) frameOverFillRate(f *frameState[K, V]) bool {
	if len(t.frames) == 0 {
		return false
	}
	return float64(f.itemCount) >= t.opts.MaxFrameFillRate*float64(t.totalCapacityHint())
}

func (t *PostTable[K, V]) totalCapacityHint() int {
	if t.opts.MaxBlocksPerTable <= 0 {
		return 1 << 20
	}
	return t.opts.MaxBlocksPerTable / len(t.frames) * 64
}

// secondStageCapacityHint sizes flushSpilledFrame's in-RAM stage map:
// TableRateMultiplier's share of the per-frame budget, or the known
// in-RAM bucket count if that's larger (a frame always has at least
// that many distinct keys to stage).
func (t *PostTable[K, V]) secondStageCapacityHint(frame *frameState[K, V]) int {
	hint := len(frame.buckets)
	if t.opts.TableRateMultiplier > 0 {
		if budget := int(t.opts.TableRateMultiplier * float64(t.totalCapacityHint())); budget > hint {
			hint = budget
		}
	}
	return hint
}

// spillLargestFrame picks the frame with the largest current footprint
// and spills it (overflow condition 2 of §4.7).
func (t *PostTable[K, V]) spillLargestFrame(ctx context.Context) error {
	largest := -1
	largestCount := -1
	for i, f := range t.frames {
		if f.itemCount > largestCount {
			largest, largestCount = i, f.itemCount
		}
	}
	if largest < 0 {
		return nil
	}
	return t.spillFrame(ctx, largest)
}

func (t *PostTable[K, V]) spillFrame(ctx context.Context, idx int) error {
	frame := t.frames[idx]
	if len(frame.buckets) == 0 {
		return nil
	}
	if frame.spillWriter == nil {
		frame.spillFile = file.New()
		w, err := frame.spillFile.GetWriter()
		if err != nil {
			return err
		}
		frame.spillWriter = serialize.NewWriter[pair[K, V]](t.pool, w, t.codec, t.opts.BlockSize)
	}
	for k, v := range frame.buckets {
		if err := frame.spillWriter.Put(ctx, pair[K, V]{key: k, val: v}); err != nil {
			return err
		}
	}
	t.totalBlocks += frame.spillFile.NumBlocks()
	frame.blocks = frame.spillFile.NumBlocks()
	frame.buckets = map[K]V{}
	frame.itemCount = 0
	t.spilled.Set(uint(idx))
	return nil
}

// SpilledFrames reports how many frames currently hold a spill file,
// for a worker's stats graph to export alongside the pre-table's own
// spill counters.
func (t *PostTable[K, V]) SpilledFrames() uint {
	return t.spilled.Count()
}

// Emit receives each finalized (key, value) pair a Flush produces.
type Emit[K comparable, V any] func(ctx context.Context, k K, v V) error

// Flush finalizes every frame, emitting each key's fully-reduced
// value exactly once, per §4.7. If a frame never spilled, its bucket
// chains are iterated directly; otherwise a second-stage in-RAM table
// is built from the spill file plus any remaining in-RAM entries, and
// emitted from there.
func (t *PostTable[K, V]) Flush(ctx context.Context, emit Emit[K, V]) error {
	for i, frame := range t.frames {
		if frame.spillFile == nil {
			for k, v := range frame.buckets {
				if err := emit(ctx, k, v); err != nil {
					return err
				}
			}
			continue
		}
		if err := t.flushSpilledFrame(ctx, i, frame, emit); err != nil {
			return err
		}
	}
	return nil
}

// flushSpilledFrame builds a second-stage in-RAM reduce table: insert
// every (k,v) from the spill file, then every in-RAM (k,v), reducing
// on collision, then emit and discard it (§4.7). The second stage's
// map is preallocated to TableRateMultiplier's share of the frame
// budget rather than just the in-RAM bucket count, so a frame that
// spilled early (and so has few in-RAM entries to size off of) still
// gets a capacity hint proportional to the work flushSpilledFrame
// actually expects to do; a frame too large even for that still grows
// the map past the hint rather than being rejected or subdivided (see
// DESIGN.md).
func (t *PostTable[K, V]) flushSpilledFrame(ctx context.Context, idx int, frame *frameState[K, V], emit Emit[K, V]) error {
	stage := make(map[K]V, t.secondStageCapacityHint(frame))

	if err := frame.spillWriter.Close(ctx); err != nil {
		return err
	}
	frame.spillWriter = nil
	rd, err := frame.spillFile.GetReader(true)
	if err != nil {
		return err
	}
	reader := serialize.NewReader[pair[K, V]](rd, t.codec)
	for {
		pr, err := reader.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		k := pr.key
		if t.opts.RobustKey {
			k = t.keyOf(pr.val)
		}
		if old, ok := stage[k]; ok {
			stage[k] = t.reduce(old, pr.val)
		} else {
			stage[k] = pr.val
		}
	}
	for k, v := range frame.buckets {
		if old, ok := stage[k]; ok {
			stage[k] = t.reduce(old, v)
		} else {
			stage[k] = v
		}
	}
	for k, v := range stage {
		if err := emit(ctx, k, v); err != nil {
			return err
		}
	}
	frame.spillFile = nil
	frame.buckets = map[K]V{}
	frame.itemCount = 0
	t.spilled.Clear(uint(idx))
	return nil
}

// FlushToIndex is the reduce-to-index variant (§4.7): results are
// written into a dense output array indexed by key in [begin, end),
// with neutral substituted for any index that received no value. In
// this mode ByIndex guarantees keys are globally unique by
// construction, so no second-stage reduction is ever required.
func (t *PostTable[K, V]) FlushToIndex(ctx context.Context, begin, end uint64, neutral V, out []V, keyToIndex func(K) uint64) error {
	for i := range out {
		out[i] = neutral
	}
	return t.Flush(ctx, func(ctx context.Context, k K, v V) error {
		off, ok := gtl.ClampIndex(keyToIndex(k), begin, end)
		if !ok {
			return nil
		}
		out[off] = v
		return nil
	})
}
