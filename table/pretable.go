// Package table implements the reduce pre-table (C8) and post-table
// (C9): the two-stage hash aggregation that precedes and follows a
// reduce's shuffle, respectively.
package table

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"sort"

	"github.com/flowbase/flowbase/block"
	"github.com/flowbase/flowbase/block/file"
	"github.com/flowbase/flowbase/block/serialize"
)

// FlushMode selects the pre-table's partition flush-ordering policy
// (§4.6).
type FlushMode int

const (
	// FlushOneFactor schedules flushes as edge-disjoint matchings of
	// the complete worker graph, placing the local worker last so
	// loopback traffic never contends with network sends.
	FlushOneFactor FlushMode = iota
	// FlushSmallestFirst orders partitions by ascending item count.
	FlushSmallestFirst
	// FlushLRU orders least-recently-flushed partitions first.
	FlushLRU
	// FlushLFU orders least-frequently-flushed partitions first.
	FlushLFU
	// FlushRandom orders partitions uniformly at random.
	FlushRandom
)

// IndexFunction maps a key to a partition (and, within the pre-table,
// a bucket within that partition). ByHashKey is the default general
// partitioner; ByIndex supports the reduce-to-index variant where keys
// are already dense array indices.
type IndexFunction[K any] interface {
	Partition(k K, numPartitions int) int
	Bucket(k K, numBuckets int) int
}

// ByHashKey partitions and buckets a key by a user hash function,
// matching thrill's PreBucketReduceByHashKey.
type ByHashKey[K any] struct {
	Hash func(K) uint64
}

func (h ByHashKey[K]) Partition(k K, numPartitions int) int {
	return int(h.Hash(k) % uint64(numPartitions))
}

func (h ByHashKey[K]) Bucket(k K, numBuckets int) int {
	return int((h.Hash(k) / 0x9E3779B1) % uint64(numBuckets))
}

// NewSipHashIndex builds a ByHashKey over codec's encoding of K, hashed
// with a job-seeded siphash (serialize.KeyHasher): the stable,
// per-job-unpredictable partitioner Testable Property 1 expects,
// without every ReduceByKey/GroupBy call site hand-rolling its own
// hash function.
func NewSipHashIndex[K any](codec serialize.Codec[K], seed uint64) ByHashKey[K] {
	h := serialize.NewKeyHasher(seed)
	return ByHashKey[K]{Hash: func(k K) uint64 {
		return serialize.HashKey(h, codec, k)
	}}
}

// ByIndex maps a key that is already a dense array index directly to
// its partition and bucket, for the reduce-to-index variant (§4.7).
type ByIndex[K ~uint64] struct {
	Begin, End uint64
}

func (b ByIndex[K]) Partition(k K, numPartitions int) int {
	span := (b.End - b.Begin + uint64(numPartitions) - 1) / uint64(numPartitions)
	return int((uint64(k) - b.Begin) / span)
}

func (b ByIndex[K]) Bucket(k K, numBuckets int) int {
	return int(uint64(k) % uint64(numBuckets))
}

// PreTableOptions configures a PreTable.
type PreTableOptions struct {
	NumPartitions        int
	BucketRate           float64 // share of MaxPartitionFillRate's budget usable for bucket data; the rest is reserved for bucket-head pointer overhead (see capacityHint)
	MaxPartitionFillRate float64 // per-partition spill trigger
	FlushMode            FlushMode
	BlockSize            int
	// RobustKey indicates the reduce's value is itself the key: the
	// emitter writes the bare value, not a (key, value) pair, saving a
	// redundant key encode (§ supplemented features, RobustKey).
	RobustKey bool
}

// pair is the pre-table's in-memory bucket entry.
type pair[K comparable, V any] struct {
	key K
	val V
}

// partitionState is one partition's bucket chains plus its spill file,
// if it has spilled.
type partitionState[K comparable, V any] struct {
	buckets   map[K]V
	itemCount int

	spillFile   *file.File
	spillWriter *serialize.Writer[pair[K, V]]

	lastFlush int // logical clock value at last flush, for LRU
	flushes   int // flush count, for LFU
}

// PreTable is the local partial-aggregation hash table a worker
// inserts values into before shuffling them to their target workers
// (§4.6).
type PreTable[K comparable, V any] struct {
	opts     PreTableOptions
	pool     *block.Pool
	keyOf    func(V) K
	reduce   func(a, b V) V
	index    IndexFunction[K]
	codec    serialize.Codec[pair[K, V]]
	localID  int
	clock    int
	parts    []*partitionState[K, V]
	maxItems int // per-partition fill threshold, in item count
}

// NewPreTable returns a PreTable that extracts keys with keyOf and
// combines colliding values with reduce (must be associative, and for
// ReduceByKey also commutative, per §4.6's contract).
func NewPreTable[K comparable, V any](
	pool *block.Pool,
	opts PreTableOptions,
	keyOf func(V) K,
	reduce func(a, b V) V,
	index IndexFunction[K],
	codec serialize.Codec[pair[K, V]],
	localWorker int,
	estimatedItemsPerPartition int,
) *PreTable[K, V] {
	t := &PreTable[K, V]{
		opts: opts, pool: pool, keyOf: keyOf, reduce: reduce,
		index: index, codec: codec, localID: localWorker,
		maxItems: estimatedItemsPerPartition,
	}
	t.parts = make([]*partitionState[K, V], opts.NumPartitions)
	for i := range t.parts {
		t.parts[i] = &partitionState[K, V]{buckets: map[K]V{}}
	}
	return t
}

// PairCodec builds the Codec for a pre-table's (key, value) pairs out
// of the element codecs, honoring RobustKey by not separately encoding
// the key when the value already is the key.
func PairCodec[K comparable, V any](keyCodec serialize.Codec[K], valCodec serialize.Codec[V], robustKey bool) serialize.Codec[pair[K, V]] {
	return pairCodec[K, V]{key: keyCodec, val: valCodec, robust: robustKey}
}

type pairCodec[K comparable, V any] struct {
	key    serialize.Codec[K]
	val    serialize.Codec[V]
	robust bool
}

func (c pairCodec[K, V]) Append(buf []byte, v pair[K, V]) []byte {
	if c.robust {
		return c.val.Append(buf, v.val)
	}
	buf = c.key.Append(buf, v.key)
	return c.val.Append(buf, v.val)
}

func (c pairCodec[K, V]) Get(buf []byte) (pair[K, V], int, error) {
	if c.robust {
		val, n, err := c.val.Get(buf)
		if err != nil {
			return pair[K, V]{}, 0, err
		}
		var zero pair[K, V]
		zero.val = val
		return zero, n, nil
	}
	key, n1, err := c.key.Get(buf)
	if err != nil {
		return pair[K, V]{}, 0, err
	}
	val, n2, err := c.val.Get(buf[n1:])
	if err != nil {
		return pair[K, V]{}, 0, err
	}
	return pair[K, V]{key: key, val: val}, n1 + n2, nil
}

// Insert computes this value's key, finds its partition, and either
// reduces it into an existing slot or appends a new one, per §4.6.
func (t *PreTable[K, V]) Insert(ctx context.Context, v V) error {
	k := t.keyOf(v)
	p := t.index.Partition(k, len(t.parts))
	part := t.parts[p]
	if old, ok := part.buckets[k]; ok {
		part.buckets[k] = t.reduce(old, v)
	} else {
		part.buckets[k] = v
		part.itemCount++
	}
	if t.opts.MaxPartitionFillRate > 0 && float64(part.itemCount) >= t.opts.MaxPartitionFillRate*float64(t.capacityHint()) {
		return t.spillPartition(ctx, p)
	}
	return nil
}

// capacityHint is a partition's usable item capacity: maxItems is the
// nominal per-partition budget, and BucketRate carves off the share of
// it spent on bucket-head pointers rather than bucket data, so a
// partition is treated as full sooner the lower BucketRate is set.
func (t *PreTable[K, V]) capacityHint() int {
	if t.opts.BucketRate <= 0 {
		return t.maxItems
	}
	return int(t.opts.BucketRate * float64(t.maxItems))
}

// spillPartition appends every (k,v) in partition p's buckets to a
// per-partition scratch File and clears the chains, per §4.6.
func (t *PreTable[K, V]) spillPartition(ctx context.Context, p int) error {
	part := t.parts[p]
	if len(part.buckets) == 0 {
		return nil
	}
	if part.spillWriter == nil {
		part.spillFile = file.New()
		w, err := part.spillFile.GetWriter()
		if err != nil {
			return err
		}
		part.spillWriter = serialize.NewWriter[pair[K, V]](t.pool, w, t.codec, t.opts.BlockSize)
	}
	for k, v := range part.buckets {
		if err := part.spillWriter.Put(ctx, pair[K, V]{key: k, val: v}); err != nil {
			return err
		}
	}
	part.buckets = map[K]V{}
	part.itemCount = 0
	return nil
}

// Emitter receives each (partition, key, value) pair a Flush produces;
// the caller routes it to the target worker's shuffle stream writer.
type Emitter[K comparable, V any] func(ctx context.Context, partition int, k K, v V) error

// Flush iterates partitions in the configured flush order, emitting
// every (k,v) pair to emit, then clearing (consume=true) or retaining
// (consume=false) each partition's buckets, per §4.6.
func (t *PreTable[K, V]) Flush(ctx context.Context, consume bool, emit Emitter[K, V]) error {
	t.clock++
	order := t.schedule()
	for _, p := range order {
		part := t.parts[p]
		if part.spillFile != nil {
			if err := t.flushSpillFile(ctx, p, emit); err != nil {
				return err
			}
		}
		for k, v := range part.buckets {
			if err := emit(ctx, p, k, v); err != nil {
				return err
			}
		}
		part.lastFlush = t.clock
		part.flushes++
		if consume {
			part.buckets = map[K]V{}
			part.itemCount = 0
			part.spillFile = nil
		}
	}
	return nil
}

func (t *PreTable[K, V]) flushSpillFile(ctx context.Context, p int, emit Emitter[K, V]) error {
	part := t.parts[p]
	if part.spillWriter != nil {
		if err := part.spillWriter.Close(ctx); err != nil {
			return err
		}
		part.spillWriter = nil
	}
	rd, err := part.spillFile.GetReader(true)
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
		if err := emit(ctx, p, k, pr.val); err != nil {
			return err
		}
	}
	return nil
}

// schedule returns the partition visitation order for the current
// flush, according to t.opts.FlushMode.
func (t *PreTable[K, V]) schedule() []int {
	n := len(t.parts)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	switch t.opts.FlushMode {
	case FlushOneFactor:
		// A round-robin rotation offset by the flush clock forms an
		// edge-disjoint matching across workers each round; the local
		// worker's own partition is placed last so loopback traffic
		// does not contend with network sends.
		rotated := make([]int, 0, n)
		for i := 0; i < n; i++ {
			rotated = append(rotated, (i+t.localID+t.clock)%n)
		}
		local := t.localID % n
		for i, p := range rotated {
			if p == local {
				rotated = append(rotated[:i], rotated[i+1:]...)
				rotated = append(rotated, local)
				break
			}
		}
		return rotated
	case FlushSmallestFirst:
		sort.Slice(order, func(i, j int) bool {
			return t.parts[order[i]].itemCount < t.parts[order[j]].itemCount
		})
	case FlushLRU:
		sort.Slice(order, func(i, j int) bool {
			return t.parts[order[i]].lastFlush < t.parts[order[j]].lastFlush
		})
	case FlushLFU:
		sort.Slice(order, func(i, j int) bool {
			return t.parts[order[i]].flushes < t.parts[order[j]].flushes
		})
	case FlushRandom:
		rand.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	return order
}
