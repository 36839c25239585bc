package dia

import "github.com/flowbase/flowbase/block/serialize"

// KV is a decoded (key, value) pair: the output type of ReduceByKey
// and the record GroupBy's shuffle carries between workers.
type KV[K any, V any] struct {
	Key   K
	Value V
}

// kvCodec serializes a KV[K,V] as field concatenation of its key and
// value codecs (§6's tuple rule), used for the shuffle wire format
// between a pre-table's Flush and a post-table's Insert.
type kvCodec[K any, V any] struct {
	key serialize.Codec[K]
	val serialize.Codec[V]
}

func newKVCodec[K any, V any](key serialize.Codec[K], val serialize.Codec[V]) kvCodec[K, V] {
	return kvCodec[K, V]{key: key, val: val}
}

func (c kvCodec[K, V]) Append(buf []byte, v KV[K, V]) []byte {
	buf = c.key.Append(buf, v.Key)
	return c.val.Append(buf, v.Value)
}

func (c kvCodec[K, V]) Get(buf []byte) (KV[K, V], int, error) {
	k, n1, err := c.key.Get(buf)
	if err != nil {
		return KV[K, V]{}, 0, err
	}
	v, n2, err := c.val.Get(buf[n1:])
	if err != nil {
		return KV[K, V]{}, 0, err
	}
	return KV[K, V]{Key: k, Value: v}, n1 + n2, nil
}
