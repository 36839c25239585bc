// Package serialize implements the typed block writer/reader spine
// (C3): lazy serialization of a sequence of items of static type T
// into byte blocks, and deserialization back, using the wire encoding
// of §6 (fixed-width POD, varint-prefixed strings/bytes, field
// concatenation for tuples, varint-length-prefixed vectors).
//
// There is no self-describing type tag on the wire: a Reader must be
// constructed with the same Codec[T] a Writer[T] used.
package serialize

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrShortBuffer is returned by a Codec's Get when buf does not yet
// contain a full encoded value. Reader treats it as a signal to pull
// more bytes from the next block, not as data corruption; if it
// persists once the source is exhausted, Reader reports it as an
// Integrity error instead.
var ErrShortBuffer = errors.New("serialize: short buffer")

// Codec knows how to append a value of type T to a byte buffer and
// read one back. Implementations must be deterministic and must
// consume exactly the bytes they wrote (no self-describing tags).
type Codec[T any] interface {
	// Append encodes v onto the end of buf and returns the result.
	Append(buf []byte, v T) []byte
	// Get decodes one T starting at buf[0], returning the value and
	// the number of bytes consumed. It must not read beyond len(buf).
	Get(buf []byte) (T, int, error)
}

// PutUvarint appends x to buf using the 7-bits-per-byte, high-bit-set
// continuation convention of §6.
func PutUvarint(buf []byte, x uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], x)
	return append(buf, tmp[:n]...)
}

// GetUvarint reads a varint from the front of buf.
func GetUvarint(buf []byte) (uint64, int, error) {
	x, n := binary.Uvarint(buf)
	if n <= 0 {
		return 0, 0, ErrShortBuffer
	}
	return x, n, nil
}

// Uvarint64 is the Codec for a raw unsigned varint.
type Uvarint64 struct{}

func (Uvarint64) Append(buf []byte, v uint64) []byte { return PutUvarint(buf, v) }
func (Uvarint64) Get(buf []byte) (uint64, int, error) { return GetUvarint(buf) }

// Fixed64 is the Codec for a little-endian fixed-width uint64 (a POD
// field, per §6).
type Fixed64 struct{}

func (Fixed64) Append(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func (Fixed64) Get(buf []byte) (uint64, int, error) {
	if len(buf) < 8 {
		return 0, 0, ErrShortBuffer
	}
	return binary.LittleEndian.Uint64(buf), 8, nil
}

// Fixed32 is the Codec for a little-endian fixed-width uint32.
type Fixed32 struct{}

func (Fixed32) Append(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func (Fixed32) Get(buf []byte) (uint32, int, error) {
	if len(buf) < 4 {
		return 0, 0, ErrShortBuffer
	}
	return binary.LittleEndian.Uint32(buf), 4, nil
}

// Float64 is the Codec for an IEEE-754 double, little-endian.
type Float64 struct{}

func (Float64) Append(buf []byte, v float64) []byte {
	return Fixed64{}.Append(buf, math.Float64bits(v))
}

func (Float64) Get(buf []byte) (float64, int, error) {
	bits, n, err := (Fixed64{}).Get(buf)
	return math.Float64frombits(bits), n, err
}

// Bool is the Codec for a single boolean byte (0 or 1, per §6).
type Bool struct{}

func (Bool) Append(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func (Bool) Get(buf []byte) (bool, int, error) {
	if len(buf) < 1 {
		return false, 0, ErrShortBuffer
	}
	return buf[0] != 0, 1, nil
}

// String is the Codec for a varint-length-prefixed UTF-8 string.
type String struct{}

func (String) Append(buf []byte, v string) []byte {
	buf = PutUvarint(buf, uint64(len(v)))
	return append(buf, v...)
}

func (String) Get(buf []byte) (string, int, error) {
	n, hn, err := GetUvarint(buf)
	if err != nil {
		return "", 0, err
	}
	if uint64(len(buf)-hn) < n {
		return "", 0, ErrShortBuffer
	}
	return string(buf[hn : hn+int(n)]), hn + int(n), nil
}

// Bytes is the Codec for a varint-length-prefixed byte buffer.
type Bytes struct{}

func (Bytes) Append(buf []byte, v []byte) []byte {
	buf = PutUvarint(buf, uint64(len(v)))
	return append(buf, v...)
}

func (Bytes) Get(buf []byte) ([]byte, int, error) {
	n, hn, err := GetUvarint(buf)
	if err != nil {
		return nil, 0, err
	}
	if uint64(len(buf)-hn) < n {
		return nil, 0, ErrShortBuffer
	}
	out := make([]byte, n)
	copy(out, buf[hn:hn+int(n)])
	return out, hn + int(n), nil
}

// Pair composes two codecs by field concatenation, in declaration
// order, matching §6's tuple rule.
type Pair[A, B any] struct {
	First  Codec[A]
	Second Codec[B]
}

// KV is the decoded shape of a Pair.
type KV[A, B any] struct {
	First  A
	Second B
}

func (p Pair[A, B]) Append(buf []byte, v KV[A, B]) []byte {
	buf = p.First.Append(buf, v.First)
	return p.Second.Append(buf, v.Second)
}

func (p Pair[A, B]) Get(buf []byte) (KV[A, B], int, error) {
	a, n1, err := p.First.Get(buf)
	if err != nil {
		return KV[A, B]{}, 0, err
	}
	b, n2, err := p.Second.Get(buf[n1:])
	if err != nil {
		return KV[A, B]{}, 0, err
	}
	return KV[A, B]{First: a, Second: b}, n1 + n2, nil
}

// Slice composes a Codec[T] into a Codec for a variable-length vector
// of T: a varint count followed by each element in turn (§6).
type Slice[T any] struct {
	Elem Codec[T]
}

func (s Slice[T]) Append(buf []byte, v []T) []byte {
	buf = PutUvarint(buf, uint64(len(v)))
	for _, e := range v {
		buf = s.Elem.Append(buf, e)
	}
	return buf
}

func (s Slice[T]) Get(buf []byte) ([]T, int, error) {
	n, hn, err := GetUvarint(buf)
	if err != nil {
		return nil, 0, err
	}
	out := make([]T, 0, n)
	off := hn
	for i := uint64(0); i < n; i++ {
		v, consumed, err := s.Elem.Get(buf[off:])
		if err != nil {
			return nil, 0, err
		}
		out = append(out, v)
		off += consumed
	}
	return out, off, nil
}
