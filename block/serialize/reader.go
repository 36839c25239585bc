package serialize

import (
	"context"
	"errors"
	"io"

	"github.com/flowbase/flowbase/block"
	fberrors "github.com/flowbase/flowbase/internal/errors"
)

// Source yields the sequence of block references a Reader consumes.
// It returns (nil, false, nil) once exhausted. File, block/queue.Queue
// and a stream's reader all satisfy Source.
type Source interface {
	Next(ctx context.Context) (*block.Ref, bool, error)
}

// owner tracks how many of the front bytes of Reader.buf still belong
// to a given block reference, so Reader can release references (and
// correctly attribute partial consumption) as items are decoded
// across block boundaries.
type owner struct {
	ref *block.Ref
	n   int
}

// Reader deserializes a sequence of items of type T from a Source,
// transparently reassembling items whose encoding spans more than one
// block. Next<T>() deserializes exactly one T; HasNext reports whether
// any more bytes remain in the source.
type Reader[T any] struct {
	src   Source
	codec Codec[T]

	buf    []byte
	owners []owner
	eof    bool

	skippedFirst bool
}

// NewReader returns a Reader over src using codec.
func NewReader[T any](src Source, codec Codec[T]) *Reader[T] {
	return &Reader[T]{src: src, codec: codec}
}

// pull appends the next block's bytes to the internal buffer. It
// returns false once the source is exhausted.
func (r *Reader[T]) pull(ctx context.Context) (bool, error) {
	ref, ok, err := r.src.Next(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		r.eof = true
		return false, nil
	}
	data := ref.Bytes()
	if !r.skippedFirst && len(r.buf) == 0 {
		// Landing fresh on a source: skip any half-item prefix left
		// over from a writer that started mid-block.
		if ref.FirstItemOffset > 0 && ref.FirstItemOffset <= len(data) {
			data = data[ref.FirstItemOffset:]
		}
		r.skippedFirst = true
	}
	if len(data) == 0 {
		ref.Release()
		return true, nil
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	r.buf = append(r.buf, buf...)
	r.owners = append(r.owners, owner{ref: ref, n: len(buf)})
	return true, nil
}

// HasNext reports whether any source yields a block with unread
// items remaining.
func (r *Reader[T]) HasNext(ctx context.Context) (bool, error) {
	for len(r.buf) == 0 && !r.eof {
		more, err := r.pull(ctx)
		if err != nil {
			return false, err
		}
		if !more {
			break
		}
	}
	return len(r.buf) > 0, nil
}

// Next deserializes and returns exactly one T, pulling additional
// blocks from the source as needed when an item's encoding spans a
// block boundary. It returns io.EOF when the source is exhausted.
func (r *Reader[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		v, consumed, err := r.codec.Get(r.buf)
		if err == nil {
			r.advance(consumed)
			return v, nil
		}
		if !errors.Is(err, ErrShortBuffer) {
			return zero, err
		}
		more, perr := r.pull(ctx)
		if perr != nil {
			return zero, perr
		}
		if !more {
			if len(r.buf) > 0 {
				return zero, fberrors.E(fberrors.Integrity, "serialize: truncated item at end of source")
			}
			return zero, io.EOF
		}
	}
}

// advance drops the front n consumed bytes from buf, releasing any
// owner block references that become fully drained.
func (r *Reader[T]) advance(n int) {
	r.buf = r.buf[n:]
	for n > 0 && len(r.owners) > 0 {
		o := &r.owners[0]
		take := n
		if take > o.n {
			take = o.n
		}
		o.n -= take
		n -= take
		if o.n == 0 {
			o.ref.Release()
			r.owners = r.owners[1:]
		}
	}
}
