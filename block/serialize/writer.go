package serialize

import (
	"context"

	"github.com/flowbase/flowbase/block"
)

// Sink receives the sequence of sealed block references a Writer
// produces, in order. File, block/queue.Queue, and a stream's writer
// all satisfy Sink.
type Sink interface {
	Put(ctx context.Context, ref *block.Ref) error
	Close(ctx context.Context) error
}

// Writer serializes a sequence of items of type T into byte blocks
// drawn from a Pool, handing each sealed block to a Sink as it fills.
// A Writer maintains one "current" pinned block and an offset; Put
// transparently spans an item's encoding across a block boundary when
// it does not fit in the remainder of the current block.
type Writer[T any] struct {
	pool      *block.Pool
	sink      Sink
	codec     Codec[T]
	blockSize int

	cur            *block.Ref
	curNeedsFirst  bool // true once FirstItemOffset for cur is still unresolved
	itemsInCurrent int
	scratch        []byte
	closed         bool
}

// NewWriter returns a Writer that allocates blocks of blockSize bytes
// from pool and forwards sealed blocks to sink.
func NewWriter[T any](pool *block.Pool, sink Sink, codec Codec[T], blockSize int) *Writer[T] {
	return &Writer[T]{pool: pool, sink: sink, codec: codec, blockSize: blockSize}
}

// Put serializes item and appends it to the writer's output,
// transparently crossing block boundaries as needed.
func (w *Writer[T]) Put(ctx context.Context, item T) error {
	w.scratch = w.codec.Append(w.scratch[:0], item)
	data := w.scratch
	wroteAny := false
	for len(data) > 0 {
		if w.cur == nil {
			if err := w.openBlock(ctx, wroteAny); err != nil {
				return err
			}
		}
		if w.cur.Remaining() == 0 {
			if err := w.closeCurrent(ctx); err != nil {
				return err
			}
			if err := w.openBlock(ctx, wroteAny); err != nil {
				return err
			}
		}
		n := len(data)
		if n > w.cur.Remaining() {
			n = w.cur.Remaining()
		}
		w.cur.Append(data[:n])
		data = data[n:]
		wroteAny = true
		if len(data) == 0 && w.curNeedsFirst {
			w.cur.FirstItemOffset = w.cur.Length
			w.curNeedsFirst = false
		}
	}
	w.itemsInCurrent++
	return nil
}

// openBlock allocates a fresh current block. continuation is true when
// the block is being opened to hold the tail of an item that has
// already had some bytes written to a previous block; in that case
// the new block's FirstItemOffset is unresolved until the spilling
// item's bytes are exhausted.
func (w *Writer[T]) openBlock(ctx context.Context, continuation bool) error {
	ref, err := w.pool.AllocatePinnedBlock(ctx, w.blockSize)
	if err != nil {
		return err
	}
	w.cur = ref
	w.itemsInCurrent = 0
	if continuation {
		w.curNeedsFirst = true
	} else {
		w.cur.FirstItemOffset = 0
		w.curNeedsFirst = false
	}
	return nil
}

// closeCurrent finalizes the current block's used length and hands it
// to the sink.
func (w *Writer[T]) closeCurrent(ctx context.Context) error {
	if w.cur == nil {
		return nil
	}
	if w.curNeedsFirst {
		// No item ever starts in this block: by convention
		// FirstItemOffset == Length.
		w.cur.FirstItemOffset = w.cur.Length
		w.curNeedsFirst = false
	}
	w.cur.ItemCount = w.itemsInCurrent
	w.cur.Seal()
	ref := w.cur
	w.cur = nil
	return w.sink.Put(ctx, ref)
}

// Close seals any partially-filled current block and closes the sink.
// Once Close returns, no further Put calls may be made.
func (w *Writer[T]) Close(ctx context.Context) error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.closeCurrent(ctx); err != nil {
		return err
	}
	return w.sink.Close(ctx)
}
