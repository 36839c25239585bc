// Package queue implements the single-producer/single-consumer block
// queue (C5): an in-memory FIFO of block references bridging a
// Writer on one goroutine to a Reader on another, with an explicit
// close-for-end-of-stream signal distinct from a mid-stream error.
//
// Unlike syncqueue.OrderedQueue, entries are not tagged with a
// sequence index and are never reordered: the one producer and one
// consumer already agree on order by construction.
package queue

import (
	"context"
	"sync"

	"github.com/flowbase/flowbase/block"
	"github.com/flowbase/flowbase/internal/ctxsync"
	"github.com/flowbase/flowbase/internal/errors"
)

// Queue is an unbounded FIFO of block references. It implements both
// serialize.Sink (Put/Close) and serialize.Source (Next), so a Writer
// and Reader can be connected directly through a Queue. Put never
// blocks on queue depth: the block pool's RAM budget (block.Pool's
// AllocatePinnedBlock) is the sole admission throttle on how many
// blocks can be in flight at once, per the flow group's loopback and
// wire paths (§4.4) — a second, queue-depth throttle here would just
// be a redundant, harder-to-reason-about second knob on the same
// resource.
type Queue struct {
	mu   sync.Mutex
	cond *ctxsync.Cond

	pending []*block.Ref

	closed bool
	err    error
}

// New returns an empty Queue.
func New() *Queue {
	q := &Queue{}
	q.cond = ctxsync.NewCond(&q.mu)
	return q
}

// Put enqueues ref. It returns the queue's stored error if the queue
// was already closed with one.
func (q *Queue) Put(ctx context.Context, ref *block.Ref) error {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	if q.err != nil {
		return q.err
	}
	if q.closed {
		return errors.E(errors.Protocol, "queue: Put after Close")
	}
	q.pending = append(q.pending, ref)
	q.cond.Broadcast()
	return nil
}

// Close marks the end of the stream. Once every already-queued ref has
// been drained by Next, the queue reports end-of-stream. To abort the
// queue with an error instead, use CloseWithError.
func (q *Queue) Close(ctx context.Context) error {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	q.closed = true
	q.cond.Broadcast()
	return nil
}

// CloseWithError aborts the queue: every blocked and future Put or
// Next call returns err.
func (q *Queue) CloseWithError(err error) {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	if q.err == nil {
		q.err = err
	}
	q.closed = true
	q.cond.Broadcast()
}

// Next returns the next queued block reference, blocking until one is
// available, the queue is closed with all entries drained (in which
// case it returns (nil, false, nil)), or ctx is canceled.
func (q *Queue) Next(ctx context.Context) (*block.Ref, bool, error) {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	for q.err == nil && len(q.pending) == 0 && !q.closed {
		if err := q.cond.Wait(ctx); err != nil {
			return nil, false, err
		}
	}
	if q.err != nil {
		return nil, false, q.err
	}
	if len(q.pending) == 0 {
		return nil, false, nil
	}
	ref := q.pending[0]
	q.pending = q.pending[1:]
	q.cond.Broadcast()
	return ref, true, nil
}
