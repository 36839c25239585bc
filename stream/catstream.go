package stream

import (
	"context"

	"github.com/flowbase/flowbase/block"
)

// CatStream concatenates the sub-queues of a stream in source-rank
// order (§4.5): its reader never consults sub-queue j before sub-queue
// i < j is fully drained and closed.
type CatStream struct {
	mux        *Multiplexer
	id         ID
	numWorkers int
	localRank  int

	cur int // index of the sub-queue currently being drained
}

// NewCatStream opens a CatStream with numWorkers sub-queues, owned by
// the worker at localRank. Its id is only valid for this worker's own
// use (see NewID); a multi-worker shuffle must use
// NewCatStreamWithID instead so every participant agrees on the id.
func NewCatStream(mux *Multiplexer, localWorker, numWorkers int) *CatStream {
	id := mux.AllocateStreamID(localWorker)
	mux.Register(id, numWorkers)
	return &CatStream{mux: mux, id: id, numWorkers: numWorkers, localRank: localWorker}
}

// NewCatStreamWithID opens a CatStream under an id every participating
// worker already agrees on (see IDFromNode), rather than one derived
// from this worker's own local counter.
func NewCatStreamWithID(mux *Multiplexer, id ID, localWorker, numWorkers int) *CatStream {
	mux.Register(id, numWorkers)
	return &CatStream{mux: mux, id: id, numWorkers: numWorkers, localRank: localWorker}
}

// ID returns the stream's wire identifier, to be shared with peers
// opening the matching writer side out of band (e.g. via a DIA node's
// deterministic stream-open order).
func (c *CatStream) ID() ID { return c.id }

// Writer returns a Sink that sends blocks from sourceWorker to
// targetWorker on this stream.
func (c *CatStream) Writer(sourceWorker, targetWorker int) *StreamWriter {
	return &StreamWriter{mux: c.mux, id: c.id, source: sourceWorker, target: targetWorker}
}

// Next returns the next block reference in source-rank order, or
// (nil, false, nil) once every sub-queue is drained and closed.
func (c *CatStream) Next(ctx context.Context) (*block.Ref, bool, error) {
	for c.cur < c.numWorkers {
		q := c.mux.SubQueue(c.id, c.cur, c.localRank)
		ref, ok, err := q.Next(ctx)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return ref, true, nil
		}
		c.cur++
	}
	return nil, false, nil
}

// MixStream returns blocks from any sub-queue in arrival order (§4.5):
// whole blocks are delivered without interleaving items from two
// different sub-queues within one block.
type MixStream struct {
	mux        *Multiplexer
	id         ID
	numWorkers int
	localRank  int

	// openSubs tracks which sub-queues have not yet reported
	// end-of-stream, so Next knows when every source is drained.
	openSubs int

	results chan mixResult
	started bool
}

type mixResult struct {
	ref *block.Ref
	ok  bool
	err error
}

// NewMixStream opens a MixStream with numWorkers sub-queues.
func NewMixStream(mux *Multiplexer, localWorker, numWorkers int) *MixStream {
	id := mux.AllocateStreamID(localWorker)
	mux.Register(id, numWorkers)
	return &MixStream{mux: mux, id: id, numWorkers: numWorkers, localRank: localWorker, openSubs: numWorkers}
}

// NewMixStreamWithID is NewCatStreamWithID's MixStream counterpart.
func NewMixStreamWithID(mux *Multiplexer, id ID, localWorker, numWorkers int) *MixStream {
	mux.Register(id, numWorkers)
	return &MixStream{mux: mux, id: id, numWorkers: numWorkers, localRank: localWorker, openSubs: numWorkers}
}

func (m *MixStream) ID() ID { return m.id }

func (m *MixStream) Writer(sourceWorker, targetWorker int) *StreamWriter {
	return &StreamWriter{mux: m.mux, id: m.id, source: sourceWorker, target: targetWorker}
}

// start launches one goroutine per sub-queue, each forwarding its
// blocks (in its own order) onto the shared results channel; Next then
// simply receives from whichever sub-queue produces next.
func (m *MixStream) start(ctx context.Context) {
	m.results = make(chan mixResult, m.numWorkers)
	for w := 0; w < m.numWorkers; w++ {
		q := m.mux.SubQueue(m.id, w, m.localRank)
		go func(q interface {
			Next(ctx context.Context) (*block.Ref, bool, error)
		}) {
			for {
				ref, ok, err := q.Next(ctx)
				if err != nil {
					m.results <- mixResult{err: err}
					return
				}
				if !ok {
					m.results <- mixResult{ok: false}
					return
				}
				m.results <- mixResult{ref: ref, ok: true}
			}
		}(q)
	}
	m.started = true
}

// Next returns the next available block from any sub-queue, or (nil,
// false, nil) once every sub-queue has reported end-of-stream.
func (m *MixStream) Next(ctx context.Context) (*block.Ref, bool, error) {
	if !m.started {
		m.start(ctx)
	}
	for m.openSubs > 0 {
		select {
		case res := <-m.results:
			if res.err != nil {
				return nil, false, res.err
			}
			if !res.ok {
				m.openSubs--
				continue
			}
			return res.ref, true, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	return nil, false, nil
}

// StreamWriter is a serialize.Sink that forwards sealed blocks into a
// stream's multiplexer routing, tagging each with source/target
// worker and sealing the sub-queue on Close.
type StreamWriter struct {
	mux            *Multiplexer
	id             ID
	source, target int
	closed         bool
}

func (w *StreamWriter) Put(ctx context.Context, ref *block.Ref) error {
	return w.mux.Send(ctx, w.id, w.source, w.target, ref, false)
}

func (w *StreamWriter) Close(ctx context.Context) error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.mux.CloseSend(ctx, w.id, w.source, w.target)
}
