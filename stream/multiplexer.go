// Package stream implements the block stream multiplexer (C6) and the
// CatStream/MixStream/Scatter operations built on top of it (C7).
package stream

import (
	"context"
	"sync"

	"github.com/flowbase/flowbase/block"
	"github.com/flowbase/flowbase/block/queue"
	"github.com/flowbase/flowbase/group"
	"github.com/flowbase/flowbase/internal/errors"
	"github.com/flowbase/flowbase/internal/log"
)

// Multiplexer demultiplexes incoming blocks from the flow group onto
// per-stream block queues, one per (source worker, local target
// worker) pair, and routes outgoing
// blocks either onto the wire or, for same-host transfers, directly
// into the destination queue (the loopback fast path of §4.4).
type Multiplexer struct {
	grp            group.Group
	pool           *block.Pool
	workersPerHost int
	hostRank       int

	mu       sync.Mutex
	counters map[int]uint32 // per local worker, next stream counter
	streams  map[ID]*streamState

	closed bool
}

// subQueueKey identifies one receive-side sub-queue: blocks sent by
// sourceWorker (a global worker rank) addressed to targetWorker (a
// local worker index on this host). Both dimensions are required:
// with workersPerHost > 1, this host's local workers each need their
// own queue for the same (id, sourceWorker) pair, or they would race
// to drain blocks addressed to one another.
type subQueueKey struct {
	sourceWorker int
	targetWorker int // local index, not global rank
}

// streamState is the receive-side state for one stream id: one queue
// per (source worker, local target worker) pair feeding into this
// stream.
type streamState struct {
	numWorkers int
	subQueues  map[subQueueKey]*queue.Queue
}

// NewMultiplexer returns a Multiplexer for a host of hostRank, with
// workersPerHost local worker threads, routing blocks through grp and
// allocating received blocks from pool.
func NewMultiplexer(grp group.Group, pool *block.Pool, hostRank, workersPerHost int) *Multiplexer {
	m := &Multiplexer{
		grp:            grp,
		pool:           pool,
		workersPerHost: workersPerHost,
		hostRank:       hostRank,
		counters:       map[int]uint32{},
		streams:        map[ID]*streamState{},
	}
	for peer := 0; peer < grp.Size(); peer++ {
		if peer == grp.Rank() {
			continue
		}
		go m.receiveLoop(peer)
	}
	return m
}

func (m *Multiplexer) hostOf(globalWorker int) int { return globalWorker / m.workersPerHost }

func (m *Multiplexer) localOf(globalWorker int) int { return globalWorker % m.workersPerHost }

// AllocateStreamID returns a fresh id for a stream opened by
// localWorker on this host.
func (m *Multiplexer) AllocateStreamID(localWorker int) ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.counters[localWorker]
	m.counters[localWorker] = c + 1
	return NewID(m.hostRank, localWorker, c)
}

// Register creates the receive-side sub-queues for id: one per
// (source worker, local target worker) pair, for source workers in
// [0, numWorkers) and local target workers in [0, workersPerHost). It
// must be called before any block for id can be routed (by every
// host, in the same deterministic order, since stream ids are derived
// without a handshake).
//
// Register is idempotent per id so that every local worker on this
// host can call it redundantly for a stream it shares.
func (m *Multiplexer) Register(id ID, numWorkers int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[id]; ok {
		return
	}
	st := &streamState{numWorkers: numWorkers, subQueues: map[subQueueKey]*queue.Queue{}}
	for w := 0; w < numWorkers; w++ {
		for t := 0; t < m.workersPerHost; t++ {
			st.subQueues[subQueueKey{sourceWorker: w, targetWorker: t}] = queue.New()
		}
	}
	m.streams[id] = st
}

// SubQueue returns the receive queue for blocks sent by sourceWorker
// (a global rank) addressed to targetWorker (a local worker index on
// this host). Register must have been called first.
func (m *Multiplexer) SubQueue(id ID, sourceWorker, targetWorker int) *queue.Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.streams[id]
	if st == nil {
		return nil
	}
	return st.subQueues[subQueueKey{sourceWorker: sourceWorker, targetWorker: targetWorker}]
}

// Send routes one sealed block to (id, targetWorker), tagged as
// originating from sourceWorker. If endOfStream is set, the
// destination sub-queue is closed once this block is delivered.
func (m *Multiplexer) Send(ctx context.Context, id ID, sourceWorker, targetWorker int, ref *block.Ref, endOfStream bool) error {
	hdr := blockHeader{
		StreamID:        uint64(id),
		SourceWorker:    uint32(sourceWorker),
		TargetWorker:    uint32(targetWorker),
		PayloadLen:      uint32(ref.Len()),
		ItemCount:       uint32(ref.ItemCount),
		FirstItemOffset: uint32(ref.FirstItemOffset),
	}
	if endOfStream {
		hdr.Flags |= flagEndOfStream
	}

	if m.hostOf(targetWorker) == m.hostRank {
		return m.deliverLocal(ctx, id, sourceWorker, m.localOf(targetWorker), ref, endOfStream)
	}

	peer := m.hostOf(targetWorker)
	data := hdr.encode()
	data = append(data, ref.Bytes()...)
	if err := m.grp.Send(ctx, peer, data); err != nil {
		return err
	}
	ref.Release()
	return nil
}

// deliverLocal implements the loopback path: the block reference is
// handed directly to the destination queue without going through the
// group transport, sharing ownership rather than copying bytes.
func (m *Multiplexer) deliverLocal(ctx context.Context, id ID, sourceWorker, targetWorker int, ref *block.Ref, endOfStream bool) error {
	q := m.SubQueue(id, sourceWorker, targetWorker)
	if q == nil {
		ref.Release()
		return errors.E(errors.Protocol, "stream: block for unregistered stream id")
	}
	if err := q.Put(ctx, ref); err != nil {
		return err
	}
	if endOfStream {
		return q.Close(ctx)
	}
	return nil
}

// CloseSend marks this worker's send side of (id, sourceWorker) done
// for targetWorker without sending a final payload block (used when a
// writer closes with nothing left buffered).
func (m *Multiplexer) CloseSend(ctx context.Context, id ID, sourceWorker, targetWorker int) error {
	if m.hostOf(targetWorker) == m.hostRank {
		q := m.SubQueue(id, sourceWorker, m.localOf(targetWorker))
		if q == nil {
			return errors.E(errors.Protocol, "stream: close for unregistered stream id")
		}
		return q.Close(ctx)
	}
	hdr := blockHeader{
		StreamID:     uint64(id),
		SourceWorker: uint32(sourceWorker),
		TargetWorker: uint32(targetWorker),
		Flags:        flagEndOfStream,
	}
	return m.grp.Send(ctx, m.hostOf(targetWorker), hdr.encode())
}

// receiveLoop continuously pulls framed blocks sent by peer and routes
// them onto the appropriate stream's sub-queue.
func (m *Multiplexer) receiveLoop(peer int) {
	ctx := context.Background()
	for {
		data, err := m.grp.Receive(ctx, peer)
		if err != nil {
			if m.isClosed() {
				return
			}
			log.Error.Printf("stream: receive from peer %d failed: %v", peer, err)
			return
		}
		if len(data) < headerSize {
			log.Fatalf("stream: short block header from peer %d (%d bytes)", peer, len(data))
		}
		hdr := decodeHeader(data)
		payload := data[headerSize:]

		var ref *block.Ref
		if len(payload) > 0 {
			r, err := m.pool.AllocatePinnedBlock(ctx, len(payload))
			if err != nil {
				log.Fatalf("stream: allocating block for incoming data: %v", err)
			}
			r.Append(payload)
			r.ItemCount = int(hdr.ItemCount)
			r.FirstItemOffset = int(hdr.FirstItemOffset)
			r.Seal()
			ref = r
		}

		q := m.SubQueue(ID(hdr.StreamID), int(hdr.SourceWorker), m.localOf(int(hdr.TargetWorker)))
		if q == nil {
			log.Fatalf("stream: block for unregistered stream id %d", hdr.StreamID)
		}
		if ref != nil {
			if err := q.Put(ctx, ref); err != nil {
				log.Error.Printf("stream: queue put failed: %v", err)
				return
			}
		}
		if hdr.Flags&flagEndOfStream != 0 {
			if err := q.Close(ctx); err != nil {
				log.Error.Printf("stream: queue close failed: %v", err)
			}
		}
	}
}

func (m *Multiplexer) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close marks the multiplexer closed; in-flight receive loops exit the
// next time their group connection errors.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
