// Package mock provides an in-process group.Group for tests: every
// peer is a goroutine in the same process, connected by buffered
// channels instead of a real network.
package mock

import (
	"context"
	"sync"

	"github.com/flowbase/flowbase/group"
	"github.com/flowbase/flowbase/internal/errors"
)

// New returns size peers of an in-process group, indexed [0, size).
func New(size int) []group.Group {
	// inboxes[to][from] carries messages from peer `from` to peer `to`.
	inboxes := make([][]chan []byte, size)
	for i := range inboxes {
		inboxes[i] = make([]chan []byte, size)
		for j := range inboxes[i] {
			inboxes[i][j] = make(chan []byte, 256)
		}
	}
	b := &barrier{n: size}
	peers := make([]*Group, size)
	groups := make([]group.Group, size)
	for i := 0; i < size; i++ {
		peers[i] = &Group{rank: i, size: size, inboxes: inboxes, barrier: b}
		groups[i] = peers[i]
	}
	return groups
}

// Group is one peer's view of an in-process mock group.
type Group struct {
	rank    int
	size    int
	inboxes [][]chan []byte
	barrier *barrier

	mu     sync.Mutex
	closed bool
}

func (g *Group) Rank() int { return g.rank }
func (g *Group) Size() int { return g.size }

func (g *Group) Send(ctx context.Context, peer int, data []byte) error {
	if peer < 0 || peer >= g.size {
		return errors.E(errors.Invalid, "mock group: peer out of range")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case g.inboxes[peer][g.rank] <- cp:
		return nil
	case <-ctx.Done():
		return errors.E(errors.Canceled, ctx.Err())
	}
}

func (g *Group) Receive(ctx context.Context, peer int) ([]byte, error) {
	if peer < 0 || peer >= g.size {
		return nil, errors.E(errors.Invalid, "mock group: peer out of range")
	}
	select {
	case data := <-g.inboxes[g.rank][peer]:
		return data, nil
	case <-ctx.Done():
		return nil, errors.E(errors.Canceled, ctx.Err())
	}
}

func (g *Group) Barrier(ctx context.Context) error {
	return g.barrier.wait(ctx)
}

func (g *Group) AllReduce(ctx context.Context, value uint64, combine func(a, b uint64) uint64) (uint64, error) {
	vals, err := g.gather(ctx, value)
	if err != nil {
		return 0, err
	}
	acc := vals[0]
	for _, v := range vals[1:] {
		acc = combine(acc, v)
	}
	return acc, nil
}

func (g *Group) Broadcast(ctx context.Context, root int, value []byte) ([]byte, error) {
	vals, err := g.gatherBytes(ctx, root, value)
	if err != nil {
		return nil, err
	}
	return vals, nil
}

func (g *Group) PrefixSum(ctx context.Context, value uint64, combine func(a, b uint64) uint64) (uint64, error) {
	vals, err := g.gather(ctx, value)
	if err != nil {
		return 0, err
	}
	var acc uint64
	first := true
	for i := 0; i <= g.rank; i++ {
		if first {
			acc = vals[i]
			first = false
			continue
		}
		acc = combine(acc, vals[i])
	}
	return acc, nil
}

func (g *Group) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

// gather is a simple all-to-one-then-broadcast collective built from
// the barrier's shared slot array: used to implement AllReduce and
// PrefixSum without a dedicated wire protocol, matching how group/tcp
// implements the same collectives over point-to-point Send/Receive.
func (g *Group) gather(ctx context.Context, value uint64) ([]uint64, error) {
	return g.barrier.collectUint64(ctx, g.rank, value)
}

func (g *Group) gatherBytes(ctx context.Context, root int, value []byte) ([]byte, error) {
	return g.barrier.collectBytes(ctx, g.rank, root, value)
}

// barrier is shared by every peer of one mock group and doubles as the
// rendezvous point for the gather-based collectives above.
type barrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	n       int
	arrived int
	gen     int

	u64vals   []uint64
	lastU64   []uint64
	bytesRoot int
	bytesVal  []byte
	bytesOut  []byte
}

func (b *barrier) init() {
	if b.cond == nil {
		b.cond = sync.NewCond(&b.mu)
	}
}

func (b *barrier) wait(ctx context.Context) error {
	b.mu.Lock()
	b.init()
	gen := b.gen
	b.arrived++
	if b.arrived == b.n {
		b.arrived = 0
		b.gen++
		b.cond.Broadcast()
	} else {
		for b.gen == gen {
			b.cond.Wait()
		}
	}
	b.mu.Unlock()
	return ctx.Err()
}

func (b *barrier) collectUint64(ctx context.Context, rank int, value uint64) ([]uint64, error) {
	b.mu.Lock()
	b.init()
	if b.u64vals == nil {
		b.u64vals = make([]uint64, b.n)
	}
	b.u64vals[rank] = value
	gen := b.gen
	b.arrived++
	var out []uint64
	if b.arrived == b.n {
		out = append([]uint64(nil), b.u64vals...)
		b.arrived = 0
		b.gen++
		b.u64vals = nil
		b.cond.Broadcast()
	} else {
		for b.gen == gen {
			b.cond.Wait()
		}
		out = b.lastU64
	}
	b.lastU64 = out
	b.mu.Unlock()
	return out, ctx.Err()
}

func (b *barrier) collectBytes(ctx context.Context, rank, root int, value []byte) ([]byte, error) {
	b.mu.Lock()
	b.init()
	if rank == root {
		b.bytesVal = value
	}
	b.bytesRoot = root
	gen := b.gen
	b.arrived++
	var out []byte
	if b.arrived == b.n {
		out = b.bytesVal
		b.arrived = 0
		b.gen++
		b.cond.Broadcast()
	} else {
		for b.gen == gen {
			b.cond.Wait()
		}
		out = b.bytesOut
	}
	b.bytesOut = out
	b.mu.Unlock()
	return out, ctx.Err()
}
