package block

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/flowbase/flowbase/internal/ctxsync"
	"github.com/flowbase/flowbase/internal/errors"
	"github.com/flowbase/flowbase/internal/log"
	"github.com/klauspost/compress/s2"
	"golang.org/x/sync/semaphore"
)

// Options configures a Pool.
type Options struct {
	// RAMBudget is the hard RAM ceiling M shared by every block this
	// Pool allocates (§4.1).
	RAMBudget int64
	// ScratchDir is the directory spilled block bytes are written to.
	// A Pool creates and owns exactly one scratch file there.
	ScratchDir string
	// IOConcurrency bounds the number of concurrent eviction/repin
	// disk operations; it models "a small worker pool" performing I/O
	// off the critical section (§4.1).
	IOConcurrency int64
	// CompressScratch s2-compresses a block's bytes before writing
	// them to the scratch file, and decompresses on repin. Off by
	// default: §4.1's failure model treats disk I/O errors as fatal,
	// and a compression failure is folded into that same fatal path
	// rather than given its own recovery story.
	CompressScratch bool
}

// Pool allocates, pins, and evicts byte blocks under a hard RAM budget
// shared across every worker thread on a host (C2). It is a parallel
// monitor: mu guards metadata, cond unblocks admission waiters once
// bytes are freed, and disk I/O runs outside the critical section,
// gated by a semaphore modeling the "small worker pool" of §4.1.
type Pool struct {
	opts Options

	mu       sync.Mutex
	cond     *ctxsync.Cond
	resident int64 // RAM bytes currently occupied by live blocks (pinned + unpinned)
	pinned   int64 // subset of resident currently pinned; Σpinned <= RAMBudget always
	clock    int64 // logical clock, bumped on every touch, for LRU eviction order
	blocks   map[id]*Block
	lru      []*Block // unpinned blocks, not kept sorted; scanned for min lastTouched

	scratch   *os.File
	scratchAt int64 // next free write offset in the scratch file

	io *semaphore.Weighted

	closed bool
}

// NewPool creates a Pool with the given options.
func NewPool(opts Options) (*Pool, error) {
	if opts.RAMBudget <= 0 {
		return nil, errors.E(errors.Invalid, "block.NewPool: RAMBudget must be positive")
	}
	if opts.IOConcurrency <= 0 {
		opts.IOConcurrency = 4
	}
	f, err := os.CreateTemp(opts.ScratchDir, "flowbase-scratch-*")
	if err != nil {
		return nil, errors.E(errors.ResourcesExhausted, "block.NewPool: scratch file", err)
	}
	p := &Pool{
		opts:    opts,
		blocks:  make(map[id]*Block),
		scratch: f,
		io:      semaphore.NewWeighted(opts.IOConcurrency),
	}
	p.cond = ctxsync.NewCond(&p.mu)
	return p, nil
}

// Close releases the Pool's scratch file. It must be called after
// every block has been released.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	name := p.scratch.Name()
	p.mu.Unlock()
	err := p.scratch.Close()
	if rmErr := os.Remove(name); err == nil {
		err = rmErr
	}
	return err
}

// AllocatePinnedBlock blocks the caller until pinned_bytes+size <= M,
// evicting unpinned blocks as needed, and returns a Ref over a fresh
// block with pin count 1.
func (p *Pool) AllocatePinnedBlock(ctx context.Context, size int) (*Ref, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.resident+int64(size) <= p.opts.RAMBudget {
			b := &Block{
				id:          newID(),
				capacity:    size,
				data:        make([]byte, size),
				pinCount:    1,
				state:       RAMPinned,
				refCount:    1,
				lastTouched: p.tick(),
			}
			p.blocks[b.id] = b
			p.resident += int64(size)
			p.pinned += int64(size)
			return &Ref{pool: p, block: b, Length: 0}, nil
		}
		if victim := p.pickEvictionVictimLocked(); victim != nil {
			p.evictAsyncLocked(victim)
			continue
		}
		// Nothing unpinned to evict and still no room: wait for a
		// release or for an in-flight eviction to complete.
		if err := p.cond.Wait(ctx); err != nil {
			return nil, errors.E(errors.Canceled, "block.AllocatePinnedBlock", err)
		}
	}
}

func (p *Pool) tick() int64 {
	p.clock++
	return p.clock
}

// IncPin increments a block's pin count, moving it out of eviction
// eligibility.
func (p *Pool) IncPin(r *Ref) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := r.block
	if b.pinCount == 0 {
		p.pinned += int64(b.capacity)
		p.removeFromLRULocked(b)
	}
	b.pinCount++
	b.state = RAMPinned
	b.lastTouched = p.tick()
}

// DecPin decrements a block's pin count; at zero the block becomes
// eviction-eligible.
func (p *Pool) DecPin(r *Ref) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := r.block
	if b.pinCount == 0 {
		panic("block: DecPin on unpinned block")
	}
	b.pinCount--
	if b.pinCount == 0 && b.state == RAMPinned {
		b.state = RAMUnpinned
		p.pinned -= int64(b.capacity)
		p.lru = append(p.lru, b)
		p.cond.Broadcast()
	}
}

func (p *Pool) pickEvictionVictimLocked() *Block {
	var victim *Block
	kept := p.lru[:0]
	for _, b := range p.lru {
		if b.state != RAMUnpinned {
			continue // already being evicted or repinned since being listed
		}
		if victim == nil || b.lastTouched < victim.lastTouched {
			if victim != nil {
				kept = append(kept, victim)
			}
			victim = b
		} else {
			kept = append(kept, b)
		}
	}
	p.lru = kept
	return victim
}

func (p *Pool) removeFromLRULocked(b *Block) {
	for i, v := range p.lru {
		if v == b {
			p.lru = append(p.lru[:i], p.lru[i+1:]...)
			return
		}
	}
}

// evictAsyncLocked writes victim to the scratch file off the critical
// section, then frees its RAM slot. Called with p.mu held; it returns
// immediately, the caller's admission loop re-checks budget on its
// next iteration through cond.Wait.
func (p *Pool) evictAsyncLocked(victim *Block) {
	victim.state = Writing
	data := victim.data
	used := victim.used
	compress := p.opts.CompressScratch
	off := p.scratchAt
	go func() {
		payload := data[:used]
		if compress {
			payload = s2.Encode(nil, payload)
		}
		if err := p.io.Acquire(context.Background(), 1); err != nil {
			log.Error.Printf("block: evict acquire: %v", err)
			return
		}
		defer p.io.Release(1)
		if _, err := p.scratch.WriteAt(payload, off); err != nil {
			log.Fatalf("block: fatal I/O error evicting block: %v", errors.Wrap(err, "scratch write"))
		}
		p.mu.Lock()
		victim.data = nil
		victim.diskOffset = off
		victim.diskLen = len(payload)
		victim.state = OnDisk
		p.resident -= int64(victim.capacity)
		p.cond.Broadcast()
		p.mu.Unlock()
	}()
	p.scratchAt += int64(used)
	if compress {
		// The compressed length isn't known until the goroutine above
		// runs; reserve generously (uncompressed worst case) so a
		// concurrent eviction never picks an overlapping offset.
		p.scratchAt = off + int64(s2.MaxEncodedLen(used))
	}
}

// EvictOne forces eviction of one eligible unpinned block, if any.
// Exposed so higher layers (e.g. tests, or a table under pressure) can
// proactively ask for RAM back instead of waiting for the next
// allocation to trigger it.
func (p *Pool) EvictOne() bool {
	p.mu.Lock()
	victim := p.pickEvictionVictimLocked()
	if victim == nil {
		p.mu.Unlock()
		return false
	}
	p.evictAsyncLocked(victim)
	p.mu.Unlock()
	return true
}

// Future represents an in-flight asynchronous PinFromDisk.
type Future struct {
	done chan struct{}
	ref  *Ref
	err  error
}

// Wait blocks until the future resolves or ctx ends.
func (f *Future) Wait(ctx context.Context) (*Ref, error) {
	select {
	case <-f.done:
		return f.ref, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PinFromDisk asynchronously reads a disk-resident block back into
// RAM, serializing with any concurrent eviction of the same block
// (the block's state machine only allows one of Writing/Reading at a
// time).
func (p *Pool) PinFromDisk(ctx context.Context, r *Ref) *Future {
	fut := &Future{done: make(chan struct{})}
	go func() {
		defer close(fut.done)
		p.mu.Lock()
		b := r.block
		for b.state == Writing {
			// Wait for the in-flight eviction to land before we start
			// reading from the same disk offset.
			if err := p.cond.Wait(ctx); err != nil {
				p.mu.Unlock()
				fut.err = err
				return
			}
		}
		if b.state == RAMPinned || b.state == RAMUnpinned {
			// Already resident (another caller repinned it first).
			if b.pinCount == 0 {
				p.pinned += int64(b.capacity)
				p.removeFromLRULocked(b)
			}
			b.pinCount++
			b.state = RAMPinned
			p.mu.Unlock()
			fut.ref = &Ref{pool: p, block: b, Offset: r.Offset, Length: r.Length, ItemCount: r.ItemCount, FirstItemOffset: r.FirstItemOffset}
			return
		}
		b.state = Reading
		p.mu.Unlock()

		if err := p.io.Acquire(ctx, 1); err != nil {
			fut.err = errors.E(errors.Canceled, err)
			return
		}
		raw := make([]byte, b.diskLen)
		_, err := io.ReadFull(io.NewSectionReader(p.scratch, b.diskOffset, int64(b.diskLen)), raw)
		p.io.Release(1)
		if err != nil {
			log.Fatalf("block: fatal I/O error repinning block: %v", errors.Wrap(err, "scratch read"))
		}

		buf := make([]byte, b.capacity)
		if p.opts.CompressScratch {
			if _, err := s2.Decode(buf[:b.used], raw); err != nil {
				log.Fatalf("block: fatal scratch decompression error: %v", err)
			}
		} else {
			copy(buf, raw)
		}

		p.mu.Lock()
		b.data = buf
		b.pinCount++
		b.state = RAMPinned
		p.resident += int64(b.capacity)
		p.pinned += int64(b.capacity)
		p.cond.Broadcast()
		p.mu.Unlock()
		fut.ref = &Ref{pool: p, block: b, Offset: r.Offset, Length: r.Length, ItemCount: r.ItemCount, FirstItemOffset: r.FirstItemOffset}
	}()
	return fut
}

// Release drops the given Ref; the underlying Block is freed (RAM
// and/or disk footprint) when its refcount reaches zero.
func (p *Pool) release(r *Ref) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := r.block
	b.refCount--
	if b.refCount > 0 {
		return
	}
	delete(p.blocks, b.id)
	p.removeFromLRULocked(b)
	switch b.state {
	case RAMPinned, RAMUnpinned:
		p.resident -= int64(b.capacity)
		if b.state == RAMPinned {
			p.pinned -= int64(b.capacity)
		}
	case OnDisk:
		// Scratch bytes are simply abandoned; the file is removed
		// wholesale on Pool.Close.
	}
	b.state = Destroyed
	p.cond.Broadcast()
}

func (p *Pool) retain(r *Ref) *Ref {
	p.mu.Lock()
	r.block.refCount++
	p.mu.Unlock()
	return &Ref{pool: p, block: r.block, Offset: r.Offset, Length: r.Length, ItemCount: r.ItemCount, FirstItemOffset: r.FirstItemOffset}
}

func (p *Pool) retainSlice(r *Ref, off, n, first int) *Ref {
	p.mu.Lock()
	r.block.refCount++
	p.mu.Unlock()
	return &Ref{pool: p, block: r.block, Offset: off, Length: n, FirstItemOffset: first}
}

// commit finalizes the number of bytes written into a block that is
// still being filled by a Writer, recording the used length.
func (p *Pool) commit(r *Ref, used int) {
	p.mu.Lock()
	r.block.used = used
	p.mu.Unlock()
}

// PinnedBytes returns the current total of pinned bytes across all
// blocks in the pool (Testable Property 3: this must never exceed
// RAMBudget).
func (p *Pool) PinnedBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pinned
}

// ResidentBytes returns the current total RAM occupied by pinned and
// unpinned blocks together.
func (p *Pool) ResidentBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resident
}
