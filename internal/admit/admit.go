// Package admit implements a token-budget admission controller with a
// fixed limit: a caller requesting tokens is blocked until enough are
// free, and waiters are served in arrival order so none is starved.
// No other package of this module imports it; the block pool does its
// own admission under its own mutex.
package admit

import (
	"context"
	"sync"

	"github.com/flowbase/flowbase/internal/ctxsync"
)

// Policy is a token-budget admission controller.
type Policy interface {
	// Acquire blocks until need tokens are available or ctx is done.
	Acquire(ctx context.Context, need int) error
	// Release returns tokens to the controller. ok indicates whether
	// the request that held them completed inside the current budget
	// (FixedBudget, the only implementation here, ignores it).
	Release(tokens int, ok bool)
}

// FixedBudget is a Policy with a hard, non-adaptive token ceiling set
// once at construction.
//
// Waiters are granted tokens in FIFO order: the controller maintains
// an explicit ticket queue so that a large request arriving first is
// not starved by a stream of small requests arriving later, matching
// the "ticket discipline" called for in §4.1.
type FixedBudget struct {
	mu      sync.Mutex
	cond    *ctxsync.Cond
	limit   int
	used    int
	tickets []int // FIFO of outstanding ticket ids, oldest first
	nextID  int
	granted map[int]bool
}

// NewFixedBudget returns a Policy with a hard ceiling of limit tokens.
func NewFixedBudget(limit int) *FixedBudget {
	b := &FixedBudget{limit: limit, granted: make(map[int]bool)}
	b.cond = ctxsync.NewCond(&b.mu)
	return b
}

// Acquire blocks until need tokens are free and it is this caller's
// turn in FIFO order, or ctx ends.
func (b *FixedBudget) Acquire(ctx context.Context, need int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.tickets = append(b.tickets, id)
	for {
		if b.tickets[0] == id && b.used+need <= b.limit {
			b.tickets = b.tickets[1:]
			b.used += need
			b.cond.Broadcast()
			return nil
		}
		if err := b.cond.Wait(ctx); err != nil {
			b.removeTicket(id)
			b.cond.Broadcast()
			return err
		}
	}
}

func (b *FixedBudget) removeTicket(id int) {
	for i, t := range b.tickets {
		if t == id {
			b.tickets = append(b.tickets[:i], b.tickets[i+1:]...)
			return
		}
	}
}

// Release returns tokens to the budget. ok is ignored; FixedBudget
// never adapts its limit.
func (b *FixedBudget) Release(tokens int, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used -= tokens
	b.cond.Broadcast()
}

// Used returns the number of currently outstanding tokens.
func (b *FixedBudget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Limit returns the budget's ceiling.
func (b *FixedBudget) Limit() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limit
}
