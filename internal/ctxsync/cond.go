// Package ctxsync provides context-aware synchronization primitives
// used throughout the block pool and block queue: admission waits and
// queue reads must be cancelable by a caller's context without giving
// up the FIFO-ish wakeup discipline of a plain sync.Cond.
package ctxsync

import (
	"context"
	"sync"

	"github.com/flowbase/flowbase/internal/errors"
)

// Cond is a condition variable that can be waited on with a context.
// Unlike sync.Cond, Wait returns an error if ctx is done before the
// condition is signaled. L must be held when calling Wait, Signal, or
// Broadcast, exactly as with sync.Cond.
type Cond struct {
	L sync.Locker
	c *sync.Cond
}

// NewCond returns a new Cond with Locker l.
func NewCond(l sync.Locker) *Cond {
	return &Cond{L: l, c: sync.NewCond(l)}
}

// Wait releases L and blocks until Signal/Broadcast is called or ctx
// is done, then reacquires L. It returns ctx.Err() if ctx ended the
// wait instead of a signal.
//
// Because sync.Cond has no cancelable wait, Wait spawns a goroutine
// that watches ctx and performs a Broadcast to unstick every waiter
// when ctx ends; each waiter re-checks ctx itself so only the waiters
// whose own context ended observe an error.
func (c *Cond) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.E(errors.Canceled, err)
	}
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		// Wake every waiter so the one(s) whose context ended can
		// observe it; others simply loop back into Wait.
		c.L.Lock()
		c.c.Broadcast()
		c.L.Unlock()
		close(done)
	})
	defer stop()
	c.c.Wait()
	select {
	case <-done:
		if err := ctx.Err(); err != nil {
			return errors.E(errors.Canceled, err)
		}
	default:
	}
	return nil
}

// Signal wakes one goroutine waiting on c, if any.
func (c *Cond) Signal() { c.c.Signal() }

// Broadcast wakes all goroutines waiting on c.
func (c *Cond) Broadcast() { c.c.Broadcast() }
