// Package retry contains the retry policies used by the tcp group
// transport's connect path. The core itself treats almost every
// failure as fatal (§7); that connect path is the one place in this
// module that retries.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/flowbase/flowbase/internal/errors"
)

// A Policy tells whether a new retry should be attempted, and after
// how long.
type Policy interface {
	Retry(retry int) (bool, time.Duration)
}

// Wait queries policy at the given retry count and sleeps until the
// next attempt should be made. It returns an error if the policy
// prohibits further tries, the context is canceled, or its deadline
// would elapse while waiting.
func Wait(ctx context.Context, policy Policy, retry int) error {
	keepGoing, wait := policy.Retry(retry)
	if !keepGoing {
		return errors.E(errors.TooManyTries, "gave up after", itoa(retry), "tries")
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
		return errors.E(errors.Timeout, "ran out of time while waiting for retry")
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Backoff is an exponential backoff policy with jitter, bounded by
// maxTries and a maximum per-try delay.
type Backoff struct {
	Base     time.Duration
	Max      time.Duration
	MaxTries int
}

// Retry implements Policy.
func (b Backoff) Retry(retry int) (bool, time.Duration) {
	if b.MaxTries > 0 && retry >= b.MaxTries {
		return false, 0
	}
	d := time.Duration(float64(b.Base) * math.Pow(2, float64(retry)))
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return true, d/2 + jitter
}
