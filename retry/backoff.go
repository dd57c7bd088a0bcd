// Package retry provides the jittered exponential backoff shared by meta,
// the client's admin polling and the batcher, generalizing the time.Sleep(retryInterval)
// retry loops found in scheduler/client and scheduler_client into a
// reusable helper bounded by a caller deadline.
package retry

import (
	"context"
	"math/rand"
	"time"

	"golang.org/x/time/rate"
)

// Backoff paces repeated attempts at an operation that is expected to
// eventually succeed (a master lookup, a Write RPC). Each failed attempt
// widens the interval between the next attempt and the one after,
// capped at Max, with +/-20% jitter to avoid synchronized retry storms
// across sessions sharing a Client.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	limiter *rate.Limiter
	cur     time.Duration
}

// NewBackoff builds a Backoff starting at initial and never waiting longer
// than max between attempts.
func NewBackoff(initial, max time.Duration) *Backoff {
	return &Backoff{
		Initial: initial,
		Max:     max,
		cur:     initial,
		limiter: rate.NewLimiter(rate.Every(initial), 1),
	}
}

// Wait blocks until the next attempt is permitted or ctx is done, whichever
// comes first. The caller should call Wait before every attempt including
// the first; the first call returns immediately.
func (b *Backoff) Wait(ctx context.Context) error {
	return b.limiter.Wait(ctx)
}

// Failed records that the most recent attempt failed, doubling the interval
// before the next attempt (bounded by Max) and applying jitter.
func (b *Backoff) Failed() {
	b.cur *= 2
	if b.cur > b.Max {
		b.cur = b.Max
	}
	jittered := jitter(b.cur)
	b.limiter.SetLimit(rate.Every(jittered))
}

// Reset returns the backoff to its initial interval, for reuse across
// logically distinct operations.
func (b *Backoff) Reset() {
	b.cur = b.Initial
	b.limiter.SetLimit(rate.Every(b.Initial))
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	delta := float64(d) * 0.2
	return d - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}

// Deadline computes a context with a timeout derived from budget, or returns
// ctx unchanged (with a no-op cancel) if budget is non-positive, meaning "no
// deadline beyond ctx's own".
func Deadline(ctx context.Context, budget time.Duration) (context.Context, context.CancelFunc) {
	if budget <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, budget)
}
