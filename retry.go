package cbdr

import (
	"context"
	"errors"
	"time"

	"github.com/jpillora/backoff"

	"github.com/ehrlich-b/go-cbdr/internal/ring"
)

// RetryPolicy bounds ExecuteWithRetry.
type RetryPolicy struct {
	// Attempts is the total number of tries, the first included. Values
	// below 1 mean a single try.
	Attempts int

	// Min and Max bound the delay between tries.
	Min time.Duration
	Max time.Duration

	// Factor multiplies the delay after every try.
	Factor float64

	// Jitter randomises each delay between Min and the current bound.
	Jitter bool
}

// DefaultRetryPolicy tries five times, backing off from 1ms to 100ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 5,
		Min:      time.Millisecond,
		Max:      100 * time.Millisecond,
		Factor:   2,
		Jitter:   true,
	}
}

// ExecuteWithRetry runs req like Execute, retrying the outcomes a caller can
// do something about.
//
// A timed-out command is never published again: the device still owns it
// and may complete it late. Each retry instead checks whether that late
// completion has arrived, reclaiming every consumed slot on the way, and
// returns it if so. A full ring is retried by resubmitting, which reclaims
// before it gives up. Every other error is returned at once.
//
// ctx is checked between tries; cancelling it while a timed-out command is
// still outstanding leaves that command to a later Reclaim.
func (d *Device) ExecuteWithRetry(ctx context.Context, req *Request, policy RetryPolicy) (Completion, error) {
	if req == nil {
		return Completion{}, NewRingError("EXECUTE", d.ID, ErrCodeInvalidArgument, "nil request")
	}

	b := &backoff.Backoff{
		Min:    policy.Min,
		Max:    policy.Max,
		Factor: policy.Factor,
		Jitter: policy.Jitter,
	}
	attempts := max(policy.Attempts, 1)

	comp, err := d.execute(ctx, req)
	var pending *ring.TimeoutError

	for attempt := 1; attempt < attempts && err != nil; attempt++ {
		pending = nil
		if !errors.As(err, &pending) && !errors.Is(err, ring.ErrRingFull) {
			break
		}

		delay := b.Duration()
		d.logger.Debug("retrying command",
			"attempt", attempt,
			"delay", delay.String(),
			"pending", pending != nil)

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return comp, WrapError("EXECUTE", d.ID, ctx.Err())
		}
		d.observer.ObserveRetry()

		if pending == nil {
			comp, err = d.execute(ctx, req)
			continue
		}

		c, done, rerr := d.ring.Recover(pending)
		switch {
		case done:
			if !errors.Is(rerr, ring.ErrCompletionLost) {
				d.observer.ObserveRecovered()
			}
			comp, err = c, rerr
		case rerr != nil:
			return comp, WrapError("EXECUTE", d.ID, rerr)
		}
		// Not done: the timeout stands and the loop waits again.
	}

	if err != nil {
		return comp, WrapError("EXECUTE", d.ID, err)
	}
	return comp, nil
}
