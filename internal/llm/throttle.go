package llm

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Clock abstracts time so throttling can be tested without sleeping.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Throttle enforces a minimum interval between the starts of consecutive calls.
// It only delays callers; it never aborts a call that is already running.
type Throttle struct {
	limiter *rate.Limiter
	clock   Clock
}

func NewThrottle(minInterval time.Duration, clock Clock) *Throttle {
	if clock == nil {
		clock = SystemClock{}
	}
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	return &Throttle{limiter: rate.NewLimiter(limit, 1), clock: clock}
}

// Wait blocks until the caller may start its call and returns how long it waited.
func (t *Throttle) Wait(ctx context.Context) (time.Duration, error) {
	now := t.clock.Now()
	r := t.limiter.ReserveN(now, 1)
	if !r.OK() {
		return 0, fmt.Errorf("llm throttle: reservation refused")
	}
	delay := r.DelayFrom(now)
	if err := t.clock.Sleep(ctx, delay); err != nil {
		r.CancelAt(t.clock.Now())
		return 0, err
	}
	return delay, nil
}
