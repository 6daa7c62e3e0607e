package tier

import (
	"context"
	"time"
)

// backoff doubles from base up to max.
type backoff struct {
	base  time.Duration
	max   time.Duration
	delay time.Duration
}

func newBackoff(base, max time.Duration) *backoff {
	return &backoff{base: base, max: max, delay: base}
}

// next returns the current delay and advances the schedule.
func (b *backoff) next() time.Duration {
	d := b.delay
	b.delay *= 2
	if b.delay > b.max {
		b.delay = b.max
	}
	return d
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
