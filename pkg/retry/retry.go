package retry

import (
	"context"
	"time"
)

// Policy describes a bounded fixed-interval poll: up to MaxAttempts calls with
// Interval between them. Zero values mean a single attempt with no wait.
type Policy struct {
	MaxAttempts int
	Interval    time.Duration
}

// Do calls fn up to p.MaxAttempts times, sleeping p.Interval between attempts.
// fn returns done=true to stop early. The last error from fn is returned when
// no attempt reported done. Context cancellation aborts the wait between attempts.
func (p Policy) Do(ctx context.Context, fn func(attempt int) (done bool, err error)) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		done, err := fn(i)
		if done {
			return err
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		if err := sleep(ctx, p.Interval); err != nil {
			return err
		}
	}
	return lastErr
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
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

// Sleep waits for d or until ctx is done. Exposed for fixed one-off delays
// (e.g. grace periods) so they honor cancellation like polling waits do.
func Sleep(ctx context.Context, d time.Duration) error {
	return sleep(ctx, d)
}
