package widget

import (
	"context"
	"time"
)

// backoff computes retry delays: base, 2*base, 4*base... for maxRetries retries.
type backoff struct {
	base       time.Duration
	maxRetries int
}

func (b backoff) delay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	return b.base << uint(retry)
}

// exhausted reports whether retry is past the budget.
func (b backoff) exhausted(retry int) bool {
	return retry >= b.maxRetries
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
