package quota

import (
	"context"
	"time"

	"github.com/credmux/credmux/pkg/lock"
)

// SlidingLimiter caps upstream quota refreshes across all credentials. The
// counter lives in the lease store so multiple instances sharing one store
// share the budget.
type SlidingLimiter struct {
	store  lock.LeaseStore
	key    string
	limit  int64
	window time.Duration
	poll   time.Duration
}

func NewSlidingLimiter(store lock.LeaseStore, key string, perWindow int, window time.Duration) *SlidingLimiter {
	if key == "" {
		key = "rate:quota-refresh"
	}
	if window <= 0 {
		window = time.Minute
	}
	return &SlidingLimiter{
		store:  store,
		key:    key,
		limit:  int64(perWindow),
		window: window,
		poll:   500 * time.Millisecond,
	}
}

// Allow consumes one slot from the current window. The consumed slot is not
// returned on rejection; rejected callers are expected to reuse cached data.
func (l *SlidingLimiter) Allow(ctx context.Context) (bool, error) {
	if l == nil || l.limit <= 0 {
		return true, nil
	}
	n, err := l.store.IncrWithExpiry(ctx, l.key, l.window)
	if err != nil {
		return false, err
	}
	return n <= l.limit, nil
}

// Wait blocks until a slot opens or ctx is done.
func (l *SlidingLimiter) Wait(ctx context.Context) error {
	for {
		ok, err := l.Allow(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		t := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
