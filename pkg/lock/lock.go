package lock

import (
	"context"
	"time"
)

// LeaseStore is the distributed cache/lock substrate. The in-memory
// implementation in this package is the default; a Redis-backed one can be
// dropped in behind the same interface.
type LeaseStore interface {
	// SetNX stores value under key with ttl if the key is absent or expired.
	// Returns the current value and whether the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (current string, ok bool, err error)
	// Get returns the unexpired value for key, if any.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Refresh extends the ttl of key only if it currently holds value.
	Refresh(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndDelete removes key only if it currently holds value.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
	// IncrWithExpiry atomically increments the counter at key, setting ttl
	// when the counter is created, and returns the new count.
	IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Locker layers single-owner lease semantics on a LeaseStore.
type Locker struct {
	store  LeaseStore
	prefix string
}

func NewLocker(store LeaseStore, prefix string) *Locker {
	if prefix == "" {
		prefix = "lease:"
	}
	return &Locker{store: store, prefix: prefix}
}

// TryAcquire takes the lease on resource for holder. Re-acquisition by the
// current holder renews the ttl instead of failing. A lease held by anyone
// else fails immediately; callers are expected to move on, never wait.
func (l *Locker) TryAcquire(ctx context.Context, resource, holder string, ttl time.Duration) (bool, error) {
	key := l.prefix + resource
	current, ok, err := l.store.SetNX(ctx, key, holder, ttl)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	if current != holder {
		return false, nil
	}
	return l.store.Refresh(ctx, key, holder, ttl)
}

// Release drops the lease if holder still owns it. Missing or foreign leases
// are not an error; release is best-effort and idempotent.
func (l *Locker) Release(ctx context.Context, resource, holder string) error {
	_, err := l.store.CompareAndDelete(ctx, l.prefix+resource, holder)
	return err
}

// Holder reports who currently owns the lease on resource, if anyone.
func (l *Locker) Holder(ctx context.Context, resource string) (string, bool, error) {
	return l.store.Get(ctx, l.prefix+resource)
}
