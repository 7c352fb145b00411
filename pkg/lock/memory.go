package lock

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	value     string
	count     int64
	expiresAt time.Time
}

// MemoryLeaseStore is a process-local LeaseStore. It is the substrate used
// when no external store is configured and in tests.
type MemoryLeaseStore struct {
	mu    sync.Mutex
	items map[string]memEntry
	now   func() time.Time
}

func NewMemoryLeaseStore() *MemoryLeaseStore {
	return &MemoryLeaseStore{items: map[string]memEntry{}, now: time.Now}
}

// SetNow overrides the clock. Test hook.
func (s *MemoryLeaseStore) SetNow(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryLeaseStore) expiredLocked(e memEntry) bool {
	return !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt)
}

func (s *MemoryLeaseStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.items[key]; ok && !s.expiredLocked(e) {
		return e.value, false, nil
	}
	exp := time.Time{}
	if ttl > 0 {
		exp = s.now().Add(ttl)
	}
	s.items[key] = memEntry{value: value, expiresAt: exp}
	return value, true, nil
}

func (s *MemoryLeaseStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[key]
	if !ok || s.expiredLocked(e) {
		delete(s.items, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemoryLeaseStore) Refresh(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[key]
	if !ok || s.expiredLocked(e) || e.value != value {
		return false, nil
	}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	} else {
		e.expiresAt = time.Time{}
	}
	s.items[key] = e
	return true, nil
}

func (s *MemoryLeaseStore) CompareAndDelete(_ context.Context, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[key]
	if !ok || s.expiredLocked(e) || e.value != value {
		return false, nil
	}
	delete(s.items, key)
	return true, nil
}

func (s *MemoryLeaseStore) IncrWithExpiry(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[key]
	if !ok || s.expiredLocked(e) {
		exp := time.Time{}
		if ttl > 0 {
			exp = s.now().Add(ttl)
		}
		s.items[key] = memEntry{count: 1, expiresAt: exp}
		return 1, nil
	}
	e.count++
	s.items[key] = e
	return e.count, nil
}
