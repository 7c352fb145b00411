package quota

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/credmux/credmux/pkg/config"
	"github.com/credmux/credmux/pkg/lock"
	"github.com/credmux/credmux/pkg/store"
)

func fptr(f float64) *float64 { return &f }

func testBounds() Bounds {
	return Bounds{ProMaxWindow: 5 * time.Hour, NormalMinWindow: 30 * time.Hour}
}

func TestClassifyWindow(t *testing.T) {
	b := testBounds()
	cases := []struct {
		window time.Duration
		want   store.Classification
	}{
		{3 * time.Hour, store.ClassPro},
		{5 * time.Hour, store.ClassPro},
		{12 * time.Hour, store.ClassUnknown},
		{29 * time.Hour, store.ClassUnknown},
		{30 * time.Hour, store.ClassNormal},
		{7 * 24 * time.Hour, store.ClassNormal},
		{0, store.ClassUnknown},
	}
	for _, tc := range cases {
		if got := ClassifyWindow(tc.window, b); got != tc.want {
			t.Errorf("ClassifyWindow(%s) = %q, want %q", tc.window, got, tc.want)
		}
	}
}

func TestApplyStickyNeverFlipsOnAmbiguous(t *testing.T) {
	b := testBounds()
	if got := ApplySticky(store.ClassPro, 12*time.Hour, b); got != store.ClassPro {
		t.Fatalf("ambiguous reading flipped pro to %q", got)
	}
	if got := ApplySticky(store.ClassNormal, 12*time.Hour, b); got != store.ClassNormal {
		t.Fatalf("ambiguous reading flipped normal to %q", got)
	}
	if got := ApplySticky(store.ClassPro, 31*time.Hour, b); got != store.ClassNormal {
		t.Fatalf("clearly-normal reading must reclassify, got %q", got)
	}
	// Unclassified credentials default to pro until proven otherwise.
	if got := ApplySticky(store.ClassUnknown, 12*time.Hour, b); got != store.ClassPro {
		t.Fatalf("new credential with ambiguous window must default to pro, got %q", got)
	}
}

func TestSnapshotGroupAverageAndMedian(t *testing.T) {
	snap := &Snapshot{
		CredentialID: 1,
		Models: map[string]ModelQuota{
			"gemini-3-pro":   {RemainingFraction: fptr(0.9), WindowSeconds: 4 * 3600},
			"gemini-3-flash": {RemainingFraction: fptr(0.5), WindowSeconds: 5 * 3600},
			"claude-sonnet":  {RemainingFraction: fptr(0.1), WindowSeconds: 30 * 3600},
			"gemini-3-beta":  {WindowSeconds: 0}, // no fraction, no window
		},
	}
	got, ok := snap.RemainingForGroup("gemini3")
	if !ok || got < 0.69 || got > 0.71 {
		t.Fatalf("gemini3 group average = %v ok=%v, want 0.70", got, ok)
	}
	got, ok = snap.RemainingForGroup("claude")
	if !ok || got != 0.1 {
		t.Fatalf("claude group average = %v ok=%v", got, ok)
	}
	if _, ok := snap.RemainingForGroup("gpt"); ok {
		t.Fatalf("unknown group must report no data")
	}
	window, ok := snap.MedianWindow()
	if !ok || window != 5*time.Hour {
		t.Fatalf("median window = %v ok=%v, want 5h", window, ok)
	}
}

type fakeFetcher struct {
	calls  atomic.Int64
	models map[string]ModelQuota
	err    error
}

func (f *fakeFetcher) FetchModelQuotas(_ context.Context, _ store.Credential) (map[string]ModelQuota, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.models, nil
}

func newTestCache(fetcher Fetcher, creds store.CredentialStore) *Cache {
	cfg := config.QuotaConfig{
		SnapshotTTLMinutes:   15,
		RefreshLockSeconds:   15,
		RefreshPerMinute:     100,
		ProMaxWindowHours:    5,
		NormalMinWindowHours: 30,
		LowQuotaFraction:     0.10,
	}
	return NewCache(cfg, fetcher, creds, lock.NewMemoryLeaseStore())
}

func TestRefreshDeduplicatesConcurrentCallers(t *testing.T) {
	creds := store.NewMemoryStore()
	cred, _ := creds.Create(context.Background(), store.Credential{Provider: "antigravity", RefreshToken: "rt"})
	fetcher := &fakeFetcher{models: map[string]ModelQuota{
		"gemini-3-pro": {RemainingFraction: fptr(0.8), WindowSeconds: 4 * 3600},
	}}
	c := newTestCache(fetcher, creds)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := c.Refresh(context.Background(), cred, false)
			if err != nil {
				t.Errorf("refresh: %v", err)
				return
			}
			if snap == nil {
				t.Errorf("refresh returned nil snapshot")
			}
		}()
	}
	wg.Wait()
	if got := fetcher.calls.Load(); got != 1 {
		t.Fatalf("expected a single upstream fetch, got %d", got)
	}
	// A second round inside the TTL serves from cache.
	if _, err := c.Refresh(context.Background(), cred, false); err != nil {
		t.Fatalf("cached refresh: %v", err)
	}
	if got := fetcher.calls.Load(); got != 1 {
		t.Fatalf("cached refresh hit upstream, calls=%d", got)
	}
}

func TestRefreshPersistsClassification(t *testing.T) {
	ctx := context.Background()
	creds := store.NewMemoryStore()
	cred, _ := creds.Create(ctx, store.Credential{Provider: "antigravity", RefreshToken: "rt"})
	fetcher := &fakeFetcher{models: map[string]ModelQuota{
		"gemini-3-pro": {RemainingFraction: fptr(0.8), WindowSeconds: 40 * 3600},
	}}
	c := newTestCache(fetcher, creds)

	if _, err := c.Refresh(ctx, cred, false); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	got, err := creds.Get(ctx, cred.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Classification != store.ClassNormal {
		t.Fatalf("classification = %q, want normal", got.Classification)
	}
}

func TestLimiterRejectionReturnsLastKnown(t *testing.T) {
	ctx := context.Background()
	creds := store.NewMemoryStore()
	cred, _ := creds.Create(ctx, store.Credential{Provider: "antigravity", RefreshToken: "rt"})
	fetcher := &fakeFetcher{models: map[string]ModelQuota{
		"gemini-3-pro": {RemainingFraction: fptr(0.8), WindowSeconds: 4 * 3600},
	}}
	cfg := config.QuotaConfig{
		SnapshotTTLMinutes:   15,
		RefreshLockSeconds:   15,
		RefreshPerMinute:     1,
		ProMaxWindowHours:    5,
		NormalMinWindowHours: 30,
		LowQuotaFraction:     0.10,
	}
	leases := lock.NewMemoryLeaseStore()
	c := NewCache(cfg, fetcher, creds, leases)

	base := time.Now()
	now := base
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	c.SetNow(clock)
	leases.SetNow(clock)

	first, err := c.Refresh(ctx, cred, false)
	if err != nil || first == nil {
		t.Fatalf("first refresh: snap=%v err=%v", first, err)
	}

	// Expire cred's snapshot and lock, then let a second credential consume
	// the single limiter slot of the new window.
	other, _ := creds.Create(ctx, store.Credential{Provider: "antigravity", RefreshToken: "rt2"})
	mu.Lock()
	now = base.Add(16 * time.Minute)
	mu.Unlock()
	if _, err := c.Refresh(ctx, other, false); err != nil {
		t.Fatalf("other refresh: %v", err)
	}
	if got := fetcher.calls.Load(); got != 2 {
		t.Fatalf("other refresh should hit upstream, calls=%d", got)
	}

	// cred's refresh now hits the exhausted limiter and must hand back the
	// stale snapshot instead of calling upstream again.
	second, err := c.Refresh(ctx, cred, false)
	if err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if second != first {
		t.Fatalf("limiter rejection must return the last known snapshot")
	}
	if got := fetcher.calls.Load(); got != 2 {
		t.Fatalf("limited refresh hit upstream, calls=%d", got)
	}
}

func TestNoteLowQuotaDeduplicates(t *testing.T) {
	creds := store.NewMemoryStore()
	cred, _ := creds.Create(context.Background(), store.Credential{Provider: "antigravity", RefreshToken: "rt"})
	block := make(chan struct{})
	fetcher := &blockingFetcher{release: block}
	c := newTestCache(fetcher, creds)

	for i := 0; i < 5; i++ {
		c.NoteLowQuota(cred)
	}
	// Let the single background goroutine reach the fetcher, then release.
	deadline := time.After(2 * time.Second)
	for fetcher.started.Load() == 0 {
		select {
		case <-deadline:
			t.Fatalf("background refresh never started")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	close(block)
	time.Sleep(50 * time.Millisecond)
	if got := fetcher.started.Load(); got != 1 {
		t.Fatalf("expected one deduplicated background refresh, got %d", got)
	}
}

type blockingFetcher struct {
	started atomic.Int64
	release chan struct{}
}

func (f *blockingFetcher) FetchModelQuotas(ctx context.Context, _ store.Credential) (map[string]ModelQuota, error) {
	f.started.Add(1)
	select {
	case <-f.release:
	case <-ctx.Done():
	}
	return map[string]ModelQuota{}, nil
}
