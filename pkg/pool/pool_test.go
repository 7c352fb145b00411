package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/credmux/credmux/pkg/config"
	"github.com/credmux/credmux/pkg/lock"
	"github.com/credmux/credmux/pkg/quota"
	"github.com/credmux/credmux/pkg/store"
)

func testPoolConfig() config.PoolConfig {
	return config.PoolConfig{
		LeaseTTLSeconds:          120,
		ScanSlack:                2,
		ConnectRetries:           5,
		ConnectBackoffMillis:     10,
		RotationLimit:            3,
		CooldownFallbackSeconds:  60,
		CooldownEscalatedSeconds: 7200,
		CooldownEscalateAfter:    3,
		LowWaterFraction:         0.10,
		NearZeroFraction:         0.01,
		TokenStalenessSeconds:    300,
		SweepIntervalSeconds:     30,
	}
}

func freshCredential(provider, label string) store.Credential {
	return store.Credential{
		Provider:             provider,
		Label:                label,
		ProjectID:            "proj-" + label,
		RefreshToken:         "rt-" + label,
		AccessToken:          "at-" + label,
		AccessTokenExpiresAt: time.Now().Add(time.Hour),
	}
}

func newRoundRobinPool(t *testing.T, n int) (*Pool, *store.FileStore, []store.Credential) {
	t.Helper()
	creds := store.NewMemoryStore()
	made := make([]store.Credential, 0, n)
	for i := 0; i < n; i++ {
		c, err := creds.Create(context.Background(), freshCredential("gemini-cli", string(rune('a'+i))))
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		made = append(made, c)
	}
	locker := lock.NewLocker(lock.NewMemoryLeaseStore(), "")
	p := New("gemini-cli", StrategyRoundRobin, creds, locker, nil, nil, testPoolConfig())
	return p, creds, made
}

func TestRoundRobinVisitsAllBeforeRepeat(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newRoundRobinPool(t, 5)

	seen := map[int64]int{}
	for i := 0; i < 5; i++ {
		grant, err := p.Acquire(ctx, "", "caller-1", time.Minute)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		seen[grant.CredentialID]++
		p.Release(ctx, grant.CredentialID, "caller-1")
	}
	if len(seen) != 5 {
		t.Fatalf("expected 5 distinct credentials in 5 acquires, got %d: %v", len(seen), seen)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("credential %d selected %d times before full rotation", id, n)
		}
	}
}

func TestAcquireSkipsForeignLease(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newRoundRobinPool(t, 2)

	first, err := p.Acquire(ctx, "", "caller-a", time.Minute)
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	second, err := p.Acquire(ctx, "", "caller-b", time.Minute)
	if err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	if first.CredentialID == second.CredentialID {
		t.Fatalf("two callers got the same credential %d", first.CredentialID)
	}
	// Pool of 2, both leased: a third caller finds nothing.
	if _, err := p.Acquire(ctx, "", "caller-c", time.Minute); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}

func TestAcquireConcurrentSingleOwner(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newRoundRobinPool(t, 3)

	var mu sync.Mutex
	granted := map[int64]string{}
	var wg sync.WaitGroup
	for i := 0; i < 24; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			caller := string(rune('a' + n))
			grant, err := p.Acquire(ctx, "", caller, time.Minute)
			if err != nil {
				return // pool smaller than caller count, exhaustion is fine
			}
			mu.Lock()
			if prev, taken := granted[grant.CredentialID]; taken {
				t.Errorf("credential %d granted to both %q and %q", grant.CredentialID, prev, caller)
			}
			granted[grant.CredentialID] = caller
			mu.Unlock()
		}(i)
	}
	wg.Wait()
}

func TestSameCallerReacquireRenews(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newRoundRobinPool(t, 1)

	first, err := p.Acquire(ctx, "", "caller-a", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	second, err := p.Acquire(ctx, "", "caller-a", time.Minute)
	if err != nil {
		t.Fatalf("re-acquire by holder must renew, got %v", err)
	}
	if first.CredentialID != second.CredentialID {
		t.Fatalf("renewal returned a different credential")
	}
}

func TestReportForbiddenIsTerminal(t *testing.T) {
	ctx := context.Background()
	p, creds, made := newRoundRobinPool(t, 1)

	p.ReportForbidden(ctx, made[0].ID)
	got, _ := creds.Get(ctx, made[0].ID)
	if got.Status != store.StatusDead {
		t.Fatalf("status = %q, want dead", got.Status)
	}
	if _, err := p.Acquire(ctx, "", "caller-a", time.Minute); !errors.Is(err, ErrExhausted) {
		t.Fatalf("dead credential still selectable: %v", err)
	}
	if err := p.Reactivate(ctx, made[0].ID); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if _, err := p.Acquire(ctx, "", "caller-a", time.Minute); err != nil {
		t.Fatalf("reactivated credential must be selectable: %v", err)
	}
}

func TestRateLimitCooldownRoundTrip(t *testing.T) {
	ctx := context.Background()
	p, creds, made := newRoundRobinPool(t, 1)

	base := time.Now()
	now := base
	var mu sync.Mutex
	p.SetNow(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})

	resetAt := base.Add(10 * time.Minute)
	p.ReportRateLimited(ctx, made[0].ID, resetAt)
	got, _ := creds.Get(ctx, made[0].ID)
	if got.Status != store.StatusCooling {
		t.Fatalf("status = %q, want cooling", got.Status)
	}
	if got.CooldownUntil.Sub(resetAt).Abs() > time.Second {
		t.Fatalf("cooldown expiry %v, want ~%v", got.CooldownUntil, resetAt)
	}
	if _, err := p.Acquire(ctx, "", "caller-a", time.Minute); !errors.Is(err, ErrExhausted) {
		t.Fatalf("cooling credential still selectable: %v", err)
	}

	mu.Lock()
	now = base.Add(11 * time.Minute)
	mu.Unlock()
	grant, err := p.Acquire(ctx, "", "caller-a", time.Minute)
	if err != nil {
		t.Fatalf("cooled-off credential must be selectable: %v", err)
	}
	if grant.CredentialID != made[0].ID {
		t.Fatalf("unexpected credential %d", grant.CredentialID)
	}
	got, _ = creds.Get(ctx, made[0].ID)
	if got.Status != store.StatusActive || !got.CooldownUntil.IsZero() {
		t.Fatalf("sweep did not persist the COOLING to ACTIVE flip: %+v", got)
	}
}

func TestRateLimitFallbackEscalates(t *testing.T) {
	ctx := context.Background()
	p, creds, made := newRoundRobinPool(t, 1)

	for i := 0; i < 3; i++ {
		p.ReportRateLimited(ctx, made[0].ID, time.Time{})
	}
	got, _ := creds.Get(ctx, made[0].ID)
	if got.Consecutive429 != 3 {
		t.Fatalf("consecutive 429 count = %d", got.Consecutive429)
	}
	// Third strike switches to the escalated window.
	if until := time.Until(got.CooldownUntil); until < time.Hour {
		t.Fatalf("expected escalated cooldown, got %v", until)
	}
	p.ReportSuccess(ctx, made[0].ID)
	got, _ = creds.Get(ctx, made[0].ID)
	if got.Consecutive429 != 0 {
		t.Fatalf("success did not clear the streak")
	}
}

type fatalRefresher struct {
	code int
}

type refreshStatusErr struct{ code int }

func (e *refreshStatusErr) Error() string   { return "refresh failed" }
func (e *refreshStatusErr) HTTPStatus() int { return e.code }

func (r *fatalRefresher) RefreshAccessToken(_ context.Context, _ *store.Credential) error {
	return &refreshStatusErr{code: r.code}
}

func TestStaleTokenRefreshDenialKillsCredential(t *testing.T) {
	ctx := context.Background()
	creds := store.NewMemoryStore()
	stale := freshCredential("gemini-cli", "x")
	stale.AccessTokenExpiresAt = time.Now().Add(-time.Minute)
	made, _ := creds.Create(ctx, stale)
	locker := lock.NewLocker(lock.NewMemoryLeaseStore(), "")
	p := New("gemini-cli", StrategyRoundRobin, creds, locker, nil, &fatalRefresher{code: 403}, testPoolConfig())

	if _, err := p.Acquire(ctx, "", "caller-a", time.Minute); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	got, _ := creds.Get(ctx, made.ID)
	if got.Status != store.StatusDead {
		t.Fatalf("403 refresh must kill the credential, status=%q", got.Status)
	}
}

func TestStaleTokenSoftRefreshFailureSkips(t *testing.T) {
	ctx := context.Background()
	creds := store.NewMemoryStore()
	stale := freshCredential("gemini-cli", "x")
	stale.AccessTokenExpiresAt = time.Now().Add(-time.Minute)
	made, _ := creds.Create(ctx, stale)
	locker := lock.NewLocker(lock.NewMemoryLeaseStore(), "")
	p := New("gemini-cli", StrategyRoundRobin, creds, locker, nil, &fatalRefresher{code: 500}, testPoolConfig())

	if _, err := p.Acquire(ctx, "", "caller-a", time.Minute); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	got, _ := creds.Get(ctx, made.ID)
	if got.Status != store.StatusActive {
		t.Fatalf("soft refresh failure must not change status, got %q", got.Status)
	}
}

// quotaFetcher serves canned per-credential model quotas.
type quotaFetcher struct {
	mu       sync.Mutex
	byCredID map[int64]map[string]quota.ModelQuota
}

func (f *quotaFetcher) FetchModelQuotas(_ context.Context, cred store.Credential) (map[string]quota.ModelQuota, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byCredID[cred.ID], nil
}

func fptr(v float64) *float64 { return &v }

func quotaModels(frac float64) map[string]quota.ModelQuota {
	return map[string]quota.ModelQuota{
		"gemini-3-pro": {RemainingFraction: fptr(frac), WindowSeconds: 40 * 3600},
	}
}

func newWeightedPool(t *testing.T, specs []struct {
	class store.Classification
	frac  float64
}) (*Pool, []store.Credential) {
	t.Helper()
	ctx := context.Background()
	creds := store.NewMemoryStore()
	fetcher := &quotaFetcher{byCredID: map[int64]map[string]quota.ModelQuota{}}
	made := make([]store.Credential, 0, len(specs))
	for i, spec := range specs {
		c := freshCredential("antigravity", string(rune('a'+i)))
		c.Classification = spec.class
		c.LastUsedAt = time.Now().Add(-time.Duration(len(specs)-i) * time.Hour)
		rec, err := creds.Create(ctx, c)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		fetcher.byCredID[rec.ID] = quotaModels(spec.frac)
		made = append(made, rec)
	}
	leases := lock.NewMemoryLeaseStore()
	qcfg := config.QuotaConfig{
		SnapshotTTLMinutes:   15,
		RefreshLockSeconds:   15,
		RefreshPerMinute:     1000,
		ProMaxWindowHours:    5,
		NormalMinWindowHours: 30,
		LowQuotaFraction:     0.10,
	}
	qc := quota.NewCache(qcfg, fetcher, creds, leases)
	p := New("antigravity", StrategyQuotaWeighted, creds, lock.NewLocker(leases, ""), qc, nil, testPoolConfig())
	return p, made
}

func TestQuotaWeightedPrefersFullestNormal(t *testing.T) {
	ctx := context.Background()
	p, made := newWeightedPool(t, []struct {
		class store.Classification
		frac  float64
	}{
		{store.ClassNormal, 0.05},
		{store.ClassNormal, 0.90},
		{store.ClassPro, 0.99},
	})

	grant, err := p.Acquire(ctx, "gemini3", "caller-a", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// Pool average is healthy, so the Pro credential is reserved and the
	// fullest Normal one wins.
	if grant.CredentialID != made[1].ID {
		t.Fatalf("selected credential %d, want the 90%% normal one (%d)", grant.CredentialID, made[1].ID)
	}
}

func TestQuotaWeightedWidensToProWhenPoolDrained(t *testing.T) {
	ctx := context.Background()
	p, made := newWeightedPool(t, []struct {
		class store.Classification
		frac  float64
	}{
		{store.ClassNormal, 0.05},
		{store.ClassPro, 0.08},
	})

	grant, err := p.Acquire(ctx, "gemini3", "caller-a", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// Average remaining is 6.5%, below the low-water mark: Pro becomes
	// eligible and has the most headroom.
	if grant.CredentialID != made[1].ID {
		t.Fatalf("selected credential %d, want the pro one (%d)", grant.CredentialID, made[1].ID)
	}
}

func TestQuotaWeightedNearZeroFallsBackToLRU(t *testing.T) {
	ctx := context.Background()
	p, made := newWeightedPool(t, []struct {
		class store.Classification
		frac  float64
	}{
		{store.ClassNormal, 0.005},
		{store.ClassNormal, 0.002},
	})

	grant, err := p.Acquire(ctx, "gemini3", "caller-a", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// Both are near empty; the least-recently-used one is the fallback.
	if grant.CredentialID != made[0].ID {
		t.Fatalf("selected credential %d, want the LRU one (%d)", grant.CredentialID, made[0].ID)
	}
}
