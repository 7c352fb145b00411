package quota

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	log "github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/credmux/credmux/pkg/cache"
	"github.com/credmux/credmux/pkg/config"
	"github.com/credmux/credmux/pkg/lock"
	"github.com/credmux/credmux/pkg/logutil"
	"github.com/credmux/credmux/pkg/store"
)

// Fetcher is the upstream quota listing call, implemented by the
// antigravity client.
type Fetcher interface {
	FetchModelQuotas(ctx context.Context, cred store.Credential) (map[string]ModelQuota, error)
}

// Cache owns quota snapshots and classification for the token pool.
// Refreshes are deduplicated three ways: a per-credential singleflight group
// in-process, a short lease in the shared lock store across instances, and a
// global sliding-window limiter on actual upstream calls.
type Cache struct {
	fetcher  Fetcher
	creds    store.CredentialStore
	leases   lock.LeaseStore
	limiter  *SlidingLimiter
	bounds   Bounds
	ttl      time.Duration
	lockTTL  time.Duration
	lowWater float64

	snapshots *cache.TTLMap[int64, *Snapshot]
	flight    singleflight.Group

	bgMu       sync.Mutex
	background map[int64]struct{}

	log *log.Logger
	now func() time.Time
}

func NewCache(cfg config.QuotaConfig, fetcher Fetcher, creds store.CredentialStore, leases lock.LeaseStore) *Cache {
	return &Cache{
		fetcher: fetcher,
		creds:   creds,
		leases:  leases,
		limiter: NewSlidingLimiter(leases, "", cfg.RefreshPerMinute, time.Minute),
		bounds: Bounds{
			ProMaxWindow:    cfg.ProMaxWindow(),
			NormalMinWindow: cfg.NormalMinWindow(),
		},
		ttl:        cfg.SnapshotTTL(),
		lockTTL:    cfg.RefreshLock(),
		lowWater:   cfg.LowQuotaFraction,
		snapshots:  cache.NewTTLMap[int64, *Snapshot](),
		background: map[int64]struct{}{},
		log:        logutil.Component("quota"),
		now:        time.Now,
	}
}

// SetNow overrides the clock. Test hook.
func (c *Cache) SetNow(now func() time.Time) { c.now = now }

// Fresh returns the unexpired snapshot for a credential, if any.
func (c *Cache) Fresh(credID int64) (*Snapshot, bool) {
	return c.snapshots.GetFresh(credID, c.now())
}

// Last returns the most recent snapshot even if its TTL has lapsed.
func (c *Cache) Last(credID int64) (*Snapshot, bool) {
	snap, _, ok := c.snapshots.Get(credID)
	return snap, ok
}

// Invalidate drops the cached snapshot so the next Refresh goes upstream.
func (c *Cache) Invalidate(credID int64) {
	c.snapshots.Delete(credID)
}

// Refresh returns a fresh snapshot for cred, hitting the upstream at most
// once per credential per lock window. When the global limiter rejects the
// call, the last known snapshot is returned instead unless wait is set, in
// which case the caller sleeps until a limiter slot opens.
func (c *Cache) Refresh(ctx context.Context, cred store.Credential, wait bool) (*Snapshot, error) {
	if snap, ok := c.Fresh(cred.ID); ok {
		return snap, nil
	}
	key := strconv.FormatInt(cred.ID, 10)
	v, err, _ := c.flight.Do(key, func() (any, error) {
		return c.refreshLocked(ctx, cred, wait)
	})
	if err != nil {
		return nil, err
	}
	snap, _ := v.(*Snapshot)
	return snap, nil
}

func (c *Cache) refreshLocked(ctx context.Context, cred store.Credential, wait bool) (*Snapshot, error) {
	// Re-check under singleflight: a concurrent caller may have filled the
	// cache while we queued.
	if snap, ok := c.Fresh(cred.ID); ok {
		return snap, nil
	}

	lockKey := "quota-refresh:" + strconv.FormatInt(cred.ID, 10)
	_, acquired, err := c.leases.SetNX(ctx, lockKey, "refresh", c.lockTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		// Another instance refreshed within the lock window; its result is
		// what we would have fetched.
		snap, _ := c.Last(cred.ID)
		return snap, nil
	}

	if wait {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	} else {
		ok, err := c.limiter.Allow(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			c.log.Debug("quota refresh rejected by limiter", "credential", cred.ID)
			snap, _ := c.Last(cred.ID)
			return snap, nil
		}
	}

	models, err := c.fetcher.FetchModelQuotas(ctx, cred)
	if err != nil {
		return nil, fmt.Errorf("fetch model quotas: %w", err)
	}
	now := c.now()
	snap := &Snapshot{CredentialID: cred.ID, Models: models, FetchedAt: now}
	c.snapshots.SetWithTTL(cred.ID, snap, now, c.ttl)
	c.persistClassification(ctx, cred, snap)
	return snap, nil
}

// persistClassification applies the sticky rule and writes the label to the
// credential record when it changed. The label outlives the snapshot TTL.
func (c *Cache) persistClassification(ctx context.Context, cred store.Credential, snap *Snapshot) {
	window, _ := snap.MedianWindow()
	next := ApplySticky(cred.Classification, window, c.bounds)
	if next == cred.Classification {
		return
	}
	_, err := c.creds.Update(ctx, cred.ID, func(rec *store.Credential) error {
		rec.Classification = ApplySticky(rec.Classification, window, c.bounds)
		return nil
	})
	if err != nil {
		c.log.Warn("persist classification", "credential", cred.ID, "err", err)
		return
	}
	c.log.Info("credential reclassified", "credential", cred.ID, "class", string(next), "window", window)
}

// NoteLowQuota schedules one deduplicated background refresh after a
// low-quota sighting, so the caller that observed it is not blocked.
func (c *Cache) NoteLowQuota(cred store.Credential) {
	c.bgMu.Lock()
	if _, inflight := c.background[cred.ID]; inflight {
		c.bgMu.Unlock()
		return
	}
	c.background[cred.ID] = struct{}{}
	c.bgMu.Unlock()

	go func() {
		defer func() {
			c.bgMu.Lock()
			delete(c.background, cred.ID)
			c.bgMu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		c.Invalidate(cred.ID)
		if _, err := c.Refresh(ctx, cred, false); err != nil {
			c.log.Debug("background quota refresh failed", "credential", cred.ID, "err", err)
		}
	}()
}

// LowWater reports whether a remaining fraction counts as a low-quota
// sighting.
func (c *Cache) LowWater(remaining float64) bool {
	return remaining <= c.lowWater
}
