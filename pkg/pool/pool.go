package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/charmbracelet/log"

	"github.com/credmux/credmux/pkg/config"
	"github.com/credmux/credmux/pkg/lock"
	"github.com/credmux/credmux/pkg/logutil"
	"github.com/credmux/credmux/pkg/quota"
	"github.com/credmux/credmux/pkg/store"
)

// ErrExhausted means no eligible credential remained after a bounded scan.
var ErrExhausted = errors.New("no eligible credential in pool")

type Strategy int

const (
	// StrategyRoundRobin rotates the candidate list head to tail on every
	// attempt. Used for the gemini-cli pool.
	StrategyRoundRobin Strategy = iota
	// StrategyQuotaWeighted orders candidates by estimated remaining quota,
	// reserving Pro-classified credentials while the pool is healthy. Used
	// for the antigravity pool.
	StrategyQuotaWeighted
)

// TokenRefresher refreshes the cached access token on a credential in
// place. Implemented by the upstream OAuth clients.
type TokenRefresher interface {
	RefreshAccessToken(ctx context.Context, cred *store.Credential) error
}

// statusError is satisfied by upstream HTTP errors. Declared as a local
// interface so the pool does not depend on the transport package.
type statusError interface {
	error
	HTTPStatus() int
}

func isAuthStatus(err error) bool {
	var se statusError
	if errors.As(err, &se) {
		code := se.HTTPStatus()
		return code == 401 || code == 403
	}
	return false
}

// Grant is what a successful Acquire hands to the execution engine.
type Grant struct {
	CredentialID int64
	AccessToken  string
	ProjectID    string
}

// Event is a pool state transition, published to the ops feed.
type Event struct {
	Time         time.Time `json:"time"`
	Provider     string    `json:"provider"`
	CredentialID int64     `json:"credential_id"`
	Kind         string    `json:"kind"`
	Detail       string    `json:"detail,omitempty"`
}

// Pool owns selection and the health state machine for one provider's
// credentials. All status transitions go through the credential store's
// per-record Update; the pool's own state is just the rotation order.
type Pool struct {
	provider  string
	strategy  Strategy
	creds     store.CredentialStore
	leases    *lock.Locker
	quota     *quota.Cache
	refresher TokenRefresher
	cfg       config.PoolConfig
	log       *log.Logger
	now       func() time.Time

	mu    sync.Mutex
	order []int64

	eventMu sync.Mutex
	onEvent func(Event)
}

func New(provider string, strategy Strategy, creds store.CredentialStore, leases *lock.Locker, qc *quota.Cache, refresher TokenRefresher, cfg config.PoolConfig) *Pool {
	return &Pool{
		provider:  provider,
		strategy:  strategy,
		creds:     creds,
		leases:    leases,
		quota:     qc,
		refresher: refresher,
		cfg:       cfg,
		log:       logutil.Component("pool").With("provider", provider),
		now:       time.Now,
	}
}

// SetNow overrides the clock. Test hook.
func (p *Pool) SetNow(now func() time.Time) { p.now = now }

func (p *Pool) Provider() string { return p.provider }

// SetEventSink registers the ops feed callback.
func (p *Pool) SetEventSink(fn func(Event)) {
	p.eventMu.Lock()
	p.onEvent = fn
	p.eventMu.Unlock()
}

func (p *Pool) emit(id int64, kind, detail string) {
	p.eventMu.Lock()
	fn := p.onEvent
	p.eventMu.Unlock()
	if fn != nil {
		fn(Event{Time: p.now().UTC(), Provider: p.provider, CredentialID: id, Kind: kind, Detail: detail})
	}
}

func leaseResource(id int64) string {
	return fmt.Sprintf("cred:%d", id)
}

// Acquire leases one usable credential for callerID, or ErrExhausted. The
// scan is bounded; a credential leased to another caller is skipped, never
// waited on.
func (p *Pool) Acquire(ctx context.Context, variant, callerID string, leaseTTL time.Duration) (*Grant, error) {
	if leaseTTL <= 0 {
		leaseTTL = p.cfg.LeaseTTL()
	}
	if err := p.Sweep(ctx); err != nil {
		return nil, err
	}
	switch p.strategy {
	case StrategyQuotaWeighted:
		return p.acquireQuotaWeighted(ctx, variant, callerID, leaseTTL)
	default:
		return p.acquireRoundRobin(ctx, callerID, leaseTTL)
	}
}

// Sweep lazily flips credentials whose cooldown has elapsed back to ACTIVE.
// It runs before every selection pass and periodically from the gateway's
// background sweeper.
func (p *Pool) Sweep(ctx context.Context) error {
	creds, err := p.creds.List(ctx, p.provider)
	if err != nil {
		return fmt.Errorf("list credentials: %w", err)
	}
	now := p.now()
	for _, c := range creds {
		if c.Status != store.StatusCooling || c.EffectiveStatus(now) != store.StatusActive {
			continue
		}
		_, err := p.creds.Update(ctx, c.ID, func(rec *store.Credential) error {
			if rec.Status == store.StatusCooling && rec.EffectiveStatus(now) == store.StatusActive {
				rec.Status = store.StatusActive
				rec.CooldownUntil = time.Time{}
			}
			return nil
		})
		if err != nil {
			p.log.Warn("cooldown sweep", "credential", c.ID, "err", err)
			continue
		}
		p.log.Info("credential cooled off", "credential", c.ID)
		p.emit(c.ID, "reactivated", "cooldown elapsed")
	}
	return nil
}

func (p *Pool) activeCredentials(ctx context.Context) ([]store.Credential, error) {
	creds, err := p.creds.List(ctx, p.provider)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	now := p.now()
	out := creds[:0]
	for _, c := range creds {
		if c.EffectiveStatus(now) == store.StatusActive {
			out = append(out, c)
		}
	}
	return out, nil
}

// syncOrderLocked reconciles the rotation order with the current active set:
// new ids join at the tail, vanished ids drop out, relative order survives.
func (p *Pool) syncOrderLocked(active []store.Credential) {
	known := make(map[int64]struct{}, len(active))
	for _, c := range active {
		known[c.ID] = struct{}{}
	}
	kept := p.order[:0]
	seen := make(map[int64]struct{}, len(p.order))
	for _, id := range p.order {
		if _, ok := known[id]; ok {
			kept = append(kept, id)
			seen[id] = struct{}{}
		}
	}
	p.order = kept
	for _, c := range active {
		if _, ok := seen[c.ID]; !ok {
			p.order = append(p.order, c.ID)
		}
	}
}

func (p *Pool) acquireRoundRobin(ctx context.Context, callerID string, leaseTTL time.Duration) (*Grant, error) {
	active, err := p.activeCredentials(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.syncOrderLocked(active)
	budget := len(p.order) + p.cfg.ScanSlack
	p.mu.Unlock()

	for attempt := 0; attempt < budget; attempt++ {
		p.mu.Lock()
		if len(p.order) == 0 {
			p.mu.Unlock()
			return nil, ErrExhausted
		}
		id := p.order[0]
		p.order = append(p.order[1:], id)
		p.mu.Unlock()

		grant, ok := p.tryCandidate(ctx, id, callerID, leaseTTL)
		if ok {
			return grant, nil
		}
	}
	return nil, ErrExhausted
}

// tryCandidate validates one candidate end to end: current status, token
// freshness, then the lease. Any failure skips the candidate.
func (p *Pool) tryCandidate(ctx context.Context, id int64, callerID string, leaseTTL time.Duration) (*Grant, bool) {
	cred, err := p.creds.Get(ctx, id)
	if err != nil {
		p.evict(id)
		return nil, false
	}
	if cred.EffectiveStatus(p.now()) != store.StatusActive {
		p.evict(id)
		return nil, false
	}
	cred, ok := p.ensureFreshToken(ctx, cred)
	if !ok {
		return nil, false
	}
	acquired, err := p.leases.TryAcquire(ctx, leaseResource(id), callerID, leaseTTL)
	if err != nil {
		p.log.Warn("lease acquire", "credential", id, "err", err)
		return nil, false
	}
	if !acquired {
		return nil, false
	}
	now := p.now().UTC()
	if _, err := p.creds.Update(ctx, id, func(rec *store.Credential) error {
		rec.LastUsedAt = now
		return nil
	}); err != nil {
		p.log.Warn("mark last used", "credential", id, "err", err)
	}
	p.emit(id, "acquired", callerID)
	return &Grant{CredentialID: id, AccessToken: cred.AccessToken, ProjectID: cred.ProjectID}, true
}

// ensureFreshToken refreshes the access token inline when it is stale.
// A 401/403 from the token endpoint kills the credential; any other refresh
// failure just skips it for this call.
func (p *Pool) ensureFreshToken(ctx context.Context, cred store.Credential) (store.Credential, bool) {
	if !cred.TokenStale(p.now(), p.cfg.TokenStaleness()) {
		return cred, true
	}
	if p.refresher == nil {
		return cred, false
	}
	if err := p.refresher.RefreshAccessToken(ctx, &cred); err != nil {
		if isAuthStatus(err) {
			p.log.Error("token refresh revoked", "credential", cred.ID, "err", err)
			p.ReportForbidden(ctx, cred.ID)
			return cred, false
		}
		p.log.Warn("token refresh failed", "credential", cred.ID, "err", err)
		return cred, false
	}
	updated, err := p.creds.Update(ctx, cred.ID, func(rec *store.Credential) error {
		rec.AccessToken = cred.AccessToken
		rec.AccessTokenExpiresAt = cred.AccessTokenExpiresAt
		if cred.RefreshToken != "" {
			rec.RefreshToken = cred.RefreshToken
		}
		return nil
	})
	if err != nil {
		p.log.Warn("persist refreshed token", "credential", cred.ID, "err", err)
		return cred, true
	}
	return updated, true
}

func (p *Pool) evict(id int64) {
	p.mu.Lock()
	kept := p.order[:0]
	for _, v := range p.order {
		if v != id {
			kept = append(kept, v)
		}
	}
	p.order = kept
	p.mu.Unlock()
}

// ReportRateLimited cools the credential down. The cooldown comes from the
// upstream reset hint when present, otherwise from the fallback window,
// escalating after repeated consecutive 429s.
func (p *Pool) ReportRateLimited(ctx context.Context, id int64, resetAt time.Time) {
	now := p.now()
	var applied time.Time
	_, err := p.creds.Update(ctx, id, func(rec *store.Credential) error {
		rec.Consecutive429++
		rec.FailureCount++
		until := resetAt
		if until.IsZero() || !until.After(now) {
			until = now.Add(p.cfg.CooldownFallback())
			if rec.Consecutive429 >= p.cfg.CooldownEscalateAfter {
				until = now.Add(p.cfg.CooldownEscalated())
			}
		}
		rec.Status = store.StatusCooling
		rec.CooldownUntil = until.UTC()
		applied = rec.CooldownUntil
		return nil
	})
	if err != nil {
		p.log.Warn("report rate limited", "credential", id, "err", err)
		return
	}
	p.evict(id)
	p.log.Info("credential cooling", "credential", id, "until", applied)
	p.emit(id, "cooling", applied.Format(time.RFC3339))
}

// ReportForbidden kills the credential. DEAD is terminal here; only an
// explicit Reactivate brings it back.
func (p *Pool) ReportForbidden(ctx context.Context, id int64) {
	_, err := p.creds.Update(ctx, id, func(rec *store.Credential) error {
		rec.Status = store.StatusDead
		rec.FailureCount++
		rec.CooldownUntil = time.Time{}
		return nil
	})
	if err != nil {
		p.log.Warn("report forbidden", "credential", id, "err", err)
		return
	}
	p.evict(id)
	p.log.Error("credential dead", "credential", id)
	p.emit(id, "dead", "permission denied")
}

// ReportSuccess clears the consecutive rate-limit streak.
func (p *Pool) ReportSuccess(ctx context.Context, id int64) {
	_, err := p.creds.Update(ctx, id, func(rec *store.Credential) error {
		rec.Consecutive429 = 0
		return nil
	})
	if err != nil {
		p.log.Warn("report success", "credential", id, "err", err)
	}
}

// Reactivate is the administrative path out of DEAD.
func (p *Pool) Reactivate(ctx context.Context, id int64) error {
	_, err := p.creds.Update(ctx, id, func(rec *store.Credential) error {
		rec.Status = store.StatusActive
		rec.CooldownUntil = time.Time{}
		rec.Consecutive429 = 0
		return nil
	})
	if err != nil {
		return err
	}
	p.emit(id, "reactivated", "administrative")
	return nil
}

// Release drops the caller's lease. Best-effort: a missing or foreign lease
// is not an error.
func (p *Pool) Release(ctx context.Context, id int64, callerID string) {
	if err := p.leases.Release(ctx, leaseResource(id), callerID); err != nil {
		p.log.Warn("lease release", "credential", id, "err", err)
		return
	}
	p.emit(id, "released", callerID)
}
