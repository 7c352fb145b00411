package pool

import (
	"context"
	"sort"
	"time"

	"github.com/credmux/credmux/pkg/store"
)

type scoredCandidate struct {
	cred      store.Credential
	remaining float64
	known     bool
}

// acquireQuotaWeighted orders candidates by estimated remaining quota for
// the requested model group. While the pool average is above the low-water
// mark, Pro-classified credentials are held back; near-empty candidates are
// rejected unless nothing else remains, in which case the globally
// least-recently-used credential is used regardless of quota.
func (p *Pool) acquireQuotaWeighted(ctx context.Context, group, callerID string, leaseTTL time.Duration) (*Grant, error) {
	active, err := p.activeCredentials(ctx)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, ErrExhausted
	}

	scored := make([]scoredCandidate, 0, len(active))
	sum := 0.0
	known := 0
	for _, c := range active {
		rem, ok := p.remainingFor(ctx, c, group)
		if ok {
			sum += rem
			known++
		}
		scored = append(scored, scoredCandidate{cred: c, remaining: rem, known: ok})
	}
	poolAvg := 1.0
	if known > 0 {
		poolAvg = sum / float64(known)
	}

	candidates := scored
	if poolAvg > p.cfg.LowWaterFraction {
		normal := make([]scoredCandidate, 0, len(scored))
		for _, s := range scored {
			if s.cred.Classification == store.ClassNormal {
				normal = append(normal, s)
			}
		}
		if len(normal) > 0 {
			candidates = normal
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].remaining != candidates[j].remaining {
			return candidates[i].remaining > candidates[j].remaining
		}
		return candidates[i].cred.LastUsedAt.Before(candidates[j].cred.LastUsedAt)
	})

	viable := make([]scoredCandidate, 0, len(candidates))
	for _, s := range candidates {
		if s.known && s.remaining <= p.cfg.NearZeroFraction {
			continue
		}
		viable = append(viable, s)
	}
	if len(viable) == 0 {
		// Everything is near empty: fall back to the single least-recently
		// used credential from the full active set.
		lru := scored[0]
		for _, s := range scored[1:] {
			if s.cred.LastUsedAt.Before(lru.cred.LastUsedAt) {
				lru = s
			}
		}
		viable = []scoredCandidate{lru}
	}

	for _, s := range viable {
		if s.known && p.quota != nil && p.quota.LowWater(s.remaining) {
			p.quota.NoteLowQuota(s.cred)
		}
		if grant, ok := p.tryCandidate(ctx, s.cred.ID, callerID, leaseTTL); ok {
			return grant, nil
		}
	}
	return nil, ErrExhausted
}

// remainingFor reads the quota cache without forcing an upstream wait. A
// credential with no usable data scores as full so it stays selectable.
func (p *Pool) remainingFor(ctx context.Context, c store.Credential, group string) (float64, bool) {
	if p.quota == nil {
		return 1, false
	}
	snap, err := p.quota.Refresh(ctx, c, false)
	if err != nil {
		p.log.Debug("quota refresh during selection", "credential", c.ID, "err", err)
		return 1, false
	}
	if snap == nil {
		return 1, false
	}
	rem, ok := snap.RemainingForGroup(group)
	if !ok {
		return 1, false
	}
	return rem, true
}
