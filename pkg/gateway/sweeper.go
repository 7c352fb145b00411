package gateway

import (
	"context"
	"time"

	log "github.com/charmbracelet/log"

	"github.com/credmux/credmux/pkg/logutil"
	"github.com/credmux/credmux/pkg/pool"
)

// Sweeper periodically runs the pools' cooldown sweeps so credentials
// come back to rotation even when no traffic triggers a selection pass.
type Sweeper struct {
	pools    []*pool.Pool
	interval time.Duration
	trigger  chan struct{}
	log      *log.Logger
}

func NewSweeper(pools []*pool.Pool, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		pools:    pools,
		interval: interval,
		trigger:  make(chan struct{}, 1),
		log:      logutil.Component("sweeper"),
	}
}

// Trigger requests an immediate sweep without waiting for the ticker.
func (s *Sweeper) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.sweep(ctx)
		case <-s.trigger:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	for _, p := range s.pools {
		if err := p.Sweep(ctx); err != nil {
			s.log.Warn("pool sweep failed", "provider", p.Provider(), "err", err)
		}
	}
}
