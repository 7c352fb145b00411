package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/acme/autocert"

	"github.com/credmux/credmux/pkg/config"
	"github.com/credmux/credmux/pkg/lock"
	"github.com/credmux/credmux/pkg/logutil"
	"github.com/credmux/credmux/pkg/pool"
	"github.com/credmux/credmux/pkg/quota"
	"github.com/credmux/credmux/pkg/store"
	"github.com/credmux/credmux/pkg/upstream"
	"github.com/credmux/credmux/pkg/usagedb"
)

// Server is the HTTP surface: client endpoints, ops endpoints, and the
// background sweeper, wired over the two credential pools.
type Server struct {
	cfg    *config.ServerConfigStore
	store  store.CredentialStore
	quota  *quota.Cache
	hub    *EventHub
	usage  *usagedb.Store
	models *modelCatalog

	pools       map[string]*pool.Pool
	engines     map[string]*Engine
	antigravity *upstream.AntigravityClient

	sweeper *Sweeper
	router  chi.Router
	log     *log.Logger
}

func NewServer(cfgStore *config.ServerConfigStore) (*Server, error) {
	snap := cfgStore.Snapshot()

	credStore, err := store.NewFileStore(snap.Paths.Credentials)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	return newServerWith(cfgStore, credStore)
}

func newServerWith(cfgStore *config.ServerConfigStore, credStore store.CredentialStore) (*Server, error) {
	snap := cfgStore.Snapshot()

	leases := lock.NewMemoryLeaseStore()
	locker := lock.NewLocker(leases, "")

	geminiOAuth := upstream.NewOAuthClient(snap.GeminiCLI.OAuth)
	antiOAuth := upstream.NewOAuthClient(snap.Antigravity.OAuth)
	geminiClient := upstream.NewGeminiClient(snap.GeminiCLI)
	antiClient := upstream.NewAntigravityClient(snap.Antigravity, antiOAuth)

	quotaCache := quota.NewCache(snap.Quota, antiClient, credStore, leases)

	hub := NewEventHub()
	geminiPool := pool.New(config.ProviderGeminiCLI, pool.StrategyRoundRobin, credStore, locker, quotaCache, geminiOAuth, snap.Pool)
	antiPool := pool.New(config.ProviderAntigravity, pool.StrategyQuotaWeighted, credStore, locker, quotaCache, antiOAuth, snap.Pool)
	geminiPool.SetEventSink(hub.Publish)
	antiPool.SetEventSink(hub.Publish)

	geminiCall := func(ctx context.Context, grant *pool.Grant, model string, request []byte, stream bool) (*upstream.CallResult, error) {
		return geminiClient.Generate(ctx, grant.AccessToken, grant.ProjectID, model, request, stream)
	}
	antiCall := func(ctx context.Context, grant *pool.Grant, model string, request []byte, stream bool) (*upstream.CallResult, error) {
		return antiClient.Generate(ctx, grant.AccessToken, grant.ProjectID, model, "", request, stream)
	}

	s := &Server{
		cfg:         cfgStore,
		store:       credStore,
		quota:       quotaCache,
		hub:         hub,
		usage:       usagedb.New(snap.Paths.UsageDB),
		models:      newModelCatalog(snap.Paths.ModelsCache),
		antigravity: antiClient,
		pools: map[string]*pool.Pool{
			config.ProviderGeminiCLI:   geminiPool,
			config.ProviderAntigravity: antiPool,
		},
		engines: map[string]*Engine{
			config.ProviderGeminiCLI:   NewEngine(config.ProviderGeminiCLI, geminiPool, geminiCall, snap.Pool),
			config.ProviderAntigravity: NewEngine(config.ProviderAntigravity, antiPool, antiCall, snap.Pool),
		},
		log: logutil.Component("gateway"),
	}
	s.sweeper = NewSweeper([]*pool.Pool{geminiPool, antiPool}, snap.Pool.SweepInterval())
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/v1/models", s.handleModels)
		r.Post("/v1/chat/completions", s.handleOpenAIChat)
		r.Post("/v1/messages", s.handleClaudeMessages)
		r.Post("/v1beta/models/*", s.handleGeminiGenerate)

		r.Get("/ops/pool", s.handlePoolSnapshot)
		r.Get("/ops/events", s.hub.serveWS)
		r.Get("/ops/usage", s.handleUsageSummary)
		r.Post("/ops/credentials/{id}/reactivate", s.handleReactivate)
	})
	return r
}

func (s *Server) Handler() http.Handler { return s.router }

// routeProvider picks the upstream pool for a client model name. An
// explicit "<provider>/" prefix wins; unprefixed models go to gemini-cli.
func routeProvider(model string) (provider, stripped string) {
	if rest, ok := strings.CutPrefix(model, config.ProviderAntigravity+"/"); ok {
		return config.ProviderAntigravity, rest
	}
	if rest, ok := strings.CutPrefix(model, config.ProviderGeminiCLI+"/"); ok {
		return config.ProviderGeminiCLI, rest
	}
	return config.ProviderGeminiCLI, model
}

// Run serves until ctx is cancelled, then drains. With TLS enabled it
// terminates HTTPS itself through autocert.
func (s *Server) Run(ctx context.Context) error {
	snap := s.cfg.Snapshot()

	go s.sweeper.Run(ctx)

	srv := &http.Server{
		Addr:              snap.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	if snap.TLS.Enabled {
		mgr := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(snap.TLS.Domain),
			Cache:      autocert.DirCache(snap.TLS.CacheDir),
			Email:      snap.TLS.Email,
		}
		srv.Addr = snap.TLS.ListenAddr
		srv.TLSConfig = mgr.TLSConfig()
		s.log.Info("listening", "addr", srv.Addr, "tls", true, "domain", snap.TLS.Domain)
		go func() { errCh <- srv.ListenAndServeTLS("", "") }()
	} else {
		s.log.Info("listening", "addr", srv.Addr)
		go func() { errCh <- srv.ListenAndServe() }()
	}

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info("draining")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("shutdown", "err", err)
	}
	if err := s.usage.Flush(); err != nil {
		s.log.Warn("usage flush", "err", err)
	}
	return nil
}

// handlePoolSnapshot reports credential health per provider.
func (s *Server) handlePoolSnapshot(w http.ResponseWriter, r *http.Request) {
	type credView struct {
		ID             int64     `json:"id"`
		Provider       string    `json:"provider"`
		Label          string    `json:"label,omitempty"`
		Status         string    `json:"status"`
		CooldownUntil  time.Time `json:"cooldown_until,omitzero"`
		FailureCount   int64     `json:"failure_count"`
		Consecutive429 int       `json:"consecutive_429"`
		Classification string    `json:"classification,omitempty"`
		LastUsedAt     time.Time `json:"last_used_at,omitzero"`
	}
	out := map[string][]credView{}
	for provider := range s.pools {
		creds, err := s.store.List(r.Context(), provider)
		if err != nil {
			writeError(w, 0, gwErr(KindTransientUpstream, "credential store unavailable", err))
			return
		}
		views := make([]credView, 0, len(creds))
		now := time.Now()
		for _, c := range creds {
			views = append(views, credView{
				ID:             c.ID,
				Provider:       c.Provider,
				Label:          c.Label,
				Status:         string(c.EffectiveStatus(now)),
				CooldownUntil:  c.CooldownUntil,
				FailureCount:   c.FailureCount,
				Consecutive429: c.Consecutive429,
				Classification: string(c.Classification),
				LastUsedAt:     c.LastUsedAt,
			})
		}
		out[provider] = views
	}
	writeJSON(w, out)
}

func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	period := 24 * time.Hour
	if raw := r.URL.Query().Get("hours"); raw != "" {
		if hours, err := strconv.Atoi(raw); err == nil && hours > 0 {
			period = time.Duration(hours) * time.Hour
		}
	}
	sum, err := s.usage.Summary(period, time.Now())
	if err != nil {
		writeError(w, 0, gwErr(KindTransientUpstream, "usage summary failed", err))
		return
	}
	writeJSON(w, sum)
}

func (s *Server) handleReactivate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, 0, gwErr(KindClientRequest, "invalid credential id", err))
		return
	}
	cred, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, 0, gwErr(KindClientRequest, "unknown credential", err))
		return
	}
	p, ok := s.pools[cred.Provider]
	if !ok {
		writeError(w, 0, gwErr(KindClientRequest, "unknown provider", nil))
		return
	}
	if err := p.Reactivate(r.Context(), id); err != nil {
		writeError(w, 0, gwErr(KindTransientUpstream, "reactivate failed", err))
		return
	}
	s.sweeper.Trigger()
	writeJSON(w, map[string]any{"reactivated": id})
}
