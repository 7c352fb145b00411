package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/credmux/credmux/pkg/cache"
	"github.com/credmux/credmux/pkg/config"
	"github.com/credmux/credmux/pkg/quota"
	"github.com/credmux/credmux/pkg/store"
)

const modelsCacheTTL = time.Hour

// defaultModels is the fallback catalog when no credential can list
// models upstream.
var defaultModels = []string{
	"gemini-3-pro",
	"gemini-3-flash",
	"gemini-2.5-pro",
	"gemini-2.5-flash",
}

var thinkingSuffixes = []string{"-thinking", "-thinking-high", "-thinking-low"}

type modelsCacheFile struct {
	FetchedAt time.Time `json:"fetched_at"`
	Models    []string  `json:"models"`
}

// modelCatalog caches the upstream model listing in memory and on disk so
// restarts do not need a live credential to answer /v1/models.
type modelCatalog struct {
	mu        sync.Mutex
	path      string
	models    []string
	fetchedAt time.Time
}

func newModelCatalog(path string) *modelCatalog {
	return &modelCatalog{path: path}
}

type modelLister interface {
	FetchModelQuotas(ctx context.Context, cred store.Credential) (map[string]quota.ModelQuota, error)
}

func (m *modelCatalog) list(ctx context.Context, creds store.CredentialStore, lister modelLister) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()

	if len(m.models) > 0 && now.Sub(m.fetchedAt) < modelsCacheTTL {
		return m.models
	}
	if len(m.models) == 0 {
		var file modelsCacheFile
		if err := cache.LoadJSON(m.path, &file); err == nil && len(file.Models) > 0 {
			m.models = file.Models
			m.fetchedAt = file.FetchedAt
			if now.Sub(file.FetchedAt) < modelsCacheTTL {
				return m.models
			}
		}
	}

	if fetched := m.fetchLocked(ctx, creds, lister); len(fetched) > 0 {
		m.models = fetched
		m.fetchedAt = now
		_ = cache.SaveJSON(m.path, modelsCacheFile{FetchedAt: now, Models: fetched})
	}
	if len(m.models) == 0 {
		m.models = defaultModels
	}
	return m.models
}

func (m *modelCatalog) fetchLocked(ctx context.Context, creds store.CredentialStore, lister modelLister) []string {
	if lister == nil || creds == nil {
		return nil
	}
	all, err := creds.List(ctx, config.ProviderAntigravity)
	if err != nil {
		return nil
	}
	now := time.Now()
	for _, c := range all {
		if c.EffectiveStatus(now) != store.StatusActive {
			continue
		}
		quotas, err := lister.FetchModelQuotas(ctx, c)
		if err != nil || len(quotas) == 0 {
			continue
		}
		names := make([]string, 0, len(quotas))
		for name := range quotas {
			names = append(names, name)
		}
		sort.Strings(names)
		return names
	}
	return nil
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	base := s.models.list(r.Context(), s.store, s.antigravity)

	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}
	created := time.Now().Unix()
	data := make([]modelEntry, 0, len(base)*(1+len(thinkingSuffixes)))
	for _, id := range base {
		data = append(data, modelEntry{ID: id, Object: "model", Created: created, OwnedBy: "credmux"})
		for _, suffix := range thinkingSuffixes {
			data = append(data, modelEntry{ID: id + suffix, Object: "model", Created: created, OwnedBy: "credmux"})
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data})
}
