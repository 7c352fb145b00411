package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/credmux/credmux/pkg/config"
)

var errKeyQuotaExceeded = errors.New("api key quota exceeded")

type keyIdentity struct {
	ID   string
	Name string
}

type ctxKeyIdentity struct{}

func identityFrom(ctx context.Context) keyIdentity {
	id, _ := ctx.Value(ctxKeyIdentity{}).(keyIdentity)
	return id
}

// authMiddleware authenticates incoming API keys from the Authorization
// bearer, x-api-key, or x-goog-api-key headers, and reserves one request
// against the key's quota before the handler runs.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		snap := s.cfg.Snapshot()

		if key == "" {
			if snap.AllowLocalhostNoAuth && isLocalRequest(r) {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
			return
		}

		match, ok := findAPIKey(snap.APIKeys, key)
		if !ok {
			unauthorized(w)
			return
		}

		view, err := s.reserveRequestQuota(match.ID)
		if err != nil {
			if errors.Is(err, errKeyQuotaExceeded) {
				writeKeyQuotaExceeded(w, view)
				return
			}
			http.Error(w, "quota bookkeeping failed", http.StatusInternalServerError)
			return
		}
		applyKeyQuotaHeaders(w.Header(), view)

		ctx := context.WithValue(r.Context(), ctxKeyIdentity{}, keyIdentity{ID: match.ID, Name: match.Name})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func clientKey(r *http.Request) string {
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); auth != "" {
		if rest, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(rest)
		}
	}
	if k := strings.TrimSpace(r.Header.Get("x-api-key")); k != "" {
		return k
	}
	return strings.TrimSpace(r.Header.Get("x-goog-api-key"))
}

func isLocalRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func findAPIKey(keys []config.APIKey, key string) (config.APIKey, bool) {
	for _, k := range keys {
		if k.Key == key {
			return k, true
		}
	}
	return config.APIKey{}, false
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":{"message":"missing or invalid api key","type":"authentication_error"}}`))
}

type quotaMetricView struct {
	Limit        int64
	Remaining    int64
	ResetSeconds int64
}

type keyQuotaView struct {
	Requests *quotaMetricView
	Tokens   *quotaMetricView
}

// reserveRequestQuota counts one request against the key's budget. The
// mutated usage is persisted through the config store so restarts keep
// the window.
func (s *Server) reserveRequestQuota(keyID string) (keyQuotaView, error) {
	now := time.Now().UTC()
	var view keyQuotaView
	err := s.cfg.Update(func(c *config.ServerConfig) error {
		key := findKeyByID(c, keyID)
		if key == nil || key.Quota == nil {
			return nil
		}
		if key.Quota.Requests != nil {
			refreshQuotaWindow(key.Quota.Requests, now)
			if key.Quota.Requests.Used >= key.Quota.Requests.Limit {
				view = quotaViewFrom(key.Quota, now)
				return errKeyQuotaExceeded
			}
			key.Quota.Requests.Used++
		}
		if key.Quota.Tokens != nil {
			refreshQuotaWindow(key.Quota.Tokens, now)
			if key.Quota.Tokens.Used >= key.Quota.Tokens.Limit {
				view = quotaViewFrom(key.Quota, now)
				return errKeyQuotaExceeded
			}
		}
		view = quotaViewFrom(key.Quota, now)
		return nil
	})
	if err != nil {
		return view, err
	}
	return view, nil
}

// applyTokenUsage charges consumed tokens after the response completed.
func (s *Server) applyTokenUsage(keyID string, usedTokens int64) {
	if keyID == "" || usedTokens <= 0 {
		return
	}
	now := time.Now().UTC()
	err := s.cfg.Update(func(c *config.ServerConfig) error {
		key := findKeyByID(c, keyID)
		if key == nil || key.Quota == nil || key.Quota.Tokens == nil {
			return nil
		}
		refreshQuotaWindow(key.Quota.Tokens, now)
		key.Quota.Tokens.Used += usedTokens
		if key.Quota.Tokens.Used > key.Quota.Tokens.Limit {
			key.Quota.Tokens.Used = key.Quota.Tokens.Limit
		}
		return nil
	})
	if err != nil {
		s.log.Warn("token quota writeback failed", "key", keyID, "err", err)
	}
}

func findKeyByID(c *config.ServerConfig, id string) *config.APIKey {
	for i := range c.APIKeys {
		if c.APIKeys[i].ID == id {
			return &c.APIKeys[i]
		}
	}
	return nil
}

// refreshQuotaWindow resets a budget whose interval elapsed. Windows are
// aligned to their own start, not to wall-clock boundaries.
func refreshQuotaWindow(b *config.KeyQuotaBudget, now time.Time) {
	if b == nil || b.IntervalSeconds <= 0 {
		return
	}
	interval := time.Duration(b.IntervalSeconds) * time.Second
	start, err := time.Parse(time.RFC3339, strings.TrimSpace(b.WindowStartedAt))
	if b.WindowStartedAt == "" || err != nil {
		b.WindowStartedAt = now.Format(time.RFC3339)
		b.Used = 0
		return
	}
	if now.Before(start.Add(interval)) {
		return
	}
	steps := int64(now.Sub(start) / interval)
	if steps < 1 {
		steps = 1
	}
	newStart := start.Add(time.Duration(steps) * interval)
	if newStart.After(now) {
		newStart = now
	}
	b.WindowStartedAt = newStart.UTC().Format(time.RFC3339)
	b.Used = 0
}

func quotaViewFrom(q *config.KeyQuota, now time.Time) keyQuotaView {
	return keyQuotaView{
		Requests: metricViewFrom(q.Requests, now),
		Tokens:   metricViewFrom(q.Tokens, now),
	}
}

func metricViewFrom(b *config.KeyQuotaBudget, now time.Time) *quotaMetricView {
	if b == nil || b.Limit <= 0 {
		return nil
	}
	remaining := b.Limit - b.Used
	if remaining < 0 {
		remaining = 0
	}
	out := &quotaMetricView{Limit: b.Limit, Remaining: remaining}
	if b.IntervalSeconds > 0 {
		if start, err := time.Parse(time.RFC3339, strings.TrimSpace(b.WindowStartedAt)); err == nil {
			resetIn := start.Add(time.Duration(b.IntervalSeconds) * time.Second).Sub(now)
			if resetIn > 0 {
				out.ResetSeconds = int64(resetIn.Seconds())
			}
		}
	}
	return out
}

func applyKeyQuotaHeaders(h http.Header, view keyQuotaView) {
	if view.Requests != nil {
		h.Set("X-Quota-Requests-Limit", strconv.FormatInt(view.Requests.Limit, 10))
		h.Set("X-Quota-Requests-Remaining", strconv.FormatInt(view.Requests.Remaining, 10))
		if view.Requests.ResetSeconds > 0 {
			h.Set("X-Quota-Requests-Reset", strconv.FormatInt(view.Requests.ResetSeconds, 10))
		}
	}
	if view.Tokens != nil {
		h.Set("X-Quota-Tokens-Limit", strconv.FormatInt(view.Tokens.Limit, 10))
		h.Set("X-Quota-Tokens-Remaining", strconv.FormatInt(view.Tokens.Remaining, 10))
		if view.Tokens.ResetSeconds > 0 {
			h.Set("X-Quota-Tokens-Reset", strconv.FormatInt(view.Tokens.ResetSeconds, 10))
		}
	}
}

func writeKeyQuotaExceeded(w http.ResponseWriter, view keyQuotaView) {
	applyKeyQuotaHeaders(w.Header(), view)
	w.Header().Set("Content-Type", "application/json")
	retryAfter := int64(0)
	if view.Requests != nil && view.Requests.ResetSeconds > 0 {
		retryAfter = view.Requests.ResetSeconds
	} else if view.Tokens != nil && view.Tokens.ResetSeconds > 0 {
		retryAfter = view.Tokens.ResetSeconds
	}
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	}
	w.WriteHeader(http.StatusTooManyRequests)
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf("api key quota exceeded, retry in %ds", retryAfter),
			"type":    "rate_limit_error",
		},
	})
	_, _ = w.Write(body)
}
