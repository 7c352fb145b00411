package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/credmux/credmux/pkg/config"
	"github.com/credmux/credmux/pkg/quota"
	"github.com/credmux/credmux/pkg/store"
)

// AntigravityClient calls the antigravity endpoint. Requests travel inside
// a {requestId, model, project, request:{..., sessionId}} envelope, and the
// provider additionally exposes a per-model quota listing.
type AntigravityClient struct {
	base      string
	fallbacks []string
	http      *http.Client
	oauth     *OAuthClient
}

func NewAntigravityClient(cfg config.AntigravityUpstream, oauth *OAuthClient) *AntigravityClient {
	return &AntigravityClient{
		base:      cfg.BaseURL,
		fallbacks: cfg.FallbackBaseURLs,
		http:      &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		oauth:     oauth,
	}
}

func (c *AntigravityClient) Generate(ctx context.Context, accessToken, project, model, sessionID string, request []byte, stream bool) (*CallResult, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	request, _ = sjson.SetBytes(request, "sessionId", sessionID)

	envelope := []byte(`{}`)
	envelope, _ = sjson.SetBytes(envelope, "requestId", uuid.NewString())
	envelope, _ = sjson.SetBytes(envelope, "model", model)
	if project != "" {
		envelope, _ = sjson.SetBytes(envelope, "project", project)
	}
	envelope, _ = sjson.SetRawBytes(envelope, "request", request)

	endpoint := c.base + "/v1internal:generateContent"
	if stream {
		endpoint = c.base + "/v1internal:streamGenerateContent?alt=sse"
	}
	return doJSON(ctx, c.http, endpoint, accessToken, envelope, stream)
}

// FetchModelQuotas implements the quota cache's fetcher. It refreshes the
// access token inline when stale; the refreshed token is not persisted here,
// the pool owns that on the selection path.
func (c *AntigravityClient) FetchModelQuotas(ctx context.Context, cred store.Credential) (map[string]quota.ModelQuota, error) {
	if cred.TokenStale(time.Now(), 2*time.Minute) {
		if c.oauth == nil {
			return nil, &StatusError{Code: 401, Message: "stale access token and no oauth client"}
		}
		if err := c.oauth.RefreshAccessToken(ctx, &cred); err != nil {
			return nil, fmt.Errorf("refresh before quota fetch: %w", err)
		}
	}

	payload := []byte(`{}`)
	if cred.ProjectID != "" {
		payload, _ = sjson.SetBytes(payload, "project", cred.ProjectID)
	}

	var lastErr error
	for _, base := range append([]string{c.base}, c.fallbacks...) {
		if base == "" {
			continue
		}
		res, err := doJSON(ctx, c.http, base+"/v1internal:fetchAvailableModels", cred.AccessToken, payload, false)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
		res.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if res.StatusCode < 200 || res.StatusCode > 299 {
			return nil, &StatusError{Code: res.StatusCode, Message: compactErrorMessage(body)}
		}
		return parseModelQuotas(body), nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no antigravity base url configured")
	}
	return nil, lastErr
}

func parseModelQuotas(body []byte) map[string]quota.ModelQuota {
	out := map[string]quota.ModelQuota{}
	models := gjson.GetBytes(body, "models")
	if !models.IsArray() {
		return out
	}
	for _, m := range models.Array() {
		name := m.Get("name").String()
		if name == "" {
			name = m.Get("model").String()
		}
		if name == "" {
			continue
		}
		mq := quota.ModelQuota{}
		if rf := firstExisting(m, "remainingFraction", "quotaInfo.remainingFraction"); rf.Exists() {
			v := rf.Float()
			mq.RemainingFraction = &v
		}
		if rt := firstExisting(m, "resetTime", "quotaInfo.resetTime"); rt.Exists() {
			mq.ResetTime = parseTimestamp(rt.String())
		}
		if wd := firstExisting(m, "windowDurationSeconds", "quotaInfo.windowDurationSeconds"); wd.Exists() {
			mq.WindowSeconds = parseWindowSeconds(wd.String())
		}
		out[name] = mq
	}
	return out
}

func firstExisting(m gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := m.Get(p); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}

// parseWindowSeconds accepts both a bare number and the protobuf duration
// form "86400s".
func parseWindowSeconds(raw string) int64 {
	if raw == "" {
		return 0
	}
	if d := parseDurationString(raw); d > 0 {
		return int64(d / time.Second)
	}
	return 0
}

func compactErrorMessage(body []byte) string {
	if msg := gjson.GetBytes(body, "error.message").String(); msg != "" {
		return msg
	}
	const max = 200
	s := string(body)
	if len(s) > max {
		s = s[:max]
	}
	return s
}
