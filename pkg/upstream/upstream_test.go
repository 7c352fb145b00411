package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/credmux/credmux/pkg/config"
	"github.com/credmux/credmux/pkg/store"
)

func TestParseResetHintRetryInfo(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	body := []byte(`{"error":{"code":429,"message":"quota","details":[
		{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"30s"}
	]}}`)
	got := ParseResetHint(body, http.Header{}, now)
	if want := now.Add(30 * time.Second); !got.Equal(want) {
		t.Fatalf("reset hint = %v, want %v", got, want)
	}
}

func TestParseResetHintQuotaResetTimestamp(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	reset := now.Add(10 * time.Minute)
	body := []byte(`{"error":{"code":429,"details":[
		{"@type":"type.googleapis.com/google.rpc.QuotaFailure","metadata":{"quotaResetTimeStamp":"` + reset.Format(time.RFC3339) + `"}}
	]}}`)
	got := ParseResetHint(body, http.Header{}, now)
	if !got.Equal(reset) {
		t.Fatalf("reset hint = %v, want %v", got, reset)
	}
}

func TestParseResetHintRetryAfterHeaderFallback(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	h := http.Header{}
	h.Set("Retry-After", "120")
	got := ParseResetHint([]byte(`{"error":{"message":"slow down"}}`), h, now)
	if want := now.Add(2 * time.Minute); !got.Equal(want) {
		t.Fatalf("reset hint = %v, want %v", got, want)
	}
	if got := ParseResetHint([]byte(`{}`), http.Header{}, now); !got.IsZero() {
		t.Fatalf("expected zero hint, got %v", got)
	}
}

func TestScanFrames(t *testing.T) {
	payloads, rest := ScanFrames([]byte("data: {\"a\":1}\n\ndata: {\"b\":2}\r\n: comment\ndata: {\"c\""))
	if len(payloads) != 2 {
		t.Fatalf("payloads = %d, want 2", len(payloads))
	}
	if string(payloads[0]) != `{"a":1}` || string(payloads[1]) != `{"b":2}` {
		t.Fatalf("unexpected payloads: %q %q", payloads[0], payloads[1])
	}
	if string(rest) != `data: {"c"` {
		t.Fatalf("unexpected remainder: %q", rest)
	}
}

func TestFrameScannerDoneSentinel(t *testing.T) {
	stream := "data: {\"n\":1}\n\ndata: {\"n\":2}\n\ndata: [DONE]\n\ndata: {\"n\":3}\n"
	s := NewFrameScanner(strings.NewReader(stream))
	var got []string
	for {
		p, err := s.Next()
		if errors.Is(err, ErrStreamDone) {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		got = append(got, string(p))
	}
	if len(got) != 2 {
		t.Fatalf("frames before sentinel = %d, want 2 (got %v)", len(got), got)
	}
	// The stream is finite and non-restartable.
	if _, err := s.Next(); !errors.Is(err, ErrStreamDone) {
		t.Fatalf("scanner restarted after done")
	}
}

func TestFrameScannerTrailingFrameWithoutNewline(t *testing.T) {
	s := NewFrameScanner(strings.NewReader(`data: {"tail":true}`))
	p, err := s.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if string(p) != `{"tail":true}` {
		t.Fatalf("unexpected payload %q", p)
	}
	if _, err := s.Next(); !errors.Is(err, ErrStreamDone) {
		t.Fatalf("expected done after trailing frame")
	}
}

func TestRefreshAccessToken(t *testing.T) {
	var form map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		form = map[string]string{
			"grant_type":    r.PostFormValue("grant_type"),
			"refresh_token": r.PostFormValue("refresh_token"),
			"client_id":     r.PostFormValue("client_id"),
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"new-at","refresh_token":"new-rt","expires_in":3600}`))
	}))
	defer srv.Close()

	c := NewOAuthClient(config.OAuthApp{ClientID: "app-id", TokenURL: srv.URL})
	cred := store.Credential{RefreshToken: "old-rt"}
	if err := c.RefreshAccessToken(context.Background(), &cred); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if cred.AccessToken != "new-at" || cred.RefreshToken != "new-rt" {
		t.Fatalf("credential not updated: %+v", cred)
	}
	if time.Until(cred.AccessTokenExpiresAt) < 50*time.Minute {
		t.Fatalf("expiry too close: %v", cred.AccessTokenExpiresAt)
	}
	if form["grant_type"] != "refresh_token" || form["refresh_token"] != "old-rt" || form["client_id"] != "app-id" {
		t.Fatalf("unexpected token form: %v", form)
	}
}

func TestRefreshAccessTokenDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewOAuthClient(config.OAuthApp{ClientID: "app-id", TokenURL: srv.URL})
	cred := store.Credential{RefreshToken: "revoked"}
	err := c.RefreshAccessToken(context.Background(), &cred)
	var se *StatusError
	if !errors.As(err, &se) || se.HTTPStatus() != http.StatusForbidden {
		t.Fatalf("expected 403 StatusError, got %v", err)
	}
}

func TestGeminiGenerateEnvelope(t *testing.T) {
	var captured []byte
	var path, auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		auth = r.Header.Get("Authorization")
		captured, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response":{"candidates":[]}}`))
	}))
	defer srv.Close()

	c := NewGeminiClient(config.GeminiCLIUpstream{BaseURL: srv.URL, TimeoutSeconds: 10})
	res, err := c.Generate(context.Background(), "at-1", "proj-1", "gemini-3-pro",
		[]byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`), false)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	res.Close()
	if path != "/v1internal:generateContent" {
		t.Fatalf("path = %q", path)
	}
	if auth != "Bearer at-1" {
		t.Fatalf("auth = %q", auth)
	}
	if got := gjson.GetBytes(captured, "model").String(); got != "gemini-3-pro" {
		t.Fatalf("model = %q", got)
	}
	if got := gjson.GetBytes(captured, "project").String(); got != "proj-1" {
		t.Fatalf("project = %q", got)
	}
	if got := gjson.GetBytes(captured, "request.contents.0.parts.0.text").String(); got != "hi" {
		t.Fatalf("request payload lost: %s", captured)
	}
}

func TestAntigravityGenerateEnvelope(t *testing.T) {
	var captured []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response":{"candidates":[]}}`))
	}))
	defer srv.Close()

	c := NewAntigravityClient(config.AntigravityUpstream{BaseURL: srv.URL, TimeoutSeconds: 10}, nil)
	res, err := c.Generate(context.Background(), "at-1", "proj-1", "gemini-3-pro", "",
		[]byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}],"generationConfig":{"temperature":0.5}}`), false)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	res.Close()
	if gjson.GetBytes(captured, "requestId").String() == "" {
		t.Fatalf("missing requestId: %s", captured)
	}
	if gjson.GetBytes(captured, "request.sessionId").String() == "" {
		t.Fatalf("missing sessionId: %s", captured)
	}
	if got := gjson.GetBytes(captured, "request.generationConfig.temperature").Float(); got != 0.5 {
		t.Fatalf("generationConfig lost: %s", captured)
	}
}

func TestFetchModelQuotasWithFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1internal:fetchAvailableModels" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if gjson.GetBytes(body, "project").String() != "proj-1" {
			t.Errorf("missing project in payload: %s", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"models":[
			{"name":"gemini-3-pro","remainingFraction":0.42,"resetTime":"2026-02-01T15:00:00Z","windowDurationSeconds":"18000s"},
			{"name":"gemini-3-flash","quotaInfo":{"remainingFraction":0.9,"windowDurationSeconds":108000}}
		]}`))
	}))
	defer srv.Close()

	c := NewAntigravityClient(config.AntigravityUpstream{
		BaseURL:          "http://127.0.0.1:1", // unreachable, forces fallback
		FallbackBaseURLs: []string{srv.URL},
		TimeoutSeconds:   5,
	}, nil)
	cred := store.Credential{
		ProjectID:            "proj-1",
		AccessToken:          "at-1",
		AccessTokenExpiresAt: time.Now().Add(time.Hour),
	}
	got, err := c.FetchModelQuotas(context.Background(), cred)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	pro, ok := got["gemini-3-pro"]
	if !ok || pro.RemainingFraction == nil || *pro.RemainingFraction != 0.42 {
		t.Fatalf("gemini-3-pro quota wrong: %+v", pro)
	}
	if pro.WindowSeconds != 18000 {
		t.Fatalf("window seconds = %d, want 18000", pro.WindowSeconds)
	}
	flash := got["gemini-3-flash"]
	if flash.RemainingFraction == nil || *flash.RemainingFraction != 0.9 || flash.WindowSeconds != 108000 {
		t.Fatalf("gemini-3-flash quota wrong: %+v", flash)
	}
}
