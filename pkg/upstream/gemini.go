package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/sjson"

	"github.com/credmux/credmux/pkg/config"
)

// CallResult is a raw upstream HTTP outcome. The execution engine owns
// classification; clients only build requests and hand the wire back.
type CallResult struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

func (r *CallResult) Close() {
	if r != nil && r.Body != nil {
		_ = r.Body.Close()
	}
}

// ReadError drains the body and converts a non-2xx result into a
// StatusError carrying any quota-reset hint.
func (r *CallResult) ReadError(now time.Time) error {
	body, _ := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	r.Close()
	return &StatusError{
		Code:    r.StatusCode,
		Message: compactErrorMessage(body),
		ResetAt: ParseResetHint(body, r.Header, now),
	}
}

// GeminiClient calls the gemini-cli style endpoint. Requests travel inside
// a {model, project, request} envelope.
type GeminiClient struct {
	base string
	http *http.Client
}

func NewGeminiClient(cfg config.GeminiCLIUpstream) *GeminiClient {
	return &GeminiClient{
		base: cfg.BaseURL,
		http: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
	}
}

func (c *GeminiClient) Generate(ctx context.Context, accessToken, project, model string, request []byte, stream bool) (*CallResult, error) {
	envelope := []byte(`{}`)
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

func doJSON(ctx context.Context, client *http.Client, endpoint, accessToken string, body []byte, stream bool) (*CallResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	return &CallResult{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
}
