package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/credmux/credmux/pkg/config"
	"github.com/credmux/credmux/pkg/store"
)

// OAuthClient exchanges a credential's refresh token for an access token.
// Per-credential client id/secret override the application defaults, which
// covers gemini-cli credentials registered under their own OAuth app.
type OAuthClient struct {
	app  config.OAuthApp
	http *http.Client
}

func NewOAuthClient(app config.OAuthApp) *OAuthClient {
	return &OAuthClient{
		app:  app,
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

// RefreshAccessToken refreshes cred's access token in place. The caller is
// responsible for persisting the mutated fields.
func (c *OAuthClient) RefreshAccessToken(ctx context.Context, cred *store.Credential) error {
	if strings.TrimSpace(cred.RefreshToken) == "" {
		return &StatusError{Code: 401, Message: "credential has no refresh token"}
	}
	clientID := cred.ClientID
	if clientID == "" {
		clientID = c.app.ClientID
	}
	clientSecret := cred.ClientSecret
	if clientSecret == "" {
		clientSecret = c.app.ClientSecret
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", cred.RefreshToken)
	form.Set("client_id", clientID)
	if clientSecret != "" {
		form.Set("client_secret", clientSecret)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.app.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("token endpoint: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("decode token response: %w", err)
	}
	if strings.TrimSpace(out.AccessToken) == "" {
		return fmt.Errorf("token response missing access_token")
	}
	cred.AccessToken = out.AccessToken
	if strings.TrimSpace(out.RefreshToken) != "" {
		cred.RefreshToken = out.RefreshToken
	}
	if out.ExpiresIn > 0 {
		// Shave a minute so the token never expires mid-request.
		cred.AccessTokenExpiresAt = time.Now().Add(time.Duration(out.ExpiresIn-60) * time.Second).UTC()
	}
	return nil
}
