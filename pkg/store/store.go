package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("credential not found")

type Status string

const (
	StatusActive  Status = "active"
	StatusCooling Status = "cooling"
	StatusDead    Status = "dead"
)

type Classification string

const (
	ClassUnknown Classification = ""
	ClassNormal  Classification = "normal"
	ClassPro     Classification = "pro"
)

// Credential is one upstream OAuth identity owned by the pool. Secret
// material and the cached access token live on the record; the pool mutates
// status, cooldown and usage bookkeeping through the store so transitions
// are applied atomically per credential.
type Credential struct {
	ID        int64  `json:"id"`
	Provider  string `json:"provider"`
	Label     string `json:"label,omitempty"`
	OwnerID   string `json:"owner_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`

	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	RefreshToken string `json:"refresh_token"`

	AccessToken          string    `json:"access_token,omitempty"`
	AccessTokenExpiresAt time.Time `json:"access_token_expires_at,omitzero"`

	Status         Status    `json:"status"`
	CooldownUntil  time.Time `json:"cooldown_until,omitzero"`
	FailureCount   int64     `json:"failure_count,omitempty"`
	Consecutive429 int       `json:"consecutive_429,omitempty"`
	LastUsedAt     time.Time `json:"last_used_at,omitzero"`

	Classification Classification `json:"classification,omitempty"`

	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// EffectiveStatus resolves COOLING with an elapsed cooldown to ACTIVE.
// Callers that observe the difference are expected to write the transition
// back through the store.
func (c *Credential) EffectiveStatus(now time.Time) Status {
	if c.Status == StatusCooling && !c.CooldownUntil.IsZero() && !now.Before(c.CooldownUntil) {
		return StatusActive
	}
	return c.Status
}

// TokenStale reports whether the cached access token is absent or expires
// within the staleness buffer.
func (c *Credential) TokenStale(now time.Time, buffer time.Duration) bool {
	if c.AccessToken == "" {
		return true
	}
	if c.AccessTokenExpiresAt.IsZero() {
		return true
	}
	return now.Add(buffer).After(c.AccessTokenExpiresAt)
}

// CredentialStore is the persistent record collaborator. Update applies its
// mutator under the store's lock so concurrent status transitions cannot
// interleave on the same record.
type CredentialStore interface {
	List(ctx context.Context, provider string) ([]Credential, error)
	Get(ctx context.Context, id int64) (Credential, error)
	Create(ctx context.Context, cred Credential) (Credential, error)
	Update(ctx context.Context, id int64, mutate func(*Credential) error) (Credential, error)
	IncrementFailures(ctx context.Context, id int64) (int64, error)
}
