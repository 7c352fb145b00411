package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "credentials.json")

	s, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	created, err := s.Create(ctx, Credential{
		Provider:     "gemini-cli",
		Label:        "acct-1",
		ProjectID:    "proj-1",
		RefreshToken: "rt-1",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID != 1 || created.Status != StatusActive {
		t.Fatalf("unexpected created credential: %+v", created)
	}
	if _, err := s.Create(ctx, Credential{Provider: "antigravity", RefreshToken: "rt-2"}); err != nil {
		t.Fatalf("create second: %v", err)
	}

	updated, err := s.Update(ctx, created.ID, func(c *Credential) error {
		c.Status = StatusCooling
		c.CooldownUntil = time.Now().Add(time.Minute)
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Status != StatusCooling {
		t.Fatalf("status not updated: %+v", updated)
	}

	// Reopen from disk and check everything survived.
	s2, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	got, err := s2.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Status != StatusCooling || got.RefreshToken != "rt-1" || got.ProjectID != "proj-1" {
		t.Fatalf("persisted credential mismatch: %+v", got)
	}
	third, err := s2.Create(ctx, Credential{Provider: "gemini-cli", RefreshToken: "rt-3"})
	if err != nil {
		t.Fatalf("create after reopen: %v", err)
	}
	if third.ID != 3 {
		t.Fatalf("id sequence not restored, got %d", third.ID)
	}
}

func TestListFiltersByProvider(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, p := range []string{"gemini-cli", "antigravity", "gemini-cli"} {
		if _, err := s.Create(ctx, Credential{Provider: p, RefreshToken: "rt"}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	got, err := s.List(ctx, "gemini-cli")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 gemini-cli credentials, got %d", len(got))
	}
	all, err := s.List(ctx, "")
	if err != nil || len(all) != 3 {
		t.Fatalf("list all: n=%d err=%v", len(all), err)
	}
}

func TestIncrementFailures(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	c, err := s.Create(ctx, Credential{Provider: "antigravity", RefreshToken: "rt"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for want := int64(1); want <= 3; want++ {
		got, err := s.IncrementFailures(ctx, c.ID)
		if err != nil || got != want {
			t.Fatalf("increment: got=%d want=%d err=%v", got, want, err)
		}
	}
	if _, err := s.IncrementFailures(ctx, 999); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEffectiveStatusAndTokenStaleness(t *testing.T) {
	now := time.Now()
	c := Credential{Status: StatusCooling, CooldownUntil: now.Add(-time.Second)}
	if got := c.EffectiveStatus(now); got != StatusActive {
		t.Fatalf("elapsed cooldown must read as active, got %s", got)
	}
	c.CooldownUntil = now.Add(time.Minute)
	if got := c.EffectiveStatus(now); got != StatusCooling {
		t.Fatalf("future cooldown must stay cooling, got %s", got)
	}
	c = Credential{Status: StatusDead, CooldownUntil: now.Add(-time.Hour)}
	if got := c.EffectiveStatus(now); got != StatusDead {
		t.Fatalf("dead is terminal, got %s", got)
	}

	c = Credential{AccessToken: "tok", AccessTokenExpiresAt: now.Add(10 * time.Minute)}
	if c.TokenStale(now, 5*time.Minute) {
		t.Fatalf("token with 10m left is not stale at a 5m buffer")
	}
	c.AccessTokenExpiresAt = now.Add(4 * time.Minute)
	if !c.TokenStale(now, 5*time.Minute) {
		t.Fatalf("token with 4m left is stale at a 5m buffer")
	}
	if !(&Credential{}).TokenStale(now, 5*time.Minute) {
		t.Fatalf("missing token is always stale")
	}
}
