package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultServerConfigPathUsesConfigToml(t *testing.T) {
	if got := filepath.Base(DefaultServerConfigPath()); got != defaultConfigFileName {
		t.Fatalf("expected default config file %q, got %q", defaultConfigFileName, got)
	}
}

func TestNormalizeFillsDefaultsAndDedupesKeys(t *testing.T) {
	cfg := &ServerConfig{
		APIKeys: []APIKey{
			{Key: " k1 ", Name: "First"},
			{Key: "k1", Name: "Duplicate"},
			{Key: ""},
			{Key: "k2"},
		},
	}
	cfg.Normalize()

	if cfg.ListenAddr == "" || cfg.LogLevel != "info" {
		t.Fatalf("defaults not applied: addr=%q level=%q", cfg.ListenAddr, cfg.LogLevel)
	}
	if cfg.Pool.RotationLimit != 3 || cfg.Pool.ConnectRetries != 5 {
		t.Fatalf("pool defaults not applied: %+v", cfg.Pool)
	}
	if len(cfg.APIKeys) != 2 {
		t.Fatalf("expected 2 keys after dedupe, got %d", len(cfg.APIKeys))
	}
	for _, k := range cfg.APIKeys {
		if k.ID == "" {
			t.Fatalf("key %q has no generated id", k.Key)
		}
	}
	if cfg.APIKeys[0].Key != "k1" || cfg.APIKeys[0].Name != "First" {
		t.Fatalf("first occurrence should win: %+v", cfg.APIKeys[0])
	}
}

func TestValidateRejectsBadQuotaAndTLS(t *testing.T) {
	cfg := NewDefaultServerConfig()
	cfg.APIKeys = []APIKey{{ID: "k1", Name: "n", Key: "k", Quota: &KeyQuota{
		Requests: &KeyQuotaBudget{Limit: 10, WindowStartedAt: "not-a-time"},
	}}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for malformed window_started_at")
	}

	cfg = NewDefaultServerConfig()
	cfg.TLS.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for tls without domain")
	}

	cfg = NewDefaultServerConfig()
	cfg.Quota.ProMaxWindowHours = 40
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for inverted classification bounds")
	}
}

func TestNormalizeKeyQuotaClampsUsage(t *testing.T) {
	q := normalizeKeyQuota(&KeyQuota{
		Requests: &KeyQuotaBudget{Limit: 10, Used: 99},
		Tokens:   &KeyQuotaBudget{Limit: 0, Used: 5},
	})
	if q == nil || q.Requests == nil {
		t.Fatalf("requests budget dropped: %+v", q)
	}
	if q.Requests.Used != 10 {
		t.Fatalf("used not clamped to limit: %d", q.Requests.Used)
	}
	if q.Tokens != nil {
		t.Fatalf("zero-limit tokens budget should be dropped")
	}
}

func TestServerConfigStoreUpdatePersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, defaultConfigFileName)

	cfg := NewDefaultServerConfig()
	cfg.APIKeys = []APIKey{{ID: "k1", Name: "n", Key: "secret", Quota: &KeyQuota{
		Requests: &KeyQuotaBudget{Limit: 5, IntervalSeconds: 3600},
	}}}
	cfg.Normalize()
	store := NewServerConfigStore(path, cfg)

	err := store.Update(func(c *ServerConfig) error {
		c.APIKeys[0].Quota.Requests.Used = 3
		c.APIKeys[0].Quota.Requests.WindowStartedAt = time.Now().UTC().Format(time.RFC3339)
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if got := store.Snapshot().APIKeys[0].Quota.Requests.Used; got != 3 {
		t.Fatalf("snapshot used = %d, want 3", got)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read persisted config: %v", err)
	}
	if !strings.Contains(string(b), "used = 3") {
		t.Fatalf("usage not persisted:\n%s", b)
	}

	// A mutator error leaves both memory and disk untouched.
	before := store.Snapshot()
	err = store.Update(func(c *ServerConfig) error {
		c.APIKeys[0].Quota.Requests.Used = 4
		return os.ErrInvalid
	})
	if err == nil {
		t.Fatalf("expected mutator error to propagate")
	}
	if got := store.Snapshot().APIKeys[0].Quota.Requests.Used; got != before.APIKeys[0].Quota.Requests.Used {
		t.Fatalf("failed update mutated the snapshot")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	cfg := NewDefaultServerConfig()
	cfg.APIKeys = []APIKey{{ID: "k1", Name: "n", Key: "secret", Quota: &KeyQuota{
		Tokens: &KeyQuotaBudget{Limit: 100},
	}}}
	cfg.Normalize()
	store := NewServerConfigStore(filepath.Join(t.TempDir(), defaultConfigFileName), cfg)

	snap := store.Snapshot()
	snap.APIKeys[0].Quota.Tokens.Used = 50
	if got := store.Snapshot().APIKeys[0].Quota.Tokens.Used; got != 0 {
		t.Fatalf("snapshot mutation leaked into the store: %d", got)
	}
}
