package config

import (
	"bytes"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const defaultConfigFileName = "credmuxd.toml"

const (
	ProviderGeminiCLI   = "gemini-cli"
	ProviderAntigravity = "antigravity"
)

// KeyQuotaBudget is one metered budget (requests or tokens) on an incoming
// API key. Used/WindowStartedAt are mutated in place and saved back to the
// config file, so restarts keep the current window.
type KeyQuotaBudget struct {
	Limit           int64  `toml:"limit,omitempty" json:"limit,omitempty"`
	IntervalSeconds int64  `toml:"interval_seconds,omitempty" json:"interval_seconds,omitempty"`
	Used            int64  `toml:"used,omitempty" json:"used,omitempty"`
	WindowStartedAt string `toml:"window_started_at,omitempty" json:"window_started_at,omitempty"`
}

type KeyQuota struct {
	Requests *KeyQuotaBudget `toml:"requests,omitempty" json:"requests,omitempty"`
	Tokens   *KeyQuotaBudget `toml:"tokens,omitempty" json:"tokens,omitempty"`
}

type APIKey struct {
	ID      string    `toml:"id"`
	Name    string    `toml:"name"`
	Comment string    `toml:"comment,omitempty"`
	Key     string    `toml:"key"`
	Quota   *KeyQuota `toml:"quota,omitempty" json:"quota,omitempty"`
}

// OAuthApp holds the application half of an upstream OAuth flow. The
// per-credential half (refresh token, project id) lives in the credential
// store, not here.
type OAuthApp struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret,omitempty"`
	TokenURL     string `toml:"token_url"`
}

type GeminiCLIUpstream struct {
	OAuth          OAuthApp `toml:"oauth"`
	BaseURL        string   `toml:"base_url"`
	TimeoutSeconds int      `toml:"timeout_seconds,omitempty"`
}

type AntigravityUpstream struct {
	OAuth            OAuthApp `toml:"oauth"`
	BaseURL          string   `toml:"base_url"`
	FallbackBaseURLs []string `toml:"fallback_base_urls,omitempty"`
	TimeoutSeconds   int      `toml:"timeout_seconds,omitempty"`
	FakeStream       bool     `toml:"fake_stream,omitempty"`
}

type PoolConfig struct {
	LeaseTTLSeconds          int     `toml:"lease_ttl_seconds,omitempty"`
	ScanSlack                int     `toml:"scan_slack,omitempty"`
	ConnectRetries           int     `toml:"connect_retries,omitempty"`
	ConnectBackoffMillis     int     `toml:"connect_backoff_millis,omitempty"`
	RotationLimit            int     `toml:"rotation_limit,omitempty"`
	CooldownFallbackSeconds  int     `toml:"cooldown_fallback_seconds,omitempty"`
	CooldownEscalatedSeconds int     `toml:"cooldown_escalated_seconds,omitempty"`
	CooldownEscalateAfter    int     `toml:"cooldown_escalate_after,omitempty"`
	LowWaterFraction         float64 `toml:"low_water_fraction,omitempty"`
	NearZeroFraction         float64 `toml:"near_zero_fraction,omitempty"`
	TokenStalenessSeconds    int     `toml:"token_staleness_seconds,omitempty"`
	SweepIntervalSeconds     int     `toml:"sweep_interval_seconds,omitempty"`
}

func (p PoolConfig) LeaseTTL() time.Duration {
	return time.Duration(p.LeaseTTLSeconds) * time.Second
}

func (p PoolConfig) ConnectBackoff() time.Duration {
	return time.Duration(p.ConnectBackoffMillis) * time.Millisecond
}

func (p PoolConfig) CooldownFallback() time.Duration {
	return time.Duration(p.CooldownFallbackSeconds) * time.Second
}

func (p PoolConfig) CooldownEscalated() time.Duration {
	return time.Duration(p.CooldownEscalatedSeconds) * time.Second
}

func (p PoolConfig) TokenStaleness() time.Duration {
	return time.Duration(p.TokenStalenessSeconds) * time.Second
}

func (p PoolConfig) SweepInterval() time.Duration {
	return time.Duration(p.SweepIntervalSeconds) * time.Second
}

type QuotaConfig struct {
	SnapshotTTLMinutes   int     `toml:"snapshot_ttl_minutes,omitempty"`
	RefreshLockSeconds   int     `toml:"refresh_lock_seconds,omitempty"`
	RefreshPerMinute     int     `toml:"refresh_per_minute,omitempty"`
	ProMaxWindowHours    float64 `toml:"pro_max_window_hours,omitempty"`
	NormalMinWindowHours float64 `toml:"normal_min_window_hours,omitempty"`
	LowQuotaFraction     float64 `toml:"low_quota_fraction,omitempty"`
}

func (q QuotaConfig) SnapshotTTL() time.Duration {
	return time.Duration(q.SnapshotTTLMinutes) * time.Minute
}

func (q QuotaConfig) RefreshLock() time.Duration {
	return time.Duration(q.RefreshLockSeconds) * time.Second
}

func (q QuotaConfig) ProMaxWindow() time.Duration {
	return time.Duration(q.ProMaxWindowHours * float64(time.Hour))
}

func (q QuotaConfig) NormalMinWindow() time.Duration {
	return time.Duration(q.NormalMinWindowHours * float64(time.Hour))
}

type StreamConfig struct {
	HeartbeatSeconds int `toml:"heartbeat_seconds,omitempty"`
}

func (s StreamConfig) Heartbeat() time.Duration {
	return time.Duration(s.HeartbeatSeconds) * time.Second
}

type TLSConfig struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
	Domain     string `toml:"domain"`
	Email      string `toml:"email"`
	CacheDir   string `toml:"cache_dir"`
}

type PathsConfig struct {
	Credentials string `toml:"credentials,omitempty"`
	ModelsCache string `toml:"models_cache,omitempty"`
	UsageDB     string `toml:"usage_db,omitempty"`
}

type ServerConfig struct {
	ListenAddr           string              `toml:"listen_addr"`
	LogLevel             string              `toml:"log_level,omitempty"`
	AllowLocalhostNoAuth bool                `toml:"allow_localhost_no_auth"`
	APIKeys              []APIKey            `toml:"api_keys"`
	GeminiCLI            GeminiCLIUpstream   `toml:"gemini_cli"`
	Antigravity          AntigravityUpstream `toml:"antigravity"`
	Pool                 PoolConfig          `toml:"pool"`
	Quota                QuotaConfig         `toml:"quota"`
	Stream               StreamConfig        `toml:"stream"`
	TLS                  TLSConfig           `toml:"tls"`
	Paths                PathsConfig         `toml:"paths"`
}

func DefaultServerConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "credmux", defaultConfigFileName)
}

func defaultCachePath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".cache", "credmux", name)
}

func DefaultCredentialsPath() string { return defaultCachePath("credentials.json") }
func DefaultModelsCachePath() string { return defaultCachePath("models-cache.json") }
func DefaultUsageDBPath() string     { return defaultCachePath("usage") }
func DefaultTLSCacheDir() string     { return defaultCachePath("tls-autocert") }

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr: "127.0.0.1:8080",
		LogLevel:   "info",
		APIKeys:    []APIKey{},
		GeminiCLI: GeminiCLIUpstream{
			OAuth: OAuthApp{
				TokenURL: "https://oauth2.googleapis.com/token",
			},
			BaseURL:        "https://cloudcode-pa.googleapis.com",
			TimeoutSeconds: 300,
		},
		Antigravity: AntigravityUpstream{
			OAuth: OAuthApp{
				TokenURL: "https://oauth2.googleapis.com/token",
			},
			BaseURL:        "https://cloudcode-pa.googleapis.com",
			TimeoutSeconds: 300,
		},
		Pool: PoolConfig{
			LeaseTTLSeconds:          120,
			ScanSlack:                2,
			ConnectRetries:           5,
			ConnectBackoffMillis:     1000,
			RotationLimit:            3,
			CooldownFallbackSeconds:  60,
			CooldownEscalatedSeconds: 2 * 3600,
			CooldownEscalateAfter:    3,
			LowWaterFraction:         0.10,
			NearZeroFraction:         0.01,
			TokenStalenessSeconds:    300,
			SweepIntervalSeconds:     30,
		},
		Quota: QuotaConfig{
			SnapshotTTLMinutes:   15,
			RefreshLockSeconds:   15,
			RefreshPerMinute:     10,
			ProMaxWindowHours:    5,
			NormalMinWindowHours: 30,
			LowQuotaFraction:     0.10,
		},
		Stream: StreamConfig{
			HeartbeatSeconds: 5,
		},
		TLS: TLSConfig{
			Enabled:    false,
			ListenAddr: ":443",
			CacheDir:   DefaultTLSCacheDir(),
		},
		Paths: PathsConfig{
			Credentials: DefaultCredentialsPath(),
			ModelsCache: DefaultModelsCachePath(),
			UsageDB:     DefaultUsageDBPath(),
		},
	}
}

func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse toml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadOrCreateServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := writeAtomic(path, cfg); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
	} else {
		if err != nil {
			return nil, fmt.Errorf("stat config: %w", err)
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := toml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse toml: %w", err)
		}
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeAtomic(path, v)
}

func writeAtomic(path string, v any) error {
	b, err := marshalTOML(v)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func marshalTOML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetArraysMultiline(true)
	enc.SetIndentSymbol("  ")
	enc.SetIndentTables(true)
	enc.SetTablesInline(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *ServerConfig) Normalize() {
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:8080"
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	def := NewDefaultServerConfig()
	normalizeUpstreamOAuth(&c.GeminiCLI.OAuth, def.GeminiCLI.OAuth)
	normalizeUpstreamOAuth(&c.Antigravity.OAuth, def.Antigravity.OAuth)
	c.GeminiCLI.BaseURL = normalizeBaseURL(c.GeminiCLI.BaseURL, def.GeminiCLI.BaseURL)
	c.Antigravity.BaseURL = normalizeBaseURL(c.Antigravity.BaseURL, def.Antigravity.BaseURL)
	if c.GeminiCLI.TimeoutSeconds <= 0 {
		c.GeminiCLI.TimeoutSeconds = def.GeminiCLI.TimeoutSeconds
	}
	if c.Antigravity.TimeoutSeconds <= 0 {
		c.Antigravity.TimeoutSeconds = def.Antigravity.TimeoutSeconds
	}
	for i := range c.Antigravity.FallbackBaseURLs {
		c.Antigravity.FallbackBaseURLs[i] = normalizeBaseURL(c.Antigravity.FallbackBaseURLs[i], "")
	}

	if c.Pool.LeaseTTLSeconds <= 0 {
		c.Pool.LeaseTTLSeconds = def.Pool.LeaseTTLSeconds
	}
	if c.Pool.ScanSlack <= 0 {
		c.Pool.ScanSlack = def.Pool.ScanSlack
	}
	if c.Pool.ConnectRetries <= 0 {
		c.Pool.ConnectRetries = def.Pool.ConnectRetries
	}
	if c.Pool.ConnectBackoffMillis <= 0 {
		c.Pool.ConnectBackoffMillis = def.Pool.ConnectBackoffMillis
	}
	if c.Pool.RotationLimit <= 0 {
		c.Pool.RotationLimit = def.Pool.RotationLimit
	}
	if c.Pool.CooldownFallbackSeconds <= 0 {
		c.Pool.CooldownFallbackSeconds = def.Pool.CooldownFallbackSeconds
	}
	if c.Pool.CooldownEscalatedSeconds <= 0 {
		c.Pool.CooldownEscalatedSeconds = def.Pool.CooldownEscalatedSeconds
	}
	if c.Pool.CooldownEscalateAfter <= 0 {
		c.Pool.CooldownEscalateAfter = def.Pool.CooldownEscalateAfter
	}
	if c.Pool.LowWaterFraction <= 0 || c.Pool.LowWaterFraction >= 1 {
		c.Pool.LowWaterFraction = def.Pool.LowWaterFraction
	}
	if c.Pool.NearZeroFraction <= 0 || c.Pool.NearZeroFraction >= 1 {
		c.Pool.NearZeroFraction = def.Pool.NearZeroFraction
	}
	if c.Pool.TokenStalenessSeconds <= 0 {
		c.Pool.TokenStalenessSeconds = def.Pool.TokenStalenessSeconds
	}
	if c.Pool.SweepIntervalSeconds <= 0 {
		c.Pool.SweepIntervalSeconds = def.Pool.SweepIntervalSeconds
	}

	if c.Quota.SnapshotTTLMinutes <= 0 {
		c.Quota.SnapshotTTLMinutes = def.Quota.SnapshotTTLMinutes
	}
	if c.Quota.RefreshLockSeconds <= 0 {
		c.Quota.RefreshLockSeconds = def.Quota.RefreshLockSeconds
	}
	if c.Quota.RefreshPerMinute <= 0 {
		c.Quota.RefreshPerMinute = def.Quota.RefreshPerMinute
	}
	if c.Quota.ProMaxWindowHours <= 0 {
		c.Quota.ProMaxWindowHours = def.Quota.ProMaxWindowHours
	}
	if c.Quota.NormalMinWindowHours <= 0 {
		c.Quota.NormalMinWindowHours = def.Quota.NormalMinWindowHours
	}
	if c.Quota.LowQuotaFraction <= 0 || c.Quota.LowQuotaFraction >= 1 {
		c.Quota.LowQuotaFraction = def.Quota.LowQuotaFraction
	}

	if c.Stream.HeartbeatSeconds <= 0 {
		c.Stream.HeartbeatSeconds = def.Stream.HeartbeatSeconds
	}

	c.TLS.ListenAddr = strings.TrimSpace(c.TLS.ListenAddr)
	if c.TLS.ListenAddr == "" {
		c.TLS.ListenAddr = ":443"
	}
	c.TLS.Domain = strings.TrimSpace(c.TLS.Domain)
	c.TLS.Email = strings.TrimSpace(c.TLS.Email)
	c.TLS.CacheDir = strings.TrimSpace(c.TLS.CacheDir)
	if c.TLS.CacheDir == "" {
		c.TLS.CacheDir = DefaultTLSCacheDir()
	}

	c.Paths.Credentials = strings.TrimSpace(c.Paths.Credentials)
	if c.Paths.Credentials == "" {
		c.Paths.Credentials = DefaultCredentialsPath()
	}
	c.Paths.ModelsCache = strings.TrimSpace(c.Paths.ModelsCache)
	if c.Paths.ModelsCache == "" {
		c.Paths.ModelsCache = DefaultModelsCachePath()
	}
	c.Paths.UsageDB = strings.TrimSpace(c.Paths.UsageDB)
	if c.Paths.UsageDB == "" {
		c.Paths.UsageDB = DefaultUsageDBPath()
	}

	keySeen := map[string]struct{}{}
	keys := make([]APIKey, 0, len(c.APIKeys))
	for i, k := range c.APIKeys {
		k.ID = strings.TrimSpace(k.ID)
		k.Name = strings.TrimSpace(k.Name)
		k.Comment = strings.TrimSpace(k.Comment)
		k.Key = strings.TrimSpace(k.Key)
		k.Quota = normalizeKeyQuota(k.Quota)
		if k.Key == "" {
			continue
		}
		if _, ok := keySeen[k.Key]; ok {
			continue
		}
		keySeen[k.Key] = struct{}{}
		if k.ID == "" {
			k.ID = keyID(k.Key, i)
		}
		if k.Name == "" {
			k.Name = fmt.Sprintf("Key %d", len(keys)+1)
		}
		keys = append(keys, k)
	}
	c.APIKeys = keys
}

func normalizeUpstreamOAuth(o *OAuthApp, def OAuthApp) {
	o.ClientID = strings.TrimSpace(o.ClientID)
	o.ClientSecret = strings.TrimSpace(o.ClientSecret)
	o.TokenURL = strings.TrimSpace(o.TokenURL)
	if o.TokenURL == "" {
		o.TokenURL = def.TokenURL
	}
}

func normalizeBaseURL(raw, def string) string {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	if raw == "" {
		return def
	}
	return raw
}

func (c *ServerConfig) Validate() error {
	idSeen := map[string]struct{}{}
	for _, k := range c.APIKeys {
		if k.ID == "" {
			return errors.New("api key id cannot be empty")
		}
		if _, ok := idSeen[k.ID]; ok {
			return fmt.Errorf("duplicate api key id %q", k.ID)
		}
		idSeen[k.ID] = struct{}{}
		if k.Key == "" {
			return fmt.Errorf("api key %q key cannot be empty", k.ID)
		}
		if err := validateKeyQuota(k.ID, k.Quota); err != nil {
			return err
		}
	}
	if c.TLS.Enabled && c.TLS.Domain == "" {
		return errors.New("tls.domain is required when tls.enabled=true")
	}
	if c.Quota.ProMaxWindowHours >= c.Quota.NormalMinWindowHours {
		return errors.New("quota.pro_max_window_hours must be below quota.normal_min_window_hours")
	}
	if c.Pool.NearZeroFraction >= c.Pool.LowWaterFraction {
		return errors.New("pool.near_zero_fraction must be below pool.low_water_fraction")
	}
	return nil
}

func normalizeKeyQuota(in *KeyQuota) *KeyQuota {
	if in == nil {
		return nil
	}
	out := &KeyQuota{
		Requests: normalizeKeyQuotaBudget(in.Requests),
		Tokens:   normalizeKeyQuotaBudget(in.Tokens),
	}
	if out.Requests == nil && out.Tokens == nil {
		return nil
	}
	return out
}

func normalizeKeyQuotaBudget(b *KeyQuotaBudget) *KeyQuotaBudget {
	if b == nil {
		return nil
	}
	cp := *b
	cp.WindowStartedAt = strings.TrimSpace(cp.WindowStartedAt)
	if cp.Limit <= 0 {
		return nil
	}
	if cp.IntervalSeconds < 0 {
		cp.IntervalSeconds = 0
	}
	if cp.Used < 0 {
		cp.Used = 0
	}
	if cp.Used > cp.Limit {
		cp.Used = cp.Limit
	}
	return &cp
}

func validateKeyQuota(keyID string, q *KeyQuota) error {
	if q == nil {
		return nil
	}
	if err := validateKeyQuotaBudget(keyID, "requests", q.Requests); err != nil {
		return err
	}
	return validateKeyQuotaBudget(keyID, "tokens", q.Tokens)
}

func validateKeyQuotaBudget(keyID, name string, b *KeyQuotaBudget) error {
	if b == nil {
		return nil
	}
	if b.Limit <= 0 {
		return fmt.Errorf("api key %q quota.%s.limit must be > 0", keyID, name)
	}
	if b.IntervalSeconds < 0 {
		return fmt.Errorf("api key %q quota.%s.interval_seconds must be >= 0", keyID, name)
	}
	if b.WindowStartedAt != "" {
		if _, err := time.Parse(time.RFC3339, b.WindowStartedAt); err != nil {
			return fmt.Errorf("api key %q quota.%s.window_started_at must be RFC3339", keyID, name)
		}
	}
	return nil
}

func keyID(key string, idx int) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return fmt.Sprintf("key-%d-%x", idx+1, h.Sum64())
}

// ServerConfigStore serializes config reads and quota writebacks. Update
// validates and persists the mutated copy before swapping it in.
type ServerConfigStore struct {
	mu   sync.RWMutex
	path string
	cfg  *ServerConfig
}

func NewServerConfigStore(path string, cfg *ServerConfig) *ServerConfigStore {
	return &ServerConfigStore{path: path, cfg: cfg}
}

func (s *ServerConfigStore) Snapshot() ServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := *s.cfg
	cp.APIKeys = cloneAPIKeys(s.cfg.APIKeys)
	cp.Antigravity.FallbackBaseURLs = append([]string(nil), s.cfg.Antigravity.FallbackBaseURLs...)
	return cp
}

func (s *ServerConfigStore) Update(mutator func(*ServerConfig) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.cfg
	cp.APIKeys = cloneAPIKeys(s.cfg.APIKeys)
	cp.Antigravity.FallbackBaseURLs = append([]string(nil), s.cfg.Antigravity.FallbackBaseURLs...)
	if err := mutator(&cp); err != nil {
		return err
	}
	cp.Normalize()
	if err := cp.Validate(); err != nil {
		return err
	}
	if err := Save(s.path, &cp); err != nil {
		return err
	}
	s.cfg = &cp
	return nil
}

func cloneAPIKeys(in []APIKey) []APIKey {
	if len(in) == 0 {
		return nil
	}
	out := make([]APIKey, len(in))
	for i := range in {
		out[i] = in[i]
		out[i].Quota = cloneKeyQuota(in[i].Quota)
	}
	return out
}

func cloneKeyQuota(in *KeyQuota) *KeyQuota {
	if in == nil {
		return nil
	}
	out := &KeyQuota{}
	if in.Requests != nil {
		cp := *in.Requests
		out.Requests = &cp
	}
	if in.Tokens != nil {
		cp := *in.Tokens
		out.Tokens = &cp
	}
	if out.Requests == nil && out.Tokens == nil {
		return nil
	}
	return out
}
