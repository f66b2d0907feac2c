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

const (
	defaultConfigFileName = "cookierelay.toml"

	TokenRoleAdmin    = "admin"
	TokenRoleOperator = "operator"
	TokenRoleCaller   = "caller"
)

// UpstreamConfig describes the single chat backend the pool of sessions
// authenticates against.
type UpstreamConfig struct {
	BaseURL               string `toml:"base_url"`
	ProviderTag           string `toml:"provider_tag"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds,omitempty"`
}

// SessionPoolConfig holds the classifier and health-loop knobs.
type SessionPoolConfig struct {
	RotationThreshold          int     `toml:"rotation_threshold"`
	FailureThreshold           float64 `toml:"failure_threshold"`
	MaxAgeHours                int     `toml:"max_age_hours"`
	HealthCheckIntervalSeconds int     `toml:"health_check_interval_seconds"`
}

// ResilienceConfig holds the retry/backoff/circuit-breaker knobs.
type ResilienceConfig struct {
	MaxAttempts                   int   `toml:"max_attempts"`
	BackoffScheduleSeconds        []int `toml:"backoff_schedule_seconds"`
	UpstreamAttemptTimeoutSeconds int   `toml:"upstream_attempt_timeout_seconds"`
	CircuitFailureThreshold       int   `toml:"circuit_failure_threshold"`
	CircuitWindowSeconds          int   `toml:"circuit_window_seconds"`
	CircuitRecoveryTimeoutSeconds int   `toml:"circuit_recovery_timeout_seconds"`
}

// PersistenceConfig holds the storage knobs for the relational gateway.
type PersistenceConfig struct {
	Path           string `toml:"path"`
	MinConnections int    `toml:"min_connections,omitempty"`
	MaxConnections int    `toml:"max_connections,omitempty"`
}

// TelemetryConfig holds the attempt-sink knobs.
type TelemetryConfig struct {
	MetricsEnabled   bool `toml:"metrics_enabled"`
	EventsRetainDays int  `toml:"events_retain_days,omitempty"`
}

// RateLimitConfig is the coarse per-key token bucket ahead of the
// resilience coordinator.
type RateLimitConfig struct {
	Enabled           bool `toml:"enabled"`
	RequestsPerMinute int  `toml:"requests_per_minute,omitempty"`
	Burst             int  `toml:"burst,omitempty"`
}

type TLSConfig struct {
	Enabled    bool   `toml:"enabled"`
	Mode       string `toml:"mode"`
	ListenAddr string `toml:"listen_addr"`
	Domain     string `toml:"domain"`
	Email      string `toml:"email"`
	CacheDir   string `toml:"cache_dir"`
	CertPEM    string `toml:"cert_pem,omitempty"`
	KeyPEM     string `toml:"key_pem,omitempty"`
}

type LogsConfig struct {
	MaxLines int `toml:"max_lines,omitempty"`
}

type IncomingAPIToken struct {
	ID        string `toml:"id"`
	Name      string `toml:"name"`
	Role      string `toml:"role,omitempty"`
	Comment   string `toml:"comment,omitempty"`
	Key       string `toml:"key"`
	ExpiresAt string `toml:"expires_at,omitempty"`
	CreatedAt string `toml:"created_at,omitempty"`
}

type ServerConfig struct {
	ListenAddr     string             `toml:"listen_addr"`
	HTTPMode       string             `toml:"http_mode"`
	IncomingTokens []IncomingAPIToken `toml:"incoming_tokens"`

	Upstream    UpstreamConfig    `toml:"upstream"`
	SessionPool SessionPoolConfig `toml:"session_pool"`
	Resilience  ResilienceConfig  `toml:"resilience"`
	Persistence PersistenceConfig `toml:"persistence"`
	Telemetry   TelemetryConfig   `toml:"telemetry"`
	RateLimit   RateLimitConfig   `toml:"rate_limit"`
	Logs        LogsConfig        `toml:"logs"`
	TLS         TLSConfig         `toml:"tls"`
}

func DefaultServerConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "cookierelay", defaultConfigFileName)
}

func DefaultPersistencePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "cookierelay.db"
	}
	return filepath.Join(home, ".local", "share", "cookierelay", "cookierelay.db")
}

func DefaultTLSCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tls-autocert"
	}
	return filepath.Join(home, ".cache", "cookierelay", "tls-autocert")
}

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:     "127.0.0.1:8080",
		HTTPMode:       "enabled",
		IncomingTokens: []IncomingAPIToken{},
		Upstream: UpstreamConfig{
			BaseURL:               "https://api.x.ai",
			ProviderTag:           "grok",
			RequestTimeoutSeconds: 60,
		},
		SessionPool: SessionPoolConfig{
			RotationThreshold:          500,
			FailureThreshold:           0.2,
			MaxAgeHours:                24,
			HealthCheckIntervalSeconds: 30,
		},
		Resilience: ResilienceConfig{
			MaxAttempts:                   5,
			BackoffScheduleSeconds:        []int{2, 5, 10, 20, 30},
			UpstreamAttemptTimeoutSeconds: 60,
			CircuitFailureThreshold:       5,
			CircuitWindowSeconds:          60,
			CircuitRecoveryTimeoutSeconds: 60,
		},
		Persistence: PersistenceConfig{
			Path:           DefaultPersistencePath(),
			MinConnections: 10,
			MaxConnections: 20,
		},
		Telemetry: TelemetryConfig{
			MetricsEnabled:   true,
			EventsRetainDays: 30,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 120,
			Burst:             30,
		},
		Logs: LogsConfig{
			MaxLines: 5000,
		},
		TLS: TLSConfig{
			Enabled:    false,
			Mode:       "letsencrypt",
			ListenAddr: ":443",
			CacheDir:   DefaultTLSCacheDir(),
		},
	}
}

func HasAdminToken(tokens []IncomingAPIToken) bool {
	now := time.Now().UTC()
	for _, t := range tokens {
		if NormalizeIncomingTokenRole(t.Role) != TokenRoleAdmin {
			continue
		}
		if strings.TrimSpace(t.Key) == "" {
			continue
		}
		if exp := strings.TrimSpace(t.ExpiresAt); exp != "" {
			ts, err := time.Parse(time.RFC3339, exp)
			if err != nil || !now.Before(ts) {
				continue
			}
		}
		return true
	}
	return false
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
	if err := loadOrCreate(path, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadOrCreate(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := writeAtomic(path, v); err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, v); err != nil {
		return fmt.Errorf("parse toml: %w", err)
	}
	return nil
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
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, nil
}

func (c *ServerConfig) Normalize() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	c.HTTPMode = strings.ToLower(strings.TrimSpace(c.HTTPMode))
	if c.HTTPMode == "" {
		c.HTTPMode = "enabled"
	}
	if c.HTTPMode != "enabled" && c.HTTPMode != "when_required" && c.HTTPMode != "disabled" {
		c.HTTPMode = "enabled"
	}

	c.Upstream.BaseURL = strings.TrimRight(strings.TrimSpace(c.Upstream.BaseURL), "/")
	c.Upstream.ProviderTag = strings.TrimSpace(c.Upstream.ProviderTag)
	if c.Upstream.RequestTimeoutSeconds <= 0 {
		c.Upstream.RequestTimeoutSeconds = 60
	}

	if c.SessionPool.RotationThreshold <= 0 {
		c.SessionPool.RotationThreshold = 500
	}
	if c.SessionPool.FailureThreshold <= 0 {
		c.SessionPool.FailureThreshold = 0.2
	}
	if c.SessionPool.MaxAgeHours <= 0 {
		c.SessionPool.MaxAgeHours = 24
	}
	if c.SessionPool.HealthCheckIntervalSeconds <= 0 {
		c.SessionPool.HealthCheckIntervalSeconds = 30
	}

	if c.Resilience.MaxAttempts <= 0 {
		c.Resilience.MaxAttempts = 5
	}
	if len(c.Resilience.BackoffScheduleSeconds) == 0 {
		c.Resilience.BackoffScheduleSeconds = []int{2, 5, 10, 20, 30}
	}
	if c.Resilience.UpstreamAttemptTimeoutSeconds <= 0 {
		c.Resilience.UpstreamAttemptTimeoutSeconds = 60
	}
	if c.Resilience.CircuitFailureThreshold <= 0 {
		c.Resilience.CircuitFailureThreshold = 5
	}
	if c.Resilience.CircuitWindowSeconds <= 0 {
		c.Resilience.CircuitWindowSeconds = 60
	}
	if c.Resilience.CircuitRecoveryTimeoutSeconds <= 0 {
		c.Resilience.CircuitRecoveryTimeoutSeconds = 60
	}

	c.Persistence.Path = strings.TrimSpace(c.Persistence.Path)
	if c.Persistence.Path == "" {
		c.Persistence.Path = DefaultPersistencePath()
	}
	if c.Persistence.MinConnections <= 0 {
		c.Persistence.MinConnections = 10
	}
	if c.Persistence.MaxConnections <= 0 {
		c.Persistence.MaxConnections = 20
	}
	if c.Persistence.MaxConnections < c.Persistence.MinConnections {
		c.Persistence.MaxConnections = c.Persistence.MinConnections
	}

	if c.Telemetry.EventsRetainDays <= 0 {
		c.Telemetry.EventsRetainDays = 30
	}

	if c.RateLimit.RequestsPerMinute <= 0 {
		c.RateLimit.RequestsPerMinute = 120
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 30
	}

	if c.Logs.MaxLines <= 0 {
		c.Logs.MaxLines = 5000
	}

	c.TLS.Mode = strings.ToLower(strings.TrimSpace(c.TLS.Mode))
	if c.TLS.Mode == "" {
		c.TLS.Mode = "letsencrypt"
	}
	if c.TLS.Mode != "letsencrypt" && c.TLS.Mode != "self_signed" && c.TLS.Mode != "pem" {
		c.TLS.Mode = "letsencrypt"
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

	tokenSeen := map[string]struct{}{}
	tokens := make([]IncomingAPIToken, 0, len(c.IncomingTokens))
	for i, t := range c.IncomingTokens {
		t.ID = strings.TrimSpace(t.ID)
		t.Name = strings.TrimSpace(t.Name)
		t.Role = NormalizeIncomingTokenRole(t.Role)
		t.Comment = strings.TrimSpace(t.Comment)
		t.Key = strings.TrimSpace(t.Key)
		t.ExpiresAt = strings.TrimSpace(t.ExpiresAt)
		t.CreatedAt = strings.TrimSpace(t.CreatedAt)
		if t.Key == "" {
			continue
		}
		if _, ok := tokenSeen[t.Key]; ok {
			continue
		}
		tokenSeen[t.Key] = struct{}{}
		if t.ID == "" {
			t.ID = tokenID(t.Key, i)
		}
		if t.Name == "" {
			t.Name = fmt.Sprintf("Token %d", len(tokens)+1)
		}
		tokens = append(tokens, t)
	}
	c.IncomingTokens = tokens
}

func (c *ServerConfig) Validate() error {
	idSeen := map[string]struct{}{}
	for _, t := range c.IncomingTokens {
		if t.ID == "" {
			return errors.New("incoming token id cannot be empty")
		}
		if _, ok := idSeen[t.ID]; ok {
			return fmt.Errorf("duplicate incoming token id %q", t.ID)
		}
		idSeen[t.ID] = struct{}{}
		if t.Name == "" {
			return fmt.Errorf("incoming token %q name cannot be empty", t.ID)
		}
		t.Role = NormalizeIncomingTokenRole(t.Role)
		if t.Role == "" {
			return fmt.Errorf("incoming token %q has invalid role", t.ID)
		}
		if t.Key == "" {
			return fmt.Errorf("incoming token %q key cannot be empty", t.ID)
		}
		if t.ExpiresAt != "" {
			if _, err := time.Parse(time.RFC3339, t.ExpiresAt); err != nil {
				return fmt.Errorf("incoming token %q has invalid expires_at (RFC3339 required)", t.ID)
			}
		}
	}
	if c.Upstream.BaseURL == "" {
		return errors.New("upstream.base_url cannot be empty")
	}
	if c.SessionPool.FailureThreshold <= 0 || c.SessionPool.FailureThreshold > 1 {
		return errors.New("session_pool.failure_threshold must be in (0, 1]")
	}
	if len(c.Resilience.BackoffScheduleSeconds) == 0 {
		return errors.New("resilience.backoff_schedule_seconds cannot be empty")
	}
	if c.Persistence.MaxConnections < c.Persistence.MinConnections {
		return errors.New("persistence.max_connections must be >= persistence.min_connections")
	}
	if c.TLS.Enabled {
		switch c.TLS.Mode {
		case "letsencrypt":
			if c.TLS.Domain == "" {
				return errors.New("tls.domain is required when tls.enabled=true and tls.mode=letsencrypt")
			}
		case "pem":
			if c.TLS.CertPEM == "" || c.TLS.KeyPEM == "" {
				return errors.New("tls.cert_pem and tls.key_pem are required when tls.enabled=true and tls.mode=pem")
			}
		case "self_signed":
		default:
			return errors.New("tls.mode must be one of letsencrypt, self_signed, pem")
		}
	}
	if c.HTTPMode != "enabled" && c.HTTPMode != "when_required" && c.HTTPMode != "disabled" {
		return errors.New("http_mode must be one of enabled, when_required, disabled")
	}
	if c.TLS.Enabled && c.TLS.Mode == "letsencrypt" && c.HTTPMode == "disabled" {
		return errors.New("http_mode cannot be disabled when tls.mode=letsencrypt")
	}
	return nil
}

func tokenID(key string, idx int) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return fmt.Sprintf("tok-%d-%x", idx+1, h.Sum64())
}

func NormalizeIncomingTokenRole(role string) string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "", TokenRoleCaller:
		return TokenRoleCaller
	case TokenRoleAdmin:
		return TokenRoleAdmin
	case TokenRoleOperator:
		return TokenRoleOperator
	default:
		return ""
	}
}

// ServerConfigStore guards the admin-mutable slice of the config (incoming
// tokens) behind Snapshot/Update; every other knob is fixed for the life of
// the process, changed only by editing the file and restarting.
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
	cp.IncomingTokens = append([]IncomingAPIToken(nil), s.cfg.IncomingTokens...)
	cp.Resilience.BackoffScheduleSeconds = append([]int(nil), s.cfg.Resilience.BackoffScheduleSeconds...)
	return cp
}

func (s *ServerConfigStore) Update(mutator func(*ServerConfig) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.cfg
	cp.IncomingTokens = append([]IncomingAPIToken(nil), s.cfg.IncomingTokens...)
	cp.Resilience.BackoffScheduleSeconds = append([]int(nil), s.cfg.Resilience.BackoffScheduleSeconds...)
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
