package config

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"
)

func TestDefaultServerConfigPathUsesTomlFile(t *testing.T) {
	if got := filepath.Base(DefaultServerConfigPath()); got != defaultConfigFileName {
		t.Fatalf("expected default config file %q, got %q", defaultConfigFileName, got)
	}
}

func TestNormalizeFillsSessionPoolDefaults(t *testing.T) {
	cfg := &ServerConfig{}
	cfg.Normalize()
	if cfg.SessionPool.RotationThreshold != 500 {
		t.Fatalf("expected rotation_threshold default 500, got %d", cfg.SessionPool.RotationThreshold)
	}
	if cfg.SessionPool.FailureThreshold != 0.2 {
		t.Fatalf("expected failure_threshold default 0.2, got %v", cfg.SessionPool.FailureThreshold)
	}
	if cfg.SessionPool.MaxAgeHours != 24 {
		t.Fatalf("expected max_age_hours default 24, got %d", cfg.SessionPool.MaxAgeHours)
	}
	if cfg.Resilience.BackoffScheduleSeconds == nil {
		t.Fatal("expected a default backoff schedule")
	}
}

func TestValidateRejectsOutOfRangeFailureThreshold(t *testing.T) {
	cfg := NewDefaultServerConfig()
	cfg.SessionPool.FailureThreshold = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for failure_threshold > 1")
	}
}

func TestNormalizeRepairsInvertedConnectionBounds(t *testing.T) {
	cfg := NewDefaultServerConfig()
	cfg.Persistence.MinConnections = 20
	cfg.Persistence.MaxConnections = 10
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("normalize should have repaired the bounds: %v", err)
	}
	if cfg.Persistence.MaxConnections != cfg.Persistence.MinConnections {
		t.Fatalf("expected max raised to min, got min=%d max=%d", cfg.Persistence.MinConnections, cfg.Persistence.MaxConnections)
	}
}

func TestIncomingTokenTOMLOmitsEmptyFields(t *testing.T) {
	cfg := ServerConfig{
		ListenAddr: ":8080",
		IncomingTokens: []IncomingAPIToken{
			{ID: "tok-1", Name: "Token 1", Key: "k"},
		},
	}
	cfg.Normalize()
	b, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	s := string(b)
	for _, forbidden := range []string{
		"\ncomment = ''\n",
		"\nexpires_at = ''\n",
		"\ncreated_at = ''\n",
	} {
		if strings.Contains(s, forbidden) {
			t.Fatalf("found unexpected blank field %q in TOML:\n%s", forbidden, s)
		}
	}
}

func TestServerConfigStoreUpdateRejectsInvalidMutation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.toml")
	cfg := NewDefaultServerConfig()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	store := NewServerConfigStore(path, cfg)

	err := store.Update(func(c *ServerConfig) error {
		c.SessionPool.FailureThreshold = 5
		return nil
	})
	if err == nil {
		t.Fatal("expected update to reject an invalid failure_threshold")
	}
	if got := store.Snapshot().SessionPool.FailureThreshold; got != 0.2 {
		t.Fatalf("expected snapshot unaffected by rejected update, got %v", got)
	}
}
