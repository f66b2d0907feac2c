package httpapi

import (
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/cookierelay/cookierelay/pkg/config"
	"github.com/cookierelay/cookierelay/pkg/persistence"
	"github.com/cookierelay/cookierelay/pkg/resilience"
	"github.com/cookierelay/cookierelay/pkg/session"
	"github.com/cookierelay/cookierelay/pkg/sessionpool"
	"github.com/cookierelay/cookierelay/pkg/upstream"
)

// newTestServer wires a Server against a real temp-file SQLite store and a
// fake upstream so handler tests exercise the full request path without any
// network access.
func newTestServer(t *testing.T, upstreamBaseURL string, tokens []config.IncomingAPIToken) (*Server, *persistence.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(persistence.Config{Path: filepath.Join(dir, "server.db"), MinConnections: 1, MaxConnections: 4})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	classifierCfg := session.ClassifierConfig{RotationThreshold: 500, FailureThreshold: 0.5, MaxAge: 24 * time.Hour}
	pool := sessionpool.New(store, classifierCfg)

	client := upstream.NewClient(upstream.Config{BaseURL: upstreamBaseURL, ProviderTag: "grok"})
	breaker := resilience.NewCircuitBreaker(5, time.Minute, 30*time.Second)
	coordinator := resilience.NewCoordinator(pool, client, store, breaker, "grok", resilience.Config{MaxAttempts: 2})

	cfg := config.NewDefaultServerConfig()
	cfg.IncomingTokens = tokens
	configStore := config.NewServerConfigStore(filepath.Join(dir, "cookierelay.toml"), cfg)

	s := NewServer(Deps{
		ConfigStore: configStore,
		Pool:        pool,
		Store:       store,
		Coordinator: coordinator,
		Breaker:     breaker,
	})
	return s, store
}

func adminToken() config.IncomingAPIToken {
	return config.IncomingAPIToken{ID: "tok-admin", Name: "admin", Role: config.TokenRoleAdmin, Key: "admin-secret"}
}

func callerToken() config.IncomingAPIToken {
	return config.IncomingAPIToken{ID: "tok-caller", Name: "caller", Role: config.TokenRoleCaller, Key: "caller-secret"}
}

func TestHandleHealthReportsUnhealthyWithEmptyPool(t *testing.T) {
	s, _ := newTestServer(t, "http://127.0.0.1:0", nil)
	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != 503 {
		t.Fatalf("expected 503 with an empty pool, got %d", rec.Code)
	}
}
