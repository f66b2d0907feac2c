package sessionpool

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cookierelay/cookierelay/pkg/persistence"
	"github.com/cookierelay/cookierelay/pkg/session"
)

func newTestPool(t *testing.T) (*Pool, *persistence.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(persistence.Config{Path: filepath.Join(dir, "pool.db"), MinConnections: 1, MaxConnections: 4})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	cfg := session.ClassifierConfig{RotationThreshold: 500, FailureThreshold: 0.2, MaxAge: 24 * time.Hour}
	return New(store, cfg), store
}

func TestAcquireReturnsErrNoHealthySessionsWhenEmpty(t *testing.T) {
	ctx := context.Background()
	pool, _ := newTestPool(t)
	if err := pool.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, err := pool.Acquire(ctx, "grok", nil); err != ErrNoHealthySessions {
		t.Fatalf("expected ErrNoHealthySessions, got %v", err)
	}
}

func TestAcquireTieBreaksByFewestLeasesThenUsage(t *testing.T) {
	ctx := context.Background()
	pool, store := newTestPool(t)

	s1, err := store.InsertSession(ctx, "sso=s1", "grok", "", nil)
	if err != nil {
		t.Fatalf("insert s1: %v", err)
	}
	s2, err := store.InsertSession(ctx, "sso=s2", "grok", "", nil)
	if err != nil {
		t.Fatalf("insert s2: %v", err)
	}
	if err := pool.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}

	first, err := pool.Acquire(ctx, "grok", nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// first acquired session now has a lease; next acquire should prefer the other.
	second, err := pool.Acquire(ctx, "grok", nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if first.ID == second.ID {
		t.Fatal("expected the second acquire to prefer the unleased session")
	}
	if (first.ID != s1.ID && first.ID != s2.ID) || (second.ID != s1.ID && second.ID != s2.ID) {
		t.Fatal("acquired sessions should be among the inserted ones")
	}
}

func TestReleaseSuccessIncrementsCounters(t *testing.T) {
	ctx := context.Background()
	pool, store := newTestPool(t)

	s, err := store.InsertSession(ctx, "sso=rel", "grok", "", nil)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := pool.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, err := pool.Acquire(ctx, "grok", nil); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := pool.Release(ctx, s.ID, OutcomeSuccess, 100*time.Millisecond); err != nil {
		t.Fatalf("release: %v", err)
	}

	got, err := store.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UsageCount != 1 || got.SuccessCount != 1 {
		t.Fatalf("unexpected counters after release: usage=%d success=%d", got.UsageCount, got.SuccessCount)
	}
}

func TestThreeConsecutiveAuthFailuresQuarantineThenRevoke(t *testing.T) {
	ctx := context.Background()
	pool, store := newTestPool(t)

	s, err := store.InsertSession(ctx, "sso=auth", "grok", "", nil)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := pool.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}

	if err := pool.Release(ctx, s.ID, OutcomeAuthFailure, 0); err != nil {
		t.Fatalf("release 1: %v", err)
	}
	got, _ := store.GetSession(ctx, s.ID)
	if got.Status != session.StatusQuarantined {
		t.Fatalf("expected quarantined after first auth failure, got %s", got.Status)
	}

	if err := pool.Release(ctx, s.ID, OutcomeAuthFailure, 0); err != nil {
		t.Fatalf("release 2: %v", err)
	}
	if err := pool.Release(ctx, s.ID, OutcomeAuthFailure, 0); err != nil {
		t.Fatalf("release 3: %v", err)
	}
	got, _ = store.GetSession(ctx, s.ID)
	if got.Status != session.StatusRevoked {
		t.Fatalf("expected revoked after third consecutive auth failure, got %s", got.Status)
	}
}

func TestThreeConsecutiveAntiBotQuarantines(t *testing.T) {
	ctx := context.Background()
	pool, store := newTestPool(t)

	s, err := store.InsertSession(ctx, "sso=antibot", "grok", "", nil)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := pool.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := pool.Release(ctx, s.ID, OutcomeAntiBot, 0); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}
	got, err := store.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != session.StatusQuarantined {
		t.Fatalf("expected quarantined after three anti_bot outcomes, got %s", got.Status)
	}
}

func TestRateLimitDoesNotChangeStatus(t *testing.T) {
	ctx := context.Background()
	pool, store := newTestPool(t)

	s, err := store.InsertSession(ctx, "sso=rl", "grok", "", nil)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := pool.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if err := pool.Release(ctx, s.ID, OutcomeRateLimit, 0); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, err := store.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != session.StatusHealthy {
		t.Fatalf("expected status unchanged on rate_limit, got %s", got.Status)
	}
}

func TestQuarantineIsIdempotent(t *testing.T) {
	ctx := context.Background()
	pool, store := newTestPool(t)

	s, err := store.InsertSession(ctx, "sso=idem", "grok", "", nil)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := pool.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if err := pool.Quarantine(ctx, s.ID); err != nil {
		t.Fatalf("quarantine 1: %v", err)
	}
	if err := pool.Quarantine(ctx, s.ID); err != nil {
		t.Fatalf("quarantine 2 (should be a no-op): %v", err)
	}
	got, err := store.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != session.StatusQuarantined {
		t.Fatalf("expected quarantined, got %s", got.Status)
	}
}

func TestHealthLoopDemotesGracefulRetirement(t *testing.T) {
	ctx := context.Background()
	pool, store := newTestPool(t)

	s, err := store.InsertSession(ctx, "sso=retire", "grok", "", nil)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	for i := 0; i < 500; i++ {
		if err := pool.store.IncrementUsage(ctx, s.ID, true, 1); err != nil {
			t.Fatalf("bump usage: %v", err)
		}
	}

	loop := NewHealthLoop(pool, time.Hour)
	loop.scanOnce(ctx)

	got, err := store.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != session.StatusExpired {
		t.Fatalf("expected expired after reaching rotation_threshold, got %s", got.Status)
	}
}
