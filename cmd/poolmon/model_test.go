package main

import (
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

func TestUpdateAppliesStatsSnapshot(t *testing.T) {
	m := newModel("https://example.invalid", "tok", 3)
	snap := statsSnapshot{Pool: poolStats{Total: 5, Healthy: 4, Quarantined: 1}, Breaker: "closed"}

	updated, _ := m.Update(statsMsg{snapshot: snap})
	mm := updated.(model)

	if mm.snapshot.Pool.Total != 5 || mm.snapshot.Pool.Healthy != 4 {
		t.Fatalf("expected snapshot applied, got %+v", mm.snapshot.Pool)
	}
	if len(mm.history) != 1 {
		t.Fatalf("expected one history sample recorded, got %d", len(mm.history))
	}
}

func TestUpdateRecordsFetchError(t *testing.T) {
	m := newModel("https://example.invalid", "tok", 3)
	updated, _ := m.Update(statsMsg{err: errFetch})
	mm := updated.(model)
	if mm.lastErr == nil {
		t.Fatal("expected lastErr to be set")
	}
}

func TestQuitKeyReturnsQuitCommand(t *testing.T) {
	m := newModel("https://example.invalid", "tok", 3)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("expected a quit command")
	}
}

func TestTickScheduleMatchesInterval(t *testing.T) {
	m := newModel("https://example.invalid", "tok", 7)
	if m.interval != 7*time.Second {
		t.Fatalf("expected 7s interval, got %v", m.interval)
	}
}

var errFetch = fmtErrorf("connection refused")

func fmtErrorf(msg string) error {
	return &testErr{msg: msg}
}

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }
