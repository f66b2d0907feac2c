// Package sessionpool is the Session Pool & Rotation Engine: an in-memory
// projection of session rows, the classifier that derives each session's
// effective status, and the acquire/release surface the resilience
// coordinator leases sessions through.
package sessionpool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cookierelay/cookierelay/pkg/persistence"
	"github.com/cookierelay/cookierelay/pkg/session"
	"github.com/cookierelay/cookierelay/pkg/telemetry"
)

var ErrNoHealthySessions = errors.New("sessionpool: no healthy sessions")

// Outcome classifies the result of one upstream attempt, as produced by
// pkg/upstream's outcome classification.
type Outcome string

const (
	OutcomeSuccess            Outcome = "success"
	OutcomeRecoverableFailure Outcome = "recoverable_failure"
	OutcomeAuthFailure        Outcome = "auth_failure"
	OutcomeAntiBot            Outcome = "anti_bot"
	OutcomeRateLimit          Outcome = "rate_limit"
	OutcomeUpstream5xx        Outcome = "upstream_5xx"
	// OutcomeClientError and OutcomeTransportError are not part of §4.2's
	// release table but are released by the resilience coordinator anyway
	// (client_error on a terminal 4xx, transport_error on cancellation or a
	// dial/TLS/timeout failure); both are counter-only, same as
	// recoverable_failure, since neither implicates the session's health.
	OutcomeClientError    Outcome = "client_error"
	OutcomeTransportError Outcome = "transport_error"
)

// consecutiveAuthFailureLimit and consecutiveAntiBotLimit implement the
// "three consecutive X proposes Y" rules in §4.2.
const (
	consecutiveAuthFailureLimit = 3
	consecutiveAntiBotLimit     = 3
)

type entry struct {
	sess              session.Session
	leases            int
	consecutiveAuth   int
	consecutiveAntiBot int
}

// Pool is the single owner of the in-memory session projection and its
// lease counters; no other component may mutate either.
type Pool struct {
	store *persistence.Store
	cfg   session.ClassifierConfig
	tel   *telemetry.Sink

	mu   sync.Mutex
	byID map[string]*entry
}

func New(store *persistence.Store, cfg session.ClassifierConfig) *Pool {
	return &Pool{store: store, cfg: cfg, byID: map[string]*entry{}}
}

// SetTelemetry attaches the process-wide telemetry sink. Optional: a Pool
// with no sink attached simply skips rotation-counter emission.
func (p *Pool) SetTelemetry(sink *telemetry.Sink) {
	p.tel = sink
}

// Reload re-reads all non-revoked sessions from persistence into the
// projection, preserving in-memory lease counts and failure streaks for
// sessions that still exist.
func (p *Pool) Reload(ctx context.Context) error {
	rows, err := p.store.ListSessions(ctx, persistence.SessionFilter{})
	if err != nil {
		return fmt.Errorf("reload sessions: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	next := make(map[string]*entry, len(rows))
	for _, s := range rows {
		if s.Status == session.StatusRevoked {
			continue
		}
		e := &entry{sess: s}
		if prev, ok := p.byID[s.ID]; ok {
			e.leases = prev.leases
			e.consecutiveAuth = prev.consecutiveAuth
			e.consecutiveAntiBot = prev.consecutiveAntiBot
		}
		next[s.ID] = e
	}
	p.byID = next
	return nil
}

// effectiveStatusLocked computes the classifier's status for e as of now.
// Must be called with p.mu held.
func (p *Pool) effectiveStatusLocked(e *entry, now time.Time) session.Status {
	return session.Classify(e.sess, now, p.cfg)
}

// Acquire returns the best healthy candidate for provider per the §4.2
// tie-break ordering: fewest in-flight leases, then smallest usage_count,
// then oldest last_used_at. A session may be re-leased even while already
// leased if it is the only healthy candidate.
func (p *Pool) Acquire(ctx context.Context, provider string, exclude map[string]struct{}) (session.Session, error) {
	now := time.Now().UTC()
	p.mu.Lock()
	defer p.mu.Unlock()

	var candidates []*entry
	for id, e := range p.byID {
		if exclude != nil {
			if _, skip := exclude[id]; skip {
				continue
			}
		}
		if e.sess.Provider != provider {
			continue
		}
		if p.effectiveStatusLocked(e, now) != session.StatusHealthy {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return session.Session{}, ErrNoHealthySessions
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.leases != b.leases {
			return a.leases < b.leases
		}
		if a.sess.UsageCount != b.sess.UsageCount {
			return a.sess.UsageCount < b.sess.UsageCount
		}
		return a.sess.LastUsedAt.Before(b.sess.LastUsedAt)
	})
	chosen := candidates[0]
	chosen.leases++
	return chosen.sess, nil
}

// Release records the outcome of one attempt: persists the usage counter
// update, applies any immediate status proposal the outcome triggers, and
// decrements the in-memory lease counter.
func (p *Pool) Release(ctx context.Context, sessionID string, outcome Outcome, latency time.Duration) error {
	success := outcome == OutcomeSuccess
	if err := p.store.IncrementUsage(ctx, sessionID, success, latency.Milliseconds()); err != nil && !errors.Is(err, persistence.ErrPersistenceUnavailable) {
		return err
	}

	p.mu.Lock()
	e, ok := p.byID[sessionID]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	if e.leases > 0 {
		e.leases--
	}
	e.sess.UsageCount++
	if success {
		e.sess.SuccessCount++
	} else {
		e.sess.FailureCount++
	}
	e.sess.LastUsedAt = time.Now().UTC()

	var proposeRevoked, proposeQuarantined bool
	switch outcome {
	case OutcomeSuccess:
		e.consecutiveAuth = 0
		e.consecutiveAntiBot = 0
	case OutcomeAuthFailure:
		e.consecutiveAuth++
		if e.consecutiveAuth >= consecutiveAuthFailureLimit {
			proposeRevoked = true
		} else {
			proposeQuarantined = true
		}
	case OutcomeAntiBot:
		e.consecutiveAntiBot++
		if e.consecutiveAntiBot >= consecutiveAntiBotLimit {
			proposeQuarantined = true
		}
	case OutcomeRateLimit:
		// no status change; the session is fine, the coordinator rotates.
	case OutcomeRecoverableFailure, OutcomeUpstream5xx, OutcomeClientError, OutcomeTransportError:
		// counters updated above; classifier-driven demotion happens in the health loop.
	}
	from := e.sess.Status
	p.mu.Unlock()

	if proposeRevoked {
		return p.applyStatus(ctx, sessionID, from, session.StatusRevoked, false, string(outcome))
	}
	if proposeQuarantined {
		return p.applyStatus(ctx, sessionID, from, session.StatusQuarantined, false, string(outcome))
	}
	return nil
}

func (p *Pool) applyStatus(ctx context.Context, sessionID string, from, to session.Status, admin bool, reason string) error {
	if from == to {
		return nil // idempotent: already at this status
	}
	adminPromote := admin && to == session.StatusHealthy && session.AdminPromote(from)
	if !session.CanTransition(from, to) && !adminPromote {
		return nil // already past this status
	}
	if err := p.store.UpdateStatus(ctx, sessionID, to, admin); err != nil {
		if errors.Is(err, persistence.ErrInvalidTransition) || errors.Is(err, persistence.ErrNotFound) {
			return nil
		}
		return err
	}
	p.mu.Lock()
	if e, ok := p.byID[sessionID]; ok {
		e.sess.Status = to
	}
	p.mu.Unlock()
	if p.tel != nil {
		p.tel.RecordRotation(reason)
	}
	return nil
}

// Quarantine is the admin "quarantine session by id" operation. Idempotent:
// quarantining an already-quarantined (or further along) session is a no-op.
func (p *Pool) Quarantine(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	e, ok := p.byID[sessionID]
	p.mu.Unlock()
	if !ok {
		return persistence.ErrNotFound
	}
	return p.applyStatus(ctx, sessionID, e.sess.Status, session.StatusQuarantined, false, "admin_quarantine")
}

// Revoke is the admin "revoke session by id" operation, terminal.
func (p *Pool) Revoke(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	e, ok := p.byID[sessionID]
	p.mu.Unlock()
	if !ok {
		return persistence.ErrNotFound
	}
	if err := p.applyStatus(ctx, sessionID, e.sess.Status, session.StatusRevoked, false, "admin_revoke"); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.byID, sessionID)
	p.mu.Unlock()
	return nil
}

// Activate is the admin-only quarantined->healthy re-promotion.
func (p *Pool) Activate(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	e, ok := p.byID[sessionID]
	p.mu.Unlock()
	if !ok {
		return persistence.ErrNotFound
	}
	if e.sess.Status != session.StatusQuarantined {
		return nil
	}
	return p.applyStatus(ctx, sessionID, session.StatusQuarantined, session.StatusHealthy, true, "admin_activate")
}

// Retire is the admin "force straight to expired" operation: unlike the
// health loop's classifier-driven decay, it skips the quarantine step
// entirely for a cookie the operator already knows is dead.
func (p *Pool) Retire(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	e, ok := p.byID[sessionID]
	p.mu.Unlock()
	if !ok {
		return persistence.ErrNotFound
	}
	return p.applyStatus(ctx, sessionID, e.sess.Status, session.StatusExpired, true, "admin_retire")
}

// Stats is a pure read over the in-memory projection, used by /health and
// operator tooling.
type Stats struct {
	Total           int
	Healthy         int
	Quarantined     int
	Expired         int
	Revoked         int
	AvgFailureRate  float64
}

func (p *Pool) Stats() Stats {
	now := time.Now().UTC()
	p.mu.Lock()
	defer p.mu.Unlock()

	var st Stats
	var failureRateSum float64
	var sampled int
	for _, e := range p.byID {
		st.Total++
		switch p.effectiveStatusLocked(e, now) {
		case session.StatusHealthy:
			st.Healthy++
		case session.StatusQuarantined:
			st.Quarantined++
		case session.StatusExpired:
			st.Expired++
		case session.StatusRevoked:
			st.Revoked++
		}
		if e.sess.UsageCount > 0 {
			failureRateSum += float64(e.sess.FailureCount) / float64(e.sess.UsageCount)
			sampled++
		}
	}
	if sampled > 0 {
		st.AvgFailureRate = failureRateSum / float64(sampled)
	}
	return st
}
