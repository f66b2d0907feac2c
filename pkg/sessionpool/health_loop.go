package sessionpool

import (
	"context"
	"time"

	log "github.com/charmbracelet/log"

	"github.com/cookierelay/cookierelay/pkg/persistence"
	"github.com/cookierelay/cookierelay/pkg/session"
)

// HealthLoop is the single-owner periodic task described in §4.3: reload,
// reclassify, apply automatic demotions, emit gauges, record
// last_health_check_at, every interval.
type HealthLoop struct {
	pool     *Pool
	interval time.Duration
	forceCh  chan struct{}

	// OnStats is invoked after each scan with the freshly computed stats.
	// Optional; the telemetry gauges are set from the pool's sink, not
	// through this hook.
	OnStats func(Stats)
}

func NewHealthLoop(pool *Pool, interval time.Duration) *HealthLoop {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthLoop{pool: pool, interval: interval, forceCh: make(chan struct{}, 1)}
}

// Trigger requests an out-of-band scan on the next loop iteration.
func (h *HealthLoop) Trigger() {
	select {
	case h.forceCh <- struct{}{}:
	default:
	}
}

// Run blocks, scanning every interval until ctx is cancelled. It always
// completes any in-flight scan before returning, so a shutdown signal never
// interrupts a scan partway through.
func (h *HealthLoop) Run(ctx context.Context) {
	h.scanOnce(ctx)
	t := time.NewTicker(h.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.scanOnce(ctx)
		case <-h.forceCh:
			h.scanOnce(ctx)
		}
	}
}

func (h *HealthLoop) scanOnce(ctx context.Context) {
	if err := h.pool.Reload(ctx); err != nil {
		log.Error("session health scan: reload failed", "error", err)
		return
	}

	now := time.Now().UTC()
	h.pool.mu.Lock()
	ids := make([]string, 0, len(h.pool.byID))
	demotions := map[string]session.Status{}
	for id, e := range h.pool.byID {
		ids = append(ids, id)
		effective := h.pool.effectiveStatusLocked(e, now)
		if effective == e.sess.Status {
			continue
		}
		if !session.CanTransition(e.sess.Status, effective) {
			continue
		}
		demotions[id] = effective
	}
	h.pool.mu.Unlock()

	for id, to := range demotions {
		if err := h.pool.store.UpdateStatus(ctx, id, to, false); err != nil {
			log.Warn("session health scan: demotion failed", "session_id", id, "to", to, "error", err)
			continue
		}
		h.pool.mu.Lock()
		if e, ok := h.pool.byID[id]; ok {
			e.sess.Status = to
		}
		h.pool.mu.Unlock()
		if h.pool.tel != nil {
			h.pool.tel.RecordRotation("classifier_" + string(to))
		}
	}

	for _, id := range ids {
		if err := h.pool.store.MarkHealthChecked(ctx, id); err != nil && err != persistence.ErrNotFound {
			log.Debug("session health scan: mark checked failed", "session_id", id, "error", err)
		}
	}

	st := h.pool.Stats()
	log.Info("session health scan complete",
		"total", st.Total, "healthy", st.Healthy, "quarantined", st.Quarantined,
		"expired", st.Expired, "revoked", st.Revoked)
	if h.pool.tel != nil {
		h.pool.tel.SetActiveSessions(map[string]int{
			"healthy":     st.Healthy,
			"quarantined": st.Quarantined,
			"expired":     st.Expired,
			"revoked":     st.Revoked,
		})
	}
	if h.OnStats != nil {
		h.OnStats(st)
	}
}
