// Package session defines the pool member type and the status classifier
// that the session pool and health loop run over.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusQuarantined Status = "quarantined"
	StatusExpired     Status = "expired"
	StatusRevoked     Status = "revoked"
)

// Session is one pool member: a cookie-backed credential usable by the
// upstream client for one attempt.
type Session struct {
	ID             string
	CookieMaterial string
	CookieHash     string
	Provider       string
	UserAgent      string // pinned UA; empty means rotate at random per attempt
	CreatedAt      time.Time
	LastUsedAt     time.Time
	ExpiresAt      *time.Time
	LastHealthCheckAt *time.Time
	UsageCount     int64
	SuccessCount   int64
	FailureCount   int64
	Status         Status
	Metadata       map[string]string
}

// HashCookie derives the stable dedup hash for a cookie string. Sessions are
// unique per (provider, cookie_hash).
func HashCookie(cookieMaterial string) string {
	sum := sha256.Sum256([]byte(cookieMaterial))
	return hex.EncodeToString(sum[:])
}

// ClassifierConfig is the subset of pkg/config.SessionPoolConfig the
// classifier needs, kept separate so pkg/session has no dependency on
// pkg/config.
type ClassifierConfig struct {
	RotationThreshold int
	FailureThreshold  float64
	MaxAge            time.Duration
}

const minSamplesForFailureRate = 20

// Classify computes the effective status of s as of now, per the ordered
// rule evaluation: revoked is terminal, then expiry checks, then the
// failure-rate quarantine check, defaulting to healthy.
func Classify(s Session, now time.Time, cfg ClassifierConfig) Status {
	if s.Status == StatusRevoked {
		return StatusRevoked
	}
	if s.ExpiresAt != nil && now.After(*s.ExpiresAt) {
		return StatusExpired
	}
	if cfg.RotationThreshold > 0 && s.UsageCount >= int64(cfg.RotationThreshold) {
		return StatusExpired
	}
	if cfg.MaxAge > 0 && now.Sub(s.CreatedAt) > cfg.MaxAge {
		return StatusExpired
	}
	if s.UsageCount >= minSamplesForFailureRate && cfg.FailureThreshold > 0 {
		rate := float64(s.FailureCount) / float64(s.UsageCount)
		if rate >= cfg.FailureThreshold {
			return StatusQuarantined
		}
	}
	return StatusHealthy
}

// CanTransition reports whether moving from `from` to `to` is a legal
// status transition. Re-promotion quarantined->healthy is legal only via an
// explicit admin action, which callers enforce by routing that single
// transition through AdminPromote instead of this general check during
// automatic reclassification.
func CanTransition(from, to Status) bool {
	if from == StatusRevoked {
		return false
	}
	if to == StatusRevoked {
		return true
	}
	switch from {
	case StatusHealthy:
		return to == StatusHealthy || to == StatusQuarantined || to == StatusExpired
	case StatusQuarantined:
		return to == StatusQuarantined || to == StatusExpired
	case StatusExpired:
		return to == StatusExpired
	default:
		return false
	}
}

// AdminPromote reports whether an explicit operator action may move a
// session from quarantined back to healthy. The health loop must never call
// this path automatically.
func AdminPromote(from Status) bool {
	return from == StatusQuarantined
}
