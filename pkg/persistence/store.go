// Package persistence is the Persistence Gateway: a narrow, typed surface
// over a relational store for sessions, generations, and token_usage rows.
// It hides connection-pool management and guarantees that counter updates
// are atomic at the row level.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/google/uuid"

	"github.com/cookierelay/cookierelay/pkg/session"
)

var (
	ErrNotFound            = errors.New("persistence: not found")
	ErrDuplicate           = errors.New("persistence: duplicate session")
	ErrInvalidTransition   = errors.New("persistence: invalid status transition")
	ErrPersistenceUnavailable = errors.New("persistence: unavailable")
)

// Config mirrors the relevant fields of pkg/config.PersistenceConfig,
// kept separate so this package has no dependency on pkg/config.
type Config struct {
	Path           string
	MinConnections int
	MaxConnections int
}

type Store struct {
	db *gorm.DB
}

// Open establishes the gateway against a SQLite file in WAL mode and
// AutoMigrates the schema. The connection pool is bounded by cfg per the
// "bounded min/max connections" knob; SQLite itself serializes writers
// under WAL, so the bound here governs total open handles (mostly
// concurrent readers), not concurrent writers.
func Open(cfg Config) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=on", cfg.Path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", ErrPersistenceUnavailable, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 20
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(minInt(cfg.MinConnections, maxConns))
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&SessionRow{}, &GenerationRow{}, &TokenUsageRow{}); err != nil {
		return nil, fmt.Errorf("%w: migrate: %v", ErrPersistenceUnavailable, err)
	}
	return &Store{db: db}, nil
}

func minInt(a, b int) int {
	if a <= 0 {
		return b
	}
	if a < b {
		return a
	}
	return b
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping reports whether the gateway still has a usable connection, for the
// health endpoint's persistence component check.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	return nil
}

// withRetry retries transient connectivity failures at most twice with a
// short backoff, then surfaces ErrPersistenceUnavailable.
func withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	delays := [...]time.Duration{0, 50 * time.Millisecond, 150 * time.Millisecond}
	for _, d := range delays {
		if d > 0 {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, ctx.Err())
			}
		}
		lastErr = fn()
		if lastErr == nil || !isConnectivityError(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, lastErr)
}

func isConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "connection") || strings.Contains(msg, "busy")
}

func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

// SessionFilter restricts ListSessions by status and/or provider.
type SessionFilter struct {
	Status   session.Status
	Provider string
}

// ListSessions returns sessions ordered by last_used_at ascending (nulls
// first), supporting least-recently-used selection.
func (s *Store) ListSessions(ctx context.Context, filter SessionFilter) ([]session.Session, error) {
	var rows []SessionRow
	err := withRetry(ctx, func() error {
		q := s.db.WithContext(ctx).Model(&SessionRow{})
		if filter.Status != "" {
			q = q.Where("status = ?", string(filter.Status))
		}
		if filter.Provider != "" {
			q = q.Where("provider = ?", filter.Provider)
		}
		return q.Order("last_used_at ASC").Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	out := make([]session.Session, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToSession(r))
	}
	return out, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (session.Session, error) {
	var row SessionRow
	err := withRetry(ctx, func() error {
		return s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return session.Session{}, ErrNotFound
	}
	if err != nil {
		return session.Session{}, err
	}
	return rowToSession(row), nil
}

// InsertSession fails with ErrDuplicate when a session with the same
// (provider, cookie_hash) already exists.
func (s *Store) InsertSession(ctx context.Context, cookieMaterial, provider string, userAgent string, metadata map[string]string) (session.Session, error) {
	now := time.Now().UTC()
	meta, err := json.Marshal(metadata)
	if err != nil {
		return session.Session{}, fmt.Errorf("encode metadata: %w", err)
	}
	row := SessionRow{
		ID:         uuid.NewString(),
		CookieText: cookieMaterial,
		CookieHash: session.HashCookie(cookieMaterial),
		Provider:   provider,
		UserAgent:  userAgent,
		CreatedAt:  now,
		LastUsedAt: now,
		Status:     string(session.StatusHealthy),
		Metadata:   string(meta),
	}
	err = withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Create(&row).Error
	})
	if isUniqueConstraintErr(err) {
		return session.Session{}, ErrDuplicate
	}
	if err != nil {
		return session.Session{}, err
	}
	return rowToSession(row), nil
}

// UpdateStatus rejects transitions not permitted by session.CanTransition,
// unless admin is true, in which case the quarantined->healthy
// re-promotion is also allowed.
func (s *Store) UpdateStatus(ctx context.Context, id string, newStatus session.Status, admin bool) error {
	return withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var row SessionRow
			if err := tx.First(&row, "id = ?", id).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrNotFound
				}
				return err
			}
			from := session.Status(row.Status)
			allowed := session.CanTransition(from, newStatus)
			if !allowed && admin && from == session.StatusQuarantined && newStatus == session.StatusHealthy {
				allowed = session.AdminPromote(from)
			}
			if !allowed {
				return ErrInvalidTransition
			}
			return tx.Model(&SessionRow{}).Where("id = ?", id).Update("status", string(newStatus)).Error
		})
	})
}

// IncrementUsage atomically bumps usage_count/success_count/failure_count
// and refreshes last_used_at, serialized per-row by the DB transaction.
func (s *Store) IncrementUsage(ctx context.Context, id string, success bool, deltaLatencyMs int64) error {
	_ = deltaLatencyMs // latency is recorded on the generation row, not the session
	return withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			successDelta, failureDelta := 0, 0
			if success {
				successDelta = 1
			} else {
				failureDelta = 1
			}
			res := tx.Model(&SessionRow{}).Where("id = ?", id).Updates(map[string]any{
				"usage_count":   gorm.Expr("usage_count + 1"),
				"success_count": gorm.Expr("success_count + ?", successDelta),
				"failure_count": gorm.Expr("failure_count + ?", failureDelta),
				"last_used_at":  time.Now().UTC(),
			})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrNotFound
			}
			return nil
		})
	})
}

func (s *Store) MarkHealthChecked(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return withRetry(ctx, func() error {
		res := s.db.WithContext(ctx).Model(&SessionRow{}).Where("id = ?", id).Update("last_health_check_at", now)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *Store) InsertGeneration(ctx context.Context, row GenerationRow) (string, error) {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Create(&row).Error
	})
	if err != nil {
		return "", err
	}
	return row.ID, nil
}

// ListGenerationsByRequest returns every generation row recorded for one
// inbound request id, most recent first. A retried request records at most
// one row (written on its terminal outcome), so callers normally see a
// single element; it's a slice to make "none persisted yet" unambiguous.
func (s *Store) ListGenerationsByRequest(ctx context.Context, requestID string) ([]GenerationRow, error) {
	var rows []GenerationRow
	err := withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Where("request_id = ?", requestID).Order("created_at desc").Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Store) InsertTokenUsage(ctx context.Context, row TokenUsageRow) (string, error) {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Create(&row).Error
	})
	if err != nil {
		return "", err
	}
	return row.ID, nil
}

func rowToSession(r SessionRow) session.Session {
	var meta map[string]string
	if r.Metadata != "" {
		_ = json.Unmarshal([]byte(r.Metadata), &meta)
	}
	return session.Session{
		ID:                r.ID,
		CookieMaterial:    r.CookieText,
		CookieHash:        r.CookieHash,
		Provider:          r.Provider,
		UserAgent:         r.UserAgent,
		CreatedAt:         r.CreatedAt,
		LastUsedAt:        r.LastUsedAt,
		ExpiresAt:         r.ExpiresAt,
		LastHealthCheckAt: r.LastHealthCheckAt,
		UsageCount:        r.UsageCount,
		SuccessCount:      r.SuccessCount,
		FailureCount:      r.FailureCount,
		Status:            session.Status(r.Status),
		Metadata:          meta,
	}
}
