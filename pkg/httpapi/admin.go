package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cookierelay/cookierelay/pkg/persistence"
	"github.com/cookierelay/cookierelay/pkg/session"
	"github.com/cookierelay/cookierelay/pkg/sessionpool"
)

// sessionView is the admin-facing JSON shape for one pool member; it never
// includes CookieMaterial, only the dedup hash.
type sessionView struct {
	ID           string            `json:"id"`
	CookieHash   string            `json:"cookie_hash"`
	Provider     string            `json:"provider"`
	Status       session.Status    `json:"status"`
	UsageCount   int64             `json:"usage_count"`
	SuccessCount int64             `json:"success_count"`
	FailureCount int64             `json:"failure_count"`
	CreatedAt    string            `json:"created_at"`
	LastUsedAt   string            `json:"last_used_at,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func toSessionView(s session.Session) sessionView {
	v := sessionView{
		ID:           s.ID,
		CookieHash:   s.CookieHash,
		Provider:     s.Provider,
		Status:       s.Status,
		UsageCount:   s.UsageCount,
		SuccessCount: s.SuccessCount,
		FailureCount: s.FailureCount,
		CreatedAt:    s.CreatedAt.Format(rfc3339),
		Metadata:     s.Metadata,
	}
	if !s.LastUsedAt.IsZero() {
		v.LastUsedAt = s.LastUsedAt.Format(rfc3339)
	}
	return v
}

const rfc3339 = "2006-01-02T15:04:05Z07:00"

// handleListSessions is GET /admin/sessions, optionally filtered by
// ?status= and ?provider=.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	filter := persistence.SessionFilter{
		Status:   session.Status(r.URL.Query().Get("status")),
		Provider: r.URL.Query().Get("provider"),
	}
	rows, err := s.store.ListSessions(r.Context(), filter)
	if err != nil {
		writeError(w, r, ErrTypePersistence, "failed to list sessions")
		return
	}
	views := make([]sessionView, 0, len(rows))
	for _, row := range rows {
		views = append(views, toSessionView(row))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

type createSessionRequest struct {
	CookieMaterial string            `json:"cookie_material"`
	Provider       string            `json:"provider"`
	UserAgent      string            `json:"user_agent,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// handleCreateSession is POST /admin/sessions: import one new cookie into
// the pool. The caller must supply the provider tag explicitly since a
// single deployment may hold sessions for more than one upstream.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, ErrTypeValidation, "malformed JSON body")
		return
	}
	if body.CookieMaterial == "" || body.Provider == "" {
		writeError(w, r, ErrTypeValidation, "cookie_material and provider are required")
		return
	}
	sess, err := s.store.InsertSession(r.Context(), body.CookieMaterial, body.Provider, body.UserAgent, body.Metadata)
	if err != nil {
		if errors.Is(err, persistence.ErrDuplicate) {
			writeError(w, r, ErrTypeValidation, "a session with this cookie already exists")
			return
		}
		writeError(w, r, ErrTypePersistence, "failed to create session")
		return
	}
	if err := s.pool.Reload(r.Context()); err != nil {
		writeError(w, r, ErrTypePersistence, "session created but pool reload failed")
		return
	}
	writeJSON(w, http.StatusCreated, toSessionView(sess))
}

type statsResponse struct {
	Pool    sessionpool.Stats `json:"pool"`
	Breaker string            `json:"breaker_state"`
}

// handleStats is GET /admin/stats: a numeric snapshot of pool health and
// circuit-breaker state, meant for operator tooling like poolmon rather than
// human browsing (unlike /admin/sessions, which returns the full rows).
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Pool:    s.pool.Stats(),
		Breaker: string(s.breaker.State()),
	})
}

type importSessionsRequest struct {
	Provider string   `json:"provider"`
	Cookies  []string `json:"cookies"`
}

type importSessionsResult struct {
	Created   []sessionView `json:"created"`
	Duplicate []string      `json:"duplicate_cookies"`
	Failed    []string      `json:"failed_cookies,omitempty"`
}

// handleImportSessions is POST /admin/sessions/import: bulk-create sessions
// from a newline-delimited cookie dump. A duplicate cookie does not fail the
// rest of the batch, it is reported alongside whatever did succeed.
func (s *Server) handleImportSessions(w http.ResponseWriter, r *http.Request) {
	var body importSessionsRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, ErrTypeValidation, "malformed JSON body")
		return
	}
	if body.Provider == "" {
		writeError(w, r, ErrTypeValidation, "provider is required")
		return
	}
	result := importSessionsResult{Created: []sessionView{}, Duplicate: []string{}}
	for _, cookie := range body.Cookies {
		if cookie == "" {
			continue
		}
		sess, err := s.store.InsertSession(r.Context(), cookie, body.Provider, "", nil)
		if err != nil {
			if errors.Is(err, persistence.ErrDuplicate) {
				result.Duplicate = append(result.Duplicate, cookie)
				continue
			}
			result.Failed = append(result.Failed, cookie)
			continue
		}
		result.Created = append(result.Created, toSessionView(sess))
	}
	if len(result.Created) > 0 {
		if err := s.pool.Reload(r.Context()); err != nil {
			writeError(w, r, ErrTypePersistence, "sessions created but pool reload failed")
			return
		}
	}
	writeJSON(w, http.StatusOK, result)
}

// handleQuarantineSession is POST /admin/sessions/{id}/quarantine.
func (s *Server) handleQuarantineSession(w http.ResponseWriter, r *http.Request) {
	s.transitionSession(w, r, s.pool.Quarantine)
}

// handleRevokeSession is POST /admin/sessions/{id}/revoke.
func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	s.transitionSession(w, r, s.pool.Revoke)
}

// handleActivateSession is POST /admin/sessions/{id}/activate.
func (s *Server) handleActivateSession(w http.ResponseWriter, r *http.Request) {
	s.transitionSession(w, r, s.pool.Activate)
}

// handleRetireSession is POST /admin/sessions/{id}/retire: forces a session
// straight to expired, bypassing the classifier's quarantine-first decay.
func (s *Server) handleRetireSession(w http.ResponseWriter, r *http.Request) {
	s.transitionSession(w, r, s.pool.Retire)
}

func (s *Server) transitionSession(w http.ResponseWriter, r *http.Request, transition func(ctx context.Context, sessionID string) error) {
	id := chiParam(r, "id")
	if err := transition(r.Context(), id); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			writeError(w, r, ErrTypeValidation, "no such session")
			return
		}
		writeError(w, r, ErrTypePersistence, "failed to update session status")
		return
	}
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"id": id})
		return
	}
	writeJSON(w, http.StatusOK, toSessionView(sess))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func chiParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}
