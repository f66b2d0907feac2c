package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// Error types per §7's taxonomy. Each maps to exactly one HTTP status below.
const (
	ErrTypeValidation      = "validation_error"
	ErrTypeAuth            = "authentication_required"
	ErrTypeNoHealthy       = "no_healthy_sessions"
	ErrTypeUnavailable     = "service_unavailable"
	ErrTypeUpstreamTimeout = "upstream_timeout"
	ErrTypeUpstreamReject  = "upstream_rejected"
	ErrTypePersistence     = "persistence_unavailable"
	ErrTypeInternal        = "internal_error"
	ErrTypeRateLimit       = "rate_limit_error"
	ErrTypeForbidden       = "permission_denied"
)

var statusForErrType = map[string]int{
	ErrTypeValidation:      http.StatusBadRequest,
	ErrTypeAuth:            http.StatusUnauthorized,
	ErrTypeNoHealthy:       http.StatusServiceUnavailable,
	ErrTypeUnavailable:     http.StatusServiceUnavailable,
	ErrTypeUpstreamTimeout: http.StatusGatewayTimeout,
	ErrTypeUpstreamReject:  http.StatusBadGateway,
	ErrTypePersistence:     http.StatusServiceUnavailable,
	ErrTypeInternal:        http.StatusInternalServerError,
	ErrTypeRateLimit:       http.StatusTooManyRequests,
	ErrTypeForbidden:       http.StatusForbidden,
}

type errorBody struct {
	Error struct {
		Type      string `json:"type"`
		Message   string `json:"message"`
		RequestID string `json:"request_id"`
	} `json:"error"`
}

func requestIDFrom(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}

// writeError emits the §7 failure body. message must already be safe to
// show a caller — it must never contain cookie material.
func writeError(w http.ResponseWriter, r *http.Request, errType, message string) {
	status, ok := statusForErrType[errType]
	if !ok {
		status = http.StatusInternalServerError
	}
	body := errorBody{}
	body.Error.Type = errType
	body.Error.Message = message
	body.Error.RequestID = requestIDFrom(r)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
