package httpapi

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/cookierelay/cookierelay/pkg/config"
)

type identityContextKey struct{}

// identity is the caller resolved from an inbound bearer token.
type identity struct {
	TokenID string
	Name    string
	Role    string
}

func bearerToken(h http.Header) string {
	auth := h.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// keyMatches compares a presented bearer token against a configured key. A
// key beginning with the bcrypt prefix is treated as a hash; anything else
// is compared directly, so an operator can still hand-edit the config file
// with a plaintext key during bootstrap.
func keyMatches(stored, presented string) bool {
	if presented == "" || stored == "" {
		return false
	}
	if strings.HasPrefix(stored, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(presented)) == nil
	}
	return stored == presented
}

// HashAPIKey bcrypt-hashes a freshly issued key for storage in
// config.IncomingAPIToken.Key.
func HashAPIKey(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	return string(hash), err
}

func resolveIdentity(token string, tokens []config.IncomingAPIToken) (identity, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return identity{}, false
	}
	for _, t := range tokens {
		if !keyMatches(t.Key, token) {
			continue
		}
		role := config.NormalizeIncomingTokenRole(t.Role)
		return identity{TokenID: t.ID, Name: t.Name, Role: role}, true
	}
	return identity{}, false
}

// roleRank orders roles caller < operator < admin so requireRole can do a
// single inequality check; this module has no keymaster tier.
func roleRank(role string) int {
	switch role {
	case config.TokenRoleAdmin:
		return 2
	case config.TokenRoleOperator:
		return 1
	default:
		return 0
	}
}

func identityFromContext(ctx context.Context) (identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(identity)
	return id, ok
}

// requireAuth resolves the bearer token against the current config snapshot
// and stashes the identity in the request context for downstream handlers.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := s.configStore.Snapshot()
		id, ok := resolveIdentity(bearerToken(r.Header), cfg.IncomingTokens)
		if !ok {
			writeError(w, r, ErrTypeAuth, "missing or invalid bearer token")
			return
		}
		ctx := context.WithValue(r.Context(), identityContextKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole gates a route to callers whose token role ranks at or above
// minRole. Must run behind requireAuth.
func requireRole(minRole string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := identityFromContext(r.Context())
			if !ok || roleRank(id.Role) < roleRank(minRole) {
				writeError(w, r, ErrTypeForbidden, "token role does not permit this operation")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
