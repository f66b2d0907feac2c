package httpapi

import (
	"net/http"
	"testing"

	"github.com/cookierelay/cookierelay/pkg/config"
)

func TestBearerTokenExtractsFromAuthorizationHeader(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer abc123")
	if got := bearerToken(h); got != "abc123" {
		t.Fatalf("expected abc123, got %q", got)
	}
}

func TestBearerTokenRejectsNonBearerScheme(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Basic abc123")
	if got := bearerToken(h); got != "" {
		t.Fatalf("expected empty string for non-bearer scheme, got %q", got)
	}
}

func TestKeyMatchesComparesBcryptHash(t *testing.T) {
	hash, err := HashAPIKey("s3cret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !keyMatches(hash, "s3cret") {
		t.Fatal("expected the original secret to match its hash")
	}
	if keyMatches(hash, "wrong") {
		t.Fatal("expected a wrong secret not to match")
	}
}

func TestKeyMatchesFallsBackToPlaintext(t *testing.T) {
	if !keyMatches("plain-secret", "plain-secret") {
		t.Fatal("expected a plaintext-stored key to compare directly")
	}
}

func TestResolveIdentityFindsMatchingToken(t *testing.T) {
	tokens := []config.IncomingAPIToken{
		{ID: "t1", Role: config.TokenRoleOperator, Key: "op-key"},
	}
	id, ok := resolveIdentity("op-key", tokens)
	if !ok {
		t.Fatal("expected a match")
	}
	if id.Role != config.TokenRoleOperator || id.TokenID != "t1" {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestResolveIdentityRejectsUnknownToken(t *testing.T) {
	tokens := []config.IncomingAPIToken{{ID: "t1", Key: "op-key"}}
	if _, ok := resolveIdentity("wrong-key", tokens); ok {
		t.Fatal("expected no match for an unknown token")
	}
}

func TestRoleRankOrdersAdminAboveOperatorAboveCaller(t *testing.T) {
	if roleRank(config.TokenRoleAdmin) <= roleRank(config.TokenRoleOperator) {
		t.Fatal("expected admin to rank above operator")
	}
	if roleRank(config.TokenRoleOperator) <= roleRank(config.TokenRoleCaller) {
		t.Fatal("expected operator to rank above caller")
	}
}
