package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddlewareRejectsOverBurstWith429(t *testing.T) {
	limiter := New(Limits{Rate: 60, Burst: 1})
	handler := Middleware(limiter, func(r *http.Request) string { return "fixed-key" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", rec.Code)
	}

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on second request, got %d", rec2.Code)
	}
	if rec2.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header on a rejected request")
	}
}

func TestMiddlewareSkipsHealthAndMetrics(t *testing.T) {
	limiter := New(Limits{Rate: 1, Burst: 1})
	handler := Middleware(limiter, DefaultKeyFunc)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected /health to bypass rate limiting, got %d on iteration %d", rec.Code, i)
		}
	}
}

func TestDefaultKeyFuncPrefersBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer abc123")
	req.RemoteAddr = "10.0.0.1:1234"
	if got := DefaultKeyFunc(req); got != "key:abc123" {
		t.Fatalf("expected bearer-derived key, got %q", got)
	}
}

func TestDefaultKeyFuncFallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	if got := DefaultKeyFunc(req); got != "ip:10.0.0.1:1234" {
		t.Fatalf("expected ip-derived key, got %q", got)
	}
}
