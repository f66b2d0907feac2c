package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/cookierelay/cookierelay/pkg/session"
	"github.com/cookierelay/cookierelay/pkg/sessionpool"
)

func testSession() session.Session {
	return session.Session{ID: "s1", CookieMaterial: "sso=abc", Provider: "grok"}
}

func TestDoAttachesCookieAndFingerprintHeaders(t *testing.T) {
	var gotCookie, gotUA, gotAccept, gotConversationID string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		gotUA = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		gotConversationID = r.Header.Get("X-Conversation-ID")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`))
	}))
	defer upstream.Close()

	c := NewClient(Config{BaseURL: upstream.URL, ProviderTag: "grok", UserAgents: []string{"pinned-ua"}})
	result, err := c.Do(context.Background(), testSession(), Request{Model: "grok-3", Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "hi"}}}, "req-123")
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if gotCookie != "sso=abc" {
		t.Fatalf("expected cookie attached as-is, got %q", gotCookie)
	}
	if gotUA == "" {
		t.Fatal("expected a user-agent header")
	}
	if gotAccept == "" {
		t.Fatal("expected fingerprint headers attached")
	}
	if gotConversationID != "req-123" {
		t.Fatalf("expected the inbound request id tagged as conversation id, got %q", gotConversationID)
	}
	if result.Outcome != sessionpool.OutcomeSuccess {
		t.Fatalf("expected success outcome, got %s", result.Outcome)
	}
	if result.Response == nil || result.Response.Choices[0].Message.Content != "hi" {
		t.Fatalf("unexpected response: %+v", result.Response)
	}
	if result.Usage.TotalTokens != 5 {
		t.Fatalf("expected total_tokens=5, got %d", result.Usage.TotalTokens)
	}
}

func TestDoClassifiesRateLimit(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer upstream.Close()

	c := NewClient(Config{BaseURL: upstream.URL})
	result, err := c.Do(context.Background(), testSession(), Request{Model: "grok-3"}, "")
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if result.Outcome != sessionpool.OutcomeRateLimit {
		t.Fatalf("expected rate_limit outcome, got %s", result.Outcome)
	}
}

func TestDoDistinguishesAntiBotFromPlainForbidden(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`<html>Just a moment...__cf_chl_rt_tk</html>`))
	}))
	defer upstream.Close()

	c := NewClient(Config{BaseURL: upstream.URL})
	result, err := c.Do(context.Background(), testSession(), Request{Model: "grok-3"}, "")
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if result.Outcome != sessionpool.OutcomeAntiBot {
		t.Fatalf("expected anti_bot outcome, got %s", result.Outcome)
	}
}

func TestDoClassifiesPlainAuthFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"forbidden"}`))
	}))
	defer upstream.Close()

	c := NewClient(Config{BaseURL: upstream.URL})
	result, err := c.Do(context.Background(), testSession(), Request{Model: "grok-3"}, "")
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if result.Outcome != sessionpool.OutcomeAuthFailure {
		t.Fatalf("expected auth_failure outcome, got %s", result.Outcome)
	}
}

func TestDoStreamingRelaysChunksAndStopsAtDone(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\",\"content\":\"he\"}}]}\n\n"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		_, _ = w.Write([]byte("data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"llo\"},\"finish_reason\":\"stop\"}]}\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer upstream.Close()

	c := NewClient(Config{BaseURL: upstream.URL})
	result, err := c.Do(context.Background(), testSession(), Request{Model: "grok-3", Stream: true}, "")
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if result.Outcome != sessionpool.OutcomeSuccess {
		t.Fatalf("expected success outcome, got %s", result.Outcome)
	}
	if len(result.StreamChunks) != 2 {
		t.Fatalf("expected 2 buffered chunks, got %d", len(result.StreamChunks))
	}
	if result.StreamChunks[1].Choices[0].FinishReason != openai.FinishReasonStop {
		t.Fatalf("expected finish_reason stop on last chunk, got %q", result.StreamChunks[1].Choices[0].FinishReason)
	}
}

func TestDoClientErrorDoesNotRetryClassification(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer upstream.Close()

	c := NewClient(Config{BaseURL: upstream.URL})
	result, err := c.Do(context.Background(), testSession(), Request{Model: "grok-3"}, "")
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if result.Outcome != sessionpool.OutcomeClientError {
		t.Fatalf("expected client_error outcome, got %s", result.Outcome)
	}
}
