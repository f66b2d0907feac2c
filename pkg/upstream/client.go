// Package upstream is the Upstream Client: it serializes one chat request
// into the upstream wire format, attaches one session's cookie plus a
// synthesized browser fingerprint, performs one HTTP attempt, and normalizes
// the response (or the streaming delta sequence) into the OpenAI chat
// schema. It also classifies the attempt's outcome per §4.4.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/cookierelay/cookierelay/pkg/llmclient"
	"github.com/cookierelay/cookierelay/pkg/session"
	"github.com/cookierelay/cookierelay/pkg/sessionpool"
)

// defaultUserAgents mirrors the rotation pool the source cookie manager
// shipped; operators may override via config.
var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_1) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_1) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
}

// fingerprintHeaders is the fixed browser-fingerprint header set §4.4
// requires on every attempt, enumerated once.
var fingerprintHeaders = map[string]string{
	"Accept":                    "*/*",
	"Accept-Language":           "en-US,en;q=0.9",
	"Sec-Ch-Ua":                 `"Chromium";v="120", "Not(A:Brand";v="24", "Google Chrome";v="120"`,
	"Sec-Ch-Ua-Mobile":          "?0",
	"Sec-Ch-Ua-Platform":        `"Windows"`,
	"Sec-Fetch-Dest":            "empty",
	"Sec-Fetch-Mode":            "cors",
	"Sec-Fetch-Site":            "same-origin",
	"Priority":                  "u=1, i",
	"Cache-Control":             "no-cache",
}

type Config struct {
	BaseURL               string
	ProviderTag           string
	RequestTimeoutSeconds int
	UserAgents            []string
}

type Client struct {
	baseURL     string
	providerTag string
	userAgents  []string
	httpClient  *http.Client
}

func NewClient(cfg Config) *Client {
	timeout := cfg.RequestTimeoutSeconds
	if timeout <= 0 {
		timeout = 60
	}
	uas := cfg.UserAgents
	if len(uas) == 0 {
		uas = defaultUserAgents
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		providerTag: cfg.ProviderTag,
		userAgents:  uas,
		httpClient:  &http.Client{Timeout: time.Duration(timeout) * time.Second},
	}
}

type wirePayload struct {
	Model       string          `json:"model"`
	Messages    json.RawMessage `json:"messages"`
	Temperature *float32        `json:"temperature,omitempty"`
	TopP        *float32        `json:"top_p,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream"`
}

// userAgentFor returns the session's pinned UA if set, otherwise a uniformly
// random pick from the rotation list; the choice is made once per attempt
// and held stable for its duration.
func (c *Client) userAgentFor(sess session.Session) string {
	if sess.UserAgent != "" {
		return sess.UserAgent
	}
	return c.userAgents[rand.Intn(len(c.userAgents))]
}

func (c *Client) buildRequest(ctx context.Context, sess session.Session, req Request) (*http.Request, error) {
	messages, err := json.Marshal(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("encode messages: %w", err)
	}
	payload := wirePayload{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxOutputTokens,
		Stream:      req.Stream,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Cookie", sess.CookieMaterial)
	httpReq.Header.Set("User-Agent", c.userAgentFor(sess))
	for k, v := range fingerprintHeaders {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

// Do performs exactly one attempt. For non-streaming requests Result.Response
// is populated; for streaming requests Result.StreamChunks holds the full
// translated chunk sequence once the attempt succeeds. requestID, when set,
// is attached to the outbound call so operators can correlate retried
// attempts of the same inbound request across upstream-side logs.
func (c *Client) Do(ctx context.Context, sess session.Session, req Request, requestID string) (Result, error) {
	start := time.Now()
	httpReq, err := c.buildRequest(ctx, sess, req)
	if err != nil {
		return Result{}, err
	}

	httpClient := c.httpClient
	if requestID != "" {
		scoped := *c.httpClient
		scoped.Transport = llmclient.NewSession(llmclient.WithConversationID(requestID)).WrapRoundTripper(c.httpClient.Transport)
		httpClient = &scoped
	}

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		latency := time.Since(start)
		if ctx.Err() != nil {
			return Result{Outcome: sessionpool.OutcomeTransportError, LatencyMs: latency.Milliseconds(), ErrorMessage: ctx.Err().Error()}, nil
		}
		if classifyTransportErr(err) {
			return Result{Outcome: sessionpool.OutcomeTransportError, LatencyMs: latency.Milliseconds(), ErrorMessage: err.Error()}, nil
		}
		return Result{}, err
	}
	defer resp.Body.Close()

	if req.Stream {
		return c.consumeStream(resp, start, req.Model)
	}
	return c.consumeOnce(resp, start, req.Model)
}

func (c *Client) consumeOnce(resp *http.Response, start time.Time, model string) (Result, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	latency := time.Since(start)
	if err != nil {
		return Result{Outcome: sessionpool.OutcomeTransportError, Status: resp.StatusCode, LatencyMs: latency.Milliseconds(), ErrorMessage: err.Error()}, nil
	}
	outcome := classifyStatus(resp.StatusCode, string(body))
	result := Result{Outcome: outcome, Status: resp.StatusCode, LatencyMs: latency.Milliseconds()}
	if outcome != sessionpool.OutcomeSuccess {
		result.ErrorMessage = sanitizedSnippet(body)
		return result, nil
	}

	var wire wireChatCompletion
	if err := json.Unmarshal(body, &wire); err != nil {
		result.Outcome = sessionpool.OutcomeClientError
		result.ErrorMessage = "malformed upstream response body"
		return result, nil
	}
	completion, detail := wire.toOpenAI(model)
	result.Response = &completion
	result.Usage = completion.Usage
	result.Detail = detail
	return result, nil
}

func sanitizedSnippet(body []byte) string {
	s := string(body)
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}
