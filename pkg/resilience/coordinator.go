// Package resilience is the Resilience Coordinator: the per-request state
// machine that acquires sessions, drives the Upstream Client through a
// bounded retry schedule, and reports terminal outcomes to the shared
// circuit breaker and the Persistence Gateway.
package resilience

import (
	"context"
	"errors"
	"strconv"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/cookierelay/cookierelay/pkg/persistence"
	"github.com/cookierelay/cookierelay/pkg/sessionpool"
	"github.com/cookierelay/cookierelay/pkg/telemetry"
	"github.com/cookierelay/cookierelay/pkg/upstream"
)

var (
	// ErrCircuitOpen maps to service_unavailable (§7); returned without
	// acquiring a session.
	ErrCircuitOpen = errors.New("resilience: circuit open")
	// ErrNoHealthySessions maps to no_healthy_sessions (§7); does not count
	// toward circuit failures.
	ErrNoHealthySessions = sessionpool.ErrNoHealthySessions
)

// ExhaustedError is returned when every attempt within max_attempts failed
// without a terminal success or client_error outcome.
type ExhaustedError struct {
	Attempts int
	Last     upstream.Result
}

func (e *ExhaustedError) Error() string {
	return "resilience: exhausted after " + strconv.Itoa(e.Attempts) + " attempts: " + e.Last.ErrorMessage
}

// Config mirrors pkg/config.ResilienceConfig, kept separate so this package
// has no dependency on pkg/config.
type Config struct {
	MaxAttempts            int
	BackoffSchedule        []time.Duration
	UpstreamAttemptTimeout time.Duration
}

type Coordinator struct {
	pool     *sessionpool.Pool
	client   *upstream.Client
	store    *persistence.Store
	breaker  *CircuitBreaker
	tel      *telemetry.Sink
	provider string
	cfg      Config
}

func NewCoordinator(pool *sessionpool.Pool, client *upstream.Client, store *persistence.Store, breaker *CircuitBreaker, provider string, cfg Config) *Coordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if len(cfg.BackoffSchedule) == 0 {
		cfg.BackoffSchedule = []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second, 20 * time.Second, 30 * time.Second}
	}
	if cfg.UpstreamAttemptTimeout <= 0 {
		cfg.UpstreamAttemptTimeout = 60 * time.Second
	}
	return &Coordinator{pool: pool, client: client, store: store, breaker: breaker, provider: provider, cfg: cfg}
}

// SetTelemetry attaches the process-wide telemetry sink. Optional: a
// Coordinator with no sink attached simply skips per-attempt event emission.
func (c *Coordinator) SetTelemetry(sink *telemetry.Sink) {
	c.tel = sink
}

func (c *Coordinator) recordAttempt(requestID string, attempt int, sessionID string, result upstream.Result) {
	if c.tel == nil {
		return
	}
	c.tel.Record(telemetry.AttemptEvent{
		RequestID: requestID,
		Attempt:   attempt,
		SessionID: sessionID,
		Outcome:   string(result.Outcome),
		Status:    result.Status,
		LatencyMs: result.LatencyMs,
		Error:     result.ErrorMessage,
	})
}

func (c *Coordinator) backoffFor(attempt int) time.Duration {
	if attempt < len(c.cfg.BackoffSchedule) {
		return c.cfg.BackoffSchedule[attempt]
	}
	return c.cfg.BackoffSchedule[len(c.cfg.BackoffSchedule)-1]
}

// Handle drives one inbound chat request through §4.5's state machine. A nil
// error means result holds a terminal outcome the caller can map directly
// (success or client_error); a non-nil error is ErrCircuitOpen,
// ErrNoHealthySessions, *ExhaustedError, ctx.Err() when ctx is done during a
// backoff wait, or an unclassified error returned by the pool or the client.
func (c *Coordinator) Handle(ctx context.Context, requestID string, req upstream.Request) (upstream.Result, error) {
	allowed, _ := c.breaker.Allow()
	if !allowed {
		return upstream.Result{}, ErrCircuitOpen
	}

	start := time.Now()
	tried := map[string]struct{}{}
	var last upstream.Result
	var lastSessionID string

	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		sess, err := c.pool.Acquire(ctx, c.provider, tried)
		if err != nil {
			if errors.Is(err, sessionpool.ErrNoHealthySessions) {
				return upstream.Result{}, ErrNoHealthySessions
			}
			return upstream.Result{}, err
		}
		tried[sess.ID] = struct{}{}

		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.UpstreamAttemptTimeout)
		result, err := c.client.Do(attemptCtx, sess, req, requestID)
		cancel()
		if err != nil {
			_ = c.pool.Release(ctx, sess.ID, sessionpool.OutcomeTransportError, 0)
			return upstream.Result{}, err
		}

		latency := time.Duration(result.LatencyMs) * time.Millisecond
		last = result
		lastSessionID = sess.ID
		c.recordAttempt(requestID, attempt, sess.ID, result)

		switch result.Outcome {
		case sessionpool.OutcomeSuccess:
			_ = c.pool.Release(ctx, sess.ID, sessionpool.OutcomeSuccess, latency)
			c.breaker.RecordSuccess()
			c.persistGeneration(ctx, requestID, sess.ID, req, result)
			return result, nil
		case sessionpool.OutcomeClientError:
			_ = c.pool.Release(ctx, sess.ID, sessionpool.OutcomeClientError, latency)
			c.persistGeneration(ctx, requestID, sess.ID, req, result)
			return result, nil
		default:
			_ = c.pool.Release(ctx, sess.ID, result.Outcome, latency)
		}

		if attempt+1 >= c.cfg.MaxAttempts {
			break
		}
		select {
		case <-time.After(c.backoffFor(attempt)):
		case <-ctx.Done():
			cancelled := upstream.Result{
				Outcome:      last.Outcome,
				Status:       last.Status,
				LatencyMs:    time.Since(start).Milliseconds(),
				ErrorMessage: ctx.Err().Error(),
			}
			// ctx is already done; persist on a detached context so the
			// cancellation itself doesn't also abort writing its own record.
			persistCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			c.persistGeneration(persistCtx, requestID, lastSessionID, req, cancelled)
			cancel()
			return upstream.Result{}, ctx.Err()
		}
	}

	c.breaker.RecordFailure()
	c.persistGeneration(ctx, requestID, lastSessionID, req, last)
	return upstream.Result{}, &ExhaustedError{Attempts: c.cfg.MaxAttempts, Last: last}
}

func (c *Coordinator) persistGeneration(ctx context.Context, requestID, sessionID string, req upstream.Request, result upstream.Result) {
	if c.store == nil {
		return
	}
	var responseText, finishReason string
	var responseTokens int64
	usage := result.Usage
	if result.Response != nil && len(result.Response.Choices) > 0 {
		responseText = result.Response.Choices[0].Message.Content
		finishReason = string(result.Response.Choices[0].FinishReason)
		responseTokens = int64(usage.CompletionTokens)
	}
	if len(result.StreamChunks) > 0 {
		finishReason = result.Detail.FinishReason
		for _, chunk := range result.StreamChunks {
			for _, ch := range chunk.Choices {
				responseText += ch.Delta.Content
			}
		}
	}

	var temperature, topP float64
	if req.Temperature != nil {
		temperature = float64(*req.Temperature)
	}
	if req.TopP != nil {
		topP = float64(*req.TopP)
	}
	var maxOutputTokens int64
	if req.MaxOutputTokens != nil {
		maxOutputTokens = int64(*req.MaxOutputTokens)
	}
	parallelToolCalls := true
	if req.ParallelToolCalls != nil {
		parallelToolCalls = *req.ParallelToolCalls
	}

	row := persistence.GenerationRow{
		RequestID:                requestID,
		SessionID:                sessionID,
		Provider:                 c.provider,
		Model:                    req.Model,
		Prompt:                   canonicalizePrompt(req.Messages),
		PromptTokens:             int64(usage.PromptTokens),
		ResponseText:             responseText,
		ResponseTokens:           responseTokens,
		Status:                   result.Status,
		LatencyMs:                result.LatencyMs,
		ErrorMessage:             result.ErrorMessage,
		ReasoningTokens:          int64(result.Detail.ReasoningTokens),
		AudioTokens:              int64(result.Detail.AudioTokens),
		ImageTokens:              int64(result.Detail.ImageTokens),
		CachedTokens:             int64(result.Detail.CachedTokens),
		AcceptedPredictionTokens: int64(result.Detail.AcceptedPredictionTokens),
		RejectedPredictionTokens: int64(result.Detail.RejectedPredictionTokens),
		NumSourcesUsed:           int64(result.Detail.NumSourcesUsed),
		ResponseID:               result.Detail.ResponseID,
		PreviousResponseID:       result.Detail.PreviousResponseID,
		Temperature:              temperature,
		TopP:                     topP,
		MaxOutputTokens:          maxOutputTokens,
		ParallelToolCalls:        parallelToolCalls,
		ToolChoice:               req.ToolChoice,
		FinishReason:             finishReason,
		ReasoningContent:         result.Detail.ReasoningContent,
		IncompleteDetails:        result.Detail.IncompleteDetails,
	}
	genID, err := c.store.InsertGeneration(ctx, row)
	if err != nil || result.Outcome != sessionpool.OutcomeSuccess {
		return
	}

	_, _ = c.store.InsertTokenUsage(ctx, persistence.TokenUsageRow{
		GenerationID:                       genID,
		SessionID:                          sessionID,
		Provider:                           c.provider,
		Model:                              req.Model,
		PromptTextTokens:                   int64(usage.PromptTokens) - int64(result.Detail.AudioTokens) - int64(result.Detail.ImageTokens) - int64(result.Detail.CachedTokens),
		PromptAudioTokens:                  int64(result.Detail.AudioTokens),
		PromptImageTokens:                  int64(result.Detail.ImageTokens),
		PromptCachedTokens:                 int64(result.Detail.CachedTokens),
		PromptTotalTokens:                  int64(usage.PromptTokens),
		CompletionReasoningTokens:          int64(result.Detail.ReasoningTokens),
		CompletionAcceptedPredictionTokens: int64(result.Detail.AcceptedPredictionTokens),
		CompletionRejectedPredictionTokens: int64(result.Detail.RejectedPredictionTokens),
		CompletionTextTokens:               int64(usage.CompletionTokens) - int64(result.Detail.ReasoningTokens),
		CompletionTotalTokens:              int64(usage.CompletionTokens),
		TotalTokens:                        int64(usage.TotalTokens),
	})
}

func canonicalizePrompt(messages []openai.ChatCompletionMessage) string {
	var out string
	for _, m := range messages {
		out += m.Role + ": " + m.Content + "\n"
	}
	return out
}
