package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/cookierelay/cookierelay/pkg/resilience"
	"github.com/cookierelay/cookierelay/pkg/sessionpool"
	"github.com/cookierelay/cookierelay/pkg/upstream"
)

// chatCompletionRequest mirrors the §6 request body. Fields beyond Model and
// Messages are all optional passthrough knobs.
type chatCompletionRequest struct {
	Model             string                         `json:"model"`
	Messages          []openai.ChatCompletionMessage `json:"messages"`
	Stream            bool                           `json:"stream,omitempty"`
	Temperature       *float32                       `json:"temperature,omitempty"`
	TopP              *float32                       `json:"top_p,omitempty"`
	MaxOutputTokens   *int                           `json:"max_output_tokens,omitempty"`
	Tools             []openai.Tool                  `json:"tools,omitempty"`
	ToolChoice        json.RawMessage                `json:"tool_choice,omitempty"`
	ParallelToolCalls *bool                           `json:"parallel_tool_calls,omitempty"`
}

func (c chatCompletionRequest) toolChoiceString() string {
	if len(c.ToolChoice) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(c.ToolChoice, &s); err == nil {
		return s
	}
	return string(c.ToolChoice)
}

func (c chatCompletionRequest) validate() error {
	if c.Model == "" {
		return errors.New("model is required")
	}
	if len(c.Messages) == 0 {
		return errors.New("messages must contain at least one entry")
	}
	for _, m := range c.Messages {
		if m.Role == "" {
			return errors.New("every message must set a role")
		}
	}
	return nil
}

// handleChatCompletions implements POST /v1/chat/completions: translate the
// OpenAI-shaped request into an upstream attempt, drive it through the
// resilience coordinator, and translate the terminal result back.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)

	var body chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, ErrTypeValidation, "malformed JSON body")
		return
	}
	if err := body.validate(); err != nil {
		writeError(w, r, ErrTypeValidation, err.Error())
		return
	}

	req := upstream.Request{
		Model:             body.Model,
		Messages:          body.Messages,
		Temperature:       body.Temperature,
		TopP:              body.TopP,
		MaxOutputTokens:   body.MaxOutputTokens,
		Stream:            body.Stream,
		ToolChoice:        body.toolChoiceString(),
		ParallelToolCalls: body.ParallelToolCalls,
		Tools:             body.Tools,
	}

	result, err := s.coordinator.Handle(r.Context(), requestID, req)
	if err != nil {
		s.writeCoordinatorError(w, r, err)
		return
	}

	if result.Outcome == sessionpool.OutcomeClientError {
		writeError(w, r, ErrTypeUpstreamReject, rejectionMessage(result))
		return
	}

	if req.Stream {
		s.writeStream(w, r, result)
		return
	}
	s.writeCompletion(w, r, result)
}

func rejectionMessage(result upstream.Result) string {
	if result.ErrorMessage == "" {
		return "upstream rejected the request"
	}
	return result.ErrorMessage
}

// writeCoordinatorError maps the coordinator's three sentinel failure modes
// (plus a fully exhausted retry budget) onto the §7 error taxonomy.
func (s *Server) writeCoordinatorError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		writeError(w, r, ErrTypeUnavailable, "upstream circuit is open; retry shortly")
	case errors.Is(err, resilience.ErrNoHealthySessions):
		writeError(w, r, ErrTypeNoHealthy, "no healthy sessions are available")
	default:
		var exhausted *resilience.ExhaustedError
		if errors.As(err, &exhausted) {
			s.writeExhaustedError(w, r, exhausted)
			return
		}
		if errors.Is(err, context.DeadlineExceeded) {
			writeError(w, r, ErrTypeUpstreamTimeout, "upstream attempt timed out")
			return
		}
		writeError(w, r, ErrTypeInternal, "internal error handling request")
	}
}

func (s *Server) writeExhaustedError(w http.ResponseWriter, r *http.Request, exhausted *resilience.ExhaustedError) {
	switch exhausted.Last.Outcome {
	case sessionpool.OutcomeTransportError:
		writeError(w, r, ErrTypeUpstreamTimeout, "upstream attempts timed out after retries")
	default:
		writeError(w, r, ErrTypeUnavailable, fmt.Sprintf("exhausted %d attempts without a successful response", exhausted.Attempts))
	}
}

func (s *Server) writeCompletion(w http.ResponseWriter, r *http.Request, result upstream.Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(result.Response)
}

// writeStream relays the coordinator's already-buffered chunk sequence as
// server-sent events, since §9 calls for correct buffering rather than
// byte-level passthrough — the whole attempt has already succeeded by the
// time this runs.
func (s *Server) writeStream(w http.ResponseWriter, r *http.Request, result upstream.Result) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeCompletion(w, r, result)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	bw := bufio.NewWriter(w)
	for _, chunk := range result.StreamChunks {
		line, err := json.Marshal(chunk)
		if err != nil {
			continue
		}
		fmt.Fprintf(bw, "data: %s\n\n", line)
		_ = bw.Flush()
		flusher.Flush()
	}
	fmt.Fprint(bw, "data: [DONE]\n\n")
	_ = bw.Flush()
	flusher.Flush()
}

