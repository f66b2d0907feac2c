package upstream

import (
	openai "github.com/sashabaranov/go-openai"

	"github.com/cookierelay/cookierelay/pkg/sessionpool"
)

// Request is one upstream attempt's input: the OpenAI-shaped chat request
// already validated by pkg/httpapi, plus the model and streaming flag.
type Request struct {
	Model             string
	Messages          []openai.ChatCompletionMessage
	Temperature       *float32
	TopP              *float32
	MaxOutputTokens   *int
	Stream            bool
	ToolChoice        string
	ParallelToolCalls *bool
	Tools             []openai.Tool
}

// Detail carries the xAI-specific accounting fields §6 asks generations to
// record, beyond the OpenAI-compatible prompt/completion/total split.
type Detail struct {
	ReasoningTokens          int
	AudioTokens              int
	ImageTokens              int
	CachedTokens             int
	AcceptedPredictionTokens int
	RejectedPredictionTokens int
	NumSourcesUsed           int
	ResponseID               string
	PreviousResponseID       string
	FinishReason             string
	ReasoningContent         string
	IncompleteDetails        string
}

// Result is the outcome of one Do call. For a non-streaming request
// Response is populated; for a streaming request StreamChunks holds the
// full, already-translated chunk sequence — §9 calls for correct buffering
// semantics rather than byte-level passthrough, so a streaming attempt is
// not relayed to the inbound caller until the attempt's outcome is known.
type Result struct {
	Outcome      sessionpool.Outcome
	Status       int
	LatencyMs    int64
	ErrorMessage string

	Response     *openai.ChatCompletionResponse
	StreamChunks []openai.ChatCompletionStreamResponse
	Usage        openai.Usage
	Detail       Detail
}
