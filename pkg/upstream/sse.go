package upstream

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/cookierelay/cookierelay/pkg/sessionpool"
)

const doneMarker = "[DONE]"

// consumeStream reads the upstream's "data: " framed event stream line by
// line, translating each frame into an OpenAI chat.completion.chunk. Chunks
// are accumulated rather than relayed live: the spec calls for correct
// buffering semantics, not byte-level passthrough, so the inbound caller
// only sees a streaming response once this attempt is known to have
// succeeded.
func (c *Client) consumeStream(resp *http.Response, start time.Time, model string) (Result, error) {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		latency := time.Since(start)
		outcome := classifyStatus(resp.StatusCode, string(body))
		return Result{Outcome: outcome, Status: resp.StatusCode, LatencyMs: latency.Milliseconds(), ErrorMessage: sanitizedSnippet(body)}, nil
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	var chunks []openai.ChatCompletionStreamResponse
	var lastFinish string

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if strings.TrimSpace(data) == doneMarker {
			break
		}
		var chunk wireStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		translated := chunk.toOpenAI(model)
		for _, ch := range translated.Choices {
			if ch.FinishReason != "" {
				lastFinish = string(ch.FinishReason)
			}
		}
		chunks = append(chunks, translated)
	}
	latency := time.Since(start)
	if err := scanner.Err(); err != nil {
		return Result{Outcome: sessionpool.OutcomeTransportError, Status: resp.StatusCode, LatencyMs: latency.Milliseconds(), ErrorMessage: err.Error()}, nil
	}
	if len(chunks) == 0 {
		return Result{Outcome: sessionpool.OutcomeUpstream5xx, Status: resp.StatusCode, LatencyMs: latency.Milliseconds(), ErrorMessage: "stream ended without any data frame"}, nil
	}

	return Result{
		Outcome:      sessionpool.OutcomeSuccess,
		Status:       resp.StatusCode,
		LatencyMs:    latency.Milliseconds(),
		StreamChunks: chunks,
		Detail:       Detail{FinishReason: lastFinish},
	}, nil
}
