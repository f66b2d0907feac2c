package upstream

import (
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// wireChatCompletion is the upstream's own non-streaming response shape.
// The fields line up with xAI's documented completion payload; anything the
// upstream omits defaults to zero per §4.4.
type wireChatCompletion struct {
	ID      string `json:"id"`
	Created int64  `json:"created"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens            int `json:"prompt_tokens"`
		CompletionTokens        int `json:"completion_tokens"`
		TotalTokens             int `json:"total_tokens"`
		PromptTokensDetails     struct {
			AudioTokens  int `json:"audio_tokens"`
			ImageTokens  int `json:"image_tokens"`
			CachedTokens int `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
		CompletionTokensDetails struct {
			ReasoningTokens          int `json:"reasoning_tokens"`
			AudioTokens              int `json:"audio_tokens"`
			AcceptedPredictionTokens int `json:"accepted_prediction_tokens"`
			RejectedPredictionTokens int `json:"rejected_prediction_tokens"`
		} `json:"completion_tokens_details"`
	} `json:"usage"`
	NumSourcesUsed     int    `json:"num_sources_used"`
	PreviousResponseID string `json:"previous_response_id"`
}

func (w wireChatCompletion) toOpenAI(model string) (openai.ChatCompletionResponse, Detail) {
	created := w.Created
	if created == 0 {
		created = time.Now().UTC().Unix()
	}
	out := openai.ChatCompletionResponse{
		ID:      w.ID,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
	}
	var finishReason string
	for _, ch := range w.Choices {
		finishReason = ch.FinishReason
		out.Choices = append(out.Choices, openai.ChatCompletionChoice{
			Index: ch.Index,
			Message: openai.ChatCompletionMessage{
				Role:    ch.Message.Role,
				Content: ch.Message.Content,
			},
			FinishReason: openai.FinishReason(ch.FinishReason),
		})
	}
	out.Usage = openai.Usage{
		PromptTokens:     w.Usage.PromptTokens,
		CompletionTokens: w.Usage.CompletionTokens,
		TotalTokens:      w.Usage.TotalTokens,
	}
	detail := Detail{
		ReasoningTokens:          w.Usage.CompletionTokensDetails.ReasoningTokens,
		AudioTokens:              w.Usage.PromptTokensDetails.AudioTokens + w.Usage.CompletionTokensDetails.AudioTokens,
		ImageTokens:              w.Usage.PromptTokensDetails.ImageTokens,
		CachedTokens:             w.Usage.PromptTokensDetails.CachedTokens,
		AcceptedPredictionTokens: w.Usage.CompletionTokensDetails.AcceptedPredictionTokens,
		RejectedPredictionTokens: w.Usage.CompletionTokensDetails.RejectedPredictionTokens,
		NumSourcesUsed:           w.NumSourcesUsed,
		ResponseID:               w.ID,
		PreviousResponseID:       w.PreviousResponseID,
		FinishReason:             finishReason,
	}
	return out, detail
}

// wireStreamChunk is one upstream SSE data payload for a streaming attempt.
type wireStreamChunk struct {
	ID      string `json:"id"`
	Created int64  `json:"created"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (w wireStreamChunk) toOpenAI(model string) openai.ChatCompletionStreamResponse {
	created := w.Created
	if created == 0 {
		created = time.Now().UTC().Unix()
	}
	out := openai.ChatCompletionStreamResponse{
		ID:      w.ID,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
	}
	for _, ch := range w.Choices {
		choice := openai.ChatCompletionStreamChoice{
			Index: ch.Index,
			Delta: openai.ChatCompletionStreamChoiceDelta{
				Role:    ch.Delta.Role,
				Content: ch.Delta.Content,
			},
		}
		if ch.FinishReason != "" {
			choice.FinishReason = openai.FinishReason(ch.FinishReason)
		}
		out.Choices = append(out.Choices, choice)
	}
	return out
}
