package plugin

import (
	"encoding/json"

	"github.com/nulpointcorp/powerproxy/internal/routingslip"
)

// TokenCounting is a mix-in: plugins that need token data embed it rather
// than re-implement counting. Non-streaming counts come from the upstream
// "usage" object already unmarshalled into slip.BodyDictFromTarget by the
// dispatch engine; streaming counts are accumulated chunk by chunk via
// CountChunk, using a character-based estimate in the absence of a real
// tokenizer.
type TokenCounting struct{}

// CountFromBody extracts prompt/completion/total tokens from a non-streaming
// upstream "usage" object. Returns false if no usage object is present.
func (TokenCounting) CountFromBody(slip *routingslip.Slip) bool {
	usage, ok := slip.BodyDictFromTarget["usage"].(map[string]any)
	if !ok {
		return false
	}
	slip.PromptTokens = toInt(usage["prompt_tokens"])
	slip.CompletionTokens = toInt(usage["completion_tokens"])
	slip.TotalTokens = toInt(usage["total_tokens"])
	if slip.TotalTokens == 0 {
		slip.TotalTokens = slip.PromptTokens + slip.CompletionTokens
	}
	return true
}

// CountChunk accumulates an approximate completion-token estimate for one
// streamed delta payload's text content: the choices[].delta.content strings
// of the JSON payload, or the raw payload when it is not such JSON. Called
// once per on_data_event_from_target_received.
func (TokenCounting) CountChunk(slip *routingslip.Slip, payload string) {
	var chunk struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	deltaText := payload
	if json.Unmarshal([]byte(payload), &chunk) == nil {
		deltaText = ""
		for _, c := range chunk.Choices {
			deltaText += c.Delta.Content
		}
	}
	slip.CompletionTokens += estimateTokens(deltaText)
	slip.TotalTokens = slip.PromptTokens + slip.CompletionTokens
}

// estimateTokens approximates token count at ~4 characters/token, the common
// rule-of-thumb absent a real tokenizer.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	n := len(s) / 4
	if n == 0 {
		n = 1
	}
	return n
}

func toInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case int64:
		return int(t)
	default:
		return 0
	}
}
