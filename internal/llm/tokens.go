package llm

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
	codecErr  error
)

// EstimateTokens approximates the prompt size of text. It uses cl100k_base,
// which tracks Claude's tokenizer closely enough for budgeting and logs,
// and falls back to 4 bytes per token if the codec is unavailable.
func EstimateTokens(text string) int {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	if codecErr != nil {
		return (len(text) + 3) / 4
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return (len(text) + 3) / 4
	}
	return len(ids)
}

// EstimateRequestTokens sums the system prompt and message estimates.
func EstimateRequestTokens(req CompletionRequest) int {
	n := EstimateTokens(req.SystemPrompt)
	for _, m := range req.Messages {
		n += EstimateTokens(m.Content) + 4
	}
	return n
}
