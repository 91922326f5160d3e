// Package llm defines the chat-completion gateway and its Anthropic backend.
package llm

import "context"

// Role constants for Message.Role.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// StopReason describes why the model stopped generating.
const (
	StopReasonEndTurn   = "end_turn"
	StopReasonMaxTokens = "max_tokens"
)

// Message is a single turn in the conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the input to Complete and Stream.
type CompletionRequest struct {
	Messages     []Message
	SystemPrompt string
	MaxTokens    int
	Model        string // override provider default if set
}

// Token is a single streamed fragment. The stream ends with Done or Error.
type Token struct {
	Text  string
	Done  bool
	Error error
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	Text         string
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// Provider is the chat-completion gateway.
type Provider interface {
	// Complete sends a completion request and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Stream sends a completion request and streams tokens to out, closing
	// it when done. The caller must drain out.
	Stream(ctx context.Context, req CompletionRequest, out chan<- Token) error

	// ModelID returns the current model identifier string.
	ModelID() string
}
