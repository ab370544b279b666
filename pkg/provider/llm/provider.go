// Package llm defines the Provider interface for text-generation backends.
//
// The personalization pipeline sends a single system instruction plus one
// user turn and waits for the complete answer; streaming and tool calling are
// not part of the contract.
//
// Implementations must be safe for concurrent use.
package llm

import "context"

// Message roles understood by every backend.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single turn of a conversation.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Content is the text content of the message.
	Content string
}

// CompletionRequest carries everything the model needs to produce a reply.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is an optional high-priority instruction sent ahead of
	// Messages.
	SystemPrompt string

	// Messages is the ordered conversation history.
	Messages []Message

	// Temperature controls output randomness. Zero leaves the provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero leaves the provider default.
	MaxTokens int
}

// Usage holds token accounting returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionResponse is the complete reply of a model.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over any generation backend.
type Provider interface {
	// Complete sends req and waits for the full response. Failures are
	// wrapped with provider.Wrap.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// ModelID returns the backend model identifier.
	ModelID() string
}
