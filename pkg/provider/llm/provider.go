// Package llm defines the Provider interface for chat-completion backends.
//
// The speculative engine only needs single-shot completions: query rewriting
// and answer formatting are both short, deterministic prompts. Providers are
// therefore reduced to [Provider.Complete] plus the configured model name.
//
// Implementations must be safe for concurrent use.
package llm

import "context"

// Role constants for [Message.Role].
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single turn in a chat conversation.
type Message struct {
	Role    string
	Content string
}

// CompletionRequest describes a single chat-completion call.
type CompletionRequest struct {
	// SystemPrompt, if non-empty, is prepended as a system message.
	SystemPrompt string

	// Messages is the conversation to complete, oldest first.
	Messages []Message

	// Temperature controls sampling randomness. Nil leaves the backend default
	// in place; use [Temp] to request an explicit value, including zero.
	Temperature *float64

	// MaxTokens caps the length of the generated reply. Zero means no cap.
	MaxTokens int
}

// Usage reports token accounting for a completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionResponse is the result of [Provider.Complete].
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is a chat-completion backend.
type Provider interface {
	// Complete runs a single non-streaming completion.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Model returns the model identifier the provider was configured with.
	Model() string
}

// Temp returns a pointer to t for use in [CompletionRequest.Temperature].
func Temp(t float64) *float64 { return &t }
