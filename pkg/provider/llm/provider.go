// Package llm defines the Provider interface for one-shot text generation.
//
// An LLM provider wraps a remote or local model API (e.g. Gemini, OpenAI or a
// local Ollama instance) and exposes a single request/response call. Sparky
// uses it for side tasks that run next to the live voice session, such as
// naming a conversation after its first utterance.
//
// Implementors must be safe for concurrent use and must return promptly when
// the supplied context is cancelled.
package llm

import (
	"context"
	"errors"
)

// ErrEmptyResponse is returned when the backend answers without any text.
var ErrEmptyResponse = errors.New("llm: empty response")

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a reply.
type CompletionRequest struct {
	// Prompt is the user text that drives the response. Must be non-empty.
	Prompt string

	// SystemPrompt is an optional high-priority instruction. Providers without
	// a dedicated system field prepend it as a "system"-role message.
	SystemPrompt string

	// Temperature controls output randomness. Zero means provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int
}

// CompletionResponse is the full reply to a CompletionRequest.
type CompletionResponse struct {
	// Content is the text of the reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any text generation backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Name returns a short identifier such as "gemini" or "anyllm/openai",
	// used in logs and metrics.
	Name() string
}
