// Package llm defines the Provider interface for text Large Language Model
// backends.
//
// The voice engine only needs one non-streaming completion per session, to
// score the finished transcript, so the interface is deliberately a single
// method. Implementations must be safe for concurrent use and must return
// promptly when ctx is cancelled.
package llm

import "context"

// Message is a single message in an LLM conversation.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation; the last one drives the response.
	Messages []Message

	// SystemPrompt is an optional instruction sent before Messages.
	SystemPrompt string

	// Temperature in [0, 2]. Zero uses the provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero uses the provider default.
	MaxTokens int
}

// CompletionResponse is the full reply to a CompletionRequest.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over any text LLM backend.
type Provider interface {
	// Complete sends req and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
