// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote or local text-completion service (e.g.,
// OpenAI GPT-4o, Anthropic Claude, or a local Ollama instance) and exposes the
// narrow contract the agent engine needs: initialise, check readiness,
// complete a fully assembled prompt, and shut down. Prompt assembly, context
// retrieval, and length budgeting all happen before a Provider is called; the
// provider receives one opaque prompt string per turn.
//
// Implementations must be safe for concurrent use. A single Provider instance
// may be shared by many agents; it must hold no per-conversation state.
package llm

import "context"

// Usage holds token accounting information returned by the LLM backend.
// All counts are in the model's native token unit and may differ between
// providers for the same textual content.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the prompt.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// Prompt must be non-empty; a zero-value request is invalid.
type CompletionRequest struct {
	// Prompt is the fully assembled prompt string, including persona, retrieved
	// memory, and conversation history. Providers submit it as-is.
	Prompt string

	// Temperature controls output randomness in the range [0.0, 2.0].
	// Zero means use the provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	// Content is the full text of the model's reply. May be empty when the
	// model produces no text; callers decide how to surface that.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
//
// Lifecycle: Initialize is called once before the first Complete; IsReady
// reports whether completions can currently be served; Shutdown releases any
// held resources and is idempotent. Each method must propagate context
// cancellation promptly.
type Provider interface {
	// Initialize prepares the provider for use (credential checks, connection
	// warm-up, model availability probe). Calling Initialize on an already
	// initialised provider is a no-op.
	Initialize(ctx context.Context) error

	// IsReady reports whether the provider can currently serve completions.
	// It must be cheap; no network round-trips.
	IsReady() bool

	// Complete sends req to the model and waits for the full response.
	// Returns an error if the request fails or ctx is cancelled before the
	// completion arrives.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Shutdown releases provider resources. Safe to call multiple times; after
	// Shutdown, IsReady reports false and Complete returns errors.
	Shutdown(ctx context.Context) error
}
