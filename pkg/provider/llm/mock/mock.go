// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider to return pre-canned completions without a live model and to
// verify the prompts submitted by the agent engine.
//
// Example:
//
//	p := &mock.Provider{CompleteResult: "Well met, traveller."}
//	_ = p.Initialize(ctx)
//	resp, _ := p.Complete(ctx, llm.CompletionRequest{Prompt: "..."})
package mock

import (
	"context"
	"sync"

	"github.com/hollowmere/parley/pkg/provider/llm"
)

// Ensure Provider implements the llm.Provider interface.
var _ llm.Provider = (*Provider)(nil)

// Provider is a mock implementation of llm.Provider.
// Configure the exported fields before use; methods are safe for concurrent use.
type Provider struct {
	mu sync.Mutex

	// InitializeErr, if non-nil, is returned by Initialize (and the provider
	// stays not-ready).
	InitializeErr error

	// CompleteResult is the Content of every successful Complete response.
	CompleteResult string

	// CompleteErr, if non-nil, is returned as the error from Complete.
	CompleteErr error

	// CompleteFunc, when set, overrides CompleteResult/CompleteErr entirely.
	// Useful for per-call behaviour (e.g., blocking until released to test
	// interaction serialisation).
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// Prompts records the Prompt of every Complete call, in order.
	Prompts []string

	ready        bool
	shutdownDone bool
}

// Initialize marks the provider ready unless InitializeErr is set.
func (p *Provider) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.InitializeErr != nil {
		return p.InitializeErr
	}
	p.ready = true
	return nil
}

// IsReady reports whether Initialize succeeded and Shutdown has not been called.
func (p *Provider) IsReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

// Complete records the prompt and returns the configured result.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.Prompts = append(p.Prompts, req.Prompt)
	fn := p.CompleteFunc
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if p.CompleteErr != nil {
		return nil, p.CompleteErr
	}
	return &llm.CompletionResponse{Content: p.CompleteResult}, nil
}

// Shutdown marks the provider not ready.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ready = false
	p.shutdownDone = true
	return nil
}

// PromptLog returns a copy of all prompts submitted so far.
func (p *Provider) PromptLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Prompts))
	copy(out, p.Prompts)
	return out
}

// ShutdownCalled reports whether Shutdown has been invoked.
func (p *Provider) ShutdownCalled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shutdownDone
}
