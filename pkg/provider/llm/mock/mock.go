// Package mock provides a scriptable [llm.Provider] for tests.
//
//	titles := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: `"Robot Chat"`}}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/sparky/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// Provider answers every request with CompleteResponse and CompleteErr, or
// with Handler when it is set. The zero value answers (nil, nil) and is named
// "mock".
type Provider struct {
	ProviderName string

	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	// Handler, if set, computes the answer instead of the fixed fields.
	Handler func(req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// Block, if non-nil, holds every request until it is closed or the
	// request context ends.
	Block chan struct{}

	mu    sync.Mutex
	calls []llm.CompletionRequest
}

func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	block := p.Block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.Handler != nil {
		return p.Handler(req)
	}
	return p.CompleteResponse, p.CompleteErr
}

func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Calls returns the requests received so far, oldest first.
func (p *Provider) Calls() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.CompletionRequest(nil), p.calls...)
}
