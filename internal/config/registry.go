package config

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/sparky/pkg/provider/live"
	"github.com/MrWong99/sparky/pkg/provider/llm"
)

// ErrProviderNotRegistered is returned (inside a *[ConfigurationError]) by
// the Create methods when no factory has been registered under the requested
// provider name.
var ErrProviderNotRegistered = errors.New("provider not registered")

// LiveFactory builds a live voice provider from its configuration.
type LiveFactory func(ctx context.Context, entry ProviderEntry) (live.Provider, error)

// LLMFactory builds a text generation provider from its configuration.
type LLMFactory func(ctx context.Context, entry ProviderEntry) (llm.Provider, error)

// Registry maps provider names to constructors. It is safe for concurrent
// use.
type Registry struct {
	mu   sync.RWMutex
	live map[string]LiveFactory
	llm  map[string]LLMFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		live: make(map[string]LiveFactory),
		llm:  make(map[string]LLMFactory),
	}
}

// RegisterLive registers a live provider factory under name. A later call
// with the same name replaces the earlier one.
func (r *Registry) RegisterLive(name string, f LiveFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[name] = f
}

// RegisterLLM registers a text generation factory under name.
func (r *Registry) RegisterLLM(name string, f LLMFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = f
}

// CreateLive builds the live provider registered under entry.Name.
func (r *Registry) CreateLive(ctx context.Context, entry ProviderEntry) (live.Provider, error) {
	r.mu.RLock()
	f, ok := r.live[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, &ConfigurationError{Err: fmt.Errorf("%w: live/%q", ErrProviderNotRegistered, entry.Name)}
	}
	p, err := f(ctx, entry)
	if err != nil {
		return nil, &ConfigurationError{Err: fmt.Errorf("live/%s: %w", entry.Name, err)}
	}
	return p, nil
}

// CreateLLM builds the text generation provider registered under entry.Name.
func (r *Registry) CreateLLM(ctx context.Context, entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	f, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, &ConfigurationError{Err: fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)}
	}
	p, err := f(ctx, entry)
	if err != nil {
		return nil, &ConfigurationError{Err: fmt.Errorf("llm/%s: %w", entry.Name, err)}
	}
	return p, nil
}

// LiveNames returns the registered live provider names, sorted.
func (r *Registry) LiveNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.live))
	for n := range r.live {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
