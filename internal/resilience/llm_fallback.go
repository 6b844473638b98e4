package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/sparky/pkg/provider/llm"
)

// ErrAllFailed is returned by [LLMFallback.Complete] when no backend produced
// a response, either because each one failed or because its breaker was open.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig is the breaker template applied to every backend of an
// [LLMFallback]. The breaker name is set to the backend name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type backend struct {
	p       llm.Provider
	breaker *CircuitBreaker
}

// LLMFallback implements [llm.Provider] with failover across several text
// generators, e.g. Gemini first and a local Ollama model second. Each backend
// sits behind its own [CircuitBreaker] so a dead one is skipped until its
// reset timeout elapses.
//
// Backends must be added before the fallback is shared between goroutines.
type LLMFallback struct {
	cfg      FallbackConfig
	backends []backend
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, cfg FallbackConfig) *LLMFallback {
	f := &LLMFallback{cfg: cfg}
	f.AddFallback(primary)
	return f
}

// AddFallback appends p to the backends tried after the earlier ones.
func (f *LLMFallback) AddFallback(p llm.Provider) {
	bc := f.cfg.CircuitBreaker
	bc.Name = "title/" + p.Name()
	f.backends = append(f.backends, backend{p: p, breaker: NewCircuitBreaker(bc)})
}

// Name joins the backend names, e.g. "gemini|anyllm/ollama".
func (f *LLMFallback) Name() string {
	names := make([]string, len(f.backends))
	for i, b := range f.backends {
		names[i] = b.p.Name()
	}
	return strings.Join(names, "|")
}

// Complete returns the response of the first backend that succeeds. A
// cancelled or expired ctx ends the attempt without trying further backends.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var lastErr error
	for _, b := range f.backends {
		var resp *llm.CompletionResponse
		err := b.breaker.Execute(func() error {
			var err error
			resp, err = b.p.Complete(ctx, req)
			return err
		})
		switch {
		case err == nil:
			return resp, nil
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("title backend skipped, circuit open", "provider", b.p.Name())
		default:
			slog.Warn("title backend failed, trying next", "provider", b.p.Name(), "err", err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
