package provider

import (
	"context"

	"github.com/agentcore/kernel/internal/infra"
)

// ResilientProvider wraps a ModelProvider with a circuit breaker on
// stream setup: a provider that is down outright trips the breaker and
// fails fast instead of burning every turn's retry budget against a
// dead endpoint. Chunk-level errors after a stream opens do not count
// against the breaker; only Complete itself does.
type ResilientProvider struct {
	inner   ModelProvider
	breaker *infra.CircuitBreaker
}

// WithCircuitBreaker wraps inner. A zero config gets the infra
// defaults.
func WithCircuitBreaker(inner ModelProvider, cfg infra.CircuitBreakerConfig) *ResilientProvider {
	if cfg.Name == "" {
		cfg.Name = "provider-" + inner.Name()
	}
	return &ResilientProvider{inner: inner, breaker: infra.NewCircuitBreaker(cfg)}
}

func (p *ResilientProvider) Name() string    { return p.inner.Name() }
func (p *ResilientProvider) Models() []Model { return p.inner.Models() }

// BreakerState exposes the breaker state for monitoring.
func (p *ResilientProvider) BreakerState() string { return p.breaker.State() }

func (p *ResilientProvider) Complete(ctx context.Context, req CompletionRequest) (<-chan CompletionChunk, error) {
	return infra.ExecuteWithResult(p.breaker, ctx, func(ctx context.Context) (<-chan CompletionChunk, error) {
		return p.inner.Complete(ctx, req)
	})
}

func (p *ResilientProvider) CountTokens(ctx context.Context, req CompletionRequest) (int, error) {
	return p.inner.CountTokens(ctx, req)
}

var _ ModelProvider = (*ResilientProvider)(nil)
