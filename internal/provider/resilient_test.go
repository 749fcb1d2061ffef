package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentcore/kernel/internal/infra"
)

// flakyProvider fails Complete a set number of times, then succeeds.
type flakyProvider struct {
	failures int
	calls    int
}

func (p *flakyProvider) Name() string    { return "flaky" }
func (p *flakyProvider) Models() []Model { return nil }
func (p *flakyProvider) CountTokens(ctx context.Context, req CompletionRequest) (int, error) {
	return 0, nil
}

func (p *flakyProvider) Complete(ctx context.Context, req CompletionRequest) (<-chan CompletionChunk, error) {
	p.calls++
	if p.calls <= p.failures {
		return nil, errors.New("connection refused")
	}
	out := make(chan CompletionChunk, 1)
	out <- CompletionChunk{Kind: ChunkMessageStop}
	close(out)
	return out, nil
}

func TestCircuitOpensAfterRepeatedSetupFailures(t *testing.T) {
	inner := &flakyProvider{failures: 100}
	p := WithCircuitBreaker(inner, infra.CircuitBreakerConfig{FailureThreshold: 2, Timeout: time.Hour})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := p.Complete(ctx, CompletionRequest{}); err == nil {
			t.Fatal("expected setup failure")
		}
	}

	// Breaker is now open: the inner provider must not be called again.
	before := inner.calls
	if _, err := p.Complete(ctx, CompletionRequest{}); err == nil {
		t.Fatal("expected fast failure from the open breaker")
	}
	if inner.calls != before {
		t.Fatal("open breaker must not pass calls through")
	}
	if p.BreakerState() != infra.CircuitOpen {
		t.Fatalf("expected open breaker, got %s", p.BreakerState())
	}
}

func TestCircuitRecoversAfterTimeout(t *testing.T) {
	inner := &flakyProvider{failures: 2}
	p := WithCircuitBreaker(inner, infra.CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Timeout: 10 * time.Millisecond})
	ctx := context.Background()

	p.Complete(ctx, CompletionRequest{})
	p.Complete(ctx, CompletionRequest{})
	time.Sleep(20 * time.Millisecond)

	chunks, err := p.Complete(ctx, CompletionRequest{})
	if err != nil {
		t.Fatalf("expected half-open probe to succeed, got %v", err)
	}
	for range chunks {
	}
	if p.BreakerState() != infra.CircuitClosed {
		t.Fatalf("expected closed breaker after recovery, got %s", p.BreakerState())
	}
}
