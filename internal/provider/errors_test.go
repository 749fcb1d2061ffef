package provider

import (
	"errors"
	"testing"
)

func TestClassifyErrorRecognizesCommonPatterns(t *testing.T) {
	cases := map[string]FailoverReason{
		"rate limit exceeded, 429":        FailoverRateLimit,
		"401 unauthorized":                FailoverAuth,
		"insufficient quota":              FailoverBilling,
		"500 internal server error":       FailoverServerError,
		"request timeout":                 FailoverTimeout,
		"connection refused":              FailoverTimeout,
		"content policy violation":        FailoverContentFilter,
		"model not found: gpt-5":          FailoverModelUnavailable,
		"totally unrecognized error text": FailoverUnknown,
	}
	for msg, want := range cases {
		if got := ClassifyError(errors.New(msg)); got != want {
			t.Errorf("ClassifyError(%q) = %v, want %v", msg, got, want)
		}
	}
}

func TestIsRetryablePrefersStructuredProviderError(t *testing.T) {
	retryable := NewError("anthropic", "claude-sonnet-4-20250514", errors.New("rate limit"))
	if !IsRetryable(retryable) {
		t.Error("expected rate-limit provider error to be retryable")
	}

	authErr := NewError("anthropic", "claude-sonnet-4-20250514", errors.New("unauthorized"))
	if IsRetryable(authErr) {
		t.Error("expected auth provider error to not be retryable")
	}
}

func TestGetProviderErrorUnwrapsChain(t *testing.T) {
	original := NewError("openai", "gpt-4o", errors.New("boom"))
	wrapped := errors.Join(errors.New("context"), original)

	got, ok := GetProviderError(wrapped)
	if !ok {
		t.Fatal("expected to extract provider error from joined chain")
	}
	if got.Provider != "openai" {
		t.Fatalf("expected provider openai, got %q", got.Provider)
	}
}

func TestWithStatusReclassifies(t *testing.T) {
	e := NewError("openai", "gpt-4o", errors.New("unused"))
	e.WithStatus(429)
	if e.Reason != FailoverRateLimit {
		t.Fatalf("expected 429 to classify as rate limit, got %v", e.Reason)
	}
}
