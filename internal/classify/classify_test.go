package classify

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/chatforge/gateway/internal/domain"
)

func TestClassify_HTTPErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind domain.ErrorKind
	}{
		{"openai model not found", 404, `{"error":{"message":"The model 'gpt-9' does not exist","type":"invalid_request_error"}}`, domain.KindModelUnavailable},
		{"anthropic not found", 404, `{"type":"error","error":{"type":"not_found_error","message":"model: claude-9"}}`, domain.KindModelUnavailable},
		{"unauthorized", 401, `{"error":{"message":"Incorrect API key provided"}}`, domain.KindAPIKeyInvalid},
		{"forbidden", 403, `{"error":{"message":"You do not have access"}}`, domain.KindAPIKeyInvalid},
		{"rate limited", 429, `{"error":{"message":"Rate limit reached for requests"}}`, domain.KindRateLimitExceeded},
		{"service unavailable", 503, `{"error":{"message":"The server is temporarily unavailable"}}`, domain.KindServiceUnavailable},
		{"anthropic overloaded", 529, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`, domain.KindServiceUnavailable},
		{"content policy in 400", 400, `{"error":{"message":"Your request was rejected by our content policy"}}`, domain.KindContentFiltered},
		{"safety block", 400, `{"error":{"message":"This request was blocked by safety filters"}}`, domain.KindContentFiltered},
		{"unknown 500", 500, `{"error":{"message":"something broke"}}`, domain.KindServiceUnavailable},
		{"unparseable body", 500, `<html>gateway error</html>`, domain.KindServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &domain.HTTPError{
				Provider: domain.ProviderOpenAI,
				Status:   tt.status,
				Body:     []byte(tt.body),
			}
			pe := Classify(err, domain.ProviderOpenAI, "gpt-4o")
			if pe.Kind != tt.wantKind {
				t.Errorf("kind = %s, want %s", pe.Kind, tt.wantKind)
			}
			if pe.Provider != domain.ProviderOpenAI {
				t.Errorf("provider = %s, want openai", pe.Provider)
			}
		})
	}
}

func TestClassify_PlainErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind domain.ErrorKind
	}{
		{"openrouter model format", fmt.Errorf(`model "gpt-4o" does not exist on openrouter: identifiers use the vendor/model format`), domain.KindModelUnavailable},
		{"network timeout", errors.New("do request: context deadline exceeded (Client.Timeout)"), domain.KindServiceUnavailable},
		{"connection refused", errors.New("do request: dial tcp: connection refused"), domain.KindServiceUnavailable},
		{"stream error mentioning rate limit", errors.New("anthropic stream error: rate_limit_error"), domain.KindRateLimitExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pe := Classify(tt.err, domain.ProviderOpenRouter, "gpt-4o")
			if pe.Kind != tt.wantKind {
				t.Errorf("kind = %s, want %s", pe.Kind, tt.wantKind)
			}
		})
	}
}

func TestClassify_RateLimitSetsRetryAfter(t *testing.T) {
	err := &domain.HTTPError{Provider: domain.ProviderOpenAI, Status: 429, Body: []byte(`{"error":{"message":"Rate limit reached"}}`)}

	pe := Classify(err, domain.ProviderOpenAI, "gpt-4o")
	if pe.Kind != domain.KindRateLimitExceeded {
		t.Fatalf("kind = %s, want rate_limit_exceeded", pe.Kind)
	}
	until := time.Until(pe.RetryAfter)
	if until < 30*time.Second || until > 90*time.Second {
		t.Errorf("retry after %v from now, want ~60s", until)
	}
}

func TestClassify_PassesThroughClassifiedErrors(t *testing.T) {
	original := &domain.ProviderError{
		Kind:     domain.KindContentFiltered,
		Provider: domain.ProviderAnthropic,
		Model:    "claude-3-5-sonnet-20241022",
	}
	wrapped := fmt.Errorf("stream failed: %w", original)

	pe := Classify(wrapped, domain.ProviderAnthropic, "claude-3-5-sonnet-20241022")
	if pe != original {
		t.Error("expected the original classified error back, not a rewrap")
	}
}

func TestClassify_ModelCarriedOnModelUnavailable(t *testing.T) {
	err := &domain.HTTPError{Provider: domain.ProviderOpenAI, Status: 404, Body: []byte(`{"error":{"message":"model not found"}}`)}

	pe := Classify(err, domain.ProviderOpenAI, "gpt-9")
	if pe.Model != "gpt-9" {
		t.Errorf("model = %q, want gpt-9", pe.Model)
	}
}
