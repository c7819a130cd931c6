// Package classify maps heterogeneous provider failures onto the closed
// error taxonomy in domain. The three backends report the same failure
// classes with different vocabularies and status codes; everything downstream
// depends only on the classified kind.
package classify

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/chatforge/gateway/internal/domain"
	"github.com/tidwall/gjson"
)

const defaultRetryAfter = 60 * time.Second

// Classify is total: it always returns a ProviderError and never panics.
// Already-classified errors pass through untouched so the facade can re-raise
// typed errors without double wrapping.
func Classify(err error, provider domain.Provider, model string) *domain.ProviderError {
	var pe *domain.ProviderError
	if errors.As(err, &pe) {
		return pe
	}

	status := 0
	detail := ""
	var he *domain.HTTPError
	if errors.As(err, &he) {
		status = he.Status
		detail = messageFromBody(he.Body)
	}
	if detail == "" && err != nil {
		detail = err.Error()
	}
	msg := strings.ToLower(detail)

	// First match wins; order mirrors how specific the signals are.
	switch {
	case status == http.StatusNotFound,
		strings.Contains(msg, "model") && (strings.Contains(msg, "not found") ||
			strings.Contains(msg, "does not exist") || strings.Contains(msg, "not_found")):
		return &domain.ProviderError{Kind: domain.KindModelUnavailable, Provider: provider, Model: model, Detail: detail}

	case status == http.StatusUnauthorized, status == http.StatusForbidden,
		strings.Contains(msg, "api key"), strings.Contains(msg, "api_key"),
		strings.Contains(msg, "authentication"), strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "permission"):
		return &domain.ProviderError{Kind: domain.KindAPIKeyInvalid, Provider: provider, Detail: detail}

	case strings.Contains(msg, "content policy"), strings.Contains(msg, "content_policy"),
		strings.Contains(msg, "safety"), strings.Contains(msg, "blocked"),
		strings.Contains(msg, "content filter"), strings.Contains(msg, "flagged"):
		return &domain.ProviderError{Kind: domain.KindContentFiltered, Provider: provider, Detail: detail}

	case status == http.StatusTooManyRequests,
		strings.Contains(msg, "rate limit"), strings.Contains(msg, "rate_limit"),
		strings.Contains(msg, "too many requests"), strings.Contains(msg, "quota exceeded"):
		return &domain.ProviderError{
			Kind:       domain.KindRateLimitExceeded,
			Provider:   provider,
			Detail:     detail,
			RetryAfter: time.Now().Add(defaultRetryAfter),
		}

	case status == http.StatusServiceUnavailable, status == 529,
		strings.Contains(msg, "overloaded"), strings.Contains(msg, "capacity"),
		strings.Contains(msg, "unavailable"), strings.Contains(msg, "timeout"),
		strings.Contains(msg, "timed out"):
		return &domain.ProviderError{Kind: domain.KindServiceUnavailable, Provider: provider, Detail: detail}

	default:
		return &domain.ProviderError{Kind: domain.KindServiceUnavailable, Provider: provider, Detail: detail}
	}
}

// messageFromBody digs the human-readable message out of a provider error
// payload. The three backends use different envelopes, so probe each.
func messageFromBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	for _, path := range []string{"error.message", "error.type", "message", "detail"} {
		if v := gjson.GetBytes(body, path); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return string(body)
}
