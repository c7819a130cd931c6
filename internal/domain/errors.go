package domain

import (
	"errors"
	"fmt"
	"time"
)

// Pre-flight identity failures. Never retried.
var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserInactive = errors.New("user account is deactivated")
)

// LimitType names which quota dimension a denial was made on.
type LimitType string

const (
	LimitGlobal  LimitType = "global"
	LimitMonthly LimitType = "monthly"
)

// QuotaExceededError is raised by the quota enforcer when pre-request usage
// has already reached the effective limit. It carries the context the caller
// needs to render remaining-quota information.
type QuotaExceededError struct {
	LimitType       LimitType
	CurrentUsage    int64
	Limit           int64
	TokensRequested int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s token limit exceeded: usage=%d limit=%d requested=%d",
		e.LimitType, e.CurrentUsage, e.Limit, e.TokensRequested)
}

// ErrorKind is the closed taxonomy of provider-originated failures. Values
// are produced only by the classifier so downstream handling stays exhaustive.
type ErrorKind string

const (
	KindModelUnavailable   ErrorKind = "model_unavailable"
	KindAPIKeyInvalid      ErrorKind = "api_key_invalid"
	KindContentFiltered    ErrorKind = "content_filtered"
	KindRateLimitExceeded  ErrorKind = "rate_limit_exceeded"
	KindServiceUnavailable ErrorKind = "service_unavailable"
)

// ProviderError is a classified provider failure. RetryAfter is set only for
// KindRateLimitExceeded.
type ProviderError struct {
	Kind       ErrorKind
	Provider   Provider
	Model      string
	Detail     string
	RetryAfter time.Time
}

func (e *ProviderError) Error() string {
	switch e.Kind {
	case KindModelUnavailable:
		return fmt.Sprintf("model %q is not available on %s: %s", e.Model, e.Provider, e.Detail)
	case KindAPIKeyInvalid:
		return fmt.Sprintf("invalid or unauthorized API key for %s", e.Provider)
	case KindContentFiltered:
		return fmt.Sprintf("request blocked by %s content policy", e.Provider)
	case KindRateLimitExceeded:
		return fmt.Sprintf("%s rate limit exceeded, retry after %s", e.Provider, e.RetryAfter.Format(time.RFC3339))
	default:
		return fmt.Sprintf("%s is unavailable: %s", e.Provider, e.Detail)
	}
}

// HTTPError is the raw shape adapters return for non-2xx provider replies.
// It exists so the classifier can inspect status and body; nothing outside
// the classifier should branch on it.
type HTTPError struct {
	Provider Provider
	Status   int
	Body     []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s error: status=%d body=%s", e.Provider, e.Status, e.Body)
}
