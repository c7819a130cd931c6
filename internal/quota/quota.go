// Package quota is the admission-control gate in front of every provider
// call. Decisions for one user are strictly serialized through the usage
// store's per-user lock; decisions for different users run concurrently.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/chatforge/gateway/internal/domain"
	"github.com/chatforge/gateway/internal/repository"
)

type Enforcer struct {
	users  repository.UserStore
	limits repository.LimitsStore
	usage  repository.UsageStore
	now    func() time.Time
}

func NewEnforcer(users repository.UserStore, limits repository.LimitsStore, usage repository.UsageStore) *Enforcer {
	return &Enforcer{
		users:  users,
		limits: limits,
		usage:  usage,
		now:    time.Now,
	}
}

// CheckTokenLimit decides whether a request for tokensRequested tokens may
// proceed. The check runs before any provider call.
//
// The boundary rule is deliberately "deny when pre-request usage >= limit",
// not "deny when usage + requested > limit": the request that reaches the
// boundary is allowed and may overshoot the limit by up to its own size.
// Observed billing behavior; do not tighten without product review.
func (e *Enforcer) CheckTokenLimit(ctx context.Context, userID string, tokensRequested int64) (*domain.QuotaDecision, error) {
	user, err := e.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.Active {
		return nil, domain.ErrUserInactive
	}

	defaults, err := e.limits.Defaults(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve default limits: %w", err)
	}

	limits := domain.Limits{
		Global:  effectiveLimit(user.GlobalLimit, defaults.Global),
		Monthly: effectiveLimit(user.MonthlyLimit, defaults.Monthly),
	}

	monthStart := repository.MonthStart(e.now())

	var decision *domain.QuotaDecision
	err = e.usage.TotalsLocked(ctx, userID, monthStart, func(totals domain.UsageTotals) error {
		decision = &domain.QuotaDecision{
			Allowed:      true,
			CurrentUsage: totals,
			Limits: domain.QuotaLimits{
				GlobalLimit:  limits.Global,
				MonthlyLimit: limits.Monthly,
			},
			Remaining: domain.QuotaRemaining{
				Global:  remaining(limits.Global, totals.TotalTokens),
				Monthly: remaining(limits.Monthly, totals.MonthlyTokens),
			},
		}

		// Zero-token requests are always admitted.
		if tokensRequested == 0 {
			return nil
		}

		if limits.Global > 0 && totals.TotalTokens >= limits.Global {
			return &domain.QuotaExceededError{
				LimitType:       domain.LimitGlobal,
				CurrentUsage:    totals.TotalTokens,
				Limit:           limits.Global,
				TokensRequested: tokensRequested,
			}
		}
		if limits.Monthly > 0 && totals.MonthlyTokens >= limits.Monthly {
			return &domain.QuotaExceededError{
				LimitType:       domain.LimitMonthly,
				CurrentUsage:    totals.MonthlyTokens,
				Limit:           limits.Monthly,
				TokensRequested: tokensRequested,
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return decision, nil
}

// effectiveLimit applies the override rule: a present, non-zero user limit
// wins; otherwise the process default applies. An effective limit of zero
// means unlimited.
func effectiveLimit(userLimit *int64, defaultLimit int64) int64 {
	if userLimit != nil && *userLimit > 0 {
		return *userLimit
	}
	return defaultLimit
}

// remaining returns -1 for an unlimited dimension; never negative otherwise.
func remaining(limit, used int64) int64 {
	if limit <= 0 {
		return -1
	}
	if used >= limit {
		return 0
	}
	return limit - used
}
