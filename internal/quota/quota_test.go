package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chatforge/gateway/internal/domain"
	"github.com/chatforge/gateway/internal/repository"
)

func int64Ptr(v int64) *int64 { return &v }

func newStoreWithUser(t *testing.T, user *domain.User, defaults domain.Limits) *repository.MemoryStore {
	t.Helper()
	store := repository.NewMemoryStore(defaults)
	store.PutUser(user)
	return store
}

func appendUsage(t *testing.T, store *repository.MemoryStore, userID string, tokens int, createdAt time.Time) {
	t.Helper()
	err := store.Append(context.Background(), domain.TokenUsageRecord{
		UserID:           userID,
		Provider:         domain.ProviderOpenAI,
		Model:            "gpt-4o",
		PromptTokens:     tokens,
		CompletionTokens: 0,
		RequestType:      domain.RequestTypeChat,
		CreatedAt:        createdAt,
	})
	if err != nil {
		t.Fatalf("append usage: %v", err)
	}
}

func TestCheckTokenLimit_UserNotFound(t *testing.T) {
	store := repository.NewMemoryStore(domain.Limits{})
	e := NewEnforcer(store, store, store)

	_, err := e.CheckTokenLimit(context.Background(), "missing", 100)
	if !errors.Is(err, domain.ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func TestCheckTokenLimit_InactiveUser(t *testing.T) {
	store := newStoreWithUser(t, &domain.User{ID: "u1", Active: false}, domain.Limits{})
	e := NewEnforcer(store, store, store)

	_, err := e.CheckTokenLimit(context.Background(), "u1", 100)
	if !errors.Is(err, domain.ErrUserInactive) {
		t.Errorf("expected ErrUserInactive, got %v", err)
	}
}

func TestCheckTokenLimit_UnlimitedByDefault(t *testing.T) {
	store := newStoreWithUser(t, &domain.User{ID: "u1", Active: true}, domain.Limits{})
	appendUsage(t, store, "u1", 1_000_000, time.Now().UTC())
	e := NewEnforcer(store, store, store)

	decision, err := e.CheckTokenLimit(context.Background(), "u1", 50_000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Allowed {
		t.Error("expected request to be allowed with no limits configured")
	}
	if decision.Remaining.Global != -1 {
		t.Errorf("global remaining = %d, want -1 for unlimited", decision.Remaining.Global)
	}
	if decision.Remaining.Monthly != -1 {
		t.Errorf("monthly remaining = %d, want -1 for unlimited", decision.Remaining.Monthly)
	}
}

func TestCheckTokenLimit_BoundaryRule(t *testing.T) {
	// Pre-request usage below the limit admits the request even when the
	// request itself would overshoot; at or above the limit it is denied.
	tests := []struct {
		name      string
		used      int64
		limit     int64
		requested int64
		allowed   bool
	}{
		{"just under limit large request", 999, 1000, 500, true},
		{"exactly at limit", 1000, 1000, 1, false},
		{"over limit", 1500, 1000, 1, false},
		{"well under limit", 100, 1000, 50, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStoreWithUser(t,
				&domain.User{ID: "u1", Active: true, GlobalLimit: int64Ptr(tt.limit)},
				domain.Limits{})
			appendUsage(t, store, "u1", int(tt.used), time.Now().UTC())
			e := NewEnforcer(store, store, store)

			decision, err := e.CheckTokenLimit(context.Background(), "u1", tt.requested)
			if tt.allowed {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if !decision.Allowed {
					t.Error("expected allowed")
				}
				return
			}

			var quotaErr *domain.QuotaExceededError
			if !errors.As(err, &quotaErr) {
				t.Fatalf("expected QuotaExceededError, got %v", err)
			}
			if quotaErr.LimitType != domain.LimitGlobal {
				t.Errorf("limit type = %s, want global", quotaErr.LimitType)
			}
			if quotaErr.CurrentUsage != tt.used {
				t.Errorf("current usage = %d, want %d", quotaErr.CurrentUsage, tt.used)
			}
		})
	}
}

func TestCheckTokenLimit_ZeroTokensAlwaysAllowed(t *testing.T) {
	store := newStoreWithUser(t,
		&domain.User{ID: "u1", Active: true, GlobalLimit: int64Ptr(100)},
		domain.Limits{})
	appendUsage(t, store, "u1", 500, time.Now().UTC())
	e := NewEnforcer(store, store, store)

	decision, err := e.CheckTokenLimit(context.Background(), "u1", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Allowed {
		t.Error("zero-token check should be allowed even over limit")
	}
	if decision.Remaining.Global != 0 {
		t.Errorf("global remaining = %d, want 0 when over limit", decision.Remaining.Global)
	}
}

func TestCheckTokenLimit_MonthlyLimit(t *testing.T) {
	store := newStoreWithUser(t,
		&domain.User{ID: "u1", Active: true, MonthlyLimit: int64Ptr(1000)},
		domain.Limits{})

	// Last month's usage counts toward global but not monthly.
	lastMonth := time.Now().UTC().AddDate(0, -1, 0)
	appendUsage(t, store, "u1", 5000, lastMonth)
	appendUsage(t, store, "u1", 400, time.Now().UTC())
	e := NewEnforcer(store, store, store)

	decision, err := e.CheckTokenLimit(context.Background(), "u1", 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.CurrentUsage.MonthlyTokens != 400 {
		t.Errorf("monthly tokens = %d, want 400", decision.CurrentUsage.MonthlyTokens)
	}
	if decision.Remaining.Monthly != 600 {
		t.Errorf("monthly remaining = %d, want 600", decision.Remaining.Monthly)
	}

	appendUsage(t, store, "u1", 600, time.Now().UTC())

	_, err = e.CheckTokenLimit(context.Background(), "u1", 100)
	var quotaErr *domain.QuotaExceededError
	if !errors.As(err, &quotaErr) {
		t.Fatalf("expected QuotaExceededError, got %v", err)
	}
	if quotaErr.LimitType != domain.LimitMonthly {
		t.Errorf("limit type = %s, want monthly", quotaErr.LimitType)
	}
}

func TestCheckTokenLimit_GlobalCheckedBeforeMonthly(t *testing.T) {
	store := newStoreWithUser(t,
		&domain.User{ID: "u1", Active: true, GlobalLimit: int64Ptr(100), MonthlyLimit: int64Ptr(100)},
		domain.Limits{})
	appendUsage(t, store, "u1", 200, time.Now().UTC())
	e := NewEnforcer(store, store, store)

	_, err := e.CheckTokenLimit(context.Background(), "u1", 10)
	var quotaErr *domain.QuotaExceededError
	if !errors.As(err, &quotaErr) {
		t.Fatalf("expected QuotaExceededError, got %v", err)
	}
	if quotaErr.LimitType != domain.LimitGlobal {
		t.Errorf("limit type = %s, want global when both exceeded", quotaErr.LimitType)
	}
}

func TestCheckTokenLimit_UserOverrideWinsOverDefault(t *testing.T) {
	store := newStoreWithUser(t,
		&domain.User{ID: "u1", Active: true, GlobalLimit: int64Ptr(10_000)},
		domain.Limits{Global: 100})
	appendUsage(t, store, "u1", 500, time.Now().UTC())
	e := NewEnforcer(store, store, store)

	decision, err := e.CheckTokenLimit(context.Background(), "u1", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Limits.GlobalLimit != 10_000 {
		t.Errorf("effective global limit = %d, want user override 10000", decision.Limits.GlobalLimit)
	}
}

func TestCheckTokenLimit_NilOverrideFallsBackToDefault(t *testing.T) {
	store := newStoreWithUser(t,
		&domain.User{ID: "u1", Active: true},
		domain.Limits{Global: 100})
	appendUsage(t, store, "u1", 150, time.Now().UTC())
	e := NewEnforcer(store, store, store)

	_, err := e.CheckTokenLimit(context.Background(), "u1", 10)
	var quotaErr *domain.QuotaExceededError
	if !errors.As(err, &quotaErr) {
		t.Fatalf("expected denial on default limit, got %v", err)
	}
	if quotaErr.Limit != 100 {
		t.Errorf("limit = %d, want default 100", quotaErr.Limit)
	}
}

func TestCheckTokenLimit_ConcurrentSameUserSerialized(t *testing.T) {
	store := newStoreWithUser(t,
		&domain.User{ID: "u1", Active: true, GlobalLimit: int64Ptr(1_000_000)},
		domain.Limits{})
	e := NewEnforcer(store, store, store)

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.CheckTokenLimit(context.Background(), "u1", 100)
			errs <- err
		}()
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("unexpected error under concurrency: %v", err)
		}
	}
}
