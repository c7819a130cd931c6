package repository

import (
	"context"
	"sync"
	"time"

	"github.com/chatforge/gateway/internal/domain"
)

// UserStore resolves the identity a quota check runs against.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*domain.User, error)
}

// LimitsStore supplies the process-wide default token limits, used whenever a
// user has no non-zero override of their own.
type LimitsStore interface {
	Defaults(ctx context.Context) (domain.Limits, error)
}

// UsageStore is the only shared mutable resource in the gateway core. Writes
// are append-only; reads for admission control go through TotalsLocked so
// that concurrent checks for the same user are strictly serialized.
type UsageStore interface {
	// Append persists one usage record. Records are never mutated or
	// deleted by the gateway.
	Append(ctx context.Context, rec domain.TokenUsageRecord) error

	// TotalsLocked runs fn with the user's cumulative and since-monthStart
	// token totals while holding a per-user mutual-exclusion lock. Two
	// concurrent calls for the same user are ordered; calls for different
	// users never contend. The lock is released on every exit path.
	TotalsLocked(ctx context.Context, userID string, monthStart time.Time, fn func(domain.UsageTotals) error) error

	// Totals is the unlocked read used by reporting surfaces.
	Totals(ctx context.Context, userID string, monthStart time.Time) (domain.UsageTotals, error)
}

// MonthStart returns the UTC start of the current accounting month.
func MonthStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// MemoryStore is an in-process implementation of all three store interfaces,
// used in tests and keyless local development.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]*domain.User
	records  []domain.TokenUsageRecord
	defaults domain.Limits

	lockMu    sync.Mutex
	userLocks map[string]*sync.Mutex
}

func NewMemoryStore(defaults domain.Limits) *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*domain.User),
		defaults:  defaults,
		userLocks: make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) PutUser(u *domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) Defaults(ctx context.Context) (domain.Limits, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaults, nil
}

func (s *MemoryStore) Append(ctx context.Context, rec domain.TokenUsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *MemoryStore) Totals(ctx context.Context, userID string, monthStart time.Time) (domain.UsageTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totals(userID, monthStart), nil
}

func (s *MemoryStore) TotalsLocked(ctx context.Context, userID string, monthStart time.Time, fn func(domain.UsageTotals) error) error {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	totals := s.totals(userID, monthStart)
	s.mu.RUnlock()

	return fn(totals)
}

func (s *MemoryStore) totals(userID string, monthStart time.Time) domain.UsageTotals {
	var t domain.UsageTotals
	for _, r := range s.records {
		if r.UserID != userID {
			continue
		}
		total := int64(r.TotalTokens())
		t.TotalTokens += total
		if !r.CreatedAt.Before(monthStart) {
			t.MonthlyTokens += total
		}
	}
	return t
}

func (s *MemoryStore) userLock(userID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		s.userLocks[userID] = lock
	}
	return lock
}

// Records returns a copy of everything appended so far. Test helper.
func (s *MemoryStore) Records() []domain.TokenUsageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.TokenUsageRecord, len(s.records))
	copy(out, s.records)
	return out
}
