// Package ratelimit throttles requests-per-minute per user at the HTTP edge.
// This is traffic protection, not token accounting; the quota gate is a
// separate concern. In-memory for single instances, Redis for fleets.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter answers whether one more request from userID fits the window.
type Limiter interface {
	Allow(ctx context.Context, userID string, limit int) (allowed bool, remaining int, resetAt time.Time, err error)
}

// MemoryLimiter keeps fixed one-minute windows per user. Suitable when the
// gateway runs as a single instance.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	count   int
	resetAt time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{windows: make(map[string]*window)}
}

func (l *MemoryLimiter) Allow(ctx context.Context, userID string, limit int) (bool, int, time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	w, ok := l.windows[userID]
	if !ok || now.After(w.resetAt) {
		w = &window{resetAt: now.Add(time.Minute)}
		l.windows[userID] = w
	}

	if w.count >= limit {
		return false, 0, w.resetAt, nil
	}

	w.count++
	return true, limit - w.count, w.resetAt, nil
}
