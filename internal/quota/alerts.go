package quota

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chatforge/gateway/internal/domain"
	"github.com/chatforge/gateway/internal/repository"
)

type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
	AlertLevelExceeded AlertLevel = "exceeded"
)

type Alert struct {
	UserID     string
	Level      AlertLevel
	LimitType  domain.LimitType
	Limit      int64
	CurrentUse int64
	Percentage float64
	Timestamp  time.Time
}

type AlertHandler func(alert Alert)

type Thresholds struct {
	Warning  float64
	Critical float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:  0.8,
		Critical: 0.95,
	}
}

// Monitor watches a user's monthly token consumption against their effective
// limit and fires each alert level once until the level changes.
type Monitor struct {
	mu            sync.Mutex
	usage         repository.UsageStore
	thresholds    Thresholds
	alertHandlers []AlertHandler
	lastAlerts    map[string]AlertLevel
	now           func() time.Time
}

func NewMonitor(usage repository.UsageStore, thresholds Thresholds) *Monitor {
	return &Monitor{
		usage:      usage,
		thresholds: thresholds,
		lastAlerts: make(map[string]AlertLevel),
		now:        time.Now,
	}
}

func (m *Monitor) OnAlert(handler AlertHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alertHandlers = append(m.alertHandlers, handler)
}

// Check evaluates the user's monthly usage ratio. Returns the fired alert or
// nil when below the warning threshold or when the level has not changed.
func (m *Monitor) Check(ctx context.Context, userID string, monthlyLimit int64) (*Alert, error) {
	if monthlyLimit <= 0 {
		return nil, nil
	}

	totals, err := m.usage.Totals(ctx, userID, repository.MonthStart(m.now()))
	if err != nil {
		return nil, err
	}

	ratio := float64(totals.MonthlyTokens) / float64(monthlyLimit)

	var level AlertLevel
	switch {
	case ratio >= 1.0:
		level = AlertLevelExceeded
	case ratio >= m.thresholds.Critical:
		level = AlertLevelCritical
	case ratio >= m.thresholds.Warning:
		level = AlertLevelWarning
	default:
		m.mu.Lock()
		delete(m.lastAlerts, userID)
		m.mu.Unlock()
		return nil, nil
	}

	m.mu.Lock()
	if last, ok := m.lastAlerts[userID]; ok && last == level {
		m.mu.Unlock()
		return nil, nil
	}
	m.lastAlerts[userID] = level
	handlers := make([]AlertHandler, len(m.alertHandlers))
	copy(handlers, m.alertHandlers)
	m.mu.Unlock()

	alert := &Alert{
		UserID:     userID,
		Level:      level,
		LimitType:  domain.LimitMonthly,
		Limit:      monthlyLimit,
		CurrentUse: totals.MonthlyTokens,
		Percentage: ratio * 100,
		Timestamp:  m.now(),
	}

	for _, handler := range handlers {
		handler(*alert)
	}

	return alert, nil
}

func LogAlertHandler(alert Alert) {
	slog.Warn("token quota alert",
		"user_id", alert.UserID,
		"level", alert.Level,
		"limit_type", alert.LimitType,
		"limit", alert.Limit,
		"current_use", alert.CurrentUse,
		"percentage", alert.Percentage,
	)
}
