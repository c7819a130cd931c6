package notifications

import (
	"testing"
	"time"

	"github.com/chatforge/gateway/internal/domain"
	"github.com/chatforge/gateway/internal/quota"
)

func TestAlertHandler_ForwardsAlertFields(t *testing.T) {
	notifier := NewMemoryNotifier()
	handler := AlertHandler(notifier)

	ts := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	handler(quota.Alert{
		UserID:     "u1",
		Level:      quota.AlertLevelCritical,
		LimitType:  domain.LimitMonthly,
		Limit:      1000,
		CurrentUse: 960,
		Percentage: 96,
		Timestamp:  ts,
	})

	sent := notifier.Sent()
	if len(sent) != 1 {
		t.Fatalf("got %d notifications, want 1", len(sent))
	}
	n := sent[0]
	if n.UserID != "u1" || n.Level != "critical" || n.LimitType != "monthly" {
		t.Errorf("notification = %+v", n)
	}
	if n.Limit != 1000 || n.CurrentUse != 960 || n.Percentage != 96 {
		t.Errorf("usage fields = %+v", n)
	}
	if !n.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", n.Timestamp, ts)
	}
}
