package queue

import (
	"context"
	"testing"
	"time"

	"github.com/chatforge/gateway/internal/domain"
)

func TestMemoryPublisher_EventShape(t *testing.T) {
	pub := NewMemoryPublisher()

	rec := domain.TokenUsageRecord{
		ID:               "rec-1",
		UserID:           "u1",
		ProjectID:        "p1",
		Provider:         domain.ProviderAnthropic,
		Model:            "claude-3-5-sonnet-20241022",
		PromptTokens:     120,
		CompletionTokens: 30,
		EstimatedCost:    0.0021,
		RequestType:      domain.RequestTypeStream,
		CreatedAt:        time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC),
	}
	if err := pub.PublishUsage(context.Background(), rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	events := pub.Events()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.ID != "rec-1" || ev.UserID != "u1" || ev.Provider != "anthropic" {
		t.Errorf("event = %+v", ev)
	}
	if ev.TotalTokens != 150 {
		t.Errorf("total tokens = %d, want prompt + completion", ev.TotalTokens)
	}
	if ev.RequestType != "chat_stream" {
		t.Errorf("request type = %q", ev.RequestType)
	}
}
