// Package usage persists token accounting events. Exactly one record is
// written per logical request; the streaming layer owns that guarantee and
// calls Record at most once.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatforge/gateway/internal/domain"
	"github.com/chatforge/gateway/internal/metrics"
	"github.com/chatforge/gateway/internal/repository"
	"github.com/google/uuid"
)

// Publisher forwards usage events to an external sink (analytics queue).
// Publish failures never fail the caller; the store is the source of truth.
type Publisher interface {
	PublishUsage(ctx context.Context, rec domain.TokenUsageRecord) error
}

type Recorder struct {
	store     repository.UsageStore
	publisher Publisher
}

func NewRecorder(store repository.UsageStore, publisher Publisher) *Recorder {
	return &Recorder{store: store, publisher: publisher}
}

func (r *Recorder) Record(ctx context.Context, rec domain.TokenUsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	if err := r.store.Append(ctx, rec); err != nil {
		return fmt.Errorf("append usage record: %w", err)
	}

	metrics.RecordTokens(string(rec.Provider), rec.Model, rec.PromptTokens, rec.CompletionTokens)
	metrics.RecordCost(string(rec.Provider), rec.Model, rec.EstimatedCost)
	if rec.RequestType == domain.RequestTypeStreamPartial {
		metrics.RecordStreamPartial(string(rec.Provider))
	}

	if r.publisher != nil {
		if err := r.publisher.PublishUsage(ctx, rec); err != nil {
			slog.Warn("failed to publish usage event",
				"error", err,
				"record_id", rec.ID,
				"user_id", rec.UserID,
			)
		}
	}

	slog.Info("usage recorded",
		"record_id", rec.ID,
		"user_id", rec.UserID,
		"provider", rec.Provider,
		"model", rec.Model,
		"prompt_tokens", rec.PromptTokens,
		"completion_tokens", rec.CompletionTokens,
		"request_type", rec.RequestType,
	)

	return nil
}
