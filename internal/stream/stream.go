// Package stream turns a provider's native chunk stream into a single lazy
// event sequence and owns the exactly-once usage accounting around it: one
// full record on success, one partial record when the stream dies after
// emitting content, nothing when it dies before producing anything.
package stream

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/chatforge/gateway/internal/classify"
	"github.com/chatforge/gateway/internal/domain"
	"github.com/chatforge/gateway/internal/metrics"
	"github.com/chatforge/gateway/internal/pricing"
)

type EventType string

const (
	EventChunk    EventType = "chunk"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event is the sum type consumers iterate over: zero or more chunk events,
// then exactly one complete or error event.
type Event struct {
	Type     EventType            `json:"type"`
	Content  string               `json:"content,omitempty"`
	Response *domain.ChatResponse `json:"response,omitempty"`
	Err      error                `json:"-"`
}

// Recorder persists one usage record. Satisfied by usage.Recorder.
type Recorder interface {
	Record(ctx context.Context, rec domain.TokenUsageRecord) error
}

type Multiplexer struct {
	recorder   Recorder
	calculator *pricing.Calculator
}

func NewMultiplexer(recorder Recorder, calculator *pricing.Calculator) *Multiplexer {
	return &Multiplexer{recorder: recorder, calculator: calculator}
}

// Run consumes the adapter's channels and produces the event sequence. The
// returned channel closes after the terminal event. Usage is recorded exactly
// once on every path, including caller cancellation mid-stream; recording
// failures are logged and never displace the stream error.
func (m *Multiplexer) Run(ctx context.Context, req domain.ChatRequest, chunks <-chan domain.StreamChunk, errs <-chan error) <-chan Event {
	out := make(chan Event)
	started := time.Now()

	go func() {
		defer close(out)
		metrics.ActiveStreams.Inc()
		defer metrics.ActiveStreams.Dec()

		var content strings.Builder
		promptTokens := 0
		completionTokens := 0
		recorded := false

		// Partial billing runs on every abnormal exit: provider error,
		// consumer disconnect, cancellation. If nothing was produced there
		// is nothing to bill.
		defer func() {
			if recorded || content.Len() == 0 {
				return
			}
			m.record(ctx, req, domain.RequestTypeStreamPartial, content.String(), promptTokens, completionTokens)
		}()

		fail := func(err error) {
			classified := classify.Classify(err, req.Agent.Provider, req.Agent.Model)
			metrics.RecordProviderError(string(req.Agent.Provider), string(classified.Kind))
			select {
			case out <- Event{Type: EventError, Err: classified}:
			case <-ctx.Done():
			}
		}

		for {
			select {
			case chunk, ok := <-chunks:
				if !ok {
					// Both channels close at stream end, in either order. A
					// pending error decides the outcome; errs == nil means its
					// clean close was already observed below.
					if errs != nil {
						if err, open := <-errs; open && err != nil {
							fail(err)
							return
						}
					}
					resp := m.buildResponse(req, content.String(), promptTokens, completionTokens, started)
					m.record(ctx, req, domain.RequestTypeStream, content.String(), resp.Metadata.PromptTokens, resp.Metadata.CompletionTokens)
					recorded = true
					select {
					case out <- Event{Type: EventComplete, Response: resp}:
					case <-ctx.Done():
					}
					return
				}

				if chunk.PromptTokens > 0 {
					promptTokens = chunk.PromptTokens
				}
				if chunk.CompletionTokens > 0 {
					completionTokens = chunk.CompletionTokens
				}
				if chunk.Content == "" {
					continue
				}
				content.WriteString(chunk.Content)

				select {
				case out <- Event{Type: EventChunk, Content: chunk.Content}:
				case <-ctx.Done():
					fail(ctx.Err())
					return
				}

			case err, ok := <-errs:
				if ok && err != nil {
					fail(err)
					return
				}
				// Error channel closed clean; wait on the chunk channel only.
				errs = nil

			case <-ctx.Done():
				fail(ctx.Err())
				return
			}
		}
	}()

	return out
}

// buildResponse assembles the terminal summary, estimating completion tokens
// when the provider stream never reported usage. Prompt tokens are left as
// reported (possibly zero); the estimate covers output only, which is a known
// undercount kept for parity with billing history.
func (m *Multiplexer) buildResponse(req domain.ChatRequest, content string, promptTokens, completionTokens int, started time.Time) *domain.ChatResponse {
	if completionTokens == 0 && content != "" {
		completionTokens = pricing.EstimateTokens(content)
		slog.Warn("stream ended without usage metadata, estimating completion tokens",
			"provider", req.Agent.Provider,
			"model", req.Agent.Model,
			"estimated", completionTokens,
		)
	}

	return &domain.ChatResponse{
		Content: content,
		Metadata: domain.ResponseMetadata{
			Model:            req.Agent.Model,
			Tokens:           promptTokens + completionTokens,
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			EstimatedCost:    m.calculator.Cost(req.Agent.Provider, req.Agent.Model, promptTokens, completionTokens),
			ProcessingTimeMs: time.Since(started).Milliseconds(),
		},
	}
}

// record writes the usage event. The caller's context may already be
// cancelled (client disconnect), so the write runs detached from it; the
// tokens were consumed either way.
func (m *Multiplexer) record(ctx context.Context, req domain.ChatRequest, requestType domain.RequestType, content string, promptTokens, completionTokens int) {
	if req.UserID == "" {
		return
	}
	if completionTokens == 0 && content != "" {
		completionTokens = pricing.EstimateTokens(content)
	}

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	rec := domain.TokenUsageRecord{
		UserID:           req.UserID,
		ProjectID:        req.ProjectID,
		AgentID:          req.AgentID,
		ConversationID:   req.ConversationID,
		Provider:         req.Agent.Provider,
		Model:            req.Agent.Model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		EstimatedCost:    m.calculator.Cost(req.Agent.Provider, req.Agent.Model, promptTokens, completionTokens),
		RequestType:      requestType,
	}

	if err := m.recorder.Record(recordCtx, rec); err != nil {
		// Never let an accounting failure mask the stream outcome.
		slog.Error("failed to record stream usage",
			"error", err,
			"user_id", req.UserID,
			"request_type", requestType,
		)
	}
}
