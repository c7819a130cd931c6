// Package gateway is the single entry point callers use to talk to any
// configured LLM provider. It owns the request lifecycle: quota admission,
// adapter dispatch, usage accounting, error classification, and metrics.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatforge/gateway/internal/classify"
	"github.com/chatforge/gateway/internal/domain"
	"github.com/chatforge/gateway/internal/metrics"
	"github.com/chatforge/gateway/internal/pricing"
	"github.com/chatforge/gateway/internal/provider"
	"github.com/chatforge/gateway/internal/quota"
	"github.com/chatforge/gateway/internal/stream"
	"github.com/chatforge/gateway/internal/telemetry"
)

type Gateway struct {
	adapters   map[domain.Provider]provider.Adapter
	enforcer   *quota.Enforcer
	recorder   stream.Recorder
	mux        *stream.Multiplexer
	calculator *pricing.Calculator
	monitor    *quota.Monitor
}

// New builds the facade over a fixed adapter set. The provider set is closed:
// an adapter reporting an unknown provider, or two adapters claiming the same
// one, is a construction error.
func New(adapters []provider.Adapter, enforcer *quota.Enforcer, recorder stream.Recorder, calculator *pricing.Calculator) (*Gateway, error) {
	registry := make(map[domain.Provider]provider.Adapter, len(adapters))
	for _, a := range adapters {
		p := a.Provider()
		if !p.Valid() {
			return nil, fmt.Errorf("unknown provider %q", p)
		}
		if _, dup := registry[p]; dup {
			return nil, fmt.Errorf("duplicate adapter for provider %q", p)
		}
		registry[p] = a
	}

	return &Gateway{
		adapters:   registry,
		enforcer:   enforcer,
		recorder:   recorder,
		mux:        stream.NewMultiplexer(recorder, calculator),
		calculator: calculator,
	}, nil
}

// SetAlertMonitor attaches the quota alert monitor. Alert evaluation runs
// after successful requests and never affects the response.
func (g *Gateway) SetAlertMonitor(m *quota.Monitor) {
	g.monitor = m
}

// Chat performs a buffered completion. When the request carries a user id the
// token quota gate runs first; a denial reaches the caller as
// *domain.QuotaExceededError before any provider traffic.
func (g *Gateway) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "gateway.Chat")
	defer span.End()
	telemetry.AddRequestAttributes(span, req.UserID, string(req.Agent.Provider), req.Agent.Model)

	adapter, err := g.adapter(req.Agent.Provider)
	if err != nil {
		return nil, err
	}

	decision, err := g.admit(ctx, req)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	resp, err := adapter.Chat(ctx, req)
	if err != nil {
		classified := classify.Classify(err, req.Agent.Provider, req.Agent.Model)
		telemetry.AddErrorAttribute(span, classified)
		metrics.RecordProviderError(string(req.Agent.Provider), string(classified.Kind))
		metrics.RecordRequest(string(req.Agent.Provider), req.Agent.Model, string(domain.RequestTypeChat), "error", time.Since(started).Seconds())
		return nil, classified
	}

	resp.Metadata.ProcessingTimeMs = time.Since(started).Milliseconds()
	if resp.Metadata.EstimatedCost == 0 {
		resp.Metadata.EstimatedCost = g.calculator.Cost(req.Agent.Provider, req.Agent.Model, resp.Metadata.PromptTokens, resp.Metadata.CompletionTokens)
	}
	telemetry.AddTokenAttributes(span, resp.Metadata.PromptTokens, resp.Metadata.CompletionTokens)
	telemetry.AddCostAttribute(span, resp.Metadata.EstimatedCost)

	if req.UserID != "" {
		rec := domain.TokenUsageRecord{
			UserID:           req.UserID,
			ProjectID:        req.ProjectID,
			AgentID:          req.AgentID,
			ConversationID:   req.ConversationID,
			Provider:         req.Agent.Provider,
			Model:            req.Agent.Model,
			PromptTokens:     resp.Metadata.PromptTokens,
			CompletionTokens: resp.Metadata.CompletionTokens,
			EstimatedCost:    resp.Metadata.EstimatedCost,
			RequestType:      domain.RequestTypeChat,
		}
		if err := g.recorder.Record(ctx, rec); err != nil {
			// The caller already has their answer; accounting failures are
			// an operational problem, not a request failure.
			slog.Error("failed to record chat usage", "error", err, "user_id", req.UserID)
		}
		g.checkAlerts(ctx, req.UserID, decision)
	}

	metrics.RecordRequest(string(req.Agent.Provider), req.Agent.Model, string(domain.RequestTypeChat), "success", time.Since(started).Seconds())
	return resp, nil
}

// StreamChat performs a streaming completion. The quota gate runs before the
// provider connection opens; gate failures come back as the error return and
// no channel is created. Everything after admission is delivered through the
// event channel, terminal error included.
func (g *Gateway) StreamChat(ctx context.Context, req domain.ChatRequest) (<-chan stream.Event, error) {
	ctx, span := telemetry.StartSpan(ctx, "gateway.StreamChat")
	telemetry.AddRequestAttributes(span, req.UserID, string(req.Agent.Provider), req.Agent.Model)
	// The span outlives this call; close it when the stream drains.
	adapter, err := g.adapter(req.Agent.Provider)
	if err != nil {
		span.End()
		return nil, err
	}

	decision, err := g.admit(ctx, req)
	if err != nil {
		span.End()
		return nil, err
	}

	chunks, errs := adapter.StreamChat(ctx, req)
	events := g.mux.Run(ctx, req, chunks, errs)

	out := make(chan stream.Event)
	go func() {
		defer close(out)
		defer span.End()
		started := time.Now()
		status := "success"
		for ev := range events {
			switch ev.Type {
			case stream.EventError:
				status = "error"
				telemetry.AddErrorAttribute(span, ev.Err)
			case stream.EventComplete:
				telemetry.AddTokenAttributes(span, ev.Response.Metadata.PromptTokens, ev.Response.Metadata.CompletionTokens)
				telemetry.AddCostAttribute(span, ev.Response.Metadata.EstimatedCost)
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		metrics.RecordRequest(string(req.Agent.Provider), req.Agent.Model, string(domain.RequestTypeStream), status, time.Since(started).Seconds())
		if status == "success" && req.UserID != "" {
			g.checkAlerts(ctx, req.UserID, decision)
		}
	}()

	return out, nil
}

// CheckTokenLimit exposes the quota decision without consuming anything.
// Zero tokens requested means "report state only"; it never denies.
func (g *Gateway) CheckTokenLimit(ctx context.Context, userID string, tokensRequested int64) (*domain.QuotaDecision, error) {
	return g.enforcer.CheckTokenLimit(ctx, userID, tokensRequested)
}

// AvailableModels lists model ids per configured provider. A provider that
// fails to answer is reported with an empty list rather than failing the call.
func (g *Gateway) AvailableModels(ctx context.Context) map[domain.Provider][]string {
	out := make(map[domain.Provider][]string, len(g.adapters))
	for p, a := range g.adapters {
		models, err := a.Models(ctx)
		if err != nil {
			slog.Warn("failed to list provider models", "provider", p, "error", err)
			out[p] = []string{}
			continue
		}
		out[p] = models
	}
	return out
}

// ProviderStatus health-checks every configured provider.
func (g *Gateway) ProviderStatus(ctx context.Context) map[domain.Provider]bool {
	out := make(map[domain.Provider]bool, len(g.adapters))
	for p, a := range g.adapters {
		out[p] = a.HealthCheck(ctx) == nil
	}
	return out
}

// Providers returns the configured provider set.
func (g *Gateway) Providers() []domain.Provider {
	out := make([]domain.Provider, 0, len(g.adapters))
	for p := range g.adapters {
		out = append(out, p)
	}
	return out
}

func (g *Gateway) adapter(p domain.Provider) (provider.Adapter, error) {
	adapter, ok := g.adapters[p]
	if !ok {
		return nil, &domain.ProviderError{
			Kind:     domain.KindServiceUnavailable,
			Provider: p,
			Detail:   fmt.Sprintf("provider %q is not configured", p),
		}
	}
	return adapter, nil
}

// admit runs the token quota gate when the request is attributed to a user.
// Anonymous requests bypass quota entirely.
func (g *Gateway) admit(ctx context.Context, req domain.ChatRequest) (*domain.QuotaDecision, error) {
	if req.UserID == "" {
		return nil, nil
	}

	estimated := pricing.EstimateRequestTokens(req)
	decision, err := g.enforcer.CheckTokenLimit(ctx, req.UserID, estimated)
	if err != nil {
		var quotaErr *domain.QuotaExceededError
		if errors.As(err, &quotaErr) {
			metrics.RecordQuotaDenial(string(quotaErr.LimitType))
			slog.Info("request denied by token quota",
				"user_id", req.UserID,
				"limit_type", quotaErr.LimitType,
				"current_usage", quotaErr.CurrentUsage,
				"limit", quotaErr.Limit,
				"tokens_requested", quotaErr.TokensRequested,
			)
		}
		return nil, err
	}
	return decision, nil
}

// checkAlerts evaluates quota alert thresholds in the background. Failures
// are logged only; alerts never block or fail a request.
func (g *Gateway) checkAlerts(ctx context.Context, userID string, decision *domain.QuotaDecision) {
	if g.monitor == nil || decision == nil {
		return
	}
	monthlyLimit := decision.Limits.MonthlyLimit
	go func() {
		checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := g.monitor.Check(checkCtx, userID, monthlyLimit); err != nil {
			slog.Warn("quota alert check failed", "user_id", userID, "error", err)
		}
	}()
}
