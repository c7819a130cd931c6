// Package api exposes the gateway over HTTP. The chat endpoint speaks JSON
// for buffered requests and SSE for streaming ones; every provider failure
// reaching a client has already been classified.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatforge/gateway/internal/auth"
	"github.com/chatforge/gateway/internal/domain"
	"github.com/chatforge/gateway/internal/gateway"
	"github.com/chatforge/gateway/internal/metrics"
	"github.com/chatforge/gateway/internal/ratelimit"
	"github.com/chatforge/gateway/internal/stream"
)

type HandlerConfig struct {
	Gateway      *gateway.Gateway
	RateLimiter  ratelimit.Limiter
	RateLimitRPM int
	Auth         *auth.Middleware // nil disables key auth
	Checkers     []HealthChecker
}

type Handler struct {
	gateway      *gateway.Gateway
	rateLimiter  ratelimit.Limiter
	rateLimitRPM int
	mux          *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		gateway:      cfg.Gateway,
		rateLimiter:  cfg.RateLimiter,
		rateLimitRPM: cfg.RateLimitRPM,
		mux:          http.NewServeMux(),
	}

	chat := http.HandlerFunc(h.handleChat)
	quota := http.HandlerFunc(h.handleQuota)
	if cfg.Auth != nil {
		h.mux.Handle("POST /v1/chat", cfg.Auth.RequireKey(chat))
		h.mux.Handle("GET /v1/quota", cfg.Auth.RequireKey(quota))
	} else {
		h.mux.Handle("POST /v1/chat", chat)
		h.mux.Handle("GET /v1/quota", quota)
	}
	h.mux.HandleFunc("GET /v1/models", h.handleModels)
	h.mux.HandleFunc("GET /v1/providers", h.handleProviders)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.Handle("GET /health/ready", handleHealthReadyWithCheckers(cfg.Checkers, 5*time.Second))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var req domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// A key-authenticated caller cannot bill another user.
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		req.UserID = userID
	}

	if !req.Agent.Provider.Valid() {
		writeError(w, http.StatusBadRequest, "unknown provider "+strconv.Quote(string(req.Agent.Provider)))
		return
	}
	if req.Agent.Model == "" {
		writeError(w, http.StatusBadRequest, "model is required")
		return
	}

	if h.rateLimiter != nil && req.UserID != "" {
		allowed, remaining, resetAt, err := h.rateLimiter.Allow(ctx, req.UserID, h.rateLimitRPM)
		if err != nil {
			slog.Error("rate limiter error", "error", err, "request_id", requestID)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.rateLimitRPM))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", resetAt.Format(time.RFC3339))
		if !allowed {
			metrics.RecordRateLimitHit(req.UserID)
			slog.Warn("rate limit exceeded", "user_id", req.UserID, "request_id", requestID)
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
	}

	w.Header().Set("X-Request-ID", requestID)

	if req.Stream {
		h.handleStreamingChat(w, r, req, requestID)
		return
	}

	start := time.Now()
	resp, err := h.gateway.Chat(ctx, req)
	if err != nil {
		h.writeChatError(w, err, requestID)
		return
	}

	slog.Info("chat request completed",
		"request_id", requestID,
		"user_id", req.UserID,
		"provider", req.Agent.Provider,
		"model", req.Agent.Model,
		"latency_ms", time.Since(start).Milliseconds(),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// sseEvent is the wire shape of one stream event. The internal error value
// is flattened to a message plus its classified kind.
type sseEvent struct {
	Type     stream.EventType     `json:"type"`
	Content  string               `json:"content,omitempty"`
	Response *domain.ChatResponse `json:"response,omitempty"`
	Error    *sseError            `json:"error,omitempty"`
}

type sseError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (h *Handler) handleStreamingChat(w http.ResponseWriter, r *http.Request, req domain.ChatRequest, requestID string) {
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, err := h.gateway.StreamChat(ctx, req)
	if err != nil {
		// Admission failures happen before any bytes are written, so a
		// regular error response is still possible.
		h.writeChatError(w, err, requestID)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	start := time.Now()
	for ev := range events {
		out := sseEvent{Type: ev.Type, Content: ev.Content, Response: ev.Response}
		if ev.Err != nil {
			var pe *domain.ProviderError
			if errors.As(ev.Err, &pe) {
				out.Error = &sseError{Kind: string(pe.Kind), Message: pe.Error()}
			} else {
				out.Error = &sseError{Kind: string(domain.KindServiceUnavailable), Message: ev.Err.Error()}
			}
		}

		data, _ := json.Marshal(out)
		w.Write([]byte("data: " + string(data) + "\n\n"))
		flusher.Flush()
	}
	w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()

	slog.Info("streaming request completed",
		"request_id", requestID,
		"user_id", req.UserID,
		"provider", req.Agent.Provider,
		"model", req.Agent.Model,
		"latency_ms", time.Since(start).Milliseconds(),
	)
}

func (h *Handler) handleQuota(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := auth.UserIDFromContext(ctx)
	if !ok {
		userID = r.URL.Query().Get("user_id")
	}
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	decision, err := h.gateway.CheckTokenLimit(ctx, userID, 0)
	if err != nil {
		h.writeChatError(w, err, "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(decision)
}

func (h *Handler) handleModels(w http.ResponseWriter, r *http.Request) {
	models := h.gateway.AvailableModels(r.Context())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"models": models})
}

func (h *Handler) handleProviders(w http.ResponseWriter, r *http.Request) {
	status := h.gateway.ProviderStatus(r.Context())

	providers := make(map[string]string, len(status))
	for p, healthy := range status {
		if healthy {
			providers[string(p)] = "ok"
		} else {
			providers[string(p)] = "unhealthy"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"providers": providers})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := h.gateway.ProviderStatus(r.Context())

	providers := make(map[string]string, len(status))
	allHealthy := true
	for p, healthy := range status {
		if healthy {
			providers[string(p)] = "ok"
		} else {
			providers[string(p)] = "unhealthy"
			allHealthy = false
		}
	}

	overall := "healthy"
	if !allHealthy {
		overall = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":    overall,
		"providers": providers,
	})
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// writeChatError maps the gateway's typed errors onto HTTP statuses.
func (h *Handler) writeChatError(w http.ResponseWriter, err error, requestID string) {
	var quotaErr *domain.QuotaExceededError
	if errors.As(err, &quotaErr) {
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error": map[string]any{
				"message":          quotaErr.Error(),
				"type":             "quota_exceeded",
				"limit_type":       quotaErr.LimitType,
				"current_usage":    quotaErr.CurrentUsage,
				"limit":            quotaErr.Limit,
				"tokens_requested": quotaErr.TokensRequested,
			},
		})
		return
	}

	if errors.Is(err, domain.ErrUserNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if errors.Is(err, domain.ErrUserInactive) {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	var pe *domain.ProviderError
	if errors.As(err, &pe) {
		status := http.StatusServiceUnavailable
		switch pe.Kind {
		case domain.KindModelUnavailable:
			status = http.StatusNotFound
		case domain.KindAPIKeyInvalid:
			status = http.StatusUnauthorized
		case domain.KindContentFiltered:
			status = http.StatusBadRequest
		case domain.KindRateLimitExceeded:
			status = http.StatusTooManyRequests
			if !pe.RetryAfter.IsZero() {
				seconds := int(time.Until(pe.RetryAfter).Seconds())
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
			}
		}
		writeJSON(w, status, map[string]any{
			"error": map[string]any{
				"message": pe.Error(),
				"type":    string(pe.Kind),
			},
		})
		return
	}

	slog.Error("unhandled gateway error", "error", err, "request_id", requestID)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "error",
			"code":    status,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
