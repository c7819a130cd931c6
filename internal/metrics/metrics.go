package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of chat requests processed",
		},
		[]string{"provider", "model", "request_type", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Chat request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Total number of tokens processed",
		},
		[]string{"provider", "model", "type"},
	)

	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_cost_usd_total",
			Help: "Total estimated cost in USD",
		},
		[]string{"provider", "model"},
	)

	QuotaDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_quota_denials_total",
			Help: "Total number of requests denied by the token quota gate",
		},
		[]string{"limit_type"},
	)

	StreamPartials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_stream_partials_total",
			Help: "Streams that failed after emitting partial content",
		},
		[]string{"provider"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_provider_errors_total",
			Help: "Total number of classified provider errors",
		},
		[]string{"provider", "error_kind"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_hits_total",
			Help: "Total number of HTTP rate limit hits",
		},
		[]string{"user_id"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_streams",
			Help: "Number of active streaming responses",
		},
	)
)

func RecordRequest(provider, model, requestType, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(provider, model, requestType, status).Inc()
	RequestDuration.WithLabelValues(provider, model).Observe(durationSec)
}

func RecordTokens(provider, model string, promptTokens, completionTokens int) {
	TokensTotal.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	TokensTotal.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
}

func RecordCost(provider, model string, costUSD float64) {
	CostTotal.WithLabelValues(provider, model).Add(costUSD)
}

func RecordQuotaDenial(limitType string) {
	QuotaDenials.WithLabelValues(limitType).Inc()
}

func RecordStreamPartial(provider string) {
	StreamPartials.WithLabelValues(provider).Inc()
}

func RecordProviderError(provider, errorKind string) {
	ProviderErrors.WithLabelValues(provider, errorKind).Inc()
}

func RecordRateLimitHit(userID string) {
	RateLimitHits.WithLabelValues(userID).Inc()
}
