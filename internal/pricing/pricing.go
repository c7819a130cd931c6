// Package pricing maps provider/model pairs to monetary cost and provides
// token estimation for text where a provider usage report is unavailable.
// Everything here is pure; no I/O.
package pricing

import (
	"strings"

	"github.com/chatforge/gateway/internal/domain"
)

// ModelPricing is USD per million tokens.
type ModelPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

var defaultPricing = map[string]ModelPricing{
	"openai/gpt-4o":                        {InputPerMillion: 2.50, OutputPerMillion: 10.00},
	"openai/gpt-4o-mini":                   {InputPerMillion: 0.15, OutputPerMillion: 0.60},
	"openai/gpt-4-turbo":                   {InputPerMillion: 10.00, OutputPerMillion: 30.00},
	"openai/gpt-3.5-turbo":                 {InputPerMillion: 0.50, OutputPerMillion: 1.50},
	"openai/o1":                            {InputPerMillion: 15.00, OutputPerMillion: 60.00},
	"openai/o1-mini":                       {InputPerMillion: 1.10, OutputPerMillion: 4.40},
	"anthropic/claude-3-5-sonnet-20241022": {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"anthropic/claude-3-5-haiku-20241022":  {InputPerMillion: 1.00, OutputPerMillion: 5.00},
	"anthropic/claude-3-opus-20240229":     {InputPerMillion: 15.00, OutputPerMillion: 75.00},
	"anthropic/claude-3-haiku-20240307":    {InputPerMillion: 0.25, OutputPerMillion: 1.25},
}

// Fallback applied when a model has no table entry, so unknown models are
// still billed rather than free.
var genericPricing = ModelPricing{InputPerMillion: 1.00, OutputPerMillion: 3.00}

type Calculator struct {
	pricing map[string]ModelPricing
}

func NewCalculator() *Calculator {
	p := make(map[string]ModelPricing, len(defaultPricing))
	for k, v := range defaultPricing {
		p[k] = v
	}
	return &Calculator{pricing: p}
}

// CostPerMillionTokens returns the pricing row for a provider/model pair.
func (c *Calculator) CostPerMillionTokens(provider domain.Provider, model string) ModelPricing {
	if p, ok := c.pricing[string(provider)+"/"+model]; ok {
		return p
	}
	// OpenRouter ids already carry the upstream vendor prefix.
	if provider == domain.ProviderOpenRouter {
		if p, ok := c.pricing[normalizeOpenRouterModel(model)]; ok {
			return p
		}
	}
	return genericPricing
}

// Cost returns the USD cost of a completed request.
func (c *Calculator) Cost(provider domain.Provider, model string, promptTokens, completionTokens int) float64 {
	p := c.CostPerMillionTokens(provider, model)
	return float64(promptTokens)/1_000_000*p.InputPerMillion +
		float64(completionTokens)/1_000_000*p.OutputPerMillion
}

func (c *Calculator) SetPricing(provider domain.Provider, model string, pricing ModelPricing) {
	c.pricing[string(provider)+"/"+model] = pricing
}

func normalizeOpenRouterModel(model string) string {
	// "openai/gpt-4o" is already in table form; strip variant suffixes like
	// ":free" that OpenRouter appends.
	if i := strings.IndexByte(model, ':'); i > 0 {
		return model[:i]
	}
	return model
}

// EstimateTokens approximates the token count of a text using the ~4 chars
// per token heuristic. Non-empty text always estimates to at least one token.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// EstimateRequestTokens approximates the prompt size of a full chat request:
// system prompt, project file context, and the entire message history.
// Used only for the pre-flight quota gate; final accounting comes from the
// provider's own usage report.
func EstimateRequestTokens(req domain.ChatRequest) int64 {
	total := EstimateTokens(req.Agent.SystemPrompt)
	for _, f := range req.ProjectFiles {
		total += EstimateTokens(f.Name) + EstimateTokens(f.Content)
	}
	for _, m := range req.Messages {
		total += EstimateTokens(m.Content)
	}
	return int64(total)
}
