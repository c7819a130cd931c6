package pricing

import (
	"strings"
	"testing"

	"github.com/chatforge/gateway/internal/domain"
)

func TestCost_KnownModel(t *testing.T) {
	c := NewCalculator()

	// gpt-4o: $2.50 in / $10.00 out per million.
	got := c.Cost(domain.ProviderOpenAI, "gpt-4o", 1_000_000, 1_000_000)
	want := 12.50
	if got != want {
		t.Errorf("cost = %f, want %f", got, want)
	}
}

func TestCost_UnknownModelUsesGenericPricing(t *testing.T) {
	c := NewCalculator()

	got := c.Cost(domain.ProviderOpenAI, "future-model", 1_000_000, 1_000_000)
	want := genericPricing.InputPerMillion + genericPricing.OutputPerMillion
	if got != want {
		t.Errorf("cost = %f, want generic %f", got, want)
	}
}

func TestCost_OpenRouterVariantSuffixStripped(t *testing.T) {
	c := NewCalculator()

	base := c.CostPerMillionTokens(domain.ProviderOpenRouter, "openai/gpt-4o")
	free := c.CostPerMillionTokens(domain.ProviderOpenRouter, "openai/gpt-4o:free")
	if base != free {
		t.Errorf("variant suffix changed pricing: %v vs %v", base, free)
	}
	if base == genericPricing {
		t.Error("openai/gpt-4o via openrouter should resolve to table pricing")
	}
}

func TestSetPricing_Overrides(t *testing.T) {
	c := NewCalculator()
	c.SetPricing(domain.ProviderOpenAI, "gpt-4o", ModelPricing{InputPerMillion: 1, OutputPerMillion: 2})

	got := c.Cost(domain.ProviderOpenAI, "gpt-4o", 1_000_000, 1_000_000)
	if got != 3 {
		t.Errorf("cost after override = %f, want 3", got)
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"short text rounds up to one", "hi", 1},
		{"four chars per token", strings.Repeat("a", 400), 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateTokens(tt.text); got != tt.want {
				t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func TestEstimateRequestTokens(t *testing.T) {
	req := domain.ChatRequest{
		Agent: domain.AgentConfig{SystemPrompt: strings.Repeat("s", 40)},
		ProjectFiles: []domain.ProjectFile{
			{Name: strings.Repeat("n", 8), Content: strings.Repeat("c", 80)},
		},
		Messages: []domain.Message{
			{Role: "user", Content: strings.Repeat("m", 120)},
		},
	}

	// 10 + 2 + 20 + 30 tokens.
	if got := EstimateRequestTokens(req); got != 62 {
		t.Errorf("EstimateRequestTokens = %d, want 62", got)
	}
}
