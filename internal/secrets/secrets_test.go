package secrets

import (
	"context"
	"testing"
)

func TestLoadProviderKeys_EnvironmentWins(t *testing.T) {
	store := NewMemoryStore()
	store.SetSecret("gateway/providers", `{
		"openai_api_key": "sk-from-secret",
		"anthropic_api_key": "ant-from-secret",
		"openrouter_api_key": "or-from-secret"
	}`)

	keys := ProviderKeys{OpenAI: "sk-from-env"}
	if err := LoadProviderKeys(context.Background(), store, "gateway/providers", &keys); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if keys.OpenAI != "sk-from-env" {
		t.Errorf("openai key = %q, explicit configuration must not be overwritten", keys.OpenAI)
	}
	if keys.Anthropic != "ant-from-secret" {
		t.Errorf("anthropic key = %q, empty field should be filled", keys.Anthropic)
	}
	if keys.OpenRouter != "or-from-secret" {
		t.Errorf("openrouter key = %q", keys.OpenRouter)
	}
}

func TestLoadProviderKeys_MissingSecret(t *testing.T) {
	keys := ProviderKeys{}
	err := LoadProviderKeys(context.Background(), NewMemoryStore(), "missing", &keys)
	if err == nil {
		t.Error("expected an error for an absent secret")
	}
}

func TestMemoryStore_GetSecretJSON(t *testing.T) {
	store := NewMemoryStore()
	store.SetSecret("cfg", `{"openai_api_key":"sk-1"}`)

	var keys ProviderKeys
	if err := store.GetSecretJSON(context.Background(), "cfg", &keys); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if keys.OpenAI != "sk-1" {
		t.Errorf("openai key = %q", keys.OpenAI)
	}
}
