package gateway

import (
	"github.com/storyforge/orchestrator/internal/domain"
)

// Defaults carry server-level provider settings (keys never come from project
// settings; they are configured on the server and merged in here).
type Defaults struct {
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	OpenAIModel     string
	OpenAIFallbacks []string

	GeminiAPIKey    string
	GeminiBaseURL   string
	GeminiModel     string
	GeminiFallbacks []string
}

// ResolveConfig builds the provider configuration for a run from its settings
// snapshot plus server defaults. Project settings choose provider, model,
// base URL, wire API and generation knobs; API keys only ever come from the
// server side.
func ResolveConfig(settings domain.Settings, d Defaults) ProviderConfig {
	llm := settings.Section("llm")

	provider := ProviderOpenAI
	if p, _ := llm["provider"].(string); p == string(ProviderGemini) {
		provider = ProviderGemini
	}

	temperature := 0.7
	if t, ok := llm["temperature"].(float64); ok {
		temperature = t
	}
	maxTokens := 800
	if mt, ok := llm["max_tokens"].(float64); ok && int(mt) > 0 {
		maxTokens = int(mt)
	}
	wire := WireChatCompletions
	if w, _ := llm["wire_api"].(string); w == string(WireResponses) {
		wire = WireResponses
	}

	sub := func(key string) map[string]any {
		m, _ := llm[key].(map[string]any)
		return m
	}
	pick := func(m map[string]any, key, def string) string {
		if v, _ := m[key].(string); v != "" {
			return v
		}
		return def
	}

	if provider == ProviderGemini {
		cfg := sub("gemini")
		return ProviderConfig{
			Provider:    ProviderGemini,
			Model:       trimQuotes(pick(cfg, "model", firstNonEmpty(d.GeminiModel, "gemini-1.5-flash"))),
			BaseURL:     NormalizeBaseURL(pick(cfg, "base_url", firstNonEmpty(d.GeminiBaseURL, "https://generativelanguage.googleapis.com"))),
			WireAPI:     wire,
			APIKey:      d.GeminiAPIKey,
			Temperature: temperature,
			MaxTokens:   maxTokens,
			Fallbacks:   d.GeminiFallbacks,
		}
	}

	cfg := sub("openai")
	return ProviderConfig{
		Provider:    ProviderOpenAI,
		Model:       trimQuotes(pick(cfg, "model", firstNonEmpty(d.OpenAIModel, "gpt-4o-mini"))),
		BaseURL:     NormalizeBaseURL(pick(cfg, "base_url", firstNonEmpty(d.OpenAIBaseURL, "https://api.openai.com/v1"))),
		WireAPI:     wire,
		APIKey:      d.OpenAIAPIKey,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Fallbacks:   d.OpenAIFallbacks,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
