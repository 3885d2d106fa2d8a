package gateway

import (
	"strings"
)

// Provider identifies the provider wire family.
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
)

// WireAPI selects the OpenAI-compatible request shape.
type WireAPI string

const (
	WireChatCompletions WireAPI = "chat_completions"
	WireResponses       WireAPI = "responses"
)

// ProviderConfig is the resolved per-call provider configuration. The API key
// is never logged and never echoed back to clients.
type ProviderConfig struct {
	Provider    Provider
	Model       string
	BaseURL     string
	WireAPI     WireAPI
	APIKey      string
	Temperature float64
	MaxTokens   int

	// Fallbacks is the ordered model substitution chain tried when the
	// primary model is unavailable or keeps producing degenerate output.
	Fallbacks []string
}

// String renders the config with the key redacted.
func (c ProviderConfig) String() string {
	key := ""
	if c.APIKey != "" {
		key = "***"
	}
	return "ProviderConfig{provider=" + string(c.Provider) + ", model=" + c.Model +
		", base_url=" + c.BaseURL + ", api_key=" + key + "}"
}

// WithModel returns a copy of the config targeting a different model.
func (c ProviderConfig) WithModel(model string) ProviderConfig {
	c.Model = model
	return c
}

// NormalizeBaseURL trims whitespace, wrapping quotes and trailing slashes,
// and defaults the scheme to https.
func NormalizeBaseURL(url string) string {
	u := strings.TrimRight(strings.TrimSpace(url), "/")
	if len(u) >= 2 {
		if (u[0] == '"' && u[len(u)-1] == '"') || (u[0] == '\'' && u[len(u)-1] == '\'') {
			u = strings.TrimRight(strings.TrimSpace(u[1:len(u)-1]), "/")
		}
	}
	if u != "" && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		u = "https://" + strings.TrimLeft(u, "/")
	}
	return u
}

// trimQuotes strips a single layer of wrapping quotes from a model name.
// Pasted model identifiers often carry them.
func trimQuotes(s string) string {
	t := strings.TrimSpace(s)
	if len(t) >= 2 {
		if (t[0] == '"' && t[len(t)-1] == '"') || (t[0] == '\'' && t[len(t)-1] == '\'') {
			return strings.TrimSpace(t[1 : len(t)-1])
		}
	}
	return t
}

// isGoogleGenAIBase reports whether the base URL points at the Google
// Generative Language API. Any other base routes Gemini models through the
// OpenAI-compatible wire.
func isGoogleGenAIBase(baseURL string) bool {
	u := strings.ToLower(baseURL)
	return strings.Contains(u, "generativelanguage.googleapis.com") ||
		strings.Contains(u, "genai.googleapis.com")
}
