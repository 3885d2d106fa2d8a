// Package config provides configuration for the run engine.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the server configuration. Provider API keys live here and are
// never persisted or echoed through the API.
type Config struct {
	// Server settings
	HTTPPort int

	// Database
	DatabaseURL string

	// Provider defaults
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	OpenAIModel     string
	OpenAIFallbacks []string

	GeminiAPIKey    string
	GeminiBaseURL   string
	GeminiModel     string
	GeminiFallbacks []string

	// Gateway knobs
	LLMMaxAttempts int
	LLMCallTimeout time.Duration
	LLMMaxInFlight int
	LLMMinSpacing  time.Duration

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		HTTPPort:    getEnvInt("HTTP_PORT", 8080),
		DatabaseURL: getEnv("DATABASE_URL", "file:storyforge.db?cache=shared&mode=rwc"),

		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:   getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:     getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIFallbacks: getEnvList("OPENAI_FALLBACK_MODELS"),

		GeminiAPIKey:    getEnv("GEMINI_API_KEY", ""),
		GeminiBaseURL:   getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com"),
		GeminiModel:     getEnv("GEMINI_MODEL", "gemini-1.5-flash"),
		GeminiFallbacks: getEnvList("GEMINI_FALLBACK_MODELS"),

		LLMMaxAttempts: getEnvInt("LLM_MAX_ATTEMPTS", 3),
		LLMCallTimeout: time.Duration(getEnvInt("LLM_TIMEOUT_MS", 75000)) * time.Millisecond,
		LLMMaxInFlight: getEnvInt("LLM_MAX_IN_FLIGHT", 4),
		LLMMinSpacing:  time.Duration(getEnvInt("LLM_MIN_SPACING_MS", 0)) * time.Millisecond,

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

// getEnvList parses a comma-separated list, dropping empty entries.
func getEnvList(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
