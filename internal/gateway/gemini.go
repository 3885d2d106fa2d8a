package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// geminiWire speaks the Google Generative Language generateContent API.
// Gemini models behind non-Google base URLs are served by OpenAI-compatible
// gateways instead, so this wire only ever sees Google genai hosts.
type geminiWire struct {
	httpClient *http.Client
}

func (w *geminiWire) name() string { return "gemini" }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	Contents          []geminiContent        `json:"contents"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (w *geminiWire) complete(ctx context.Context, cfg ProviderConfig, system, user string, maxTokens int) (string, *callError) {
	base := NormalizeBaseURL(cfg.BaseURL)
	if base == "" {
		base = "https://generativelanguage.googleapis.com"
	}
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		base, url.PathEscape(cfg.Model), url.QueryEscape(cfg.APIKey))

	payload := geminiRequest{
		SystemInstruction: &geminiContent{Parts: []geminiPart{{Text: system}}},
		Contents:          []geminiContent{{Role: "user", Parts: []geminiPart{{Text: user}}}},
		GenerationConfig: geminiGenerationConfig{
			Temperature:     cfg.Temperature,
			MaxOutputTokens: maxTokens,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", &callError{code: "bad_request", detail: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", &callError{code: "bad_request", detail: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil || isTimeout(err) {
			return "", &callError{code: "timeout", transient: true}
		}
		return "", &callError{code: "network_error", detail: clipDetail(err.Error()), transient: true}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &callError{code: "network_error", detail: clipDetail(err.Error()), transient: true}
	}

	if resp.StatusCode >= 400 {
		ctype := strings.ToLower(resp.Header.Get("Content-Type"))
		detail := extractGeminiErrDetail(ctype, raw)
		return "", &callError{
			code:        fmt.Sprintf("http_%d", resp.StatusCode),
			detail:      detail,
			transient:   transientStatus[resp.StatusCode],
			unavailable: resp.StatusCode == http.StatusNotFound || looksModelUnavailable(detail),
		}
	}

	var parsed geminiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", &callError{code: "bad_json"}
	}
	if len(parsed.Candidates) == 0 {
		return "", &callError{code: "bad_response", detail: "no candidates"}
	}

	var sb strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	content := sb.String()
	if strings.TrimSpace(content) == "" {
		return "", &callError{code: "empty_completion", transient: true}
	}
	return content, nil
}

func extractGeminiErrDetail(ctype string, raw []byte) string {
	var parsed geminiResponse
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error != nil {
		if msg := strings.TrimSpace(parsed.Error.Message); msg != "" {
			return clipDetail(msg)
		}
	}
	if strings.Contains(ctype, "text/html") || looksLikeHTML(raw) {
		return "html_error_page"
	}
	return clipDetail(string(raw))
}
