package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

// chatMessage is one message of a chat-completions request.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatCompletionRequest is the OpenAI chat-completions request body.
type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// chatCompletionResponse is the subset of the response the gateway reads.
type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// responsesRequest is the OpenAI responses-API request body.
type responsesRequest struct {
	Model           string  `json:"model"`
	Instructions    string  `json:"instructions,omitempty"`
	Input           string  `json:"input"`
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"max_output_tokens,omitempty"`
}

// responsesResponse is the subset of the responses-API reply the gateway reads.
type responsesResponse struct {
	OutputText string `json:"output_text,omitempty"`
	Output     []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
}

type apiErrorBody struct {
	Error *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
	Detail string `json:"detail"`
}

// endpoint is one candidate URL together with the wire shape it expects.
type endpoint struct {
	url  string
	wire WireAPI
}

// wirePaths maps a wire API to its endpoint path.
var wirePaths = map[WireAPI]string{
	WireChatCompletions: "chat/completions",
	WireResponses:       "responses",
}

// buildEndpoints composes the candidate endpoint list for a base URL.
// OpenAI-compatible gateways disagree about whether the version segment lives
// in the base URL, so both placements are tried without ever producing /v1/v1.
// Endpoints for the configured wire come first; the alternate wire follows so
// a wire-shape mismatch (404 on every preferred candidate) still finds a
// working endpoint within a single attempt.
func buildEndpoints(baseURL string, wire WireAPI) []endpoint {
	if wire != WireResponses {
		wire = WireChatCompletions
	}
	alternate := WireResponses
	if wire == WireResponses {
		alternate = WireChatCompletions
	}

	b := NormalizeBaseURL(baseURL)
	bases := []string{b}
	if strings.HasSuffix(b, "/v1") {
		bases = append(bases, strings.TrimSuffix(b, "/v1"))
	}

	var out []endpoint
	seen := map[string]bool{}
	add := func(url string, w WireAPI) {
		if url == "" || seen[url] {
			return
		}
		seen[url] = true
		out = append(out, endpoint{url: url, wire: w})
	}
	for _, w := range []WireAPI{wire, alternate} {
		path := wirePaths[w]
		for _, bb := range bases {
			if bb == "" {
				continue
			}
			if strings.HasSuffix(bb, "/v1") {
				add(bb+"/"+path, w)
			} else {
				add(bb+"/v1/"+path, w)
				add(bb+"/"+path, w)
			}
		}
	}
	return out
}

// wireMismatch reports whether an error indicates the endpoint shape is
// wrong for this gateway (wrong path or wrong wire API), which is the only
// class that justifies probing the next candidate endpoint.
func wireMismatch(e *callError) bool {
	switch e.code {
	case "http_404", "non_json_response", "bad_json", "bad_response":
		return true
	}
	return false
}

// openAIWire speaks the OpenAI-compatible HTTP wire for one attempt. The
// attempt walks candidate endpoints while they look wire-incompatible,
// keeping the most actionable error, before the gateway decides whether to
// back off and retry.
type openAIWire struct {
	httpClient *http.Client
}

func (w *openAIWire) name() string { return "openai" }

func (w *openAIWire) complete(ctx context.Context, cfg ProviderConfig, system, user string, maxTokens int) (string, *callError) {
	candidates := buildEndpoints(cfg.BaseURL, cfg.WireAPI)

	var best *callError
	hadTransient := false
	hadUnavailable := false
	record := func(e *callError) {
		hadTransient = hadTransient || e.transient
		hadUnavailable = hadUnavailable || e.unavailable
		if best == nil || errScore(e) >= errScore(best) {
			best = e
		}
	}

	for _, ep := range candidates {
		body, cerr := w.encodeRequest(ep.wire, cfg, system, user, maxTokens)
		if cerr != nil {
			record(cerr)
			continue
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.url, bytes.NewReader(body))
		if err != nil {
			record(&callError{code: "bad_request", detail: err.Error()})
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)

		resp, err := w.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return "", &callError{code: "timeout", detail: ctx.Err().Error(), transient: true}
			}
			if errors.Is(err, os.ErrDeadlineExceeded) || isTimeout(err) {
				record(&callError{code: "timeout", transient: true})
			} else {
				record(&callError{code: "network_error", detail: clipDetail(err.Error()), transient: true})
			}
			break
		}

		content, cerr := w.decodeResponse(ep.wire, resp)
		if cerr == nil {
			return content, nil
		}
		record(cerr)
		if !wireMismatch(cerr) {
			// The endpoint shape is fine; the provider itself failed. Stop
			// probing alternates and let the gateway's retry loop decide.
			break
		}
	}

	if best == nil {
		best = &callError{code: "no_endpoint"}
	}
	best.transient = best.transient || hadTransient
	best.unavailable = best.unavailable || hadUnavailable
	return "", best
}

func (w *openAIWire) encodeRequest(wire WireAPI, cfg ProviderConfig, system, user string, maxTokens int) ([]byte, *callError) {
	var payload any
	if wire == WireResponses {
		payload = responsesRequest{
			Model:           cfg.Model,
			Instructions:    system,
			Input:           user,
			Temperature:     cfg.Temperature,
			MaxOutputTokens: maxTokens,
		}
	} else {
		payload = chatCompletionRequest{
			Model: cfg.Model,
			Messages: []chatMessage{
				{Role: "system", Content: system},
				{Role: "user", Content: user},
			},
			Temperature: cfg.Temperature,
			MaxTokens:   maxTokens,
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &callError{code: "bad_request", detail: err.Error()}
	}
	return body, nil
}

func (w *openAIWire) decodeResponse(wire WireAPI, resp *http.Response) (string, *callError) {
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &callError{code: "network_error", detail: clipDetail(err.Error()), transient: true}
	}

	ctype := strings.ToLower(resp.Header.Get("Content-Type"))

	if resp.StatusCode == http.StatusNotFound {
		detail := extractErrDetail(ctype, raw)
		return "", &callError{code: "http_404", detail: detail, unavailable: looksModelUnavailable(detail)}
	}
	if resp.StatusCode >= 400 {
		detail := extractErrDetail(ctype, raw)
		cerr := &callError{
			code:        fmt.Sprintf("http_%d", resp.StatusCode),
			detail:      detail,
			transient:   transientStatus[resp.StatusCode],
			unavailable: looksModelUnavailable(detail),
		}
		return "", cerr
	}

	if !strings.Contains(ctype, "application/json") {
		// Some gateways serve an HTML landing page at the root.
		return "", &callError{code: "non_json_response"}
	}

	var content string
	if wire == WireResponses {
		var parsed responsesResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return "", &callError{code: "bad_json"}
		}
		content = parsed.OutputText
		if content == "" {
			for _, item := range parsed.Output {
				if item.Type != "message" {
					continue
				}
				for _, c := range item.Content {
					if c.Type == "output_text" {
						content += c.Text
					}
				}
			}
		}
	} else {
		var parsed chatCompletionResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return "", &callError{code: "bad_json"}
		}
		if len(parsed.Choices) == 0 {
			return "", &callError{code: "bad_response", detail: "no choices"}
		}
		content = parsed.Choices[0].Message.Content
	}

	if strings.TrimSpace(content) == "" {
		return "", &callError{code: "empty_completion", transient: true}
	}
	return content, nil
}

// extractErrDetail pulls the most useful message out of an error body.
// HTML bodies collapse to a short stable marker so gateway error pages never
// flood the trace.
func extractErrDetail(ctype string, raw []byte) string {
	if strings.Contains(ctype, "application/json") {
		var body apiErrorBody
		if err := json.Unmarshal(raw, &body); err == nil {
			if body.Error != nil && strings.TrimSpace(body.Error.Message) != "" {
				return clipDetail(body.Error.Message)
			}
			if strings.TrimSpace(body.Detail) != "" {
				return clipDetail(body.Detail)
			}
		}
	}
	if strings.Contains(ctype, "text/html") || looksLikeHTML(raw) {
		return "html_error_page"
	}
	return clipDetail(string(raw))
}

func looksLikeHTML(raw []byte) bool {
	head := strings.ToLower(strings.TrimSpace(string(raw[:min(len(raw), 256)])))
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html")
}

const maxDetailLen = 220

func clipDetail(s string) string {
	t := strings.TrimSpace(s)
	if len(t) <= maxDetailLen {
		return t
	}
	runes := []rune(t)
	if len(runes) > maxDetailLen-3 {
		runes = runes[:maxDetailLen-3]
	}
	return strings.TrimSpace(string(runes)) + "..."
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
