// Package gateway is the uniform client for language-model providers. It owns
// retry, backoff, wire fallback, model substitution, throttling and output
// sanitization so callers only ever see a completion or a classified error.
package gateway

import (
	"fmt"
	"strings"
)

// ConfigurationError indicates a missing or invalid provider configuration
// (no API key, no model). It is never retried.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "provider configuration error: " + e.Reason
}

// TransientProviderError indicates the provider kept failing with retryable
// errors (429/5xx/timeout/empty completion) until attempts were exhausted.
type TransientProviderError struct {
	Provider string
	Code     string
	Detail   string
	Attempts int
}

func (e *TransientProviderError) Error() string {
	msg := fmt.Sprintf("%s provider failed after %d attempts: %s", e.Provider, e.Attempts, e.Code)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// ModelUnavailableError indicates the requested model and every fallback in
// the chain were rejected by the provider.
type ModelUnavailableError struct {
	Provider string
	Tried    []string
	Last     error
}

func (e *ModelUnavailableError) Error() string {
	msg := fmt.Sprintf("%s has no available model (tried %s)", e.Provider, strings.Join(e.Tried, ", "))
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

func (e *ModelUnavailableError) Unwrap() error { return e.Last }

// callError is the classified outcome of one provider attempt. The retry and
// fallback loops branch on the flags, never on raw status codes.
type callError struct {
	code        string
	detail      string
	transient   bool
	unavailable bool
}

func (e *callError) Error() string {
	if e.detail != "" {
		return e.code + ":" + e.detail
	}
	return e.code
}

// errScore ranks candidate-endpoint errors so the most actionable one wins.
// A trailing 404 from probing the alternate wire must not mask a prior 502
// with a real detail message.
func errScore(e *callError) int {
	if e == nil {
		return -1
	}
	switch {
	case e.code == "http_404":
		return 0
	case e.code == "non_json_response":
		return 10
	case e.code == "bad_json":
		return 20
	case e.code == "bad_response":
		return 25
	case e.code == "empty_completion":
		return 30
	case e.code == "timeout" || e.code == "network_error":
		return 80
	case strings.HasPrefix(e.code, "http_"):
		return 90
	}
	return 40
}

// transientStatus is the set of HTTP statuses treated as retryable.
var transientStatus = map[int]bool{
	408: true, 409: true, 425: true, 429: true,
	500: true, 502: true, 503: true, 504: true,
}

// unavailableMarkers are provider error fragments that signal "this model
// cannot be served here" rather than a transient fault. Seen from One-API
// style distributors and OpenAI-compatible gateways.
var unavailableMarkers = []string{
	"no available channel",
	"model_not_found",
	"does not exist",
	"无可用渠道",
}

func looksModelUnavailable(detail string) bool {
	d := strings.ToLower(detail)
	for _, m := range unavailableMarkers {
		if strings.Contains(d, m) {
			return true
		}
	}
	return false
}
