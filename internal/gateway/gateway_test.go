package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig(baseURL string) ProviderConfig {
	return ProviderConfig{
		Provider:    ProviderOpenAI,
		Model:       "test-model",
		BaseURL:     baseURL,
		APIKey:      "sk-test",
		Temperature: 0.7,
		MaxTokens:   256,
	}
}

func newTestGateway() *Gateway {
	return New(Options{MaxAttempts: 3, CallTimeout: 5 * time.Second, DisableBackoff: true})
}

func chatOK(content string) string {
	return fmt.Sprintf(`{"choices":[{"index":0,"message":{"role":"assistant","content":%q},"finish_reason":"stop"}]}`, content)
}

func TestCompleteRetriesTransient(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		if n <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"error":{"message":"overloaded"}}`)
			return
		}
		fmt.Fprint(w, chatOK("hello"))
	}))
	defer server.Close()

	g := newTestGateway()
	got, err := g.Complete(context.Background(), testConfig(server.URL), Request{System: "s", User: "u"})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got != "hello" {
		t.Fatalf("unexpected content: %q", got)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestCompleteExhaustsTransientRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"error":{"message":"upstream error"}}`)
	}))
	defer server.Close()

	g := newTestGateway()
	_, err := g.Complete(context.Background(), testConfig(server.URL), Request{System: "s", User: "u"})
	var te *TransientProviderError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransientProviderError, got %v", err)
	}
	if te.Code != "http_502" {
		t.Fatalf("unexpected code: %s", te.Code)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestCompleteWireCandidateFallback(t *testing.T) {
	// Gateway wants POST /chat/completions without the version segment.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, "not found")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, chatOK("routed"))
	}))
	defer server.Close()

	g := newTestGateway()
	got, err := g.Complete(context.Background(), testConfig(server.URL), Request{System: "s", User: "u"})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got != "routed" {
		t.Fatalf("unexpected content: %q", got)
	}
}

func TestCompleteModelFallbackChain(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		if req.Model == "primary" {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":{"message":"no available channel for model primary","code":"model_not_found"}}`)
			return
		}
		fmt.Fprint(w, chatOK("from fallback"))
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.Model = "primary"
	cfg.Fallbacks = []string{"backup"}

	g := newTestGateway()
	got, err := g.Complete(context.Background(), cfg, Request{System: "s", User: "u"})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got != "from fallback" {
		t.Fatalf("unexpected content: %q", got)
	}
}

func TestCompleteModelUnavailableExhaustsChain(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"message":"no available channel"}}`)
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.Fallbacks = []string{"backup-a", "backup-b"}

	g := newTestGateway()
	_, err := g.Complete(context.Background(), cfg, Request{System: "s", User: "u"})
	var me *ModelUnavailableError
	if !errors.As(err, &me) {
		t.Fatalf("expected ModelUnavailableError, got %v", err)
	}
	if len(me.Tried) != 3 {
		t.Fatalf("expected 3 tried models, got %v", me.Tried)
	}
}

func TestCompleteAuthFailsImmediately(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"invalid api key"}}`)
	}))
	defer server.Close()

	g := newTestGateway()
	_, err := g.Complete(context.Background(), testConfig(server.URL), Request{System: "s", User: "u"})
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call, got %d", calls)
	}
}

func TestCompleteMissingKey(t *testing.T) {
	g := newTestGateway()
	cfg := testConfig("https://example.invalid")
	cfg.APIKey = ""
	_, err := g.Complete(context.Background(), cfg, Request{System: "s", User: "u"})
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if !strings.Contains(ce.Reason, "missing_api_key") {
		t.Fatalf("unexpected reason: %s", ce.Reason)
	}
}

func TestCompleteSanitizesHTMLErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "<html><head><title>502 Bad Gateway</title></head><body>nginx</body></html>")
	}))
	defer server.Close()

	g := newTestGateway()
	_, err := g.Complete(context.Background(), testConfig(server.URL), Request{System: "s", User: "u"})
	var te *TransientProviderError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransientProviderError, got %v", err)
	}
	if te.Detail != "html_error_page" {
		t.Fatalf("expected sanitized detail, got %q", te.Detail)
	}
}

func TestCompleteEmptyCompletionRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			fmt.Fprint(w, chatOK("  "))
			return
		}
		fmt.Fprint(w, chatOK("second try"))
	}))
	defer server.Close()

	g := newTestGateway()
	got, err := g.Complete(context.Background(), testConfig(server.URL), Request{System: "s", User: "u"})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got != "second try" {
		t.Fatalf("unexpected content: %q", got)
	}
}

func TestCompleteResponsesWire(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/responses") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"output":[{"type":"message","content":[{"type":"output_text","text":"via responses"}]}]}`)
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.WireAPI = WireResponses

	g := newTestGateway()
	got, err := g.Complete(context.Background(), cfg, Request{System: "s", User: "u"})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got != "via responses" {
		t.Fatalf("unexpected content: %q", got)
	}
}

func TestBuildEndpointsNeverDuplicatesVersion(t *testing.T) {
	for _, base := range []string{
		"https://host/v1",
		"https://host",
		"https://host/",
	} {
		for _, ep := range buildEndpoints(base, WireChatCompletions) {
			if strings.Contains(ep.url, "/v1/v1") {
				t.Fatalf("base %q produced %q", base, ep.url)
			}
		}
	}

	eps := buildEndpoints("https://host/v1", WireChatCompletions)
	if eps[0].url != "https://host/v1/chat/completions" {
		t.Fatalf("unexpected first candidate: %s", eps[0].url)
	}
}

func TestStripReasoning(t *testing.T) {
	in := "<think>secret chain of thought</think># Chapter 1\n\nText."
	got := StripReasoning(in)
	if strings.Contains(got, "secret") {
		t.Fatalf("reasoning block leaked: %q", got)
	}
	if !strings.HasPrefix(got, "# Chapter 1") {
		t.Fatalf("content damaged: %q", got)
	}
}

func TestNormalizeBaseURL(t *testing.T) {
	cases := map[string]string{
		`"https://host/v1/"`: "https://host/v1",
		"host.example.com":   "https://host.example.com",
		" https://host/ ":    "https://host",
	}
	for in, want := range cases {
		if got := NormalizeBaseURL(in); got != want {
			t.Fatalf("NormalizeBaseURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestProviderConfigRedactsKey(t *testing.T) {
	cfg := testConfig("https://host")
	if strings.Contains(cfg.String(), "sk-test") {
		t.Fatalf("api key leaked: %s", cfg.String())
	}
}

func TestLimiterCapsInFlight(t *testing.T) {
	l := newLimiter(2, 0)
	ctx := context.Background()
	if err := l.acquire(ctx); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if err := l.acquire(ctx); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	blockedCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := l.acquire(blockedCtx); err == nil {
		t.Fatalf("expected third acquire to block until timeout")
	}

	l.release()
	if err := l.acquire(ctx); err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
}
