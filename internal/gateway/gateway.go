package gateway

import (
	"context"
	"log"
	"math/rand"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Request is one completion request against the provider configured in the
// run's snapshot.
type Request struct {
	System string
	User   string

	// Model overrides the configured model when set. Agents use this for
	// their own one-shot fallback retries.
	Model string
	// MaxTokens overrides the configured output budget when > 0.
	MaxTokens int
}

// Completer is the capability agents consume.
type Completer interface {
	Complete(ctx context.Context, cfg ProviderConfig, req Request) (string, error)
}

// Options tune the gateway's failure handling.
type Options struct {
	MaxAttempts    int           // transient retries per model, default 3
	CallTimeout    time.Duration // per-attempt timeout, default 75s
	BackoffBase    time.Duration // default 800ms, doubles per attempt
	MaxInFlight    int           // per-provider in-flight cap, default 4
	MinSpacing     time.Duration // per-provider minimum request spacing
	DisableBackoff bool          // tests only
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 75 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 800 * time.Millisecond
	}
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = 4
	}
	return o
}

// Gateway is the uniform model-provider client. Safe for concurrent use by
// any number of runs.
type Gateway struct {
	opts   Options
	openai *openAIWire
	gemini *geminiWire

	mu       sync.Mutex
	limiters map[string]*limiter
}

var _ Completer = (*Gateway)(nil)

// New creates a gateway with a shared HTTP client.
func New(opts Options) *Gateway {
	opts = opts.withDefaults()
	httpClient := &http.Client{Timeout: opts.CallTimeout}
	return &Gateway{
		opts:     opts,
		openai:   &openAIWire{httpClient: httpClient},
		gemini:   &geminiWire{httpClient: httpClient},
		limiters: make(map[string]*limiter),
	}
}

// providerWire is the polymorphic provider capability: one classified attempt.
type providerWire interface {
	name() string
	complete(ctx context.Context, cfg ProviderConfig, system, user string, maxTokens int) (string, *callError)
}

func (g *Gateway) wireFor(cfg ProviderConfig) providerWire {
	if cfg.Provider == ProviderGemini && isGoogleGenAIBase(cfg.BaseURL) {
		return g.gemini
	}
	// Gemini models behind non-Google bases are OpenAI-compatible gateways.
	return g.openai
}

func (g *Gateway) limiterFor(cfg ProviderConfig) *limiter {
	key := string(cfg.Provider) + "|" + NormalizeBaseURL(cfg.BaseURL)
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[key]
	if !ok {
		l = newLimiter(g.opts.MaxInFlight, g.opts.MinSpacing)
		g.limiters[key] = l
	}
	return l
}

// Complete performs one logical completion: bounded transient retries with
// backoff on the primary model, then one try per entry of the fallback chain.
// The returned error is always one of the classified gateway error types.
func (g *Gateway) Complete(ctx context.Context, cfg ProviderConfig, req Request) (string, error) {
	if cfg.APIKey == "" {
		return "", &ConfigurationError{Reason: "missing_api_key_for_provider:" + string(cfg.Provider)}
	}
	model := trimQuotes(cfg.Model)
	if req.Model != "" {
		model = trimQuotes(req.Model)
	}
	if model == "" {
		return "", &ConfigurationError{Reason: "missing_model_for_provider:" + string(cfg.Provider)}
	}

	maxTokens := cfg.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	models := []string{model}
	for _, fb := range cfg.Fallbacks {
		fb = trimQuotes(fb)
		if fb != "" && fb != model {
			models = append(models, fb)
		}
	}

	wire := g.wireFor(cfg)
	lim := g.limiterFor(cfg)

	var lastErr *callError
	sawUnavailable := false
	attemptsUsed := 0

	for i, m := range models {
		attempts := g.opts.MaxAttempts
		if i > 0 {
			// Fallback entries get a single try each.
			attempts = 1
		}

		content, cerr, used := g.completeModel(ctx, wire, lim, cfg.WithModel(m), req.System, req.User, maxTokens, attempts)
		attemptsUsed += used
		switch {
		case cerr == nil:
			return content, nil
		case cerr.unavailable:
			sawUnavailable = true
			lastErr = cerr
			log.Printf("WARN: model %s unavailable on %s, trying next fallback", m, wire.name())
			continue
		case cerr.transient:
			lastErr = cerr
			continue
		default:
			// Auth and malformed-request failures are not retried and do not
			// consume the fallback chain.
			if cerr.code == "http_401" || cerr.code == "http_403" {
				return "", &ConfigurationError{Reason: cerr.Error()}
			}
			return "", &TransientProviderError{
				Provider: string(cfg.Provider),
				Code:     cerr.code,
				Detail:   cerr.detail,
				Attempts: attemptsUsed,
			}
		}
	}

	if sawUnavailable {
		return "", &ModelUnavailableError{Provider: string(cfg.Provider), Tried: models, Last: lastErr}
	}
	code, detail := "provider_failed", ""
	if lastErr != nil {
		code, detail = lastErr.code, lastErr.detail
	}
	return "", &TransientProviderError{
		Provider: string(cfg.Provider),
		Code:     code,
		Detail:   detail,
		Attempts: attemptsUsed,
	}
}

// completeModel runs the bounded retry loop for a single model.
func (g *Gateway) completeModel(ctx context.Context, wire providerWire, lim *limiter, cfg ProviderConfig, system, user string, maxTokens, attempts int) (string, *callError, int) {
	var last *callError
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.acquire(ctx); err != nil {
			return "", &callError{code: "timeout", detail: err.Error(), transient: true}, attempt - 1
		}

		callCtx, cancel := context.WithTimeout(ctx, g.opts.CallTimeout)
		content, cerr := wire.complete(callCtx, cfg, system, user, maxTokens)
		cancel()
		lim.release()

		if cerr == nil {
			content = StripReasoning(content)
			if content != "" {
				return content, nil, attempt
			}
			// The whole completion was a reasoning block.
			cerr = &callError{code: "empty_completion", transient: true}
		}

		last = cerr
		if !cerr.transient || cerr.unavailable || ctx.Err() != nil {
			return "", cerr, attempt
		}
		if attempt < attempts {
			g.backoff(ctx, attempt)
		}
	}
	return "", last, attempts
}

// backoff sleeps 0.8s * 2^(attempt-1) plus up to 200ms of jitter.
func (g *Gateway) backoff(ctx context.Context, attempt int) {
	if g.opts.DisableBackoff {
		return
	}
	d := g.opts.BackoffBase * time.Duration(1<<(attempt-1))
	d += time.Duration(rand.Int63n(int64(200 * time.Millisecond)))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

var reasoningBlockRe = regexp.MustCompile(`(?s)<(think|thinking|reasoning)>.*?</(think|thinking|reasoning)>`)

// StripReasoning removes delimited internal-reasoning blocks so hidden
// chain-of-thought is never persisted or exported.
func StripReasoning(content string) string {
	return strings.TrimSpace(reasoningBlockRe.ReplaceAllString(content, ""))
}
