// Package httpapi implements the HTTP transport backend. One Backend per
// configured provider; the wire format is selected by dialect detection on
// the provider name and base URL.
package httpapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/dnscache"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/backend"
	"github.com/eugener/mithril/internal/cloudauth"
	"github.com/eugener/mithril/internal/tokencount"
)

const maxResponseBody = 1 << 20 // 1MB

// Config carries the provider settings the HTTP backend needs.
type Config struct {
	Name      string
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
	Dialect   Dialect // empty = detect from Name/BaseURL
	// Transport overrides the default pooled transport. Used to layer
	// auth round-trippers (e.g. GCP OAuth) over the shared DNS cache.
	Transport http.RoundTripper
}

// Backend is an HTTP API provider adapter implementing backend.Backend.
type Backend struct {
	name      string
	dialect   Dialect
	baseURL   string
	apiKey    string
	model     string
	maxTokens int
	timeout   atomic.Int64 // nanoseconds; raisable at runtime
	http      *http.Client
}

var _ backend.Backend = (*Backend)(nil)

// New creates an HTTP Backend with a tuned client. If resolver is non-nil,
// DNS lookups are cached across requests.
func New(cfg Config, resolver *dnscache.Resolver) *Backend {
	dialect := cfg.Dialect
	if dialect == "" {
		dialect = DetectDialect(cfg.Name, cfg.BaseURL)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	transport := cfg.Transport
	if transport == nil {
		transport = backend.NewTransport(resolver, true)
	}
	// Header-carried API keys ride an auth round-tripper so the codec layer
	// stays credential-free.
	if header, prefix, ok := dialect.authHeader(); ok && cfg.APIKey != "" {
		transport = &cloudauth.APIKeyTransport{
			Key:        cfg.APIKey,
			HeaderName: header,
			Prefix:     prefix,
			Base:       transport,
		}
	}
	b := &Backend{
		name:      cfg.Name,
		dialect:   dialect,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		maxTokens: maxTokens,
		http:      &http.Client{Transport: transport},
	}
	b.timeout.Store(int64(cfg.Timeout))
	return b
}

// RaiseTimeout bumps the per-call timeout if d is larger than the current
// value. Used by the retry executor for providers whose rate limits need a
// longer window.
func (b *Backend) RaiseTimeout(d time.Duration) {
	for {
		cur := b.timeout.Load()
		// cur == 0 means unbounded; never constrain it.
		if cur == 0 || int64(d) <= cur {
			return
		}
		if b.timeout.CompareAndSwap(cur, int64(d)) {
			return
		}
	}
}

// Name returns the provider instance identifier.
func (b *Backend) Name() string { return b.name }

// Kind returns the HTTP transport kind.
func (b *Backend) Kind() gateway.TransportKind { return gateway.TransportHTTP }

// Dialect returns the detected wire format.
func (b *Backend) Dialect() Dialect { return b.dialect }

// Execute runs a buffered completion request against the upstream API.
func (b *Backend) Execute(ctx context.Context, req *gateway.Request) *gateway.Result {
	start := time.Now()
	fail := func(err error) *gateway.Result {
		return &gateway.Result{Err: err, Latency: time.Since(start)}
	}

	resp, err := b.do(ctx, req.Message, false)
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fail(backend.ParseAPIError(b.name, resp))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fail(fmt.Errorf("%s: read response: %w", b.name, err))
	}

	c := codecs[b.dialect]
	text := c.text(body)
	tokens := c.tokens(body)
	if tokens == 0 && text != "" {
		tokens = tokencount.Estimate(req.Message) + tokencount.Estimate(text)
	}

	return &gateway.Result{
		Success: true,
		Text:    text,
		Tokens:  tokens,
		Latency: time.Since(start),
		Metadata: map[string]any{
			"model":   b.model,
			"dialect": string(b.dialect),
		},
	}
}

// HealthCheck pings an idempotent upstream endpoint. The Anthropic API has
// no cheap unauthenticated endpoint, so configured credentials count as
// healthy there.
func (b *Backend) HealthCheck(ctx context.Context) error {
	var u string
	switch b.dialect {
	case DialectAnthropic:
		if b.apiKey == "" {
			return fmt.Errorf("%s: no credentials configured", b.name)
		}
		return nil
	case DialectGemini:
		u = b.baseURL + "/models"
	default:
		u = b.baseURL + "/models"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", b.name, err)
	}
	codecs[b.dialect].headers(httpReq.Header)

	resp, err := b.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", b.name, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%s: health check: HTTP %d", b.name, resp.StatusCode)
	}
	return nil
}

// Shutdown closes idle connections in the pool.
func (b *Backend) Shutdown() {
	b.http.CloseIdleConnections()
}

// do builds and issues the dialect-specific completion request. The caller
// owns the response body.
func (b *Backend) do(ctx context.Context, message string, stream bool) (*http.Response, error) {
	if timeout := time.Duration(b.timeout.Load()); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		// The timer must outlive this call for streaming reads; tie it to
		// request context teardown instead.
		context.AfterFunc(ctx, cancel)
	}

	c := codecs[b.dialect]
	payload, err := c.payload(message, b.model, b.maxTokens, stream)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", b.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint(b.baseURL, b.model, b.apiKey), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", b.name, err)
	}
	c.headers(httpReq.Header)
	if stream {
		httpReq.Header.Set("accept", "text/event-stream")
	}

	resp, err := b.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: do request: %w", b.name, err)
	}
	return resp, nil
}
