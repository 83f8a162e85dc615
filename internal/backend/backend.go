// Package backend defines the uniform execution contract that all provider
// transports satisfy, plus shared HTTP plumbing and the backend registry.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"

	gateway "github.com/eugener/mithril/internal"
)

// ErrStreamingUnsupported is returned by ExecuteStream when the transport has
// no native streaming path. The stream manager falls back to buffered
// execution with simulated chunking.
var ErrStreamingUnsupported = errors.New("backend: streaming not supported")

// Backend is a transport-specific adapter for one configured provider.
// Implementations are safe for concurrent use; each Execute call is
// independent.
type Backend interface {
	// Name returns the provider instance identifier.
	Name() string

	// Kind returns the transport kind ("http" or "cli").
	Kind() gateway.TransportKind

	// Execute runs the request to completion and returns a uniform Result.
	// Transport failures are reported in Result.Err, never panics.
	Execute(ctx context.Context, req *gateway.Request) *gateway.Result

	// ExecuteStream runs the request and delivers chunks on the returned
	// channel, closed after the final chunk. Returns
	// ErrStreamingUnsupported when the transport cannot stream natively.
	ExecuteStream(ctx context.Context, req *gateway.Request) (<-chan gateway.Chunk, error)

	// HealthCheck verifies the provider is reachable. Cheap; called
	// periodically by the dispatcher's health loop.
	HealthCheck(ctx context.Context) error

	// Shutdown releases transport resources (idle connections, processes).
	Shutdown()
}

// APIError represents an error response from an upstream provider API.
// It satisfies the httpStatusError interface used for retry classification.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

// Error returns a formatted error string including provider, status, and body.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// HTTPStatus returns the HTTP status code for classification decisions.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// ParseAPIError reads up to 4KB from the response body and returns an APIError.
func ParseAPIError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{Provider: provider, StatusCode: resp.StatusCode, Body: string(body)}
}

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching. Set forceHTTP2 to true for remote HTTPS APIs, false
// for local HTTP/1.1 servers.
func NewTransport(resolver *dnscache.Resolver, forceHTTP2 bool) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   forceHTTP2,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}
