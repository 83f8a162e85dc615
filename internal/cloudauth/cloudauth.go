// Package cloudauth provides http.RoundTripper decorators that attach
// upstream credentials: static API key headers for directly hosted
// providers and auto-refreshed GCP OAuth bearer tokens for Vertex-hosted
// ones.
package cloudauth

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// APIKeyTransport injects a static credential header on every outbound
// request. HeaderName names the header ("Authorization", "x-api-key");
// Prefix, when set, is prepended to the key ("Bearer ").
type APIKeyTransport struct {
	Key        string
	HeaderName string
	Prefix     string
	Base       http.RoundTripper
}

func (t *APIKeyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	return send(fallback(t.Base), r, t.HeaderName, t.Prefix+t.Key)
}

// GCPTokenTransport signs every request with an OAuth2 bearer token minted
// from Application Default Credentials. The token source caches and
// refreshes transparently.
type GCPTokenTransport struct {
	Base   http.RoundTripper
	source oauth2.TokenSource
}

// NewGCPTokenTransport resolves ADC for the given scopes and returns the
// signing transport. Fails when no credentials are discoverable.
func NewGCPTokenTransport(ctx context.Context, base http.RoundTripper, scopes ...string) (*GCPTokenTransport, error) {
	creds, err := google.FindDefaultCredentials(ctx, scopes...)
	if err != nil {
		return nil, fmt.Errorf("cloudauth: resolve GCP credentials: %w", err)
	}
	return &GCPTokenTransport{
		Base:   base,
		source: oauth2.ReuseTokenSource(nil, creds.TokenSource),
	}, nil
}

// newGCPTokenTransportWithSource bypasses ADC resolution for tests.
func newGCPTokenTransportWithSource(base http.RoundTripper, ts oauth2.TokenSource) *GCPTokenTransport {
	return &GCPTokenTransport{Base: base, source: oauth2.ReuseTokenSource(nil, ts)}
}

func (t *GCPTokenTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	tok, err := t.source.Token()
	if err != nil {
		return nil, fmt.Errorf("cloudauth: mint GCP token: %w", err)
	}
	return send(fallback(t.Base), r, "Authorization", "Bearer "+tok.AccessToken)
}

// send forwards a clone of the request with the credential header set. The
// RoundTripper contract forbids mutating the caller's request.
func send(next http.RoundTripper, r *http.Request, header, value string) (*http.Response, error) {
	r2 := r.Clone(r.Context())
	r2.Header.Set(header, value)
	return next.RoundTrip(r2)
}

func fallback(rt http.RoundTripper) http.RoundTripper {
	if rt != nil {
		return rt
	}
	return http.DefaultTransport
}
