// Package auth implements API key authentication for the Mithril gateway.
// Keys are validated against the store and cached in a W-TinyLFU cache.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/config"
	"github.com/eugener/mithril/internal/storage"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000           // max concurrent active keys expected per deployment
)

// APIKeyAuth authenticates callers by API key, presented in the configured
// header or as a bearer token. Resolved keys are cached in an otter
// W-TinyLFU cache for fast lookups.
type APIKeyAuth struct {
	cfg         config.AuthConfig
	store       storage.APIKeyStore
	cache       *otter.Cache[string, *gateway.APIKey]
	keyIDToHash sync.Map // keyID -> hash for cache invalidation by key ID
}

var _ gateway.Authenticator = (*APIKeyAuth)(nil)

// NewAPIKeyAuth returns a new APIKeyAuth backed by store.
func NewAPIKeyAuth(cfg config.AuthConfig, store storage.APIKeyStore) (*APIKeyAuth, error) {
	c, err := otter.New(&otter.Options[string, *gateway.APIKey]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.APIKey](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &APIKeyAuth{cfg: cfg, store: store, cache: c}, nil
}

// Authenticate resolves the caller's identity. Loopback callers without a
// key are admitted when the loopback exemption is on; everyone else must
// present a valid, enabled key.
func (a *APIKeyAuth) Authenticate(ctx context.Context, r *http.Request) (*gateway.Identity, error) {
	if !a.cfg.Enabled {
		return &gateway.Identity{Loopback: true}, nil
	}

	raw := a.extractKey(r)
	if raw == "" {
		if a.cfg.AllowLoopback && isLoopback(r.RemoteAddr) {
			return &gateway.Identity{Loopback: true}, nil
		}
		return nil, gateway.ErrUnauthorized
	}

	hash := gateway.HashKey(raw)

	// Check cache first.
	if key, ok := a.cache.GetIfPresent(hash); ok {
		if key.Disabled {
			return nil, gateway.ErrKeyDisabled
		}
		return buildIdentity(key), nil
	}

	key, err := a.store.GetAPIKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.ErrUnauthorized
		}
		return nil, err
	}

	// Belt-and-suspenders: constant-time comparison of the stored hash against
	// the computed hash. The DB lookup already matched, but this guards against
	// hypothetical SQL collation or encoding surprises.
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, gateway.ErrUnauthorized
	}

	if key.Disabled {
		return nil, gateway.ErrKeyDisabled
	}

	a.cache.Set(hash, key)
	a.keyIDToHash.Store(key.ID, hash)

	// Touch last-used timestamp asynchronously.
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		a.store.TouchAPIKeyUsed(ctx, key.ID) //nolint:errcheck
	}()

	return buildIdentity(key), nil
}

// PublicPath reports whether the path skips authentication entirely.
func (a *APIKeyAuth) PublicPath(path string) bool {
	for _, p := range a.cfg.PublicPaths {
		if p == path {
			return true
		}
	}
	return false
}

// InvalidateByKeyID removes a cached API key by its key ID.
// Used when admin operations (disable, delete) modify a key.
func (a *APIKeyAuth) InvalidateByKeyID(keyID string) {
	if hash, ok := a.keyIDToHash.LoadAndDelete(keyID); ok {
		a.cache.Invalidate(hash.(string))
	}
}

// extractKey pulls the raw key from the configured header, falling back to
// a bearer token.
func (a *APIKeyAuth) extractKey(r *http.Request) string {
	if a.cfg.HeaderName != "" {
		if v := r.Header.Get(a.cfg.HeaderName); v != "" {
			return v
		}
	}
	authz := r.Header.Get("Authorization")
	if token := strings.TrimPrefix(authz, "Bearer "); token != authz {
		return token
	}
	return ""
}

// isLoopback reports whether the remote address is a loopback interface.
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// buildIdentity constructs an Identity from a validated API key.
func buildIdentity(key *gateway.APIKey) *gateway.Identity {
	return &gateway.Identity{
		KeyID:    key.ID,
		Name:     key.Name,
		RPMLimit: key.RPMLimit,
	}
}
