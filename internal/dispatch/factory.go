package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/rs/dnscache"

	"github.com/eugener/mithril/internal/backend"
	"github.com/eugener/mithril/internal/backend/cliproc"
	"github.com/eugener/mithril/internal/backend/httpapi"
	"github.com/eugener/mithril/internal/cloudauth"
	"github.com/eugener/mithril/internal/config"
)

// vertexScope is the OAuth2 scope required by the Vertex AI API.
const vertexScope = "https://www.googleapis.com/auth/cloud-platform"

// BuildRegistry instantiates a backend per enabled provider entry and
// registers it under the provider name. All HTTP backends share one DNS
// cache.
func BuildRegistry(ctx context.Context, entries []config.ProviderEntry) (*backend.Registry, error) {
	reg := backend.NewRegistry()
	resolver := &dnscache.Resolver{}
	for _, e := range entries {
		if !e.IsEnabled() {
			slog.Info("provider disabled", "provider", e.Name)
			continue
		}
		b, err := buildBackend(ctx, e, resolver)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", e.Name, err)
		}
		reg.Register(e.Name, b)
		slog.Info("provider registered",
			"provider", e.Name,
			"transport", string(b.Kind()),
			"model", e.Model)
	}
	return reg, nil
}

// SyncRegistry reconciles the registry with freshly loaded provider
// entries: newly enabled providers are built and registered, disabled
// ones are deregistered and shut down. Used by the config reload path.
func SyncRegistry(ctx context.Context, reg *backend.Registry, entries []config.ProviderEntry) {
	registered := make(map[string]bool)
	for _, name := range reg.List() {
		registered[name] = true
	}
	resolver := &dnscache.Resolver{}
	for _, e := range entries {
		switch {
		case e.IsEnabled() && !registered[e.Name]:
			b, err := buildBackend(ctx, e, resolver)
			if err != nil {
				slog.Warn("provider reload skipped", "provider", e.Name, "error", err)
				continue
			}
			reg.Register(e.Name, b)
			slog.Info("provider enabled", "provider", e.Name)
		case !e.IsEnabled() && registered[e.Name]:
			reg.Deregister(e.Name)
			slog.Info("provider disabled", "provider", e.Name)
		}
	}
}

func buildBackend(ctx context.Context, e config.ProviderEntry, resolver *dnscache.Resolver) (backend.Backend, error) {
	switch e.BackendType {
	case "http", "":
		if e.APIBaseURL == "" {
			return nil, fmt.Errorf("http provider requires api_base_url")
		}
		transport, err := buildTransport(ctx, e, resolver)
		if err != nil {
			return nil, err
		}
		return httpapi.New(httpapi.Config{
			Name:      e.Name,
			BaseURL:   e.APIBaseURL,
			APIKey:    e.ResolvedAPIKey(),
			Model:     e.Model,
			MaxTokens: e.MaxTokens,
			Timeout:   e.Timeout,
			Transport: transport,
		}, resolver), nil
	case "cli":
		if e.CLICommand == "" {
			return nil, fmt.Errorf("cli provider requires cli_command")
		}
		return cliproc.New(cliproc.Config{
			Name:             e.Name,
			Command:          e.CLICommand,
			Args:             e.CLIArgs,
			WorkDir:          e.CLIWorkDir,
			Env:              e.CLIEnv,
			Timeout:          e.Timeout,
			UsePTY:           e.CLIUsePTY,
			ExternalTerminal: e.CLITerminal,
			AutoOpenAuth:     e.AutoOpenAuth,
			AuthKeywords:     e.AuthKeywords,
			AuthCommand:      e.AuthCommand,
		}), nil
	default:
		return nil, fmt.Errorf("unknown backend type %q", e.BackendType)
	}
}

// buildTransport returns the auth-decorated transport for hosted providers,
// or nil to use the backend's default pooled transport. Vertex-hosted
// entries authenticate with Application Default Credentials instead of a
// static API key.
func buildTransport(ctx context.Context, e config.ProviderEntry, resolver *dnscache.Resolver) (http.RoundTripper, error) {
	switch e.Hosting {
	case "", "direct":
		return nil, nil
	case "vertex":
		t, err := cloudauth.NewGCPTokenTransport(ctx, backend.NewTransport(resolver, true), vertexScope)
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown hosting %q", e.Hosting)
	}
}
