// Package config handles YAML configuration loading with environment
// variable expansion and MITHRIL_* overrides.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Logging      LoggingConfig      `yaml:"logging"`
	Auth         AuthConfig         `yaml:"auth"`
	Queue        QueueConfig        `yaml:"queue"`
	Retry        RetryConfig        `yaml:"retry"`
	Cache        CacheConfig        `yaml:"cache"`
	Parallel     ParallelConfig     `yaml:"parallel"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Backpressure BackpressureConfig `yaml:"backpressure"`
	Stream       StreamConfig       `yaml:"stream"`
	HealthCheck  HealthCheckConfig  `yaml:"health_check"`
	Cleanup      CleanupConfig      `yaml:"cleanup"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Providers    []ProviderEntry    `yaml:"providers"`

	DefaultProvider string        `yaml:"default_provider"`
	DefaultTimeout  time.Duration `yaml:"default_timeout"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	Path string `yaml:"path"` // file path or ":memory:"
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"` // empty = stderr only
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// AuthConfig holds caller authentication settings.
type AuthConfig struct {
	Enabled       bool     `yaml:"enabled"`
	HeaderName    string   `yaml:"header_name"`
	PublicPaths   []string `yaml:"public_paths"`
	AllowLoopback bool     `yaml:"allow_loopback"`
}

// QueueConfig bounds the request queue.
type QueueConfig struct {
	MaxSize       int `yaml:"max_size"`
	MaxConcurrent int `yaml:"max_concurrent"`
}

// RetryConfig drives the retry + fallback executor.
type RetryConfig struct {
	MaxRetries      int                 `yaml:"max_retries"`
	BaseDelay       time.Duration       `yaml:"base_delay"`
	MaxDelay        time.Duration       `yaml:"max_delay"`
	ExponentialBase float64             `yaml:"exponential_base"`
	Jitter          bool                `yaml:"jitter"`
	FallbackEnabled bool                `yaml:"fallback_enabled"`
	FallbackChains  map[string][]string `yaml:"fallback_chains"`
	ReliabilityMin  float64             `yaml:"reliability_min"`
	ReauthFailures  int                 `yaml:"reauth_failures"`
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	Enabled           bool                     `yaml:"enabled"`
	DefaultTTL        time.Duration            `yaml:"default_ttl"`
	MaxEntries        int                      `yaml:"max_entries"`
	ProviderTTL       map[string]time.Duration `yaml:"provider_ttl"`
	MinResponseLength int                      `yaml:"min_response_length"`
	NoCachePatterns   []string                 `yaml:"no_cache_patterns"`
}

// ParallelConfig drives the fan-out executor.
type ParallelConfig struct {
	DefaultStrategy string              `yaml:"default_strategy"`
	Timeout         time.Duration       `yaml:"timeout"`
	MaxConcurrent   int                 `yaml:"max_concurrent"`
	ProviderGroups  map[string][]string `yaml:"provider_groups"`
}

// RateLimitConfig holds token-bucket limiter settings.
type RateLimitConfig struct {
	Enabled           bool           `yaml:"enabled"`
	RequestsPerMinute int            `yaml:"requests_per_minute"`
	BurstSize         int            `yaml:"burst_size"`
	ByAPIKey          bool           `yaml:"by_api_key"`
	ByIP              bool           `yaml:"by_ip"`
	EndpointLimits    map[string]int `yaml:"endpoint_limits"`
}

// BackpressureConfig tunes the dynamic concurrency controller.
type BackpressureConfig struct {
	Enabled            bool          `yaml:"enabled"`
	EvaluationInterval time.Duration `yaml:"evaluation_interval"`
	Cooldown           time.Duration `yaml:"cooldown"`
	MinConcurrent      int           `yaml:"min_concurrent"`
	MaxConcurrent      int           `yaml:"max_concurrent"`
	ScaleUpStep        int           `yaml:"scale_up_step"`
	ScaleDownStep      int           `yaml:"scale_down_step"`
	LowQueueDepth      int           `yaml:"low_queue_depth"`
	HighQueueDepth     int           `yaml:"high_queue_depth"`
	CriticalQueueDepth int           `yaml:"critical_queue_depth"`
	HighSuccessRate    float64       `yaml:"high_success_rate"`     // below this = high load
	CriticalSuccess    float64       `yaml:"critical_success_rate"` // below this = critical
	TargetLatency      time.Duration `yaml:"target_latency"`
	HighLatency        time.Duration `yaml:"high_latency"`
	CriticalLatency    time.Duration `yaml:"critical_latency"`
}

// StreamConfig tunes the chunk pipeline.
type StreamConfig struct {
	ChunkSize         int           `yaml:"chunk_size"`
	ChunkDelay        time.Duration `yaml:"chunk_delay"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	BufferSize        int           `yaml:"buffer_size"`
}

// HealthCheckConfig drives the provider health loop.
type HealthCheckConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// CleanupConfig schedules the periodic maintenance job.
type CleanupConfig struct {
	Schedule         string        `yaml:"schedule"` // cron expression
	RequestRetention time.Duration `yaml:"request_retention"`
	MetricRetention  time.Duration `yaml:"metric_retention"`
	BucketMaxIdle    time.Duration `yaml:"bucket_max_idle"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// ProviderEntry is a provider definition in the config file.
type ProviderEntry struct {
	Name        string            `yaml:"name"`
	BackendType string            `yaml:"backend_type"` // "http" or "cli"
	Enabled     *bool             `yaml:"enabled"`
	Priority    int               `yaml:"priority"`
	Timeout     time.Duration     `yaml:"timeout"`
	APIBaseURL  string            `yaml:"api_base_url"`
	APIKeyEnv   string            `yaml:"api_key_env"`
	APIKey      string            `yaml:"api_key"` // literal; overrides api_key_env
	Model       string            `yaml:"model"`
	MaxTokens   int               `yaml:"max_tokens"`
	RateLimit   int               `yaml:"rate_limit_rpm"`
	CLICommand  string            `yaml:"cli_command"`
	CLIArgs     []string          `yaml:"cli_args"`
	CLIWorkDir  string            `yaml:"cli_workdir"`
	CLIEnv      map[string]string `yaml:"cli_env"`
	CLIUsePTY   bool              `yaml:"cli_use_pty"`
	CLITerminal bool              `yaml:"cli_external_terminal"`

	AutoOpenAuth bool     `yaml:"auto_open_auth"`
	AuthKeywords []string `yaml:"auth_keywords"`
	AuthCommand  string   `yaml:"auth_command"`

	Hosting string `yaml:"hosting"` // "", "vertex"
	Region  string `yaml:"region"`
	Project string `yaml:"project"`
}

// IsEnabled reports whether the provider is enabled (defaults to true when nil).
func (p ProviderEntry) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// ResolvedAPIKey returns the literal key if set, otherwise the value of the
// configured environment variable.
func (p ProviderEntry) ResolvedAPIKey() string {
	if p.APIKey != "" {
		return p.APIKey
	}
	if p.APIKeyEnv != "" {
		return os.Getenv(p.APIKeyEnv)
	}
	return ""
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Default returns the baseline configuration applied before unmarshal.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8765,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    10 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{Path: "mithril.db"},
		Logging:  LoggingConfig{Level: "info", MaxSizeMB: 50, MaxBackups: 3, MaxAgeDays: 14},
		Auth: AuthConfig{
			Enabled:       true,
			HeaderName:    "X-API-Key",
			PublicPaths:   []string{"/api/health", "/metrics", "/", "/docs"},
			AllowLoopback: true,
		},
		Queue: QueueConfig{MaxSize: 1000, MaxConcurrent: 10},
		Retry: RetryConfig{
			MaxRetries:      2,
			BaseDelay:       time.Second,
			MaxDelay:        60 * time.Second,
			ExponentialBase: 2.0,
			Jitter:          true,
			FallbackEnabled: true,
			ReliabilityMin:  0.3,
			ReauthFailures:  3,
		},
		Cache: CacheConfig{
			Enabled:           true,
			DefaultTTL:        time.Hour,
			MaxEntries:        10_000,
			MinResponseLength: 20,
			NoCachePatterns: []string{
				"current time", "today", "now", "latest", "weather",
				"random", "news",
			},
		},
		Parallel: ParallelConfig{
			DefaultStrategy: "first_success",
			Timeout:         5 * time.Minute,
			MaxConcurrent:   5,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 60,
			BurstSize:         10,
			ByAPIKey:          true,
			ByIP:              true,
		},
		Backpressure: BackpressureConfig{
			Enabled:            true,
			EvaluationInterval: 5 * time.Second,
			Cooldown:           10 * time.Second,
			MinConcurrent:      1,
			MaxConcurrent:      50,
			ScaleUpStep:        2,
			ScaleDownStep:      2,
			LowQueueDepth:      5,
			HighQueueDepth:     50,
			CriticalQueueDepth: 200,
			HighSuccessRate:    0.8,
			CriticalSuccess:    0.5,
			TargetLatency:      10 * time.Second,
			HighLatency:        30 * time.Second,
			CriticalLatency:    60 * time.Second,
		},
		Stream: StreamConfig{
			ChunkSize:         64,
			ChunkDelay:        10 * time.Millisecond,
			HeartbeatInterval: 15 * time.Second,
			BufferSize:        32,
		},
		HealthCheck: HealthCheckConfig{
			Enabled:  true,
			Interval: 60 * time.Second,
			Timeout:  5 * time.Second,
		},
		Cleanup: CleanupConfig{
			Schedule:         "@hourly",
			RequestRetention: 7 * 24 * time.Hour,
			MetricRetention:  7 * 24 * time.Hour,
			BucketMaxIdle:    time.Hour,
		},
		Telemetry: TelemetryConfig{Metrics: MetricsConfig{Enabled: true}},

		DefaultTimeout: 180 * time.Second,
	}
}

// Load reads and parses a YAML config file, expanding environment variables
// and applying MITHRIL_* overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults + env overrides only.
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		data = expandEnv(data)
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets MITHRIL_* environment variables take precedence
// over file values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MITHRIL_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("MITHRIL_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("MITHRIL_DB"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("MITHRIL_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.DefaultTimeout = time.Duration(secs) * time.Second
		} else if d, err := time.ParseDuration(v); err == nil {
			cfg.DefaultTimeout = d
		}
	}
	if v := os.Getenv("MITHRIL_DEFAULT_PROVIDER"); v != "" {
		cfg.DefaultProvider = v
	}
	if v := os.Getenv("MITHRIL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MITHRIL_AUTO_OPEN_AUTH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			for i := range cfg.Providers {
				cfg.Providers[i].AutoOpenAuth = b
			}
		}
	}
	if v := os.Getenv("MITHRIL_CLI_USE_PTY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			for i := range cfg.Providers {
				if cfg.Providers[i].BackendType == "cli" {
					cfg.Providers[i].CLIUsePTY = b
				}
			}
		}
	}
}

func (c *Config) validate() error {
	if c.Queue.MaxSize <= 0 {
		return fmt.Errorf("queue.max_size must be positive, got %d", c.Queue.MaxSize)
	}
	if c.Queue.MaxConcurrent <= 0 {
		return fmt.Errorf("queue.max_concurrent must be positive, got %d", c.Queue.MaxConcurrent)
	}
	if c.Retry.ExponentialBase <= 1 {
		return fmt.Errorf("retry.exponential_base must be > 1, got %v", c.Retry.ExponentialBase)
	}
	if bp := c.Backpressure; bp.MinConcurrent > bp.MaxConcurrent {
		return fmt.Errorf("backpressure.min_concurrent %d exceeds max_concurrent %d",
			bp.MinConcurrent, bp.MaxConcurrent)
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
		switch p.BackendType {
		case "http", "cli":
		default:
			return fmt.Errorf("provider %q: backend_type must be http or cli, got %q", p.Name, p.BackendType)
		}
	}
	return nil
}

// Provider returns the entry for the named provider, or nil.
func (c *Config) Provider(name string) *ProviderEntry {
	for i := range c.Providers {
		if c.Providers[i].Name == name {
			return &c.Providers[i]
		}
	}
	return nil
}
