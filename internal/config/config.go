// Package config handles YAML configuration loading with environment variable
// expansion, plus first-run database seeding.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	relay "github.com/tombii/better-ccflare-sub004/internal"
)

// Config is the top-level proxy configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	OAuth     OAuthConfig     `yaml:"oauth"`
	Retry     RetryConfig     `yaml:"retry"`
	Session   SessionConfig   `yaml:"session"`
	Writer    WriterConfig    `yaml:"writer"`
	Retention RetentionConfig `yaml:"retention"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Strategy selects the load-balancing policy. Only "session" is
	// implemented; the field exists so configs can state it explicitly.
	Strategy string `yaml:"strategy"`

	// DefaultAgentModel is recorded for requests whose agent workspace has
	// no explicit model preference.
	DefaultAgentModel string `yaml:"default_agent_model"`

	Accounts []AccountEntry `yaml:"accounts"`
	Keys     []KeyEntry     `yaml:"keys"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	// WriteTimeout must cover the longest expected stream; zero disables it.
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// OAuthConfig holds the token refresh endpoint settings shared by all
// OAuth accounts.
type OAuthConfig struct {
	ClientID string `yaml:"client_id"`
	TokenURL string `yaml:"token_url"`
}

// RetryConfig controls same-account retries on transient upstream failures.
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
	Backoff  float64       `yaml:"backoff"`
}

// SessionConfig controls the account-affinity window.
type SessionConfig struct {
	Duration time.Duration `yaml:"duration"`
}

// WriterConfig controls the async database writer.
type WriterConfig struct {
	QueueSize     int           `yaml:"queue_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	// PayloadCaptureBytes caps how much of a response body is buffered for
	// payload persistence; bigger bodies store a sentinel instead.
	PayloadCaptureBytes int `yaml:"payload_capture_bytes"`
}

// RetentionConfig controls the startup cleanup pass.
type RetentionConfig struct {
	RequestDays int `yaml:"request_days"` // audit rows
	PayloadDays int `yaml:"payload_days"` // raw bodies
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

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// AccountEntry seeds one upstream account on first run.
type AccountEntry struct {
	Name           string            `yaml:"name"`
	Provider       string            `yaml:"provider"`
	APIKey         string            `yaml:"api_key"`
	RefreshToken   string            `yaml:"refresh_token"`
	Priority       int               `yaml:"priority"`
	CustomEndpoint string            `yaml:"custom_endpoint"`
	ModelMappings  map[string]string `yaml:"model_mappings"`
	AutoRefresh    *bool             `yaml:"auto_refresh"`
}

// AutoRefreshEnabled defaults to true for OAuth accounts.
func (a AccountEntry) AutoRefreshEnabled() bool {
	return a.AutoRefresh == nil || *a.AutoRefresh
}

// KeyEntry seeds one client API key on first run. The plaintext is hashed
// during bootstrap and never persisted.
type KeyEntry struct {
	Name          string  `yaml:"name"`
	Key           string  `yaml:"key"`
	SpendLimitUSD float64 `yaml:"spend_limit_usd"`
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

// Default returns the built-in configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    10 << 20,
		},
		Database: DatabaseConfig{
			DSN: "ccflare.db",
		},
		OAuth: OAuthConfig{
			ClientID: "9d1c250a-e61b-44d9-88ed-5944d1962f5e",
			TokenURL: "https://console.anthropic.com/v1/oauth/token",
		},
		Retry: RetryConfig{
			Attempts: 3,
			Delay:    time.Second,
			Backoff:  2,
		},
		Session: SessionConfig{
			Duration: relay.DefaultSessionDuration,
		},
		Writer: WriterConfig{
			QueueSize:           1024,
			BatchSize:           64,
			FlushInterval:       200 * time.Millisecond,
			PayloadCaptureBytes: 1 << 20,
		},
		Retention: RetentionConfig{
			RequestDays: 30,
			PayloadDays: 7,
		},
		Strategy: "session",
	}
}

// Load reads and parses a YAML config file over the defaults, expanding
// environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the proxy cannot run with.
func (c *Config) Validate() error {
	if c.Strategy != "" && c.Strategy != "session" {
		return fmt.Errorf("unknown strategy %q (only \"session\" is supported)", c.Strategy)
	}
	if c.Retry.Attempts < 1 {
		return fmt.Errorf("retry.attempts must be >= 1, got %d", c.Retry.Attempts)
	}
	if c.Retry.Backoff < 1 {
		return fmt.Errorf("retry.backoff must be >= 1, got %v", c.Retry.Backoff)
	}
	if c.Session.Duration <= 0 {
		return fmt.Errorf("session.duration must be positive, got %v", c.Session.Duration)
	}
	for i, a := range c.Accounts {
		p := relay.Provider(a.Provider)
		switch p {
		case relay.ProviderAnthropicOAuth, relay.ProviderClaudeConsole, relay.ProviderZai,
			relay.ProviderMinimax, relay.ProviderAnthropicCompatible,
			relay.ProviderOpenAICompatible, relay.ProviderNanoGPT, relay.ProviderVertexAI:
		default:
			return fmt.Errorf("accounts[%d] %q: unknown provider %q", i, a.Name, a.Provider)
		}
		if p.UsesOAuth() && a.RefreshToken == "" {
			return fmt.Errorf("accounts[%d] %q: provider %s requires refresh_token", i, a.Name, a.Provider)
		}
		if !p.UsesOAuth() && p != relay.ProviderVertexAI && a.APIKey == "" {
			return fmt.Errorf("accounts[%d] %q: provider %s requires api_key", i, a.Name, a.Provider)
		}
	}
	return nil
}
