// Package config loads the dispatcher configuration.
//
// A config file is TOML or YAML, picked by extension. Anything the file
// leaves out keeps its default, so an empty file is a valid single-process
// setup: in-memory store and bus, a local Ollama model, and the stock
// retry policies.
//
//	[store]
//	backend = "sqlite"
//	path = "dispatch.db"
//
//	[retry.intent.chat]
//	timeout = "5m"
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/vinayprograms/taskdispatch/activity"
	"github.com/vinayprograms/taskdispatch/bus"
	"github.com/vinayprograms/taskdispatch/credentials"
	"github.com/vinayprograms/taskdispatch/heartbeat"
	"github.com/vinayprograms/taskdispatch/intent"
	"github.com/vinayprograms/taskdispatch/llm"
	"github.com/vinayprograms/taskdispatch/logging"
	"github.com/vinayprograms/taskdispatch/retry"
	"github.com/vinayprograms/taskdispatch/telemetry"
	"github.com/vinayprograms/taskdispatch/worker"
)

// Backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendNATS   = "nats"
)

// Config is the full dispatcher configuration.
type Config struct {
	LLM       llm.Config             `toml:"llm" yaml:"llm"`
	Breaker   activity.BreakerConfig `toml:"breaker" yaml:"breaker"`
	Intent    IntentConfig           `toml:"intent" yaml:"intent"`
	Retry     retry.Policies         `toml:"retry" yaml:"retry"`
	Store     StoreConfig            `toml:"store" yaml:"store"`
	Bus       BusConfig              `toml:"bus" yaml:"bus"`
	NATS      bus.NATSConfig         `toml:"nats" yaml:"nats"`
	Worker    WorkerConfig           `toml:"worker" yaml:"worker"`
	Heartbeat HeartbeatConfig        `toml:"heartbeat" yaml:"heartbeat"`
	History   HistoryConfig          `toml:"history" yaml:"history"`
	Telemetry TelemetryConfig        `toml:"telemetry" yaml:"telemetry"`
	Logging   LoggingConfig          `toml:"logging" yaml:"logging"`
}

// IntentConfig configures classification. Empty Rules keeps the built-in
// order.
type IntentConfig struct {
	Rules       []intent.Rule `toml:"rules" yaml:"rules"`
	DefaultPath string        `toml:"default_path" yaml:"default_path"`
	Directory   string        `toml:"directory" yaml:"directory"`
}

// StoreConfig selects the durable task store.
type StoreConfig struct {
	Backend string `toml:"backend" yaml:"backend"` // memory, sqlite, nats
	Path    string `toml:"path" yaml:"path"`       // sqlite database file
	Bucket  string `toml:"bucket" yaml:"bucket"`   // nats KV bucket
}

// BusConfig selects the notification bus.
type BusConfig struct {
	Backend    string `toml:"backend" yaml:"backend"` // memory, nats
	BufferSize int    `toml:"buffer_size" yaml:"buffer_size"`
}

// WorkerConfig configures the worker pool.
type WorkerConfig struct {
	ID           string        `toml:"id" yaml:"id"`
	Concurrency  int           `toml:"concurrency" yaml:"concurrency"`
	LeaseTTL     time.Duration `toml:"lease_ttl" yaml:"lease_ttl"`
	PollInterval time.Duration `toml:"poll_interval" yaml:"poll_interval"`
	// ShutdownTimeout bounds how long in-flight tasks may finish on exit.
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// HeartbeatConfig configures worker liveness reporting.
type HeartbeatConfig struct {
	Interval time.Duration `toml:"interval" yaml:"interval"`
	Timeout  time.Duration `toml:"timeout" yaml:"timeout"`
}

// HistoryConfig configures the search index of finished tasks. An empty
// Path rebuilds the index in memory for each search.
type HistoryConfig struct {
	Path string `toml:"path" yaml:"path"`
}

// TelemetryConfig configures OpenTelemetry export and the task event log.
// Span export is disabled when Endpoint is empty and
// OTEL_EXPORTER_OTLP_ENDPOINT is unset.
type TelemetryConfig struct {
	Endpoint    string `toml:"endpoint" yaml:"endpoint"`
	Protocol    string `toml:"protocol" yaml:"protocol"` // grpc, http
	Insecure    bool   `toml:"insecure" yaml:"insecure"`
	ServiceName string `toml:"service_name" yaml:"service_name"`
	Debug       bool   `toml:"debug" yaml:"debug"`

	// EventsFile appends task lifecycle events as JSON lines when set.
	EventsFile string `toml:"events_file" yaml:"events_file"`
}

// ProviderConfig returns the span export settings.
func (t TelemetryConfig) ProviderConfig() telemetry.ProviderConfig {
	return telemetry.ProviderConfig{
		ServiceName: t.ServiceName,
		Endpoint:    t.Endpoint,
		Protocol:    t.Protocol,
		Insecure:    t.Insecure,
		Debug:       t.Debug,
	}
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level string `toml:"level" yaml:"level"` // debug, info, warn, error
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	llmCfg := llm.Config{}
	llmCfg.ApplyDefaults()

	return &Config{
		LLM:   llmCfg,
		Retry: retry.DefaultPolicies(),
		Intent: IntentConfig{
			DefaultPath: intent.DefaultPath,
			Directory:   intent.DefaultDirectory,
		},
		Store: StoreConfig{Backend: BackendMemory, Path: "dispatch.db", Bucket: "dispatch"},
		Bus:   BusConfig{Backend: BackendMemory, BufferSize: bus.DefaultConfig().BufferSize},
		NATS:  bus.DefaultNATSConfig(),
		Worker: WorkerConfig{
			Concurrency:     worker.DefaultConcurrency,
			LeaseTTL:        worker.DefaultLeaseTTL,
			PollInterval:    worker.DefaultPollInterval,
			ShutdownTimeout: 30 * time.Second,
		},
		Heartbeat: HeartbeatConfig{
			Interval: heartbeat.DefaultInterval,
			Timeout:  heartbeat.DefaultTimeout,
		},
		Telemetry: TelemetryConfig{Protocol: "grpc", ServiceName: "taskdispatch"},
		Logging:   LoggingConfig{Level: "info"},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("config %s: unsupported format %q (use .toml, .yaml or .yml)", path, ext)
	}

	cfg.inheritPolicies()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// inheritPolicies fills fields a per-intent policy leaves unset from the
// default policy, so "[retry.intent.chat] timeout = ..." changes only the
// timeout.
func (c *Config) inheritPolicies() {
	base := c.Retry.Default
	for in, p := range c.Retry.PerIntent {
		if p.MaxAttempts == 0 {
			p.MaxAttempts = base.MaxAttempts
		}
		if p.InitialInterval == 0 {
			p.InitialInterval = base.InitialInterval
		}
		if p.MaxInterval == 0 {
			p.MaxInterval = base.MaxInterval
		}
		if p.BackoffMultiplier == 0 {
			p.BackoffMultiplier = base.BackoffMultiplier
		}
		if p.PerAttemptTimeout == 0 {
			p.PerAttemptTimeout = base.PerAttemptTimeout
		}
		if p.NonRetryable == nil {
			p.NonRetryable = retry.DefaultPolicies().For(in).NonRetryable
		}
		c.Retry.PerIntent[in] = p
	}
}

// Validate checks the configuration for usable values. It does not check
// API keys; those are resolved when the provider is built.
func (c *Config) Validate() error {
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if _, err := c.Classifier(); err != nil {
		return fmt.Errorf("intent: %w", err)
	}
	switch c.Store.Backend {
	case BackendMemory, BackendNATS:
	case BackendSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store: sqlite backend requires a path")
		}
	default:
		return fmt.Errorf("store: unknown backend %q", c.Store.Backend)
	}
	switch c.Bus.Backend {
	case BackendMemory, BackendNATS:
	default:
		return fmt.Errorf("bus: unknown backend %q", c.Bus.Backend)
	}
	if c.Worker.Concurrency < 0 {
		return fmt.Errorf("worker: concurrency must not be negative")
	}
	if c.Worker.LeaseTTL < 0 || c.Worker.PollInterval < 0 || c.Worker.ShutdownTimeout < 0 {
		return fmt.Errorf("worker: durations must not be negative")
	}
	if c.Heartbeat.Timeout > 0 && c.Heartbeat.Interval > 0 && c.Heartbeat.Timeout <= c.Heartbeat.Interval {
		return fmt.Errorf("heartbeat: timeout %s must exceed interval %s", c.Heartbeat.Timeout, c.Heartbeat.Interval)
	}
	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("telemetry: unknown protocol %q", c.Telemetry.Protocol)
	}
	return nil
}

// UsesNATS reports whether any component needs a NATS connection.
func (c *Config) UsesNATS() bool {
	return c.Store.Backend == BackendNATS || c.Bus.Backend == BackendNATS
}

// Classifier builds the intent classifier.
func (c *Config) Classifier() (*intent.Classifier, error) {
	return intent.New(intent.Config{
		Rules:       c.Intent.Rules,
		DefaultPath: c.Intent.DefaultPath,
		Directory:   c.Intent.Directory,
	})
}

// ProviderConfig returns the LLM config with its API key resolved from
// creds when the file did not set one.
func (c *Config) ProviderConfig(creds *credentials.Credentials) llm.Config {
	cfg := c.LLM
	cfg.ApplyDefaults()
	if cfg.APIKey == "" {
		cfg.APIKey = creds.APIKey(cfg.Provider)
	}
	return cfg
}

// LogLevel returns the configured logging level.
func (c *Config) LogLevel() logging.Level {
	return logging.ParseLevel(c.Logging.Level)
}
