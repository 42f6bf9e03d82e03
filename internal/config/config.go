// Package config loads and validates the eventsync YAML configuration.
//
// Secrets (API keys, tokens, signing keys) never live in the file; adapters
// read them from the process environment through Env.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/njoerd114/eventsync/internal/model"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// Database configures the SQLite store.
	Database DatabaseConfig `yaml:"database"`

	// Sync tunes the orchestrator.
	Sync SyncConfig `yaml:"sync"`

	// Groups is the static group catalog: platform name to upstream group
	// identifiers (urlname, calendar id, feed URL or entity id).
	// Example: {"meetup": ["golang-nyc"], "ics": ["https://example.com/cal.ics"]}
	Groups map[model.Platform][]string `yaml:"groups"`

	// Providers holds per-platform transport settings.
	Providers ProvidersConfig `yaml:"providers"`

	// HTTP configures the read API served by "eventsync serve".
	HTTP HTTPConfig `yaml:"http"`

	// Cache configures the sync version and the response cache.
	Cache CacheConfig `yaml:"cache"`

	// Events configures domain event publication.
	Events EventsConfig `yaml:"events"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	// Path to the database file. Defaults to ~/.local/share/eventsync/eventsync.db.
	Path string `yaml:"path"`
}

// SyncConfig controls a sync pass.
type SyncConfig struct {
	// Concurrency is the maximum number of groups fetched and reconciled at
	// once. 1..50, default 5.
	Concurrency int `yaml:"concurrency"`

	// MaxEvents caps the events fetched per group. Default 200.
	MaxEvents int `yaml:"max_events"`

	// WindowPast and WindowFuture bound the fetch window relative to the
	// start of the pass. Defaults 0 and 90 days.
	WindowPast   time.Duration `yaml:"window_past"`
	WindowFuture time.Duration `yaml:"window_future"`

	// RetirementGrace is how long after its start an event that vanished
	// upstream is kept as cancelled before it is deleted. Default 48h.
	RetirementGrace time.Duration `yaml:"retirement_grace"`

	// RunTimeout bounds a single pass. Default 10m.
	RunTimeout time.Duration `yaml:"run_timeout"`

	// Schedule is the cron expression used by "eventsync serve".
	// Default "*/30 * * * *".
	Schedule string `yaml:"schedule"`

	// RunOnStart triggers a pass immediately when serving starts.
	RunOnStart bool `yaml:"run_on_start"`
}

// ProvidersConfig holds transport settings per platform.
type ProvidersConfig struct {
	Meetup        ProviderConfig `yaml:"meetup"`
	Luma          ProviderConfig `yaml:"luma"`
	ICS           ProviderConfig `yaml:"ics"`
	HomeAssistant ProviderConfig `yaml:"homeassistant"`
}

// For returns the settings of one platform.
func (p ProvidersConfig) For(platform model.Platform) ProviderConfig {
	switch platform {
	case model.PlatformMeetup:
		return p.Meetup
	case model.PlatformLuma:
		return p.Luma
	case model.PlatformICS:
		return p.ICS
	case model.PlatformHomeAssistant:
		return p.HomeAssistant
	}
	return ProviderConfig{}
}

// ProviderConfig tunes the HTTP client of one adapter.
type ProviderConfig struct {
	// BaseURL overrides the upstream API root.
	BaseURL string `yaml:"base_url"`

	// AuthURL overrides the token endpoint (meetup only).
	AuthURL string `yaml:"auth_url"`

	// RateLimit is the sustained request rate per second. Default 5.
	RateLimit float64 `yaml:"rate_limit"`

	// Burst is the limiter bucket size. Default 5.
	Burst int `yaml:"burst"`

	// Timeout bounds a single HTTP request. Default 30s.
	Timeout time.Duration `yaml:"timeout"`

	// MaxAttempts bounds retries of transient failures. Default 3.
	MaxAttempts int `yaml:"max_attempts"`

	// Timezone is used for floating times (ics, homeassistant). Default UTC.
	Timezone string `yaml:"timezone"`
}

// HTTPConfig configures the read API.
type HTTPConfig struct {
	// Listen is the address to bind. Default ":8080".
	Listen string `yaml:"listen"`
}

// CacheConfig configures the version tracker and the response cache.
type CacheConfig struct {
	// VersionTTL is how long the computed sync version is reused. Default 30s.
	VersionTTL time.Duration `yaml:"version_ttl"`

	// MaxAge is sent as Cache-Control max-age. Default 24h.
	MaxAge time.Duration `yaml:"max_age"`

	// StaleWhileRevalidate is sent as Cache-Control stale-while-revalidate.
	// Default 60s.
	StaleWhileRevalidate time.Duration `yaml:"stale_while_revalidate"`

	// MaxBytes bounds the in-memory response cache. Default 64 MiB.
	MaxBytes int64 `yaml:"max_bytes"`
}

// EventsConfig configures the domain event stream.
type EventsConfig struct {
	// Buffer is the size of the outbound queue. Events beyond it are dropped.
	// Default 256.
	Buffer int `yaml:"buffer"`

	// NATSURL publishes to NATS JetStream when set; otherwise events stay
	// in-process.
	NATSURL string `yaml:"nats_url"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "eventsync".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request. Equivalent to the OTEL_EXPORTER_OTLP_HEADERS environment
	// variable. Use this for authentication tokens, e.g.:
	//   Authorization: "Bearer <token>"
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/eventsync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "eventsync", "config.yaml"), nil
}

// Default returns a configuration with every default applied and an empty
// group catalog.
func Default() *Config {
	cfg := &Config{}
	if err := cfg.validate(); err != nil {
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return cfg
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// validate applies defaults and checks bounds.
func (c *Config) validate() error {
	if err := c.Sync.validate(); err != nil {
		return err
	}

	for platform, ids := range c.Groups {
		if !platform.Valid() {
			return fmt.Errorf("groups: unknown platform %q", platform)
		}
		seen := make(map[string]bool, len(ids))
		for i, id := range ids {
			id = strings.TrimSpace(id)
			if id == "" {
				return fmt.Errorf("groups[%s][%d] is empty", platform, i)
			}
			if platform == model.PlatformICS {
				if err := checkURL(id); err != nil {
					return fmt.Errorf("groups[ics][%d]: %w", i, err)
				}
			}
			if seen[id] {
				return fmt.Errorf("groups[%s] lists %q twice", platform, id)
			}
			seen[id] = true
			ids[i] = id
		}
	}

	for _, p := range []struct {
		name string
		cfg  *ProviderConfig
	}{
		{"meetup", &c.Providers.Meetup},
		{"luma", &c.Providers.Luma},
		{"ics", &c.Providers.ICS},
		{"homeassistant", &c.Providers.HomeAssistant},
	} {
		if err := p.cfg.validate(); err != nil {
			return fmt.Errorf("providers.%s: %w", p.name, err)
		}
	}

	if c.HTTP.Listen == "" {
		c.HTTP.Listen = ":8080"
	}

	if c.Cache.VersionTTL == 0 {
		c.Cache.VersionTTL = 30 * time.Second
	}
	if c.Cache.VersionTTL < 0 {
		return fmt.Errorf("cache.version_ttl %v must not be negative", c.Cache.VersionTTL)
	}
	if c.Cache.MaxAge == 0 {
		c.Cache.MaxAge = 24 * time.Hour
	}
	if c.Cache.StaleWhileRevalidate == 0 {
		c.Cache.StaleWhileRevalidate = 60 * time.Second
	}
	if c.Cache.MaxBytes == 0 {
		c.Cache.MaxBytes = 64 << 20
	}

	if c.Events.Buffer == 0 {
		c.Events.Buffer = 256
	}
	if c.Events.Buffer < 0 {
		return fmt.Errorf("events.buffer %d must not be negative", c.Events.Buffer)
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}

func (s *SyncConfig) validate() error {
	if s.Concurrency == 0 {
		s.Concurrency = 5
	}
	if s.Concurrency < 1 || s.Concurrency > 50 {
		return fmt.Errorf("sync.concurrency %d out of range (1..50)", s.Concurrency)
	}
	if s.MaxEvents == 0 {
		s.MaxEvents = 200
	}
	if s.MaxEvents < 1 {
		return fmt.Errorf("sync.max_events %d must be positive", s.MaxEvents)
	}
	if s.WindowPast < 0 {
		return fmt.Errorf("sync.window_past %v must not be negative", s.WindowPast)
	}
	if s.WindowFuture == 0 {
		s.WindowFuture = 90 * 24 * time.Hour
	}
	if s.WindowFuture < 0 {
		return fmt.Errorf("sync.window_future %v must not be negative", s.WindowFuture)
	}
	if s.RetirementGrace == 0 {
		s.RetirementGrace = 48 * time.Hour
	}
	if s.RetirementGrace < time.Hour {
		return fmt.Errorf("sync.retirement_grace %v is too short (minimum 1h)", s.RetirementGrace)
	}
	if s.RunTimeout == 0 {
		s.RunTimeout = 10 * time.Minute
	}
	if s.RunTimeout < 10*time.Second {
		return fmt.Errorf("sync.run_timeout %v is too short (minimum 10s)", s.RunTimeout)
	}
	if s.Schedule == "" {
		s.Schedule = "*/30 * * * *"
	}
	if _, err := cron.ParseStandard(s.Schedule); err != nil {
		return fmt.Errorf("sync.schedule %q: %w", s.Schedule, err)
	}
	return nil
}

func (p *ProviderConfig) validate() error {
	if p.BaseURL != "" {
		if err := checkURL(p.BaseURL); err != nil {
			return fmt.Errorf("base_url: %w", err)
		}
	}
	if p.AuthURL != "" {
		if err := checkURL(p.AuthURL); err != nil {
			return fmt.Errorf("auth_url: %w", err)
		}
	}
	if p.RateLimit == 0 {
		p.RateLimit = 5
	}
	if p.RateLimit < 0 {
		return fmt.Errorf("rate_limit %v must be positive", p.RateLimit)
	}
	if p.Burst == 0 {
		p.Burst = 5
	}
	if p.Burst < 1 {
		return fmt.Errorf("burst %d must be positive", p.Burst)
	}
	if p.Timeout == 0 {
		p.Timeout = 30 * time.Second
	}
	if p.Timeout < time.Second {
		return fmt.Errorf("timeout %v is too short (minimum 1s)", p.Timeout)
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.MaxAttempts < 1 || p.MaxAttempts > 10 {
		return fmt.Errorf("max_attempts %d out of range (1..10)", p.MaxAttempts)
	}
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(p.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", p.Timezone, err)
	}
	return nil
}

func checkURL(raw string) error {
	u, err := url.ParseRequestURI(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%q must be a valid http or https URL", raw)
	}
	return nil
}
