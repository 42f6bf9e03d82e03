package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/njoerd114/eventsync/internal/model"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("creating temp config: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	f.Close()
	return f.Name()
}

func TestLoad_Valid(t *testing.T) {
	path := writeConfig(t, `
database:
  path: /tmp/eventsync.db
sync:
  concurrency: 8
  max_events: 50
  retirement_grace: 72h
  schedule: "0 * * * *"
groups:
  meetup:
    - golang-nyc
    - " rust-nyc "
  ics:
    - https://example.com/calendar.ics
providers:
  meetup:
    rate_limit: 2.5
    burst: 3
http:
  listen: "127.0.0.1:9000"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Database.Path != "/tmp/eventsync.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/eventsync.db")
	}
	if cfg.Sync.Concurrency != 8 {
		t.Errorf("Concurrency = %d, want 8", cfg.Sync.Concurrency)
	}
	if cfg.Sync.MaxEvents != 50 {
		t.Errorf("MaxEvents = %d, want 50", cfg.Sync.MaxEvents)
	}
	if cfg.Sync.RetirementGrace != 72*time.Hour {
		t.Errorf("RetirementGrace = %v, want 72h", cfg.Sync.RetirementGrace)
	}
	if got := cfg.Groups[model.PlatformMeetup]; len(got) != 2 || got[1] != "rust-nyc" {
		t.Errorf("Groups[meetup] = %q, want trimmed identifiers", got)
	}
	if cfg.Providers.Meetup.RateLimit != 2.5 || cfg.Providers.Meetup.Burst != 3 {
		t.Errorf("Providers.Meetup = %+v, want rate 2.5 burst 3", cfg.Providers.Meetup)
	}
	if cfg.Providers.Luma.RateLimit != 5 {
		t.Errorf("Providers.Luma.RateLimit = %v, want default 5", cfg.Providers.Luma.RateLimit)
	}
	if cfg.HTTP.Listen != "127.0.0.1:9000" {
		t.Errorf("HTTP.Listen = %q", cfg.HTTP.Listen)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
groups:
  luma:
    - cal-123
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	checks := []struct {
		name string
		got  any
		want any
	}{
		{"Concurrency", cfg.Sync.Concurrency, 5},
		{"MaxEvents", cfg.Sync.MaxEvents, 200},
		{"WindowPast", cfg.Sync.WindowPast, time.Duration(0)},
		{"WindowFuture", cfg.Sync.WindowFuture, 90 * 24 * time.Hour},
		{"RetirementGrace", cfg.Sync.RetirementGrace, 48 * time.Hour},
		{"RunTimeout", cfg.Sync.RunTimeout, 10 * time.Minute},
		{"Schedule", cfg.Sync.Schedule, "*/30 * * * *"},
		{"Listen", cfg.HTTP.Listen, ":8080"},
		{"VersionTTL", cfg.Cache.VersionTTL, 30 * time.Second},
		{"MaxAge", cfg.Cache.MaxAge, 24 * time.Hour},
		{"StaleWhileRevalidate", cfg.Cache.StaleWhileRevalidate, 60 * time.Second},
		{"Buffer", cfg.Events.Buffer, 256},
		{"ICS.Timeout", cfg.Providers.ICS.Timeout, 30 * time.Second},
		{"ICS.MaxAttempts", cfg.Providers.ICS.MaxAttempts, 3},
		{"ICS.Timezone", cfg.Providers.ICS.Timezone, "UTC"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Sync.Concurrency != 5 {
		t.Errorf("Concurrency = %d, want 5", cfg.Sync.Concurrency)
	}
	if len(cfg.Groups) != 0 {
		t.Errorf("Groups = %v, want empty", cfg.Groups)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"concurrency too high", "sync:\n  concurrency: 51\n"},
		{"concurrency negative", "sync:\n  concurrency: -1\n"},
		{"max events negative", "sync:\n  max_events: -5\n"},
		{"grace too short", "sync:\n  retirement_grace: 5m\n"},
		{"run timeout too short", "sync:\n  run_timeout: 1s\n"},
		{"bad schedule", "sync:\n  schedule: \"every tuesday\"\n"},
		{"unknown platform", "groups:\n  eventbrite:\n    - foo\n"},
		{"empty identifier", "groups:\n  meetup:\n    - \"\"\n"},
		{"duplicate identifier", "groups:\n  meetup:\n    - a\n    - a\n"},
		{"ics identifier not a url", "groups:\n  ics:\n    - not-a-url\n"},
		{"bad base url", "providers:\n  luma:\n    base_url: \"ftp://x\"\n"},
		{"negative rate", "providers:\n  luma:\n    rate_limit: -1\n"},
		{"bad timezone", "providers:\n  ics:\n    timezone: Mars/Olympus\n"},
		{"too many attempts", "providers:\n  meetup:\n    max_attempts: 11\n"},
		{"negative buffer", "events:\n  buffer: -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.yaml)); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestLoad_UnknownKey(t *testing.T) {
	path := writeConfig(t, `
sync:
  concurrency: 2
unknown_field: oops
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unknown config key, got nil")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestDefaultPath(t *testing.T) {
	path, err := DefaultPath()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Base(path) != "config.yaml" {
		t.Errorf("DefaultPath = %q, want a config.yaml path", path)
	}
}

func TestProvidersFor(t *testing.T) {
	p := ProvidersConfig{
		Meetup: ProviderConfig{BaseURL: "https://meetup.test"},
		ICS:    ProviderConfig{BaseURL: "https://ics.test"},
	}
	if got := p.For(model.PlatformMeetup).BaseURL; got != "https://meetup.test" {
		t.Errorf("For(meetup).BaseURL = %q", got)
	}
	if got := p.For(model.PlatformICS).BaseURL; got != "https://ics.test" {
		t.Errorf("For(ics).BaseURL = %q", got)
	}
	if got := p.For("unknown"); got != (ProviderConfig{}) {
		t.Errorf("For(unknown) = %+v, want zero value", got)
	}
}

func TestLoad_TelemetryValid(t *testing.T) {
	path := writeConfig(t, `
telemetry:
  otlp_endpoint: "localhost:4317"
  insecure: true
  service_name: "my-eventsync"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telemetry == nil {
		t.Fatal("expected Telemetry to be non-nil")
	}
	if cfg.Telemetry.OTLPEndpoint != "localhost:4317" {
		t.Errorf("OTLPEndpoint = %q, want %q", cfg.Telemetry.OTLPEndpoint, "localhost:4317")
	}
	if !cfg.Telemetry.Insecure {
		t.Error("Insecure = false, want true")
	}
	if cfg.Telemetry.ServiceName != "my-eventsync" {
		t.Errorf("ServiceName = %q, want %q", cfg.Telemetry.ServiceName, "my-eventsync")
	}
}

func TestLoad_TelemetryOmitted(t *testing.T) {
	path := writeConfig(t, `
sync:
  concurrency: 1
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telemetry != nil {
		t.Error("expected Telemetry to be nil when block is omitted")
	}
}

func TestLoad_TelemetryMissingEndpoint(t *testing.T) {
	path := writeConfig(t, `
telemetry:
  insecure: true
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for telemetry missing otlp_endpoint, got nil")
	}
}

func TestLoad_TelemetryHeaders(t *testing.T) {
	path := writeConfig(t, `
telemetry:
  otlp_endpoint: "otelcol.example.com:4317"
  headers:
    Authorization: "Bearer secret"
    x-dataset: "test"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Telemetry.Headers) != 2 {
		t.Fatalf("Headers len = %d, want 2", len(cfg.Telemetry.Headers))
	}
	if cfg.Telemetry.Headers["Authorization"] != "Bearer secret" {
		t.Errorf("Authorization header = %q, want %q", cfg.Telemetry.Headers["Authorization"], "Bearer secret")
	}
}

// ---------------------------------------------------------------------------
// Env
// ---------------------------------------------------------------------------

func TestMapEnv(t *testing.T) {
	env := MapEnv{"A": " value ", "BLANK": "   "}
	if got := Get(env, "A"); got != "value" {
		t.Errorf("Get(A) = %q, want %q", got, "value")
	}
	missing := Missing(env, "A", "BLANK", "UNSET")
	if len(missing) != 2 || missing[0] != "BLANK" || missing[1] != "UNSET" {
		t.Errorf("Missing = %v, want [BLANK UNSET]", missing)
	}
	if got := Get(nil, "A"); got != "" {
		t.Errorf("Get(nil) = %q, want empty", got)
	}
}

func TestLoadOSEnv(t *testing.T) {
	t.Setenv("EVENTSYNC_TEST_KEY", "present")
	t.Setenv("EVENTSYNC_TEST_BLANK", "")
	t.Setenv("eventsync.dotted", "dropped")
	env, err := LoadOSEnv()
	if err != nil {
		t.Fatalf("LoadOSEnv: %v", err)
	}
	if got := Get(env, "EVENTSYNC_TEST_KEY"); got != "present" {
		t.Errorf("Get(OSEnv) = %q, want %q", got, "present")
	}
	if _, ok := env.Lookup("eventsync_test_key"); ok {
		t.Error("lookup is case-insensitive, want exact names")
	}
	if v, ok := env.Lookup("EVENTSYNC_TEST_BLANK"); !ok || v != "" {
		t.Errorf("blank var = %q, %v, want present and empty", v, ok)
	}
	if _, ok := env.Lookup("eventsync.dotted"); ok {
		t.Error("dotted name kept")
	}
	if missing := Missing(env, "EVENTSYNC_TEST_KEY", "EVENTSYNC_TEST_BLANK"); len(missing) != 1 {
		t.Errorf("Missing = %v, want [EVENTSYNC_TEST_BLANK]", missing)
	}

	// Values are read once.
	t.Setenv("EVENTSYNC_TEST_KEY", "changed")
	if got := Get(env, "EVENTSYNC_TEST_KEY"); got != "present" {
		t.Errorf("Get after Setenv = %q, want snapshot value", got)
	}
	if _, ok := (OSEnv{}).Lookup("EVENTSYNC_TEST_KEY"); ok {
		t.Error("zero OSEnv found a key")
	}
}
