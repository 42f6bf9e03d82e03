package sync

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/njoerd114/eventsync/internal/config"
	"github.com/njoerd114/eventsync/internal/model"
	"github.com/njoerd114/eventsync/internal/provider"
	"github.com/njoerd114/eventsync/internal/state"
)

// --- Mock Provider -----------------------------------------------------------

type mockProvider struct {
	platform   model.Platform
	configured bool
	initErr    error
	delay      time.Duration

	mu        sync.Mutex
	events    map[string][]model.CanonicalEvent // identifier → events
	groups    map[string]*model.CanonicalGroup
	errs      map[string]error
	truncated map[string]bool
	calls     map[string]int
	inFlight  int
	maxFlight int
}

func newMockProvider(platform model.Platform) *mockProvider {
	return &mockProvider{
		platform:   platform,
		configured: true,
		events:     make(map[string][]model.CanonicalEvent),
		groups:     make(map[string]*model.CanonicalGroup),
		errs:       make(map[string]error),
		truncated:  make(map[string]bool),
		calls:      make(map[string]int),
	}
}

func (m *mockProvider) Platform() model.Platform { return m.platform }

func (m *mockProvider) IsConfigured(config.Env) bool { return m.configured }

func (m *mockProvider) Initialize(context.Context, config.Env) error { return m.initErr }

func (m *mockProvider) FetchEvents(ctx context.Context, id string, _ provider.FetchOptions) (*provider.FetchResult, error) {
	m.mu.Lock()
	m.calls[id]++
	m.inFlight++
	if m.inFlight > m.maxFlight {
		m.maxFlight = m.inFlight
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs[id]; err != nil {
		return nil, err
	}
	evs := append([]model.CanonicalEvent(nil), m.events[id]...)
	return &provider.FetchResult{Group: m.groups[id], Events: evs, Truncated: m.truncated[id]}, nil
}

func (m *mockProvider) setEvents(id string, evs ...model.CanonicalEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[id] = evs
}

func (m *mockProvider) setErr(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[id] = err
}

func (m *mockProvider) totalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		n += c
	}
	return n
}

// --- Mock Publisher ----------------------------------------------------------

type mockPublisher struct {
	mu      sync.Mutex
	changes []model.Change
}

func (m *mockPublisher) Publish(c model.Change) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes = append(m.changes, c)
}

func (m *mockPublisher) count(t model.ChangeType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.changes {
		if c.Type == t {
			n++
		}
	}
	return n
}

// --- Mock Versioner ----------------------------------------------------------

type mockVersioner struct {
	mu          sync.Mutex
	invalidated int
}

func (m *mockVersioner) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidated++
}

func (m *mockVersioner) Current(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("v%d", m.invalidated), nil
}

// --- helpers -----------------------------------------------------------------

func openTestStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.Open(filepath.Join(t.TempDir(), "sync-test.db"))
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRegistry(providers ...*mockProvider) *provider.Registry {
	r := provider.NewRegistry(testLogger)
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

func testOptions(catalog map[model.Platform][]string) Options {
	return Options{
		Concurrency:     5,
		MaxEvents:       200,
		WindowFuture:    90 * 24 * time.Hour,
		RetirementGrace: 48 * time.Hour,
		Schedule:        "*/30 * * * *",
		Catalog:         catalog,
	}
}

func canonicalEvent(platform model.Platform, id, title string, start time.Time) model.CanonicalEvent {
	end := start.Add(2 * time.Hour)
	return model.CanonicalEvent{
		PlatformID: id,
		Platform:   platform,
		Title:      title,
		EventURL:   "https://example.com/events/" + id,
		StartTime:  start,
		EndTime:    &end,
		Timezone:   "UTC",
		Duration:   &model.Duration{Hours: 2},
		Status:     model.StatusActive,
		EventType:  model.TypePhysical,
	}
}
