package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/njoerd114/eventsync/internal/config"
	"github.com/njoerd114/eventsync/internal/model"
)

// fakeProvider is a hand-written Provider for registry tests.
type fakeProvider struct {
	mu          sync.Mutex
	platform    model.Platform
	envKey      string
	initErr     error
	initCalls   int
	fetchErr    error
	fetchPanic  bool
	result      *FetchResult
	fetchedWith []string
}

func (f *fakeProvider) Platform() model.Platform { return f.platform }

func (f *fakeProvider) IsConfigured(env config.Env) bool {
	return f.envKey == "" || config.Get(env, f.envKey) != ""
}

func (f *fakeProvider) Initialize(context.Context, config.Env) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	return f.initErr
}

func (f *fakeProvider) FetchEvents(_ context.Context, groupID string, _ FetchOptions) (*FetchResult, error) {
	f.mu.Lock()
	f.fetchedWith = append(f.fetchedWith, groupID)
	f.mu.Unlock()
	if f.fetchPanic {
		panic("boom")
	}
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.result, nil
}

func (f *fakeProvider) inits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initCalls
}

func TestRegistry_RegisterIdempotent(t *testing.T) {
	r := NewRegistry(nil)
	first := &fakeProvider{platform: model.PlatformMeetup}
	second := &fakeProvider{platform: model.PlatformMeetup}
	r.Register(first)
	r.Register(second)

	if got := r.Platforms(); len(got) != 1 {
		t.Fatalf("Platforms() = %v, want one entry", got)
	}
	if p, _ := r.Get(model.PlatformMeetup); p != first {
		t.Error("second registration replaced the first adapter")
	}
}

func TestRegistry_ConfiguredProviders(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&fakeProvider{platform: model.PlatformMeetup, envKey: "MEETUP_KEY"})
	r.Register(&fakeProvider{platform: model.PlatformLuma, envKey: "LUMA_KEY"})
	r.Register(&fakeProvider{platform: model.PlatformICS})

	got := r.ConfiguredProviders(config.MapEnv{"LUMA_KEY": "x"})
	want := []model.Platform{model.PlatformLuma, model.PlatformICS}
	if len(got) != len(want) {
		t.Fatalf("ConfiguredProviders = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ConfiguredProviders[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRegistry_InitializeOnce(t *testing.T) {
	r := NewRegistry(nil)
	p := &fakeProvider{platform: model.PlatformICS}
	r.Register(p)
	env := config.MapEnv{}

	for range 3 {
		if errs := r.InitializeAll(context.Background(), env); len(errs) != 0 {
			t.Fatalf("InitializeAll errors: %v", errs)
		}
	}
	r.Fetch(context.Background(), model.PlatformICS, "feed", env, FetchOptions{})
	if p.inits() != 1 {
		t.Errorf("Initialize called %d times, want 1", p.inits())
	}

	r.Reset()
	r.InitializeAll(context.Background(), env)
	if p.inits() != 2 {
		t.Errorf("Initialize called %d times after Reset, want 2", p.inits())
	}
}

func TestRegistry_InitializeFailureRemembered(t *testing.T) {
	r := NewRegistry(nil)
	p := &fakeProvider{platform: model.PlatformMeetup, initErr: &ConfigurationError{Platform: model.PlatformMeetup}}
	r.Register(p)

	errs := r.InitializeAll(context.Background(), config.MapEnv{})
	if KindOf(errs[model.PlatformMeetup]) != KindConfiguration {
		t.Fatalf("errs = %v, want configuration error for meetup", errs)
	}
	out := r.Fetch(context.Background(), model.PlatformMeetup, "golang", config.MapEnv{}, FetchOptions{})
	if out.Success || KindOf(out.Err) != KindConfiguration {
		t.Errorf("Fetch outcome = %+v, want configuration failure", out)
	}
	if p.inits() != 1 {
		t.Errorf("Initialize called %d times, want 1", p.inits())
	}
}

func TestRegistry_FetchSuccess(t *testing.T) {
	r := NewRegistry(nil)
	res := &FetchResult{Events: []model.CanonicalEvent{{PlatformID: "1"}}}
	r.Register(&fakeProvider{platform: model.PlatformLuma, result: res})

	out := r.Fetch(context.Background(), model.PlatformLuma, "cal-1", config.MapEnv{}, FetchOptions{MaxEvents: 10})
	if !out.Success || out.Err != nil {
		t.Fatalf("outcome = %+v, want success", out)
	}
	if out.Result != res || out.Identifier != "cal-1" {
		t.Errorf("outcome = %+v", out)
	}
}

func TestRegistry_FetchFailures(t *testing.T) {
	tests := []struct {
		name     string
		provider *fakeProvider
		platform model.Platform
		env      config.MapEnv
		want     Kind
	}{
		{"unregistered", nil, model.PlatformHomeAssistant, nil, KindConfiguration},
		{"not configured", &fakeProvider{platform: model.PlatformLuma, envKey: "LUMA_KEY"}, model.PlatformLuma, nil, KindConfiguration},
		{"not found", &fakeProvider{platform: model.PlatformLuma, fetchErr: &NotFoundError{Platform: model.PlatformLuma}}, model.PlatformLuma, nil, KindNotFound},
		{"plain error", &fakeProvider{platform: model.PlatformLuma, fetchErr: errors.New("reset by peer")}, model.PlatformLuma, nil, KindTransient},
		{"panic", &fakeProvider{platform: model.PlatformLuma, fetchPanic: true}, model.PlatformLuma, nil, KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(nil)
			if tt.provider != nil {
				r.Register(tt.provider)
			}
			out := r.Fetch(context.Background(), tt.platform, "g", tt.env, FetchOptions{})
			if out.Success {
				t.Fatal("outcome reported success")
			}
			if out.Result != nil {
				t.Error("failed outcome carries a result")
			}
			if got := KindOf(out.Err); got != tt.want {
				t.Errorf("kind = %q, want %q (err %v)", got, tt.want, out.Err)
			}
		})
	}
}

func TestFetchResultAdd(t *testing.T) {
	start := time.Date(2025, 5, 1, 18, 0, 0, 0, time.UTC)
	valid := model.CanonicalEvent{
		PlatformID: "ok",
		Platform:   model.PlatformLuma,
		Title:      "Meetup",
		EventURL:   "https://lu.ma/ok",
		StartTime:  start,
		Timezone:   "UTC",
		Status:     model.StatusActive,
		EventType:  model.TypeOnline,
	}
	invalid := valid
	invalid.PlatformID = "bad"
	invalid.Title = ""

	res := &FetchResult{}
	opts := FetchOptions{MaxEvents: 2}
	res.Add("cal-1", valid, opts)
	res.Add("cal-1", invalid, opts)
	if len(res.Events) != 1 || len(res.Skipped) != 1 {
		t.Fatalf("events=%d skipped=%d, want 1 and 1", len(res.Events), len(res.Skipped))
	}
	var ve *ValidationError
	if !errors.As(res.Skipped[0], &ve) || ve.PlatformID != "bad" {
		t.Errorf("skipped = %v, want ValidationError for bad", res.Skipped[0])
	}

	second := valid
	second.PlatformID = "ok2"
	if !res.Add("cal-1", second, opts) {
		t.Fatal("Add refused an event below the cap")
	}
	if res.Add("cal-1", valid, opts) {
		t.Error("Add accepted an event beyond MaxEvents")
	}
	if !res.Truncated || !res.Full(opts) {
		t.Error("result not marked truncated at the cap")
	}
}

func TestFetchOptionsInWindow(t *testing.T) {
	now := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	opts := FetchOptions{After: now, Before: now.Add(24 * time.Hour)}
	if !opts.InWindow(now.Add(time.Hour)) {
		t.Error("time inside the window reported outside")
	}
	if opts.InWindow(now.Add(-time.Hour)) || opts.InWindow(now.Add(48*time.Hour)) {
		t.Error("time outside the window reported inside")
	}
	if !(FetchOptions{}).InWindow(now) {
		t.Error("open window rejected a time")
	}
}
