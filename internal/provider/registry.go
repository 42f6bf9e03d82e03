package provider

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/njoerd114/eventsync/internal/config"
	"github.com/njoerd114/eventsync/internal/metrics"
	"github.com/njoerd114/eventsync/internal/model"
)

// Outcome is the result of one registry fetch. Exactly one of Result and
// Err is set.
type Outcome struct {
	Platform   model.Platform
	Identifier string
	Success    bool
	Result     *FetchResult
	Err        error
}

type initState struct {
	once sync.Once
	err  error
}

// Registry maps platforms to adapters. It is built once at startup and
// passed to the engine explicitly.
type Registry struct {
	mu        sync.Mutex
	providers map[model.Platform]Provider
	order     []model.Platform
	inits     map[model.Platform]*initState
	log       *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		providers: make(map[model.Platform]Provider),
		inits:     make(map[model.Platform]*initState),
		log:       logger,
	}
}

// Register adds p. Registering a platform twice keeps the first adapter.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	platform := p.Platform()
	if _, ok := r.providers[platform]; ok {
		return
	}
	r.providers[platform] = p
	r.order = append(r.order, platform)
}

// Get returns the adapter of a platform.
func (r *Registry) Get(platform model.Platform) (Provider, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[platform]
	return p, ok
}

// Platforms returns the registered platforms in registration order.
func (r *Registry) Platforms() []model.Platform {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Platform(nil), r.order...)
}

// ConfiguredProviders returns the registered platforms whose credentials are
// present in env.
func (r *Registry) ConfiguredProviders(env config.Env) []model.Platform {
	var out []model.Platform
	for _, platform := range r.Platforms() {
		p, _ := r.Get(platform)
		if p.IsConfigured(env) {
			out = append(out, platform)
		}
	}
	return out
}

// InitializeAll initializes every configured adapter that has not been
// initialized yet and returns the failures by platform.
func (r *Registry) InitializeAll(ctx context.Context, env config.Env) map[model.Platform]error {
	errs := make(map[model.Platform]error)
	for _, platform := range r.ConfiguredProviders(env) {
		if err := r.initialize(ctx, platform, env); err != nil {
			errs[platform] = err
		}
	}
	return errs
}

// Reset forgets which adapters were initialized.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inits = make(map[model.Platform]*initState)
}

// initialize runs Initialize at most once per platform until Reset. A failed
// initialization is remembered and returned again.
func (r *Registry) initialize(ctx context.Context, platform model.Platform, env config.Env) error {
	p, ok := r.Get(platform)
	if !ok {
		return &ConfigurationError{Platform: platform, Err: fmt.Errorf("no adapter registered")}
	}

	r.mu.Lock()
	st, ok := r.inits[platform]
	if !ok {
		st = &initState{}
		r.inits[platform] = st
	}
	r.mu.Unlock()

	st.once.Do(func() {
		st.err = p.Initialize(ctx, env)
		if st.err != nil {
			st.err = Classify(platform, "", st.err)
			r.log.Warn("provider initialization failed", "platform", string(platform), "error", st.err)
			return
		}
		r.log.Debug("provider initialized", "platform", string(platform))
	})
	return st.err
}

// Fetch fetches one group. It never returns a bare error and never panics:
// every failure, including a panicking adapter, is reported in the Outcome.
func (r *Registry) Fetch(ctx context.Context, platform model.Platform, identifier string, env config.Env, opts FetchOptions) (out Outcome) {
	out = Outcome{Platform: platform, Identifier: identifier}
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("provider panicked", "platform", string(platform), "group", identifier, "panic", rec, "stack", string(debug.Stack()))
			out.Success = false
			out.Result = nil
			out.Err = &TransientError{Platform: platform, GroupID: identifier, Err: fmt.Errorf("adapter panic: %v", rec)}
		}
		kind := "ok"
		if out.Err != nil {
			kind = string(KindOf(out.Err))
		}
		metrics.RecordFetch(string(platform), kind)
	}()

	p, ok := r.Get(platform)
	if !ok {
		out.Err = &ConfigurationError{Platform: platform, Err: fmt.Errorf("no adapter registered")}
		return out
	}
	if !p.IsConfigured(env) {
		out.Err = &ConfigurationError{Platform: platform}
		return out
	}
	if err := r.initialize(ctx, platform, env); err != nil {
		out.Err = err
		return out
	}

	res, err := p.FetchEvents(ctx, identifier, opts)
	if err != nil {
		out.Err = Classify(platform, identifier, err)
		return out
	}
	if res == nil {
		res = &FetchResult{}
	}
	out.Success = true
	out.Result = res
	return out
}
