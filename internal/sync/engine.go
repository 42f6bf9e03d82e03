package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/njoerd114/eventsync/internal/config"
	"github.com/njoerd114/eventsync/internal/metrics"
	"github.com/njoerd114/eventsync/internal/model"
	"github.com/njoerd114/eventsync/internal/provider"
	"github.com/njoerd114/eventsync/internal/state"
)

const (
	otelScope     = "eventsync/sync"
	spanRun       = "sync.run"
	spanGroup     = "sync.group"
	metricCreated = "eventsync.sync.events.created"
	metricUpdated = "eventsync.sync.events.updated"
	metricDeleted = "eventsync.sync.events.deleted"
	metricFailed  = "eventsync.sync.groups.failed"

	// finalizeTimeout bounds the run log write after the pass context ended.
	finalizeTimeout = 10 * time.Second
)

// Errors returned by passes. Partial failure is never an error.
var (
	ErrNoProviders     = errors.New("no providers configured")
	ErrNoGroups        = errors.New("no groups to sync")
	ErrAllGroupsFailed = errors.New("all groups failed")
	ErrRunInProgress   = errors.New("sync pass already in progress")
)

// Options tunes the engine. Build it from configuration with [OptionsFrom].
type Options struct {
	Concurrency     int
	MaxEvents       int
	WindowPast      time.Duration
	WindowFuture    time.Duration
	RetirementGrace time.Duration
	RunTimeout      time.Duration
	Schedule        string
	RunOnStart      bool

	// Catalog is the static group list by platform.
	Catalog map[model.Platform][]string
}

// OptionsFrom copies the sync settings and group catalog of cfg.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		Concurrency:     cfg.Sync.Concurrency,
		MaxEvents:       cfg.Sync.MaxEvents,
		WindowPast:      cfg.Sync.WindowPast,
		WindowFuture:    cfg.Sync.WindowFuture,
		RetirementGrace: cfg.Sync.RetirementGrace,
		RunTimeout:      cfg.Sync.RunTimeout,
		Schedule:        cfg.Sync.Schedule,
		RunOnStart:      cfg.Sync.RunOnStart,
		Catalog:         cfg.Groups,
	}
}

// Option configures optional collaborators of an Engine.
type Option func(*Engine)

// WithPublisher publishes domain events after each group commits.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithVersioner invalidates and reports the sync version after each pass.
func WithVersioner(v Versioner) Option {
	return func(e *Engine) { e.versioner = v }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// GroupResult is the outcome of one group in a pass.
type GroupResult struct {
	Platform        model.Platform `json:"platform"`
	GroupIdentifier string         `json:"groupIdentifier"`
	Success         bool           `json:"success"`
	GroupID         string         `json:"groupId,omitempty"`
	EventsCreated   int            `json:"eventsCreated,omitempty"`
	EventsUpdated   int            `json:"eventsUpdated,omitempty"`
	EventsDeleted   int            `json:"eventsDeleted,omitempty"`
	EventsSkipped   int            `json:"eventsSkipped,omitempty"`
	ErrorKind       string         `json:"errorKind,omitempty"`
	Error           string         `json:"error,omitempty"`
}

// Report summarizes a pass.
type Report struct {
	Success    bool          `json:"success"`
	Total      int           `json:"total"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	DurationMs int64         `json:"durationMs"`
	RunID      string        `json:"runId"`
	Version    string        `json:"version,omitempty"`
	Results    []GroupResult `json:"results"`
}

// Engine orchestrates sync passes. Create one with [NewEngine]; run a single
// pass with [Engine.RunOnce] or schedule passes with [Engine.Run]. Passes
// never overlap.
type Engine struct {
	store      Store
	providers  Providers
	env        config.Env
	reconciler *Reconciler
	opts       Options
	publisher  Publisher
	versioner  Versioner
	now        func() time.Time
	log        *slog.Logger

	// running serializes passes.
	running sync.Mutex

	// OTel instruments; no-ops when telemetry is disabled.
	tracer     trace.Tracer
	cntCreated metric.Int64Counter
	cntUpdated metric.Int64Counter
	cntDeleted metric.Int64Counter
	cntFailed  metric.Int64Counter
}

// NewEngine creates an Engine.
func NewEngine(store Store, providers Providers, env config.Env, opts Options, logger *slog.Logger, options ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	e := &Engine{
		store:      store,
		providers:  providers,
		env:        env,
		reconciler: NewReconciler(opts.RetirementGrace, logger),
		opts:       opts,
		now:        time.Now,
		log:        logger,

		tracer:     tracer,
		cntCreated: mustCounter(metricCreated, "Number of events created during sync"),
		cntUpdated: mustCounter(metricUpdated, "Number of events updated during sync"),
		cntDeleted: mustCounter(metricDeleted, "Number of events deleted or cancelled during sync"),
		cntFailed:  mustCounter(metricFailed, "Number of groups that failed during sync"),
	}
	for _, o := range options {
		o(e)
	}
	return e
}

// workItem is one (platform, identifier) pair to sync.
type workItem struct {
	platform   model.Platform
	identifier string
}

// groupOutcome is written by exactly one task.
type groupOutcome struct {
	result    GroupResult
	stats     Stats
	abandoned bool
}

// RunOnce performs a single pass over every catalogued and connected group.
func (e *Engine) RunOnce(ctx context.Context) (Report, error) {
	if !e.running.TryLock() {
		return Report{}, ErrRunInProgress
	}
	defer e.running.Unlock()
	return e.pass(ctx, nil)
}

// SyncGroup performs a pass over one group. The run log records the
// persisted group id.
func (e *Engine) SyncGroup(ctx context.Context, platform model.Platform, identifier string) (Report, error) {
	if !e.running.TryLock() {
		return Report{}, ErrRunInProgress
	}
	defer e.running.Unlock()
	return e.pass(ctx, &workItem{platform: platform, identifier: identifier})
}

// Run schedules passes on the configured cron expression until ctx is
// cancelled. A tick that fires while a pass is still running is skipped.
func (e *Engine) Run(ctx context.Context) error {
	logger := cronLogger{log: e.log}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	if _, err := c.AddFunc(e.opts.Schedule, func() { e.scheduledPass(ctx) }); err != nil {
		return fmt.Errorf("parsing schedule %q: %w", e.opts.Schedule, err)
	}

	c.Start()
	e.log.Info("sync scheduler started", "schedule", e.opts.Schedule)
	if e.opts.RunOnStart {
		e.scheduledPass(ctx)
	}

	<-ctx.Done()
	<-c.Stop().Done()
	e.log.Info("sync engine shutting down")
	return ctx.Err()
}

func (e *Engine) scheduledPass(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	report, err := e.RunOnce(ctx)
	switch {
	case errors.Is(err, ErrRunInProgress):
		e.log.Warn("previous pass still running, skipping")
	case err != nil:
		e.log.Error("sync pass failed", "run_id", report.RunID, "error", err)
	}
}

// pass runs the pipeline. only restricts it to one group.
func (e *Engine) pass(ctx context.Context, only *workItem) (Report, error) {
	start := e.now()
	if e.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.RunTimeout)
		defer cancel()
	}
	ctx, span := e.tracer.Start(ctx, spanRun)
	defer span.End()

	configured := e.providers.ConfiguredProviders(e.env)
	if only != nil {
		configured = filterPlatforms(configured, only.platform)
	}
	if len(configured) == 0 {
		span.SetStatus(codes.Error, ErrNoProviders.Error())
		return Report{Results: []GroupResult{}}, ErrNoProviders
	}

	run := &model.SyncRun{}
	if err := e.store.StartRun(ctx, run); err != nil {
		span.RecordError(err)
		return Report{Results: []GroupResult{}}, fmt.Errorf("recording run start: %w", err)
	}
	span.SetAttributes(attribute.String("sync.run_id", run.ID))
	e.log.Info("sync pass started", "run_id", run.ID, "providers", len(configured))

	ready := make(map[model.Platform]bool, len(configured))
	initErrs := e.providers.InitializeAll(ctx, e.env)
	for _, platform := range configured {
		if err, failed := initErrs[platform]; failed {
			e.log.Error("provider unavailable for this pass", "platform", string(platform), "error", err)
			run.Failures = append(run.Failures, model.GroupFailure{
				Platform: platform,
				Kind:     string(provider.KindOf(err)),
				Message:  err.Error(),
			})
			continue
		}
		ready[platform] = true
	}

	var work []workItem
	if only != nil {
		if ready[only.platform] {
			work = []workItem{*only}
		}
	} else {
		var err error
		if work, err = e.worklist(ctx, ready); err != nil {
			e.log.Error("loading connections", "error", err)
			run.Error = err.Error()
		}
	}

	outcomes := make([]groupOutcome, len(work))
	fatal := newFatalSet()
	var g errgroup.Group
	g.SetLimit(e.opts.Concurrency)
	for i, item := range work {
		g.Go(func() error {
			outcomes[i] = e.syncGroup(ctx, run.ID, item, fatal)
			return nil
		})
	}
	_ = g.Wait() // tasks report through outcomes

	report := Report{RunID: run.ID, Results: make([]GroupResult, 0, len(outcomes))}
	var total Stats
	abandoned := 0
	for _, o := range outcomes {
		if o.abandoned {
			abandoned++
			continue
		}
		report.Results = append(report.Results, o.result)
		report.Total++
		if o.result.Success {
			report.Succeeded++
			total.add(o.stats)
			if only != nil {
				run.GroupID = o.result.GroupID
			}
			continue
		}
		report.Failed++
		run.Failures = append(run.Failures, model.GroupFailure{
			Platform:   o.result.Platform,
			Identifier: o.result.GroupIdentifier,
			Kind:       o.result.ErrorKind,
			Message:    o.result.Error,
		})
	}
	report.Success = report.Succeeded > 0

	var passErr error
	switch {
	case len(work) == 0:
		passErr = ErrNoGroups
	case report.Succeeded == 0 && report.Total > 0:
		passErr = fmt.Errorf("%w: %d of %d", ErrAllGroupsFailed, report.Failed, report.Total)
	case report.Succeeded == 0:
		passErr = fmt.Errorf("%w: pass cancelled before any group completed", ErrAllGroupsFailed)
	}

	run.EventsCreated, run.EventsUpdated, run.EventsDeleted = total.Created, total.Updated, total.Deleted
	run.GroupsChanged = total.Groups
	run.GroupsTotal, run.GroupsFailed = report.Total, report.Failed
	run.Status = model.RunSuccess
	if !report.Success {
		run.Status = model.RunFailed
	}
	if passErr != nil {
		run.Error = passErr.Error()
	} else if abandoned > 0 {
		run.Error = fmt.Sprintf("pass ended early: %d groups abandoned", abandoned)
	}

	// The pass context may be done; the run log is written regardless.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	run.CompletedAt = e.now()
	if err := e.store.FinishRun(fctx, run); err != nil {
		e.log.Error("recording run result", "run_id", run.ID, "error", err)
		passErr = errors.Join(passErr, fmt.Errorf("recording run result: %w", err))
	}

	if e.versioner != nil {
		if total.Changes() > 0 {
			e.versioner.Invalidate()
		}
		if v, err := e.versioner.Current(fctx); err == nil {
			report.Version = v
		} else {
			e.log.Warn("reading sync version", "error", err)
		}
	}
	e.publish(model.Change{Type: model.ChangeSyncCompleted, RunID: run.ID, OccurredAt: run.CompletedAt})

	duration := run.CompletedAt.Sub(start)
	report.DurationMs = duration.Milliseconds()
	metrics.RecordRun(string(run.Status), duration)
	e.record(ctx, total, report.Failed)

	span.SetAttributes(
		attribute.Int("sync.groups", report.Total),
		attribute.Int("sync.failed", report.Failed),
		attribute.Int("sync.created", total.Created),
		attribute.Int("sync.updated", total.Updated),
		attribute.Int("sync.deleted", total.Deleted),
		attribute.Int("sync.groups_changed", total.Groups),
	)
	if passErr != nil {
		span.RecordError(passErr)
		span.SetStatus(codes.Error, passErr.Error())
	}

	e.log.Info("sync pass complete",
		"run_id", run.ID,
		"groups", report.Total,
		"failed", report.Failed,
		"abandoned", abandoned,
		"created", total.Created,
		"updated", total.Updated,
		"deleted", total.Deleted,
		"groups_changed", total.Groups,
		"duration", duration,
	)
	return report, passErr
}

// worklist merges the catalog with active connections, deduplicated by
// (platform, identifier), for platforms in ready. A catalog entry whose
// connection was disconnected stays out until it is reconnected.
func (e *Engine) worklist(ctx context.Context, ready map[model.Platform]bool) ([]workItem, error) {
	// On a read error the catalog is still synced.
	conns, err := e.store.Connections(ctx)
	seen := make(map[workItem]bool)
	for _, c := range conns {
		if !c.Active {
			seen[workItem{platform: c.Platform, identifier: c.Identifier}] = true
		}
	}
	var work []workItem
	add := func(item workItem) {
		if !ready[item.platform] || item.identifier == "" || seen[item] {
			return
		}
		seen[item] = true
		work = append(work, item)
	}
	for _, platform := range model.Platforms() {
		for _, id := range e.opts.Catalog[platform] {
			add(workItem{platform: platform, identifier: id})
		}
	}
	for _, c := range conns {
		add(workItem{platform: c.Platform, identifier: c.Identifier})
	}
	return work, err
}

// syncGroup fetches and reconciles one group. It never panics and never
// returns an error; failures are reported in the outcome.
func (e *Engine) syncGroup(ctx context.Context, runID string, item workItem, fatal *fatalSet) groupOutcome {
	if ctx.Err() != nil {
		return groupOutcome{abandoned: true}
	}
	metrics.TrackGroup(true)
	defer metrics.TrackGroup(false)

	ctx, span := e.tracer.Start(ctx, spanGroup, trace.WithAttributes(
		attribute.String("sync.platform", string(item.platform)),
		attribute.String("sync.group", item.identifier),
	))
	defer span.End()

	out := groupOutcome{result: GroupResult{Platform: item.platform, GroupIdentifier: item.identifier}}
	fail := func(err error) groupOutcome {
		out.result.ErrorKind = string(provider.KindOf(err))
		out.result.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordGroup(string(item.platform), false)
		e.log.Warn("group sync failed", "platform", string(item.platform), "group", item.identifier, "kind", out.result.ErrorKind, "error", err)
		return out
	}

	if err := fatal.get(item.platform); err != nil {
		return fail(&provider.AuthenticationError{Platform: item.platform, GroupID: item.identifier, Err: fmt.Errorf("provider disabled for this pass: %w", err)})
	}

	now := e.now()
	opts := provider.FetchOptions{MaxEvents: e.opts.MaxEvents, After: now.Add(-e.opts.WindowPast)}
	if e.opts.WindowFuture > 0 {
		opts.Before = now.Add(e.opts.WindowFuture)
	}

	fetched := e.providers.Fetch(ctx, item.platform, item.identifier, e.env, opts)
	if !fetched.Success {
		if ctx.Err() != nil {
			return groupOutcome{abandoned: true}
		}
		if errors.Is(fetched.Err, provider.ErrAuthentication) {
			fatal.set(item.platform, fetched.Err)
		}
		return fail(fetched.Err)
	}
	res := fetched.Result
	for _, skipped := range res.Skipped {
		e.log.Debug("event skipped", "platform", string(item.platform), "group", item.identifier, "error", skipped)
	}
	metrics.RecordSkipped(string(item.platform), len(res.Skipped))

	var (
		stats   Stats
		changes []model.Change
		groupID string
	)
	err := e.store.WithGroupTx(ctx, func(tx *state.Tx) error {
		link, err := linkGroup(ctx, tx, item.platform, item.identifier, res.Group, now)
		if err != nil {
			return fmt.Errorf("linking group: %w", err)
		}
		s, evChanges, err := e.reconciler.Reconcile(ctx, tx, link.group.ID, item.platform, res, opts, now)
		if err != nil {
			return fmt.Errorf("reconciling events: %w", err)
		}
		s.Groups = len(link.changes)
		stats, groupID = s, link.group.ID
		changes = append(link.changes, evChanges...)
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return groupOutcome{abandoned: true}
		}
		return fail(err)
	}

	for _, c := range changes {
		c.RunID = runID
		e.publish(c)
	}
	metrics.RecordGroup(string(item.platform), true)
	metrics.RecordReconciled(string(item.platform), stats.Created, stats.Updated, stats.Deleted)
	span.SetAttributes(
		attribute.Int("sync.created", stats.Created),
		attribute.Int("sync.updated", stats.Updated),
		attribute.Int("sync.deleted", stats.Deleted),
		attribute.Int("sync.skipped", stats.Skipped),
	)

	out.stats = stats
	out.result.Success = true
	out.result.GroupID = groupID
	out.result.EventsCreated = stats.Created
	out.result.EventsUpdated = stats.Updated
	out.result.EventsDeleted = stats.Deleted
	out.result.EventsSkipped = stats.Skipped
	e.log.Debug("group synced", "platform", string(item.platform), "group", item.identifier,
		"created", stats.Created, "updated", stats.Updated, "deleted", stats.Deleted, "skipped", stats.Skipped)
	return out
}

func (e *Engine) publish(c model.Change) {
	if e.publisher != nil {
		e.publisher.Publish(c)
	}
}

// record adds a pass to the OTel counters. These are always safe even if
// telemetry is disabled.
func (e *Engine) record(ctx context.Context, s Stats, failed int) {
	ctx = context.WithoutCancel(ctx)
	if s.Created > 0 {
		e.cntCreated.Add(ctx, int64(s.Created))
	}
	if s.Updated > 0 {
		e.cntUpdated.Add(ctx, int64(s.Updated))
	}
	if s.Deleted > 0 {
		e.cntDeleted.Add(ctx, int64(s.Deleted))
	}
	if failed > 0 {
		e.cntFailed.Add(ctx, int64(failed))
	}
}

func filterPlatforms(platforms []model.Platform, keep model.Platform) []model.Platform {
	for _, p := range platforms {
		if p == keep {
			return []model.Platform{p}
		}
	}
	return nil
}

// fatalSet holds the providers that failed authentication during a pass.
type fatalSet struct {
	mu   sync.Mutex
	errs map[model.Platform]error
}

func newFatalSet() *fatalSet {
	return &fatalSet{errs: make(map[model.Platform]error)}
}

func (f *fatalSet) set(p model.Platform, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.errs[p]; !ok {
		f.errs[p] = err
	}
}

func (f *fatalSet) get(p model.Platform) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errs[p]
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
