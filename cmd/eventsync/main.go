// Eventsync ingests event listings from Meetup, Luma, iCalendar feeds and
// Home Assistant calendars into one SQLite store and serves them over HTTP.
//
// Usage:
//
//	eventsync sync-once [--config <path>] [--json]        # one pass then exit
//	eventsync sync-group <platform> <identifier> [...]    # sync a single group
//	eventsync serve [--config <path>]                     # scheduled passes + HTTP API
//	eventsync status [--config <path>]                    # show store and last run
//	eventsync providers [--config <path>]                 # show adapter credentials
//	eventsync disconnect <platform> <identifier>          # stop syncing a connection
//	eventsync reconnect <platform> <identifier>           # resume a connection
//	eventsync version                                     # print version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "time/tzdata"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/njoerd114/eventsync/internal/api"
	"github.com/njoerd114/eventsync/internal/config"
	"github.com/njoerd114/eventsync/internal/events"
	"github.com/njoerd114/eventsync/internal/homeassistant"
	"github.com/njoerd114/eventsync/internal/model"
	"github.com/njoerd114/eventsync/internal/provider"
	"github.com/njoerd114/eventsync/internal/provider/ics"
	"github.com/njoerd114/eventsync/internal/provider/luma"
	"github.com/njoerd114/eventsync/internal/provider/meetup"
	"github.com/njoerd114/eventsync/internal/state"
	syncp "github.com/njoerd114/eventsync/internal/sync"
	"github.com/njoerd114/eventsync/internal/telemetry"
	"github.com/njoerd114/eventsync/internal/version"
)

// buildVersion is set at build time via -ldflags "-X main.buildVersion=..."
var buildVersion = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run dispatches to the subcommand named by the first argument.
func run() error {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "sync-once":
		return runSyncOnce(args)
	case "sync-group":
		return runSyncGroup(args)
	case "serve":
		return runServe(args)
	case "status":
		return runStatus(args)
	case "providers":
		return runProviders(args)
	case "disconnect":
		return runSetActive(cmd, args, false)
	case "reconnect":
		return runSetActive(cmd, args, true)
	case "version":
		fmt.Println("eventsync", buildVersion)
		return nil
	case "help", "-h", "--help":
		printUsage()
		return nil
	}
	return fmt.Errorf("unknown command %q, run 'eventsync help' for usage", cmd)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "eventsync: sync community events into one store")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  eventsync sync-once [--config ...] [--json]       Single sync pass then exit")
	fmt.Fprintln(os.Stderr, "  eventsync sync-group <platform> <identifier>      Sync one group then exit")
	fmt.Fprintln(os.Stderr, "  eventsync serve [--config ...]                    Scheduled passes and HTTP API")
	fmt.Fprintln(os.Stderr, "  eventsync status [--config ...]                   Show store and last run")
	fmt.Fprintln(os.Stderr, "  eventsync providers [--config ...]                Show configured adapters")
	fmt.Fprintln(os.Stderr, "  eventsync disconnect <platform> <identifier>      Stop syncing a connection")
	fmt.Fprintln(os.Stderr, "  eventsync reconnect <platform> <identifier>       Resume a connection")
	fmt.Fprintln(os.Stderr, "  eventsync version                                 Print version")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Credentials are read from the environment:")
	fmt.Fprintln(os.Stderr, "  MEETUP_CLIENT_KEY, MEETUP_MEMBER_ID, MEETUP_SIGNING_KEY_ID, MEETUP_PRIVATE_KEY")
	fmt.Fprintln(os.Stderr, "  LUMA_API_KEY, HA_URL, HA_TOKEN (iCalendar feeds need none)")
}

// --- Flags -------------------------------------------------------------------

type commonFlags struct {
	config  string
	verbose bool
}

func newFlagSet(name string) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	c := &commonFlags{}
	fs.StringVar(&c.config, "config", defaultCfg, "path to config.yaml")
	fs.BoolVar(&c.verbose, "verbose", false, "enable debug logging")
	return fs, c
}

// --- Subcommands -------------------------------------------------------------

func runSyncOnce(args []string) error {
	fs, flags := newFlagSet("sync-once")
	asJSON := fs.Bool("json", false, "print the pass report as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := newApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.close()

	report, err := a.engine.RunOnce(ctx)
	a.printReport(report, *asJSON)
	return err
}

func runSyncGroup(args []string) error {
	fs, flags := newFlagSet("sync-group")
	asJSON := fs.Bool("json", false, "print the pass report as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	platform, identifier, err := connectionArgs(fs.Args())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := newApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.close()

	report, err := a.engine.SyncGroup(ctx, platform, identifier)
	a.printReport(report, *asJSON)
	return err
}

func runServe(args []string) error {
	fs, flags := newFlagSet("serve")
	listen := fs.String("listen", "", "override http.listen")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := newApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.close()

	srv, err := api.New(a.store, a.versions, a.cfg.Cache, a.logger)
	if err != nil {
		return err
	}
	defer srv.Close()

	addr := a.cfg.HTTP.Listen
	if *listen != "" {
		addr = *listen
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.ListenAndServe(gctx, addr, srv.Handler(), a.logger)
	})
	g.Go(func() error {
		a.logger.Info("scheduler starting", "schedule", a.cfg.Sync.Schedule, "run_on_start", a.cfg.Sync.RunOnStart)
		return a.engine.Run(gctx)
	})
	if a.subscriber != nil {
		g.Go(func() error {
			return events.Watch(gctx, a.subscriber, a.logger, func(c model.Change) error {
				a.logger.Debug("domain event", "type", string(c.Type), "entity", c.EntityID, "platform", string(c.Platform))
				return nil
			})
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info("shutdown complete")
	return nil
}

func runStatus(args []string) error {
	fs, flags := newFlagSet("status")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx := context.Background()

	cfg, cfgPath, err := loadConfig(flags.config)
	fmt.Println("eventsync status")
	fmt.Println("────────────────")
	switch {
	case err != nil:
		fmt.Printf("  Config:    %s (invalid: %v)\n", flags.config, err)
		return nil
	case cfgPath == "":
		fmt.Printf("  Config:    not found (%s), using defaults\n", flags.config)
	default:
		fmt.Printf("  Config:    %s ✓\n", cfgPath)
	}
	fmt.Printf("  Schedule:  %s\n", cfg.Sync.Schedule)
	for _, p := range model.Platforms() {
		if n := len(cfg.Groups[p]); n > 0 {
			fmt.Printf("  Catalog:   %s (%d group(s))\n", p, n)
		}
	}

	dbPath, err := databasePath(cfg)
	if err != nil {
		return err
	}
	info, err := os.Stat(dbPath)
	if err != nil {
		fmt.Println("  Database:  not found")
		return nil
	}
	fmt.Printf("  Database:  %s (%s)\n", dbPath, humanSize(info.Size()))

	store, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening database at %q: %w", dbPath, err)
	}
	defer store.Close()

	if n, err := store.CountEvents(ctx); err == nil {
		fmt.Printf("  Events:    %d\n", n)
	}
	if conns, err := store.ActiveConnections(ctx); err == nil {
		fmt.Printf("  Active:    %d connection(s)\n", len(conns))
	}
	runs, err := store.RecentRuns(ctx, 1)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("  Last run:  never")
		return nil
	}
	r := runs[0]
	fmt.Printf("  Last run:  %s %s (+%d ~%d -%d, %d/%d groups failed)\n",
		r.StartedAt.Local().Format(time.DateTime), r.Status,
		r.EventsCreated, r.EventsUpdated, r.EventsDeleted, r.GroupsFailed, r.GroupsTotal)
	for _, f := range r.Failures {
		fmt.Printf("             ✗ %s %s: %s (%s)\n", f.Platform, f.Identifier, f.Message, f.Kind)
	}
	return nil
}

func runProviders(args []string) error {
	fs, flags := newFlagSet("providers")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, _, err := loadConfig(flags.config)
	if err != nil {
		return err
	}
	registry := newRegistry(cfg, slog.New(slog.DiscardHandler))
	env, err := config.LoadOSEnv()
	if err != nil {
		return err
	}
	configured := make(map[model.Platform]bool)
	for _, p := range registry.ConfiguredProviders(env) {
		configured[p] = true
	}
	for _, p := range registry.Platforms() {
		mark := "✗ missing credentials"
		if configured[p] {
			mark = "✓ configured"
		}
		fmt.Printf("  %-14s %s (%d catalog group(s))\n", p, mark, len(cfg.Groups[p]))
	}
	return nil
}

func runSetActive(cmd string, args []string, active bool) error {
	fs, flags := newFlagSet(cmd)
	if err := fs.Parse(args); err != nil {
		return err
	}
	platform, identifier, err := connectionArgs(fs.Args())
	if err != nil {
		return err
	}
	cfg, _, err := loadConfig(flags.config)
	if err != nil {
		return err
	}
	dbPath, err := databasePath(cfg)
	if err != nil {
		return err
	}
	store, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening database at %q: %w", dbPath, err)
	}
	defer store.Close()

	ok, err := store.SetConnectionActive(context.Background(), platform, identifier, active)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no %s connection for %q", platform, identifier)
	}
	fmt.Printf("✓ %s %s: active=%t\n", platform, identifier, active)
	return nil
}

// --- Wiring ------------------------------------------------------------------

// app holds the long-lived components shared by the sync subcommands.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *state.Store
	versions   *version.Tracker
	emitter    *events.Emitter
	subscriber message.Subscriber
	engine     *syncp.Engine
	closers    []func()
}

// newApp loads the config and wires telemetry, store, providers, event
// stream, version tracker and engine.
func newApp(ctx context.Context, flags *commonFlags) (*app, error) {
	logLevel := slog.LevelInfo
	if flags.verbose {
		logLevel = slog.LevelDebug
	}
	textHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(textHandler)
	slog.SetDefault(logger)

	cfg, cfgPath, err := loadConfig(flags.config)
	if err != nil {
		return nil, err
	}
	if cfgPath == "" {
		logger.Warn("config file not found, using defaults", "path", flags.config)
	}
	logger.Info("config loaded",
		"path", cfgPath,
		"schedule", cfg.Sync.Schedule,
		"concurrency", cfg.Sync.Concurrency,
		"catalog_groups", catalogSize(cfg),
	)

	a := &app{cfg: cfg, logger: logger}

	// --- Telemetry (optional) ------------------------------------------------

	if telCfg, ok := telemetry.FromConfig(cfg.Telemetry); ok {
		tel, err := telemetry.Setup(ctx, telCfg)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger = slog.New(tel.LogHandler(logger.Handler()))
			slog.SetDefault(logger)
			a.logger = logger
			logger.Info("telemetry enabled", "endpoint", telCfg.OTLPEndpoint)
			textLogger := slog.New(textHandler)
			a.closers = append(a.closers, func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tel.Shutdown(flushCtx); err != nil {
					textLogger.Error("telemetry shutdown error", "error", err)
				}
			})
		}
	}

	// --- Store ---------------------------------------------------------------

	dbPath, err := databasePath(cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	a.store, err = state.Open(dbPath)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("opening database at %q: %w", dbPath, err)
	}
	a.closers = append(a.closers, func() {
		if err := a.store.Close(); err != nil {
			logger.Error("closing database", "error", err)
		}
	})
	logger.Info("database opened", "path", dbPath)

	// --- Domain events -------------------------------------------------------

	a.emitter, a.subscriber, err = events.FromConfig(cfg.Events, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, func() {
		if err := a.emitter.Close(); err != nil {
			logger.Error("closing event stream", "error", err)
		}
	})

	// --- Engine --------------------------------------------------------------

	env, err := config.LoadOSEnv()
	if err != nil {
		a.close()
		return nil, err
	}
	a.versions = version.NewTracker(a.store, cfg.Cache.VersionTTL)
	a.engine = syncp.NewEngine(a.store, newRegistry(cfg, logger), env, syncp.OptionsFrom(cfg), logger,
		syncp.WithPublisher(a.emitter),
		syncp.WithVersioner(a.versions),
	)
	return a, nil
}

// close releases components in reverse order of creation.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) printReport(r syncp.Report, asJSON bool) {
	if asJSON {
		data, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			a.logger.Error("encoding report", "error", err)
			return
		}
		fmt.Println(string(data))
		return
	}
	for _, g := range r.Results {
		if g.Success {
			a.logger.Info("group synced",
				"platform", string(g.Platform), "group", g.GroupIdentifier,
				"created", g.EventsCreated, "updated", g.EventsUpdated,
				"deleted", g.EventsDeleted, "skipped", g.EventsSkipped)
			continue
		}
		a.logger.Warn("group failed",
			"platform", string(g.Platform), "group", g.GroupIdentifier,
			"kind", g.ErrorKind, "error", g.Error)
	}
	a.logger.Info("sync complete",
		"success", r.Success, "total", r.Total, "succeeded", r.Succeeded,
		"failed", r.Failed, "duration_ms", r.DurationMs, "version", r.Version)
}

// newRegistry registers every adapter. Which of them run is decided per pass
// from the environment.
func newRegistry(cfg *config.Config, logger *slog.Logger) *provider.Registry {
	r := provider.NewRegistry(logger)
	r.Register(meetup.New(cfg.Providers.For(model.PlatformMeetup), logger))
	r.Register(luma.New(cfg.Providers.For(model.PlatformLuma), logger))
	r.Register(ics.New(cfg.Providers.For(model.PlatformICS), logger))
	r.Register(homeassistant.New(cfg.Providers.For(model.PlatformHomeAssistant), logger))
	return r
}

// loadConfig reads path. A missing file yields the defaults and an empty
// returned path.
func loadConfig(path string) (*config.Config, string, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return config.Default(), "", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("loading config from %q: %w", path, err)
	}
	return cfg, path, nil
}

func databasePath(cfg *config.Config) (string, error) {
	if cfg.Database.Path != "" {
		return cfg.Database.Path, nil
	}
	p, err := state.DefaultDBPath()
	if err != nil {
		return "", fmt.Errorf("resolving database path: %w", err)
	}
	return p, nil
}

func connectionArgs(args []string) (model.Platform, string, error) {
	if len(args) != 2 {
		return "", "", errors.New("expected <platform> <identifier>")
	}
	platform := model.Platform(args[0])
	if !platform.Valid() {
		return "", "", fmt.Errorf("unknown platform %q (want one of %v)", args[0], model.Platforms())
	}
	return platform, args[1], nil
}

func catalogSize(cfg *config.Config) int {
	n := 0
	for _, ids := range cfg.Groups {
		n += len(ids)
	}
	return n
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
