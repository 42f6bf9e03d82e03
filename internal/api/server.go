// Package api serves read access to the synced data over HTTP.
//
// Cacheable endpoints are wrapped by a conditional layer keyed on the sync
// version: clients revalidate with If-None-Match and get 304 until the next
// pass changes something, and rendered bodies are kept in memory per
// (URL, version).
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/njoerd114/eventsync/internal/config"
	"github.com/njoerd114/eventsync/internal/metrics"
	"github.com/njoerd114/eventsync/internal/model"
	"github.com/njoerd114/eventsync/internal/state"
)

// Store is the read side of the state store.
type Store interface {
	ListEvents(ctx context.Context, f state.EventFilter) ([]*model.PersistedEvent, error)
	GetEvent(ctx context.Context, id string) (*model.PersistedEvent, error)
	ListGroups(ctx context.Context) ([]*model.PersistedGroup, error)
	GetGroup(ctx context.Context, id string) (*model.PersistedGroup, error)
	RecentRuns(ctx context.Context, limit int) ([]*model.SyncRun, error)
	Ping(ctx context.Context) error
}

// Versioner returns the current sync version.
type Versioner interface {
	Current(ctx context.Context) (string, error)
}

// Server holds the HTTP handlers and the response cache.
type Server struct {
	store    Store
	versions Versioner
	cache    *ristretto.Cache[string, *cachedResponse]
	maxAge   time.Duration
	swr      time.Duration
	logger   *slog.Logger
}

// New creates a Server. Call [Server.Close] to release the response cache.
func New(store Store, versions Versioner, cfg config.CacheConfig, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, *cachedResponse]{
		NumCounters:        100_000,
		MaxCost:            maxBytes,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating response cache: %w", err)
	}
	return &Server{
		store:    store,
		versions: versions,
		cache:    cache,
		maxAge:   cfg.MaxAge,
		swr:      cfg.StaleWhileRevalidate,
		logger:   logger.With("component", "api"),
	}, nil
}

// Handler returns the chi router with every route mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sync/version", s.handleVersion)
		r.Get("/sync/runs", s.handleRuns)
		r.With(s.conditional("events")).Get("/events", s.handleEvents)
		r.With(s.conditional("event")).Get("/events/{id}", s.handleEvent)
		r.With(s.conditional("groups")).Get("/groups", s.handleGroups)
		r.With(s.conditional("group")).Get("/groups/{id}", s.handleGroup)
	})
	return r
}

// Close releases the response cache.
func (s *Server) Close() {
	s.cache.Close()
}

// ListenAndServe serves h on addr until ctx is cancelled, then shuts down
// gracefully.
func ListenAndServe(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serving HTTP: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down HTTP server: %w", err)
	}
	return nil
}
