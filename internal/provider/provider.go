// Package provider defines the contract every platform adapter implements,
// the typed error taxonomy adapters report with, the shared HTTP transport
// (rate limiting, circuit breaking, retries) and the Registry the sync engine
// dispatches through.
package provider

import (
	"context"
	"time"

	"github.com/njoerd114/eventsync/internal/config"
	"github.com/njoerd114/eventsync/internal/model"
)

// Provider is implemented by one adapter per platform.
type Provider interface {
	// Platform returns the platform this adapter serves.
	Platform() model.Platform

	// IsConfigured reports whether the credentials the adapter needs are
	// present. It must not perform I/O.
	IsConfigured(env config.Env) bool

	// Initialize prepares the adapter (parses keys, checks reachability).
	// Missing or malformed credentials yield a *ConfigurationError.
	Initialize(ctx context.Context, env config.Env) error

	// FetchEvents returns the canonical events of one upstream group.
	FetchEvents(ctx context.Context, groupID string, opts FetchOptions) (*FetchResult, error)
}

// GroupFetcher is implemented by adapters that can describe a group on its
// own, without fetching its events.
type GroupFetcher interface {
	FetchGroup(ctx context.Context, groupID string) (*model.CanonicalGroup, error)
}

// FetchOptions bounds a fetch.
type FetchOptions struct {
	// MaxEvents caps the number of events returned. Zero means no cap.
	MaxEvents int
	// After and Before bound event start times. Zero values are open.
	After  time.Time
	Before time.Time
}

// InWindow reports whether t lies inside [After, Before].
func (o FetchOptions) InWindow(t time.Time) bool {
	if !o.After.IsZero() && t.Before(o.After) {
		return false
	}
	if !o.Before.IsZero() && t.After(o.Before) {
		return false
	}
	return true
}

// FetchResult is what an adapter returns for one group.
type FetchResult struct {
	// Group describes the upstream group when the platform exposes it.
	Group *model.CanonicalGroup
	// Events are the validated canonical events.
	Events []model.CanonicalEvent
	// Skipped holds one *ValidationError per dropped upstream event.
	Skipped []error
	// Truncated is set when MaxEvents stopped pagination before the
	// upstream was exhausted.
	Truncated bool
}

// Add validates ev and appends it, or records a ValidationError. It returns
// false once MaxEvents has been reached.
func (r *FetchResult) Add(groupID string, ev model.CanonicalEvent, opts FetchOptions) bool {
	if opts.MaxEvents > 0 && len(r.Events) >= opts.MaxEvents {
		r.Truncated = true
		return false
	}
	if err := ev.Validate(); err != nil {
		r.Skipped = append(r.Skipped, &ValidationError{
			Platform:   ev.Platform,
			GroupID:    groupID,
			PlatformID: ev.PlatformID,
			Err:        err,
		})
		return true
	}
	r.Events = append(r.Events, ev)
	return true
}

// Full reports whether MaxEvents has been reached.
func (r *FetchResult) Full(opts FetchOptions) bool {
	return opts.MaxEvents > 0 && len(r.Events) >= opts.MaxEvents
}
