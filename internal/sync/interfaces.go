// Package sync implements the reconciliation engine for eventsync. It fetches
// every catalogued group through the provider registry, diffs the fetched
// events against the store and persists the result, one transaction per
// group.
//
// The package contains three main components:
//
//   - [Engine] runs passes (once, per group, or on a cron schedule) and
//     keeps the sync run log.
//   - [Reconciler] applies one group's fetched events inside a transaction.
//   - linkGroup resolves which persisted group an upstream group feeds,
//     linking new connections to existing native groups by urlname.
package sync

import (
	"context"

	"github.com/njoerd114/eventsync/internal/config"
	"github.com/njoerd114/eventsync/internal/model"
	"github.com/njoerd114/eventsync/internal/provider"
	"github.com/njoerd114/eventsync/internal/state"
)

// Store provides access to the durable store.
// Implemented by [state.Store].
type Store interface {
	WithGroupTx(ctx context.Context, fn func(tx *state.Tx) error) error
	Connections(ctx context.Context) ([]model.PlatformConnection, error)
	StartRun(ctx context.Context, run *model.SyncRun) error
	FinishRun(ctx context.Context, run *model.SyncRun) error
}

// Providers dispatches fetches to platform adapters.
// Implemented by [provider.Registry].
type Providers interface {
	ConfiguredProviders(env config.Env) []model.Platform
	InitializeAll(ctx context.Context, env config.Env) map[model.Platform]error
	Fetch(ctx context.Context, platform model.Platform, identifier string, env config.Env, opts provider.FetchOptions) provider.Outcome
}

// Publisher receives domain events once the writes they describe are
// committed. Publish must not block.
// Implemented by [events.Emitter].
type Publisher interface {
	Publish(change model.Change)
}

// Versioner tracks the sync version consumers use for cache validation.
// Implemented by [version.Tracker].
type Versioner interface {
	Invalidate()
	Current(ctx context.Context) (string, error)
}
