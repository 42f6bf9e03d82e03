// Package version derives the sync version: an opaque token that changes
// only when a successful pass wrote something. Consumers compare it to decide
// whether cached responses are still valid.
package version

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/njoerd114/eventsync/internal/model"
)

// Initial is the version before any pass changed anything.
const Initial = "0"

// hashLen is the number of hex characters kept from the digest.
const hashLen = 12

// Source finds the run the version is derived from.
// Implemented by [state.Store].
type Source interface {
	LatestChangedRun(ctx context.Context) (*model.SyncRun, error)
}

// Compute returns the version of run, or Initial when run is nil.
func Compute(run *model.SyncRun) string {
	if run == nil {
		return Initial
	}
	sum := sha256.Sum256([]byte(run.ID + "|" + run.CompletedAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])[:hashLen]
}

// Tracker caches the current version for a TTL. It is safe for concurrent
// use; concurrent reloads share one store query.
type Tracker struct {
	src Source
	ttl time.Duration
	now func() time.Time

	group singleflight.Group

	mu       sync.Mutex
	value    string
	loadedAt time.Time
	valid    bool
	// gen is bumped by Invalidate so a load that started earlier does not
	// overwrite the invalidation.
	gen uint64
}

// NewTracker returns a Tracker reading from src. A ttl of zero disables
// caching.
func NewTracker(src Source, ttl time.Duration) *Tracker {
	return &Tracker{src: src, ttl: ttl, now: time.Now}
}

// Current returns the cached version, reloading it when the TTL expired or
// after Invalidate.
func (t *Tracker) Current(ctx context.Context) (string, error) {
	t.mu.Lock()
	if t.valid && t.now().Sub(t.loadedAt) < t.ttl {
		v := t.value
		t.mu.Unlock()
		return v, nil
	}
	t.mu.Unlock()
	return t.Refresh(ctx)
}

// Refresh reloads the version from the store.
func (t *Tracker) Refresh(ctx context.Context) (string, error) {
	t.mu.Lock()
	gen := t.gen
	t.mu.Unlock()

	v, err, _ := t.group.Do(fmt.Sprint(gen), func() (any, error) {
		run, err := t.src.LatestChangedRun(ctx)
		if err != nil {
			return "", fmt.Errorf("loading latest changed run: %w", err)
		}
		return Compute(run), nil
	})
	if err != nil {
		return "", err
	}
	version := v.(string)

	t.mu.Lock()
	if t.gen == gen {
		t.value, t.loadedAt, t.valid = version, t.now(), true
	}
	t.mu.Unlock()
	return version, nil
}

// Invalidate drops the cached version so the next Current reloads it.
func (t *Tracker) Invalidate() {
	t.mu.Lock()
	t.valid = false
	t.gen++
	t.mu.Unlock()
}
