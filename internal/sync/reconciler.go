package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/njoerd114/eventsync/internal/model"
	"github.com/njoerd114/eventsync/internal/provider"
	"github.com/njoerd114/eventsync/internal/state"
)

// Stats tracks the rows written for one group.
type Stats struct {
	Created int
	Updated int
	Deleted int
	Skipped int
	// Groups counts group rows created or updated, connections included.
	Groups int
}

func (s *Stats) add(o Stats) {
	s.Created += o.Created
	s.Updated += o.Updated
	s.Deleted += o.Deleted
	s.Skipped += o.Skipped
	s.Groups += o.Groups
}

// Changes returns the number of rows created, updated or retired.
func (s Stats) Changes() int {
	return s.Created + s.Updated + s.Deleted + s.Groups
}

// Reconciler applies one group's fetch result to the store. It is stateless
// between calls; all persistent state lives in the transaction it is given.
type Reconciler struct {
	grace time.Duration
	log   *slog.Logger
}

// NewReconciler creates a Reconciler. Persisted events that vanished upstream
// and started more than grace ago are deleted; younger ones are cancelled.
func NewReconciler(grace time.Duration, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{grace: grace, log: logger}
}

// Reconcile diffs res against the persisted events of (groupID, platform)
// and writes the difference through tx. The returned changes describe the
// writes and must only be published after tx commits.
//
// Events are matched by (platform, platform id). Matches are updated only
// when their content hash differs; every match gets last_sync_at = now.
// Unmatched fetched events are inserted. Persisted events missing from the
// fetch are retired unless the fetch was truncated.
func (r *Reconciler) Reconcile(ctx context.Context, tx *state.Tx, groupID string, platform model.Platform, res *provider.FetchResult, opts provider.FetchOptions, now time.Time) (Stats, []model.Change, error) {
	stats := Stats{Skipped: len(res.Skipped)}
	var changes []model.Change

	existing, err := tx.EventsForGroup(ctx, groupID, platform)
	if err != nil {
		return stats, nil, fmt.Errorf("loading events of group %s: %w", groupID, err)
	}
	byKey := make(map[string]*model.PersistedEvent, len(existing))
	for _, pe := range existing {
		byKey[pe.PlatformID] = pe
	}

	change := func(t model.ChangeType, pe *model.PersistedEvent) {
		changes = append(changes, model.Change{
			Type:       t,
			EntityID:   pe.ID,
			GroupID:    groupID,
			Platform:   platform,
			PlatformID: pe.PlatformID,
			Title:      pe.Title,
			OccurredAt: now,
		})
	}

	seen := make(map[string]bool, len(res.Events))
	var unchanged []string
	for i := range res.Events {
		ev := &res.Events[i]
		if seen[ev.PlatformID] {
			r.log.Debug("duplicate event in fetch", "platform", string(platform), "platform_id", ev.PlatformID)
			continue
		}
		seen[ev.PlatformID] = true
		content := ev.Content()

		pe, ok := byKey[ev.PlatformID]
		if !ok {
			pe = &model.PersistedEvent{
				GroupID:      groupID,
				Platform:     platform,
				PlatformID:   ev.PlatformID,
				EventContent: content,
				LastSyncAt:   now,
			}
			created, err := tx.InsertEvent(ctx, pe)
			if err != nil {
				return stats, nil, err
			}
			if created {
				stats.Created++
				change(model.ChangeEventCreated, pe)
			} else {
				// The row existed under another group and was moved here.
				stats.Updated++
				change(model.ChangeEventUpdated, pe)
			}
			continue
		}

		if pe.EventContent.Hash() == content.Hash() {
			unchanged = append(unchanged, pe.ID)
			continue
		}
		wasCancelled := pe.Status == model.StatusCancelled
		pe.EventContent = content
		pe.LastSyncAt = now
		if err := tx.UpdateEvent(ctx, pe); err != nil {
			return stats, nil, err
		}
		stats.Updated++
		if !wasCancelled && pe.Status == model.StatusCancelled {
			change(model.ChangeEventCancelled, pe)
		} else {
			change(model.ChangeEventUpdated, pe)
		}
	}

	if err := tx.TouchEvents(ctx, unchanged, now); err != nil {
		return stats, nil, err
	}

	if res.Truncated {
		r.log.Debug("fetch truncated, skipping retirement", "group", groupID, "platform", string(platform))
		return stats, changes, nil
	}

	// Events dropped by validation still exist upstream.
	for _, err := range res.Skipped {
		var ve *provider.ValidationError
		if errors.As(err, &ve) && ve.PlatformID != "" {
			seen[ve.PlatformID] = true
		}
	}

	cutoff := now.Add(-r.grace)
	for _, pe := range existing {
		if seen[pe.PlatformID] {
			continue
		}
		switch {
		case pe.StartTime.Before(cutoff):
			if err := tx.DeleteEvent(ctx, pe.ID); err != nil {
				return stats, nil, err
			}
			stats.Deleted++
			change(model.ChangeEventDeleted, pe)
		case opts.InWindow(pe.StartTime) && pe.Status != model.StatusCancelled:
			if err := tx.CancelEvent(ctx, pe.ID); err != nil {
				return stats, nil, err
			}
			pe.Status = model.StatusCancelled
			stats.Deleted++
			change(model.ChangeEventCancelled, pe)
		}
	}
	return stats, changes, nil
}
