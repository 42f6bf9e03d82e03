package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/njoerd114/eventsync/internal/model"
	"github.com/njoerd114/eventsync/internal/state"
)

// linkResult is what linkGroup resolved for one upstream group.
type linkResult struct {
	group   *model.PersistedGroup
	conn    *model.PlatformConnection
	changes []model.Change
}

// linkGroup finds or creates the persisted group fed by (platform,
// identifier) and keeps its connection and descriptive fields current.
//
// Resolution order:
//  1. the connection fetched with identifier;
//  2. the connection holding the upstream group id (the identifier was
//     renamed upstream, e.g. a new Meetup urlname);
//  3. an existing group with the same urlname, case-insensitively, native
//     groups first, which gains a new connection;
//  4. a new group.
func linkGroup(ctx context.Context, tx *state.Tx, platform model.Platform, identifier string, cg *model.CanonicalGroup, now time.Time) (linkResult, error) {
	var out linkResult
	if cg == nil {
		cg = &model.CanonicalGroup{PlatformID: identifier, Platform: platform, Name: identifier}
	}
	if cg.PlatformID == "" {
		cg.PlatformID = identifier
	}

	conn, err := tx.ConnectionByIdentifier(ctx, platform, identifier)
	if err != nil {
		return out, err
	}
	if conn == nil {
		if conn, err = tx.ConnectionByPlatformID(ctx, platform, cg.PlatformID); err != nil {
			return out, err
		}
	}

	if conn != nil {
		group, err := tx.GroupByID(ctx, conn.GroupID)
		if err != nil {
			return out, err
		}
		if group == nil {
			return out, fmt.Errorf("connection %s references missing group %s", conn.ID, conn.GroupID)
		}
		updated := false
		if conn.Identifier != identifier || conn.PlatformID != cg.PlatformID {
			conn.Identifier = identifier
			conn.PlatformID = cg.PlatformID
			if err := tx.UpdateConnection(ctx, conn); err != nil {
				return out, err
			}
			updated = true
		}
		if group.Apply(cg) {
			if err := tx.UpdateGroup(ctx, group); err != nil {
				return out, err
			}
			updated = true
		}
		if updated {
			out.changes = append(out.changes, groupChange(model.ChangeGroupUpdated, group, platform, cg.PlatformID, now))
		}
		out.group, out.conn = group, conn
		return out, touch(ctx, tx, &out, now)
	}

	group, err := tx.GroupByURLName(ctx, cg.URLName)
	if err != nil {
		return out, err
	}
	if group != nil {
		if group.Apply(cg) {
			if err := tx.UpdateGroup(ctx, group); err != nil {
				return out, err
			}
		}
		out.changes = append(out.changes, groupChange(model.ChangeGroupUpdated, group, platform, cg.PlatformID, now))
	} else {
		group = &model.PersistedGroup{}
		group.Apply(cg)
		if group.Name == "" {
			group.Name = identifier
		}
		if err := tx.InsertGroup(ctx, group); err != nil {
			return out, err
		}
		out.changes = append(out.changes, groupChange(model.ChangeGroupCreated, group, platform, cg.PlatformID, now))
	}

	conn = &model.PlatformConnection{
		GroupID:    group.ID,
		Platform:   platform,
		PlatformID: cg.PlatformID,
		Identifier: identifier,
		Active:     true,
	}
	if err := tx.InsertConnection(ctx, conn); err != nil {
		return out, err
	}
	group.Connections = append(group.Connections, *conn)
	out.group, out.conn = group, conn
	return out, touch(ctx, tx, &out, now)
}

func touch(ctx context.Context, tx *state.Tx, out *linkResult, now time.Time) error {
	out.conn.LastSyncAt = now
	return tx.TouchConnection(ctx, out.conn.ID, now)
}

func groupChange(t model.ChangeType, g *model.PersistedGroup, platform model.Platform, platformID string, now time.Time) model.Change {
	return model.Change{
		Type:       t,
		EntityID:   g.ID,
		GroupID:    g.ID,
		Platform:   platform,
		PlatformID: platformID,
		Title:      g.Name,
		OccurredAt: now,
	}
}
