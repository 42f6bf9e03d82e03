package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/njoerd114/eventsync/internal/model"
)

const groupColumns = `id, urlname, name, description, link, member_count, photo_url, created_at, updated_at`

const connectionColumns = `id, group_id, platform, platform_id, identifier, active, last_sync_at, created_at`

// GetGroup returns the group with the given id and its connections,
// or (nil, nil) if no such group exists.
func (s *Store) GetGroup(ctx context.Context, id string) (*model.PersistedGroup, error) {
	return getGroup(ctx, s.db, id)
}

// ListGroups returns every group with its connections, ordered by name.
func (s *Store) ListGroups(ctx context.Context) ([]*model.PersistedGroup, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+groupColumns+` FROM groups ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("querying groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var groups []*model.PersistedGroup
	byID := make(map[string]*model.PersistedGroup)
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
		byID[g.ID] = g
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	conns, err := queryConnections(ctx, s.db, `SELECT `+connectionColumns+` FROM platform_connections ORDER BY platform, identifier`)
	if err != nil {
		return nil, err
	}
	for _, c := range conns {
		if g := byID[c.GroupID]; g != nil {
			g.Connections = append(g.Connections, c)
		}
	}
	return groups, nil
}

// ActiveConnections returns every active platform connection.
func (s *Store) ActiveConnections(ctx context.Context) ([]model.PlatformConnection, error) {
	return queryConnections(ctx, s.db,
		`SELECT `+connectionColumns+` FROM platform_connections WHERE active = 1 ORDER BY platform, identifier`)
}

// Connections returns every platform connection, disconnected ones included.
func (s *Store) Connections(ctx context.Context) ([]model.PlatformConnection, error) {
	return queryConnections(ctx, s.db,
		`SELECT `+connectionColumns+` FROM platform_connections ORDER BY platform, identifier`)
}

// SetConnectionActive enables or disables syncing of one connection. It
// reports whether a connection matched.
func (s *Store) SetConnectionActive(ctx context.Context, platform model.Platform, identifier string, active bool) (bool, error) {
	const q = `UPDATE platform_connections SET active = ? WHERE platform = ? AND identifier = ?`
	res, err := s.db.ExecContext(ctx, q, active, string(platform), identifier)
	if err != nil {
		return false, fmt.Errorf("updating connection %s/%s: %w", platform, identifier, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GroupByID returns the group with the given id, or (nil, nil).
func (t *Tx) GroupByID(ctx context.Context, id string) (*model.PersistedGroup, error) {
	return getGroup(ctx, t.tx, id)
}

// GroupByURLName returns the group whose urlname matches case-insensitively,
// or (nil, nil). Native groups win over groups that already have connections.
func (t *Tx) GroupByURLName(ctx context.Context, urlname string) (*model.PersistedGroup, error) {
	urlname = model.NormalizeURLName(urlname)
	if urlname == "" {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	const q = `
		SELECT ` + groupColumns + `
		FROM groups g
		WHERE g.urlname != '' AND lower(g.urlname) = ?
		ORDER BY (SELECT COUNT(*) FROM platform_connections c WHERE c.group_id = g.id), g.created_at
		LIMIT 1`
	g, err := scanGroup(t.tx.QueryRowContext(ctx, q, urlname))
	if err != nil || g == nil {
		return g, err
	}
	g.Connections, err = connectionsForGroup(ctx, t.tx, g.ID)
	return g, err
}

// InsertGroup creates a group. ID and timestamps are assigned when empty.
func (t *Tx) InsertGroup(ctx context.Context, g *model.PersistedGroup) error {
	now := t.now()
	if g.ID == "" {
		g.ID = newID()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now
	const q = `
		INSERT INTO groups (` + groupColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := t.tx.ExecContext(ctx, q,
		g.ID, g.URLName, g.Name, g.Description, g.Link, g.MemberCount, g.PhotoURL,
		formatTime(g.CreatedAt), formatTime(g.UpdatedAt))
	if err != nil {
		return fmt.Errorf("inserting group %q: %w", g.Name, err)
	}
	return nil
}

// UpdateGroup writes the descriptive fields of g.
func (t *Tx) UpdateGroup(ctx context.Context, g *model.PersistedGroup) error {
	g.UpdatedAt = t.now()
	const q = `
		UPDATE groups
		SET urlname = ?, name = ?, description = ?, link = ?, member_count = ?, photo_url = ?, updated_at = ?
		WHERE id = ?`
	_, err := t.tx.ExecContext(ctx, q,
		g.URLName, g.Name, g.Description, g.Link, g.MemberCount, g.PhotoURL, formatTime(g.UpdatedAt), g.ID)
	if err != nil {
		return fmt.Errorf("updating group %s: %w", g.ID, err)
	}
	return nil
}

// ConnectionByIdentifier returns the connection fetched with identifier, or
// (nil, nil).
func (t *Tx) ConnectionByIdentifier(ctx context.Context, platform model.Platform, identifier string) (*model.PlatformConnection, error) {
	const q = `SELECT ` + connectionColumns + ` FROM platform_connections WHERE platform = ? AND identifier = ?`
	return scanConnection(t.tx.QueryRowContext(ctx, q, string(platform), identifier))
}

// ConnectionByPlatformID returns the connection with the upstream group id,
// or (nil, nil).
func (t *Tx) ConnectionByPlatformID(ctx context.Context, platform model.Platform, platformID string) (*model.PlatformConnection, error) {
	const q = `SELECT ` + connectionColumns + ` FROM platform_connections WHERE platform = ? AND platform_id = ?`
	return scanConnection(t.tx.QueryRowContext(ctx, q, string(platform), platformID))
}

// InsertConnection links a group to an upstream group.
func (t *Tx) InsertConnection(ctx context.Context, c *model.PlatformConnection) error {
	if c.ID == "" {
		c.ID = newID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = t.now()
	}
	const q = `
		INSERT INTO platform_connections (` + connectionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := t.tx.ExecContext(ctx, q,
		c.ID, c.GroupID, string(c.Platform), c.PlatformID, c.Identifier, c.Active,
		formatTime(c.LastSyncAt), formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting connection %s/%s: %w", c.Platform, c.Identifier, err)
	}
	return nil
}

// UpdateConnection writes the identifier and platform id of c, used when an
// upstream group is renamed.
func (t *Tx) UpdateConnection(ctx context.Context, c *model.PlatformConnection) error {
	const q = `UPDATE platform_connections SET identifier = ?, platform_id = ? WHERE id = ?`
	if _, err := t.tx.ExecContext(ctx, q, c.Identifier, c.PlatformID, c.ID); err != nil {
		return fmt.Errorf("updating connection %s: %w", c.ID, err)
	}
	return nil
}

// TouchConnection records a successful sync of the connection.
func (t *Tx) TouchConnection(ctx context.Context, id string, at time.Time) error {
	const q = `UPDATE platform_connections SET last_sync_at = ? WHERE id = ?`
	if _, err := t.tx.ExecContext(ctx, q, formatTime(at), id); err != nil {
		return fmt.Errorf("touching connection %s: %w", id, err)
	}
	return nil
}

// --- helpers -----------------------------------------------------------------

func getGroup(ctx context.Context, q querier, id string) (*model.PersistedGroup, error) {
	g, err := scanGroup(q.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM groups WHERE id = ?`, id))
	if err != nil || g == nil {
		return g, err
	}
	g.Connections, err = connectionsForGroup(ctx, q, id)
	if err != nil {
		return nil, err
	}
	return g, nil
}

func connectionsForGroup(ctx context.Context, q querier, groupID string) ([]model.PlatformConnection, error) {
	return queryConnections(ctx, q,
		`SELECT `+connectionColumns+` FROM platform_connections WHERE group_id = ? ORDER BY platform, identifier`, groupID)
}

func queryConnections(ctx context.Context, q querier, query string, args ...any) ([]model.PlatformConnection, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying connections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var conns []model.PlatformConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, *c)
	}
	return conns, rows.Err()
}

func scanGroup(s scanner) (*model.PersistedGroup, error) {
	var g model.PersistedGroup
	var createdAt, updatedAt string
	err := s.Scan(&g.ID, &g.URLName, &g.Name, &g.Description, &g.Link, &g.MemberCount, &g.PhotoURL, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning group row: %w", err)
	}
	g.CreatedAt, _ = parseTime(createdAt)
	g.UpdatedAt, _ = parseTime(updatedAt)
	return &g, nil
}

func scanConnection(s scanner) (*model.PlatformConnection, error) {
	var c model.PlatformConnection
	var platform, lastSync, createdAt string
	err := s.Scan(&c.ID, &c.GroupID, &platform, &c.PlatformID, &c.Identifier, &c.Active, &lastSync, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning connection row: %w", err)
	}
	c.Platform = model.Platform(platform)
	c.LastSyncAt, _ = parseTime(lastSync)
	c.CreatedAt, _ = parseTime(createdAt)
	return &c, nil
}
