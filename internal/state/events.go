package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/njoerd114/eventsync/internal/model"
)

const eventSelect = `
	SELECT e.id, e.group_id, COALESCE(e.platform, ''), COALESCE(e.platform_id, ''),
	       e.title, e.description, e.event_url, e.photo_url,
	       e.start_time, e.end_time, e.timezone, e.duration,
	       e.status, e.event_type, e.rsvp_count, e.max_attendees,
	       COALESCE(e.venue_id, ''), e.venue_json,
	       e.last_sync_at, e.created_at, e.updated_at,
	       v.platform_venue_id, v.name, v.address, v.city, v.state, v.country, v.postal_code, v.lat, v.lng
	FROM events e
	LEFT JOIN venues v ON v.id = e.venue_id`

// touchBatch bounds the number of ids per UPDATE ... IN (...) statement.
const touchBatch = 500

// EventFilter narrows ListEvents.
type EventFilter struct {
	GroupID  string
	Platform model.Platform
	// From and To bound start times; zero values are open.
	From time.Time
	To   time.Time
	// IncludeCancelled also returns cancelled events.
	IncludeCancelled bool
	Limit            int
	Offset           int
}

// ListEvents returns events ordered by start time.
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]*model.PersistedEvent, error) {
	var (
		where []string
		args  []any
	)
	if f.GroupID != "" {
		where = append(where, "e.group_id = ?")
		args = append(args, f.GroupID)
	}
	if f.Platform != "" {
		where = append(where, "e.platform = ?")
		args = append(args, string(f.Platform))
	}
	if !f.From.IsZero() {
		where = append(where, "e.start_time >= ?")
		args = append(args, formatTime(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "e.start_time < ?")
		args = append(args, formatTime(f.To))
	}
	if !f.IncludeCancelled {
		where = append(where, "e.status != ?")
		args = append(args, string(model.StatusCancelled))
	}

	q := eventSelect
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY e.start_time, e.id"
	if f.Limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}
	return queryEvents(ctx, s.db, q, args...)
}

// GetEvent returns one event, or (nil, nil).
func (s *Store) GetEvent(ctx context.Context, id string) (*model.PersistedEvent, error) {
	return scanEvent(s.db.QueryRowContext(ctx, eventSelect+" WHERE e.id = ?", id))
}

// EventByNaturalKey returns the event with the given platform key, or (nil, nil).
func (s *Store) EventByNaturalKey(ctx context.Context, platform model.Platform, platformID string) (*model.PersistedEvent, error) {
	return scanEvent(s.db.QueryRowContext(ctx, eventSelect+" WHERE e.platform = ? AND e.platform_id = ?", string(platform), platformID))
}

// CountEvents returns the number of rows in the events table.
func (s *Store) CountEvents(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return n, nil
}

// EventsForGroup returns the synced events of one group from one platform.
// Native events are never returned.
func (t *Tx) EventsForGroup(ctx context.Context, groupID string, platform model.Platform) ([]*model.PersistedEvent, error) {
	return queryEvents(ctx, t.tx, eventSelect+" WHERE e.group_id = ? AND e.platform = ? AND e.platform_id IS NOT NULL", groupID, string(platform))
}

// InsertEvent inserts a synced event. If another row already holds the same
// (platform, platform_id) the existing row is updated in place and keeps its
// id. created reports whether a new row was written.
func (t *Tx) InsertEvent(ctx context.Context, e *model.PersistedEvent) (created bool, err error) {
	if !e.Synced() {
		return false, fmt.Errorf("inserting event %q: missing platform key", e.Title)
	}
	now := t.now()
	if e.ID == "" {
		e.ID = newID()
	}
	e.CreatedAt, e.UpdatedAt = now, now
	if err := t.resolveVenue(ctx, e); err != nil {
		return false, err
	}
	venueJSON, err := encodeVenue(e)
	if err != nil {
		return false, err
	}

	const q = `
		INSERT INTO events
		    (id, group_id, platform, platform_id, title, description, event_url, photo_url,
		     start_time, end_time, timezone, duration, status, event_type, rsvp_count, max_attendees,
		     venue_id, venue_json, last_sync_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (platform, platform_id) DO UPDATE SET
		    group_id      = excluded.group_id,
		    title         = excluded.title,
		    description   = excluded.description,
		    event_url     = excluded.event_url,
		    photo_url     = excluded.photo_url,
		    start_time    = excluded.start_time,
		    end_time      = excluded.end_time,
		    timezone      = excluded.timezone,
		    duration      = excluded.duration,
		    status        = excluded.status,
		    event_type    = excluded.event_type,
		    rsvp_count    = excluded.rsvp_count,
		    max_attendees = excluded.max_attendees,
		    venue_id      = excluded.venue_id,
		    venue_json    = excluded.venue_json,
		    last_sync_at  = excluded.last_sync_at,
		    updated_at    = excluded.updated_at
		RETURNING id, created_at`

	var id, createdAt string
	err = t.tx.QueryRowContext(ctx, q,
		e.ID, e.GroupID, string(e.Platform), e.PlatformID,
		e.Title, e.Description, e.EventURL, e.PhotoURL,
		formatTime(e.StartTime), formatTimePtr(e.EndTime), e.Timezone, formatDuration(e.Duration),
		string(e.Status), string(e.EventType), e.RSVPCount, nullInt(e.MaxAttendees),
		nullString(e.VenueID), venueJSON,
		formatTime(e.LastSyncAt), formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
	).Scan(&id, &createdAt)
	if err != nil {
		return false, fmt.Errorf("inserting event %s/%s: %w", e.Platform, e.PlatformID, err)
	}
	created = id == e.ID
	e.ID = id
	e.CreatedAt, _ = parseTime(createdAt)
	return created, nil
}

// UpdateEvent writes the reconciled fields of an existing event.
func (t *Tx) UpdateEvent(ctx context.Context, e *model.PersistedEvent) error {
	e.UpdatedAt = t.now()
	if err := t.resolveVenue(ctx, e); err != nil {
		return err
	}
	venueJSON, err := encodeVenue(e)
	if err != nil {
		return err
	}
	const q = `
		UPDATE events SET
		    title = ?, description = ?, event_url = ?, photo_url = ?,
		    start_time = ?, end_time = ?, timezone = ?, duration = ?,
		    status = ?, event_type = ?, rsvp_count = ?, max_attendees = ?,
		    venue_id = ?, venue_json = ?, last_sync_at = ?, updated_at = ?
		WHERE id = ?`
	_, err = t.tx.ExecContext(ctx, q,
		e.Title, e.Description, e.EventURL, e.PhotoURL,
		formatTime(e.StartTime), formatTimePtr(e.EndTime), e.Timezone, formatDuration(e.Duration),
		string(e.Status), string(e.EventType), e.RSVPCount, nullInt(e.MaxAttendees),
		nullString(e.VenueID), venueJSON, formatTime(e.LastSyncAt), formatTime(e.UpdatedAt),
		e.ID)
	if err != nil {
		return fmt.Errorf("updating event %s: %w", e.ID, err)
	}
	return nil
}

// TouchEvents sets last_sync_at on every listed event.
func (t *Tx) TouchEvents(ctx context.Context, ids []string, at time.Time) error {
	for start := 0; start < len(ids); start += touchBatch {
		end := min(start+touchBatch, len(ids))
		batch := ids[start:end]
		args := make([]any, 0, len(batch)+1)
		args = append(args, formatTime(at))
		for _, id := range batch {
			args = append(args, id)
		}
		q := `UPDATE events SET last_sync_at = ? WHERE id IN (` + placeholders(len(batch)) + `)`
		if _, err := t.tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("touching %d events: %w", len(batch), err)
		}
	}
	return nil
}

// CancelEvent marks an event cancelled without deleting it.
func (t *Tx) CancelEvent(ctx context.Context, id string) error {
	const q = `UPDATE events SET status = ?, updated_at = ? WHERE id = ?`
	if _, err := t.tx.ExecContext(ctx, q, string(model.StatusCancelled), formatTime(t.now()), id); err != nil {
		return fmt.Errorf("cancelling event %s: %w", id, err)
	}
	return nil
}

// DeleteEvent removes an event row.
func (t *Tx) DeleteEvent(ctx context.Context, id string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting event %s: %w", id, err)
	}
	return nil
}

// resolveVenue upserts a platform venue and points the event at it. Venues
// without a platform id stay on the event row as JSON.
func (t *Tx) resolveVenue(ctx context.Context, e *model.PersistedEvent) error {
	e.VenueID = ""
	v := e.Venue
	if v == nil || v.PlatformVenueID == "" {
		return nil
	}
	const q = `
		INSERT INTO venues (id, platform, platform_venue_id, name, address, city, state, country, postal_code, lat, lng, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (platform, platform_venue_id, name) DO UPDATE SET
		    address     = excluded.address,
		    city        = excluded.city,
		    state       = excluded.state,
		    country     = excluded.country,
		    postal_code = excluded.postal_code,
		    lat         = excluded.lat,
		    lng         = excluded.lng,
		    updated_at  = excluded.updated_at
		RETURNING id`
	var id string
	err := t.tx.QueryRowContext(ctx, q,
		newID(), string(e.Platform), v.PlatformVenueID, v.Name, v.Address, v.City, v.State, v.Country, v.PostalCode,
		nullFloat(v.Lat), nullFloat(v.Lng), formatTime(t.now()),
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("upserting venue %s/%s: %w", e.Platform, v.PlatformVenueID, err)
	}
	e.VenueID = id
	return nil
}

// --- helpers -----------------------------------------------------------------

func queryEvents(ctx context.Context, q querier, query string, args ...any) ([]*model.PersistedEvent, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*model.PersistedEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanEvent(s scanner) (*model.PersistedEvent, error) {
	var (
		e                                       model.PersistedEvent
		platform, start, end, duration          string
		status, eventType, venueJSON            string
		lastSync, createdAt, updatedAt          string
		maxAttendees                            sql.NullInt64
		vID, vName, vAddr, vCity, vState, vCtry sql.NullString
		vPostal                                 sql.NullString
		vLat, vLng                              sql.NullFloat64
	)
	err := s.Scan(
		&e.ID, &e.GroupID, &platform, &e.PlatformID,
		&e.Title, &e.Description, &e.EventURL, &e.PhotoURL,
		&start, &end, &e.Timezone, &duration,
		&status, &eventType, &e.RSVPCount, &maxAttendees,
		&e.VenueID, &venueJSON,
		&lastSync, &createdAt, &updatedAt,
		&vID, &vName, &vAddr, &vCity, &vState, &vCtry, &vPostal, &vLat, &vLng,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning event row: %w", err)
	}

	e.Platform = model.Platform(platform)
	e.Status = model.EventStatus(status)
	e.EventType = model.EventType(eventType)
	if e.StartTime, err = parseTime(start); err != nil {
		return nil, fmt.Errorf("event %s: parsing start_time: %w", e.ID, err)
	}
	if end != "" {
		t, err := parseTime(end)
		if err != nil {
			return nil, fmt.Errorf("event %s: parsing end_time: %w", e.ID, err)
		}
		e.EndTime = &t
	}
	if duration != "" {
		e.Duration, _ = model.ParseISODuration(duration)
	}
	if maxAttendees.Valid {
		n := int(maxAttendees.Int64)
		e.MaxAttendees = &n
	}
	e.LastSyncAt, _ = parseTime(lastSync)
	e.CreatedAt, _ = parseTime(createdAt)
	e.UpdatedAt, _ = parseTime(updatedAt)

	switch {
	case vName.Valid:
		e.Venue = &model.CanonicalVenue{
			PlatformVenueID: vID.String,
			Name:            vName.String,
			Address:         vAddr.String,
			City:            vCity.String,
			State:           vState.String,
			Country:         vCtry.String,
			PostalCode:      vPostal.String,
		}
		if vLat.Valid {
			e.Venue.Lat = &vLat.Float64
		}
		if vLng.Valid {
			e.Venue.Lng = &vLng.Float64
		}
	case venueJSON != "":
		var v model.CanonicalVenue
		if err := json.Unmarshal([]byte(venueJSON), &v); err != nil {
			return nil, fmt.Errorf("event %s: decoding venue: %w", e.ID, err)
		}
		e.Venue = &v
	}
	return &e, nil
}

func encodeVenue(e *model.PersistedEvent) (string, error) {
	if e.Venue == nil || e.VenueID != "" {
		return "", nil
	}
	b, err := json.Marshal(e.Venue)
	if err != nil {
		return "", fmt.Errorf("encoding venue of %s: %w", e.PlatformID, err)
	}
	return string(b), nil
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func formatDuration(d *model.Duration) string {
	if d == nil {
		return ""
	}
	return d.String()
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
