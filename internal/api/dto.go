package api

import (
	"time"

	"github.com/njoerd114/eventsync/internal/model"
)

type eventJSON struct {
	ID           string                `json:"id"`
	GroupID      string                `json:"groupId"`
	Platform     model.Platform        `json:"platform,omitempty"`
	PlatformID   string                `json:"platformId,omitempty"`
	Title        string                `json:"title"`
	Description  string                `json:"description,omitempty"`
	EventURL     string                `json:"eventUrl,omitempty"`
	PhotoURL     string                `json:"photoUrl,omitempty"`
	StartTime    time.Time             `json:"startTime"`
	EndTime      *time.Time            `json:"endTime,omitempty"`
	Timezone     string                `json:"timezone"`
	Duration     *model.Duration       `json:"duration,omitempty"`
	Status       model.EventStatus     `json:"status"`
	EventType    model.EventType       `json:"eventType"`
	RSVPCount    int                   `json:"rsvpCount"`
	MaxAttendees *int                  `json:"maxAttendees,omitempty"`
	Venue        *model.CanonicalVenue `json:"venue,omitempty"`
	LastSyncAt   *time.Time            `json:"lastSyncAt,omitempty"`
	UpdatedAt    time.Time             `json:"updatedAt"`
}

func toEventJSON(e *model.PersistedEvent) eventJSON {
	out := eventJSON{
		ID:           e.ID,
		GroupID:      e.GroupID,
		Platform:     e.Platform,
		PlatformID:   e.PlatformID,
		Title:        e.Title,
		Description:  e.Description,
		EventURL:     e.EventURL,
		PhotoURL:     e.PhotoURL,
		StartTime:    e.StartTime,
		EndTime:      e.EndTime,
		Timezone:     e.Timezone,
		Duration:     e.Duration,
		Status:       e.Status,
		EventType:    e.EventType,
		RSVPCount:    e.RSVPCount,
		MaxAttendees: e.MaxAttendees,
		Venue:        e.Venue,
		UpdatedAt:    e.UpdatedAt,
	}
	if !e.LastSyncAt.IsZero() {
		t := e.LastSyncAt
		out.LastSyncAt = &t
	}
	return out
}

type connectionJSON struct {
	Platform   model.Platform `json:"platform"`
	PlatformID string         `json:"platformId"`
	Identifier string         `json:"identifier"`
	Active     bool           `json:"active"`
	LastSyncAt *time.Time     `json:"lastSyncAt,omitempty"`
}

type groupJSON struct {
	ID          string            `json:"id"`
	URLName     string            `json:"urlname,omitempty"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Link        string            `json:"link,omitempty"`
	MemberCount int               `json:"memberCount"`
	PhotoURL    string            `json:"photoUrl,omitempty"`
	Source      model.GroupSource `json:"source"`
	Connections []connectionJSON  `json:"connections"`
}

func toGroupJSON(g *model.PersistedGroup) groupJSON {
	out := groupJSON{
		ID:          g.ID,
		URLName:     g.URLName,
		Name:        g.Name,
		Description: g.Description,
		Link:        g.Link,
		MemberCount: g.MemberCount,
		PhotoURL:    g.PhotoURL,
		Source:      g.Source(),
		Connections: make([]connectionJSON, 0, len(g.Connections)),
	}
	for _, c := range g.Connections {
		cj := connectionJSON{
			Platform:   c.Platform,
			PlatformID: c.PlatformID,
			Identifier: c.Identifier,
			Active:     c.Active,
		}
		if !c.LastSyncAt.IsZero() {
			t := c.LastSyncAt
			cj.LastSyncAt = &t
		}
		out.Connections = append(out.Connections, cj)
	}
	return out
}

type runJSON struct {
	ID            string               `json:"id"`
	Status        model.RunStatus      `json:"status"`
	StartedAt     time.Time            `json:"startedAt"`
	CompletedAt   *time.Time           `json:"completedAt,omitempty"`
	EventsCreated int                  `json:"eventsCreated"`
	EventsUpdated int                  `json:"eventsUpdated"`
	EventsDeleted int                  `json:"eventsDeleted"`
	GroupsChanged int                  `json:"groupsChanged"`
	GroupsTotal   int                  `json:"groupsTotal"`
	GroupsFailed  int                  `json:"groupsFailed"`
	GroupID       string               `json:"groupId,omitempty"`
	Error         string               `json:"error,omitempty"`
	Failures      []model.GroupFailure `json:"failures,omitempty"`
}

func toRunJSON(r *model.SyncRun) runJSON {
	out := runJSON{
		ID:            r.ID,
		Status:        r.Status,
		StartedAt:     r.StartedAt,
		EventsCreated: r.EventsCreated,
		EventsUpdated: r.EventsUpdated,
		EventsDeleted: r.EventsDeleted,
		GroupsChanged: r.GroupsChanged,
		GroupsTotal:   r.GroupsTotal,
		GroupsFailed:  r.GroupsFailed,
		GroupID:       r.GroupID,
		Error:         r.Error,
		Failures:      r.Failures,
	}
	if !r.CompletedAt.IsZero() {
		t := r.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// listResponse is the envelope of every list endpoint.
type listResponse[T any] struct {
	Data []T      `json:"data"`
	Meta listMeta `json:"meta"`
}

type listMeta struct {
	Count  int `json:"count"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
