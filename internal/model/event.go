// Package model defines the canonical and persisted types shared by the
// provider adapters, the sync engine, the store and the API.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Platform identifies an external event source. The set is closed: every
// platform has exactly one adapter registered at startup.
type Platform string

const (
	// PlatformMeetup is the Meetup GraphQL API.
	PlatformMeetup Platform = "meetup"
	// PlatformLuma is the Luma public REST API.
	PlatformLuma Platform = "luma"
	// PlatformICS is any iCalendar feed reachable over HTTP(S).
	PlatformICS Platform = "ics"
	// PlatformHomeAssistant is a Home Assistant calendar entity.
	PlatformHomeAssistant Platform = "homeassistant"
)

// Platforms returns the closed set of supported platforms in a stable order.
func Platforms() []Platform {
	return []Platform{PlatformMeetup, PlatformLuma, PlatformICS, PlatformHomeAssistant}
}

// Valid reports whether p is one of the supported platforms.
func (p Platform) Valid() bool {
	switch p {
	case PlatformMeetup, PlatformLuma, PlatformICS, PlatformHomeAssistant:
		return true
	}
	return false
}

// ParsePlatform converts a user-supplied name into a Platform.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown platform %q", s)
	}
	return p, nil
}

// EventStatus is the normalised lifecycle state of an event.
type EventStatus string

const (
	StatusActive    EventStatus = "active"
	StatusCancelled EventStatus = "cancelled"
	StatusDraft     EventStatus = "draft"
)

// EventType describes where an event takes place.
type EventType string

const (
	TypePhysical EventType = "physical"
	TypeOnline   EventType = "online"
	TypeHybrid   EventType = "hybrid"
)

// InferEventType derives the event type from the presence of a physical venue
// and of an online signal (meeting link, "online" venue marker).
func InferEventType(physical, online bool) EventType {
	switch {
	case physical && online:
		return TypeHybrid
	case online:
		return TypeOnline
	default:
		return TypePhysical
	}
}

// Duration is an event length expressed in whole hours and minutes.
type Duration struct {
	Hours   int `json:"hours"`
	Minutes int `json:"minutes"`
}

// DurationBetween returns the duration from start to end, or nil when end is
// missing or not after start.
func DurationBetween(start time.Time, end *time.Time) *Duration {
	if end == nil {
		return nil
	}
	d := end.Sub(start)
	if d <= 0 {
		return nil
	}
	total := int(d / time.Minute)
	if total == 0 {
		return nil
	}
	return &Duration{Hours: total / 60, Minutes: total % 60}
}

// Total returns the duration as a time.Duration.
func (d Duration) Total() time.Duration {
	return time.Duration(d.Hours)*time.Hour + time.Duration(d.Minutes)*time.Minute
}

// String renders the duration in ISO 8601 form, e.g. "PT2H30M".
func (d Duration) String() string {
	s := "PT"
	if d.Hours > 0 {
		s += strconv.Itoa(d.Hours) + "H"
	}
	if d.Minutes > 0 || d.Hours == 0 {
		s += strconv.Itoa(d.Minutes) + "M"
	}
	return s
}

var isoDuration = regexp.MustCompile(`^PT(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?$`)

// ParseISODuration parses the time-only subset of ISO 8601 durations used by
// upstream APIs ("PT2H", "PT90M", "PT1H30M"). Seconds are truncated. A zero
// or negative result yields nil.
func ParseISODuration(s string) (*Duration, error) {
	m := isoDuration.FindStringSubmatch(s)
	if m == nil || s == "PT" {
		return nil, fmt.Errorf("invalid duration %q", s)
	}
	var total int
	if m[1] != "" {
		h, _ := strconv.Atoi(m[1])
		total += h * 60
	}
	if m[2] != "" {
		mins, _ := strconv.Atoi(m[2])
		total += mins
	}
	if m[3] != "" {
		secs, _ := strconv.Atoi(m[3])
		total += secs / 60
	}
	if total <= 0 {
		return nil, nil //nolint:nilnil // zero duration is "absent", not an error
	}
	return &Duration{Hours: total / 60, Minutes: total % 60}, nil
}

// CanonicalVenue is the platform-neutral venue shape.
type CanonicalVenue struct {
	// PlatformVenueID is the upstream venue id. Venues with an id are shared
	// across events; venues without one are stored with the event.
	PlatformVenueID string   `json:"platformVenueId,omitempty"`
	Name            string   `json:"name" validate:"required"`
	Address         string   `json:"address,omitempty"`
	City            string   `json:"city,omitempty"`
	State           string   `json:"state,omitempty"`
	Country         string   `json:"country,omitempty"`
	PostalCode      string   `json:"postalCode,omitempty"`
	Lat             *float64 `json:"lat,omitempty" validate:"omitempty,gte=-90,lte=90"`
	Lng             *float64 `json:"lng,omitempty" validate:"omitempty,gte=-180,lte=180"`
}

// CanonicalEvent is what every adapter produces. It is never persisted as-is;
// the reconciler maps it onto a PersistedEvent.
type CanonicalEvent struct {
	PlatformID  string          `json:"platformId" validate:"required"`
	Platform    Platform        `json:"platform" validate:"required"`
	Title       string          `json:"title" validate:"required"`
	Description string          `json:"description,omitempty"`
	EventURL    string          `json:"eventUrl" validate:"required,url"`
	PhotoURL    string          `json:"photoUrl,omitempty" validate:"omitempty,url"`
	StartTime   time.Time       `json:"startTime"`
	EndTime     *time.Time      `json:"endTime,omitempty"`
	Timezone    string          `json:"timezone" validate:"required,timezone"`
	Duration    *Duration       `json:"duration,omitempty"`
	Status      EventStatus     `json:"status" validate:"required,oneof=active cancelled draft"`
	EventType   EventType       `json:"eventType" validate:"required,oneof=physical online hybrid"`
	RSVPCount   int             `json:"rsvpCount" validate:"gte=0"`
	// MaxAttendees is nil when the event has no capacity limit.
	MaxAttendees *int            `json:"maxAttendees,omitempty" validate:"omitempty,gt=0"`
	Venue        *CanonicalVenue `json:"venue,omitempty"`
}

// Content returns the reconciled fields of the event.
func (e *CanonicalEvent) Content() EventContent {
	return EventContent{
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
	}
}

// EventContent holds the fields owned by the sync engine. Two events with the
// same Hash are considered unchanged.
type EventContent struct {
	Title        string
	Description  string
	EventURL     string
	PhotoURL     string
	StartTime    time.Time
	EndTime      *time.Time
	Timezone     string
	Duration     *Duration
	Status       EventStatus
	EventType    EventType
	RSVPCount    int
	MaxAttendees *int
	Venue        *CanonicalVenue
}

// Hash returns a deterministic SHA-256 hex digest of every reconciled field.
// Instants are compared in UTC so the stored location does not matter.
func (c *EventContent) Hash() string {
	h := sha256.New()
	field := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte("|"))
	}
	field(c.Title)
	field(c.Description)
	field(c.EventURL)
	field(c.PhotoURL)
	field(c.StartTime.UTC().Format(time.RFC3339))
	if c.EndTime != nil {
		field(c.EndTime.UTC().Format(time.RFC3339))
	} else {
		field("")
	}
	field(c.Timezone)
	if c.Duration != nil {
		field(c.Duration.String())
	} else {
		field("")
	}
	field(string(c.Status))
	field(string(c.EventType))
	field(strconv.Itoa(c.RSVPCount))
	if c.MaxAttendees != nil {
		field(strconv.Itoa(*c.MaxAttendees))
	} else {
		field("")
	}
	if v := c.Venue; v != nil {
		field(v.PlatformVenueID)
		field(v.Name)
		field(v.Address)
		field(v.City)
		field(v.State)
		field(v.Country)
		field(v.PostalCode)
		field(formatCoord(v.Lat))
		field(formatCoord(v.Lng))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func formatCoord(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', 6, 64)
}

// PersistedEvent is a row of the events table.
type PersistedEvent struct {
	// ID is the internal identifier (UUID).
	ID      string
	GroupID string

	// Platform and PlatformID form the natural key. Both are empty for
	// natively created events, which the sync engine never touches.
	Platform   Platform
	PlatformID string

	// VenueID references the venues table when the venue has a platform id.
	VenueID string

	EventContent

	LastSyncAt time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Synced reports whether the event originates from an external platform.
func (e *PersistedEvent) Synced() bool {
	return e.Platform != "" && e.PlatformID != ""
}
