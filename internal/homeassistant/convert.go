package homeassistant

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/njoerd114/eventsync/internal/model"
	"github.com/njoerd114/eventsync/internal/provider"
)

// HA calendar service constants.
const (
	domainCalendar   = "calendar"
	serviceGetEvents = "get_events"

	dateLayout = "2006-01-02"

	// defaultHorizon bounds get_events when the fetch has no upper bound;
	// the service requires an explicit end.
	defaultHorizon = 365 * 24 * time.Hour

	fallbackBaseURL = "http://homeassistant.local:8123"
)

// haCalendarEvent is the JSON structure for a single event returned by the HA
// calendar.get_events service.
type haCalendarEvent struct {
	Start       string `json:"start"` // "YYYY-MM-DD" or RFC 3339
	End         string `json:"end"`
	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
}

// haEventsResponse wraps the events array inside the service response for a
// single entity.
type haEventsResponse struct {
	Events []haCalendarEvent `json:"events"`
}

// buildGetEventsData returns the service-call payload for calendar.get_events.
func buildGetEventsData(entityID string, opts provider.FetchOptions, now time.Time) map[string]any {
	start := opts.After
	if start.IsZero() {
		start = now
	}
	end := opts.Before
	if end.IsZero() || !end.After(start) {
		end = start.Add(defaultHorizon)
	}
	return map[string]any{
		"entity_id":       entityID,
		"start_date_time": start.UTC().Format(time.RFC3339),
		"end_date_time":   end.UTC().Format(time.RFC3339),
	}
}

// entityGroup describes the calendar entity as a group.
func entityGroup(entityID, baseURL string) *model.CanonicalGroup {
	name := strings.TrimPrefix(entityID, domainCalendar+".")
	name = strings.ReplaceAll(name, "_", " ")
	return &model.CanonicalGroup{
		PlatformID: entityID,
		Platform:   model.PlatformHomeAssistant,
		Name:       name,
		Link:       calendarURL(entityID, baseURL),
	}
}

func calendarURL(entityID, baseURL string) string {
	if baseURL == "" {
		baseURL = fallbackBaseURL
	}
	return baseURL + "/calendar?entity_id=" + url.QueryEscape(entityID)
}

// eventID derives a stable platform id. HA calendar events carry no uid
// through the service, so the id hashes the entity, summary and start.
func eventID(entityID, summary string, start time.Time) string {
	sum := sha256.Sum256([]byte(entityID + "\x00" + summary + "\x00" + start.UTC().Format(time.RFC3339)))
	return hex.EncodeToString(sum[:])[:24]
}

// haEventToCanonical converts an HA calendar event to a
// [model.CanonicalEvent]. Date-only values are all-day events in loc.
func haEventToCanonical(h haCalendarEvent, entityID, baseURL string, loc *time.Location) (model.CanonicalEvent, error) {
	ev := model.CanonicalEvent{
		Platform:    model.PlatformHomeAssistant,
		Title:       strings.TrimSpace(h.Summary),
		Description: h.Description,
		EventURL:    calendarURL(entityID, baseURL),
		Timezone:    loc.String(),
		Status:      model.StatusActive,
	}
	if h.Start == "" {
		return ev, errors.New("missing start")
	}
	start, allDay, err := parseWhen(h.Start, loc)
	if err != nil {
		return ev, err
	}
	ev.StartTime = start
	ev.PlatformID = eventID(entityID, h.Summary, start)

	if h.End != "" {
		end, _, err := parseWhen(h.End, loc)
		if err != nil {
			return ev, err
		}
		ev.EndTime = &end
	} else if allDay {
		end := start.AddDate(0, 0, 1)
		ev.EndTime = &end
	}
	ev.Duration = model.DurationBetween(start, ev.EndTime)

	location := strings.TrimSpace(h.Location)
	online := isOnline(location)
	if location != "" && !online {
		name, address, _ := strings.Cut(location, ",")
		ev.Venue = &model.CanonicalVenue{
			Name:    strings.TrimSpace(name),
			Address: strings.TrimSpace(address),
		}
	}
	ev.EventType = model.InferEventType(ev.Venue != nil, online)
	return ev, nil
}

// parseWhen parses an HA start/end value. It tries date-only format first
// ("2006-01-02"), then falls back to RFC 3339.
func parseWhen(s string, loc *time.Location) (time.Time, bool, error) {
	if t, err := time.ParseInLocation(dateLayout, s, loc); err == nil {
		return t, true, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	return t, false, err
}

// isOnline reports whether a location string is a meeting link.
func isOnline(location string) bool {
	l := strings.ToLower(location)
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://")
}
