package luma

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/njoerd114/eventsync/internal/model"
)

var errUnparseableTimes = errors.New("unparseable start_at or end_at")

// mapStatus applies the visibility vocabulary; any cancellation signal wins.
func mapStatus(e lumaEvent) model.EventStatus {
	if e.Cancelled || strings.EqualFold(e.Status, "cancelled") || strings.EqualFold(e.Status, "canceled") {
		return model.StatusCancelled
	}
	switch strings.ToLower(e.Visibility) {
	case "private", "members-only":
		return model.StatusDraft
	default:
		return model.StatusActive
	}
}

func toCanonical(e lumaEvent) (model.CanonicalEvent, bool) {
	start, err := time.Parse(time.RFC3339, e.StartAt)
	if err != nil {
		return model.CanonicalEvent{}, false
	}
	var end *time.Time
	if e.EndAt != "" {
		t, err := time.Parse(time.RFC3339, e.EndAt)
		if err != nil {
			return model.CanonicalEvent{}, false
		}
		end = &t
	}

	ev := model.CanonicalEvent{
		PlatformID:   e.APIID,
		Platform:     model.PlatformLuma,
		Title:        strings.TrimSpace(e.Name),
		Description:  e.Description,
		EventURL:     eventURL(e.URL),
		PhotoURL:     e.CoverURL,
		StartTime:    start,
		EndTime:      end,
		Timezone:     e.Timezone,
		Status:       mapStatus(e),
		RSVPCount:    e.GuestCount,
		MaxAttendees: e.MaxCapacity,
	}
	if ev.MaxAttendees != nil && *ev.MaxAttendees <= 0 {
		ev.MaxAttendees = nil
	}
	if ev.Description == "" {
		ev.Description = e.DescriptionMD
	}
	if ev.Timezone == "" {
		ev.Timezone = "UTC"
	}
	if e.Duration != "" {
		ev.Duration, _ = model.ParseISODuration(e.Duration)
	}
	if ev.Duration == nil {
		ev.Duration = model.DurationBetween(start, end)
	}

	ev.Venue = venue(e)
	online := e.MeetingURL != "" || e.ZoomMeetingURL != ""
	ev.EventType = model.InferEventType(ev.Venue != nil, online)
	return ev, true
}

func eventURL(slug string) string {
	switch {
	case slug == "":
		return ""
	case strings.HasPrefix(slug, "http://"), strings.HasPrefix(slug, "https://"):
		return slug
	default:
		return publicEventURL + strings.TrimPrefix(slug, "/")
	}
}

// venue returns nil for online-only events, which Luma marks with an
// address of type "online" or no address at all.
func venue(e lumaEvent) *model.CanonicalVenue {
	g := e.GeoAddress
	if g == nil || strings.EqualFold(g.Type, "online") {
		return nil
	}
	name := g.Description
	if name == "" {
		name = g.Address
	}
	if name == "" {
		name = g.FullAddress
	}
	if name == "" {
		return nil
	}
	v := &model.CanonicalVenue{
		PlatformVenueID: g.PlaceID,
		Name:            name,
		Address:         g.FullAddress,
		City:            g.City,
		State:           g.Region,
		Country:         g.Country,
		PostalCode:      g.PostalCode,
		Lat:             parseCoord(e.GeoLatitude),
		Lng:             parseCoord(e.GeoLongitude),
	}
	if v.Address == "" {
		v.Address = g.Address
	}
	return v
}

func parseCoord(s *string) *float64 {
	if s == nil || *s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(*s, 64)
	if err != nil {
		return nil
	}
	return &f
}
