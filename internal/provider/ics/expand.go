package ics

import (
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/njoerd114/eventsync/internal/model"
	"github.com/njoerd114/eventsync/internal/provider"
)

// maxOccurrences caps the instances produced by one recurring VEVENT.
const maxOccurrences = 1000

// occurrence is one concrete instance of a VEVENT.
type occurrence struct {
	ev         vevent
	start, end time.Time
	platformID string
}

// expand turns parsed VEVENTs into occurrences. Single events are kept when
// their start is in the fetch window; recurring events are expanded inside
// it with EXDATEs removed and RECURRENCE-ID overrides applied. truncated
// reports that some rule had more than maxOccurrences instances in the window.
func expand(events []vevent, opts provider.FetchOptions, now time.Time) (out []occurrence, truncated bool) {
	lo, hi := window(opts, now)

	bases := make(map[string][]vevent)
	overrides := make(map[string][]vevent)
	var order []string
	for _, ev := range events {
		if ev.RecurrenceID != nil {
			overrides[ev.UID] = append(overrides[ev.UID], ev)
			continue
		}
		if _, seen := bases[ev.UID]; !seen {
			order = append(order, ev.UID)
		}
		bases[ev.UID] = append(bases[ev.UID], ev)
	}

	for _, uid := range order {
		for _, ev := range bases[uid] {
			if ev.RRule == "" {
				if opts.InWindow(ev.Start) {
					out = append(out, occurrence{ev: ev, start: ev.Start, end: ev.End, platformID: ev.UID})
				}
				continue
			}
			occs, capped := expandRecurring(ev, overrides[uid], lo, hi)
			out = append(out, occs...)
			truncated = truncated || capped
		}
	}
	return out, truncated
}

func expandRecurring(ev vevent, overrides []vevent, lo, hi time.Time) ([]occurrence, bool) {
	r, err := rrule.StrToRRule(ev.RRule)
	if err != nil {
		// Unparseable rule: keep the first instance only.
		if !ev.Start.Before(lo) && !ev.Start.After(hi) {
			return []occurrence{{ev: ev, start: ev.Start, end: ev.End, platformID: instanceID(ev.UID, ev.Start)}}, false
		}
		return nil, false
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	var starts []time.Time
	capped := false
	next := set.Iterator()
	for {
		s, ok := next()
		if !ok || s.After(hi) {
			break
		}
		if s.Before(lo) {
			continue
		}
		if len(starts) == maxOccurrences {
			capped = true
			break
		}
		starts = append(starts, s)
	}

	length := ev.End.Sub(ev.Start)
	out := make([]occurrence, 0, len(starts))
	for _, s := range starts {
		occ := occurrence{ev: ev, start: s, platformID: instanceID(ev.UID, s)}
		if !ev.End.IsZero() {
			occ.end = s.Add(length)
		}
		if o, ok := overrideFor(overrides, s); ok {
			occ.ev = o
			occ.start = o.Start
			occ.end = o.End
		}
		out = append(out, occ)
	}
	return out, capped
}

// overrideFor returns the override whose RECURRENCE-ID is the instant start.
func overrideFor(overrides []vevent, start time.Time) (vevent, bool) {
	for _, o := range overrides {
		if o.RecurrenceID.Equal(start) {
			return o, true
		}
	}
	return vevent{}, false
}

// instanceID keys an occurrence by its original start so moving one
// instance keeps its identity.
func instanceID(uid string, start time.Time) string {
	return uid + "@" + start.UTC().Format(time.RFC3339)
}

func toCanonical(feedURL string, occ occurrence) model.CanonicalEvent {
	ev := occ.ev
	e := model.CanonicalEvent{
		PlatformID:  occ.platformID,
		Platform:    model.PlatformICS,
		Title:       ev.Summary,
		Description: ev.Description,
		EventURL:    ev.URL,
		StartTime:   occ.start,
		Timezone:    ev.TZ,
		Status:      mapStatus(ev.Status),
		RSVPCount:   ev.Attendees,
	}
	if e.EventURL == "" {
		e.EventURL = feedURL
	}
	if e.Timezone == "" {
		e.Timezone = "UTC"
	}
	if !occ.end.IsZero() {
		end := occ.end
		e.EndTime = &end
		e.Duration = model.DurationBetween(occ.start, &end)
	}

	physical := ev.Location != "" && !isOnlineLocation(ev.Location)
	if physical {
		e.Venue = venueFromLocation(ev)
	}
	e.EventType = model.InferEventType(physical, ev.Online)
	return e
}

func mapStatus(s string) model.EventStatus {
	if s == "CANCELLED" {
		return model.StatusCancelled
	}
	return model.StatusActive
}

// venueFromLocation splits "Name, street, city" style LOCATION values.
func venueFromLocation(ev vevent) *model.CanonicalVenue {
	v := &model.CanonicalVenue{Name: ev.Location, Lat: ev.Lat, Lng: ev.Lng}
	if name, rest, ok := strings.Cut(ev.Location, ","); ok {
		v.Name = strings.TrimSpace(name)
		v.Address = strings.TrimSpace(rest)
	}
	return v
}
