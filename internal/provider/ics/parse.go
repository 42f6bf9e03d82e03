package ics

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
)

const (
	propURL          ical.ComponentProperty = "URL"
	propGeo          ical.ComponentProperty = "GEO"
	propDuration     ical.ComponentProperty = "DURATION"
	propRecurrenceID ical.ComponentProperty = "RECURRENCE-ID"
	propStatus       ical.ComponentProperty = "STATUS"
	propAttendee     ical.ComponentProperty = "ATTENDEE"
	propConference   ical.ComponentProperty = "X-GOOGLE-CONFERENCE"
	propTeamsURL     ical.ComponentProperty = "X-MICROSOFT-SKYPETEAMSMEETINGURL"
)

const (
	layoutUTC      = "20060102T150405Z"
	layoutFloating = "20060102T150405"
	layoutDate     = "20060102"
)

// vevent is one parsed VEVENT before recurrence expansion.
type vevent struct {
	UID         string
	Summary     string
	Description string
	Location    string
	URL         string
	Status      string

	Start  time.Time
	End    time.Time
	AllDay bool
	// TZ is the IANA name the start was expressed in.
	TZ string

	RRule   string
	ExDates []time.Time
	// RecurrenceID is set on overrides of one recurring instance.
	RecurrenceID *time.Time

	Lat, Lng  *float64
	Online    bool
	Attendees int
}

func parseVEvent(ve *ical.VEvent, loc *time.Location) (vevent, error) {
	var ev vevent
	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		ev.UID = strings.TrimSpace(p.Value)
	}
	if ev.UID == "" {
		return ev, errors.New("missing UID")
	}

	ev.Summary = text(ve, ical.ComponentPropertySummary)
	ev.Description = text(ve, ical.ComponentPropertyDescription)
	ev.Location = text(ve, ical.ComponentPropertyLocation)
	ev.URL = text(ve, propURL)
	ev.Status = strings.ToUpper(text(ve, propStatus))

	start := ve.GetProperty(ical.ComponentPropertyDtStart)
	if start == nil {
		return ev, errors.New("missing DTSTART")
	}
	var err error
	ev.Start, ev.TZ, ev.AllDay, err = parseDateTime(start.Value, start.ICalParameters, loc)
	if err != nil {
		return ev, fmt.Errorf("DTSTART: %w", err)
	}

	switch {
	case ve.GetProperty(ical.ComponentPropertyDtEnd) != nil:
		end := ve.GetProperty(ical.ComponentPropertyDtEnd)
		if ev.End, _, _, err = parseDateTime(end.Value, end.ICalParameters, loc); err != nil {
			return ev, fmt.Errorf("DTEND: %w", err)
		}
	case ve.GetProperty(propDuration) != nil:
		if d, err := parseDuration(ve.GetProperty(propDuration).Value); err == nil {
			ev.End = ev.Start.Add(d)
		}
	case ev.AllDay:
		ev.End = ev.Start.AddDate(0, 0, 1)
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		ev.RRule = strings.TrimSpace(p.Value)
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			if part = strings.TrimSpace(part); part == "" {
				continue
			}
			if t, _, _, err := parseDateTime(part, p.ICalParameters, ev.Start.Location()); err == nil {
				ev.ExDates = append(ev.ExDates, t)
			}
		}
	}
	if p := ve.GetProperty(propRecurrenceID); p != nil {
		if t, _, _, err := parseDateTime(p.Value, p.ICalParameters, ev.Start.Location()); err == nil {
			ev.RecurrenceID = &t
		}
	}

	if p := ve.GetProperty(propGeo); p != nil {
		ev.Lat, ev.Lng = parseGeo(p.Value)
	}
	for _, p := range ve.GetProperties(propAttendee) {
		if strings.EqualFold(param(p.ICalParameters, "PARTSTAT"), "ACCEPTED") {
			ev.Attendees++
		}
	}
	ev.Online = ve.GetProperty(propConference) != nil || ve.GetProperty(propTeamsURL) != nil || isOnlineLocation(ev.Location)
	return ev, nil
}

// parseDateTime reads a DATE or DATE-TIME value. UTC values keep UTC, TZID
// values use that zone and floating values use loc.
func parseDateTime(value string, params map[string][]string, loc *time.Location) (t time.Time, tz string, allDay bool, err error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, "", false, errors.New("empty value")
	}

	zone := loc
	if name := param(params, "TZID"); name != "" {
		if l, lerr := time.LoadLocation(strings.Trim(name, `"`)); lerr == nil {
			zone = l
		}
	}

	switch {
	case strings.EqualFold(param(params, "VALUE"), "DATE") || len(value) == len(layoutDate):
		t, err = time.ParseInLocation(layoutDate, value, zone)
		return t, zone.String(), true, err
	case strings.HasSuffix(value, "Z"):
		t, err = time.Parse(layoutUTC, value)
		return t, "UTC", false, err
	default:
		t, err = time.ParseInLocation(layoutFloating, value, zone)
		return t, zone.String(), false, err
	}
}

// parseDuration handles the dur-value forms seen in feeds: "PT1H30M",
// "P1D", "P1W", "P1DT2H".
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "+")
	if !strings.HasPrefix(s, "P") || len(s) < 3 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	var (
		total time.Duration
		num   string
		inT   bool
	)
	for _, r := range s[1:] {
		switch {
		case r >= '0' && r <= '9':
			num += string(r)
			continue
		case r == 'T':
			inT = true
			continue
		}
		n, err := strconv.Atoi(num)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		num = ""
		switch {
		case r == 'W':
			total += time.Duration(n) * 7 * 24 * time.Hour
		case r == 'D':
			total += time.Duration(n) * 24 * time.Hour
		case r == 'H' && inT:
			total += time.Duration(n) * time.Hour
		case r == 'M' && inT:
			total += time.Duration(n) * time.Minute
		case r == 'S' && inT:
			total += time.Duration(n) * time.Second
		default:
			return 0, fmt.Errorf("invalid duration %q", s)
		}
	}
	if num != "" {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return total, nil
}

func parseGeo(v string) (lat, lng *float64) {
	parts := strings.Split(v, ";")
	if len(parts) != 2 {
		return nil, nil
	}
	la, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	lo, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil {
		return nil, nil
	}
	return &la, &lo
}

func isOnlineLocation(loc string) bool {
	l := strings.ToLower(strings.TrimSpace(loc))
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://") || l == "online"
}

func text(ve *ical.VEvent, prop ical.ComponentProperty) string {
	if p := ve.GetProperty(prop); p != nil {
		return unescape(strings.TrimSpace(p.Value))
	}
	return ""
}

func param(params map[string][]string, key string) string {
	if vs, ok := params[key]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

var textUnescaper = strings.NewReplacer(`\n`, "\n", `\N`, "\n", `\,`, ",", `\;`, ";", `\\`, `\`)

func unescape(s string) string {
	return textUnescaper.Replace(s)
}
