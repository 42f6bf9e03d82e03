package meetup

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/njoerd114/eventsync/internal/model"
)

const groupEventsQuery = `
query GroupEvents($urlname: String!, $first: Int!, $after: String) {
  groupByUrlname(urlname: $urlname) {
    id
    urlname
    name
    description
    link
    stats { memberCounts { all } }
    keyGroupPhoto { baseUrl }
    events(first: $first, after: $after, sort: ASC) {
      pageInfo { hasNextPage endCursor }
      edges {
        node {
          id
          title
          description
          eventUrl
          dateTime
          endTime
          duration
          timezone
          status
          eventType
          rsvps { yesCount }
          maxTickets
          featuredEventPhoto { baseUrl }
          venue { id name address city state postalCode country lat lon }
          onlineVenue { type url }
        }
      }
    }
  }
}`

type groupData struct {
	Group *gqlGroup `json:"groupByUrlname"`
}

type gqlGroup struct {
	ID          string `json:"id"`
	URLName     string `json:"urlname"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Link        string `json:"link"`
	Stats       *struct {
		MemberCounts struct {
			All int `json:"all"`
		} `json:"memberCounts"`
	} `json:"stats"`
	KeyGroupPhoto *photo          `json:"keyGroupPhoto"`
	Events        eventConnection `json:"events"`
}

type photo struct {
	BaseURL string `json:"baseUrl"`
}

type eventConnection struct {
	PageInfo struct {
		HasNextPage bool   `json:"hasNextPage"`
		EndCursor   string `json:"endCursor"`
	} `json:"pageInfo"`
	Edges []struct {
		Node gqlEvent `json:"node"`
	} `json:"edges"`
}

type gqlEvent struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	EventURL    string `json:"eventUrl"`
	DateTime    string `json:"dateTime"`
	EndTime     string `json:"endTime"`
	Duration    string `json:"duration"`
	Timezone    string `json:"timezone"`
	Status      string `json:"status"`
	EventType   string `json:"eventType"`
	RSVPs       *struct {
		YesCount int `json:"yesCount"`
	} `json:"rsvps"`
	MaxTickets    int          `json:"maxTickets"`
	FeaturedPhoto *photo       `json:"featuredEventPhoto"`
	Venue         *gqlVenue    `json:"venue"`
	OnlineVenue   *onlineVenue `json:"onlineVenue"`
}

type gqlVenue struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Address    string   `json:"address"`
	City       string   `json:"city"`
	State      string   `json:"state"`
	PostalCode string   `json:"postalCode"`
	Country    string   `json:"country"`
	Lat        *float64 `json:"lat"`
	Lon        *float64 `json:"lon"`
}

type onlineVenue struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

func (g *gqlGroup) canonical() *model.CanonicalGroup {
	cg := &model.CanonicalGroup{
		PlatformID:  g.ID,
		Platform:    model.PlatformMeetup,
		URLName:     g.URLName,
		Name:        g.Name,
		Description: g.Description,
		Link:        g.Link,
	}
	if g.Stats != nil {
		cg.MemberCount = g.Stats.MemberCounts.All
	}
	if g.KeyGroupPhoto != nil {
		cg.PhotoURL = g.KeyGroupPhoto.BaseURL
	}
	return cg
}

// mapStatus normalizes the Meetup status vocabulary.
func mapStatus(s string) model.EventStatus {
	switch strings.ToUpper(s) {
	case "CANCELLED", "CANCELLED_PERM":
		return model.StatusCancelled
	case "DRAFT", "PROPOSED":
		return model.StatusDraft
	default:
		return model.StatusActive
	}
}

// Meetup emits ISO 8601 instants with and without seconds.
var timeLayouts = []string{time.RFC3339, "2006-01-02T15:04Z07:00"}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", s)
}

func (e *gqlEvent) canonical() (model.CanonicalEvent, error) {
	if e.DateTime == "" {
		return model.CanonicalEvent{}, errors.New("missing dateTime")
	}
	start, err := parseTime(e.DateTime)
	if err != nil {
		return model.CanonicalEvent{}, err
	}

	ev := model.CanonicalEvent{
		PlatformID:  e.ID,
		Platform:    model.PlatformMeetup,
		Title:       strings.TrimSpace(e.Title),
		Description: e.Description,
		EventURL:    e.EventURL,
		StartTime:   start,
		Timezone:    e.Timezone,
		Status:      mapStatus(e.Status),
	}
	if ev.Timezone == "" {
		ev.Timezone = "UTC"
	}
	if e.EndTime != "" {
		if end, err := parseTime(e.EndTime); err == nil {
			ev.EndTime = &end
		}
	}
	if e.Duration != "" {
		ev.Duration, _ = model.ParseISODuration(e.Duration)
	}
	if ev.Duration == nil {
		ev.Duration = model.DurationBetween(start, ev.EndTime)
	}
	if ev.EndTime == nil && ev.Duration != nil {
		end := start.Add(ev.Duration.Total())
		ev.EndTime = &end
	}
	if e.RSVPs != nil {
		ev.RSVPCount = e.RSVPs.YesCount
	}
	if e.MaxTickets > 0 {
		n := e.MaxTickets
		ev.MaxAttendees = &n
	}
	if e.FeaturedPhoto != nil {
		ev.PhotoURL = e.FeaturedPhoto.BaseURL
	}

	online := e.OnlineVenue != nil || strings.EqualFold(e.EventType, "ONLINE")
	if v := e.Venue; v != nil && !isOnlinePlaceholder(v) {
		ev.Venue = &model.CanonicalVenue{
			PlatformVenueID: v.ID,
			Name:            v.Name,
			Address:         v.Address,
			City:            v.City,
			State:           v.State,
			Country:         v.Country,
			PostalCode:      v.PostalCode,
			Lat:             v.Lat,
			Lng:             v.Lon,
		}
	} else if e.Venue != nil {
		online = true
	}
	ev.EventType = model.InferEventType(ev.Venue != nil, online)
	if strings.EqualFold(e.EventType, "HYBRID") && ev.Venue != nil {
		ev.EventType = model.TypeHybrid
	}
	return ev, nil
}

// isOnlinePlaceholder detects the pseudo venue Meetup attaches to online
// events.
func isOnlinePlaceholder(v *gqlVenue) bool {
	return v.Name == "" || strings.EqualFold(v.Name, "Online event") || strings.EqualFold(v.ID, "online")
}
