// Package luma fetches calendar events from the Luma public API. The group
// identifier is the calendar api id the API key belongs to.
package luma

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/njoerd114/eventsync/internal/config"
	"github.com/njoerd114/eventsync/internal/model"
	"github.com/njoerd114/eventsync/internal/provider"
)

// EnvAPIKey holds the calendar API key.
const EnvAPIKey = "LUMA_API_KEY"

const (
	defaultBaseURL = "https://api.lu.ma"
	eventsPath     = "/public/v1/calendar/list-events"
	publicEventURL = "https://lu.ma/"
	pageLimit      = 50
	// maxPages stops runaway pagination when the upstream keeps has_more set.
	maxPages = 100
)

// Provider implements provider.Provider for Luma.
type Provider struct {
	client  *provider.Client
	baseURL string
	log     *slog.Logger

	mu     sync.RWMutex
	apiKey string
}

// New returns a Luma adapter.
func New(cfg config.ProviderConfig, logger *slog.Logger) *Provider {
	return NewWithOptions(cfg, provider.OptionsFrom(cfg), logger)
}

// NewWithOptions is New with explicit transport options.
func NewWithOptions(cfg config.ProviderConfig, opts provider.ClientOptions, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	return &Provider{
		client:  provider.NewClient(model.PlatformLuma, opts, logger),
		baseURL: base,
		log:     logger.With("platform", string(model.PlatformLuma)),
	}
}

// Platform implements provider.Provider.
func (p *Provider) Platform() model.Platform { return model.PlatformLuma }

// IsConfigured implements provider.Provider.
func (p *Provider) IsConfigured(env config.Env) bool {
	return len(config.Missing(env, EnvAPIKey)) == 0
}

// Initialize implements provider.Provider.
func (p *Provider) Initialize(_ context.Context, env config.Env) error {
	if missing := config.Missing(env, EnvAPIKey); len(missing) > 0 {
		return &provider.ConfigurationError{Platform: model.PlatformLuma, Missing: missing}
	}
	p.mu.Lock()
	p.apiKey = config.Get(env, EnvAPIKey)
	p.mu.Unlock()
	return nil
}

type listResponse struct {
	Entries    []entry `json:"entries"`
	HasMore    bool    `json:"has_more"`
	NextCursor string  `json:"next_cursor"`
}

type entry struct {
	APIID string    `json:"api_id"`
	Event lumaEvent `json:"event"`
}

type lumaEvent struct {
	APIID          string      `json:"api_id"`
	Name           string      `json:"name"`
	Description    string      `json:"description"`
	DescriptionMD  string      `json:"description_md"`
	StartAt        string      `json:"start_at"`
	EndAt          string      `json:"end_at"`
	Duration       string      `json:"duration_interval"`
	Timezone       string      `json:"timezone"`
	URL            string      `json:"url"`
	CoverURL       string      `json:"cover_url"`
	Visibility     string      `json:"visibility"`
	Status         string      `json:"status"`
	Cancelled      bool        `json:"is_cancelled"`
	MeetingURL     string      `json:"meeting_url"`
	ZoomMeetingURL string      `json:"zoom_meeting_url"`
	GuestCount     int         `json:"guest_count"`
	MaxCapacity    *int        `json:"max_capacity"`
	GeoAddress     *geoAddress `json:"geo_address_json"`
	GeoLatitude    *string     `json:"geo_latitude"`
	GeoLongitude   *string     `json:"geo_longitude"`
}

type geoAddress struct {
	PlaceID     string `json:"place_id"`
	Description string `json:"description"`
	Address     string `json:"address"`
	FullAddress string `json:"full_address"`
	City        string `json:"city"`
	Region      string `json:"region"`
	Country     string `json:"country"`
	PostalCode  string `json:"postal_code"`
	Type        string `json:"type"`
}

// FetchEvents implements provider.Provider.
func (p *Provider) FetchEvents(ctx context.Context, calendarID string, opts provider.FetchOptions) (*provider.FetchResult, error) {
	p.mu.RLock()
	key := p.apiKey
	p.mu.RUnlock()
	if key == "" {
		return nil, &provider.ConfigurationError{Platform: model.PlatformLuma, Missing: []string{EnvAPIKey}}
	}

	res := &provider.FetchResult{}
	cursor := ""
	for page := 0; page < maxPages; page++ {
		var body listResponse
		if err := p.fetchPage(ctx, calendarID, key, cursor, opts, &body); err != nil {
			return nil, err
		}
		for _, e := range body.Entries {
			ev, ok := toCanonical(e.Event)
			if !ok {
				res.Skipped = append(res.Skipped, &provider.ValidationError{
					Platform: model.PlatformLuma, GroupID: calendarID, PlatformID: e.Event.APIID,
					Err: errUnparseableTimes,
				})
				continue
			}
			if !opts.InWindow(ev.StartTime) {
				continue
			}
			if !res.Add(calendarID, ev, opts) {
				break
			}
		}
		if res.Truncated || !body.HasMore || body.NextCursor == "" {
			break
		}
		if res.Full(opts) || page == maxPages-1 {
			res.Truncated = true
			break
		}
		cursor = body.NextCursor
	}
	p.log.Debug("calendar fetched", "group", calendarID, "events", len(res.Events), "skipped", len(res.Skipped), "truncated", res.Truncated)
	return res, nil
}

func (p *Provider) fetchPage(ctx context.Context, calendarID, key, cursor string, opts provider.FetchOptions, out *listResponse) error {
	q := url.Values{}
	q.Set("calendar_api_id", calendarID)
	q.Set("pagination_limit", strconv.Itoa(pageLimit))
	if cursor != "" {
		q.Set("pagination_cursor", cursor)
	}
	if !opts.After.IsZero() {
		q.Set("after", opts.After.UTC().Format(time.RFC3339))
	}
	if !opts.Before.IsZero() {
		q.Set("before", opts.Before.UTC().Format(time.RFC3339))
	}
	endpoint := p.baseURL + eventsPath + "?" + q.Encode()

	resp, err := p.client.Do(ctx, calendarID, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("x-luma-api-key", key)
		return req, nil
	})
	if err != nil {
		return err
	}
	return provider.DecodeJSON(model.PlatformLuma, calendarID, resp.Body, out)
}
