// Package ics fetches iCalendar feeds over HTTP(S) and maps their VEVENTs,
// including expanded recurrences, onto canonical events. The group
// identifier is the feed URL.
package ics

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/njoerd114/eventsync/internal/config"
	"github.com/njoerd114/eventsync/internal/model"
	"github.com/njoerd114/eventsync/internal/provider"
)

// EnvEnabled disables the adapter when set to "false".
const EnvEnabled = "ICS_FEEDS_ENABLED"

// cachedFeed is the last 200 response of a feed, replayed on 304.
type cachedFeed struct {
	etag         string
	lastModified string
	body         []byte
}

// Provider implements provider.Provider for iCalendar feeds.
type Provider struct {
	client *provider.Client
	loc    *time.Location
	log    *slog.Logger

	mu    sync.Mutex
	feeds map[string]cachedFeed
}

// New returns an ICS adapter. Floating times are read in cfg.Timezone.
func New(cfg config.ProviderConfig, logger *slog.Logger) *Provider {
	return NewWithOptions(cfg, provider.OptionsFrom(cfg), logger)
}

// NewWithOptions is New with explicit transport options.
func NewWithOptions(cfg config.ProviderConfig, opts provider.ClientOptions, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	loc := time.UTC
	if cfg.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Timezone); err == nil {
			loc = l
		}
	}
	return &Provider{
		client: provider.NewClient(model.PlatformICS, opts, logger),
		loc:    loc,
		log:    logger.With("platform", string(model.PlatformICS)),
		feeds:  make(map[string]cachedFeed),
	}
}

// Platform implements provider.Provider.
func (p *Provider) Platform() model.Platform { return model.PlatformICS }

// IsConfigured implements provider.Provider. Feeds need no credentials.
func (p *Provider) IsConfigured(env config.Env) bool {
	return !strings.EqualFold(config.Get(env, EnvEnabled), "false")
}

// Initialize implements provider.Provider.
func (p *Provider) Initialize(context.Context, config.Env) error { return nil }

// FetchGroup implements provider.GroupFetcher.
func (p *Provider) FetchGroup(ctx context.Context, feedURL string) (*model.CanonicalGroup, error) {
	cal, err := p.load(ctx, feedURL)
	if err != nil {
		return nil, err
	}
	return calendarGroup(feedURL, cal), nil
}

// FetchEvents implements provider.Provider.
func (p *Provider) FetchEvents(ctx context.Context, feedURL string, opts provider.FetchOptions) (*provider.FetchResult, error) {
	cal, err := p.load(ctx, feedURL)
	if err != nil {
		return nil, err
	}

	res := &provider.FetchResult{Group: calendarGroup(feedURL, cal)}

	var parsed []vevent
	for _, ve := range cal.Events() {
		ev, err := parseVEvent(ve, p.loc)
		if err != nil {
			res.Skipped = append(res.Skipped, &provider.ValidationError{
				Platform: model.PlatformICS, GroupID: feedURL, PlatformID: ev.UID, Err: err,
			})
			continue
		}
		parsed = append(parsed, ev)
	}

	occs, capped := expand(parsed, opts, time.Now())
	res.Truncated = capped
	sort.Slice(occs, func(i, j int) bool {
		if !occs[i].start.Equal(occs[j].start) {
			return occs[i].start.Before(occs[j].start)
		}
		return occs[i].platformID < occs[j].platformID
	})

	for _, occ := range occs {
		if !res.Add(feedURL, toCanonical(feedURL, occ), opts) {
			break
		}
	}
	p.log.Debug("feed parsed", "group", feedURL, "vevents", len(parsed), "events", len(res.Events),
		"skipped", len(res.Skipped), "truncated", res.Truncated)
	return res, nil
}

// load fetches feedURL with a conditional GET and parses it.
func (p *Provider) load(ctx context.Context, feedURL string) (*ical.Calendar, error) {
	u, err := url.Parse(feedURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &provider.NotFoundError{Platform: model.PlatformICS, GroupID: feedURL}
	}

	p.mu.Lock()
	cached, hasCache := p.feeds[feedURL]
	p.mu.Unlock()

	resp, err := p.client.Do(ctx, feedURL, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "text/calendar, */*;q=0.5")
		if hasCache && cached.etag != "" {
			req.Header.Set("If-None-Match", cached.etag)
		}
		if hasCache && cached.lastModified != "" {
			req.Header.Set("If-Modified-Since", cached.lastModified)
		}
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	body := resp.Body
	switch {
	case resp.StatusCode == http.StatusNotModified && hasCache:
		body = cached.body
		p.log.Debug("feed not modified", "group", feedURL)
	case resp.StatusCode == http.StatusNotModified:
		return nil, &provider.TransientError{
			Platform: model.PlatformICS, GroupID: feedURL, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("304 without a cached body"),
		}
	default:
		p.mu.Lock()
		p.feeds[feedURL] = cachedFeed{
			etag:         resp.Header.Get("ETag"),
			lastModified: resp.Header.Get("Last-Modified"),
			body:         resp.Body,
		}
		p.mu.Unlock()
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, &provider.TransientError{Platform: model.PlatformICS, GroupID: feedURL, Err: fmt.Errorf("parsing calendar: %w", err)}
	}
	return cal, nil
}

// calendarGroup describes the feed. Feeds never carry a urlname, so they are
// never linked to an existing group by name.
func calendarGroup(feedURL string, cal *ical.Calendar) *model.CanonicalGroup {
	g := &model.CanonicalGroup{
		PlatformID: feedURL,
		Platform:   model.PlatformICS,
		Link:       feedURL,
	}
	for _, prop := range cal.CalendarProperties {
		switch strings.ToUpper(prop.IANAToken) {
		case "X-WR-CALNAME", "NAME":
			if g.Name == "" {
				g.Name = unescape(prop.Value)
			}
		case "X-WR-CALDESC", "DESCRIPTION":
			if g.Description == "" {
				g.Description = unescape(prop.Value)
			}
		}
	}
	if g.Name == "" {
		if u, err := url.Parse(feedURL); err == nil {
			g.Name = u.Host
		}
	}
	return g
}

// window resolves the expansion range. Open bounds default to now and one
// year ahead so unbounded rules terminate.
func window(opts provider.FetchOptions, now time.Time) (time.Time, time.Time) {
	lo, hi := opts.After, opts.Before
	if lo.IsZero() {
		lo = now
	}
	if hi.IsZero() || hi.Before(lo) {
		hi = lo.AddDate(1, 0, 0)
	}
	return lo, hi
}
