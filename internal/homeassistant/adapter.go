// Package homeassistant reads Home Assistant calendar entities through the
// calendar.get_events service. The group identifier is the entity id, e.g.
// "calendar.community".
package homeassistant

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	haclient "github.com/mkelcik/go-ha-client/v2"
	"golang.org/x/time/rate"

	"github.com/njoerd114/eventsync/internal/config"
	"github.com/njoerd114/eventsync/internal/metrics"
	"github.com/njoerd114/eventsync/internal/model"
	"github.com/njoerd114/eventsync/internal/provider"
)

// Environment keys of the Home Assistant connection.
const (
	EnvURL   = "HA_URL"
	EnvToken = "HA_TOKEN"
)

// RESTClient is the subset of [haclient.Client] methods used by the adapter.
// Defining it as an interface allows mock injection in tests.
type RESTClient interface {
	Ping(ctx context.Context) error
	// CallServiceWithResponse POSTs with ?return_response=true. Used for
	// calendar.get_events which returns data.
	CallServiceWithResponse(ctx context.Context, domain, service string, body io.Reader) (haclient.ServiceCallResponse, error)
}

// Provider implements provider.Provider for Home Assistant calendars.
// Create one with [New] or [NewWithClient].
type Provider struct {
	loc         *time.Location
	timeout     time.Duration
	maxAttempts int
	limiter     *rate.Limiter
	logger      *slog.Logger

	mu      sync.RWMutex
	rest    RESTClient
	baseURL string
	// fixed is set by NewWithClient; Initialize then keeps the injected client.
	fixed bool
}

// New creates a Provider that builds a real HA REST client on Initialize.
func New(cfg config.ProviderConfig, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	loc := time.UTC
	if cfg.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Timezone); err == nil {
			loc = l
		}
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = provider.DefaultMaxAttempts
	}
	return &Provider{
		loc:         loc,
		timeout:     cfg.Timeout,
		maxAttempts: attempts,
		limiter:     rate.NewLimiter(limit, burst),
		logger:      logger.With("platform", string(model.PlatformHomeAssistant)),
	}
}

// NewWithClient creates a Provider with a caller-supplied REST client.
// Intended for testing with a mock [RESTClient].
func NewWithClient(rest RESTClient, baseURL string, cfg config.ProviderConfig, logger *slog.Logger) *Provider {
	p := New(cfg, logger)
	p.rest = rest
	p.baseURL = strings.TrimRight(baseURL, "/")
	p.fixed = true
	return p
}

// Platform implements provider.Provider.
func (p *Provider) Platform() model.Platform { return model.PlatformHomeAssistant }

// IsConfigured implements provider.Provider.
func (p *Provider) IsConfigured(env config.Env) bool {
	if p.fixed {
		return true
	}
	return len(config.Missing(env, EnvURL, EnvToken)) == 0
}

// Initialize builds the REST client and validates the connection and token
// with retry.
func (p *Provider) Initialize(ctx context.Context, env config.Env) error {
	if !p.fixed {
		if missing := config.Missing(env, EnvURL, EnvToken); len(missing) > 0 {
			return &provider.ConfigurationError{Platform: model.PlatformHomeAssistant, Missing: missing}
		}
		haURL := config.Get(env, EnvURL)
		rest, err := haclient.NewClient(haURL,
			haclient.WithToken(config.Get(env, EnvToken)),
			haclient.WithLogger(p.logger),
		)
		if err != nil {
			return &provider.ConfigurationError{Platform: model.PlatformHomeAssistant, Err: fmt.Errorf("create HA REST client: %w", err)}
		}
		p.mu.Lock()
		p.rest = rest
		p.baseURL = strings.TrimRight(haURL, "/")
		p.mu.Unlock()
	}

	rest, _ := p.client()
	err := provider.Retry(ctx, p.maxAttempts, func() error {
		if err := rest.Ping(ctx); err != nil {
			return classify("", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ping HA: %w", err)
	}
	return nil
}

func (p *Provider) client() (RESTClient, string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rest, p.baseURL
}

// FetchGroup implements provider.GroupFetcher. HA exposes no calendar
// metadata through the service, so the group is derived from the entity id.
func (p *Provider) FetchGroup(_ context.Context, entityID string) (*model.CanonicalGroup, error) {
	_, base := p.client()
	return entityGroup(entityID, base), nil
}

// FetchEvents implements provider.Provider.
func (p *Provider) FetchEvents(ctx context.Context, entityID string, opts provider.FetchOptions) (*provider.FetchResult, error) {
	rest, base := p.client()
	if rest == nil {
		return nil, &provider.ConfigurationError{Platform: model.PlatformHomeAssistant, Missing: []string{EnvURL, EnvToken}}
	}
	if !strings.HasPrefix(entityID, domainCalendar+".") {
		return nil, &provider.NotFoundError{Platform: model.PlatformHomeAssistant, GroupID: entityID}
	}

	data := buildGetEventsData(entityID, opts, time.Now())

	var resp haclient.ServiceCallResponse
	err := provider.Retry(ctx, p.maxAttempts, func() error {
		if err := p.limiter.Wait(ctx); err != nil {
			return &provider.TransientError{Platform: model.PlatformHomeAssistant, GroupID: entityID, Err: err}
		}
		callCtx, cancel := p.callContext(ctx)
		defer cancel()

		start := time.Now()
		var callErr error
		resp, callErr = rest.CallServiceWithResponse(callCtx, domainCalendar, serviceGetEvents, serviceBody(data))
		outcome := "2xx"
		if callErr != nil {
			outcome = "error"
		}
		metrics.RecordProviderRequest(string(model.PlatformHomeAssistant), outcome, time.Since(start))
		if callErr != nil {
			return classify(entityID, callErr)
		}
		return nil
	})
	if err != nil {
		return nil, provider.Classify(model.PlatformHomeAssistant, entityID, err)
	}

	items, err := parseGetEventsResponse(resp, entityID)
	if err != nil {
		return nil, err
	}

	res := &provider.FetchResult{Group: entityGroup(entityID, base)}
	for _, h := range items {
		ev, err := haEventToCanonical(h, entityID, base, p.loc)
		if err != nil {
			res.Skipped = append(res.Skipped, &provider.ValidationError{
				Platform: model.PlatformHomeAssistant, GroupID: entityID, PlatformID: ev.PlatformID, Err: err,
			})
			continue
		}
		if !opts.InWindow(ev.StartTime) {
			continue
		}
		if !res.Add(entityID, ev, opts) {
			break
		}
	}
	p.logger.Debug("calendar fetched", "group", entityID, "events", len(res.Events), "skipped", len(res.Skipped))
	return res, nil
}

func (p *Provider) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout > 0 {
		return context.WithTimeout(ctx, p.timeout)
	}
	return context.WithCancel(ctx)
}

// classify maps haclient errors, which carry the HTTP status only in their
// message, onto the provider taxonomy.
func classify(entityID string, err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "401"), strings.Contains(msg, "403"):
		return &provider.AuthenticationError{Platform: model.PlatformHomeAssistant, GroupID: entityID, Err: err}
	case strings.Contains(msg, "404"), strings.Contains(msg, "not found"), strings.Contains(msg, "missing or not currently available"):
		return &provider.NotFoundError{Platform: model.PlatformHomeAssistant, GroupID: entityID}
	case strings.Contains(msg, "429"):
		return &provider.RateLimitError{Platform: model.PlatformHomeAssistant, GroupID: entityID, RetryAfter: time.Now().Add(time.Minute), Err: err}
	default:
		return &provider.TransientError{Platform: model.PlatformHomeAssistant, GroupID: entityID, Err: err}
	}
}

// serviceBody marshals data to a JSON [io.Reader] for service calls.
func serviceBody(data map[string]any) io.Reader {
	b, _ := json.Marshal(data) //nolint:errcheck // map of strings always marshals
	return bytes.NewReader(b)
}

// parseGetEventsResponse extracts calendar events from the service call
// response.
func parseGetEventsResponse(resp haclient.ServiceCallResponse, entityID string) ([]haCalendarEvent, error) {
	raw, ok := resp.ServiceResponse[entityID]
	if !ok {
		return nil, &provider.NotFoundError{Platform: model.PlatformHomeAssistant, GroupID: entityID}
	}

	var haResp haEventsResponse
	if err := json.Unmarshal(raw, &haResp); err != nil {
		return nil, &provider.TransientError{Platform: model.PlatformHomeAssistant, GroupID: entityID, Err: fmt.Errorf("parse events response: %w", err)}
	}
	return haResp.Events, nil
}
