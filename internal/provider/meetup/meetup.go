// Package meetup fetches group events from the Meetup GraphQL API. The group
// identifier is the group urlname. Requests are authorized with an access
// token obtained through the OAuth JWT-bearer flow.
package meetup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/njoerd114/eventsync/internal/config"
	"github.com/njoerd114/eventsync/internal/model"
	"github.com/njoerd114/eventsync/internal/provider"
)

// Environment keys holding the JWT-bearer credentials.
const (
	EnvClientKey    = "MEETUP_CLIENT_KEY"
	EnvMemberID     = "MEETUP_MEMBER_ID"
	EnvSigningKeyID = "MEETUP_SIGNING_KEY_ID"
	EnvPrivateKey   = "MEETUP_PRIVATE_KEY"
)

var requiredEnv = []string{EnvClientKey, EnvMemberID, EnvSigningKeyID, EnvPrivateKey}

const (
	defaultBaseURL = "https://api.meetup.com/gql-ext"
	defaultAuthURL = "https://secure.meetup.com/oauth2/access"
	pageSize       = 50
	maxPages       = 100
)

// Provider implements provider.Provider and provider.GroupFetcher for Meetup.
type Provider struct {
	client  *provider.Client
	baseURL string
	authURL string
	log     *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	creds *credentials
	tok   accessToken
}

// New returns a Meetup adapter.
func New(cfg config.ProviderConfig, logger *slog.Logger) *Provider {
	return NewWithOptions(cfg, provider.OptionsFrom(cfg), logger)
}

// NewWithOptions is New with explicit transport options.
func NewWithOptions(cfg config.ProviderConfig, opts provider.ClientOptions, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{
		client:  provider.NewClient(model.PlatformMeetup, opts, logger),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		authURL: cfg.AuthURL,
		log:     logger.With("platform", string(model.PlatformMeetup)),
		now:     time.Now,
	}
	if p.baseURL == "" {
		p.baseURL = defaultBaseURL
	}
	if p.authURL == "" {
		p.authURL = defaultAuthURL
	}
	return p
}

// Platform implements provider.Provider.
func (p *Provider) Platform() model.Platform { return model.PlatformMeetup }

// IsConfigured implements provider.Provider.
func (p *Provider) IsConfigured(env config.Env) bool {
	return len(config.Missing(env, requiredEnv...)) == 0
}

// Initialize parses the signing key and performs the first token exchange,
// so bad credentials surface before any group is fetched.
func (p *Provider) Initialize(ctx context.Context, env config.Env) error {
	if missing := config.Missing(env, requiredEnv...); len(missing) > 0 {
		return &provider.ConfigurationError{Platform: model.PlatformMeetup, Missing: missing}
	}
	key, err := parsePrivateKey(config.Get(env, EnvPrivateKey))
	if err != nil {
		return &provider.ConfigurationError{Platform: model.PlatformMeetup, Err: err}
	}

	p.mu.Lock()
	p.creds = &credentials{
		clientKey: config.Get(env, EnvClientKey),
		memberID:  config.Get(env, EnvMemberID),
		keyID:     config.Get(env, EnvSigningKeyID),
		key:       key,
	}
	p.tok = accessToken{}
	p.mu.Unlock()

	_, err = p.token(ctx)
	return err
}

// FetchGroup implements provider.GroupFetcher.
func (p *Provider) FetchGroup(ctx context.Context, urlname string) (*model.CanonicalGroup, error) {
	var data groupData
	vars := map[string]any{"urlname": urlname, "first": 1}
	if err := p.query(ctx, urlname, groupEventsQuery, vars, &data); err != nil {
		return nil, err
	}
	if data.Group == nil {
		return nil, &provider.NotFoundError{Platform: model.PlatformMeetup, GroupID: urlname}
	}
	return data.Group.canonical(), nil
}

// FetchEvents implements provider.Provider.
func (p *Provider) FetchEvents(ctx context.Context, urlname string, opts provider.FetchOptions) (*provider.FetchResult, error) {
	res := &provider.FetchResult{}
	var after *string
	for page := 0; page < maxPages; page++ {
		var data groupData
		vars := map[string]any{"urlname": urlname, "first": pageSize}
		if after != nil {
			vars["after"] = *after
		}
		if err := p.query(ctx, urlname, groupEventsQuery, vars, &data); err != nil {
			return nil, err
		}
		if data.Group == nil {
			return nil, &provider.NotFoundError{Platform: model.PlatformMeetup, GroupID: urlname}
		}
		if res.Group == nil {
			res.Group = data.Group.canonical()
		}

		conn := data.Group.Events
		for _, edge := range conn.Edges {
			ev, err := edge.Node.canonical()
			if err != nil {
				res.Skipped = append(res.Skipped, &provider.ValidationError{
					Platform: model.PlatformMeetup, GroupID: urlname, PlatformID: edge.Node.ID, Err: err,
				})
				continue
			}
			if !opts.InWindow(ev.StartTime) {
				continue
			}
			if !res.Add(urlname, ev, opts) {
				break
			}
		}

		if res.Truncated || !conn.PageInfo.HasNextPage || conn.PageInfo.EndCursor == "" {
			break
		}
		if res.Full(opts) || page == maxPages-1 {
			res.Truncated = true
			break
		}
		cursor := conn.PageInfo.EndCursor
		after = &cursor
	}
	p.log.Debug("group fetched", "group", urlname, "events", len(res.Events), "skipped", len(res.Skipped), "truncated", res.Truncated)
	return res, nil
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type gqlError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors"`
}

// query posts one GraphQL operation and decodes its data into out.
func (p *Provider) query(ctx context.Context, groupID, query string, vars map[string]any, out any) error {
	tok, err := p.token(ctx)
	if err != nil {
		return provider.Classify(model.PlatformMeetup, groupID, err)
	}
	payload, err := json.Marshal(gqlRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("encoding query: %w", err)
	}

	resp, err := p.client.Do(ctx, groupID, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		if errors.Is(err, provider.ErrAuthentication) {
			p.dropToken()
		}
		return err
	}

	var gr gqlResponse
	if err := provider.DecodeJSON(model.PlatformMeetup, groupID, resp.Body, &gr); err != nil {
		return err
	}
	if err := p.gqlErrors(groupID, gr.Errors); err != nil {
		return err
	}
	if len(gr.Data) == 0 {
		return &provider.TransientError{Platform: model.PlatformMeetup, GroupID: groupID, Err: fmt.Errorf("empty data")}
	}
	return provider.DecodeJSON(model.PlatformMeetup, groupID, gr.Data, out)
}

// gqlErrors maps GraphQL error codes onto the provider taxonomy. GraphQL
// reports these with a 200 status.
func (p *Provider) gqlErrors(groupID string, errs []gqlError) error {
	if len(errs) == 0 {
		return nil
	}
	first := errs[0]
	cause := errors.New(first.Message)
	switch strings.ToUpper(first.Extensions.Code) {
	case "UNAUTHENTICATED", "UNAUTHORIZED", "FORBIDDEN":
		p.dropToken()
		return &provider.AuthenticationError{Platform: model.PlatformMeetup, GroupID: groupID, Err: cause}
	case "NOT_FOUND":
		return &provider.NotFoundError{Platform: model.PlatformMeetup, GroupID: groupID}
	case "RATE_LIMITED", "TOO_MANY_REQUESTS":
		return &provider.RateLimitError{Platform: model.PlatformMeetup, GroupID: groupID, RetryAfter: p.now().Add(time.Minute), Err: cause}
	default:
		return &provider.TransientError{Platform: model.PlatformMeetup, GroupID: groupID, Err: cause}
	}
}
