package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/njoerd114/eventsync/internal/config"
	"github.com/njoerd114/eventsync/internal/metrics"
	"github.com/njoerd114/eventsync/internal/model"
)

// maxBodyBytes caps how much of an upstream response is read.
const maxBodyBytes = 16 << 20

// HTTPDoer is the subset of *http.Client the transport needs.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientOptions tunes a Client.
type ClientOptions struct {
	// RateLimit is the sustained request rate per second; Burst the bucket.
	RateLimit float64
	Burst     int
	// Timeout bounds each HTTP request when HTTP is nil.
	Timeout time.Duration
	// MaxAttempts bounds retries of transient failures.
	MaxAttempts int
	// HTTP overrides the underlying client (tests).
	HTTP HTTPDoer
}

// OptionsFrom converts provider settings from the config file.
func OptionsFrom(pc config.ProviderConfig) ClientOptions {
	return ClientOptions{
		RateLimit:   pc.RateLimit,
		Burst:       pc.Burst,
		Timeout:     pc.Timeout,
		MaxAttempts: pc.MaxAttempts,
	}
}

// Response is a fully read upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client is the HTTP transport shared by the HTTP-based adapters. Each
// adapter owns one, so rate limiting and circuit breaking stay local to a
// platform.
type Client struct {
	platform    model.Platform
	http        HTTPDoer
	limiter     *rate.Limiter
	breaker     *gobreaker.CircuitBreaker[*Response]
	maxAttempts int
	log         *slog.Logger
	now         func() time.Time
}

// NewClient builds a transport for one platform.
func NewClient(platform model.Platform, opts ClientOptions, logger *slog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.HTTP == nil {
		opts.HTTP = &http.Client{Timeout: opts.Timeout}
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	if opts.Burst < 1 {
		opts.Burst = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		platform:    platform,
		http:        opts.HTTP,
		limiter:     rate.NewLimiter(limit, opts.Burst),
		maxAttempts: opts.MaxAttempts,
		log:         logger.With("platform", string(platform)),
		now:         time.Now,
	}

	name := string(platform)
	metrics.SetBreakerState(name, 0)
	c.breaker = gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("circuit breaker state change", "from", from.String(), "to", to.String())
			metrics.SetBreakerState(name, breakerStateValue(to))
		},
		// Only upstream availability problems count against the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || KindOf(err) != KindTransient
		},
	})
	return c
}

// Platform returns the platform the client serves.
func (c *Client) Platform() model.Platform { return c.platform }

// Do sends the request produced by build, retrying transient failures with
// backoff. build is called once per attempt so request bodies can be
// replayed. Non-2xx statuses (other than 304) are mapped to typed errors.
func (c *Client) Do(ctx context.Context, groupID string, build func(ctx context.Context) (*http.Request, error)) (*Response, error) {
	var resp *Response
	err := Retry(ctx, c.maxAttempts, func() error {
		r, err := c.attempt(ctx, groupID, build)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, Classify(c.platform, groupID, err)
	}
	return resp, nil
}

func (c *Client) attempt(ctx context.Context, groupID string, build func(ctx context.Context) (*http.Request, error)) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &TransientError{Platform: c.platform, GroupID: groupID, Err: fmt.Errorf("waiting for rate limiter: %w", err)}
	}

	resp, err := c.breaker.Execute(func() (*Response, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, fmt.Errorf("building request: %w", err)
		}
		start := c.now()
		httpResp, err := c.http.Do(req)
		if err != nil {
			metrics.RecordProviderRequest(string(c.platform), "network_error", c.now().Sub(start))
			return nil, &TransientError{Platform: c.platform, GroupID: groupID, Err: err}
		}
		defer httpResp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
		metrics.RecordProviderRequest(string(c.platform), statusClass(httpResp.StatusCode), c.now().Sub(start))
		if err != nil {
			return nil, &TransientError{Platform: c.platform, GroupID: groupID, StatusCode: httpResp.StatusCode, Err: fmt.Errorf("reading body: %w", err)}
		}
		c.log.Debug("upstream request", "method", req.Method, "url", req.URL.Redacted(), "status", httpResp.StatusCode, "bytes", len(body))

		r := &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: body}
		return r, c.checkStatus(groupID, r)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &TransientError{Platform: c.platform, GroupID: groupID, Err: err}
		}
		return nil, err
	}
	return resp, nil
}

func (c *Client) checkStatus(groupID string, r *Response) error {
	switch code := r.StatusCode; {
	case code >= 200 && code < 300, code == http.StatusNotModified:
		return nil
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return &AuthenticationError{Platform: c.platform, GroupID: groupID, StatusCode: code}
	case code == http.StatusNotFound:
		return &NotFoundError{Platform: c.platform, GroupID: groupID}
	case code == http.StatusTooManyRequests:
		return &RateLimitError{Platform: c.platform, GroupID: groupID, RetryAfter: ParseRetryAfter(r.Header, c.now())}
	default:
		return &TransientError{
			Platform:   c.platform,
			GroupID:    groupID,
			StatusCode: code,
			Err:        fmt.Errorf("unexpected response: %s", snippet(r.Body)),
		}
	}
}

// DecodeJSON unmarshals an upstream body, reporting failures as transient.
func DecodeJSON(platform model.Platform, groupID string, body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return &TransientError{Platform: platform, GroupID: groupID, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code == http.StatusTooManyRequests:
		return "429"
	case code >= 400:
		return "4xx"
	case code == http.StatusNotModified:
		return "304"
	default:
		return "2xx"
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

func snippet(body []byte) string {
	const limit = 200
	if len(body) > limit {
		return string(body[:limit]) + "…"
	}
	return string(body)
}
