package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/njoerd114/eventsync/internal/model"
)

// Sentinels matched with errors.Is.
var (
	ErrConfiguration  = errors.New("provider not configured")
	ErrAuthentication = errors.New("authentication rejected")
	ErrRateLimited    = errors.New("rate limited")
	ErrNotFound       = errors.New("not found")
	ErrTransient      = errors.New("transient failure")
	ErrValidation     = errors.New("invalid upstream data")
)

// Kind classifies an error for logs, metrics and the run log.
type Kind string

const (
	KindConfiguration  Kind = "configuration"
	KindAuthentication Kind = "auth"
	KindRateLimit      Kind = "rate_limit"
	KindNotFound       Kind = "not_found"
	KindTransient      Kind = "transient"
	KindValidation     Kind = "validation"
	KindUnknown        Kind = "unknown"
)

// KindOf returns the kind of the first typed provider error in err's chain.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrAuthentication):
		return KindAuthentication
	case errors.Is(err, ErrRateLimited):
		return KindRateLimit
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrTransient):
		return KindTransient
	}
	return KindUnknown
}

func unwrapWith(sentinel, cause error) []error {
	if cause == nil {
		return []error{sentinel}
	}
	return []error{sentinel, cause}
}

func suffix(err error) string {
	if err == nil {
		return ""
	}
	return ": " + err.Error()
}

// ConfigurationError reports missing or malformed credentials.
type ConfigurationError struct {
	Platform model.Platform
	Missing  []string
	Err      error
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Platform, ErrConfiguration)
	if len(e.Missing) > 0 {
		msg += " (missing " + strings.Join(e.Missing, ", ") + ")"
	}
	return msg + suffix(e.Err)
}

func (e *ConfigurationError) Unwrap() []error { return unwrapWith(ErrConfiguration, e.Err) }

// AuthenticationError reports credentials the upstream rejected.
type AuthenticationError struct {
	Platform   model.Platform
	GroupID    string
	StatusCode int
	Err        error
}

func (e *AuthenticationError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Platform, ErrAuthentication)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	return msg + suffix(e.Err)
}

func (e *AuthenticationError) Unwrap() []error { return unwrapWith(ErrAuthentication, e.Err) }

// RateLimitError reports an upstream 429. RetryAfter is the earliest instant
// a retry may succeed, zero when the upstream gave no hint.
type RateLimitError struct {
	Platform   model.Platform
	GroupID    string
	RetryAfter time.Time
	Err        error
}

func (e *RateLimitError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Platform, ErrRateLimited)
	if e.GroupID != "" {
		msg += " fetching " + e.GroupID
	}
	if !e.RetryAfter.IsZero() {
		msg += " (retry after " + e.RetryAfter.UTC().Format(time.RFC3339) + ")"
	}
	return msg + suffix(e.Err)
}

func (e *RateLimitError) Unwrap() []error { return unwrapWith(ErrRateLimited, e.Err) }

// NotFoundError reports a group that does not exist upstream.
type NotFoundError struct {
	Platform model.Platform
	GroupID  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: group %q %s", e.Platform, e.GroupID, ErrNotFound)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// TransientError reports a network failure, a 5xx, an unexpected status or
// an undecodable response.
type TransientError struct {
	Platform   model.Platform
	GroupID    string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Platform, ErrTransient)
	if e.GroupID != "" {
		msg += " fetching " + e.GroupID
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	return msg + suffix(e.Err)
}

func (e *TransientError) Unwrap() []error { return unwrapWith(ErrTransient, e.Err) }

// ValidationError reports one upstream event that failed the canonical
// schema. It skips the event, never the group.
type ValidationError struct {
	Platform   model.Platform
	GroupID    string
	PlatformID string
	Err        error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s in %s%s", e.Platform, ErrValidation, e.GroupID, suffix(e.Err))
}

func (e *ValidationError) Unwrap() []error { return unwrapWith(ErrValidation, e.Err) }

// Classify normalizes an adapter error: typed errors get their GroupID
// filled in, anything else becomes a *TransientError.
func Classify(platform model.Platform, groupID string, err error) error {
	if err == nil {
		return nil
	}
	var (
		cfgErr  *ConfigurationError
		authErr *AuthenticationError
		rlErr   *RateLimitError
		nfErr   *NotFoundError
		trErr   *TransientError
		valErr  *ValidationError
	)
	switch {
	case errors.As(err, &cfgErr):
		return err
	case errors.As(err, &authErr):
		if authErr.GroupID == "" {
			authErr.GroupID = groupID
		}
		return err
	case errors.As(err, &rlErr):
		if rlErr.GroupID == "" {
			rlErr.GroupID = groupID
		}
		return err
	case errors.As(err, &nfErr):
		if nfErr.GroupID == "" {
			nfErr.GroupID = groupID
		}
		return err
	case errors.As(err, &trErr):
		if trErr.GroupID == "" {
			trErr.GroupID = groupID
		}
		return err
	case errors.As(err, &valErr):
		return err
	}
	return &TransientError{Platform: platform, GroupID: groupID, Err: err}
}

// ParseRetryAfter extracts the retry instant from a 429 response. It accepts
// Retry-After as delay-seconds or an HTTP-date, then X-RateLimit-Reset as a
// unix timestamp. It returns the zero time when no header is usable.
func ParseRetryAfter(h http.Header, now time.Time) time.Time {
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return now.Add(time.Duration(secs) * time.Second)
		}
		if t, err := http.ParseTime(v); err == nil {
			return t
		}
	}
	if v := strings.TrimSpace(h.Get("X-RateLimit-Reset")); v != "" {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil && unix > 0 {
			return time.Unix(unix, 0)
		}
	}
	return time.Time{}
}
