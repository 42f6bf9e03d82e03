package meetup

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/njoerd114/eventsync/internal/model"
	"github.com/njoerd114/eventsync/internal/provider"
)

const (
	grantTypeJWTBearer = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	assertionAudience  = "api.meetup.com"
	assertionLifetime  = 2 * time.Minute
	// refreshMargin renews the access token this long before it expires.
	refreshMargin = time.Minute
)

// credentials are the parsed JWT-bearer inputs.
type credentials struct {
	clientKey string
	memberID  string
	keyID     string
	key       *rsa.PrivateKey
}

type accessToken struct {
	value  string
	expiry time.Time
}

func (t accessToken) valid(now time.Time) bool {
	return t.value != "" && now.Add(refreshMargin).Before(t.expiry)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// parsePrivateKey accepts a PEM block, tolerating escaped newlines from
// single-line environment values.
func parsePrivateKey(pem string) (*rsa.PrivateKey, error) {
	pem = strings.ReplaceAll(strings.TrimSpace(pem), `\n`, "\n")
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(pem))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", EnvPrivateKey, err)
	}
	return key, nil
}

// assertion builds the RS256 signed JWT exchanged for an access token.
func (c *credentials) assertion(now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    c.clientKey,
		Subject:   c.memberID,
		Audience:  jwt.ClaimStrings{assertionAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = c.keyID
	signed, err := token.SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("signing assertion: %w", err)
	}
	return signed, nil
}

// token returns a cached access token, exchanging a fresh assertion when the
// cached one is missing or about to expire.
func (p *Provider) token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.creds == nil {
		return "", &provider.ConfigurationError{Platform: model.PlatformMeetup, Missing: requiredEnv}
	}
	now := p.now()
	if p.tok.valid(now) {
		return p.tok.value, nil
	}

	assertion, err := p.creds.assertion(now)
	if err != nil {
		return "", &provider.ConfigurationError{Platform: model.PlatformMeetup, Err: err}
	}
	form := url.Values{}
	form.Set("grant_type", grantTypeJWTBearer)
	form.Set("assertion", assertion)
	body := form.Encode()

	resp, err := p.client.Do(ctx, "", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.authURL, strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return "", err
	}

	var tr tokenResponse
	if err := provider.DecodeJSON(model.PlatformMeetup, "", resp.Body, &tr); err != nil {
		return "", err
	}
	if tr.AccessToken == "" {
		return "", &provider.AuthenticationError{Platform: model.PlatformMeetup, Err: fmt.Errorf("token endpoint returned no access token")}
	}
	lifetime := time.Duration(tr.ExpiresIn) * time.Second
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	p.tok = accessToken{value: tr.AccessToken, expiry: now.Add(lifetime)}
	p.log.Debug("access token refreshed", "expires_in", lifetime)
	return p.tok.value, nil
}

// dropToken forgets the cached token after the API rejected it.
func (p *Provider) dropToken() {
	p.mu.Lock()
	p.tok = accessToken{}
	p.mu.Unlock()
}
