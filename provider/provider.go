// Package provider talks the OAuth 2.0 authorization-code + refresh-token
// grants to the configured identity provider. It keeps no state between
// calls beyond a cached copy of the provider's discovered endpoints.
package provider

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/jrsteele09/go-oauth-proxy/internal/errors"
)

const (
	stateLength    = 32
	verifierLength = 32

	refreshBaseBackoff = 250 * time.Millisecond
)

// TokenSet is the result of a successful code exchange or refresh.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scopes       []string
}

// AuthorizationRequest is everything the caller needs to send a user to the
// provider's consent screen and later validate the callback.
type AuthorizationRequest struct {
	AuthorizeURL string
	State        string
	PKCEVerifier string
}

// UserInfo is the provider's view of the authenticated user.
type UserInfo struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
}

// Config holds the static provider settings.
type Config struct {
	Issuer       string // OIDC issuer for endpoint discovery (optional)
	AuthURL      string // explicit authorize endpoint (used when Issuer is "")
	TokenURL     string // explicit token endpoint (used when Issuer is "")
	UserInfoURL  string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// MaxRefreshAttempts bounds the retry loop on transient refresh
	// failures. Defaults to 3.
	MaxRefreshAttempts int
}

// Client implements the provider-facing half of the proxy.
type Client struct {
	config     Config
	httpClient *http.Client

	// Discovered endpoints are cached after the first successful lookup;
	// concurrent first lookups are collapsed into one discovery call.
	endpointMu     sync.RWMutex
	endpoint       *oauth2.Endpoint
	userInfoURL    string
	discoveryGroup singleflight.Group

	nowTime func() time.Time
}

// Option modifies a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for provider calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(c *Client) {
		c.nowTime = nowFunc
	}
}

// New creates a provider client. Endpoints are resolved lazily so that a
// temporarily unreachable provider does not prevent process start-up.
func New(cfg Config, options ...Option) (*Client, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("[provider.New] client ID is required")
	}
	if cfg.Issuer == "" && (cfg.AuthURL == "" || cfg.TokenURL == "") {
		return nil, errors.New("[provider.New] either an issuer or explicit authorize/token URLs are required")
	}
	if cfg.MaxRefreshAttempts <= 0 {
		cfg.MaxRefreshAttempts = 3
	}

	c := &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		nowTime:    time.Now,
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// BeginAuthorization builds the authorization URL for a new login flow.
// The returned state is a cryptographically random nonce that must be
// matched on callback; the PKCE verifier must be replayed on exchange.
func (c *Client) BeginAuthorization(ctx context.Context, scopes []string, correlationID string) (*AuthorizationRequest, error) {
	oauthCfg, err := c.oauthConfig(ctx)
	if err != nil {
		return nil, err
	}
	if len(scopes) > 0 {
		cfg := *oauthCfg
		cfg.Scopes = scopes
		oauthCfg = &cfg
	}

	state := generateRandomString(stateLength)
	verifier := generateRandomString(verifierLength)

	authorizeURL := oauthCfg.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", generateCodeChallenge(verifier)),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		oauth2.SetAuthURLParam("prompt", "consent"),
	)

	return &AuthorizationRequest{
		AuthorizeURL: authorizeURL,
		State:        state,
		PKCEVerifier: verifier,
	}, nil
}

// Exchange trades an authorization code for a token set. Codes are
// single-use, so failures are never retried here.
func (c *Client) Exchange(ctx context.Context, code, verifier string) (*TokenSet, error) {
	oauthCfg, err := c.oauthConfig(ctx)
	if err != nil {
		return nil, err
	}

	token, err := oauthCfg.Exchange(c.withHTTPClient(ctx), code,
		oauth2.SetAuthURLParam("code_verifier", verifier),
	)
	if err != nil {
		return nil, classifyTokenError(err, "Exchange")
	}
	return c.tokenSet(token), nil
}

// Refresh trades a refresh token for a fresh token set. Transient provider
// failures are retried with exponential backoff up to the configured
// attempt budget; an invalid_grant rejection is terminal and returned
// immediately.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	oauthCfg, err := c.oauthConfig(ctx)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < c.config.MaxRefreshAttempts; attempt++ {
		if attempt > 0 {
			backoff := refreshBaseBackoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, apperrors.Wrapf(apperrors.ErrProviderUnavailable, "[provider.Refresh] cancelled: %v", ctx.Err())
			case <-time.After(backoff):
			}
		}

		source := oauthCfg.TokenSource(c.withHTTPClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
		token, err := source.Token()
		if err == nil {
			// A provider that does not rotate refresh tokens returns an
			// empty one; keep using the old token in that case.
			if token.RefreshToken == "" {
				token.RefreshToken = refreshToken
			}
			return c.tokenSet(token), nil
		}

		lastErr = classifyTokenError(err, "Refresh")
		if errors.Is(lastErr, apperrors.ErrInvalidGrant) {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// UserInfo fetches the authenticated user's profile from the provider.
func (c *Client) UserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	userInfoURL, err := c.resolveUserInfoURL(ctx)
	if err != nil {
		return nil, err
	}
	if userInfoURL == "" {
		return nil, errors.Wrap(apperrors.ErrUnsupported, "[provider.UserInfo] no userinfo endpoint configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userInfoURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "[provider.UserInfo] build request")
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrProviderUnavailable, "[provider.UserInfo] request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.Wrapf(apperrors.ErrProviderUnavailable, "[provider.UserInfo] status %d", resp.StatusCode)
	}

	var info UserInfo
	if err := decodeJSON(resp.Body, &info); err != nil {
		return nil, errors.Wrap(err, "[provider.UserInfo] decode response")
	}
	if info.Subject == "" {
		return nil, errors.New("[provider.UserInfo] response missing subject")
	}
	return &info, nil
}

func (c *Client) tokenSet(token *oauth2.Token) *TokenSet {
	ts := &TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}
	if scope, ok := token.Extra("scope").(string); ok && scope != "" {
		ts.Scopes = strings.Fields(scope)
	}
	return ts
}

// oauthConfig resolves the oauth2 configuration, performing OIDC discovery
// on first use when an issuer is configured.
func (c *Client) oauthConfig(ctx context.Context) (*oauth2.Config, error) {
	endpoint, err := c.resolveEndpoint(ctx)
	if err != nil {
		return nil, err
	}
	return &oauth2.Config{
		ClientID:     c.config.ClientID,
		ClientSecret: c.config.ClientSecret,
		Endpoint:     *endpoint,
		RedirectURL:  c.config.RedirectURL,
		Scopes:       c.config.Scopes,
	}, nil
}

func (c *Client) resolveEndpoint(ctx context.Context) (*oauth2.Endpoint, error) {
	c.endpointMu.RLock()
	endpoint := c.endpoint
	c.endpointMu.RUnlock()
	if endpoint != nil {
		return endpoint, nil
	}

	if c.config.Issuer == "" {
		endpoint := &oauth2.Endpoint{
			AuthURL:  c.config.AuthURL,
			TokenURL: c.config.TokenURL,
		}
		c.endpointMu.Lock()
		c.endpoint = endpoint
		c.userInfoURL = c.config.UserInfoURL
		c.endpointMu.Unlock()
		return endpoint, nil
	}

	// Collapse concurrent discovery calls into one.
	_, err, _ := c.discoveryGroup.Do("discovery", func() (interface{}, error) {
		c.endpointMu.RLock()
		cached := c.endpoint
		c.endpointMu.RUnlock()
		if cached != nil {
			return nil, nil
		}

		oidcProvider, err := oidc.NewProvider(oidc.ClientContext(ctx, c.httpClient), c.config.Issuer)
		if err != nil {
			return nil, apperrors.Wrapf(apperrors.ErrProviderUnavailable, "[provider.resolveEndpoint] discovery failed: %v", err)
		}

		var claims struct {
			UserInfoEndpoint string `json:"userinfo_endpoint"`
		}
		_ = oidcProvider.Claims(&claims)

		ep := oidcProvider.Endpoint()
		c.endpointMu.Lock()
		c.endpoint = &ep
		c.userInfoURL = c.config.UserInfoURL
		if c.userInfoURL == "" {
			c.userInfoURL = claims.UserInfoEndpoint
		}
		c.endpointMu.Unlock()
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	c.endpointMu.RLock()
	defer c.endpointMu.RUnlock()
	return c.endpoint, nil
}

func (c *Client) resolveUserInfoURL(ctx context.Context) (string, error) {
	if _, err := c.resolveEndpoint(ctx); err != nil {
		return "", err
	}
	c.endpointMu.RLock()
	defer c.endpointMu.RUnlock()
	return c.userInfoURL, nil
}

func (c *Client) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// generateRandomString creates a random base64url string
func generateRandomString(length int) string {
	b := make([]byte, length)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// generateCodeChallenge creates a PKCE S256 code challenge from a verifier
func generateCodeChallenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}
