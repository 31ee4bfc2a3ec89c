package provider_test

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	internalerrors "github.com/jrsteele09/go-oauth-proxy/internal/errors"
	"github.com/jrsteele09/go-oauth-proxy/provider"
)

const (
	testClientID     = "test-client-1"
	testClientSecret = "test-secret-1"
	testRedirectURI  = "http://localhost:3000/auth/callback"
)

// fakeProvider is an httptest-backed token and userinfo endpoint.
type fakeProvider struct {
	server *httptest.Server

	tokenStatus   int
	tokenResponse map[string]interface{}
	tokenCalls    int32
	failFirst     int32 // answer this many token calls with 503
	lastTokenForm url.Values

	userInfoStatus   int
	userInfoResponse map[string]interface{}
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()

	fp := &fakeProvider{
		tokenStatus: http.StatusOK,
		tokenResponse: map[string]interface{}{
			"access_token":  "provider-access-1",
			"refresh_token": "provider-refresh-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"scope":         "openid profile",
		},
		userInfoStatus: http.StatusOK,
		userInfoResponse: map[string]interface{}{
			"sub":   "user-1",
			"email": "john.doe@example.com",
			"name":  "John Doe",
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&fp.tokenCalls, 1)
		_ = r.ParseForm()
		fp.lastTokenForm = r.PostForm

		w.Header().Set("Content-Type", "application/json")
		if call <= atomic.LoadInt32(&fp.failFirst) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "temporarily_unavailable"})
			return
		}
		if fp.tokenStatus != http.StatusOK {
			w.WriteHeader(fp.tokenStatus)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": errorCodeForStatus(fp.tokenStatus)})
			return
		}
		_ = json.NewEncoder(w).Encode(fp.tokenResponse)
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer provider-access-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(fp.userInfoStatus)
		_ = json.NewEncoder(w).Encode(fp.userInfoResponse)
	})

	fp.server = httptest.NewServer(mux)
	t.Cleanup(fp.server.Close)
	return fp
}

func errorCodeForStatus(status int) string {
	if status == http.StatusBadRequest {
		return "invalid_grant"
	}
	return "server_error"
}

func (fp *fakeProvider) client(t *testing.T) *provider.Client {
	t.Helper()

	c, err := provider.New(provider.Config{
		AuthURL:            fp.server.URL + "/authorize",
		TokenURL:           fp.server.URL + "/token",
		UserInfoURL:        fp.server.URL + "/userinfo",
		ClientID:           testClientID,
		ClientSecret:       testClientSecret,
		RedirectURL:        testRedirectURI,
		Scopes:             []string{"openid", "profile"},
		MaxRefreshAttempts: 3,
	}, provider.WithHTTPClient(fp.server.Client()))
	require.NoError(t, err)
	return c
}

func TestNewRequiresEndpoints(t *testing.T) {
	_, err := provider.New(provider.Config{ClientID: testClientID})
	require.Error(t, err)

	_, err = provider.New(provider.Config{AuthURL: "http://a", TokenURL: "http://t"})
	require.Error(t, err, "client ID is required")
}

func TestBeginAuthorization(t *testing.T) {
	fp := newFakeProvider(t)
	c := fp.client(t)

	first, err := c.BeginAuthorization(context.Background(), nil, "corr-1")
	require.NoError(t, err)
	require.NotEmpty(t, first.State)
	require.NotEmpty(t, first.PKCEVerifier)

	parsed, err := url.Parse(first.AuthorizeURL)
	require.NoError(t, err)
	query := parsed.Query()
	require.Equal(t, testClientID, query.Get("client_id"))
	require.Equal(t, testRedirectURI, query.Get("redirect_uri"))
	require.Equal(t, first.State, query.Get("state"))
	require.Equal(t, "S256", query.Get("code_challenge_method"))
	require.Equal(t, "openid profile", query.Get("scope"))

	// The challenge in the URL must be the S256 digest of the verifier.
	digest := sha256.Sum256([]byte(first.PKCEVerifier))
	expected := base64.RawURLEncoding.EncodeToString(digest[:])
	require.Equal(t, expected, query.Get("code_challenge"))

	// Every flow gets its own nonce and verifier.
	second, err := c.BeginAuthorization(context.Background(), nil, "corr-2")
	require.NoError(t, err)
	require.NotEqual(t, first.State, second.State)
	require.NotEqual(t, first.PKCEVerifier, second.PKCEVerifier)
}

func TestExchangeSendsCodeAndVerifier(t *testing.T) {
	fp := newFakeProvider(t)
	c := fp.client(t)

	tokenSet, err := c.Exchange(context.Background(), "auth-code-1", "verifier-1")
	require.NoError(t, err)
	require.Equal(t, "provider-access-1", tokenSet.AccessToken)
	require.Equal(t, "provider-refresh-1", tokenSet.RefreshToken)
	require.Equal(t, []string{"openid", "profile"}, tokenSet.Scopes)
	require.False(t, tokenSet.Expiry.IsZero())

	require.Equal(t, "auth-code-1", fp.lastTokenForm.Get("code"))
	require.Equal(t, "verifier-1", fp.lastTokenForm.Get("code_verifier"))
	require.Equal(t, "authorization_code", fp.lastTokenForm.Get("grant_type"))
}

func TestExchangeRejectedCode(t *testing.T) {
	fp := newFakeProvider(t)
	fp.tokenStatus = http.StatusBadRequest
	c := fp.client(t)

	_, err := c.Exchange(context.Background(), "bad-code", "verifier-1")
	require.ErrorIs(t, err, internalerrors.ErrInvalidGrant)
	require.EqualValues(t, 1, atomic.LoadInt32(&fp.tokenCalls), "single-use codes must never be retried")
}

func TestRefreshSuccess(t *testing.T) {
	fp := newFakeProvider(t)
	c := fp.client(t)

	tokenSet, err := c.Refresh(context.Background(), "refresh-1")
	require.NoError(t, err)
	require.Equal(t, "provider-access-1", tokenSet.AccessToken)
	require.Equal(t, "refresh_token", fp.lastTokenForm.Get("grant_type"))
	require.Equal(t, "refresh-1", fp.lastTokenForm.Get("refresh_token"))
}

func TestRefreshKeepsUnrotatedToken(t *testing.T) {
	fp := newFakeProvider(t)
	delete(fp.tokenResponse, "refresh_token")
	c := fp.client(t)

	tokenSet, err := c.Refresh(context.Background(), "refresh-1")
	require.NoError(t, err)
	require.Equal(t, "refresh-1", tokenSet.RefreshToken)
}

func TestRefreshInvalidGrantIsTerminal(t *testing.T) {
	fp := newFakeProvider(t)
	fp.tokenStatus = http.StatusBadRequest
	c := fp.client(t)

	_, err := c.Refresh(context.Background(), "revoked-refresh")
	require.ErrorIs(t, err, internalerrors.ErrInvalidGrant)
	require.EqualValues(t, 1, atomic.LoadInt32(&fp.tokenCalls), "a definitive rejection must not be retried")
}

func TestRefreshRetriesTransientFailures(t *testing.T) {
	fp := newFakeProvider(t)
	fp.tokenStatus = http.StatusInternalServerError
	c := fp.client(t)

	_, err := c.Refresh(context.Background(), "refresh-1")
	require.ErrorIs(t, err, internalerrors.ErrProviderUnavailable)
	require.EqualValues(t, 3, atomic.LoadInt32(&fp.tokenCalls), "transient failures use the whole attempt budget")
}

func TestRefreshRecoversMidRetry(t *testing.T) {
	fp := newFakeProvider(t)
	fp.failFirst = 1
	c := fp.client(t)

	tokenSet, err := c.Refresh(context.Background(), "refresh-1")
	require.NoError(t, err)
	require.Equal(t, "provider-access-1", tokenSet.AccessToken)
	require.EqualValues(t, 2, atomic.LoadInt32(&fp.tokenCalls))
}

func TestUserInfo(t *testing.T) {
	fp := newFakeProvider(t)
	c := fp.client(t)

	info, err := c.UserInfo(context.Background(), "provider-access-1")
	require.NoError(t, err)
	require.Equal(t, "user-1", info.Subject)
	require.Equal(t, "john.doe@example.com", info.Email)
	require.Equal(t, "John Doe", info.Name)
}

func TestUserInfoRejectsBadToken(t *testing.T) {
	fp := newFakeProvider(t)
	c := fp.client(t)

	_, err := c.UserInfo(context.Background(), "wrong-token")
	require.ErrorIs(t, err, internalerrors.ErrProviderUnavailable)
}

func TestUserInfoRequiresSubject(t *testing.T) {
	fp := newFakeProvider(t)
	fp.userInfoResponse = map[string]interface{}{"email": "john.doe@example.com"}
	c := fp.client(t)

	_, err := c.UserInfo(context.Background(), "provider-access-1")
	require.Error(t, err)
}
