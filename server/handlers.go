package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/jrsteele09/go-oauth-proxy/authflow"
	"github.com/jrsteele09/go-oauth-proxy/correlation"
	internalerrors "github.com/jrsteele09/go-oauth-proxy/internal/errors"
	"github.com/jrsteele09/go-oauth-proxy/sessions"
)

// LoginResponse is returned by POST /auth/login: the caller redirects the
// user agent to AuthorizeURL and later receives the callback.
type LoginResponse struct {
	AuthorizeURL string `json:"authorize_url"`
	State        string `json:"state"`
}

// CallbackResponse is returned once the authorization code has been
// exchanged. SessionToken is the proxy's own bearer token; provider
// credentials stay server-side.
type CallbackResponse struct {
	SessionToken string    `json:"session_token"`
	SessionID    string    `json:"session_id"`
	Email        string    `json:"email,omitempty"`
	Name         string    `json:"name,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// SessionView is the redacted session state exposed by /auth/me and
// /auth/refresh.
type SessionView struct {
	SessionID    string    `json:"session_id"`
	State        string    `json:"state"`
	Email        string    `json:"email,omitempty"`
	Name         string    `json:"name,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	AccessExpiry time.Time `json:"access_expiry"`
	CreatedAt    time.Time `json:"created_at"`
}

type loginRequest struct {
	ReturnURL string `json:"return_url,omitempty"`
}

// LoginHandler starts an authorization flow: it builds the provider
// authorize URL with a fresh state nonce and PKCE challenge, records the
// flow server-side, and hands the URL back to the caller.
func (s *Server) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, r, http.StatusBadRequest, "invalid request body")
				return
			}
		}

		authReq, err := s.provider.BeginAuthorization(r.Context(), s.config.GetProviderScopes(), correlation.ID(r.Context()))
		if err != nil {
			logger := correlation.Logger(r.Context(), s.logger)
			logger.Error().Err(err).Msg("failed to begin authorization")
			writeError(w, r, http.StatusBadGateway, "identity provider unavailable")
			return
		}

		flowState := &authflow.State{
			PKCEVerifier:  authReq.PKCEVerifier,
			CorrelationID: correlation.ID(r.Context()),
			Scopes:        s.config.GetProviderScopes(),
			ReturnURL:     req.ReturnURL,
			CreatedAt:     time.Now(),
		}
		if err := s.authFlows.Upsert(authReq.State, flowState); err != nil {
			logger := correlation.Logger(r.Context(), s.logger)
			logger.Error().Err(err).Msg("failed to record auth flow")
			writeError(w, r, http.StatusInternalServerError, "internal error")
			return
		}

		writeJSON(w, http.StatusOK, LoginResponse{
			AuthorizeURL: authReq.AuthorizeURL,
			State:        authReq.State,
		})
	}
}

// CallbackHandler completes the authorization flow. The state parameter is
// consumed exactly once; an unknown or replayed state produces no session.
func (s *Server) CallbackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		logger := correlation.Logger(r.Context(), s.logger)

		if errCode := query.Get("error"); errCode != "" {
			logger.Warn().
				Str("error", errCode).
				Str("description", query.Get("error_description")).
				Msg("provider denied authorization")
			writeError(w, r, http.StatusBadRequest, "authorization denied by provider")
			return
		}

		state := query.Get("state")
		code := query.Get("code")
		if state == "" || code == "" {
			writeError(w, r, http.StatusBadRequest, "missing code or state")
			return
		}

		flowState, err := s.authFlows.Consume(state)
		if err != nil {
			logger.Warn().Msg("callback with unknown or replayed state")
			writeError(w, r, http.StatusBadRequest, "unknown or expired authorization state")
			return
		}

		tokenSet, err := s.provider.Exchange(r.Context(), code, flowState.PKCEVerifier)
		if err != nil {
			logger.Error().Err(err).Msg("code exchange failed")
			if internalerrors.Is(err, internalerrors.ErrInvalidGrant) {
				writeError(w, r, http.StatusBadRequest, "authorization code rejected")
				return
			}
			writeError(w, r, http.StatusBadGateway, "identity provider unavailable")
			return
		}

		user, err := s.provider.UserInfo(r.Context(), tokenSet.AccessToken)
		if err != nil {
			logger.Error().Err(err).Msg("userinfo lookup failed")
			writeError(w, r, http.StatusBadGateway, "identity provider unavailable")
			return
		}

		session, err := s.sessions.Create(r.Context(), tokenSet, user)
		if err != nil {
			logger.Error().Err(err).Msg("failed to create session")
			writeError(w, r, http.StatusInternalServerError, "internal error")
			return
		}

		sessionToken, err := s.sessionTokens.Mint(session.ID)
		if err != nil {
			logger.Error().Err(err).Msg("failed to mint session token")
			writeError(w, r, http.StatusInternalServerError, "internal error")
			return
		}

		logger.Info().
			Str("session_id", session.ID).
			Str("subject", session.ProviderSubject).
			Msg("login completed")

		writeJSON(w, http.StatusOK, CallbackResponse{
			SessionToken: sessionToken,
			SessionID:    session.ID,
			Email:        session.Email,
			Name:         session.Name,
			ExpiresAt:    session.AccessExpiry,
		})
	}
}

// RefreshHandler forces a provider refresh for the caller's session and
// returns the resulting session state.
func (s *Server) RefreshHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID, ok := SessionIDFromContext(r.Context())
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "missing session")
			return
		}

		if _, err := s.sessions.ForceRefresh(r.Context(), sessionID); err != nil {
			writeSessionError(w, r, err)
			return
		}

		session, err := s.sessions.Get(r.Context(), sessionID)
		if err != nil {
			writeSessionError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sessionView(session))
	}
}

// LogoutHandler revokes the caller's session and destroys its stored
// credentials.
func (s *Server) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID, ok := SessionIDFromContext(r.Context())
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "missing session")
			return
		}

		if err := s.sessions.Revoke(r.Context(), sessionID); err != nil {
			if internalerrors.Is(err, internalerrors.ErrSessionNotFound) {
				// Already gone; logout is idempotent.
				writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
				return
			}
			writeSessionError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
	}
}

// MeHandler returns the caller's session state without any provider
// credentials.
func (s *Server) MeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID, ok := SessionIDFromContext(r.Context())
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "missing session")
			return
		}

		session, err := s.sessions.Get(r.Context(), sessionID)
		if err != nil {
			writeSessionError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sessionView(session))
	}
}

// ForwardHandler strips the proxy prefix and hands the request to the
// forwarding engine with the caller's session.
func (s *Server) ForwardHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID, ok := SessionIDFromContext(r.Context())
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "missing session")
			return
		}

		// The upstream sees paths relative to its own base, not the
		// proxy's mount point.
		mount := strings.TrimSuffix(RouteProxyPrefix, "/")
		stripped := strings.TrimPrefix(r.URL.Path, mount)
		if stripped == "" {
			stripped = "/"
		}
		out := r.Clone(r.Context())
		out.URL.Path = stripped
		if out.URL.RawPath != "" {
			out.URL.RawPath = strings.TrimPrefix(out.URL.RawPath, mount)
		}

		s.engine.Forward(w, out, sessionID)
	}
}

func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"service": s.config.GetAppName(),
		})
	}
}

func sessionView(session *sessions.Session) SessionView {
	return SessionView{
		SessionID:    session.ID,
		State:        string(session.State),
		Email:        session.Email,
		Name:         session.Name,
		Scopes:       session.Scopes,
		AccessExpiry: session.AccessExpiry,
		CreatedAt:    session.CreatedAt,
	}
}

func writeSessionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case internalerrors.Is(err, internalerrors.ErrSessionNotFound):
		writeError(w, r, http.StatusUnauthorized, "session not found")
	case internalerrors.Is(err, internalerrors.ErrSessionInvalid):
		writeError(w, r, http.StatusUnauthorized, "session no longer valid")
	case internalerrors.Is(err, internalerrors.ErrUpstreamUnavailable),
		internalerrors.Is(err, internalerrors.ErrProviderUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "identity provider unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":          message,
		"correlation_id": correlation.ID(r.Context()),
	})
}
