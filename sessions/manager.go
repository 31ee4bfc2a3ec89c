package sessions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/jrsteele09/go-oauth-proxy/internal/errors"
	"github.com/jrsteele09/go-oauth-proxy/provider"
	"github.com/jrsteele09/go-oauth-proxy/tokenstore"
)

// refreshTimeout bounds a single-flight refresh, including the provider's
// internal retry budget. Waiters never block past this.
const refreshTimeout = 30 * time.Second

// TokenRefresher is the slice of the provider client the manager needs.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*provider.TokenSet, error)
}

// Manager owns the per-session token lifecycle state machine.
type Manager struct {
	store     tokenstore.Repo
	sealer    *tokenstore.Sealer
	refresher TokenRefresher

	refreshMargin time.Duration
	expiryGrace   time.Duration

	locks        *keyedLocks
	refreshGroup singleflight.Group

	logger  zerolog.Logger
	nowTime func() time.Time
}

// ManagerOption defines a function type to modify the Manager instance.
type ManagerOption func(*Manager)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.nowTime = nowFunc
	}
}

// WithLogger sets the manager's logger.
func WithLogger(logger zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager initializes a Manager with required dependencies.
func NewManager(
	store tokenstore.Repo,
	sealer *tokenstore.Sealer,
	refresher TokenRefresher,
	refreshMargin time.Duration,
	expiryGrace time.Duration,
	options ...ManagerOption,
) (*Manager, error) {
	if store == nil {
		return nil, errors.New("[NewManager] token store is required")
	}
	if sealer == nil {
		return nil, errors.New("[NewManager] sealer is required")
	}
	if refresher == nil {
		return nil, errors.New("[NewManager] refresher is required")
	}

	m := &Manager{
		store:         store,
		sealer:        sealer,
		refresher:     refresher,
		refreshMargin: refreshMargin,
		expiryGrace:   expiryGrace,
		locks:         newKeyedLocks(),
		logger:        zerolog.Nop(),
		nowTime:       time.Now,
	}
	for _, opt := range options {
		opt(m)
	}
	return m, nil
}

// Create materialises a new ACTIVE session from a successful code exchange.
// The pending-auth phase lives in the authflow store; by the time a token
// set exists the session goes straight to ACTIVE.
func (m *Manager) Create(ctx context.Context, tokenSet *provider.TokenSet, user *provider.UserInfo) (*Session, error) {
	if tokenSet == nil || tokenSet.AccessToken == "" {
		return nil, errors.New("[Manager.Create] token set is required")
	}
	if user == nil || user.Subject == "" {
		return nil, errors.New("[Manager.Create] user info is required")
	}

	session := &Session{
		ID:              uuid.New().String(),
		ProviderSubject: user.Subject,
		Email:           user.Email,
		Name:            user.Name,
		State:           StateActive,
		Scopes:          tokenSet.Scopes,
		AccessToken:     tokenSet.AccessToken,
		RefreshToken:    tokenSet.RefreshToken,
		AccessExpiry:    tokenSet.Expiry,
		CreatedAt:       m.nowTime(),
	}

	if err := m.persist(ctx, session); err != nil {
		return nil, errors.Wrap(err, "[Manager.Create] persist")
	}

	m.logger.Info().
		Str("session_id", session.ID).
		Str("subject", session.ProviderSubject).
		Time("access_expiry", session.AccessExpiry).
		Msg("session created")

	return session, nil
}

// Get returns a copy of the session's public view. Token secrets are
// included; callers outside this package should prefer ResolveCredential.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	m.locks.Lock(sessionID)
	defer m.locks.Unlock(sessionID)
	return m.load(ctx, sessionID)
}

// ResolveCredential returns a valid access token for the session,
// coordinating a single-flight refresh when the cached token is inside the
// safety margin of its expiry.
func (m *Manager) ResolveCredential(ctx context.Context, sessionID string) (string, error) {
	m.locks.Lock(sessionID)
	session, err := m.load(ctx, sessionID)
	if err != nil {
		m.locks.Unlock(sessionID)
		return "", err
	}

	if err := m.checkUsable(session); err != nil {
		m.locks.Unlock(sessionID)
		return "", err
	}

	if m.fresh(session) {
		token := session.AccessToken
		m.locks.Unlock(sessionID)
		return token, nil
	}
	m.locks.Unlock(sessionID)

	// Exactly one caller per session performs the refresh; everyone else
	// waits on its outcome. The refresh runs on a detached context with its
	// own deadline so one caller's disconnect cannot fail the others.
	result, err, _ := m.refreshGroup.Do(sessionID, func() (interface{}, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return m.refresh(refreshCtx, sessionID, false)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// ForceRefresh performs an immediate provider refresh regardless of how
// much lifetime the cached access token has left. Concurrent callers for
// the same session still coalesce into one provider round trip.
func (m *Manager) ForceRefresh(ctx context.Context, sessionID string) (string, error) {
	result, err, _ := m.refreshGroup.Do(sessionID, func() (interface{}, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return m.refresh(refreshCtx, sessionID, true)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// refresh performs the actual provider refresh for one session. Unless
// forced it re-checks freshness first: a waiter that lost the singleflight
// race for the previous round must not trigger a second refresh.
func (m *Manager) refresh(ctx context.Context, sessionID string, force bool) (string, error) {
	m.locks.Lock(sessionID)
	session, err := m.load(ctx, sessionID)
	if err != nil {
		m.locks.Unlock(sessionID)
		return "", err
	}
	if err := m.checkUsable(session); err != nil {
		m.locks.Unlock(sessionID)
		return "", err
	}
	if !force && m.fresh(session) {
		token := session.AccessToken
		m.locks.Unlock(sessionID)
		return token, nil
	}

	if session.RefreshToken == "" {
		m.expire(ctx, session)
		m.locks.Unlock(sessionID)
		return "", apperrors.Wrapf(apperrors.ErrSessionInvalid, "session %s has no refresh token", sessionID)
	}

	priorState := session.State
	session.State = StateRefreshing
	if err := m.persist(ctx, session); err != nil {
		m.locks.Unlock(sessionID)
		return "", errors.Wrap(err, "[Manager.refresh] persist refreshing state")
	}
	refreshToken := session.RefreshToken
	m.locks.Unlock(sessionID)

	// The provider call happens outside the per-session lock; concurrent
	// ResolveCredential callers are already parked on the singleflight.
	tokenSet, refreshErr := m.refresher.Refresh(ctx, refreshToken)

	m.locks.Lock(sessionID)
	defer m.locks.Unlock(sessionID)

	// Re-load: a Revoke or MarkExpired may have landed while we were on
	// the wire, and it wins over the refresh result.
	session, err = m.load(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if session.Terminal() {
		return "", apperrors.Wrapf(apperrors.ErrSessionInvalid, "session %s terminated during refresh", sessionID)
	}

	switch {
	case refreshErr == nil:
		session.State = StateActive
		session.AccessToken = tokenSet.AccessToken
		session.AccessExpiry = tokenSet.Expiry
		if tokenSet.RefreshToken != "" {
			session.RefreshToken = tokenSet.RefreshToken
		}
		if len(tokenSet.Scopes) > 0 {
			session.Scopes = tokenSet.Scopes
		}
		if err := m.persist(ctx, session); err != nil {
			return "", errors.Wrap(err, "[Manager.refresh] persist refreshed session")
		}
		m.logger.Info().
			Str("session_id", sessionID).
			Time("access_expiry", session.AccessExpiry).
			Msg("session refreshed")
		return session.AccessToken, nil

	case apperrors.Is(refreshErr, apperrors.ErrInvalidGrant):
		m.expire(ctx, session)
		m.logger.Warn().Str("session_id", sessionID).Msg("refresh token rejected, session expired")
		return "", apperrors.Wrapf(apperrors.ErrSessionInvalid, "refresh rejected for session %s", sessionID)

	default:
		// Transient outage: restore the prior state so the session stays
		// eligible for a later refresh attempt.
		session.State = priorState
		if err := m.persist(ctx, session); err != nil {
			return "", errors.Wrap(err, "[Manager.refresh] restore state")
		}
		m.logger.Warn().Str("session_id", sessionID).Err(refreshErr).Msg("refresh failed transiently")
		return "", apperrors.Wrapf(apperrors.ErrUpstreamUnavailable, "refresh unavailable for session %s", sessionID)
	}
}

// MarkExpired records a revocation signal from downstream (for example a
// forwarded call answered with 401): the session's credential is no longer
// trusted and the next request must re-authenticate.
func (m *Manager) MarkExpired(ctx context.Context, sessionID string) error {
	m.locks.Lock(sessionID)
	defer m.locks.Unlock(sessionID)

	session, err := m.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Terminal() {
		return nil
	}
	m.expire(ctx, session)
	m.logger.Warn().Str("session_id", sessionID).Msg("session marked expired by downstream auth rejection")
	return nil
}

// Revoke terminates a session on explicit logout or provider-signalled
// revocation and destroys its stored record.
func (m *Manager) Revoke(ctx context.Context, sessionID string) error {
	m.locks.Lock(sessionID)
	defer m.locks.Unlock(sessionID)

	if _, err := m.load(ctx, sessionID); err != nil {
		return err
	}
	if err := m.store.Delete(ctx, sessionID); err != nil {
		return errors.Wrap(err, "[Manager.Revoke] delete record")
	}
	m.logger.Info().Str("session_id", sessionID).Msg("session revoked")
	return nil
}

func (m *Manager) checkUsable(session *Session) error {
	switch session.State {
	case StateRevoked:
		return apperrors.Wrapf(apperrors.ErrSessionInvalid, "session %s revoked", session.ID)
	case StateExpired:
		return apperrors.Wrapf(apperrors.ErrSessionInvalid, "session %s expired", session.ID)
	}
	return nil
}

func (m *Manager) fresh(session *Session) bool {
	return session.AccessExpiry.Sub(m.nowTime()) > m.refreshMargin
}

// expire transitions the session to EXPIRED and persists it. The record is
// kept for the grace period so callers get a clean "re-authenticate"
// signal instead of a vanished session; load deletes it afterwards.
func (m *Manager) expire(ctx context.Context, session *Session) {
	session.State = StateExpired
	session.ExpiredAt = m.nowTime()
	if err := m.persist(ctx, session); err != nil {
		m.logger.Error().Str("session_id", session.ID).Err(err).Msg("failed to persist expired state")
	}
}

func (m *Manager) load(ctx context.Context, sessionID string) (*Session, error) {
	record, err := m.store.Get(ctx, sessionID)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.Wrapf(apperrors.ErrSessionNotFound, "session %s", sessionID)
		}
		return nil, errors.Wrap(err, "[Manager.load] store get")
	}

	plaintext, err := m.sealer.Open(sessionID, record.Ciphertext)
	if err != nil {
		return nil, errors.Wrap(err, "[Manager.load] unseal")
	}

	var session Session
	if err := json.Unmarshal(plaintext, &session); err != nil {
		return nil, errors.Wrap(err, "[Manager.load] unmarshal")
	}

	// Expired sessions past the grace window are destroyed lazily.
	if session.State == StateExpired && m.nowTime().Sub(session.ExpiredAt) > m.expiryGrace {
		if err := m.store.Delete(ctx, sessionID); err != nil {
			m.logger.Error().Str("session_id", sessionID).Err(err).Msg("failed to delete session past grace")
		}
		return nil, apperrors.Wrapf(apperrors.ErrSessionNotFound, "session %s expired past grace", sessionID)
	}

	return &session, nil
}

func (m *Manager) persist(ctx context.Context, session *Session) error {
	plaintext, err := json.Marshal(session)
	if err != nil {
		return errors.Wrap(err, "[Manager.persist] marshal")
	}
	sealed, err := m.sealer.Seal(session.ID, plaintext)
	if err != nil {
		return errors.Wrap(err, "[Manager.persist] seal")
	}
	record := &tokenstore.Record{
		Ciphertext:   sealed,
		AccessExpiry: session.AccessExpiry,
		UpdatedAt:    m.nowTime(),
	}
	if err := m.store.Put(ctx, session.ID, record); err != nil {
		return errors.Wrap(err, "[Manager.persist] store put")
	}
	return nil
}
