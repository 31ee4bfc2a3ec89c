package config

import "time"

// SessionConfig controls the token lifecycle state machine.
type SessionConfig interface {
	GetRefreshMargin() time.Duration
	GetExpiryGrace() time.Duration
	GetSessionIdleTTL() time.Duration
	GetAuthFlowTTL() time.Duration
	GetRefreshMaxAttempts() int
	GetRedisAddr() string
	GetRedisPassword() string
	GetRedisDB() int
}

type Session struct{}

var _ SessionConfig = Session{}

// GetRefreshMargin is the safety window before access-token expiry within
// which a refresh is triggered instead of returning the cached token.
func (Session) GetRefreshMargin() time.Duration {
	return GetEnvDuration("SESSION_REFRESH_MARGIN", 30*time.Second)
}

// GetExpiryGrace is how long an EXPIRED session lingers before lookups
// treat it as terminal.
func (Session) GetExpiryGrace() time.Duration {
	return GetEnvDuration("SESSION_EXPIRY_GRACE", 5*time.Minute)
}

// GetSessionIdleTTL is the idle eviction window for stored sessions.
func (Session) GetSessionIdleTTL() time.Duration {
	return GetEnvDuration("SESSION_IDLE_TTL", 24*time.Hour)
}

// GetAuthFlowTTL bounds how long a pending authorization flow (CSRF state,
// PKCE verifier) may sit unclaimed before it is discarded.
func (Session) GetAuthFlowTTL() time.Duration {
	return GetEnvDuration("AUTH_FLOW_TTL", 10*time.Minute)
}

func (Session) GetRefreshMaxAttempts() int {
	return GetEnvInt("SESSION_REFRESH_MAX_ATTEMPTS", 3)
}

// GetRedisAddr selects the session store backend: when set, sessions are
// persisted in Redis; when empty the in-process store is used.
func (Session) GetRedisAddr() string {
	return GetEnv("REDIS_ADDR", "")
}

func (Session) GetRedisPassword() string {
	return GetEnv("REDIS_PASSWORD", "")
}

func (Session) GetRedisDB() int {
	return GetEnvInt("REDIS_DB", 0)
}
