// Package sessions owns the token lifecycle state machine: one Session per
// authenticated user, refreshed single-flight, persisted encrypted through
// the tokenstore, and invalidated on revocation signals.
package sessions

import "time"

// State is the lifecycle state of a session.
type State string

const (
	StatePendingAuth State = "PENDING_AUTH"
	StateActive      State = "ACTIVE"
	StateRefreshing  State = "REFRESHING"
	StateExpired     State = "EXPIRED"
	StateRevoked     State = "REVOKED"
)

// Session represents one authenticated user's relationship with the
// identity provider. The token fields are plaintext only while a Session
// value is held inside the Manager during a single operation; at rest the
// whole session is sealed into a tokenstore.Record.
type Session struct {
	ID              string    `json:"id"`
	ProviderSubject string    `json:"provider_subject"`
	Email           string    `json:"email,omitempty"`
	Name            string    `json:"name,omitempty"`
	State           State     `json:"state"`
	Scopes          []string  `json:"scopes,omitempty"`
	AccessToken     string    `json:"access_token"`
	RefreshToken    string    `json:"refresh_token"`
	AccessExpiry    time.Time `json:"access_expiry"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiredAt       time.Time `json:"expired_at,omitempty"` // when the session entered EXPIRED
}

// Terminal reports whether the session can never again produce a usable
// credential without a fresh login.
func (s *Session) Terminal() bool {
	return s.State == StateRevoked || s.State == StateExpired
}
