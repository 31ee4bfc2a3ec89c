// Package authflow stores the short-lived state of pending authorization
// flows: the CSRF state nonce, the PKCE verifier, and the correlation id
// that started the flow. Entries are single-use and carry their own TTL,
// separate from the long-lived session store, so abandoned logins cannot
// grow memory without bound.
package authflow

import "time"

type State struct {
	PKCEVerifier  string
	CorrelationID string
	Scopes        []string
	ReturnURL     string
	CreatedAt     time.Time
}

type Repo interface {
	Upsert(state string, flowState *State) error
	// Consume returns the flow state for the given nonce and removes it,
	// so a state value can never be replayed.
	Consume(state string) (*State, error)
	Delete(state string) error
}
