// Package tokenstore persists encrypted token records keyed by session id.
// It is pure storage: records arrive already sealed and leave still sealed;
// the package has no knowledge of the OAuth protocol or of plaintext tokens.
package tokenstore

import (
	"context"
	"time"
)

// Record is the encrypted-at-rest projection of a session's secrets.
// Ciphertext carries the AEAD nonce and integrity tag; AccessExpiry is the
// only piece of metadata stored in the clear, so stores can report expiry
// without decrypting.
type Record struct {
	Ciphertext   []byte    `json:"ciphertext"`
	AccessExpiry time.Time `json:"access_expiry"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Repo stores one record per session. Put replaces atomically: a concurrent
// Get observes either the previous record or the new one, never a partial
// write. Idle records beyond the store's TTL are evicted; reads count as
// activity.
type Repo interface {
	Put(ctx context.Context, sessionID string, record *Record) error
	Get(ctx context.Context, sessionID string) (*Record, error)
	Delete(ctx context.Context, sessionID string) error
}
