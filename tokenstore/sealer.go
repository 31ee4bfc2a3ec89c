package tokenstore

import (
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// sealInfo domain-separates the sealing key from any other use of the
// process secret.
const sealInfo = "go-oauth-proxy/tokenstore sealing key v1"

// Sealer authenticated-encrypts token payloads before they reach a Repo.
// The key is derived from the process-wide secret with HKDF, so rotating
// the secret invalidates every record at rest.
type Sealer struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

// NewSealer derives the sealing key from the given secret material.
func NewSealer(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, errors.New("[tokenstore.NewSealer] secret is required")
	}

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(sealInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, errors.Wrap(err, "[tokenstore.NewSealer] key derivation")
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(err, "[tokenstore.NewSealer] aead init")
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts the plaintext. The random nonce is prepended to the
// returned ciphertext; the session id binds the record to its key as
// additional authenticated data, so a record copied under another session
// id fails to open.
func (s *Sealer) Seal(sessionID string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "[tokenstore.Seal] nonce generation")
	}
	return s.aead.Seal(nonce, nonce, plaintext, []byte(sessionID)), nil
}

// Open decrypts a sealed payload produced by Seal under the same session id.
func (s *Sealer) Open(sessionID string, sealed []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("[tokenstore.Open] sealed payload too short")
	}
	nonce, ciphertext := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, []byte(sessionID))
	if err != nil {
		return nil, errors.Wrap(err, "[tokenstore.Open] decrypt")
	}
	return plaintext, nil
}
