package server

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	internalerrors "github.com/jrsteele09/go-oauth-proxy/internal/errors"
)

// SessionTokens mints and verifies the bearer tokens the proxy hands to
// clients after a completed authorization flow. The token carries only the
// session id; provider credentials never leave the proxy.
type SessionTokens struct {
	secret []byte
	expiry time.Duration
}

func NewSessionTokens(secret string, expiry time.Duration) (*SessionTokens, error) {
	if secret == "" {
		return nil, internalerrors.Wrapf(internalerrors.ErrInternal, "[NewSessionTokens] secret key not configured")
	}
	return &SessionTokens{secret: []byte(secret), expiry: expiry}, nil
}

func (t *SessionTokens) Mint(sessionID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   sessionID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.expiry)),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", internalerrors.Wrapf(internalerrors.ErrInternal, "[SessionTokens.Mint] %v", err)
	}
	return signed, nil
}

func (t *SessionTokens) Verify(raw string) (string, error) {
	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, internalerrors.Wrapf(internalerrors.ErrSessionInvalid, "[SessionTokens.Verify] unexpected signing method %q", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil || !token.Valid {
		return "", internalerrors.Wrapf(internalerrors.ErrSessionInvalid, "[SessionTokens.Verify] invalid session token")
	}
	if claims.Subject == "" {
		return "", internalerrors.Wrapf(internalerrors.ErrSessionInvalid, "[SessionTokens.Verify] missing subject")
	}
	return claims.Subject, nil
}
