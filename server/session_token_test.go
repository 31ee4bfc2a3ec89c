package server_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-oauth-proxy/server"
)

func TestSessionTokenRoundTrip(t *testing.T) {
	tokens, err := server.NewSessionTokens(testSecretKey, time.Hour)
	require.NoError(t, err)

	raw, err := tokens.Mint("session-1")
	require.NoError(t, err)

	sessionID, err := tokens.Verify(raw)
	require.NoError(t, err)
	require.Equal(t, "session-1", sessionID)
}

func TestSessionTokenWrongKey(t *testing.T) {
	minter, err := server.NewSessionTokens(testSecretKey, time.Hour)
	require.NoError(t, err)
	verifier, err := server.NewSessionTokens("a completely different secret key", time.Hour)
	require.NoError(t, err)

	raw, err := minter.Mint("session-1")
	require.NoError(t, err)

	_, err = verifier.Verify(raw)
	require.Error(t, err)
}

func TestSessionTokenExpired(t *testing.T) {
	tokens, err := server.NewSessionTokens(testSecretKey, -time.Minute)
	require.NoError(t, err)

	raw, err := tokens.Mint("session-1")
	require.NoError(t, err)

	_, err = tokens.Verify(raw)
	require.Error(t, err)
}

func TestSessionTokenGarbage(t *testing.T) {
	tokens, err := server.NewSessionTokens(testSecretKey, time.Hour)
	require.NoError(t, err)

	_, err = tokens.Verify("not.a.jwt")
	require.Error(t, err)

	_, err = tokens.Verify("")
	require.Error(t, err)
}

func TestNewSessionTokensRequiresSecret(t *testing.T) {
	_, err := server.NewSessionTokens("", time.Hour)
	require.Error(t, err)
}
