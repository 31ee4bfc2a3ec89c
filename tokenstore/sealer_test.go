package tokenstore_test

import (
	"testing"

	"github.com/jrsteele09/go-oauth-proxy/tokenstore"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestSealRoundTrip(t *testing.T) {
	sealer, err := tokenstore.NewSealer(testSecret)
	require.NoError(t, err)

	plaintext := []byte(`{"access_token":"at-1","refresh_token":"rt-1"}`)
	sealed, err := sealer.Seal("session-1", plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, sealed)

	opened, err := sealer.Open("session-1", sealed)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestSealProducesUniqueCiphertexts(t *testing.T) {
	sealer, err := tokenstore.NewSealer(testSecret)
	require.NoError(t, err)

	plaintext := []byte("same plaintext")
	first, err := sealer.Seal("session-1", plaintext)
	require.NoError(t, err)
	second, err := sealer.Seal("session-1", plaintext)
	require.NoError(t, err)

	require.NotEqual(t, first, second, "nonce must randomise ciphertexts")
}

func TestOpenRejectsWrongSession(t *testing.T) {
	sealer, err := tokenstore.NewSealer(testSecret)
	require.NoError(t, err)

	sealed, err := sealer.Seal("session-1", []byte("secret material"))
	require.NoError(t, err)

	_, err = sealer.Open("session-2", sealed)
	require.Error(t, err, "ciphertext bound to one session must not open for another")
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	sealer, err := tokenstore.NewSealer(testSecret)
	require.NoError(t, err)

	sealed, err := sealer.Seal("session-1", []byte("secret material"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff

	_, err = sealer.Open("session-1", sealed)
	require.Error(t, err)
}

func TestOpenRejectsTruncatedCiphertext(t *testing.T) {
	sealer, err := tokenstore.NewSealer(testSecret)
	require.NoError(t, err)

	_, err = sealer.Open("session-1", []byte("short"))
	require.Error(t, err)
}

func TestNewSealerRequiresSecret(t *testing.T) {
	_, err := tokenstore.NewSealer("")
	require.Error(t, err)
}

func TestDifferentSecretsCannotOpen(t *testing.T) {
	first, err := tokenstore.NewSealer(testSecret)
	require.NoError(t, err)
	second, err := tokenstore.NewSealer("another secret key value entirely")
	require.NoError(t, err)

	sealed, err := first.Seal("session-1", []byte("secret"))
	require.NoError(t, err)

	_, err = second.Open("session-1", sealed)
	require.Error(t, err)
}
