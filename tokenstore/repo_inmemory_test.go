package tokenstore_test

import (
	"context"
	"testing"
	"time"

	internalerrors "github.com/jrsteele09/go-oauth-proxy/internal/errors"
	"github.com/jrsteele09/go-oauth-proxy/tokenstore"
	"github.com/stretchr/testify/require"
)

func testRecord() *tokenstore.Record {
	return &tokenstore.Record{
		Ciphertext:   []byte("sealed bytes"),
		AccessExpiry: time.Now().Add(time.Hour),
		UpdatedAt:    time.Now(),
	}
}

func TestInMemoryRepoPutGet(t *testing.T) {
	repo := tokenstore.NewInMemoryRepo(time.Hour)
	defer repo.Stop()
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, "session-1", testRecord()))

	got, err := repo.Get(ctx, "session-1")
	require.NoError(t, err)
	require.Equal(t, []byte("sealed bytes"), got.Ciphertext)
}

func TestInMemoryRepoGetUnknown(t *testing.T) {
	repo := tokenstore.NewInMemoryRepo(time.Hour)
	defer repo.Stop()

	_, err := repo.Get(context.Background(), "missing")
	require.ErrorIs(t, err, internalerrors.ErrNotFound)
}

func TestInMemoryRepoDelete(t *testing.T) {
	repo := tokenstore.NewInMemoryRepo(time.Hour)
	defer repo.Stop()
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, "session-1", testRecord()))
	require.NoError(t, repo.Delete(ctx, "session-1"))

	_, err := repo.Get(ctx, "session-1")
	require.ErrorIs(t, err, internalerrors.ErrNotFound)

	// Deleting again is a no-op.
	require.NoError(t, repo.Delete(ctx, "session-1"))
}

func TestInMemoryRepoIdleEviction(t *testing.T) {
	now := time.Now()
	tokenstore.NowTimeFunc = func() time.Time { return now }
	defer func() { tokenstore.NowTimeFunc = time.Now }()

	repo := tokenstore.NewInMemoryRepo(10 * time.Minute)
	defer repo.Stop()
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, "session-1", testRecord()))

	// Within the idle window the record survives and the read bumps it.
	now = now.Add(9 * time.Minute)
	_, err := repo.Get(ctx, "session-1")
	require.NoError(t, err)

	now = now.Add(9 * time.Minute)
	_, err = repo.Get(ctx, "session-1")
	require.NoError(t, err, "read nine minutes ago should still be live")

	// Past the idle window the record is gone.
	now = now.Add(11 * time.Minute)
	_, err = repo.Get(ctx, "session-1")
	require.ErrorIs(t, err, internalerrors.ErrNotFound)
}

func TestInMemoryRepoCopiesRecords(t *testing.T) {
	repo := tokenstore.NewInMemoryRepo(time.Hour)
	defer repo.Stop()
	ctx := context.Background()

	record := testRecord()
	require.NoError(t, repo.Put(ctx, "session-1", record))
	record.Ciphertext[0] = 'X'

	got, err := repo.Get(ctx, "session-1")
	require.NoError(t, err)
	require.Equal(t, []byte("sealed bytes"), got.Ciphertext, "stored record must not alias caller memory")

	got.Ciphertext[0] = 'Y'
	again, err := repo.Get(ctx, "session-1")
	require.NoError(t, err)
	require.Equal(t, []byte("sealed bytes"), again.Ciphertext)
}

func TestInMemoryRepoValidatesInput(t *testing.T) {
	repo := tokenstore.NewInMemoryRepo(time.Hour)
	defer repo.Stop()
	ctx := context.Background()

	require.Error(t, repo.Put(ctx, "", testRecord()))
	require.Error(t, repo.Put(ctx, "session-1", nil))
	_, err := repo.Get(ctx, "")
	require.Error(t, err)
	require.Error(t, repo.Delete(ctx, ""))
}
