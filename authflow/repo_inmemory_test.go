package authflow_test

import (
	"sync"
	"testing"
	"time"

	"github.com/jrsteele09/go-oauth-proxy/authflow"
	internalerrors "github.com/jrsteele09/go-oauth-proxy/internal/errors"
	"github.com/stretchr/testify/require"
)

func testState() *authflow.State {
	return &authflow.State{
		PKCEVerifier:  "verifier-123",
		CorrelationID: "corr-1",
		Scopes:        []string{"openid", "profile"},
		ReturnURL:     "https://app.example.com/done",
	}
}

func TestConsumeReturnsStoredState(t *testing.T) {
	repo := authflow.NewInMemoryRepo(10 * time.Minute)
	defer repo.Stop()

	require.NoError(t, repo.Upsert("state-1", testState()))

	got, err := repo.Consume("state-1")
	require.NoError(t, err)
	require.Equal(t, "verifier-123", got.PKCEVerifier)
	require.Equal(t, []string{"openid", "profile"}, got.Scopes)
	require.False(t, got.CreatedAt.IsZero(), "CreatedAt is stamped on upsert")
}

func TestConsumeIsSingleUse(t *testing.T) {
	repo := authflow.NewInMemoryRepo(10 * time.Minute)
	defer repo.Stop()

	require.NoError(t, repo.Upsert("state-1", testState()))

	_, err := repo.Consume("state-1")
	require.NoError(t, err)

	_, err = repo.Consume("state-1")
	require.ErrorIs(t, err, internalerrors.ErrNotFound, "a state value must never be replayable")
}

func TestConsumeUnknownState(t *testing.T) {
	repo := authflow.NewInMemoryRepo(10 * time.Minute)
	defer repo.Stop()

	_, err := repo.Consume("never-stored")
	require.ErrorIs(t, err, internalerrors.ErrNotFound)
}

func TestConsumeExpiredState(t *testing.T) {
	now := time.Now()
	authflow.NowTimeFunc = func() time.Time { return now }
	defer func() { authflow.NowTimeFunc = time.Now }()

	repo := authflow.NewInMemoryRepo(10 * time.Minute)
	defer repo.Stop()

	require.NoError(t, repo.Upsert("state-1", testState()))

	now = now.Add(11 * time.Minute)
	_, err := repo.Consume("state-1")
	require.ErrorIs(t, err, internalerrors.ErrNotFound)
}

func TestConcurrentConsumeSingleWinner(t *testing.T) {
	repo := authflow.NewInMemoryRepo(10 * time.Minute)
	defer repo.Stop()

	require.NoError(t, repo.Upsert("state-1", testState()))

	const callers = 16
	var wg sync.WaitGroup
	successes := make(chan struct{}, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.Consume("state-1"); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	require.Len(t, successes, 1, "exactly one concurrent callback may claim a state")
}

func TestDeleteAbandonedFlow(t *testing.T) {
	repo := authflow.NewInMemoryRepo(10 * time.Minute)
	defer repo.Stop()

	require.NoError(t, repo.Upsert("state-1", testState()))
	require.NoError(t, repo.Delete("state-1"))

	_, err := repo.Consume("state-1")
	require.ErrorIs(t, err, internalerrors.ErrNotFound)
}

func TestUpsertValidatesInput(t *testing.T) {
	repo := authflow.NewInMemoryRepo(10 * time.Minute)
	defer repo.Stop()

	require.Error(t, repo.Upsert("", testState()))
	require.Error(t, repo.Upsert("state-1", nil))
}
