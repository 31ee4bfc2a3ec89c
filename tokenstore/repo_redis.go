package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/jrsteele09/go-oauth-proxy/internal/errors"
)

const defaultKeyPrefix = "oauthproxy:session:"

// RedisRepo is a Redis-backed implementation of the Repo interface for
// deployments that must survive process restarts. The idle TTL is enforced
// by Redis key expiry; reads refresh it.
type RedisRepo struct {
	client    *redis.Client
	keyPrefix string
	idleTTL   time.Duration
}

// NewRedisRepo creates a Redis-backed token record store.
func NewRedisRepo(client *redis.Client, idleTTL time.Duration) (*RedisRepo, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &RedisRepo{
		client:    client,
		keyPrefix: defaultKeyPrefix,
		idleTTL:   idleTTL,
	}, nil
}

func (r *RedisRepo) Put(ctx context.Context, sessionID string, record *Record) error {
	if sessionID == "" {
		return errors.New("sessionID cannot be empty")
	}
	if record == nil {
		return errors.New("record cannot be nil")
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return apperrors.Wrapf(err, "tokenstore marshal record")
	}

	// SET is atomic: readers see the old value or the new one, never a mix.
	if err := r.client.Set(ctx, r.key(sessionID), payload, r.idleTTL).Err(); err != nil {
		return apperrors.Wrapf(err, "tokenstore redis set %q", sessionID)
	}
	return nil
}

func (r *RedisRepo) Get(ctx context.Context, sessionID string) (*Record, error) {
	if sessionID == "" {
		return nil, errors.New("sessionID cannot be empty")
	}

	result, err := r.client.GetEx(ctx, r.key(sessionID), r.idleTTL).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperrors.ErrNotFound
		}
		return nil, apperrors.Wrapf(err, "tokenstore redis get %q", sessionID)
	}

	var record Record
	if err := json.Unmarshal([]byte(result), &record); err != nil {
		return nil, apperrors.Wrapf(err, "tokenstore unmarshal record %q", sessionID)
	}
	return &record, nil
}

func (r *RedisRepo) Delete(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("sessionID cannot be empty")
	}

	if err := r.client.Del(ctx, r.key(sessionID)).Err(); err != nil {
		return apperrors.Wrapf(err, "tokenstore redis del %q", sessionID)
	}
	return nil
}

func (r *RedisRepo) key(sessionID string) string {
	return r.keyPrefix + sessionID
}
