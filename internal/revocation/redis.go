package revocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "revoked:user:"

// RedisStore keeps one marker per user holding the unix time before which
// every access token for that user is rejected. Markers expire once no token
// issued before them can still be valid.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, accessTokenTTL time.Duration) *RedisStore {
	if accessTokenTTL <= 0 {
		accessTokenTTL = 15 * time.Minute
	}
	return &RedisStore{client: client, ttl: accessTokenTTL + time.Minute}
}

func (s *RedisStore) RevokeUser(ctx context.Context, userID string, at time.Time) error {
	if err := s.client.Set(ctx, keyPrefix+userID, at.Unix(), s.ttl).Err(); err != nil {
		return fmt.Errorf("set revocation marker: %w", err)
	}
	return nil
}

func (s *RedisStore) RevokedAt(ctx context.Context, userID string) (time.Time, bool, error) {
	timestamp, err := s.client.Get(ctx, keyPrefix+userID).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read revocation marker: %w", err)
	}
	return time.Unix(timestamp, 0).UTC(), true, nil
}
