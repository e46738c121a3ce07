package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store with SET NX PX, which is atomic on the server.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) CheckAndInsert(ctx context.Context, issuer, nonce string, ttl time.Duration) (bool, error) {
	if err := validate(issuer, nonce, ttl); err != nil {
		return false, err
	}
	ok, err := s.client.SetNX(ctx, Key(issuer, nonce), time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis replay check failed: %w", err)
	}
	return ok, nil
}
