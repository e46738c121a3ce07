package settlement

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// reserveScript: KEYS[1] next counter, KEYS[2] released zset. ARGV[1] chain nonce.
var reserveScript = redis.NewScript(`
local chain = tonumber(ARGV[1])
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', '(' .. chain)
local free = redis.call('ZRANGEBYSCORE', KEYS[2], chain, '+inf', 'LIMIT', 0, 1)
if #free > 0 then
  redis.call('ZREM', KEYS[2], free[1])
  return tonumber(free[1])
end
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if chain > n then n = chain end
redis.call('SET', KEYS[1], n + 1)
return n
`)

// releaseScript: KEYS[1] next counter, KEYS[2] released zset. ARGV[1] nonce.
var releaseScript = redis.NewScript(`
local n = tonumber(ARGV[1])
local next = tonumber(redis.call('GET', KEYS[1]) or '0')
if n >= next then
  return redis.error_reply('release of unreserved nonce')
end
redis.call('ZADD', KEYS[2], n, ARGV[1])
return 1
`)

// confirmScript: KEYS[1] next, KEYS[2] released, KEYS[3] confirmed. ARGV[1] nonce.
var confirmScript = redis.NewScript(`
local n = tonumber(ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
local next = tonumber(redis.call('GET', KEYS[1]) or '0')
if next <= n then redis.call('SET', KEYS[1], n + 1) end
local conf = redis.call('GET', KEYS[3])
if not conf or tonumber(conf) < n then redis.call('SET', KEYS[3], n) end
return 1
`)

// RedisNonceStore shares nonce slots between dispatcher replicas.
type RedisNonceStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisNonceStore(client redis.UniversalClient) *RedisNonceStore {
	return &RedisNonceStore{client: client, prefix: "nonce"}
}

func (s *RedisNonceStore) keys(slot Slot) []string {
	// Hash tag keeps a slot's keys on one cluster node.
	base := fmt.Sprintf("%s:{%s}", s.prefix, slot)
	return []string{base + ":next", base + ":released", base + ":confirmed"}
}

func (s *RedisNonceStore) Reserve(ctx context.Context, slot Slot, chainNonce uint64) (uint64, error) {
	n, err := reserveScript.Run(ctx, s.client, s.keys(slot)[:2], strconv.FormatUint(chainNonce, 10)).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis nonce reserve: %w", err)
	}
	return uint64(n), nil //nolint:gosec // script never returns a negative nonce
}

func (s *RedisNonceStore) Release(ctx context.Context, slot Slot, n uint64) error {
	if err := releaseScript.Run(ctx, s.client, s.keys(slot)[:2], strconv.FormatUint(n, 10)).Err(); err != nil {
		return fmt.Errorf("redis nonce release: %w", err)
	}
	return nil
}

func (s *RedisNonceStore) Confirm(ctx context.Context, slot Slot, n uint64) error {
	if err := confirmScript.Run(ctx, s.client, s.keys(slot), strconv.FormatUint(n, 10)).Err(); err != nil {
		return fmt.Errorf("redis nonce confirm: %w", err)
	}
	return nil
}

// Released lists the free set of a slot in ascending order.
func (s *RedisNonceStore) Released(ctx context.Context, slot Slot) ([]uint64, error) {
	members, err := s.client.ZRange(ctx, s.keys(slot)[1], 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]uint64, 0, len(members))
	for _, m := range members {
		n, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
