package budget

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// commitScript checks every window, then increments all of them. Redis runs
// the script atomically.
//
// KEYS: window keys. ARGV[1]: amount, ARGV[2..n+1]: limits (-1 unlimited),
// ARGV[n+2..2n+1]: ttl seconds.
// Returns {1, 0, total...} or {0, index, current}.
var commitScript = redis.NewScript(`
local amount = tonumber(ARGV[1])
local n = #KEYS
for i = 1, n do
  local limit = tonumber(ARGV[1 + i])
  local current = tonumber(redis.call('GET', KEYS[i]) or '0')
  if limit >= 0 and current + amount > limit then
    return {0, i, current}
  end
end
local out = {1, 0}
for i = 1, n do
  local total = redis.call('INCRBY', KEYS[i], amount)
  local ttl = tonumber(ARGV[1 + n + i])
  if ttl > 0 and redis.call('TTL', KEYS[i]) < 0 then
    redis.call('EXPIRE', KEYS[i], ttl)
  end
  out[#out + 1] = total
end
return out
`)

// compensateScript: KEYS[1] guard key, KEYS[2..] window keys. ARGV[1]
// amount, ARGV[2] guard ttl seconds. A guard already set means the
// compensation was applied.
var compensateScript = redis.NewScript(`
if not redis.call('SET', KEYS[1], '1', 'NX', 'EX', ARGV[2]) then
  return 0
end
local amount = tonumber(ARGV[1])
for i = 2, #KEYS do
  local current = tonumber(redis.call('GET', KEYS[i]) or '0')
  if current > 0 then
    local dec = amount
    if dec > current then dec = current end
    redis.call('DECRBY', KEYS[i], dec)
  end
end
return 1
`)

// RedisLedger implements Ledger with Lua scripts.
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisLedger(client redis.UniversalClient) *RedisLedger {
	return &RedisLedger{client: client, prefix: "spend"}
}

func (l *RedisLedger) key(agentID, windowID string) string {
	return fmt.Sprintf("%s:%s:%s", l.prefix, agentID, windowID)
}

func (l *RedisLedger) TryCommit(ctx context.Context, agentID string, amount int64, windows []WindowLimit) (Commit, error) {
	if err := validateCommit(amount, windows); err != nil {
		return Commit{}, err
	}

	keys := make([]string, len(windows))
	args := make([]any, 0, 1+2*len(windows))
	args = append(args, amount)
	for i, w := range windows {
		keys[i] = l.key(agentID, w.WindowID)
		args = append(args, w.Limit)
	}
	for _, w := range windows {
		args = append(args, int64(w.TTL.Seconds()))
	}

	res, err := commitScript.Run(ctx, l.client, keys, args...).Int64Slice()
	if err != nil {
		return Commit{}, fmt.Errorf("redis spend commit failed: %w", err)
	}
	if len(res) < 2 {
		return Commit{}, fmt.Errorf("redis spend commit: unexpected reply %v", res)
	}

	if res[0] == 0 {
		idx := int(res[1]) - 1
		if idx < 0 || idx >= len(windows) || len(res) < 3 {
			return Commit{}, fmt.Errorf("redis spend commit: unexpected reply %v", res)
		}
		return Commit{RejectedWindow: windows[idx].WindowID, CurrentTotal: res[2], Limit: windows[idx].Limit}, nil
	}

	if len(res) != 2+len(windows) {
		return Commit{}, fmt.Errorf("redis spend commit: unexpected reply %v", res)
	}
	out := Commit{Committed: true, Totals: make(map[string]int64, len(windows))}
	for i, w := range windows {
		out.Totals[w.WindowID] = res[2+i]
	}
	return out, nil
}

func (l *RedisLedger) Compensate(ctx context.Context, key, agentID string, amount int64, windowIDs []string) error {
	if err := validateCompensation(key, amount); err != nil {
		return err
	}
	keys := make([]string, 0, 1+len(windowIDs))
	keys = append(keys, l.prefix+":compensated:"+key)
	for _, id := range windowIDs {
		keys = append(keys, l.key(agentID, id))
	}
	ttl := int64(compensationRetention.Seconds())
	if err := compensateScript.Run(ctx, l.client, keys, amount, ttl).Err(); err != nil {
		return fmt.Errorf("redis spend compensation failed: %w", err)
	}
	return nil
}

func (l *RedisLedger) Snapshot(ctx context.Context, agentID string, windowIDs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(windowIDs))
	if len(windowIDs) == 0 {
		return out, nil
	}
	keys := make([]string, len(windowIDs))
	for i, id := range windowIDs {
		keys[i] = l.key(agentID, id)
	}
	vals, err := l.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis spend snapshot failed: %w", err)
	}
	for i, v := range vals {
		out[windowIDs[i]] = 0
		s, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis spend snapshot: bad total for %s: %w", windowIDs[i], err)
		}
		out[windowIDs[i]] = n
	}
	return out, nil
}
