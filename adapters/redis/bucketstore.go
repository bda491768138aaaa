package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/onceguard/onceguard/domain/ratelimit"
	"github.com/onceguard/onceguard/ports"
)

// consumeScript performs refill and conditional consumption in one
// server-side step so concurrent callers never interleave between the
// read and the write. Time is carried in milliseconds: nanosecond
// timestamps do not fit Lua's double-precision numbers.
var consumeScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local requested = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
local n = (#ARGV - 3) / 2

local caps = {}
local periods = {}
for i = 1, n do
  caps[i] = tonumber(ARGV[2 + 2 * i])
  periods[i] = tonumber(ARGV[3 + 2 * i])
end

local state = nil
local raw = redis.call('GET', key)
if raw then
  local ok, decoded = pcall(cjson.decode, raw)
  if ok and type(decoded) == 'table' and decoded.limits and #decoded.limits == n then
    state = decoded
  end
end
if not state then
  state = {limits = {}}
  for i = 1, n do
    state.limits[i] = {tokens = caps[i], refillMs = now}
  end
end

for i = 1, n do
  local s = state.limits[i]
  if s.tokens >= caps[i] then
    s.tokens = caps[i]
    s.refillMs = now
  else
    local elapsed = now - s.refillMs
    if elapsed > 0 then
      local add = math.floor(elapsed * caps[i] / periods[i])
      if add > 0 then
        if s.tokens + add >= caps[i] then
          s.tokens = caps[i]
          s.refillMs = now
        else
          s.tokens = s.tokens + add
          s.refillMs = s.refillMs + math.floor(add * periods[i] / caps[i])
        end
      end
    end
  end
end

local allowed = 1
local wait = 0
for i = 1, n do
  local s = state.limits[i]
  if s.tokens < requested then
    allowed = 0
    local need = math.ceil((requested - s.tokens) * periods[i] / caps[i]) - (now - s.refillMs)
    if need < 1 then need = 1 end
    if need > wait then wait = need end
  end
end

if allowed == 1 then
  for i = 1, n do
    state.limits[i].tokens = state.limits[i].tokens - requested
  end
end

local remaining = -1
for i = 1, n do
  local t = state.limits[i].tokens
  if remaining < 0 or t < remaining then remaining = t end
end

redis.call('SET', key, cjson.encode(state), 'PX', ttl)
return {allowed, remaining, wait}
`)

// BucketStore implements atomic token bucket consumption on Redis.
type BucketStore struct {
	client *goredis.Client
	clock  ports.Clock
}

// NewBucketStore creates a Redis-backed bucket store.
func NewBucketStore(client *goredis.Client, clock ports.Clock) *BucketStore {
	return &BucketStore{client: client, clock: clock}
}

// TryConsume runs the consume script against the bucket under key.
func (s *BucketStore) TryConsume(ctx context.Context, key string, cfg ratelimit.BucketConfig, tokens int64) (ratelimit.ConsumeResult, error) {
	args := make([]interface{}, 0, 3+2*len(cfg.Limits))
	args = append(args,
		s.clock.Now().UnixMilli(),
		tokens,
		cfg.ExpireAfter().Milliseconds(),
	)
	for _, bw := range cfg.Limits {
		args = append(args, bw.Capacity, bw.RefillPeriod.Milliseconds())
	}

	raw, err := consumeScript.Run(ctx, s.client, []string{key}, args...).Slice()
	if err != nil {
		return ratelimit.ConsumeResult{}, fmt.Errorf("consume script %s: %w", key, err)
	}
	if len(raw) != 3 {
		return ratelimit.ConsumeResult{}, fmt.Errorf("consume script %s: unexpected reply %v", key, raw)
	}
	allowed, ok1 := raw[0].(int64)
	remaining, ok2 := raw[1].(int64)
	waitMillis, ok3 := raw[2].(int64)
	if !ok1 || !ok2 || !ok3 {
		return ratelimit.ConsumeResult{}, fmt.Errorf("consume script %s: non-integer reply %v", key, raw)
	}

	return ratelimit.ConsumeResult{
		Consumed:      allowed == 1,
		Remaining:     remaining,
		NanosToRefill: waitMillis * int64(time.Millisecond),
	}, nil
}
