package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// reserveScript checks every counter first and increments them only when
// none is exhausted, so a rejected reservation leaves all counters intact.
//
// KEYS: counter keys. ARGV: limit_1..limit_n, ttl_ms_1..ttl_ms_n.
// Returns {1} on success or {0, index, current} for the first exhausted key.
var reserveScript = redis.NewScript(`
local n = #KEYS
for i = 1, n do
	local cur = tonumber(redis.call('GET', KEYS[i]) or '0')
	if cur >= tonumber(ARGV[i]) then
		return {0, i, cur}
	end
end
for i = 1, n do
	redis.call('INCR', KEYS[i])
	redis.call('PEXPIRE', KEYS[i], ARGV[n + i])
end
return {1}
`)

// RedisLedger keeps counters in Redis. The check and increment run as a
// single script, which makes Reserve linearizable across instances.
type RedisLedger struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewRedisLedger(client redis.UniversalClient) *RedisLedger {
	return &RedisLedger{client: client, now: time.Now}
}

func (r *RedisLedger) Reserve(ctx context.Context, principalID, requestTypeID string, limits Limits) (Reservation, error) {
	checks := checksFor(limits, r.now())
	if len(checks) == 0 {
		return Reservation{Reserved: true}, nil
	}

	keys := make([]string, len(checks))
	args := make([]interface{}, 0, 2*len(checks))
	for i, c := range checks {
		keys[i] = counterKey(principalID, requestTypeID, c.scope, c.period)
		args = append(args, c.limit)
	}
	for _, c := range checks {
		args = append(args, c.ttl.Milliseconds())
	}

	res, err := reserveScript.Run(ctx, r.client, keys, args...).Slice()
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve quota: %w", err)
	}
	if len(res) == 0 {
		return Reservation{}, fmt.Errorf("reserve quota: empty script reply")
	}
	if ok, _ := res[0].(int64); ok == 1 {
		return Reservation{Reserved: true}, nil
	}
	if len(res) < 3 {
		return Reservation{}, fmt.Errorf("reserve quota: malformed script reply %v", res)
	}
	idx, _ := res[1].(int64)
	current, _ := res[2].(int64)
	if idx < 1 || int(idx) > len(checks) {
		return Reservation{}, fmt.Errorf("reserve quota: scope index %d out of range", idx)
	}
	c := checks[idx-1]
	return Reservation{Scope: c.scope, Limit: c.limit, Current: current}, nil
}

func (r *RedisLedger) Usage(ctx context.Context, principalID, requestTypeID string) (map[Scope]int64, error) {
	now := r.now()
	keys := make([]string, len(Scopes))
	for i, s := range Scopes {
		keys[i] = counterKey(principalID, requestTypeID, s, PeriodKey(s, now))
	}

	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read quota usage: %w", err)
	}

	out := make(map[Scope]int64, len(Scopes))
	for i, s := range Scopes {
		var n int64
		if str, ok := vals[i].(string); ok {
			fmt.Sscan(str, &n)
		}
		out[s] = n
	}
	return out, nil
}
