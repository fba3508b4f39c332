package limitusage

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// checkAndInitScript atomically resets the stored minute/budget pair for a
// key if the stored minute is stale (or absent), then returns the current
// budget.
//
// KEYS[1] = minute key ("LimitUsage-{client}-{deployment}-minute")
// KEYS[2] = budget key ("LimitUsage-{client}-{deployment}-budget")
// ARGV[1] = current minute (floor(now_s/60))
// ARGV[2] = full budget for a fresh window
// Returns: the budget now stored for the current minute.
var checkAndInitScript = redis.NewScript(`
	local minuteKey  = KEYS[1]
	local budgetKey  = KEYS[2]
	local curMinute  = tonumber(ARGV[1])
	local fullBudget = tonumber(ARGV[2])

	local stored = redis.call('GET', minuteKey)
	if stored == false or tonumber(stored) ~= curMinute then
		redis.call('SET', minuteKey, curMinute, 'EX', 120)
		redis.call('SET', budgetKey, fullBudget, 'EX', 120)
		return fullBudget
	end

	local budget = redis.call('GET', budgetKey)
	if budget == false then
		redis.call('SET', budgetKey, fullBudget, 'EX', 120)
		return fullBudget
	end
	return tonumber(budget)
`)

// RedisBackend is the remote-KV budget backend. Correctness under
// concurrency is delegated to Redis's single-key semantics.
type RedisBackend struct {
	rdb *redis.Client
}

// NewRedisBackend wraps an existing client.
func NewRedisBackend(rdb *redis.Client) *RedisBackend { return &RedisBackend{rdb: rdb} }

func minuteKey(key string) string { return fmt.Sprintf("LimitUsage-%s-minute", key) }
func budgetKey(key string) string { return fmt.Sprintf("LimitUsage-%s-budget", key) }

// CheckAndInit implements Backend.
func (b *RedisBackend) CheckAndInit(ctx context.Context, key string, currentMinute, fullBudget int64) (int64, error) {
	result, err := checkAndInitScript.Run(ctx, b.rdb,
		[]string{minuteKey(key), budgetKey(key)},
		currentMinute, fullBudget,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("limitusage: redis check_and_init: %w", err)
	}
	return result, nil
}

// Decrement implements Backend.
func (b *RedisBackend) Decrement(ctx context.Context, key string, delta int64) error {
	if err := b.rdb.DecrBy(ctx, budgetKey(key), delta).Err(); err != nil {
		return fmt.Errorf("limitusage: redis decrement: %w", err)
	}
	return nil
}
