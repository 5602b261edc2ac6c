package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sms-agents/orchestrator/observability"
)

// RedisOverlay provides the distributed coordination and idempotency
// primitives that ride alongside PostgresStore: per-user advisory
// locks for the Orchestrator's Send Pipeline, the single-leader lease
// for the Event Processor, and the idempotency cache for enqueue
// requests. Grounded in the teacher's control_plane/store/redis.go
// (SetNX-based locks; renew and release run small Lua scripts via
// EVAL so they only touch a lock still held by its owner).
type RedisOverlay struct {
	client *redis.Client
}

func NewRedisOverlay(addr, password string, db int) (*RedisOverlay, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisOverlay{client: client}, nil
}

func (r *RedisOverlay) Close() error { return r.client.Close() }

// AcquireLock implements the per-user advisory lock used by the Send
// Pipeline (spec.md §5) via SET key value NX EX ttl.
func (r *RedisOverlay) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	ok, err := r.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// renewScript extends a lock's TTL only if it is still held by owner,
// avoiding the check-then-set race a plain GET+EXPIRE would have.
const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`

func (r *RedisOverlay) RenewLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	res, err := r.client.Eval(ctx, renewScript, []string{key}, owner, ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`

func (r *RedisOverlay) ReleaseLock(ctx context.Context, key, owner string) error {
	_, err := r.client.Eval(ctx, releaseScript, []string{key}, owner).Result()
	return err
}

// --- Idempotency cache ---
//
// Backs the "enqueue the same logical request twice -> at most one
// sent Message" property (spec.md §8) with a short-lived NX record
// keyed on (producer_id, idempotency_key).

var ErrIdempotencyKeyExists = errors.New("store: idempotency key already recorded")

func (r *RedisOverlay) GetIdempotencyRecord(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, "idempotency:"+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (r *RedisOverlay) SetIdempotencyRecordNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, "idempotency:"+key, value, ttl).Result()
}

// Client exposes the underlying Redis client. coordination.LeaderElector
// does not use it; the lease goes through AcquireLock/RenewLock/
// ReleaseLock above.
func (r *RedisOverlay) Client() *redis.Client { return r.client }
