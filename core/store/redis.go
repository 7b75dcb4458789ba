package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLocker implements UnitLocker on Redis using SET NX with a TTL and
// a Lua-guarded release so only the holder can release.
type RedisLocker struct {
	client *redis.Client
	owner  string
}

// NewRedisLocker connects and verifies the Redis backend.
func NewRedisLocker(addr, password string, db int) (*RedisLocker, error) {
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

	return &RedisLocker{
		client: client,
		owner:  uuid.NewString(),
	}, nil
}

func (l *RedisLocker) key(unitID int64) string {
	return fmt.Sprintf("sysgrow:lock:unit:%d", unitID)
}

// Acquire takes the unit irrigation lock. Returns false without error
// when another holder owns the lock; the TTL bounds holder lifetime so
// a crashed worker cannot wedge the unit.
func (l *RedisLocker) Acquire(ctx context.Context, unitID int64, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, l.key(unitID), l.owner, ttl).Result()
}

// releaseScript deletes the lock only when held by this owner.
const releaseScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

// Release frees the unit lock if this process holds it.
func (l *RedisLocker) Release(ctx context.Context, unitID int64) error {
	return l.client.Eval(ctx, releaseScript, []string{l.key(unitID)}, l.owner).Err()
}

// Close shuts down the client connection.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

// RedisIdempotency implements IdempotencyStore on the same Redis
// backend; records expire with their TTL.
type RedisIdempotency struct {
	client *redis.Client
}

// NewRedisIdempotency wraps an existing client.
func NewRedisIdempotency(client *redis.Client) *RedisIdempotency {
	return &RedisIdempotency{client: client}
}

// Client exposes the underlying connection so the locker and the
// idempotency store can share one.
func (l *RedisLocker) Client() *redis.Client { return l.client }

func (s *RedisIdempotency) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, "sysgrow:idempotency:"+key, value, ttl).Result()
}

func (s *RedisIdempotency) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, "sysgrow:idempotency:"+key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}
