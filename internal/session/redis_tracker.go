package session

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const keyPrefix = "till:session:"

// RedisTracker keys each terminal's heartbeat with a TTL so expiry needs
// no sweeper; a missing heartbeat simply ages the key out.
type RedisTracker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisTracker(addr string, password string, db int, ttl time.Duration) *RedisTracker {
	if ttl <= 0 {
		ttl = 45 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisTracker{client: client, ttl: ttl}
}

func (t *RedisTracker) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

func (t *RedisTracker) Close() error {
	return t.client.Close()
}

func (t *RedisTracker) Heartbeat(ctx context.Context, terminalID string) error {
	return t.client.Set(ctx, keyPrefix+terminalID, time.Now().UTC().Format(time.RFC3339), t.ttl).Err()
}

func (t *RedisTracker) ActiveCount(ctx context.Context) (int, error) {
	var cursor uint64
	count := 0
	for {
		keys, next, err := t.client.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			return 0, err
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return count, nil
}
