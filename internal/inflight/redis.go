package inflight

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the claim only while it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisBackend shares claims between API processes.
type RedisBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisBackend(redisURL string, ttl time.Duration) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisBackendWithClient(client, ttl), nil
}

func NewRedisBackendWithClient(client *redis.Client, ttl time.Duration) *RedisBackend {
	return &RedisBackend{
		client: client,
		prefix: "carbonpaper:inflight:",
		ttl:    ttl,
	}
}

func (b *RedisBackend) key(documentID string) string {
	return b.prefix + documentID
}

func (b *RedisBackend) Claim(ctx context.Context, documentID, token string) error {
	if err := b.client.Set(ctx, b.key(documentID), token, b.ttl).Err(); err != nil {
		return fmt.Errorf("claim document %s: %w", documentID, err)
	}
	return nil
}

func (b *RedisBackend) Current(ctx context.Context, documentID string) (string, bool, error) {
	token, err := b.client.Get(ctx, b.key(documentID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read claim for %s: %w", documentID, err)
	}
	return token, true, nil
}

func (b *RedisBackend) Release(ctx context.Context, documentID, token string) error {
	if err := releaseScript.Run(ctx, b.client, []string{b.key(documentID)}, token).Err(); err != nil {
		return fmt.Errorf("release claim for %s: %w", documentID, err)
	}
	return nil
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}
