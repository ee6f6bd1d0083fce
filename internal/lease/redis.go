package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const lockPrefix = "lock:"

// RedisLease implements Lease with SETNX + TTL: the expiry on the key is
// what lets a crashed holder self-heal.
type RedisLease struct {
	client *redis.Client
}

// NewRedisLease wraps an existing client.
func NewRedisLease(client *redis.Client) *RedisLease {
	return &RedisLease{client: client}
}

func (r *RedisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()

	acquired, err := r.client.SetNX(ctx, lockPrefix+key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis SETNX failed: %w", err)
	}
	if !acquired {
		return "", false, nil
	}
	return token, true, nil
}

func (r *RedisLease) Release(ctx context.Context, key, token string) error {
	lockKey := lockPrefix + key

	// Delete only if we still own it; if the lease expired and someone
	// else re-acquired, leave theirs alone.
	current, err := r.client.Get(ctx, lockKey).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis GET failed: %w", err)
	}
	if current != token {
		return nil
	}

	if err := r.client.Del(ctx, lockKey).Err(); err != nil {
		return fmt.Errorf("redis DEL failed: %w", err)
	}
	return nil
}
