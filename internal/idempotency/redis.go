package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisMarker struct {
	Client *redis.Client
}

func NewRedis(addr, password string, db int) *RedisMarker {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	return &RedisMarker{Client: rdb}
}

func (m *RedisMarker) Ping(ctx context.Context) error {
	if err := m.Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

func (m *RedisMarker) Close() error {
	return m.Client.Close()
}

func (m *RedisMarker) Claim(ctx context.Context, key string, ttl time.Duration) (Outcome, error) {
	// Two rounds cover a key that expires between SETNX and GET.
	for i := 0; i < 2; i++ {
		ok, err := m.Client.SetNX(ctx, key, valuePending, ttl).Result()
		if err != nil {
			return InFlight, fmt.Errorf("claim %s: %w", key, err)
		}
		if ok {
			return Claimed, nil
		}

		v, err := m.Client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return InFlight, fmt.Errorf("claim %s: %w", key, err)
		}
		if v == valueSent {
			return AlreadySent, nil
		}
		return InFlight, nil
	}
	return InFlight, nil
}

func (m *RedisMarker) MarkSent(ctx context.Context, key string, ttl time.Duration) error {
	if err := m.Client.Set(ctx, key, valueSent, ttl).Err(); err != nil {
		return fmt.Errorf("mark sent %s: %w", key, err)
	}
	return nil
}

func (m *RedisMarker) Release(ctx context.Context, key string) error {
	if err := m.Client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}
