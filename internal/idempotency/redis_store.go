package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "aimint:idempotency:"

// RedisStore keeps records as JSON values that Redis expires on its own.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	if addr == "" {
		return nil, errors.New("redis addr is empty")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode record %q: %w", key, err)
	}
	if rec.Expired(time.Now()) {
		return nil, nil
	}
	return &rec, nil
}

// Reserve claims the key with SET NX; Redis expires an abandoned claim after lease.
func (s *RedisStore) Reserve(ctx context.Context, key string, lease time.Duration) (*Record, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	if lease <= 0 {
		return nil, fmt.Errorf("reserve %q: lease must be positive", key)
	}
	raw, err := json.Marshal(pendingRecord(lease))
	if err != nil {
		return nil, err
	}
	for attempt := 0; attempt < reserveAttempts; attempt++ {
		claimed, err := s.client.SetNX(ctx, redisKeyPrefix+key, raw, lease).Result()
		if err != nil {
			return nil, err
		}
		if claimed {
			return nil, nil
		}
		existing, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}
	return nil, fmt.Errorf("reserve %q: key kept changing", key)
}

// Release deletes the key only while it still holds a pending claim.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	k := redisKeyPrefix + key
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode record %q: %w", key, err)
		}
		if !rec.Pending() {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, k)
			return nil
		})
		return err
	}, k)
	if errors.Is(err, redis.TxFailedErr) {
		// the claim was completed or replaced while we looked at it
		return nil
	}
	return err
}

func (s *RedisStore) Save(ctx context.Context, key string, record Record) error {
	if key == "" {
		return ErrEmptyKey
	}
	ttl := time.Until(record.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisKeyPrefix+key, raw, ttl).Err()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
