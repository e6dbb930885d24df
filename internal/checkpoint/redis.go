package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	redisLatestKey = "trading-engine:checkpoint:latest"
	redisCycleFmt  = "trading-engine:checkpoint:cycle:%012d"
)

// RedisStore keeps checkpoints in redis for deployments where the engine's
// disk is ephemeral. The payload key is written first, then the pointer, so
// a reader never follows the pointer to a half-written payload.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects and pings; a checkpoint backend that cannot be
// reached at startup is a configuration error, not something to discover on
// the first write.
func NewRedisStore(ctx context.Context, addr string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: redis ping: %v", ErrWriteFailed, err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Write(ctx context.Context, cp Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrWriteFailed, err)
	}
	key := fmt.Sprintf(redisCycleFmt, cp.Cycle)
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if err := s.client.Set(ctx, redisLatestKey, key, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

func (s *RedisStore) Latest(ctx context.Context) (Checkpoint, error) {
	key, err := s.client.Get(ctx, redisLatestKey).Result()
	if errors.Is(err, redis.Nil) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: redis read pointer: %w", err)
	}
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: redis read payload: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: decode: %w", err)
	}
	return cp, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
