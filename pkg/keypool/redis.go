package keypool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Redis key holding the persisted block set.
	redisBlocksKey = "voxhud:blocked_keys"

	// TTL for the block set; blocks age out on their own if the process
	// never rewrites them.
	redisBlocksTTL = 24 * time.Hour
)

// RedisStore implements BlockStore on Redis, for deployments where more
// than one process shares the credential pool's view of blocked keys.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed block store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Load implements BlockStore.
func (s *RedisStore) Load(ctx context.Context) ([]BlockRecord, error) {
	val, err := s.client.Get(ctx, redisBlocksKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keypool: redis get: %w", err)
	}

	var records []BlockRecord
	if err := json.Unmarshal([]byte(val), &records); err != nil {
		return nil, fmt.Errorf("keypool: parse redis blocks: %w", err)
	}
	return records, nil
}

// Save implements BlockStore.
func (s *RedisStore) Save(ctx context.Context, records []BlockRecord) error {
	val, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("keypool: marshal redis blocks: %w", err)
	}
	if err := s.client.Set(ctx, redisBlocksKey, val, redisBlocksTTL).Err(); err != nil {
		return fmt.Errorf("keypool: redis set: %w", err)
	}
	return nil
}
