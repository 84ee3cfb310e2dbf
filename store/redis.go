package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-chunkupload/upload"
	"github.com/redis/go-redis/v9"
)

const redisPrefix = "upload:snapshot:"

// RedisClient is the subset of redis.Cmdable used by Redis.
type RedisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Redis stores snapshots in Redis so uploads can continue on another host.
type Redis struct {
	client RedisClient
	ttl    time.Duration
}

// NewRedis creates a Redis store. A zero ttl keeps snapshots until they are deleted.
func NewRedis(client RedisClient, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

// Save stores the snapshot under key and refreshes its expiration.
func (r *Redis) Save(ctx context.Context, key string, snap upload.Snapshot) error {
	if err := validateKey(key); err != nil {
		return err
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if err := r.client.Set(ctx, redisPrefix+key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("save snapshot %s: %w", key, err)
	}
	return nil
}

// Load reads the snapshot stored under key.
func (r *Redis) Load(ctx context.Context, key string) (upload.Snapshot, error) {
	if err := validateKey(key); err != nil {
		return upload.Snapshot{}, err
	}

	data, err := r.client.Get(ctx, redisPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return upload.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return upload.Snapshot{}, fmt.Errorf("load snapshot %s: %w", key, err)
	}

	var snap upload.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return upload.Snapshot{}, fmt.Errorf("unmarshal snapshot %s: %w", key, err)
	}
	return snap, nil
}

// Delete removes the snapshot stored under key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	if err := r.client.Del(ctx, redisPrefix+key).Err(); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", key, err)
	}
	return nil
}
