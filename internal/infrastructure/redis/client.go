package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nerrad567/dispatchd/internal/infrastructure/config"
)

// KeyPrefix namespaces every key dispatchd writes.
const KeyPrefix = "dispatchd:"

// Sentinel errors for Redis operations.
var (
	ErrDisabled         = errors.New("redis: disabled in configuration")
	ErrConnectionFailed = errors.New("redis: connection failed")
)

// Client wraps go-redis with JSON list helpers.
//
// Thread Safety:
//   - All methods are safe for concurrent use; go-redis pools connections.
type Client struct {
	rdb *goredis.Client
}

// Connect creates a client and verifies it with PING.
// Returns ErrDisabled if cfg.Enabled is false.
func Connect(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	return &Client{rdb: rdb}, nil
}

// GetStrings loads a JSON string list. The bool is false on a cache miss.
func (c *Client) GetStrings(ctx context.Context, key string) ([]string, bool, error) {
	data, err := c.rdb.Get(ctx, KeyPrefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	var values []string
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, false, fmt.Errorf("decoding %s: %w", key, err)
	}
	return values, true, nil
}

// SetStrings stores values as a JSON list expiring after ttl.
func (c *Client) SetStrings(ctx context.Context, key string, values []string, ttl time.Duration) error {
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, KeyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes keys. Missing keys are ignored.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	pipe := c.rdb.Pipeline()
	for _, k := range keys {
		pipe.Del(ctx, KeyPrefix+k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}
