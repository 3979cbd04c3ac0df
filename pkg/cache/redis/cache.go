package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned by Get when the key does not exist.
var ErrCacheMiss = errors.New("cache miss")

// Cache exposes the distributed-cache capability set the pipeline relies
// on: get/set/setIfAbsent/delete/exists/expire/increment, all atomic across
// the cluster because they delegate directly to Redis's own atomic commands.
type Cache struct {
	client *Client
}

func NewCache(client *Client) *Cache {
	return &Cache{client: client}
}

func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	if err := c.client.EnsureConnection(ctx); err != nil {
		return "", err
	}
	val, err := c.client.GetClient().Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", ErrCacheMiss
	}
	if err != nil {
		return "", fmt.Errorf("cache get %s: %w", key, err)
	}
	return val, nil
}

func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.EnsureConnection(ctx); err != nil {
		return err
	}
	if err := c.client.GetClient().Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// SetIfAbsent is atomic across the cluster (Redis SET NX).
func (c *Cache) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := c.client.EnsureConnection(ctx); err != nil {
		return false, err
	}
	ok, err := c.client.GetClient().SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cache setnx %s: %w", key, err)
	}
	return ok, nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.client.EnsureConnection(ctx); err != nil {
		return err
	}
	if err := c.client.GetClient().Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	return nil
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	if err := c.client.EnsureConnection(ctx); err != nil {
		return false, err
	}
	n, err := c.client.GetClient().Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("cache exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.client.EnsureConnection(ctx); err != nil {
		return err
	}
	if err := c.client.GetClient().Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("cache expire %s: %w", key, err)
	}
	return nil
}

func (c *Cache) Increment(ctx context.Context, key string) (int64, error) {
	if err := c.client.EnsureConnection(ctx); err != nil {
		return 0, err
	}
	n, err := c.client.GetClient().Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("cache incr %s: %w", key, err)
	}
	return n, nil
}
