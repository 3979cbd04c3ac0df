// Package redis wraps go-redis/v9 with the connection-lifecycle and
// double-checked-locking behavior the service needs: a client can be
// constructed without blocking, and callers discover Redis unavailability
// lazily on first use instead of failing service startup.
package redis

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	goredis "github.com/redis/go-redis/v9"
)

// Client lazily establishes and supervises a connection to Redis.
type Client struct {
	opts      *goredis.Options
	logger    logr.Logger
	rdb       *goredis.Client
	connected atomic.Bool
	connectMu sync.Mutex
}

// NewClient constructs a Client without connecting. Call EnsureConnection
// before issuing operations, or rely on the wrapped operations to do so.
func NewClient(opts *goredis.Options, logger logr.Logger) *Client {
	return &Client{
		opts:   opts,
		logger: logger,
		rdb:    goredis.NewClient(opts),
	}
}

// GetClient returns the underlying go-redis client for direct use.
func (c *Client) GetClient() *goredis.Client {
	return c.rdb
}

// EnsureConnection verifies connectivity, using a fast atomic-load path once
// connected and a double-checked-locked slow path to avoid a thundering herd
// of PING calls when many goroutines race to connect.
func (c *Client) EnsureConnection(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}

	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.connected.Load() {
		return nil
	}

	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unavailable: %w", err)
	}

	c.connected.Store(true)
	return nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	c.connected.Store(false)
	return c.rdb.Close()
}
