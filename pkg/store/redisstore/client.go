// Package redisstore keeps the attempt tracker, per-market locks and the
// shared oracle rate limit in Redis, so several keepers can share one signer.
package redisstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Client wraps a go-redis client and provides connectivity helpers
type Client struct {
	rdb    *redis.Client
	prefix string
}

// New parses a redis:// URL, pings the server and returns the wrapper
func New(ctx context.Context, url, prefix string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	return NewFromClient(rdb, prefix), nil
}

// NewFromClient wraps an existing go-redis client
func NewFromClient(rdb *redis.Client, prefix string) *Client {
	if prefix == "" {
		prefix = "keeper"
	}
	return &Client{rdb: rdb, prefix: prefix}
}

// Ping checks the Redis connection
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) key(parts ...string) string {
	k := c.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}
