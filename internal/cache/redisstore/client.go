// Package redisstore wraps the Redis client operations used by the persistent
// cache tier.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"

	"github.com/mohammed-shakir/listing-overlay/internal/core/observability"
)

type Option func(*redis.Options)

func WithPoolSize(n int) Option {
	return func(o *redis.Options) { o.PoolSize = n }
}

func WithDB(db int) Option {
	return func(o *redis.Options) { o.DB = db }
}

func WithPassword(pw string) Option {
	return func(o *redis.Options) { o.Password = pw }
}

// WithTimeout sets both the read and the write deadline.
func WithTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.ReadTimeout, o.WriteTimeout = d, d }
}

// delBatch bounds the keys sent in one DEL.
const delBatch = 512

type Client struct {
	rdb *redis.Client
}

func New(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}
	ro := &redis.Options{
		Addr:         addr,
		PoolSize:     8,
		MinIdleConns: 1,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	}
	for _, f := range opts {
		f(ro)
	}
	c := &Client{rdb: redis.NewClient(ro)}
	if err := c.Ping(ctx); err != nil {
		_ = c.rdb.Close()
		return nil, err
	}
	return c, nil
}

// timed runs fn and records it under op. A redis.Nil result counts as ok.
func timed(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	rec := err
	if errors.Is(err, redis.Nil) {
		rec = nil
	}
	observability.ObserveCacheOp(op, rec, time.Since(start).Seconds())
	return err
}

func (c *Client) Ping(ctx context.Context) error {
	if err := timed("ping", func() error { return c.rdb.Ping(ctx).Err() }); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Get returns the value and whether the key existed.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var b []byte
	err := timed("get", func() (err error) {
		b, err = c.rdb.Get(ctx, key).Bytes()
		return err
	})
	switch {
	case errors.Is(err, redis.Nil):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("redis GET %q: %w", key, err)
	}
	return b, true, nil
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := timed("exists", func() (err error) {
		n, err = c.rdb.Exists(ctx, key).Result()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("redis EXISTS %q: %w", key, err)
	}
	return n > 0, nil
}

// Set stores val; ttl 0 means no expiry.
func (c *Client) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := timed("set", func() error { return c.rdb.Set(ctx, key, val, ttl).Err() }); err != nil {
		return fmt.Errorf("redis SET %q: %w", key, err)
	}
	return nil
}

// Del removes keys in batches and returns how many existed.
func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	var total int64
	for len(keys) > 0 {
		n := min(len(keys), delBatch)
		batch := keys[:n]
		keys = keys[n:]
		err := timed("del", func() error {
			d, err := c.rdb.Del(ctx, batch...).Result()
			total += d
			return err
		})
		if err != nil {
			return total, fmt.Errorf("redis DEL %d keys: %w", len(batch), err)
		}
	}
	return total, nil
}

// ScanPrefix walks the keyspace with SCAN and returns every key under prefix.
func (c *Client) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	err := timed("scan", func() error {
		it := c.rdb.Scan(ctx, 0, prefix+"*", 256).Iterator()
		for it.Next(ctx) {
			out = append(out, it.Val())
		}
		return it.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("redis SCAN %q: %w", prefix, err)
	}
	return out, nil
}

func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}
