// Package cachex wraps the Redis client that holds cart snapshots and the cluster directory.
package cachex

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"shopping-cart-service/shared/config"
)

var ErrNotInitialized = errors.New("redis client not initialized")

type Client struct {
	redis *redis.Client
}

func New(cfg config.Config) (*Client, error) {
	if cfg.RedisAddr == "" {
		return nil, errors.New("REDIS_ADDR is required")
	}
	return Wrap(redis.NewClient(Options(cfg))), nil
}

// Options keeps socket timeouts below the lease heartbeat so a stalled Redis surfaces as a
// failed renewal rather than a hung one.
func Options(cfg config.Config) *redis.Options {
	return &redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		ClientName:   cfg.NodeID,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}
}

// Wrap adapts an existing go-redis client.
func Wrap(rdb *redis.Client) *Client {
	return &Client{redis: rdb}
}

func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.redis == nil {
		return ErrNotInitialized
	}
	return c.redis.Ping(ctx).Err()
}

func (c *Client) Close() error {
	if c == nil || c.redis == nil {
		return nil
	}
	return c.redis.Close()
}

// PushCapped prepends value to the list at key and trims it to the newest keep entries.
func (c *Client) PushCapped(ctx context.Context, key string, value []byte, keep int) error {
	if c == nil || c.redis == nil {
		return ErrNotInitialized
	}
	if keep <= 0 {
		keep = 1
	}
	_, err := c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, value)
		pipe.LTrim(ctx, key, 0, int64(keep-1))
		return nil
	})
	return err
}

// Latest returns the newest entry of the list at key.
func (c *Client) Latest(ctx context.Context, key string) ([]byte, bool, error) {
	if c == nil || c.redis == nil {
		return nil, false, ErrNotInitialized
	}
	raw, err := c.redis.LIndex(ctx, key, 0).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return raw, true, nil
}

// Len reports the number of entries retained at key.
func (c *Client) Len(ctx context.Context, key string) (int64, error) {
	if c == nil || c.redis == nil {
		return 0, ErrNotInitialized
	}
	return c.redis.LLen(ctx, key).Result()
}

func (c *Client) Client() *redis.Client {
	if c == nil {
		return nil
	}
	return c.redis
}
