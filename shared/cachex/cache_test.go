package cachex

import (
	"context"
	"errors"
	"testing"

	"shopping-cart-service/shared/config"
)

func TestNewRequiresAddr(t *testing.T) {
	if _, err := New(config.Config{}); err == nil {
		t.Fatalf("expected error for missing REDIS_ADDR")
	}
}

func TestOptionsCarryNodeName(t *testing.T) {
	opts := Options(config.Config{RedisAddr: "localhost:6379", RedisDB: 2, NodeID: "node-a"})
	if opts.Addr != "localhost:6379" || opts.DB != 2 || opts.ClientName != "node-a" {
		t.Fatalf("unexpected options %#v", opts)
	}
	if opts.ReadTimeout <= 0 || opts.DialTimeout <= 0 {
		t.Fatalf("timeouts must be bounded")
	}
}

func TestNilClient(t *testing.T) {
	var c *Client
	ctx := context.Background()
	if err := c.Ping(ctx); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Ping: %v", err)
	}
	if _, _, err := c.Latest(ctx, "k"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Latest: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if c.Client() != nil {
		t.Fatalf("nil wrapper must expose nil client")
	}
}
