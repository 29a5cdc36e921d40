package influxx

import (
	"context"
	"testing"
	"time"

	"shopping-cart-service/shared/config"
)

func TestNewRequiresSettings(t *testing.T) {
	if _, err := New(config.Config{InfluxURL: "http://localhost:8086"}); err == nil {
		t.Fatalf("expected error for partial influx config")
	}
}

func TestWritePointNeedsTimestamp(t *testing.T) {
	c, err := New(config.Config{
		InfluxURL:       "http://127.0.0.1:1",
		InfluxToken:     "token",
		InfluxOrg:       "org",
		InfluxBucket:    "carts",
		InfluxTimeoutMS: 200,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()
	err = c.WritePoint(context.Background(), "cart_activity", map[string]string{"cart_id": "c1"}, map[string]any{"seq": int64(1)}, time.Time{})
	if err == nil {
		t.Fatalf("expected error for zero timestamp")
	}
}

func TestNilClient(t *testing.T) {
	var c *Client
	if err := c.Ping(context.Background()); err == nil {
		t.Fatalf("expected error from nil client")
	}
	c.Close()
}
