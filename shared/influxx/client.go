// Package influxx writes cart activity points to InfluxDB 2.
package influxx

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"

	"shopping-cart-service/shared/config"
)

type Client struct {
	client influxdb2.Client
	writer api.WriteAPIBlocking
}

func New(cfg config.Config) (*Client, error) {
	if cfg.InfluxURL == "" || cfg.InfluxToken == "" || cfg.InfluxOrg == "" || cfg.InfluxBucket == "" {
		return nil, errors.New("INFLUX_URL/INFLUX_TOKEN/INFLUX_ORG/INFLUX_BUCKET are required")
	}
	// The client takes its request timeout in whole seconds.
	timeoutSec := cfg.InfluxTimeoutMS / 1000
	if timeoutSec < 1 {
		timeoutSec = 1
	}
	opts := influxdb2.DefaultOptions().
		SetHTTPRequestTimeout(uint(timeoutSec)).
		SetPrecision(time.Millisecond).
		SetUseGZip(true)
	client := influxdb2.NewClientWithOptions(cfg.InfluxURL, cfg.InfluxToken, opts)
	return &Client{client: client, writer: client.WriteAPIBlocking(cfg.InfluxOrg, cfg.InfluxBucket)}, nil
}

// WritePoint writes one point synchronously. A point with the same measurement, tags and
// timestamp overwrites the previous one, so replays are idempotent.
func (c *Client) WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error {
	if c == nil || c.writer == nil {
		return errors.New("influx client not initialized")
	}
	if ts.IsZero() {
		return fmt.Errorf("point %s needs a timestamp", measurement)
	}
	return c.writer.WritePoint(ctx, write.NewPoint(measurement, tags, fields, ts))
}

func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errors.New("influx client not initialized")
	}
	health, err := c.client.Health(ctx)
	if err != nil {
		return err
	}
	if health.Status != domain.HealthCheckStatusPass {
		return fmt.Errorf("influx health status %s", health.Status)
	}
	return nil
}

func (c *Client) Close() {
	if c != nil && c.client != nil {
		c.client.Close()
	}
}
