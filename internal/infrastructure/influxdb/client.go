package influxdb

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/Jelling-test/flytining/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second

	fallbackBatchSize     = 100
	fallbackFlushInterval = 10 * time.Second
)

// Client is the time-series sink for denied power-ons and availability
// changes. Points are queued and written in batches by a background
// goroutine of the influx write API, so the Write methods never block on
// the network.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI

	closed  atomic.Bool
	onError func(error)
}

// Option customises a Client.
type Option func(*Client)

// WithErrorHandler receives errors from batches the server rejected.
// Without it those errors are dropped.
func WithErrorHandler(fn func(error)) Option {
	return func(c *Client) { c.onError = fn }
}

// Connect opens the InfluxDB sink.
//
// Parameters:
//   - ctx: bounds the startup ping together with an internal 10s limit
//   - cfg: the influxdb section of config.yaml; batch_size and
//     flush_interval fall back to 100 points and 10 seconds
//   - opts: optional settings such as WithErrorHandler
//
// Returns:
//   - *Client: ready for writes; call Close to flush and release it
//   - error: ErrDisabled when influxdb.enabled is false, or
//     ErrConnectionFailed when the server does not answer healthy
func Connect(ctx context.Context, cfg config.InfluxDBConfig, opts ...Option) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	ic := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, clientOptions(cfg))

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := ping(pingCtx, ic); err != nil {
		ic.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c := &Client{
		client:   ic,
		writeAPI: ic.WriteAPI(cfg.Org, cfg.Bucket),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.forwardErrors()

	return c, nil
}

func clientOptions(cfg config.InfluxDBConfig) *influxdb2.Options {
	batch := fallbackBatchSize
	if cfg.BatchSize > 0 {
		batch = cfg.BatchSize
	}
	flush := fallbackFlushInterval
	if cfg.FlushInterval > 0 {
		flush = time.Duration(cfg.FlushInterval) * time.Second
	}
	// #nosec G115 -- both values are positive here
	return influxdb2.DefaultOptions().
		SetBatchSize(uint(batch)).
		SetFlushInterval(uint(flush.Milliseconds()))
}

func ping(ctx context.Context, ic influxdb2.Client) error {
	healthy, err := ic.Ping(ctx)
	switch {
	case err != nil:
		return fmt.Errorf("ping: %w", err)
	case !healthy:
		return fmt.Errorf("server reports unhealthy")
	}
	return nil
}

// forwardErrors runs until the write API closes its error channel.
func (c *Client) forwardErrors() {
	for err := range c.writeAPI.Errors() {
		if c.onError != nil {
			c.onError(err)
		}
	}
}

// Close flushes queued points and shuts the client down. Further writes
// are discarded. Safe to call more than once.
func (c *Client) Close() error {
	if c == nil || !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.writeAPI.Flush()
	c.client.Close()
	return nil
}

// HealthCheck pings the server; it reports ErrNotConnected once closed.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := ping(pingCtx, c.client); err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	return nil
}

// IsConnected is false for a nil or closed client.
func (c *Client) IsConnected() bool {
	return c != nil && !c.closed.Load()
}

// Flush writes queued points now.
func (c *Client) Flush() {
	if c.IsConnected() {
		c.writeAPI.Flush()
	}
}
