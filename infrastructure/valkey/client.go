package valkey

import (
	"context"
	"fmt"
	"strings"
	"time"

	valkeylib "github.com/valkey-io/valkey-go"

	"github.com/xkayo32/pytake-sub001/core/config"
)

// connectTimeout bounds the startup ping; a dead store should fail boot fast.
const connectTimeout = 5 * time.Second

// Client is the shared handle to the ephemeral store. One instance backs the
// rate counters, webhook dedupe keys, department queues, sweep locks and the
// pub/sub notifier; all of them build keys through Key so every entry lands
// under the configured prefix.
type Client struct {
	inner     valkeylib.Client
	keyPrefix string
}

// NewClient connects and verifies the store is reachable before returning.
// The caller owns the handle and must Close it on shutdown.
func NewClient(cfg config.ValkeyConfig) (*Client, error) {
	opts := valkeylib.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	inner, err := valkeylib.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := inner.Do(ctx, inner.B().Ping().Build()).Error(); err != nil {
		inner.Close()
		return nil, fmt.Errorf("valkey ping %s: %w", cfg.Address, err)
	}

	return &Client{inner: inner, keyPrefix: strings.TrimSuffix(cfg.KeyPrefix, ":")}, nil
}

// Inner exposes the raw valkey-go client for commands the primitives in this
// package do not cover.
func (c *Client) Inner() valkeylib.Client {
	return c.inner
}

func (c *Client) Close() {
	if c.inner != nil {
		c.inner.Close()
	}
}

// Key joins parts under the configured prefix:
// Key("dedupe", providerID) -> "pytake:dedupe:<id>".
func (c *Client) Key(parts ...string) string {
	if c.keyPrefix == "" || len(parts) == 0 {
		return c.keyPrefix + strings.Join(parts, ":")
	}
	return c.keyPrefix + ":" + strings.Join(parts, ":")
}

// Ping checks liveness under the caller's deadline.
func (c *Client) Ping(ctx context.Context) error {
	return c.inner.Do(ctx, c.inner.B().Ping().Build()).Error()
}

// IsConnected is the health-endpoint probe; it never blocks longer than half
// a second.
func (c *Client) IsConnected() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	return c.Ping(ctx) == nil
}

// IsNil reports whether err is the store's NIL reply, which the primitives
// translate into absent-key results rather than failures.
func IsNil(err error) bool {
	return valkeylib.IsValkeyNil(err)
}
