package valkey

import (
	"context"
	"fmt"
	"time"
)

// The ephemeral-store contract the core relies on: counters with TTL, keys
// with NX semantics for idempotency locks, and lists for department queues.
// Keys passed here are already fully qualified (callers build them with Key).

// Get returns the string value at key, or ("", false, nil) when absent.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.inner.Do(ctx, c.inner.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if IsNil(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("valkey GET %s: %w", key, err)
	}
	return v, true, nil
}

// GetInt returns the integer value at key, or (0, nil) when absent.
func (c *Client) GetInt(ctx context.Context, key string) (int64, error) {
	n, err := c.inner.Do(ctx, c.inner.B().Get().Key(key).Build()).AsInt64()
	if err != nil {
		if IsNil(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("valkey GET %s: %w", key, err)
	}
	return n, nil
}

// Set stores value at key with an optional TTL (ttl <= 0 means no expiry).
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	b := c.inner.B().Set().Key(key).Value(value)
	var err error
	if ttl > 0 {
		err = c.inner.Do(ctx, b.Ex(ttl).Build()).Error()
	} else {
		err = c.inner.Do(ctx, b.Build()).Error()
	}
	if err != nil {
		return fmt.Errorf("valkey SET %s: %w", key, err)
	}
	return nil
}

// SetNX stores value only if the key is absent, returning whether it was
// stored. This is the idempotency primitive (webhook dedupe, sweep locks).
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	err := c.inner.Do(ctx, c.inner.B().Set().Key(key).Value(value).Nx().Ex(ttl).Build()).Error()
	if err != nil {
		if IsNil(err) {
			return false, nil
		}
		return false, fmt.Errorf("valkey SETNX %s: %w", key, err)
	}
	return true, nil
}

// IncrWithTTL atomically increments key and, when this increment created the
// key, stamps the window TTL. Returns the post-increment value. This is the
// single round-trip counter primitive the rate limiter depends on.
func (c *Client) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := c.inner.Do(ctx, c.inner.B().Incr().Key(key).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("valkey INCR %s: %w", key, err)
	}
	if n == 1 && ttl > 0 {
		if err := c.inner.Do(ctx, c.inner.B().Expire().Key(key).Seconds(int64(ttl/time.Second)).Build()).Error(); err != nil {
			return n, fmt.Errorf("valkey EXPIRE %s: %w", key, err)
		}
	}
	return n, nil
}

// Decr undoes one increment (the daily-ceiling rollback path).
func (c *Client) Decr(ctx context.Context, key string) (int64, error) {
	n, err := c.inner.Do(ctx, c.inner.B().Decr().Key(key).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("valkey DECR %s: %w", key, err)
	}
	return n, nil
}

// TTL returns the remaining lifetime of key; 0 when the key is absent or has
// no expiry.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	secs, err := c.inner.Do(ctx, c.inner.B().Ttl().Key(key).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("valkey TTL %s: %w", key, err)
	}
	if secs <= 0 {
		return 0, nil
	}
	return time.Duration(secs) * time.Second, nil
}

// Del removes a key.
func (c *Client) Del(ctx context.Context, key string) error {
	if err := c.inner.Do(ctx, c.inner.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("valkey DEL %s: %w", key, err)
	}
	return nil
}

// RPush appends to a list (queue tail).
func (c *Client) RPush(ctx context.Context, key string, values ...string) error {
	if err := c.inner.Do(ctx, c.inner.B().Rpush().Key(key).Element(values...).Build()).Error(); err != nil {
		return fmt.Errorf("valkey RPUSH %s: %w", key, err)
	}
	return nil
}

// LPush prepends to a list (priority enqueue).
func (c *Client) LPush(ctx context.Context, key string, values ...string) error {
	if err := c.inner.Do(ctx, c.inner.B().Lpush().Key(key).Element(values...).Build()).Error(); err != nil {
		return fmt.Errorf("valkey LPUSH %s: %w", key, err)
	}
	return nil
}

// LPop removes and returns the list head, or ("", false, nil) on empty.
func (c *Client) LPop(ctx context.Context, key string) (string, bool, error) {
	v, err := c.inner.Do(ctx, c.inner.B().Lpop().Key(key).Build()).ToString()
	if err != nil {
		if IsNil(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("valkey LPOP %s: %w", key, err)
	}
	return v, true, nil
}

// LRange returns the elements in [start, stop].
func (c *Client) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vs, err := c.inner.Do(ctx, c.inner.B().Lrange().Key(key).Start(start).Stop(stop).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("valkey LRANGE %s: %w", key, err)
	}
	return vs, nil
}

// LRem removes count occurrences of value from the list.
func (c *Client) LRem(ctx context.Context, key string, count int64, value string) error {
	if err := c.inner.Do(ctx, c.inner.B().Lrem().Key(key).Count(count).Element(value).Build()).Error(); err != nil {
		return fmt.Errorf("valkey LREM %s: %w", key, err)
	}
	return nil
}

// Publish sends a message on a pub/sub channel. Fire-and-forget: delivery to
// zero subscribers is not an error.
func (c *Client) Publish(ctx context.Context, channel, message string) error {
	if err := c.inner.Do(ctx, c.inner.B().Publish().Channel(channel).Message(message).Build()).Error(); err != nil {
		return fmt.Errorf("valkey PUBLISH %s: %w", channel, err)
	}
	return nil
}

// LLen returns the list length.
func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	n, err := c.inner.Do(ctx, c.inner.B().Llen().Key(key).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("valkey LLEN %s: %w", key, err)
	}
	return n, nil
}
