package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/xkayo32/pytake-sub001/infrastructure/valkey"
)

// ValkeyStore backs the limiter with shared counters so every instance
// enforces the same ceilings.
type ValkeyStore struct {
	client *valkey.Client
}

func NewValkeyStore(client *valkey.Client) *ValkeyStore {
	return &ValkeyStore{client: client}
}

func (s *ValkeyStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return s.client.IncrWithTTL(ctx, s.client.Key(key), ttl)
}

func (s *ValkeyStore) Decr(ctx context.Context, key string) (int64, error) {
	return s.client.Decr(ctx, s.client.Key(key))
}

func (s *ValkeyStore) Get(ctx context.Context, key string) (int64, error) {
	return s.client.GetInt(ctx, s.client.Key(key))
}

func (s *ValkeyStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.client.TTL(ctx, s.client.Key(key))
}

func (s *ValkeyStore) SetStamp(ctx context.Context, key string, t time.Time, ttl time.Duration) error {
	return s.client.Set(ctx, s.client.Key(key), strconv.FormatInt(t.UnixMilli(), 10), ttl)
}

func (s *ValkeyStore) GetStamp(ctx context.Context, key string) (time.Time, bool, error) {
	v, ok, err := s.client.Get(ctx, s.client.Key(key))
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms).UTC(), true, nil
}
