package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/xkayo32/pytake-sub001/core/config"
	pkgError "github.com/xkayo32/pytake-sub001/pkg/error"
	"github.com/xkayo32/pytake-sub001/pkg/timeutils"
	"github.com/xkayo32/pytake-sub001/tenancy"
)

// CounterStore is the shared-counter contract. Counters live outside process
// memory so every instance sees the same ceilings.
type CounterStore interface {
	// Incr bumps the counter, stamping ttl when this call created the key.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	Get(ctx context.Context, key string) (int64, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	SetStamp(ctx context.Context, key string, t time.Time, ttl time.Duration) error
	GetStamp(ctx context.Context, key string) (time.Time, bool, error)
}

// Decision is the limiter's verdict for one send.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	// Scope names the ceiling that blocked: minute, hour, day, min_delay.
	Scope string
}

// Usage is the current consumption snapshot for one number.
type Usage struct {
	Minute      int64 `json:"minute"`
	MinuteLimit int   `json:"minute_limit,omitempty"`
	Hour        int64 `json:"hour"`
	HourLimit   int   `json:"hour_limit"`
	Day         int64 `json:"day"`
	DayLimit    int   `json:"day_limit,omitempty"`
}

// Limiter enforces per-number send ceilings. Official numbers carry three
// nested windows; qrcode numbers carry an hourly window plus a minimum delay
// between consecutive sends.
//
// Acquire is increment-then-undo: counters are bumped first and rolled back
// when any ceiling is hit. Concurrent senders can transiently overshoot by
// the number of in-flight acquires, which is why the configured defaults sit
// below WhatsApp's hard limits.
type Limiter struct {
	store CounterStore
	cfg   config.RateLimitConfig
	clock timeutils.Clock
}

func NewLimiter(store CounterStore, cfg config.RateLimitConfig, clock timeutils.Clock) *Limiter {
	return &Limiter{store: store, cfg: cfg, clock: clock}
}

type scopeCheck struct {
	scope string
	key   string
	limit int
	ttl   time.Duration
}

func (l *Limiter) scopesFor(number *tenancy.WhatsAppNumber) []scopeCheck {
	id := number.ID.String()
	if number.ConnectionType == tenancy.ConnectionQRCode {
		return []scopeCheck{
			{scope: "hour", key: counterKey(id, "hour"), limit: l.cfg.QRCodePerHour, ttl: time.Hour},
		}
	}

	perMinute, perHour, perDay := l.cfg.OfficialPerMinute, l.cfg.OfficialPerHour, l.cfg.OfficialPerDay
	if o := number.RateOverrides; o != nil {
		if o.PerMinute > 0 {
			perMinute = o.PerMinute
		}
		if o.PerHour > 0 {
			perHour = o.PerHour
		}
		if o.PerDay > 0 {
			perDay = o.PerDay
		}
	}
	return []scopeCheck{
		{scope: "minute", key: counterKey(id, "minute"), limit: perMinute, ttl: time.Minute},
		{scope: "hour", key: counterKey(id, "hour"), limit: perHour, ttl: time.Hour},
		{scope: "day", key: counterKey(id, "day"), limit: perDay, ttl: 24 * time.Hour},
	}
}

// Acquire consumes one send slot, or reports when the next one frees up.
// Store failures deny the send (TransientError): failing open would let a
// store outage blow through WhatsApp's real limits.
func (l *Limiter) Acquire(ctx context.Context, number *tenancy.WhatsAppNumber) (Decision, error) {
	if number.ConnectionType == tenancy.ConnectionQRCode {
		if d, err := l.checkMinDelay(ctx, number); err != nil || !d.Allowed {
			return d, err
		}
	}

	scopes := l.scopesFor(number)
	var acquired []scopeCheck

	for _, sc := range scopes {
		n, err := l.store.Incr(ctx, sc.key, sc.ttl)
		if err != nil {
			l.rollback(ctx, acquired)
			return Decision{}, pkgError.TransientError("rate counter unavailable: " + err.Error())
		}
		acquired = append(acquired, sc)

		if int(n) > sc.limit {
			l.rollback(ctx, acquired)
			retryAfter, ttlErr := l.store.TTL(ctx, sc.key)
			if ttlErr != nil || retryAfter <= 0 {
				retryAfter = sc.ttl
			}
			return Decision{Allowed: false, RetryAfter: retryAfter, Scope: sc.scope}, nil
		}
	}

	if number.ConnectionType == tenancy.ConnectionQRCode {
		if err := l.store.SetStamp(ctx, stampKey(number.ID.String()), l.clock.Now(), time.Minute); err != nil {
			return Decision{}, pkgError.TransientError("rate stamp unavailable: " + err.Error())
		}
	}
	return Decision{Allowed: true}, nil
}

// Release undoes one acquired slot. The dispatcher calls it when a send fails
// before reaching the upstream, so a doomed attempt does not burn quota.
func (l *Limiter) Release(ctx context.Context, number *tenancy.WhatsAppNumber) {
	l.rollback(ctx, l.scopesFor(number))
}

func (l *Limiter) rollback(ctx context.Context, scopes []scopeCheck) {
	for _, sc := range scopes {
		if _, err := l.store.Decr(ctx, sc.key); err != nil {
			// The counter stays one high until its TTL; tolerable by the
			// headroom in the defaults.
			continue
		}
	}
}

func (l *Limiter) checkMinDelay(ctx context.Context, number *tenancy.WhatsAppNumber) (Decision, error) {
	last, ok, err := l.store.GetStamp(ctx, stampKey(number.ID.String()))
	if err != nil {
		return Decision{}, pkgError.TransientError("rate stamp unavailable: " + err.Error())
	}
	if !ok {
		return Decision{Allowed: true}, nil
	}
	elapsed := l.clock.Now().Sub(last)
	if elapsed < l.cfg.QRCodeMinDelay {
		return Decision{Allowed: false, RetryAfter: l.cfg.QRCodeMinDelay - elapsed, Scope: "min_delay"}, nil
	}
	return Decision{Allowed: true}, nil
}

// UsageOf returns the current consumption against each configured ceiling.
func (l *Limiter) UsageOf(ctx context.Context, number *tenancy.WhatsAppNumber) (Usage, error) {
	var usage Usage
	for _, sc := range l.scopesFor(number) {
		n, err := l.store.Get(ctx, sc.key)
		if err != nil {
			return Usage{}, pkgError.TransientError("rate counter unavailable: " + err.Error())
		}
		switch sc.scope {
		case "minute":
			usage.Minute, usage.MinuteLimit = n, sc.limit
		case "hour":
			usage.Hour, usage.HourLimit = n, sc.limit
		case "day":
			usage.Day, usage.DayLimit = n, sc.limit
		}
	}
	return usage, nil
}

func counterKey(numberID, scope string) string {
	return fmt.Sprintf("whatsapp:ratelimit:%s:%s", numberID, scope)
}

func stampKey(numberID string) string {
	return fmt.Sprintf("whatsapp:ratelimit:%s:last", numberID)
}
