package window

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	convdomain "github.com/xkayo32/pytake-sub001/conversation/domain"
	"github.com/xkayo32/pytake-sub001/core/config"
	pkgError "github.com/xkayo32/pytake-sub001/pkg/error"
	"github.com/xkayo32/pytake-sub001/pkg/timeutils"
	"github.com/xkayo32/pytake-sub001/tenancy"
)

// Status is the window's answer to "may I send free-form right now". State
// reflects lazy expiry: a window past its expires_at reads expired even
// before the sweeper stamps the row.
type Status struct {
	Open        bool
	State       convdomain.WindowStatus
	CloseReason string
	ExpiresAt   *time.Time
	Remaining   time.Duration
}

// Engine owns every 24-hour-window decision. All reads are authoritative:
// a store failure surfaces as TransientError rather than ever answering
// "open" on a guess.
type Engine struct {
	windows convdomain.WindowRepository
	convs   convdomain.ConversationRepository
	audit   convdomain.AdminActionRepository
	cfg     config.WindowConfig
	clock   timeutils.Clock
}

func NewEngine(windows convdomain.WindowRepository, convs convdomain.ConversationRepository, audit convdomain.AdminActionRepository, cfg config.WindowConfig, clock timeutils.Clock) *Engine {
	return &Engine{windows: windows, convs: convs, audit: audit, cfg: cfg, clock: clock}
}

// StatusOf reports the current window state. Expiry is evaluated lazily
// against the clock; a window past its expiry reads closed even before the
// sweeper marks it.
func (e *Engine) StatusOf(ctx context.Context, tc tenancy.TenantCtx, convID uuid.UUID) (Status, error) {
	w, err := e.windows.GetByConversation(ctx, tc, convID)
	if err != nil {
		var notFound pkgError.NotFoundError
		if errors.As(err, &notFound) {
			// No inbound message yet: no window exists.
			return Status{Open: false, State: convdomain.WindowStatusClosed}, nil
		}
		return Status{}, pkgError.TransientError("window read failed: " + err.Error())
	}

	now := e.clock.Now()
	expiresAt := w.ExpiresAt
	if w.IsClosed() {
		return Status{Open: false, State: w.Status, CloseReason: w.CloseReason, ExpiresAt: &expiresAt}, nil
	}
	if !now.Before(expiresAt) {
		// Past expiry but not yet swept.
		return Status{Open: false, State: convdomain.WindowStatusExpired, CloseReason: convdomain.CloseReasonExpired, ExpiresAt: &expiresAt}, nil
	}
	return Status{Open: true, State: w.Status, ExpiresAt: &expiresAt, Remaining: expiresAt.Sub(now)}, nil
}

// Validate gates one outbound message. Template content always passes; a
// free-form message outside the window fails with WindowClosedError.
func (e *Engine) Validate(ctx context.Context, tc tenancy.TenantCtx, convID uuid.UUID, content *convdomain.MessageContent) error {
	if content.IsTemplate() {
		return nil
	}
	status, err := e.StatusOf(ctx, tc, convID)
	if err != nil {
		return err
	}
	if !status.Open {
		return pkgError.WindowClosedError("24-hour window is closed for free-form content")
	}
	return nil
}

// ResetOnInbound slides the window to inboundAt + duration and stamps the
// conversation's activity columns. Every inbound user message lands here,
// including ones that arrive after expiry: those reopen the window.
func (e *Engine) ResetOnInbound(ctx context.Context, tc tenancy.TenantCtx, convID uuid.UUID, inboundAt time.Time) (*convdomain.ConversationWindow, error) {
	expiresAt := inboundAt.Add(e.cfg.Duration)

	w, err := e.windows.ResetOnInbound(ctx, tc, convID, inboundAt, expiresAt)
	if err != nil {
		return nil, pkgError.TransientError("window reset failed: " + err.Error())
	}
	if err := e.convs.RecordInboundActivity(ctx, tc, convID, inboundAt, expiresAt); err != nil {
		return nil, err
	}
	return w, nil
}

// Extend moves the expiry forward by extra and records the admin action.
// Retries the compare-and-swap a bounded number of times.
func (e *Engine) Extend(ctx context.Context, tc tenancy.TenantCtx, convID uuid.UUID, extra time.Duration, adminID uuid.UUID) (*convdomain.ConversationWindow, error) {
	if extra <= 0 {
		return nil, pkgError.ValidationError("extension must be positive")
	}

	for attempt := 0; attempt < 3; attempt++ {
		w, err := e.windows.GetByConversation(ctx, tc, convID)
		if err != nil {
			return nil, err
		}

		base := w.ExpiresAt
		if now := e.clock.Now(); base.Before(now) {
			base = now
		}
		newExpiry := base.Add(extra)

		err = e.windows.Extend(ctx, tc, convID, w.Version, newExpiry, adminID)
		if err != nil {
			var conflict pkgError.ConflictError
			if errors.As(err, &conflict) {
				continue
			}
			return nil, err
		}

		if err := e.audit.Record(ctx, tc, &convdomain.AdminAction{
			OrganizationID: tc.OrganizationID,
			UserID:         adminID,
			ConversationID: convID,
			Action:         "window_extended",
			Detail: map[string]any{
				"extended_by_minutes": int(extra.Minutes()),
				"new_expiry":          newExpiry.UTC().Format(time.RFC3339),
			},
		}); err != nil {
			logrus.Warnf("[WINDOW] audit write failed for conversation %s: %v", convID, err)
		}

		return e.windows.GetByConversation(ctx, tc, convID)
	}
	return nil, pkgError.ConflictError("window extension kept losing the version race")
}

// CloseExpired marks every lapsed window expired and returns them so the
// caller can apply per-flow expiry actions. Safe to run concurrently.
func (e *Engine) CloseExpired(ctx context.Context, limit int) ([]*convdomain.ConversationWindow, error) {
	return e.windows.CloseExpired(ctx, e.clock.Now(), limit)
}

// ListExpiring returns still-open windows that lapse within the horizon, for
// the pre-expiry warning sweep.
func (e *Engine) ListExpiring(ctx context.Context, within time.Duration, limit int) ([]*convdomain.ConversationWindow, error) {
	now := e.clock.Now()
	return e.windows.ListExpiring(ctx, now, now.Add(within), limit)
}
