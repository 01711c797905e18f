package window

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	convdomain "github.com/xkayo32/pytake-sub001/conversation/domain"
	"github.com/xkayo32/pytake-sub001/core/config"
	pkgError "github.com/xkayo32/pytake-sub001/pkg/error"
	"github.com/xkayo32/pytake-sub001/pkg/timeutils"
	"github.com/xkayo32/pytake-sub001/tenancy"
)

type memWindowRepo struct {
	windows map[uuid.UUID]*convdomain.ConversationWindow
	failAll bool
}

func newMemWindowRepo() *memWindowRepo {
	return &memWindowRepo{windows: make(map[uuid.UUID]*convdomain.ConversationWindow)}
}

func (r *memWindowRepo) GetByConversation(_ context.Context, _ tenancy.TenantCtx, convID uuid.UUID) (*convdomain.ConversationWindow, error) {
	if r.failAll {
		return nil, errors.New("store down")
	}
	w, ok := r.windows[convID]
	if !ok {
		return nil, pkgError.NotFoundError("window not found")
	}
	cp := *w
	return &cp, nil
}

func (r *memWindowRepo) ResetOnInbound(_ context.Context, tc tenancy.TenantCtx, convID uuid.UUID, openedAt, expiresAt time.Time) (*convdomain.ConversationWindow, error) {
	if r.failAll {
		return nil, errors.New("store down")
	}
	w, ok := r.windows[convID]
	if !ok {
		w = &convdomain.ConversationWindow{
			ID:             uuid.New(),
			OrganizationID: tc.OrganizationID,
			ConversationID: convID,
		}
		r.windows[convID] = w
	}
	w.OpenedAt = openedAt
	w.ExpiresAt = expiresAt
	w.Status = convdomain.WindowStatusActive
	w.CloseReason = ""
	w.ExtendedBy = nil
	w.Version++
	cp := *w
	return &cp, nil
}

func (r *memWindowRepo) Extend(_ context.Context, _ tenancy.TenantCtx, convID uuid.UUID, expectVersion int, newExpiry time.Time, adminID uuid.UUID) error {
	w, ok := r.windows[convID]
	if !ok {
		return pkgError.NotFoundError("window not found")
	}
	if w.Version != expectVersion {
		return pkgError.ConflictError("version moved")
	}
	w.ExpiresAt = newExpiry
	w.Status = convdomain.WindowStatusManuallyExtended
	w.CloseReason = ""
	w.ExtendedBy = &adminID
	w.Version++
	return nil
}

func (r *memWindowRepo) CloseExpired(_ context.Context, now time.Time, limit int) ([]*convdomain.ConversationWindow, error) {
	var closed []*convdomain.ConversationWindow
	for _, w := range r.windows {
		if len(closed) >= limit {
			break
		}
		if !w.IsClosed() && !now.Before(w.ExpiresAt) {
			w.Status = convdomain.WindowStatusExpired
			w.CloseReason = convdomain.CloseReasonExpired
			w.Version++
			cp := *w
			closed = append(closed, &cp)
		}
	}
	return closed, nil
}

func (r *memWindowRepo) ListExpiring(_ context.Context, now, until time.Time, limit int) ([]*convdomain.ConversationWindow, error) {
	var expiring []*convdomain.ConversationWindow
	for _, w := range r.windows {
		if len(expiring) >= limit {
			break
		}
		if !w.IsClosed() && w.ExpiresAt.After(now) && !w.ExpiresAt.After(until) {
			cp := *w
			expiring = append(expiring, &cp)
		}
	}
	return expiring, nil
}

type memConvActivity struct {
	lastAt    map[uuid.UUID]time.Time
	expiresAt map[uuid.UUID]time.Time
}

func newMemConvActivity() *memConvActivity {
	return &memConvActivity{lastAt: make(map[uuid.UUID]time.Time), expiresAt: make(map[uuid.UUID]time.Time)}
}

func (r *memConvActivity) GetByID(context.Context, tenancy.TenantCtx, uuid.UUID) (*convdomain.Conversation, error) {
	return nil, pkgError.NotFoundError("not implemented")
}
func (r *memConvActivity) FindActive(context.Context, tenancy.TenantCtx, uuid.UUID, uuid.UUID) (*convdomain.Conversation, error) {
	return nil, pkgError.NotFoundError("not implemented")
}
func (r *memConvActivity) Create(context.Context, tenancy.TenantCtx, *convdomain.Conversation) error {
	return nil
}
func (r *memConvActivity) Update(context.Context, tenancy.TenantCtx, *convdomain.Conversation) error {
	return nil
}
func (r *memConvActivity) UpdateCursor(context.Context, tenancy.TenantCtx, uuid.UUID, int, *uuid.UUID, *string, map[string]any) error {
	return nil
}
func (r *memConvActivity) RecordInboundActivity(_ context.Context, _ tenancy.TenantCtx, convID uuid.UUID, at, windowExpiresAt time.Time) error {
	r.lastAt[convID] = at
	r.expiresAt[convID] = windowExpiresAt
	return nil
}
func (r *memConvActivity) ListInactiveCandidates(context.Context, time.Time, int) ([]*convdomain.Conversation, error) {
	return nil, nil
}

type memAudit struct {
	actions []*convdomain.AdminAction
}

func (r *memAudit) Record(_ context.Context, _ tenancy.TenantCtx, a *convdomain.AdminAction) error {
	r.actions = append(r.actions, a)
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *memWindowRepo, *memConvActivity, *memAudit, *timeutils.FakeClock) {
	t.Helper()
	windows := newMemWindowRepo()
	convs := newMemConvActivity()
	audit := &memAudit{}
	clock := timeutils.NewFakeClock(time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC))
	engine := NewEngine(windows, convs, audit, config.WindowConfig{Duration: 24 * time.Hour}, clock)
	return engine, windows, convs, audit, clock
}

func TestStatusOf_NoInboundYet(t *testing.T) {
	engine, _, _, _, _ := newTestEngine(t)
	tc := tenancy.System(uuid.New())

	status, err := engine.StatusOf(context.Background(), tc, uuid.New())
	require.NoError(t, err)
	assert.False(t, status.Open)
	assert.Nil(t, status.ExpiresAt)
}

func TestResetOnInbound_OpensWindow(t *testing.T) {
	engine, _, convs, _, clock := newTestEngine(t)
	tc := tenancy.System(uuid.New())
	convID := uuid.New()
	ctx := context.Background()

	inboundAt := clock.Now()
	w, err := engine.ResetOnInbound(ctx, tc, convID, inboundAt)
	require.NoError(t, err)
	assert.Equal(t, inboundAt.Add(24*time.Hour), w.ExpiresAt)

	status, err := engine.StatusOf(ctx, tc, convID)
	require.NoError(t, err)
	assert.True(t, status.Open)
	assert.Equal(t, 24*time.Hour, status.Remaining)

	assert.Equal(t, inboundAt, convs.lastAt[convID])
	assert.Equal(t, inboundAt.Add(24*time.Hour), convs.expiresAt[convID])
}

func TestResetOnInbound_SlidesForward(t *testing.T) {
	engine, _, _, _, clock := newTestEngine(t)
	tc := tenancy.System(uuid.New())
	convID := uuid.New()
	ctx := context.Background()

	_, err := engine.ResetOnInbound(ctx, tc, convID, clock.Now())
	require.NoError(t, err)

	clock.Advance(6 * time.Hour)
	second := clock.Now()
	w, err := engine.ResetOnInbound(ctx, tc, convID, second)
	require.NoError(t, err)
	assert.Equal(t, second.Add(24*time.Hour), w.ExpiresAt, "each inbound message slides the window")
}

func TestResetOnInbound_ReopensAfterExpiry(t *testing.T) {
	engine, _, _, _, clock := newTestEngine(t)
	tc := tenancy.System(uuid.New())
	convID := uuid.New()
	ctx := context.Background()

	_, err := engine.ResetOnInbound(ctx, tc, convID, clock.Now())
	require.NoError(t, err)

	clock.Advance(30 * time.Hour)
	status, err := engine.StatusOf(ctx, tc, convID)
	require.NoError(t, err)
	require.False(t, status.Open)

	_, err = engine.ResetOnInbound(ctx, tc, convID, clock.Now())
	require.NoError(t, err)
	status, err = engine.StatusOf(ctx, tc, convID)
	require.NoError(t, err)
	assert.True(t, status.Open, "inbound after expiry reopens the window")
}

func TestStatusOf_ClosedAtExactExpiry(t *testing.T) {
	engine, _, _, _, clock := newTestEngine(t)
	tc := tenancy.System(uuid.New())
	convID := uuid.New()
	ctx := context.Background()

	_, err := engine.ResetOnInbound(ctx, tc, convID, clock.Now())
	require.NoError(t, err)

	clock.Advance(24*time.Hour - time.Second)
	status, err := engine.StatusOf(ctx, tc, convID)
	require.NoError(t, err)
	assert.True(t, status.Open, "one second before expiry is still open")

	clock.Advance(time.Second)
	status, err = engine.StatusOf(ctx, tc, convID)
	require.NoError(t, err)
	assert.False(t, status.Open, "the boundary instant itself is closed")
}

func TestStatusOf_StoreFailureIsNeverOpen(t *testing.T) {
	engine, windows, _, _, _ := newTestEngine(t)
	windows.failAll = true
	tc := tenancy.System(uuid.New())

	_, err := engine.StatusOf(context.Background(), tc, uuid.New())
	require.Error(t, err)
	var transient pkgError.TransientError
	assert.True(t, errors.As(err, &transient))
}

func TestValidate_TemplateBypassesClosedWindow(t *testing.T) {
	engine, _, _, _, _ := newTestEngine(t)
	tc := tenancy.System(uuid.New())
	convID := uuid.New()
	ctx := context.Background()

	freeform := &convdomain.MessageContent{Type: "text", Text: "hi"}
	err := engine.Validate(ctx, tc, convID, freeform)
	require.Error(t, err)
	var closed pkgError.WindowClosedError
	assert.True(t, errors.As(err, &closed))

	template := &convdomain.MessageContent{Type: "template", TemplateName: "order_update", TemplateLanguage: "en"}
	assert.NoError(t, engine.Validate(ctx, tc, convID, template))
}

func TestExtend_MovesExpiryAndAudits(t *testing.T) {
	engine, _, _, audit, clock := newTestEngine(t)
	tc := tenancy.TenantCtx{OrganizationID: uuid.New(), UserID: uuid.New(), Role: "admin"}
	convID := uuid.New()
	adminID := tc.UserID
	ctx := context.Background()

	_, err := engine.ResetOnInbound(ctx, tc, convID, clock.Now())
	require.NoError(t, err)
	opened := clock.Now()

	w, err := engine.Extend(ctx, tc, convID, 2*time.Hour, adminID)
	require.NoError(t, err)
	assert.Equal(t, opened.Add(26*time.Hour), w.ExpiresAt)
	require.NotNil(t, w.ExtendedBy)
	assert.Equal(t, adminID, *w.ExtendedBy)

	require.Len(t, audit.actions, 1)
	assert.Equal(t, "window_extended", audit.actions[0].Action)
	assert.Equal(t, 120, audit.actions[0].Detail["extended_by_minutes"])
}

func TestExtend_ExpiredWindowExtendsFromNow(t *testing.T) {
	engine, _, _, _, clock := newTestEngine(t)
	tc := tenancy.System(uuid.New())
	convID := uuid.New()
	ctx := context.Background()

	_, err := engine.ResetOnInbound(ctx, tc, convID, clock.Now())
	require.NoError(t, err)

	clock.Advance(30 * time.Hour)
	w, err := engine.Extend(ctx, tc, convID, time.Hour, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(time.Hour), w.ExpiresAt, "a lapsed window extends from now, not from its old expiry")
}

func TestExtend_RejectsNonPositive(t *testing.T) {
	engine, _, _, _, _ := newTestEngine(t)
	tc := tenancy.System(uuid.New())

	_, err := engine.Extend(context.Background(), tc, uuid.New(), 0, uuid.New())
	require.Error(t, err)
	var validation pkgError.ValidationError
	assert.True(t, errors.As(err, &validation))
}

func TestCloseExpired_Idempotent(t *testing.T) {
	engine, _, _, _, clock := newTestEngine(t)
	tc := tenancy.System(uuid.New())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := engine.ResetOnInbound(ctx, tc, uuid.New(), clock.Now())
		require.NoError(t, err)
	}

	clock.Advance(25 * time.Hour)
	closed, err := engine.CloseExpired(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, closed, 3)

	again, err := engine.CloseExpired(ctx, 100)
	require.NoError(t, err)
	assert.Empty(t, again, "a second sweep over the same instant closes nothing")
}

func TestCloseExpired_StampsStatusAndReason(t *testing.T) {
	engine, _, _, _, clock := newTestEngine(t)
	tc := tenancy.System(uuid.New())
	convID := uuid.New()
	ctx := context.Background()

	_, err := engine.ResetOnInbound(ctx, tc, convID, clock.Now())
	require.NoError(t, err)

	clock.Advance(25 * time.Hour)
	closed, err := engine.CloseExpired(ctx, 100)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, convdomain.WindowStatusExpired, closed[0].Status)
	assert.Equal(t, "Window expired", closed[0].CloseReason)

	status, err := engine.StatusOf(ctx, tc, convID)
	require.NoError(t, err)
	assert.False(t, status.Open)
	assert.Equal(t, convdomain.WindowStatusExpired, status.State)
	assert.Equal(t, "Window expired", status.CloseReason)
}

func TestStatusOf_LazyExpiryReadsExpiredBeforeSweep(t *testing.T) {
	engine, _, _, _, clock := newTestEngine(t)
	tc := tenancy.System(uuid.New())
	convID := uuid.New()
	ctx := context.Background()

	_, err := engine.ResetOnInbound(ctx, tc, convID, clock.Now())
	require.NoError(t, err)

	// No sweep has run; the row still says active.
	clock.Advance(25 * time.Hour)
	status, err := engine.StatusOf(ctx, tc, convID)
	require.NoError(t, err)
	assert.False(t, status.Open)
	assert.Equal(t, convdomain.WindowStatusExpired, status.State)
}

func TestExtend_MarksManuallyExtendedUntilNextInbound(t *testing.T) {
	engine, _, _, _, clock := newTestEngine(t)
	tc := tenancy.System(uuid.New())
	convID := uuid.New()
	ctx := context.Background()

	_, err := engine.ResetOnInbound(ctx, tc, convID, clock.Now())
	require.NoError(t, err)

	w, err := engine.Extend(ctx, tc, convID, 2*time.Hour, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, convdomain.WindowStatusManuallyExtended, w.Status)

	status, err := engine.StatusOf(ctx, tc, convID)
	require.NoError(t, err)
	assert.True(t, status.Open)
	assert.Equal(t, convdomain.WindowStatusManuallyExtended, status.State)

	// The next inbound message folds the window back to a plain active one.
	clock.Advance(time.Hour)
	w, err = engine.ResetOnInbound(ctx, tc, convID, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, convdomain.WindowStatusActive, w.Status)
}

func TestListExpiring_HorizonOnly(t *testing.T) {
	engine, _, _, _, clock := newTestEngine(t)
	tc := tenancy.System(uuid.New())
	ctx := context.Background()

	soonID := uuid.New()
	_, err := engine.ResetOnInbound(ctx, tc, soonID, clock.Now())
	require.NoError(t, err)

	clock.Advance(12 * time.Hour)
	lateID := uuid.New()
	_, err = engine.ResetOnInbound(ctx, tc, lateID, clock.Now())
	require.NoError(t, err)

	// soonID expires in 12h, lateID in 24h.
	expiring, err := engine.ListExpiring(ctx, 18*time.Hour, 100)
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	assert.Equal(t, soonID, expiring[0].ConversationID)
}
