package watchdog

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	convdomain "github.com/xkayo32/pytake-sub001/conversation/domain"
	"github.com/xkayo32/pytake-sub001/core/config"
	"github.com/xkayo32/pytake-sub001/dispatcher"
	flowdomain "github.com/xkayo32/pytake-sub001/flowengine/domain"
	pkgError "github.com/xkayo32/pytake-sub001/pkg/error"
	"github.com/xkayo32/pytake-sub001/pkg/timeutils"
	"github.com/xkayo32/pytake-sub001/tenancy"
	"github.com/xkayo32/pytake-sub001/window"
)

type memConvRepo struct {
	convs map[uuid.UUID]*convdomain.Conversation
}

func newMemConvRepo() *memConvRepo {
	return &memConvRepo{convs: make(map[uuid.UUID]*convdomain.Conversation)}
}

func (r *memConvRepo) put(conv *convdomain.Conversation) {
	cp := *conv
	r.convs[conv.ID] = &cp
}

func (r *memConvRepo) GetByID(_ context.Context, _ tenancy.TenantCtx, id uuid.UUID) (*convdomain.Conversation, error) {
	conv, ok := r.convs[id]
	if !ok {
		return nil, pkgError.NotFoundError("conversation not found")
	}
	cp := *conv
	return &cp, nil
}

func (r *memConvRepo) FindActive(context.Context, tenancy.TenantCtx, uuid.UUID, uuid.UUID) (*convdomain.Conversation, error) {
	return nil, pkgError.NotFoundError("not implemented")
}

func (r *memConvRepo) Create(_ context.Context, _ tenancy.TenantCtx, conv *convdomain.Conversation) error {
	r.put(conv)
	return nil
}

func (r *memConvRepo) Update(_ context.Context, _ tenancy.TenantCtx, conv *convdomain.Conversation) error {
	r.put(conv)
	return nil
}

func (r *memConvRepo) UpdateCursor(_ context.Context, _ tenancy.TenantCtx, convID uuid.UUID, expectVersion int, flowID *uuid.UUID, nodeID *string, vars map[string]any) error {
	conv, ok := r.convs[convID]
	if !ok {
		return pkgError.NotFoundError("conversation not found")
	}
	if conv.Version != expectVersion {
		return pkgError.ConflictError("version moved")
	}
	conv.ActiveFlowID = flowID
	conv.CurrentNodeID = nodeID
	conv.ContextVariables = vars
	conv.Version++
	return nil
}

func (r *memConvRepo) RecordInboundActivity(_ context.Context, _ tenancy.TenantCtx, convID uuid.UUID, at, windowExpiresAt time.Time) error {
	if conv, ok := r.convs[convID]; ok {
		conv.LastUserMessageAt = &at
		conv.WindowExpiresAt = &windowExpiresAt
	}
	return nil
}

func (r *memConvRepo) ListInactiveCandidates(_ context.Context, cutoff time.Time, limit int) ([]*convdomain.Conversation, error) {
	var out []*convdomain.Conversation
	for _, conv := range r.convs {
		if len(out) >= limit {
			break
		}
		if !conv.IsBotActive || !conv.InFlow() || conv.Status == convdomain.StatusClosed {
			continue
		}
		if conv.LastUserMessageAt == nil || conv.LastUserMessageAt.After(cutoff) {
			continue
		}
		cp := *conv
		out = append(out, &cp)
	}
	return out, nil
}

type memWindowRepo struct {
	windows map[uuid.UUID]*convdomain.ConversationWindow
}

func newMemWindowRepo() *memWindowRepo {
	return &memWindowRepo{windows: make(map[uuid.UUID]*convdomain.ConversationWindow)}
}

func (r *memWindowRepo) seed(orgID, convID uuid.UUID, expiresAt time.Time) {
	r.windows[convID] = &convdomain.ConversationWindow{
		ID:             uuid.New(),
		OrganizationID: orgID,
		ConversationID: convID,
		OpenedAt:       expiresAt.Add(-24 * time.Hour),
		ExpiresAt:      expiresAt,
		Status:         convdomain.WindowStatusActive,
	}
}

func (r *memWindowRepo) GetByConversation(_ context.Context, _ tenancy.TenantCtx, convID uuid.UUID) (*convdomain.ConversationWindow, error) {
	w, ok := r.windows[convID]
	if !ok {
		return nil, pkgError.NotFoundError("window not found")
	}
	cp := *w
	return &cp, nil
}

func (r *memWindowRepo) ResetOnInbound(_ context.Context, tc tenancy.TenantCtx, convID uuid.UUID, openedAt, expiresAt time.Time) (*convdomain.ConversationWindow, error) {
	r.seed(tc.OrganizationID, convID, expiresAt)
	cp := *r.windows[convID]
	return &cp, nil
}

func (r *memWindowRepo) Extend(context.Context, tenancy.TenantCtx, uuid.UUID, int, time.Time, uuid.UUID) error {
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

type fakeFlowRepo struct {
	flows map[uuid.UUID]*flowdomain.Flow
}

func (r *fakeFlowRepo) GetByID(_ context.Context, _ tenancy.TenantCtx, id uuid.UUID) (*flowdomain.Flow, error) {
	if f, ok := r.flows[id]; ok {
		return f, nil
	}
	return nil, pkgError.NotFoundError("flow not found")
}
func (r *fakeFlowRepo) FindByTrigger(context.Context, tenancy.TenantCtx, string) (*flowdomain.Flow, error) {
	return nil, pkgError.NotFoundError("no trigger match")
}
func (r *fakeFlowRepo) Create(_ context.Context, _ tenancy.TenantCtx, f *flowdomain.Flow) error {
	r.flows[f.ID] = f
	return nil
}
func (r *fakeFlowRepo) Update(_ context.Context, _ tenancy.TenantCtx, f *flowdomain.Flow) error {
	r.flows[f.ID] = f
	return nil
}

type fakeOutbound struct {
	sent []convdomain.MessageContent
}

func (f *fakeOutbound) Enqueue(_ context.Context, _ tenancy.TenantCtx, _ *convdomain.Conversation, content convdomain.MessageContent, _ dispatcher.EnqueueOptions) (*convdomain.Message, error) {
	f.sent = append(f.sent, content)
	return &convdomain.Message{ID: uuid.New(), Content: content}, nil
}

type fakeStarter struct {
	started []uuid.UUID
}

func (f *fakeStarter) StartFlow(_ context.Context, _ tenancy.TenantCtx, _ *convdomain.Conversation, flow *flowdomain.Flow, _ map[string]any) error {
	f.started = append(f.started, flow.ID)
	return nil
}

type fakeQueue struct {
	enqueued []struct {
		ConvID uuid.UUID
		DeptID *uuid.UUID
	}
}

func (f *fakeQueue) Enqueue(_ context.Context, _ tenancy.TenantCtx, convID uuid.UUID, departmentID *uuid.UUID, _ bool) error {
	f.enqueued = append(f.enqueued, struct {
		ConvID uuid.UUID
		DeptID *uuid.UUID
	}{convID, departmentID})
	return nil
}

type nopAudit struct{}

func (nopAudit) Record(context.Context, tenancy.TenantCtx, *convdomain.AdminAction) error { return nil }

type harness struct {
	watchdog *Watchdog
	convs    *memConvRepo
	windows  *memWindowRepo
	flows    *fakeFlowRepo
	outbound *fakeOutbound
	starter  *fakeStarter
	queue    *fakeQueue
	clock    *timeutils.FakeClock
	orgID    uuid.UUID
}

func newHarness(t *testing.T, flows ...*flowdomain.Flow) *harness {
	t.Helper()

	flowRepo := &fakeFlowRepo{flows: make(map[uuid.UUID]*flowdomain.Flow)}
	for _, f := range flows {
		flowRepo.flows[f.ID] = f
	}

	convs := newMemConvRepo()
	windows := newMemWindowRepo()
	clock := timeutils.NewFakeClock(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))
	windowEngine := window.NewEngine(windows, convs, nopAudit{}, config.WindowConfig{Duration: 24 * time.Hour}, clock)

	outbound := &fakeOutbound{}
	starter := &fakeStarter{}
	q := &fakeQueue{}

	wd := New(convs, flowRepo, windowEngine, starter, outbound, q, nil, clock, config.WatchdogConfig{
		Interval:                 5 * time.Minute,
		DefaultInactivityMinutes: 60,
	})

	return &harness{
		watchdog: wd,
		convs:    convs,
		windows:  windows,
		flows:    flowRepo,
		outbound: outbound,
		starter:  starter,
		queue:    q,
		clock:    clock,
		orgID:    uuid.New(),
	}
}

// inFlowConversation seeds a bot-active conversation parked on a question
// node of the given flow, silent for the given duration.
func (h *harness) inFlowConversation(flow *flowdomain.Flow, silentFor time.Duration) *convdomain.Conversation {
	node := "ask"
	last := h.clock.Now().Add(-silentFor)
	conv := &convdomain.Conversation{
		ID:                uuid.New(),
		OrganizationID:    h.orgID,
		ContactID:         uuid.New(),
		WhatsAppNumberID:  uuid.New(),
		Status:            convdomain.StatusOpen,
		IsBotActive:       true,
		ActiveFlowID:      &flow.ID,
		CurrentNodeID:     &node,
		ContextVariables:  map[string]any{},
		LastUserMessageAt: &last,
	}
	h.convs.put(conv)
	return conv
}

func inactivityFlow(orgID uuid.UUID, settings flowdomain.InactivitySettings) *flowdomain.Flow {
	return &flowdomain.Flow{
		ID:             uuid.New(),
		OrganizationID: orgID,
		Name:           "support intake",
		IsActive:       true,
		Inactivity:     settings,
	}
}

func TestSweep_InactivityTransferQueuesOnce(t *testing.T) {
	deptID := uuid.New()
	h := newHarness(t)
	flow := inactivityFlow(h.orgID, flowdomain.InactivitySettings{
		Enabled:            true,
		TimeoutMinutes:     60,
		Action:             "transfer",
		TargetDepartmentID: deptID.String(),
	})
	h.flows.flows[flow.ID] = flow
	conv := h.inFlowConversation(flow, 70*time.Minute)

	h.watchdog.Sweep(context.Background())

	stored, err := h.convs.GetByID(context.Background(), tenancy.System(h.orgID), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, convdomain.StatusPending, stored.Status)
	assert.False(t, stored.IsBotActive)
	assert.False(t, stored.InFlow(), "transfer clears the flow cursor")
	require.NotNil(t, stored.AssignedDepartmentID)
	assert.Equal(t, deptID, *stored.AssignedDepartmentID)

	require.Len(t, h.queue.enqueued, 1, "exactly one queue notification")
	assert.Equal(t, conv.ID, h.queue.enqueued[0].ConvID)
	assert.Equal(t, deptID, *h.queue.enqueued[0].DeptID)

	// The conversation left the candidate set; a second sweep is a no-op.
	h.watchdog.Sweep(context.Background())
	assert.Len(t, h.queue.enqueued, 1)
}

func TestSweep_WarningFiresOncePerSilencePeriod(t *testing.T) {
	h := newHarness(t)
	flow := inactivityFlow(h.orgID, flowdomain.InactivitySettings{
		Enabled:          true,
		TimeoutMinutes:   60,
		WarningAtMinutes: 30,
		WarningMessage:   "Still there? {{remaining_minutes}} minutes left.",
		Action:           "close",
	})
	h.flows.flows[flow.ID] = flow
	conv := h.inFlowConversation(flow, 40*time.Minute)

	h.watchdog.Sweep(context.Background())
	require.Len(t, h.outbound.sent, 1)
	assert.Equal(t, "Still there? 20 minutes left.", h.outbound.sent[0].Text)

	// Same silence period: no second warning.
	h.clock.Advance(5 * time.Minute)
	h.watchdog.Sweep(context.Background())
	assert.Len(t, h.outbound.sent, 1)

	// A new user message re-arms the warning.
	now := h.clock.Now()
	h.convs.convs[conv.ID].LastUserMessageAt = &now
	h.clock.Advance(35 * time.Minute)
	h.watchdog.Sweep(context.Background())
	assert.Len(t, h.outbound.sent, 2)
}

func TestSweep_ReminderIsNotTerminal(t *testing.T) {
	h := newHarness(t)
	flow := inactivityFlow(h.orgID, flowdomain.InactivitySettings{
		Enabled:         true,
		TimeoutMinutes:  60,
		Action:          "send_reminder",
		ReminderMessage: "We are still here when you need us.",
	})
	h.flows.flows[flow.ID] = flow
	conv := h.inFlowConversation(flow, 70*time.Minute)

	h.watchdog.Sweep(context.Background())

	require.Len(t, h.outbound.sent, 1)
	assert.Equal(t, "We are still here when you need us.", h.outbound.sent[0].Text)

	stored, err := h.convs.GetByID(context.Background(), tenancy.System(h.orgID), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, convdomain.StatusOpen, stored.Status, "a reminder never closes the conversation")
	assert.True(t, stored.IsBotActive)
	assert.True(t, stored.InFlow())
	assert.Nil(t, stored.ClosedAt)

	// One reminder per silence period.
	h.clock.Advance(10 * time.Minute)
	h.watchdog.Sweep(context.Background())
	assert.Len(t, h.outbound.sent, 1)
}

func TestSweep_FallbackFlowStartsTarget(t *testing.T) {
	h := newHarness(t)
	fallback := &flowdomain.Flow{ID: uuid.New(), OrganizationID: h.orgID, Name: "re-engage", IsActive: true}
	h.flows.flows[fallback.ID] = fallback

	flow := inactivityFlow(h.orgID, flowdomain.InactivitySettings{
		Enabled:        true,
		TimeoutMinutes: 60,
		Action:         "fallback_flow",
		FallbackFlowID: fallback.ID.String(),
	})
	h.flows.flows[flow.ID] = flow
	conv := h.inFlowConversation(flow, 70*time.Minute)

	h.watchdog.Sweep(context.Background())

	require.Len(t, h.starter.started, 1)
	assert.Equal(t, fallback.ID, h.starter.started[0])

	stored, err := h.convs.GetByID(context.Background(), tenancy.System(h.orgID), conv.ID)
	require.NoError(t, err)
	assert.False(t, stored.InFlow(), "the old cursor is cleared before the fallback starts")
	assert.NotEqual(t, convdomain.StatusClosed, stored.Status)
}

func TestSweep_CloseSendsClosingMessage(t *testing.T) {
	h := newHarness(t)
	flow := inactivityFlow(h.orgID, flowdomain.InactivitySettings{
		Enabled:        true,
		TimeoutMinutes: 60,
		Action:         "close",
		ClosingMessage: "Closing this conversation for now. Write again anytime.",
	})
	h.flows.flows[flow.ID] = flow
	conv := h.inFlowConversation(flow, 70*time.Minute)

	h.watchdog.Sweep(context.Background())

	require.Len(t, h.outbound.sent, 1)
	assert.Equal(t, "Closing this conversation for now. Write again anytime.", h.outbound.sent[0].Text)

	stored, err := h.convs.GetByID(context.Background(), tenancy.System(h.orgID), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, convdomain.StatusClosed, stored.Status)
	assert.False(t, stored.IsBotActive)
	require.NotNil(t, stored.ClosedAt)
}

func TestSweep_WindowWarningTemplateOneShot(t *testing.T) {
	h := newHarness(t)
	flow := inactivityFlow(h.orgID, flowdomain.InactivitySettings{})
	flow.WindowExpiry = flowdomain.WindowExpirySettings{
		WarningAtHours:   2,
		Action:           "wait_customer",
		TemplateName:     "window_closing_soon",
		TemplateLanguage: "pt_BR",
	}
	h.flows.flows[flow.ID] = flow

	conv := h.inFlowConversation(flow, 10*time.Minute)
	h.windows.seed(h.orgID, conv.ID, h.clock.Now().Add(90*time.Minute))

	h.watchdog.Sweep(context.Background())

	require.Len(t, h.outbound.sent, 1)
	assert.Equal(t, "template", h.outbound.sent[0].Type)
	assert.Equal(t, "window_closing_soon", h.outbound.sent[0].TemplateName)

	// Same window expiry: warned once.
	h.clock.Advance(10 * time.Minute)
	h.watchdog.Sweep(context.Background())
	assert.Len(t, h.outbound.sent, 1)
}

func TestSweep_WindowWarningOutsideThresholdSkips(t *testing.T) {
	h := newHarness(t)
	flow := inactivityFlow(h.orgID, flowdomain.InactivitySettings{})
	flow.WindowExpiry = flowdomain.WindowExpirySettings{
		WarningAtHours: 2,
		TemplateName:   "window_closing_soon",
	}
	h.flows.flows[flow.ID] = flow

	conv := h.inFlowConversation(flow, 10*time.Minute)
	// Expires in 5 hours, well outside the 2-hour warning threshold.
	h.windows.seed(h.orgID, conv.ID, h.clock.Now().Add(5*time.Hour))

	h.watchdog.Sweep(context.Background())
	assert.Empty(t, h.outbound.sent)
}

func TestSweep_WindowExpiryTransfer(t *testing.T) {
	deptID := uuid.New()
	h := newHarness(t)
	flow := inactivityFlow(h.orgID, flowdomain.InactivitySettings{})
	flow.WindowExpiry = flowdomain.WindowExpirySettings{
		Action:             "transfer",
		TargetDepartmentID: deptID.String(),
	}
	h.flows.flows[flow.ID] = flow

	conv := h.inFlowConversation(flow, 10*time.Minute)
	h.windows.seed(h.orgID, conv.ID, h.clock.Now().Add(-time.Minute))

	h.watchdog.Sweep(context.Background())

	stored, err := h.convs.GetByID(context.Background(), tenancy.System(h.orgID), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, convdomain.StatusPending, stored.Status)
	assert.False(t, stored.IsBotActive)
	require.Len(t, h.queue.enqueued, 1)
	assert.Equal(t, deptID, *h.queue.enqueued[0].DeptID)
}

func TestSweep_WindowExpiryWaitKeepsCursor(t *testing.T) {
	h := newHarness(t)
	flow := inactivityFlow(h.orgID, flowdomain.InactivitySettings{})
	flow.WindowExpiry = flowdomain.WindowExpirySettings{Action: "wait_customer"}
	h.flows.flows[flow.ID] = flow

	conv := h.inFlowConversation(flow, 10*time.Minute)
	h.windows.seed(h.orgID, conv.ID, h.clock.Now().Add(-time.Minute))

	h.watchdog.Sweep(context.Background())

	stored, err := h.convs.GetByID(context.Background(), tenancy.System(h.orgID), conv.ID)
	require.NoError(t, err)
	assert.True(t, stored.InFlow(), "waiting keeps the cursor for the next inbound message")
	assert.True(t, stored.IsBotActive)
	assert.Equal(t, convdomain.StatusOpen, stored.Status)
}
