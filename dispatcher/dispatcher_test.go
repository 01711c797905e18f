package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	convdomain "github.com/xkayo32/pytake-sub001/conversation/domain"
	"github.com/xkayo32/pytake-sub001/core/config"
	"github.com/xkayo32/pytake-sub001/infrastructure/whatsapp"
	pkgError "github.com/xkayo32/pytake-sub001/pkg/error"
	"github.com/xkayo32/pytake-sub001/pkg/msgworker"
	"github.com/xkayo32/pytake-sub001/pkg/timeutils"
	"github.com/xkayo32/pytake-sub001/ratelimit"
	"github.com/xkayo32/pytake-sub001/tenancy"
	"github.com/xkayo32/pytake-sub001/window"
)

// In-memory repositories.

type memMsgRepo struct {
	mu   sync.Mutex
	msgs map[uuid.UUID]*convdomain.Message
}

func newMemMsgRepo() *memMsgRepo {
	return &memMsgRepo{msgs: make(map[uuid.UUID]*convdomain.Message)}
}

func (r *memMsgRepo) Create(_ context.Context, _ tenancy.TenantCtx, msg *convdomain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *msg
	r.msgs[msg.ID] = &cp
	return nil
}

func (r *memMsgRepo) GetByID(_ context.Context, _ tenancy.TenantCtx, id uuid.UUID) (*convdomain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.msgs[id]
	if !ok {
		return nil, pkgError.NotFoundError("message not found")
	}
	cp := *m
	return &cp, nil
}

func (r *memMsgRepo) Update(_ context.Context, _ tenancy.TenantCtx, msg *convdomain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *msg
	r.msgs[msg.ID] = &cp
	return nil
}

func (r *memMsgRepo) ClaimAttempt(_ context.Context, _ tenancy.TenantCtx, id uuid.UUID, expectAttempts int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.msgs[id]
	if !ok {
		return pkgError.NotFoundError("message not found")
	}
	if m.Status != convdomain.MessageStatusPending || m.Attempts != expectAttempts {
		return pkgError.ConflictError("attempt already claimed")
	}
	m.Attempts++
	return nil
}

func (r *memMsgRepo) ApplyStatusIfForward(_ context.Context, providerMessageID string, status convdomain.MessageStatus, at time.Time) (*convdomain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.msgs {
		if m.ProviderMessageID != providerMessageID {
			continue
		}
		m.ApplyStatus(status, at)
		cp := *m
		return &cp, nil
	}
	return nil, nil
}

func (r *memMsgRepo) ListDue(_ context.Context, now time.Time, limit int) ([]*convdomain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []*convdomain.Message
	for _, m := range r.msgs {
		if len(due) >= limit {
			break
		}
		if m.Status != convdomain.MessageStatusPending {
			continue
		}
		if (m.NextRetryAt != nil && !m.NextRetryAt.After(now)) ||
			(m.ScheduledAt != nil && !m.ScheduledAt.After(now)) {
			cp := *m
			due = append(due, &cp)
		}
	}
	return due, nil
}

func (r *memMsgRepo) get(id uuid.UUID) *convdomain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r.msgs[id]
	return &cp
}

type memConvRepo struct {
	convs map[uuid.UUID]*convdomain.Conversation
}

func (r *memConvRepo) GetByID(_ context.Context, _ tenancy.TenantCtx, id uuid.UUID) (*convdomain.Conversation, error) {
	if c, ok := r.convs[id]; ok {
		return c, nil
	}
	return nil, pkgError.NotFoundError("conversation not found")
}
func (r *memConvRepo) FindActive(context.Context, tenancy.TenantCtx, uuid.UUID, uuid.UUID) (*convdomain.Conversation, error) {
	return nil, pkgError.NotFoundError("not implemented")
}
func (r *memConvRepo) Create(context.Context, tenancy.TenantCtx, *convdomain.Conversation) error {
	return nil
}
func (r *memConvRepo) Update(context.Context, tenancy.TenantCtx, *convdomain.Conversation) error {
	return nil
}
func (r *memConvRepo) UpdateCursor(context.Context, tenancy.TenantCtx, uuid.UUID, int, *uuid.UUID, *string, map[string]any) error {
	return nil
}
func (r *memConvRepo) RecordInboundActivity(context.Context, tenancy.TenantCtx, uuid.UUID, time.Time, time.Time) error {
	return nil
}
func (r *memConvRepo) ListInactiveCandidates(context.Context, time.Time, int) ([]*convdomain.Conversation, error) {
	return nil, nil
}

type memContactRepo struct {
	contacts map[uuid.UUID]*convdomain.Contact
}

func (r *memContactRepo) GetByID(_ context.Context, _ tenancy.TenantCtx, id uuid.UUID) (*convdomain.Contact, error) {
	if c, ok := r.contacts[id]; ok {
		return c, nil
	}
	return nil, pkgError.NotFoundError("contact not found")
}
func (r *memContactRepo) GetOrCreateByPhone(context.Context, tenancy.TenantCtx, string, string) (*convdomain.Contact, error) {
	return nil, pkgError.NotFoundError("not implemented")
}
func (r *memContactRepo) SetBlocked(context.Context, tenancy.TenantCtx, uuid.UUID, bool) error {
	return nil
}

type memNumberRepo struct {
	numbers map[uuid.UUID]*tenancy.WhatsAppNumber
}

func (r *memNumberRepo) Create(_ context.Context, _ tenancy.TenantCtx, n *tenancy.WhatsAppNumber) error {
	r.numbers[n.ID] = n
	return nil
}
func (r *memNumberRepo) GetByID(_ context.Context, _ tenancy.TenantCtx, id uuid.UUID) (*tenancy.WhatsAppNumber, error) {
	if n, ok := r.numbers[id]; ok {
		return n, nil
	}
	return nil, pkgError.NotFoundError("number not found")
}
func (r *memNumberRepo) GetByPhoneNumberID(context.Context, string) (*tenancy.WhatsAppNumber, error) {
	return nil, pkgError.NotFoundError("not implemented")
}
func (r *memNumberRepo) GetByEvolutionInstance(context.Context, string) (*tenancy.WhatsAppNumber, error) {
	return nil, pkgError.NotFoundError("not implemented")
}
func (r *memNumberRepo) SetQualityRating(context.Context, tenancy.TenantCtx, uuid.UUID, tenancy.QualityRating) error {
	return nil
}
func (r *memNumberRepo) SetRateOverrides(context.Context, tenancy.TenantCtx, uuid.UUID, *tenancy.RateOverrides) error {
	return nil
}

type memWindowRepo struct {
	windows map[uuid.UUID]*convdomain.ConversationWindow
}

func (r *memWindowRepo) GetByConversation(_ context.Context, _ tenancy.TenantCtx, convID uuid.UUID) (*convdomain.ConversationWindow, error) {
	if w, ok := r.windows[convID]; ok {
		return w, nil
	}
	return nil, pkgError.NotFoundError("window not found")
}
func (r *memWindowRepo) ResetOnInbound(_ context.Context, tc tenancy.TenantCtx, convID uuid.UUID, openedAt, expiresAt time.Time) (*convdomain.ConversationWindow, error) {
	w := &convdomain.ConversationWindow{
		ID: uuid.New(), OrganizationID: tc.OrganizationID, ConversationID: convID,
		OpenedAt: openedAt, ExpiresAt: expiresAt, Status: convdomain.WindowStatusActive, Version: 1,
	}
	r.windows[convID] = w
	return w, nil
}
func (r *memWindowRepo) Extend(context.Context, tenancy.TenantCtx, uuid.UUID, int, time.Time, uuid.UUID) error {
	return nil
}
func (r *memWindowRepo) CloseExpired(context.Context, time.Time, int) ([]*convdomain.ConversationWindow, error) {
	return nil, nil
}
func (r *memWindowRepo) ListExpiring(context.Context, time.Time, time.Time, int) ([]*convdomain.ConversationWindow, error) {
	return nil, nil
}

type memAuditRepo struct{}

func (memAuditRepo) Record(context.Context, tenancy.TenantCtx, *convdomain.AdminAction) error {
	return nil
}

// Test harness.

type harness struct {
	disp    *Dispatcher
	msgs    *memMsgRepo
	clock   *timeutils.FakeClock
	tc      tenancy.TenantCtx
	conv    *convdomain.Conversation
	number  *tenancy.WhatsAppNumber
	limiter *ratelimit.Limiter
}

type harnessOpts struct {
	serverURL  string
	rateCfg    config.RateLimitConfig
	rateStore  ratelimit.CounterStore
	windowOpen bool
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()

	clock := timeutils.NewFakeClock(time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC))
	orgID := uuid.New()
	tc := tenancy.System(orgID)

	contact := &convdomain.Contact{ID: uuid.New(), OrganizationID: orgID, Phone: "5511999990000"}
	number := &tenancy.WhatsAppNumber{
		ID: uuid.New(), OrganizationID: orgID,
		ConnectionType: tenancy.ConnectionOfficial,
		PhoneNumberID:  "1234567890", AccessToken: "token", AppSecret: "secret",
	}
	conv := &convdomain.Conversation{
		ID: uuid.New(), OrganizationID: orgID,
		ContactID: contact.ID, WhatsAppNumberID: number.ID,
		Status: convdomain.StatusOpen, IsBotActive: true,
	}

	msgs := newMemMsgRepo()
	convs := &memConvRepo{convs: map[uuid.UUID]*convdomain.Conversation{conv.ID: conv}}
	contacts := &memContactRepo{contacts: map[uuid.UUID]*convdomain.Contact{contact.ID: contact}}
	numbers := &memNumberRepo{numbers: map[uuid.UUID]*tenancy.WhatsAppNumber{number.ID: number}}

	windows := &memWindowRepo{windows: make(map[uuid.UUID]*convdomain.ConversationWindow)}
	windowEngine := window.NewEngine(windows, convs, memAuditRepo{}, config.WindowConfig{Duration: 24 * time.Hour}, clock)
	if opts.windowOpen {
		_, err := windowEngine.ResetOnInbound(context.Background(), tc, conv.ID, clock.Now())
		require.NoError(t, err)
	}

	rateCfg := opts.rateCfg
	if rateCfg.OfficialPerMinute == 0 {
		rateCfg = config.RateLimitConfig{
			OfficialPerMinute: 20, OfficialPerHour: 100, OfficialPerDay: 500,
			QRCodePerHour: 1000, QRCodeMinDelay: 500 * time.Millisecond,
			InlineWaitMax: 5 * time.Minute,
		}
	}
	store := opts.rateStore
	if store == nil {
		store = ratelimit.NewMemoryStore(clock)
	}
	limiter := ratelimit.NewLimiter(store, rateCfg, clock)

	adapters := &whatsapp.AdapterResolver{
		Official: whatsapp.NewCloudAPIClientWithBase(opts.serverURL),
		QRCode:   whatsapp.NewEvolutionClient(opts.serverURL),
	}

	pool := msgworker.NewPool(2, 50)

	disp := New(msgs, convs, contacts, numbers, windowEngine, limiter, adapters, pool, clock,
		config.RetryConfig{BaseDelay: 60 * time.Second, MaxDelay: 3600 * time.Second, MaxAttempts: 3},
		rateCfg)

	return &harness{disp: disp, msgs: msgs, clock: clock, tc: tc, conv: conv, number: number, limiter: limiter}
}

func cloudAPIStub(t *testing.T, status int, providerID string, hits *int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			*hits++
		}
		w.WriteHeader(status)
		if status < 300 {
			json.NewEncoder(w).Encode(map[string]any{
				"messages": []map[string]string{{"id": providerID}},
			})
		}
	}))
}

func textContent(body string) convdomain.MessageContent {
	return convdomain.MessageContent{SchemaVersion: convdomain.ContentSchemaVersion, Type: "text", Text: body}
}

func TestDeliver_SuccessMarksSent(t *testing.T) {
	srv := cloudAPIStub(t, http.StatusOK, "wamid.abc", nil)
	defer srv.Close()
	h := newHarness(t, harnessOpts{serverURL: srv.URL, windowOpen: true})
	ctx := context.Background()

	msg, err := h.disp.Enqueue(ctx, h.tc, h.conv, textContent("hello"), EnqueueOptions{})
	require.NoError(t, err)

	require.NoError(t, h.disp.Deliver(ctx, h.tc, msg.ID))

	stored := h.msgs.get(msg.ID)
	assert.Equal(t, convdomain.MessageStatusSent, stored.Status)
	assert.Equal(t, "wamid.abc", stored.ProviderMessageID)
	assert.Equal(t, 1, stored.Attempts)
	require.NotNil(t, stored.SentAt)
}

func TestDeliver_TemplateRefusedOnDegradedNumber(t *testing.T) {
	hits := 0
	srv := cloudAPIStub(t, http.StatusOK, "wamid.q", &hits)
	defer srv.Close()
	h := newHarness(t, harnessOpts{serverURL: srv.URL, windowOpen: false})
	h.number.QualityRating = tenancy.QualityRed
	ctx := context.Background()

	content := convdomain.MessageContent{
		SchemaVersion: convdomain.ContentSchemaVersion,
		Type:          "template", TemplateName: "promo", TemplateLanguage: "pt_BR",
	}
	msg, err := h.disp.Enqueue(ctx, h.tc, h.conv, content, EnqueueOptions{})
	require.NoError(t, err)

	require.NoError(t, h.disp.Deliver(ctx, h.tc, msg.ID))

	stored := h.msgs.get(msg.ID)
	assert.Equal(t, convdomain.MessageStatusFailed, stored.Status)
	assert.Contains(t, stored.LastError, "quality")
	assert.Zero(t, hits, "degraded number must not reach the provider")
}

func TestEnqueue_ClosedConversationRefused(t *testing.T) {
	h := newHarness(t, harnessOpts{serverURL: "http://invalid", windowOpen: true})
	h.conv.Status = convdomain.StatusClosed

	_, err := h.disp.Enqueue(context.Background(), h.tc, h.conv, textContent("hi"), EnqueueOptions{})
	require.Error(t, err)
	var notDispatchable pkgError.ConversationNotDispatchableError
	assert.True(t, errors.As(err, &notDispatchable))
}

func TestEnqueue_FreeFormOutsideWindowRefused(t *testing.T) {
	h := newHarness(t, harnessOpts{serverURL: "http://invalid", windowOpen: false})

	_, err := h.disp.Enqueue(context.Background(), h.tc, h.conv, textContent("hi"), EnqueueOptions{})
	require.Error(t, err)
	var closed pkgError.WindowClosedError
	assert.True(t, errors.As(err, &closed))
}

func TestEnqueue_TemplatePassesClosedWindow(t *testing.T) {
	srv := cloudAPIStub(t, http.StatusOK, "wamid.tpl", nil)
	defer srv.Close()
	h := newHarness(t, harnessOpts{serverURL: srv.URL, windowOpen: false})
	ctx := context.Background()

	content := convdomain.MessageContent{
		SchemaVersion: convdomain.ContentSchemaVersion,
		Type:          "template", TemplateName: "order_update", TemplateLanguage: "en",
	}
	msg, err := h.disp.Enqueue(ctx, h.tc, h.conv, content, EnqueueOptions{})
	require.NoError(t, err)

	require.NoError(t, h.disp.Deliver(ctx, h.tc, msg.ID))
	assert.Equal(t, convdomain.MessageStatusSent, h.msgs.get(msg.ID).Status)
}

func TestDeliver_WindowLapsedBetweenEnqueueAndSend(t *testing.T) {
	srv := cloudAPIStub(t, http.StatusOK, "wamid.x", nil)
	defer srv.Close()
	h := newHarness(t, harnessOpts{serverURL: srv.URL, windowOpen: true})
	ctx := context.Background()

	msg, err := h.disp.Enqueue(ctx, h.tc, h.conv, textContent("hi"), EnqueueOptions{})
	require.NoError(t, err)

	h.clock.Advance(25 * time.Hour)
	require.NoError(t, h.disp.Deliver(ctx, h.tc, msg.ID))

	stored := h.msgs.get(msg.ID)
	assert.Equal(t, convdomain.MessageStatusFailed, stored.Status)
	assert.Contains(t, stored.LastError, "window")
}

func TestDeliver_PermanentUpstreamErrorFailsImmediately(t *testing.T) {
	hits := 0
	srv := cloudAPIStub(t, http.StatusBadRequest, "", &hits)
	defer srv.Close()
	h := newHarness(t, harnessOpts{serverURL: srv.URL, windowOpen: true})
	ctx := context.Background()

	msg, err := h.disp.Enqueue(ctx, h.tc, h.conv, textContent("hi"), EnqueueOptions{})
	require.NoError(t, err)
	require.NoError(t, h.disp.Deliver(ctx, h.tc, msg.ID))

	stored := h.msgs.get(msg.ID)
	assert.Equal(t, convdomain.MessageStatusFailed, stored.Status)
	assert.Equal(t, 1, hits, "permanent rejection must not retry")
	require.NotNil(t, stored.FailedAt)
}

func TestDeliver_TransientErrorSchedulesRetry(t *testing.T) {
	srv := cloudAPIStub(t, http.StatusServiceUnavailable, "", nil)
	defer srv.Close()
	h := newHarness(t, harnessOpts{serverURL: srv.URL, windowOpen: true})
	ctx := context.Background()

	msg, err := h.disp.Enqueue(ctx, h.tc, h.conv, textContent("hi"), EnqueueOptions{})
	require.NoError(t, err)
	require.NoError(t, h.disp.Deliver(ctx, h.tc, msg.ID))

	stored := h.msgs.get(msg.ID)
	assert.Equal(t, convdomain.MessageStatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	require.NotNil(t, stored.NextRetryAt)

	// First retry delay: base 60s with ±20% jitter.
	delay := stored.NextRetryAt.Sub(h.clock.Now())
	assert.GreaterOrEqual(t, delay, 48*time.Second)
	assert.LessOrEqual(t, delay, 72*time.Second)
}

func TestDeliver_RetriesExhaustedFails(t *testing.T) {
	srv := cloudAPIStub(t, http.StatusServiceUnavailable, "", nil)
	defer srv.Close()
	h := newHarness(t, harnessOpts{serverURL: srv.URL, windowOpen: true})
	ctx := context.Background()

	msg, err := h.disp.Enqueue(ctx, h.tc, h.conv, textContent("hi"), EnqueueOptions{})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, h.disp.Deliver(ctx, h.tc, msg.ID))
		h.clock.Advance(2 * time.Hour)
	}

	stored := h.msgs.get(msg.ID)
	assert.Equal(t, convdomain.MessageStatusFailed, stored.Status)
	assert.Equal(t, 3, stored.Attempts)
}

func TestDeliver_RateLimitShortWaitIsAbsorbedInline(t *testing.T) {
	srv := cloudAPIStub(t, http.StatusOK, "wamid.r", nil)
	defer srv.Close()
	h := newHarness(t, harnessOpts{
		serverURL: srv.URL,
		rateCfg: config.RateLimitConfig{
			OfficialPerMinute: 1, OfficialPerHour: 100, OfficialPerDay: 500,
			InlineWaitMax: 5 * time.Minute,
		},
		windowOpen: true,
	})
	ctx := context.Background()

	first, err := h.disp.Enqueue(ctx, h.tc, h.conv, textContent("one"), EnqueueOptions{})
	require.NoError(t, err)
	require.NoError(t, h.disp.Deliver(ctx, h.tc, first.ID))

	second, err := h.disp.Enqueue(ctx, h.tc, h.conv, textContent("two"), EnqueueOptions{})
	require.NoError(t, err)
	require.NoError(t, h.disp.Deliver(ctx, h.tc, second.ID))

	assert.Equal(t, convdomain.MessageStatusSent, h.msgs.get(second.ID).Status,
		"a sub-minute wait is absorbed by the fake clock and the send retried inline")
	assert.NotEmpty(t, h.clock.SleepCalls)
}

// saturatedStore reports every counter over its ceiling with a short TTL,
// so Acquire always blocks with a sub-InlineWaitMax retry hint.
type saturatedStore struct {
	retryAfter time.Duration
}

func (s *saturatedStore) Incr(context.Context, string, time.Duration) (int64, error) {
	return 1 << 20, nil
}
func (s *saturatedStore) Decr(context.Context, string) (int64, error) { return 0, nil }
func (s *saturatedStore) Get(context.Context, string) (int64, error)  { return 1 << 20, nil }
func (s *saturatedStore) TTL(context.Context, string) (time.Duration, error) {
	return s.retryAfter, nil
}
func (s *saturatedStore) SetStamp(context.Context, string, time.Time, time.Duration) error {
	return nil
}
func (s *saturatedStore) GetStamp(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

func TestDeliver_SustainedRateLimitDefersAfterBoundedWaits(t *testing.T) {
	hits := 0
	srv := cloudAPIStub(t, http.StatusOK, "wamid.capped", &hits)
	defer srv.Close()
	h := newHarness(t, harnessOpts{
		serverURL:  srv.URL,
		rateStore:  &saturatedStore{retryAfter: 10 * time.Second},
		windowOpen: true,
	})
	ctx := context.Background()

	msg, err := h.disp.Enqueue(ctx, h.tc, h.conv, textContent("hi"), EnqueueOptions{})
	require.NoError(t, err)
	require.NoError(t, h.disp.Deliver(ctx, h.tc, msg.ID))

	// The limiter never frees up: a few inline waits, then hand off to the
	// retry sweep rather than spinning forever.
	assert.Len(t, h.clock.SleepCalls, maxInlineWaits)
	assert.Zero(t, hits)

	stored := h.msgs.get(msg.ID)
	assert.Equal(t, convdomain.MessageStatusPending, stored.Status)
	assert.Equal(t, 0, stored.Attempts)
	require.NotNil(t, stored.NextRetryAt)
	assert.Equal(t, h.clock.Now().Add(10*time.Second), *stored.NextRetryAt)
}

func TestDeliver_SkipsNonPending(t *testing.T) {
	hits := 0
	srv := cloudAPIStub(t, http.StatusOK, "wamid.s", &hits)
	defer srv.Close()
	h := newHarness(t, harnessOpts{serverURL: srv.URL, windowOpen: true})
	ctx := context.Background()

	msg, err := h.disp.Enqueue(ctx, h.tc, h.conv, textContent("hi"), EnqueueOptions{})
	require.NoError(t, err)
	require.NoError(t, h.disp.Deliver(ctx, h.tc, msg.ID))
	require.NoError(t, h.disp.Deliver(ctx, h.tc, msg.ID))

	assert.Equal(t, 1, hits, "an already-sent message must not be sent again")
}

func TestEnqueue_ScheduledMessageWaitsForSweep(t *testing.T) {
	hits := 0
	srv := cloudAPIStub(t, http.StatusOK, "wamid.sched", &hits)
	defer srv.Close()
	h := newHarness(t, harnessOpts{serverURL: srv.URL, windowOpen: true})
	ctx := context.Background()

	at := h.clock.Now().Add(2 * time.Hour)
	msg, err := h.disp.Enqueue(ctx, h.tc, h.conv, textContent("later"), EnqueueOptions{ScheduledAt: at})
	require.NoError(t, err)
	require.NotNil(t, h.msgs.get(msg.ID).ScheduledAt)
	assert.Equal(t, 0, hits, "scheduled messages are not dispatched immediately")

	due, err := h.msgs.ListDue(ctx, at, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, msg.ID, due[0].ID)
}

func TestApplyStatusCallback_ForwardOnly(t *testing.T) {
	srv := cloudAPIStub(t, http.StatusOK, "wamid.cb", nil)
	defer srv.Close()
	h := newHarness(t, harnessOpts{serverURL: srv.URL, windowOpen: true})
	ctx := context.Background()

	msg, err := h.disp.Enqueue(ctx, h.tc, h.conv, textContent("hi"), EnqueueOptions{})
	require.NoError(t, err)
	require.NoError(t, h.disp.Deliver(ctx, h.tc, msg.ID))

	now := h.clock.Now()
	require.NoError(t, h.disp.ApplyStatusCallback(ctx, "wamid.cb", convdomain.MessageStatusRead, now))
	assert.Equal(t, convdomain.MessageStatusRead, h.msgs.get(msg.ID).Status)

	// A late "delivered" callback must not regress the read status.
	require.NoError(t, h.disp.ApplyStatusCallback(ctx, "wamid.cb", convdomain.MessageStatusDelivered, now))
	assert.Equal(t, convdomain.MessageStatusRead, h.msgs.get(msg.ID).Status)

	// Unknown provider ids are absorbed silently.
	require.NoError(t, h.disp.ApplyStatusCallback(ctx, "wamid.unknown", convdomain.MessageStatusDelivered, now))
}

func TestApplyStatusCallback_ReadBeforeDeliveredBackfills(t *testing.T) {
	srv := cloudAPIStub(t, http.StatusOK, "wamid.skip", nil)
	defer srv.Close()
	h := newHarness(t, harnessOpts{serverURL: srv.URL, windowOpen: true})
	ctx := context.Background()

	msg, err := h.disp.Enqueue(ctx, h.tc, h.conv, textContent("hi"), EnqueueOptions{})
	require.NoError(t, err)
	require.NoError(t, h.disp.Deliver(ctx, h.tc, msg.ID))

	// The "delivered" callback never arrives; the "read" one fills the gap.
	at := h.clock.Now().Add(time.Minute)
	require.NoError(t, h.disp.ApplyStatusCallback(ctx, "wamid.skip", convdomain.MessageStatusRead, at))

	stored := h.msgs.get(msg.ID)
	assert.Equal(t, convdomain.MessageStatusRead, stored.Status)
	require.NotNil(t, stored.ReadAt)
	require.NotNil(t, stored.DeliveredAt, "a skipped delivered callback still stamps delivered_at")
	assert.Equal(t, at, *stored.ReadAt)
	assert.Equal(t, at, *stored.DeliveredAt)
}

func TestBackoff_BoundsAndCap(t *testing.T) {
	h := newHarness(t, harnessOpts{serverURL: "http://invalid"})

	for attempts, base := range map[int]time.Duration{
		1: 60 * time.Second,
		2: 120 * time.Second,
		3: 240 * time.Second,
	} {
		for i := 0; i < 50; i++ {
			d := h.disp.backoff(attempts)
			assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.8), "attempts=%d", attempts)
			assert.LessOrEqual(t, d, time.Duration(float64(base)*1.2), "attempts=%d", attempts)
		}
	}

	// Far past the cap: 60s * 2^19 >> 3600s.
	for i := 0; i < 50; i++ {
		d := h.disp.backoff(20)
		assert.LessOrEqual(t, d, time.Duration(float64(3600*time.Second)*1.2))
		assert.GreaterOrEqual(t, d, time.Duration(float64(3600*time.Second)*0.8))
	}
}

func TestCanTransition_Monotonic(t *testing.T) {
	assert.True(t, convdomain.CanTransition(convdomain.MessageStatusPending, convdomain.MessageStatusSent))
	assert.True(t, convdomain.CanTransition(convdomain.MessageStatusSent, convdomain.MessageStatusRead))
	assert.False(t, convdomain.CanTransition(convdomain.MessageStatusRead, convdomain.MessageStatusDelivered))
	assert.False(t, convdomain.CanTransition(convdomain.MessageStatusFailed, convdomain.MessageStatusSent))
	assert.True(t, convdomain.CanTransition(convdomain.MessageStatusSent, convdomain.MessageStatusFailed))
}
