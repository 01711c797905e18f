package dispatcher

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

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

// maxInlineWaits caps how many short rate stalls one Deliver call absorbs
// before deferring to the scheduler sweep.
const maxInlineWaits = 3

// Dispatcher owns every outbound delivery: persistence of the intent, window
// and rate gates, the upstream send, retries, and status callbacks. Messages
// for the same conversation always leave in creation order because the
// worker pool shards by conversation.
type Dispatcher struct {
	msgs     convdomain.MessageRepository
	convs    convdomain.ConversationRepository
	contacts convdomain.ContactRepository
	numbers  tenancy.NumberRepository
	window   *window.Engine
	limiter  *ratelimit.Limiter
	adapters *whatsapp.AdapterResolver
	pool     *msgworker.Pool
	clock    timeutils.Clock

	retryCfg config.RetryConfig
	rateCfg  config.RateLimitConfig

	breakers map[tenancy.ConnectionType]*gobreaker.CircuitBreaker
	rand     *rand.Rand
}

func New(
	msgs convdomain.MessageRepository,
	convs convdomain.ConversationRepository,
	contacts convdomain.ContactRepository,
	numbers tenancy.NumberRepository,
	windowEngine *window.Engine,
	limiter *ratelimit.Limiter,
	adapters *whatsapp.AdapterResolver,
	pool *msgworker.Pool,
	clock timeutils.Clock,
	retryCfg config.RetryConfig,
	rateCfg config.RateLimitConfig,
) *Dispatcher {
	breakers := make(map[tenancy.ConnectionType]*gobreaker.CircuitBreaker)
	for _, ct := range []tenancy.ConnectionType{tenancy.ConnectionOfficial, tenancy.ConnectionQRCode} {
		breakers[ct] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "whatsapp-" + string(ct),
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logrus.Warnf("[DISPATCHER] breaker %s: %s -> %s", name, from, to)
			},
		})
	}
	return &Dispatcher{
		msgs:     msgs,
		convs:    convs,
		contacts: contacts,
		numbers:  numbers,
		window:   windowEngine,
		limiter:  limiter,
		adapters: adapters,
		pool:     pool,
		clock:    clock,
		retryCfg: retryCfg,
		rateCfg:  rateCfg,
		breakers: breakers,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// EnqueueOptions tune one enqueue.
type EnqueueOptions struct {
	// ScheduledAt defers the first attempt; zero means immediately.
	ScheduledAt time.Time
}

// Enqueue validates and persists one outbound message, then hands it to the
// sharded pool. The message row exists before any send is attempted, so a
// crash between the two leaves a pending row the scheduler picks up.
func (d *Dispatcher) Enqueue(ctx context.Context, tc tenancy.TenantCtx, conv *convdomain.Conversation, content convdomain.MessageContent, opts EnqueueOptions) (*convdomain.Message, error) {
	if !conv.Dispatchable() {
		return nil, pkgError.ConversationNotDispatchableError("conversation is closed")
	}

	contact, err := d.contacts.GetByID(ctx, tc, conv.ContactID)
	if err != nil {
		return nil, err
	}
	if contact.IsBlocked {
		return nil, pkgError.ConversationNotDispatchableError("contact is blocked")
	}

	if err := d.window.Validate(ctx, tc, conv.ID, &content); err != nil {
		return nil, err
	}

	now := d.clock.Now()
	msg := &convdomain.Message{
		ID:             uuid.New(),
		OrganizationID: tc.OrganizationID,
		ConversationID: conv.ID,
		Direction:      convdomain.DirectionOutbound,
		Status:         convdomain.MessageStatusPending,
		Content:        content,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if !opts.ScheduledAt.IsZero() && opts.ScheduledAt.After(now) {
		at := opts.ScheduledAt
		msg.ScheduledAt = &at
	}

	if err := d.msgs.Create(ctx, tc, msg); err != nil {
		return nil, err
	}

	if msg.ScheduledAt == nil {
		d.dispatchAsync(tc, conv.ID, msg.ID)
	}
	return msg, nil
}

// EnqueueFlowMessage lets the flow engine emit messages without knowing the
// dispatch machinery.
func (d *Dispatcher) EnqueueFlowMessage(ctx context.Context, tc tenancy.TenantCtx, conv *convdomain.Conversation, content convdomain.MessageContent) error {
	_, err := d.Enqueue(ctx, tc, conv, content, EnqueueOptions{})
	return err
}

func (d *Dispatcher) dispatchAsync(tc tenancy.TenantCtx, convID, msgID uuid.UUID) {
	ok := d.pool.TryDispatch(msgworker.Job{
		OrganizationID:  tc.OrganizationID.String(),
		ConversationKey: convID.String(),
		Handler: func(ctx context.Context) error {
			return d.Deliver(ctx, tc, msgID)
		},
	})
	if !ok {
		// The scheduler sweep finds the pending row later.
		logrus.Warnf("[DISPATCHER] pool saturated, deferring message %s to sweep", msgID)
	}
}

// Deliver attempts one delivery of a pending message. Every exit path leaves
// the message row in a consistent state: sent, failed, or pending with a
// retry time.
func (d *Dispatcher) Deliver(ctx context.Context, tc tenancy.TenantCtx, msgID uuid.UUID) error {
	msg, err := d.msgs.GetByID(ctx, tc, msgID)
	if err != nil {
		return err
	}
	if msg.Status != convdomain.MessageStatusPending {
		return nil
	}

	conv, err := d.convs.GetByID(ctx, tc, msg.ConversationID)
	if err != nil {
		return err
	}
	number, err := d.numbers.GetByID(ctx, tc, conv.WhatsAppNumberID)
	if err != nil {
		return err
	}

	// Template blasts on a degraded number make Meta degrade it further.
	if msg.Content.Type == "template" &&
		(number.QualityRating == tenancy.QualityRed || number.QualityRating == tenancy.QualityFlagged) {
		return d.markFailed(ctx, tc, msg, "quality_gate",
			"template sends suspended: number quality is "+string(number.QualityRating))
	}

	// Re-check the window at send time: it may have lapsed while the message
	// sat behind a rate deferral.
	if err := d.window.Validate(ctx, tc, conv.ID, &msg.Content); err != nil {
		var closed pkgError.WindowClosedError
		if errors.As(err, &closed) {
			return d.markFailed(ctx, tc, msg, "window_closed", err.Error())
		}
		return err
	}

	// Short rate stalls are waited out inline, but only a bounded number of
	// times; a contended limiter hands the message back to the retry sweep
	// instead of pinning a pool worker.
	var decision ratelimit.Decision
	for waits := 0; ; waits++ {
		decision, err = d.limiter.Acquire(ctx, number)
		if err != nil {
			return d.deferRetry(ctx, tc, msg, d.retryCfg.BaseDelay, "rate store unavailable")
		}
		if decision.Allowed {
			break
		}
		rateLimitedTotal.WithLabelValues(decision.Scope).Inc()
		if decision.RetryAfter > d.rateCfg.InlineWaitMax || waits >= maxInlineWaits {
			return d.deferRetry(ctx, tc, msg, decision.RetryAfter, "rate limited: "+decision.Scope)
		}
		if err := d.clock.Sleep(ctx, decision.RetryAfter); err != nil {
			return err
		}
	}

	// Claim the attempt only after the slot is ours; a lost claim returns the
	// slot so a parallel claimer is not double-charged.
	if err := d.msgs.ClaimAttempt(ctx, tc, msg.ID, msg.Attempts); err != nil {
		d.limiter.Release(ctx, number)
		var conflict pkgError.ConflictError
		if errors.As(err, &conflict) {
			return nil
		}
		return err
	}
	msg.Attempts++

	contact, err := d.contacts.GetByID(ctx, tc, conv.ContactID)
	if err != nil {
		return err
	}

	outbound, err := toOutbound(contact.Phone, msg.Content)
	if err != nil {
		d.limiter.Release(ctx, number)
		return d.markFailed(ctx, tc, msg, "invalid_content", err.Error())
	}

	adapter := d.adapters.ForNumber(number)
	breaker := d.breakers[number.ConnectionType]

	start := d.clock.Now()
	result, err := breaker.Execute(func() (any, error) {
		return adapter.Send(ctx, number, outbound)
	})
	sendDuration.WithLabelValues(string(number.ConnectionType)).Observe(d.clock.Now().Sub(start).Seconds())

	if err != nil {
		d.limiter.Release(ctx, number)
		return d.handleSendError(ctx, tc, msg, err)
	}

	sent := result.(*whatsapp.SendResult)
	now := d.clock.Now()
	msg.Status = convdomain.MessageStatusSent
	msg.ProviderMessageID = sent.ProviderMessageID
	msg.SentAt = &now
	msg.NextRetryAt = nil
	msg.LastError = ""
	if err := d.msgs.Update(ctx, tc, msg); err != nil {
		return err
	}

	sentTotal.WithLabelValues(string(number.ConnectionType)).Inc()
	return nil
}

func (d *Dispatcher) handleSendError(ctx context.Context, tc tenancy.TenantCtx, msg *convdomain.Message, sendErr error) error {
	var permanent pkgError.UpstreamPermanentError
	if errors.As(sendErr, &permanent) {
		return d.markFailed(ctx, tc, msg, "upstream_permanent", sendErr.Error())
	}

	var validation pkgError.ValidationError
	if errors.As(sendErr, &validation) {
		return d.markFailed(ctx, tc, msg, "invalid_content", sendErr.Error())
	}

	// Breaker open counts as a transient attempt environment, but the
	// attempt never reached the wire; give it back.
	if errors.Is(sendErr, gobreaker.ErrOpenState) || errors.Is(sendErr, gobreaker.ErrTooManyRequests) {
		msg.Attempts--
		return d.deferRetry(ctx, tc, msg, d.retryCfg.BaseDelay, "circuit open")
	}

	if msg.Attempts >= d.retryCfg.MaxAttempts {
		return d.markFailed(ctx, tc, msg, "retries_exhausted", sendErr.Error())
	}
	return d.deferRetry(ctx, tc, msg, d.backoff(msg.Attempts), sendErr.Error())
}

// backoff computes the delay before attempt n+1: base * 2^(n-1), capped,
// with ±20% jitter so synchronized failures do not retry in lockstep.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := float64(d.retryCfg.BaseDelay) * math.Pow(2, float64(attempts-1))
	if max := float64(d.retryCfg.MaxDelay); delay > max {
		delay = max
	}
	jitter := 1 + (d.rand.Float64()*0.4 - 0.2)
	return time.Duration(delay * jitter)
}

func (d *Dispatcher) deferRetry(ctx context.Context, tc tenancy.TenantCtx, msg *convdomain.Message, after time.Duration, reason string) error {
	at := d.clock.Now().Add(after)
	msg.NextRetryAt = &at
	msg.LastError = reason
	retriedTotal.Inc()
	logrus.Infof("[DISPATCHER] message %s deferred %s: %s", msg.ID, after, reason)
	return d.msgs.Update(ctx, tc, msg)
}

func (d *Dispatcher) markFailed(ctx context.Context, tc tenancy.TenantCtx, msg *convdomain.Message, reason, detail string) error {
	now := d.clock.Now()
	msg.Status = convdomain.MessageStatusFailed
	msg.FailedAt = &now
	msg.NextRetryAt = nil
	msg.LastError = detail
	failedTotal.WithLabelValues(reason).Inc()
	logrus.Warnf("[DISPATCHER] message %s failed (%s): %s", msg.ID, reason, detail)
	return d.msgs.Update(ctx, tc, msg)
}

// ApplyStatusCallback records a delivery-status webhook. Out-of-order and
// duplicate callbacks are absorbed by the forward-only transition rule.
func (d *Dispatcher) ApplyStatusCallback(ctx context.Context, providerMessageID string, status convdomain.MessageStatus, at time.Time) error {
	msg, err := d.msgs.ApplyStatusIfForward(ctx, providerMessageID, status, at)
	if err != nil {
		return err
	}
	if msg == nil {
		logrus.Debugf("[DISPATCHER] status callback for unknown provider id %s", providerMessageID)
	}
	return nil
}

// RunScheduler periodically re-dispatches pending messages whose retry or
// schedule time arrived. Blocks until ctx is done.
func (d *Dispatcher) RunScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logrus.Infof("[DISPATCHER] scheduler started, interval %s", interval)
	for {
		select {
		case <-ctx.Done():
			logrus.Info("[DISPATCHER] scheduler stopped")
			return
		case <-ticker.C:
			d.sweepDue(ctx)
		}
	}
}

func (d *Dispatcher) sweepDue(ctx context.Context) {
	due, err := d.msgs.ListDue(ctx, d.clock.Now(), 200)
	if err != nil {
		logrus.Warnf("[DISPATCHER] due sweep failed: %v", err)
		return
	}
	for _, msg := range due {
		tc := tenancy.System(msg.OrganizationID)
		d.dispatchAsync(tc, msg.ConversationID, msg.ID)
	}
	if len(due) > 0 {
		logrus.Debugf("[DISPATCHER] re-dispatched %d due messages", len(due))
	}
}

func toOutbound(phone string, content convdomain.MessageContent) (whatsapp.OutboundMessage, error) {
	out := whatsapp.OutboundMessage{
		To:   phone,
		Type: content.Type,

		Body: content.Text,

		TemplateName:     content.TemplateName,
		TemplateLanguage: content.TemplateLanguage,
		TemplateParams:   content.TemplateParams,

		MediaURL: content.MediaURL,
		Caption:  content.Caption,
		MimeType: content.MimeType,
		Filename: content.Filename,

		InteractiveBody: content.InteractiveBody,
		ListHeader:      content.ListHeader,
		ListButtonText:  content.ListButtonText,
	}
	for _, b := range content.Buttons {
		out.Buttons = append(out.Buttons, whatsapp.Button{ID: b.ID, Title: b.Title})
	}
	for _, s := range content.ListSections {
		sec := whatsapp.ListSection{Title: s.Title}
		for _, r := range s.Rows {
			sec.Rows = append(sec.Rows, whatsapp.ListRow{ID: r.ID, Title: r.Title, Description: r.Description})
		}
		out.ListSections = append(out.ListSections, sec)
	}
	if out.Type == "" {
		return out, pkgError.ValidationError("message content has no type")
	}
	return out, nil
}
