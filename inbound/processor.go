package inbound

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	convdomain "github.com/xkayo32/pytake-sub001/conversation/domain"
	"github.com/xkayo32/pytake-sub001/dispatcher"
	"github.com/xkayo32/pytake-sub001/flowengine"
	flowdomain "github.com/xkayo32/pytake-sub001/flowengine/domain"
	"github.com/xkayo32/pytake-sub001/infrastructure/valkey"
	"github.com/xkayo32/pytake-sub001/infrastructure/whatsapp"
	pkgError "github.com/xkayo32/pytake-sub001/pkg/error"
	"github.com/xkayo32/pytake-sub001/pkg/msgworker"
	"github.com/xkayo32/pytake-sub001/pkg/timeutils"
	"github.com/xkayo32/pytake-sub001/tenancy"
	"github.com/xkayo32/pytake-sub001/window"
)

const dedupeTTL = 24 * time.Hour

// Notifier alerts agent consoles about activity on human-handled
// conversations.
type Notifier interface {
	Publish(ctx context.Context, room, event string, payload map[string]any)
}

// Processor turns raw webhook deliveries into conversation state: contact and
// conversation materialization, window resets, message rows, and flow
// advancement. Events for the same conversation serialize through the
// sharded pool; events for different conversations run in parallel.
type Processor struct {
	numbers    tenancy.NumberRepository
	contacts   convdomain.ContactRepository
	convs      convdomain.ConversationRepository
	msgs       convdomain.MessageRepository
	flows      flowdomain.FlowRepository
	engine     *flowengine.Engine
	window     *window.Engine
	dispatcher *dispatcher.Dispatcher
	dedupe     *valkey.Client
	pool       *msgworker.Pool
	notifier   Notifier
	clock      timeutils.Clock
}

func NewProcessor(
	numbers tenancy.NumberRepository,
	contacts convdomain.ContactRepository,
	convs convdomain.ConversationRepository,
	msgs convdomain.MessageRepository,
	flows flowdomain.FlowRepository,
	engine *flowengine.Engine,
	windowEngine *window.Engine,
	disp *dispatcher.Dispatcher,
	dedupe *valkey.Client,
	pool *msgworker.Pool,
	notifier Notifier,
	clock timeutils.Clock,
) *Processor {
	return &Processor{
		numbers:    numbers,
		contacts:   contacts,
		convs:      convs,
		msgs:       msgs,
		flows:      flows,
		engine:     engine,
		window:     windowEngine,
		dispatcher: disp,
		dedupe:     dedupe,
		pool:       pool,
		notifier:   notifier,
		clock:      clock,
	}
}

// ProcessCloudWebhook verifies and ingests one official webhook delivery.
// The raw body is needed for HMAC verification, so parsing happens here, not
// in the HTTP layer.
func (p *Processor) ProcessCloudWebhook(ctx context.Context, body []byte, signatureHeader string) error {
	events, statuses, err := whatsapp.ParseCloudWebhook(body)
	if err != nil {
		return err
	}

	// Resolve the number once; a single delivery never mixes numbers.
	phoneNumberID := ""
	for _, e := range events {
		phoneNumberID = e.PhoneNumberID
		break
	}
	if phoneNumberID == "" {
		for _, s := range statuses {
			phoneNumberID = s.PhoneNumberID
			break
		}
	}
	if phoneNumberID == "" {
		// Nothing actionable (e.g. a subscription echo); acknowledge.
		return nil
	}

	number, err := p.numbers.GetByPhoneNumberID(ctx, phoneNumberID)
	if err != nil {
		return err
	}
	if !whatsapp.VerifyCloudSignature(number.AppSecret, body, signatureHeader) {
		return pkgError.AuthorizationError("webhook signature mismatch")
	}

	for _, s := range statuses {
		status := mapCallbackStatus(s.Status)
		if status == "" {
			continue
		}
		if err := p.dispatcher.ApplyStatusCallback(ctx, s.ProviderMessageID, status, s.Timestamp); err != nil {
			logrus.Warnf("[INBOUND] status callback %s failed: %v", s.ProviderMessageID, err)
		}
	}

	for _, e := range events {
		p.enqueueEvent(number, e)
	}
	return nil
}

// ProcessEvolutionWebhook verifies and ingests one Evolution callback.
func (p *Processor) ProcessEvolutionWebhook(ctx context.Context, instance string, authHeader string, body []byte) error {
	number, err := p.numbers.GetByEvolutionInstance(ctx, instance)
	if err != nil {
		return err
	}
	if !whatsapp.VerifyBearerToken(number.WebhookToken, authHeader) {
		return pkgError.AuthorizationError("webhook token mismatch")
	}

	evt, err := whatsapp.ParseEvolutionWebhook(body)
	if err != nil {
		return err
	}
	if evt == nil {
		return nil
	}
	p.enqueueEvent(number, *evt)
	return nil
}

func (p *Processor) enqueueEvent(number *tenancy.WhatsAppNumber, evt whatsapp.InboundEvent) {
	ok := p.pool.TryDispatch(msgworker.Job{
		OrganizationID:  number.OrganizationID.String(),
		ConversationKey: evt.From + "|" + number.ID.String(),
		Handler: func(ctx context.Context) error {
			return p.processEvent(ctx, number, evt)
		},
	})
	if !ok {
		logrus.Warnf("[INBOUND] pool saturated, dropping event %s (upstream will redeliver)", evt.ProviderMessageID)
	}
}

// processEvent is the per-message pipeline. Idempotent: redeliveries are
// absorbed by the dedupe key.
func (p *Processor) processEvent(ctx context.Context, number *tenancy.WhatsAppNumber, evt whatsapp.InboundEvent) error {
	tc := tenancy.System(number.OrganizationID)

	fresh, err := p.dedupe.SetNX(ctx, p.dedupe.Key("dedupe", number.ID.String(), evt.ProviderMessageID), "1", dedupeTTL)
	if err != nil {
		// Dedupe store down: process anyway. A duplicate message beats a
		// silently dropped one.
		logrus.Warnf("[INBOUND] dedupe check failed for %s: %v", evt.ProviderMessageID, err)
	} else if !fresh {
		logrus.Debugf("[INBOUND] duplicate delivery %s ignored", evt.ProviderMessageID)
		return nil
	}

	contact, err := p.contacts.GetOrCreateByPhone(ctx, tc, evt.From, evt.ContactName)
	if err != nil {
		return err
	}

	conv, err := p.findOrCreateConversation(ctx, tc, contact, number)
	if err != nil {
		return err
	}

	if _, err := p.window.ResetOnInbound(ctx, tc, conv.ID, evt.Timestamp); err != nil {
		return err
	}
	now := evt.Timestamp
	conv.LastUserMessageAt = &now

	if err := p.recordInboundMessage(ctx, tc, conv, evt); err != nil {
		return err
	}

	if contact.IsBlocked {
		return nil
	}

	if !conv.IsBotActive {
		if p.notifier != nil {
			p.notifier.Publish(ctx, "org:"+tc.OrganizationID.String(), "conversation.message", map[string]any{
				"conversation_id": conv.ID.String(),
				"contact_id":      contact.ID.String(),
				"preview":         evt.Text,
			})
		}
		return nil
	}

	return p.routeToBot(ctx, tc, conv, evt)
}

func (p *Processor) findOrCreateConversation(ctx context.Context, tc tenancy.TenantCtx, contact *convdomain.Contact, number *tenancy.WhatsAppNumber) (*convdomain.Conversation, error) {
	conv, err := p.convs.FindActive(ctx, tc, contact.ID, number.ID)
	if err == nil {
		return conv, nil
	}
	var notFound pkgError.NotFoundError
	if !errors.As(err, &notFound) {
		return nil, err
	}

	now := p.clock.Now()
	conv = &convdomain.Conversation{
		ID:               uuid.New(),
		OrganizationID:   tc.OrganizationID,
		ContactID:        contact.ID,
		WhatsAppNumberID: number.ID,
		Status:           convdomain.StatusOpen,
		IsBotActive:      true,
		ContextVariables: map[string]any{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := p.convs.Create(ctx, tc, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (p *Processor) recordInboundMessage(ctx context.Context, tc tenancy.TenantCtx, conv *convdomain.Conversation, evt whatsapp.InboundEvent) error {
	content := convdomain.MessageContent{
		SchemaVersion: convdomain.ContentSchemaVersion,
		Type:          evt.Type,
		Text:          evt.Text,
		ReplyID:       evt.ReplyID,
		MimeType:      evt.MimeType,
		Caption:       evt.Caption,
	}
	msg := &convdomain.Message{
		ID:                uuid.New(),
		OrganizationID:    tc.OrganizationID,
		ConversationID:    conv.ID,
		Direction:         convdomain.DirectionInbound,
		Status:            convdomain.MessageStatusDelivered,
		Content:           content,
		ProviderMessageID: evt.ProviderMessageID,
		CreatedAt:         evt.Timestamp,
		UpdatedAt:         evt.Timestamp,
	}
	return p.msgs.Create(ctx, tc, msg)
}

// routeToBot advances an active flow session or starts one. A cursor
// conflict means a concurrent event won the advance; retry once against
// fresh state, then give up and let the user's next message resync.
func (p *Processor) routeToBot(ctx context.Context, tc tenancy.TenantCtx, conv *convdomain.Conversation, evt whatsapp.InboundEvent) error {
	input := flowengine.Input{Text: evt.Text, ReplyID: evt.ReplyID}

	for attempt := 0; attempt < 2; attempt++ {
		var err error
		if conv.InFlow() {
			err = p.engine.HandleReply(ctx, tc, conv, input)
		} else {
			var flow *flowdomain.Flow
			flow, err = p.flows.FindByTrigger(ctx, tc, evt.Text)
			if err != nil {
				var notFound pkgError.NotFoundError
				if errors.As(err, &notFound) {
					// No flow configured: leave the conversation for humans.
					logrus.Debugf("[INBOUND] no flow for conversation %s", conv.ID)
					return nil
				}
				return err
			}
			err = p.engine.StartFlow(ctx, tc, conv, flow, map[string]any{
				"contact_name":  evt.ContactName,
				"contact_phone": evt.From,
			})
		}

		if err == nil {
			return nil
		}
		var conflict pkgError.ConflictError
		if !errors.As(err, &conflict) {
			return err
		}

		fresh, readErr := p.convs.GetByID(ctx, tc, conv.ID)
		if readErr != nil {
			return readErr
		}
		conv = fresh
	}

	logrus.Warnf("[INBOUND] conversation %s cursor kept conflicting, dropping advance", conv.ID)
	return nil
}

func mapCallbackStatus(s string) convdomain.MessageStatus {
	switch s {
	case "sent":
		return convdomain.MessageStatusSent
	case "delivered":
		return convdomain.MessageStatusDelivered
	case "read":
		return convdomain.MessageStatusRead
	case "failed":
		return convdomain.MessageStatusFailed
	default:
		return ""
	}
}
