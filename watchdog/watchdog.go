package watchdog

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	convdomain "github.com/xkayo32/pytake-sub001/conversation/domain"
	"github.com/xkayo32/pytake-sub001/core/config"
	"github.com/xkayo32/pytake-sub001/dispatcher"
	flowdomain "github.com/xkayo32/pytake-sub001/flowengine/domain"
	"github.com/xkayo32/pytake-sub001/infrastructure/valkey"
	"github.com/xkayo32/pytake-sub001/pkg/interpolate"
	"github.com/xkayo32/pytake-sub001/pkg/timeutils"
	"github.com/xkayo32/pytake-sub001/tenancy"
	"github.com/xkayo32/pytake-sub001/window"
)

const (
	sweepBatchSize = 500

	// windowWarnHorizon bounds the pre-expiry query; per-flow warning_at_hours
	// narrows it further.
	windowWarnHorizon = 24 * time.Hour

	// warnedForKey marks which silence period already got its warning, keyed
	// by the last user message timestamp so a new message re-arms it.
	warnedForKey = "_inactivity_warned_for"
	// remindedForKey is the same one-shot marker for the send_reminder action.
	remindedForKey = "_inactivity_reminded_for"
	// windowWarnedForKey marks which window expiry already got its warning,
	// keyed by the expiry timestamp so an extension re-arms it.
	windowWarnedForKey = "_window_warned_for"
	// windowPausedKey marks a flow paused by window expiry.
	windowPausedKey = "_window_paused"
)

// Outbound hands watchdog-produced messages to the dispatch pipeline.
type Outbound interface {
	Enqueue(ctx context.Context, tc tenancy.TenantCtx, conv *convdomain.Conversation, content convdomain.MessageContent, opts dispatcher.EnqueueOptions) (*convdomain.Message, error)
}

// FlowStarter restarts a conversation on a flow's start node.
type FlowStarter interface {
	StartFlow(ctx context.Context, tc tenancy.TenantCtx, conv *convdomain.Conversation, flow *flowdomain.Flow, extraVars map[string]any) error
}

// HandoffQueue places a conversation in a department queue.
type HandoffQueue interface {
	Enqueue(ctx context.Context, tc tenancy.TenantCtx, convID uuid.UUID, departmentID *uuid.UUID, priority bool) error
}

// Watchdog periodically sweeps for inactive flow conversations and lapsed
// 24-hour windows, applying each flow's configured policy. Every action is
// idempotent, so overlapping sweeps from two instances converge.
type Watchdog struct {
	convs  convdomain.ConversationRepository
	flows  flowdomain.FlowRepository
	window *window.Engine
	engine FlowStarter
	disp   Outbound
	queues HandoffQueue
	locks  *valkey.Client
	clock  timeutils.Clock
	cfg    config.WatchdogConfig
}

func New(
	convs convdomain.ConversationRepository,
	flows flowdomain.FlowRepository,
	windowEngine *window.Engine,
	engine FlowStarter,
	disp Outbound,
	queues HandoffQueue,
	locks *valkey.Client,
	clock timeutils.Clock,
	cfg config.WatchdogConfig,
) *Watchdog {
	return &Watchdog{
		convs:  convs,
		flows:  flows,
		window: windowEngine,
		engine: engine,
		disp:   disp,
		queues: queues,
		locks:  locks,
		clock:  clock,
		cfg:    cfg,
	}
}

// Run blocks until ctx is done, sweeping on the configured interval.
func (w *Watchdog) Run(ctx context.Context) {
	interval := w.cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logrus.Infof("[WATCHDOG] started, interval %s", interval)
	for {
		select {
		case <-ctx.Done():
			logrus.Info("[WATCHDOG] stopped")
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one pass. The cross-instance lock keeps concurrent instances
// from duplicating work; losing the lock is not an error.
func (w *Watchdog) Sweep(ctx context.Context) {
	if w.locks != nil {
		got, err := w.locks.SetNX(ctx, w.locks.Key("watchdog", "sweep-lock"), "1", w.cfg.Interval/2)
		if err != nil {
			logrus.Warnf("[WATCHDOG] sweep lock unavailable, proceeding: %v", err)
		} else if !got {
			logrus.Debug("[WATCHDOG] another instance holds the sweep lock")
			return
		}
	}

	w.sweepInactivity(ctx)
	w.sweepWindowWarnings(ctx)
	w.sweepExpiredWindows(ctx)
}

func (w *Watchdog) sweepInactivity(ctx context.Context) {
	cutoff := w.clock.Now().Add(-time.Minute)
	candidates, err := w.convs.ListInactiveCandidates(ctx, cutoff, sweepBatchSize)
	if err != nil {
		logrus.Warnf("[WATCHDOG] inactivity query failed: %v", err)
		return
	}

	for _, conv := range candidates {
		if err := w.checkConversation(ctx, conv); err != nil {
			logrus.Warnf("[WATCHDOG] conversation %s check failed: %v", conv.ID, err)
		}
	}
}

func (w *Watchdog) checkConversation(ctx context.Context, conv *convdomain.Conversation) error {
	tc := tenancy.System(conv.OrganizationID)

	flow, err := w.flows.GetByID(ctx, tc, *conv.ActiveFlowID)
	if err != nil {
		return err
	}

	settings := flow.Inactivity
	if !settings.Enabled {
		return nil
	}
	timeoutMinutes := settings.TimeoutMinutes
	if timeoutMinutes <= 0 {
		timeoutMinutes = w.cfg.DefaultInactivityMinutes
	}

	now := w.clock.Now()
	inactiveFor := now.Sub(*conv.LastUserMessageAt)
	inactiveMinutes := int(inactiveFor.Minutes())

	vars := map[string]any{
		"timeout_minutes":    timeoutMinutes,
		"warning_at_minutes": settings.WarningAtMinutes,
		"inactive_minutes":   inactiveMinutes,
		"remaining_minutes":  timeoutMinutes - inactiveMinutes,
	}

	if inactiveMinutes >= timeoutMinutes {
		return w.applyInactivityAction(ctx, tc, conv, flow, settings, vars)
	}

	if settings.WarningAtMinutes > 0 && inactiveMinutes >= settings.WarningAtMinutes {
		return w.warnOnce(ctx, tc, conv, settings, vars)
	}
	return nil
}

// warnOnce sends the inactivity warning at most once per silence period.
func (w *Watchdog) warnOnce(ctx context.Context, tc tenancy.TenantCtx, conv *convdomain.Conversation, settings flowdomain.InactivitySettings, vars map[string]any) error {
	if !w.markOnce(ctx, tc, conv, warnedForKey, conv.LastUserMessageAt.Unix()) {
		return nil
	}

	message := settings.WarningMessage
	if message == "" {
		message = "Are you still there? This conversation will time out in {{remaining_minutes}} minutes."
	}
	return w.sendText(ctx, tc, conv, message, vars)
}

func (w *Watchdog) applyInactivityAction(ctx context.Context, tc tenancy.TenantCtx, conv *convdomain.Conversation, flow *flowdomain.Flow, settings flowdomain.InactivitySettings, vars map[string]any) error {
	action := settings.Action
	if action == "" {
		action = "close"
	}
	logrus.Infof("[WATCHDOG] conversation %s inactive %v min, action %s", conv.ID, vars["inactive_minutes"], action)

	switch action {
	case "transfer":
		return w.transfer(ctx, tc, conv, w.resolveDepartment(settings.TargetDepartmentID))

	case "send_reminder":
		// A nudge, not a verdict: the conversation stays open and in-flow, and
		// a new user message re-arms the reminder.
		if !w.markOnce(ctx, tc, conv, remindedForKey, conv.LastUserMessageAt.Unix()) {
			return nil
		}
		message := settings.ReminderMessage
		if message == "" {
			message = settings.WarningMessage
		}
		if message == "" {
			message = "Just checking in. Reply whenever you are ready to continue."
		}
		return w.sendText(ctx, tc, conv, message, vars)

	case "fallback_flow":
		targetID, err := uuid.Parse(settings.FallbackFlowID)
		if err != nil {
			logrus.Warnf("[WATCHDOG] flow %s has bad fallback flow id %q, closing", flow.ID, settings.FallbackFlowID)
			return w.closeWithMessage(ctx, tc, conv, settings.ClosingMessage, vars)
		}
		target, err := w.flows.GetByID(ctx, tc, targetID)
		if err != nil {
			logrus.Warnf("[WATCHDOG] fallback flow %s unavailable, closing: %v", targetID, err)
			return w.closeWithMessage(ctx, tc, conv, settings.ClosingMessage, vars)
		}
		if err := w.clearCursor(ctx, tc, conv); err != nil {
			return err
		}
		return w.engine.StartFlow(ctx, tc, conv, target, vars)

	case "close":
		return w.closeWithMessage(ctx, tc, conv, settings.ClosingMessage, vars)

	default:
		logrus.Warnf("[WATCHDOG] unknown inactivity action %q, closing", action)
		return w.closeWithMessage(ctx, tc, conv, settings.ClosingMessage, vars)
	}
}

// markOnce compare-and-swaps a one-shot marker into the context variables.
// False means this marker already fired, or an inbound message or concurrent
// sweep won the version race; either way the caller skips.
func (w *Watchdog) markOnce(ctx context.Context, tc tenancy.TenantCtx, conv *convdomain.Conversation, key string, marker int64) bool {
	if prev, ok := conv.ContextVariables[key]; ok {
		if int64(asFloat(prev)) == marker {
			return false
		}
	}

	merged := interpolate.Merge(conv.ContextVariables, map[string]any{key: marker})
	if err := w.convs.UpdateCursor(ctx, tc, conv.ID, conv.Version, conv.ActiveFlowID, conv.CurrentNodeID, merged); err != nil {
		return false
	}
	conv.Version++
	conv.ContextVariables = merged
	return true
}

// sweepWindowWarnings runs before the expiry sweep: flows with
// warning_at_hours set get their configured template while the window is
// still open, once per window expiry.
func (w *Watchdog) sweepWindowWarnings(ctx context.Context) {
	expiring, err := w.window.ListExpiring(ctx, windowWarnHorizon, sweepBatchSize)
	if err != nil {
		logrus.Warnf("[WATCHDOG] window warning sweep failed: %v", err)
		return
	}

	now := w.clock.Now()
	for _, win := range expiring {
		tc := tenancy.System(win.OrganizationID)
		conv, err := w.convs.GetByID(ctx, tc, win.ConversationID)
		if err != nil {
			logrus.Warnf("[WATCHDOG] conversation %s for window %s: %v", win.ConversationID, win.ID, err)
			continue
		}
		if !conv.InFlow() || !conv.IsBotActive {
			continue
		}

		flow, err := w.flows.GetByID(ctx, tc, *conv.ActiveFlowID)
		if err != nil {
			continue
		}
		warnAt := flow.WindowExpiry.WarningAtHours
		if warnAt <= 0 || win.ExpiresAt.Sub(now) > time.Duration(warnAt)*time.Hour {
			continue
		}
		if flow.WindowExpiry.TemplateName == "" {
			logrus.Warnf("[WATCHDOG] flow %s wants a window warning but names no template", flow.ID)
			continue
		}
		if !w.markOnce(ctx, tc, conv, windowWarnedForKey, win.ExpiresAt.Unix()) {
			continue
		}

		content := convdomain.MessageContent{
			SchemaVersion:    convdomain.ContentSchemaVersion,
			Type:             "template",
			TemplateName:     flow.WindowExpiry.TemplateName,
			TemplateLanguage: flow.WindowExpiry.TemplateLanguage,
			TemplateParams:   flow.WindowExpiry.TemplateParams,
		}
		if _, err := w.disp.Enqueue(ctx, tc, conv, content, dispatcher.EnqueueOptions{}); err != nil {
			logrus.Warnf("[WATCHDOG] window warning for %s failed: %v", conv.ID, err)
		}
	}
}

func (w *Watchdog) sweepExpiredWindows(ctx context.Context) {
	closed, err := w.window.CloseExpired(ctx, sweepBatchSize)
	if err != nil {
		logrus.Warnf("[WATCHDOG] window expiry sweep failed: %v", err)
		return
	}
	if len(closed) == 0 {
		return
	}
	logrus.Infof("[WATCHDOG] closed %d expired windows", len(closed))

	for _, win := range closed {
		tc := tenancy.System(win.OrganizationID)
		conv, err := w.convs.GetByID(ctx, tc, win.ConversationID)
		if err != nil {
			logrus.Warnf("[WATCHDOG] conversation %s for window %s: %v", win.ConversationID, win.ID, err)
			continue
		}
		if !conv.InFlow() || !conv.IsBotActive {
			continue
		}
		if err := w.applyWindowExpiry(ctx, tc, conv); err != nil {
			logrus.Warnf("[WATCHDOG] window expiry action for %s failed: %v", conv.ID, err)
		}
	}
}

func (w *Watchdog) applyWindowExpiry(ctx context.Context, tc tenancy.TenantCtx, conv *convdomain.Conversation) error {
	flow, err := w.flows.GetByID(ctx, tc, *conv.ActiveFlowID)
	if err != nil {
		return err
	}

	action := flow.WindowExpiry.Action
	if action == "" {
		action = "wait_customer"
	}
	logrus.Infof("[WATCHDOG] conversation %s window lapsed mid-flow, action %s", conv.ID, action)

	switch action {
	case "wait_customer", "pause": // pause is the pre-rename spelling
		// Keep the cursor; the next inbound message reopens the window and
		// resumes where the flow paused.
		merged := interpolate.Merge(conv.ContextVariables, map[string]any{windowPausedKey: true})
		if err := w.convs.UpdateCursor(ctx, tc, conv.ID, conv.Version, conv.ActiveFlowID, conv.CurrentNodeID, merged); err != nil {
			return nil
		}
		conv.Version++
		return nil

	case "close":
		return w.closeConversation(ctx, tc, conv)

	case "transfer":
		return w.transfer(ctx, tc, conv, w.resolveDepartment(flow.WindowExpiry.TargetDepartmentID))

	case "send_template":
		content := convdomain.MessageContent{
			SchemaVersion:    convdomain.ContentSchemaVersion,
			Type:             "template",
			TemplateName:     flow.WindowExpiry.TemplateName,
			TemplateLanguage: flow.WindowExpiry.TemplateLanguage,
			TemplateParams:   flow.WindowExpiry.TemplateParams,
		}
		if content.TemplateName == "" {
			logrus.Warnf("[WATCHDOG] flow %s window expiry wants a template but names none", flow.ID)
			return nil
		}
		_, err := w.disp.Enqueue(ctx, tc, conv, content, dispatcher.EnqueueOptions{})
		return err

	default:
		logrus.Warnf("[WATCHDOG] unknown window expiry action %q, pausing", action)
		return nil
	}
}

// Shared helpers.

func (w *Watchdog) sendText(ctx context.Context, tc tenancy.TenantCtx, conv *convdomain.Conversation, text string, vars map[string]any) error {
	content := convdomain.MessageContent{
		SchemaVersion: convdomain.ContentSchemaVersion,
		Type:          "text",
		Text:          interpolate.Render(text, interpolate.Merge(conv.ContextVariables, vars)),
	}
	_, err := w.disp.Enqueue(ctx, tc, conv, content, dispatcher.EnqueueOptions{})
	return err
}

func (w *Watchdog) clearCursor(ctx context.Context, tc tenancy.TenantCtx, conv *convdomain.Conversation) error {
	if err := w.convs.UpdateCursor(ctx, tc, conv.ID, conv.Version, nil, nil, conv.ContextVariables); err != nil {
		return err
	}
	conv.Version++
	conv.ActiveFlowID = nil
	conv.CurrentNodeID = nil
	return nil
}

// closeWithMessage sends the flow's closing message, when configured, before
// closing. A failed send never blocks the close.
func (w *Watchdog) closeWithMessage(ctx context.Context, tc tenancy.TenantCtx, conv *convdomain.Conversation, message string, vars map[string]any) error {
	if message != "" {
		if err := w.sendText(ctx, tc, conv, message, vars); err != nil {
			logrus.Warnf("[WATCHDOG] closing message for %s failed: %v", conv.ID, err)
		}
	}
	return w.closeConversation(ctx, tc, conv)
}

func (w *Watchdog) closeConversation(ctx context.Context, tc tenancy.TenantCtx, conv *convdomain.Conversation) error {
	if err := w.clearCursor(ctx, tc, conv); err != nil {
		return err
	}
	now := w.clock.Now()
	conv.Status = convdomain.StatusClosed
	conv.IsBotActive = false
	conv.ClosedAt = &now
	return w.convs.Update(ctx, tc, conv)
}

func (w *Watchdog) transfer(ctx context.Context, tc tenancy.TenantCtx, conv *convdomain.Conversation, deptID *uuid.UUID) error {
	if err := w.clearCursor(ctx, tc, conv); err != nil {
		return err
	}
	conv.Status = convdomain.StatusPending
	conv.IsBotActive = false
	conv.AssignedDepartmentID = deptID
	if err := w.convs.Update(ctx, tc, conv); err != nil {
		return err
	}
	return w.queues.Enqueue(ctx, tc, conv.ID, deptID, false)
}

func (w *Watchdog) resolveDepartment(target string) *uuid.UUID {
	raw := target
	if raw == "" {
		raw = w.cfg.DefaultDepartmentID
	}
	if raw == "" {
		return nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		logrus.Warnf("[WATCHDOG] bad department id %q", raw)
		return nil
	}
	return &id
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
