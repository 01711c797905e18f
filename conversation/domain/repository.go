package domain

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/xkayo32/pytake-sub001/tenancy"
)

// Repositories are tenant-scoped: every query filters by the TenantCtx's
// organization, and a miss across tenants reports NotFoundError exactly like
// a true miss.

type ContactRepository interface {
	GetByID(ctx context.Context, tc tenancy.TenantCtx, id uuid.UUID) (*Contact, error)
	// GetOrCreateByPhone materializes the contact for an inbound sender.
	GetOrCreateByPhone(ctx context.Context, tc tenancy.TenantCtx, phone, name string) (*Contact, error)
	SetBlocked(ctx context.Context, tc tenancy.TenantCtx, id uuid.UUID, blocked bool) error
}

type ConversationRepository interface {
	GetByID(ctx context.Context, tc tenancy.TenantCtx, id uuid.UUID) (*Conversation, error)
	// FindActive returns the single non-closed conversation for the pair, or
	// NotFoundError.
	FindActive(ctx context.Context, tc tenancy.TenantCtx, contactID, numberID uuid.UUID) (*Conversation, error)
	Create(ctx context.Context, tc tenancy.TenantCtx, conv *Conversation) error
	Update(ctx context.Context, tc tenancy.TenantCtx, conv *Conversation) error

	// UpdateCursor compare-and-swaps the flow cursor and context variables
	// against the expected version. ConflictError when another writer won.
	UpdateCursor(ctx context.Context, tc tenancy.TenantCtx, convID uuid.UUID, expectVersion int, flowID *uuid.UUID, nodeID *string, vars map[string]any) error

	// RecordInboundActivity stamps last_user_message_at and the recomputed
	// window expiry in one write.
	RecordInboundActivity(ctx context.Context, tc tenancy.TenantCtx, convID uuid.UUID, at, windowExpiresAt time.Time) error

	// ListInactiveCandidates returns bot-active, non-closed conversations in
	// a flow whose last user message predates the cutoff. Internal sweep
	// query, not tenant-scoped.
	ListInactiveCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*Conversation, error)
}

type WindowRepository interface {
	GetByConversation(ctx context.Context, tc tenancy.TenantCtx, convID uuid.UUID) (*ConversationWindow, error)
	// ResetOnInbound opens or slides the window to openedAt + duration.
	ResetOnInbound(ctx context.Context, tc tenancy.TenantCtx, convID uuid.UUID, openedAt, expiresAt time.Time) (*ConversationWindow, error)
	// Extend moves the expiry forward, compare-and-swapped on version, and
	// records the acting admin. ConflictError when the version moved.
	Extend(ctx context.Context, tc tenancy.TenantCtx, convID uuid.UUID, expectVersion int, newExpiry time.Time, adminID uuid.UUID) error
	// CloseExpired marks every open window with expires_at <= now as expired
	// and returns the affected windows. Idempotent: a second sweep over the
	// same instant returns nothing.
	CloseExpired(ctx context.Context, now time.Time, limit int) ([]*ConversationWindow, error)
	// ListExpiring returns open windows with now < expires_at <= until, for
	// the pre-expiry warning sweep. Internal sweep query, not tenant-scoped.
	ListExpiring(ctx context.Context, now, until time.Time, limit int) ([]*ConversationWindow, error)
}

type MessageRepository interface {
	Create(ctx context.Context, tc tenancy.TenantCtx, msg *Message) error
	GetByID(ctx context.Context, tc tenancy.TenantCtx, id uuid.UUID) (*Message, error)
	Update(ctx context.Context, tc tenancy.TenantCtx, msg *Message) error

	// ClaimAttempt atomically increments attempts from the expected count.
	// ConflictError means another dispatcher claimed this delivery first.
	ClaimAttempt(ctx context.Context, tc tenancy.TenantCtx, id uuid.UUID, expectAttempts int) error

	// ApplyStatusIfForward applies a delivery callback only when it moves the
	// status forward; regressions are dropped silently. Returns the updated
	// message, or nil when the callback matched no known message.
	ApplyStatusIfForward(ctx context.Context, providerMessageID string, status MessageStatus, at time.Time) (*Message, error)

	// ListDue returns pending outbound messages whose retry or schedule time
	// has arrived.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Message, error)
}

type DepartmentRepository interface {
	GetByID(ctx context.Context, tc tenancy.TenantCtx, id uuid.UUID) (*Department, error)
}

type AdminActionRepository interface {
	Record(ctx context.Context, tc tenancy.TenantCtx, action *AdminAction) error
}
