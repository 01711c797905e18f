package domain

import (
	"time"

	"github.com/google/uuid"
)

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	StatusOpen     ConversationStatus = "open"
	StatusPending  ConversationStatus = "pending" // queued for an agent
	StatusActive   ConversationStatus = "active"  // assigned to an agent
	StatusResolved ConversationStatus = "resolved"
	StatusClosed   ConversationStatus = "closed"
)

// Conversation ties one contact to one WhatsApp number. At most one
// non-closed conversation exists per (organization, contact, number).
type Conversation struct {
	ID               uuid.UUID
	OrganizationID   uuid.UUID
	ContactID        uuid.UUID
	WhatsAppNumberID uuid.UUID

	Status      ConversationStatus
	IsBotActive bool

	// Flow cursor. Both nil when no flow session is active.
	ActiveFlowID  *uuid.UUID
	CurrentNodeID *string

	AssignedAgentID      *uuid.UUID
	AssignedDepartmentID *uuid.UUID

	// ContextVariables accumulates flow answers and api_call extractions.
	// Keys written later override earlier ones.
	ContextVariables map[string]any

	LastUserMessageAt *time.Time
	WindowExpiresAt   *time.Time

	// Version guards concurrent cursor updates (compare-and-swap).
	Version int

	CreatedAt time.Time
	UpdatedAt time.Time
	ClosedAt  *time.Time
}

// WindowOpen reports whether the 24-hour window is open at the given instant.
// A conversation with no inbound message yet has no window.
func (c *Conversation) WindowOpen(now time.Time) bool {
	return c.WindowExpiresAt != nil && now.Before(*c.WindowExpiresAt)
}

// InFlow reports whether a flow session is active.
func (c *Conversation) InFlow() bool {
	return c.ActiveFlowID != nil && c.CurrentNodeID != nil
}

// Dispatchable reports whether outbound sends are allowed at all. Window and
// rate checks come after this gate.
func (c *Conversation) Dispatchable() bool {
	return c.Status != StatusClosed
}

// WindowStatus is the lifecycle state of a 24-hour window row.
type WindowStatus string

const (
	WindowStatusActive           WindowStatus = "active"
	WindowStatusExpired          WindowStatus = "expired"
	WindowStatusManuallyExtended WindowStatus = "manually_extended"
	WindowStatusClosed           WindowStatus = "closed"
)

// CloseReasonExpired is stamped on windows the sweeper closes.
const CloseReasonExpired = "Window expired"

// ConversationWindow is the authoritative window record, persisted separately
// so window transitions survive restarts and replicate across instances.
type ConversationWindow struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	ConversationID uuid.UUID
	OpenedAt       time.Time
	ExpiresAt      time.Time
	// ExtendedBy records the admin that manually extended this window, if any.
	ExtendedBy *uuid.UUID
	Status     WindowStatus
	// CloseReason explains a non-open status ("Window expired", "Conversation
	// closed"). Empty while the window is open.
	CloseReason string
	Version     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsClosed reports whether the row itself records a closed window. Lazy
// expiry against the clock is layered on top by the window engine.
func (w *ConversationWindow) IsClosed() bool {
	return w.Status == WindowStatusExpired || w.Status == WindowStatusClosed
}

// Department is a routing target for human handoff.
type Department struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	Name           string
	// InactivitySettings overlay the flow defaults for conversations queued
	// in this department, serialized as JSON.
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AdminAction is the audit trail for manual interventions (window extension,
// forced handoff). Append-only.
type AdminAction struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	UserID         uuid.UUID
	ConversationID uuid.UUID
	Action         string
	Detail         map[string]any
	CreatedAt      time.Time
}
