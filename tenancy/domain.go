package tenancy

import (
	"time"

	"github.com/google/uuid"
)

// TenantCtx is the verified (user, organization, role) tuple supplied by the
// auth collaborator. Every persistence call takes one, so cross-tenant reads
// are structurally impossible.
type TenantCtx struct {
	OrganizationID uuid.UUID
	UserID         uuid.UUID
	Role           string
}

// System returns a tenant context for internal actors (watchdog, dispatcher
// retries) operating within a known organization.
func System(orgID uuid.UUID) TenantCtx {
	return TenantCtx{OrganizationID: orgID, Role: "system"}
}

// PlanTier gates per-organization limits.
type PlanTier string

const (
	PlanFree       PlanTier = "free"
	PlanStarter    PlanTier = "starter"
	PlanPro        PlanTier = "pro"
	PlanEnterprise PlanTier = "enterprise"
)

// Organization is the tenant root. Soft-deleted, never hard-deleted while it
// owns conversations.
type Organization struct {
	ID                           uuid.UUID
	Name                         string
	PlanTier                     PlanTier
	MaxConversationsPerAgent     int
	MonthlyMessageLimit          int
	GlobalVariables              map[string]any
	CreatedAt                    time.Time
	UpdatedAt                    time.Time
	DeletedAt                    *time.Time
}

// ConnectionType selects which upstream a WhatsAppNumber speaks.
type ConnectionType string

const (
	ConnectionOfficial ConnectionType = "official"
	ConnectionQRCode   ConnectionType = "qrcode"
)

// QualityRating is WhatsApp's health signal for a number. The core reads it
// for policy but never computes it.
type QualityRating string

const (
	QualityGreen   QualityRating = "GREEN"
	QualityYellow  QualityRating = "YELLOW"
	QualityRed     QualityRating = "RED"
	QualityFlagged QualityRating = "FLAGGED"
)

// RateOverrides replaces the connection-type default ceilings for one number.
type RateOverrides struct {
	PerMinute int `json:"per_minute,omitempty"`
	PerHour   int `json:"per_hour,omitempty"`
	PerDay    int `json:"per_day,omitempty"`
}

// WhatsAppNumber is a registered sender. Exactly one connection type; the
// credentials required for that type are non-null.
type WhatsAppNumber struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	DisplayNumber  string
	ConnectionType ConnectionType

	// Official (Cloud API) credentials.
	PhoneNumberID string
	AccessToken   string
	AppSecret     string

	// QR-code (Evolution) credentials.
	EvolutionInstance string
	EvolutionAPIKey   string
	WebhookToken      string

	QualityRating    QualityRating
	MessagingTier    string
	DefaultChatbotID *uuid.UUID
	RateOverrides    *RateOverrides

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// CredentialsComplete reports whether the credentials required by the
// number's connection type are present.
func (n *WhatsAppNumber) CredentialsComplete() bool {
	switch n.ConnectionType {
	case ConnectionOfficial:
		return n.PhoneNumberID != "" && n.AccessToken != "" && n.AppSecret != ""
	case ConnectionQRCode:
		return n.EvolutionInstance != "" && n.EvolutionAPIKey != ""
	default:
		return false
	}
}
