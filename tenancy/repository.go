package tenancy

import (
	"context"

	"github.com/google/uuid"
)

type OrganizationRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Organization, error)
}

type NumberRepository interface {
	Create(ctx context.Context, tc TenantCtx, number *WhatsAppNumber) error
	GetByID(ctx context.Context, tc TenantCtx, id uuid.UUID) (*WhatsAppNumber, error)
	// Webhook routing lookups run before any tenant is known; the number row
	// itself establishes the organization.
	GetByPhoneNumberID(ctx context.Context, phoneNumberID string) (*WhatsAppNumber, error)
	GetByEvolutionInstance(ctx context.Context, instance string) (*WhatsAppNumber, error)
	SetQualityRating(ctx context.Context, tc TenantCtx, id uuid.UUID, rating QualityRating) error
	SetRateOverrides(ctx context.Context, tc TenantCtx, id uuid.UUID, overrides *RateOverrides) error
}
