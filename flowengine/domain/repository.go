package domain

import (
	"context"

	"github.com/google/uuid"

	"github.com/xkayo32/pytake-sub001/tenancy"
)

type FlowRepository interface {
	GetByID(ctx context.Context, tc tenancy.TenantCtx, id uuid.UUID) (*Flow, error)
	// FindByTrigger matches the first inbound message text against active
	// flows' trigger keywords; falls back to the default flow.
	FindByTrigger(ctx context.Context, tc tenancy.TenantCtx, text string) (*Flow, error)
	Create(ctx context.Context, tc tenancy.TenantCtx, flow *Flow) error
	Update(ctx context.Context, tc tenancy.TenantCtx, flow *Flow) error
}
