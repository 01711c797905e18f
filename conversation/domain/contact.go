package domain

import (
	"time"

	"github.com/google/uuid"
)

// Contact is one end user, unique per (organization, phone).
type Contact struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	Phone          string // digits only, E.164 without plus
	Name           string
	IsBlocked      bool
	Attributes     map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
