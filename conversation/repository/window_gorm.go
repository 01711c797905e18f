package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/xkayo32/pytake-sub001/conversation/domain"
	pkgError "github.com/xkayo32/pytake-sub001/pkg/error"
	"github.com/xkayo32/pytake-sub001/tenancy"
)

type windowModel struct {
	ID             string `gorm:"primaryKey"`
	OrganizationID string `gorm:"index;not null"`
	ConversationID string `gorm:"uniqueIndex;not null"`
	OpenedAt       time.Time
	ExpiresAt      time.Time `gorm:"index"`
	ExtendedBy     *string
	Status         string    `gorm:"index;not null;default:'active'"`
	CloseReason    string
	Version        int       `gorm:"not null;default:0"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

func (windowModel) TableName() string {
	return "conversation_windows"
}

type WindowGormRepository struct {
	db *gorm.DB
}

func NewWindowGormRepository(db *gorm.DB) *WindowGormRepository {
	return &WindowGormRepository{db: db}
}

func (r *WindowGormRepository) GetByConversation(ctx context.Context, tc tenancy.TenantCtx, convID uuid.UUID) (*domain.ConversationWindow, error) {
	var model windowModel
	err := r.db.WithContext(ctx).
		First(&model, "conversation_id = ? AND organization_id = ?", convID.String(), tc.OrganizationID.String()).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgError.NotFoundError("window not found")
		}
		return nil, err
	}
	return fromWindowModel(model), nil
}

func (r *WindowGormRepository) ResetOnInbound(ctx context.Context, tc tenancy.TenantCtx, convID uuid.UUID, openedAt, expiresAt time.Time) (*domain.ConversationWindow, error) {
	// Slide the existing window forward; reopening a closed one is the same
	// write. Insert when no window exists yet.
	res := r.db.WithContext(ctx).Model(&windowModel{}).
		Where("conversation_id = ? AND organization_id = ?", convID.String(), tc.OrganizationID.String()).
		Updates(map[string]any{
			"opened_at":    openedAt,
			"expires_at":   expiresAt,
			"status":       string(domain.WindowStatusActive),
			"close_reason": "",
			"version":      gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		model := windowModel{
			ID:             uuid.NewString(),
			OrganizationID: tc.OrganizationID.String(),
			ConversationID: convID.String(),
			OpenedAt:       openedAt,
			ExpiresAt:      expiresAt,
			Status:         string(domain.WindowStatusActive),
		}
		if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
			return nil, err
		}
	}
	return r.GetByConversation(ctx, tc, convID)
}

func (r *WindowGormRepository) Extend(ctx context.Context, tc tenancy.TenantCtx, convID uuid.UUID, expectVersion int, newExpiry time.Time, adminID uuid.UUID) error {
	admin := adminID.String()
	res := r.db.WithContext(ctx).Model(&windowModel{}).
		Where("conversation_id = ? AND organization_id = ? AND version = ?",
			convID.String(), tc.OrganizationID.String(), expectVersion).
		Updates(map[string]any{
			"expires_at":   newExpiry,
			"status":       string(domain.WindowStatusManuallyExtended),
			"close_reason": "",
			"extended_by":  &admin,
			"version":      expectVersion + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).Model(&windowModel{}).
			Where("conversation_id = ? AND organization_id = ?", convID.String(), tc.OrganizationID.String()).
			Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return pkgError.NotFoundError("window not found")
		}
		return pkgError.ConflictError("window changed concurrently")
	}
	return nil
}

func (r *WindowGormRepository) CloseExpired(ctx context.Context, now time.Time, limit int) ([]*domain.ConversationWindow, error) {
	openStatuses := []string{string(domain.WindowStatusActive), string(domain.WindowStatusManuallyExtended)}

	var models []windowModel
	err := r.db.WithContext(ctx).
		Where("status IN ? AND expires_at <= ?", openStatuses, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	var closed []*domain.ConversationWindow
	for _, m := range models {
		// Guard each close on version so a concurrent inbound reset wins.
		res := r.db.WithContext(ctx).Model(&windowModel{}).
			Where("id = ? AND version = ? AND status IN ?", m.ID, m.Version, openStatuses).
			Updates(map[string]any{
				"status":       string(domain.WindowStatusExpired),
				"close_reason": domain.CloseReasonExpired,
				"version":      m.Version + 1,
			})
		if res.Error != nil {
			return closed, res.Error
		}
		if res.RowsAffected == 1 {
			m.Status = string(domain.WindowStatusExpired)
			m.CloseReason = domain.CloseReasonExpired
			m.Version++
			closed = append(closed, fromWindowModel(m))
		}
	}
	return closed, nil
}

func (r *WindowGormRepository) ListExpiring(ctx context.Context, now, until time.Time, limit int) ([]*domain.ConversationWindow, error) {
	var models []windowModel
	err := r.db.WithContext(ctx).
		Where("status IN ? AND expires_at > ? AND expires_at <= ?",
			[]string{string(domain.WindowStatusActive), string(domain.WindowStatusManuallyExtended)}, now, until).
		Order("expires_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	result := make([]*domain.ConversationWindow, 0, len(models))
	for _, m := range models {
		result = append(result, fromWindowModel(m))
	}
	return result, nil
}

func fromWindowModel(m windowModel) *domain.ConversationWindow {
	w := &domain.ConversationWindow{
		ID:             uuid.MustParse(m.ID),
		OrganizationID: uuid.MustParse(m.OrganizationID),
		ConversationID: uuid.MustParse(m.ConversationID),
		OpenedAt:       m.OpenedAt,
		ExpiresAt:      m.ExpiresAt,
		Status:         domain.WindowStatus(m.Status),
		CloseReason:    m.CloseReason,
		Version:        m.Version,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
	if m.ExtendedBy != nil {
		id := uuid.MustParse(*m.ExtendedBy)
		w.ExtendedBy = &id
	}
	return w
}
