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

type departmentModel struct {
	ID             string `gorm:"primaryKey"`
	OrganizationID string `gorm:"index;not null"`
	Name           string
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

func (departmentModel) TableName() string {
	return "departments"
}

type DepartmentGormRepository struct {
	db *gorm.DB
}

func NewDepartmentGormRepository(db *gorm.DB) *DepartmentGormRepository {
	return &DepartmentGormRepository{db: db}
}

func (r *DepartmentGormRepository) GetByID(ctx context.Context, tc tenancy.TenantCtx, id uuid.UUID) (*domain.Department, error) {
	var model departmentModel
	err := r.db.WithContext(ctx).
		First(&model, "id = ? AND organization_id = ?", id.String(), tc.OrganizationID.String()).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgError.NotFoundError("department not found")
		}
		return nil, err
	}
	return &domain.Department{
		ID:             uuid.MustParse(model.ID),
		OrganizationID: uuid.MustParse(model.OrganizationID),
		Name:           model.Name,
		CreatedAt:      model.CreatedAt,
		UpdatedAt:      model.UpdatedAt,
	}, nil
}

type adminActionModel struct {
	ID             string `gorm:"primaryKey"`
	OrganizationID string `gorm:"index;not null"`
	UserID         string
	ConversationID string  `gorm:"index"`
	Action         string  `gorm:"not null"`
	Detail         jsonMap `gorm:"type:text"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
}

func (adminActionModel) TableName() string {
	return "admin_actions"
}

// AdminActionGormRepository is append-only; there is no update or delete.
type AdminActionGormRepository struct {
	db *gorm.DB
}

func NewAdminActionGormRepository(db *gorm.DB) *AdminActionGormRepository {
	return &AdminActionGormRepository{db: db}
}

func (r *AdminActionGormRepository) Record(ctx context.Context, tc tenancy.TenantCtx, action *domain.AdminAction) error {
	if action.ID == uuid.Nil {
		action.ID = uuid.New()
	}
	model := adminActionModel{
		ID:             action.ID.String(),
		OrganizationID: tc.OrganizationID.String(),
		UserID:         action.UserID.String(),
		ConversationID: action.ConversationID.String(),
		Action:         action.Action,
		Detail:         jsonMap(action.Detail),
	}
	return r.db.WithContext(ctx).Create(&model).Error
}
