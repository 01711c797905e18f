package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/xkayo32/pytake-sub001/conversation/domain"
	pkgError "github.com/xkayo32/pytake-sub001/pkg/error"
	"github.com/xkayo32/pytake-sub001/tenancy"
)

type contactModel struct {
	ID             string `gorm:"primaryKey"`
	OrganizationID string `gorm:"index:idx_contacts_org_phone,unique;not null"`
	Phone          string `gorm:"index:idx_contacts_org_phone,unique;not null"`
	Name           string
	IsBlocked      bool      `gorm:"not null;default:false"`
	Attributes     jsonMap   `gorm:"type:text"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

func (contactModel) TableName() string {
	return "contacts"
}

type ContactGormRepository struct {
	db *gorm.DB
}

func NewContactGormRepository(db *gorm.DB) *ContactGormRepository {
	return &ContactGormRepository{db: db}
}

func (r *ContactGormRepository) GetByID(ctx context.Context, tc tenancy.TenantCtx, id uuid.UUID) (*domain.Contact, error) {
	var model contactModel
	err := r.db.WithContext(ctx).
		First(&model, "id = ? AND organization_id = ?", id.String(), tc.OrganizationID.String()).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgError.NotFoundError("contact not found")
		}
		return nil, err
	}
	return fromContactModel(model), nil
}

func (r *ContactGormRepository) GetOrCreateByPhone(ctx context.Context, tc tenancy.TenantCtx, phone, name string) (*domain.Contact, error) {
	model := contactModel{
		ID:             uuid.NewString(),
		OrganizationID: tc.OrganizationID.String(),
		Phone:          phone,
		Name:           name,
	}
	// Insert-or-ignore on the (org, phone) unique key, then read back.
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "organization_id"}, {Name: "phone"}},
			DoNothing: true,
		}).
		Create(&model).Error
	if err != nil {
		return nil, err
	}

	var stored contactModel
	err = r.db.WithContext(ctx).
		First(&stored, "organization_id = ? AND phone = ?", tc.OrganizationID.String(), phone).Error
	if err != nil {
		return nil, err
	}

	// Refresh the display name when the webhook carries a newer one.
	if name != "" && stored.Name != name {
		stored.Name = name
		if err := r.db.WithContext(ctx).Model(&contactModel{}).
			Where("id = ?", stored.ID).
			Update("name", name).Error; err != nil {
			return nil, err
		}
	}
	return fromContactModel(stored), nil
}

func (r *ContactGormRepository) SetBlocked(ctx context.Context, tc tenancy.TenantCtx, id uuid.UUID, blocked bool) error {
	res := r.db.WithContext(ctx).Model(&contactModel{}).
		Where("id = ? AND organization_id = ?", id.String(), tc.OrganizationID.String()).
		Update("is_blocked", blocked)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgError.NotFoundError("contact not found")
	}
	return nil
}

func fromContactModel(m contactModel) *domain.Contact {
	return &domain.Contact{
		ID:             uuid.MustParse(m.ID),
		OrganizationID: uuid.MustParse(m.OrganizationID),
		Phone:          m.Phone,
		Name:           m.Name,
		IsBlocked:      m.IsBlocked,
		Attributes:     m.Attributes,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}
