package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/xkayo32/pytake-sub001/flowengine/domain"
	pkgError "github.com/xkayo32/pytake-sub001/pkg/error"
	"github.com/xkayo32/pytake-sub001/tenancy"
)

type flowModel struct {
	ID              string `gorm:"primaryKey"`
	OrganizationID  string `gorm:"index;not null"`
	Name            string `gorm:"not null"`
	IsActive        bool   `gorm:"not null;default:false"`
	IsDefault       bool   `gorm:"not null;default:false"`
	TriggerKeywords string // CSV, lowercase
	Canvas          string `gorm:"type:text"`
	Inactivity      string `gorm:"type:text"`
	WindowExpiry    string `gorm:"type:text"`

	FallbackDepartmentID *string

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (flowModel) TableName() string {
	return "flows"
}

type FlowGormRepository struct {
	db *gorm.DB
}

func NewFlowGormRepository(db *gorm.DB) *FlowGormRepository {
	return &FlowGormRepository{db: db}
}

func (r *FlowGormRepository) Init(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&flowModel{})
}

func (r *FlowGormRepository) GetByID(ctx context.Context, tc tenancy.TenantCtx, id uuid.UUID) (*domain.Flow, error) {
	var model flowModel
	err := r.db.WithContext(ctx).
		First(&model, "id = ? AND organization_id = ?", id.String(), tc.OrganizationID.String()).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgError.NotFoundError("flow not found")
		}
		return nil, err
	}
	return fromFlowModel(model)
}

func (r *FlowGormRepository) FindByTrigger(ctx context.Context, tc tenancy.TenantCtx, text string) (*domain.Flow, error) {
	var models []flowModel
	err := r.db.WithContext(ctx).
		Where("organization_id = ? AND is_active = ?", tc.OrganizationID.String(), true).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(strings.TrimSpace(text))
	var fallback *flowModel
	for i := range models {
		m := &models[i]
		if m.IsDefault && fallback == nil {
			fallback = m
		}
		if m.TriggerKeywords == "" {
			continue
		}
		for _, kw := range strings.Split(m.TriggerKeywords, ",") {
			kw = strings.TrimSpace(kw)
			if kw != "" && strings.Contains(needle, kw) {
				return fromFlowModel(*m)
			}
		}
	}
	if fallback != nil {
		return fromFlowModel(*fallback)
	}
	return nil, pkgError.NotFoundError("no flow matches trigger")
}

func (r *FlowGormRepository) Create(ctx context.Context, tc tenancy.TenantCtx, flow *domain.Flow) error {
	flow.OrganizationID = tc.OrganizationID
	model, err := toFlowModel(flow)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(&model).Error
}

func (r *FlowGormRepository) Update(ctx context.Context, tc tenancy.TenantCtx, flow *domain.Flow) error {
	model, err := toFlowModel(flow)
	if err != nil {
		return err
	}
	res := r.db.WithContext(ctx).Model(&flowModel{}).
		Where("id = ? AND organization_id = ?", model.ID, tc.OrganizationID.String()).
		Select("*").Omit("id", "organization_id", "created_at").
		Updates(&model)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgError.NotFoundError("flow not found")
	}
	return nil
}

func toFlowModel(f *domain.Flow) (flowModel, error) {
	canvas, err := json.Marshal(f.Canvas)
	if err != nil {
		return flowModel{}, pkgError.InternalError("marshal flow canvas: " + err.Error())
	}
	inactivity, err := json.Marshal(f.Inactivity)
	if err != nil {
		return flowModel{}, pkgError.InternalError("marshal inactivity settings: " + err.Error())
	}
	windowExpiry, err := json.Marshal(f.WindowExpiry)
	if err != nil {
		return flowModel{}, pkgError.InternalError("marshal window expiry settings: " + err.Error())
	}
	m := flowModel{
		ID:              f.ID.String(),
		OrganizationID:  f.OrganizationID.String(),
		Name:            f.Name,
		IsActive:        f.IsActive,
		IsDefault:       f.IsDefault,
		TriggerKeywords: strings.ToLower(strings.Join(f.TriggerKeywords, ",")),
		Canvas:          string(canvas),
		Inactivity:      string(inactivity),
		WindowExpiry:    string(windowExpiry),
		CreatedAt:       f.CreatedAt,
		UpdatedAt:       f.UpdatedAt,
	}
	if f.FallbackDepartmentID != nil {
		s := f.FallbackDepartmentID.String()
		m.FallbackDepartmentID = &s
	}
	return m, nil
}

func fromFlowModel(m flowModel) (*domain.Flow, error) {
	f := &domain.Flow{
		ID:             uuid.MustParse(m.ID),
		OrganizationID: uuid.MustParse(m.OrganizationID),
		Name:           m.Name,
		IsActive:       m.IsActive,
		IsDefault:      m.IsDefault,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
	if m.TriggerKeywords != "" {
		f.TriggerKeywords = strings.Split(m.TriggerKeywords, ",")
	}
	if m.Canvas != "" {
		if err := json.Unmarshal([]byte(m.Canvas), &f.Canvas); err != nil {
			return nil, pkgError.InternalError("unmarshal flow canvas: " + err.Error())
		}
	}
	if m.Inactivity != "" {
		if err := json.Unmarshal([]byte(m.Inactivity), &f.Inactivity); err != nil {
			return nil, pkgError.InternalError("unmarshal inactivity settings: " + err.Error())
		}
	}
	if m.WindowExpiry != "" {
		if err := json.Unmarshal([]byte(m.WindowExpiry), &f.WindowExpiry); err != nil {
			return nil, pkgError.InternalError("unmarshal window expiry settings: " + err.Error())
		}
	}
	if m.FallbackDepartmentID != nil {
		id := uuid.MustParse(*m.FallbackDepartmentID)
		f.FallbackDepartmentID = &id
	}
	return f, nil
}
