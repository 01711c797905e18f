package repository

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/xkayo32/pytake-sub001/pkg/crypto"
	pkgError "github.com/xkayo32/pytake-sub001/pkg/error"
	"github.com/xkayo32/pytake-sub001/tenancy"
)

type jsonColumn[T any] struct {
	Data *T
}

func (c jsonColumn[T]) Value() (driver.Value, error) {
	if c.Data == nil {
		return nil, nil
	}
	b, err := json.Marshal(c.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	return string(b), nil
}

func (c *jsonColumn[T]) Scan(src any) error {
	if src == nil {
		c.Data = nil
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported json column source type %T", src)
	}
	if len(b) == 0 {
		c.Data = nil
		return nil
	}
	c.Data = new(T)
	return json.Unmarshal(b, c.Data)
}

type organizationModel struct {
	ID                       string `gorm:"primaryKey"`
	Name                     string `gorm:"not null"`
	PlanTier                 string `gorm:"not null;default:'free'"`
	MaxConversationsPerAgent int
	MonthlyMessageLimit      int
	GlobalVariables          jsonColumn[map[string]any] `gorm:"type:text"`
	CreatedAt                time.Time                  `gorm:"autoCreateTime"`
	UpdatedAt                time.Time                  `gorm:"autoUpdateTime"`
	DeletedAt                gorm.DeletedAt             `gorm:"index"`
}

func (organizationModel) TableName() string {
	return "organizations"
}

type numberModel struct {
	ID             string `gorm:"primaryKey"`
	OrganizationID string `gorm:"index;not null"`
	DisplayNumber  string
	ConnectionType string `gorm:"not null"`

	PhoneNumberID string `gorm:"index"`
	AccessToken   string
	AppSecret     string

	EvolutionInstance string `gorm:"index"`
	EvolutionAPIKey   string
	WebhookToken      string

	QualityRating    string `gorm:"default:'GREEN'"`
	MessagingTier    string
	DefaultChatbotID *string
	RateOverrides    jsonColumn[tenancy.RateOverrides] `gorm:"type:text"`

	CreatedAt time.Time      `gorm:"autoCreateTime"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (numberModel) TableName() string {
	return "whatsapp_numbers"
}

// Migrate creates or updates the tenancy tables.
func Migrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(&organizationModel{}, &numberModel{})
}

type OrganizationGormRepository struct {
	db *gorm.DB
}

func NewOrganizationGormRepository(db *gorm.DB) *OrganizationGormRepository {
	return &OrganizationGormRepository{db: db}
}

func (r *OrganizationGormRepository) GetByID(ctx context.Context, id uuid.UUID) (*tenancy.Organization, error) {
	var model organizationModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id.String()).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgError.NotFoundError("organization not found")
		}
		return nil, err
	}
	org := &tenancy.Organization{
		ID:                       uuid.MustParse(model.ID),
		Name:                     model.Name,
		PlanTier:                 tenancy.PlanTier(model.PlanTier),
		MaxConversationsPerAgent: model.MaxConversationsPerAgent,
		MonthlyMessageLimit:      model.MonthlyMessageLimit,
		CreatedAt:                model.CreatedAt,
		UpdatedAt:                model.UpdatedAt,
	}
	if model.GlobalVariables.Data != nil {
		org.GlobalVariables = *model.GlobalVariables.Data
	}
	return org, nil
}

// NumberGormRepository stores WhatsApp numbers. Provider credentials are
// sealed with the given cipher before they reach the database; a nil cipher
// stores them as-is.
type NumberGormRepository struct {
	db     *gorm.DB
	cipher *crypto.Cipher
}

func NewNumberGormRepository(db *gorm.DB, cipher *crypto.Cipher) *NumberGormRepository {
	return &NumberGormRepository{db: db, cipher: cipher}
}

func (r *NumberGormRepository) Create(ctx context.Context, tc tenancy.TenantCtx, number *tenancy.WhatsAppNumber) error {
	accessToken, err := r.cipher.Seal(number.AccessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	appSecret, err := r.cipher.Seal(number.AppSecret)
	if err != nil {
		return fmt.Errorf("seal app secret: %w", err)
	}
	evolutionKey, err := r.cipher.Seal(number.EvolutionAPIKey)
	if err != nil {
		return fmt.Errorf("seal evolution api key: %w", err)
	}

	model := numberModel{
		ID:                number.ID.String(),
		OrganizationID:    tc.OrganizationID.String(),
		DisplayNumber:     number.DisplayNumber,
		ConnectionType:    string(number.ConnectionType),
		PhoneNumberID:     number.PhoneNumberID,
		AccessToken:       accessToken,
		AppSecret:         appSecret,
		EvolutionInstance: number.EvolutionInstance,
		EvolutionAPIKey:   evolutionKey,
		WebhookToken:      number.WebhookToken,
		QualityRating:     string(number.QualityRating),
		MessagingTier:     number.MessagingTier,
		RateOverrides:     jsonColumn[tenancy.RateOverrides]{Data: number.RateOverrides},
	}
	if model.QualityRating == "" {
		model.QualityRating = string(tenancy.QualityGreen)
	}
	if number.DefaultChatbotID != nil {
		id := number.DefaultChatbotID.String()
		model.DefaultChatbotID = &id
	}
	return r.db.WithContext(ctx).Create(&model).Error
}

func (r *NumberGormRepository) GetByID(ctx context.Context, tc tenancy.TenantCtx, id uuid.UUID) (*tenancy.WhatsAppNumber, error) {
	var model numberModel
	err := r.db.WithContext(ctx).
		First(&model, "id = ? AND organization_id = ?", id.String(), tc.OrganizationID.String()).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgError.NotFoundError("whatsapp number not found")
		}
		return nil, err
	}
	return r.fromNumberModel(model)
}

func (r *NumberGormRepository) GetByPhoneNumberID(ctx context.Context, phoneNumberID string) (*tenancy.WhatsAppNumber, error) {
	var model numberModel
	err := r.db.WithContext(ctx).
		First(&model, "phone_number_id = ? AND connection_type = ?", phoneNumberID, string(tenancy.ConnectionOfficial)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgError.NotFoundError("whatsapp number not found")
		}
		return nil, err
	}
	return r.fromNumberModel(model)
}

func (r *NumberGormRepository) GetByEvolutionInstance(ctx context.Context, instance string) (*tenancy.WhatsAppNumber, error) {
	var model numberModel
	err := r.db.WithContext(ctx).
		First(&model, "evolution_instance = ? AND connection_type = ?", instance, string(tenancy.ConnectionQRCode)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgError.NotFoundError("whatsapp number not found")
		}
		return nil, err
	}
	return r.fromNumberModel(model)
}

func (r *NumberGormRepository) SetQualityRating(ctx context.Context, tc tenancy.TenantCtx, id uuid.UUID, rating tenancy.QualityRating) error {
	res := r.db.WithContext(ctx).Model(&numberModel{}).
		Where("id = ? AND organization_id = ?", id.String(), tc.OrganizationID.String()).
		Update("quality_rating", string(rating))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgError.NotFoundError("whatsapp number not found")
	}
	return nil
}

func (r *NumberGormRepository) SetRateOverrides(ctx context.Context, tc tenancy.TenantCtx, id uuid.UUID, overrides *tenancy.RateOverrides) error {
	res := r.db.WithContext(ctx).Model(&numberModel{}).
		Where("id = ? AND organization_id = ?", id.String(), tc.OrganizationID.String()).
		Update("rate_overrides", jsonColumn[tenancy.RateOverrides]{Data: overrides})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgError.NotFoundError("whatsapp number not found")
	}
	return nil
}

func (r *NumberGormRepository) fromNumberModel(m numberModel) (*tenancy.WhatsAppNumber, error) {
	accessToken, err := r.cipher.Open(m.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("open access token: %w", err)
	}
	appSecret, err := r.cipher.Open(m.AppSecret)
	if err != nil {
		return nil, fmt.Errorf("open app secret: %w", err)
	}
	evolutionKey, err := r.cipher.Open(m.EvolutionAPIKey)
	if err != nil {
		return nil, fmt.Errorf("open evolution api key: %w", err)
	}

	n := &tenancy.WhatsAppNumber{
		ID:                uuid.MustParse(m.ID),
		OrganizationID:    uuid.MustParse(m.OrganizationID),
		DisplayNumber:     m.DisplayNumber,
		ConnectionType:    tenancy.ConnectionType(m.ConnectionType),
		PhoneNumberID:     m.PhoneNumberID,
		AccessToken:       accessToken,
		AppSecret:         appSecret,
		EvolutionInstance: m.EvolutionInstance,
		EvolutionAPIKey:   evolutionKey,
		WebhookToken:      m.WebhookToken,
		QualityRating:     tenancy.QualityRating(m.QualityRating),
		MessagingTier:     m.MessagingTier,
		RateOverrides:     m.RateOverrides.Data,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
	if m.DefaultChatbotID != nil {
		id := uuid.MustParse(*m.DefaultChatbotID)
		n.DefaultChatbotID = &id
	}
	return n, nil
}
