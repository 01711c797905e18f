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

type conversationModel struct {
	ID               string `gorm:"primaryKey"`
	OrganizationID   string `gorm:"index;not null"`
	ContactID        string `gorm:"index:idx_conv_contact_number;not null"`
	WhatsAppNumberID string `gorm:"column:whatsapp_number_id;index:idx_conv_contact_number;not null"`

	Status      string `gorm:"index;not null"`
	IsBotActive bool   `gorm:"not null;default:true"`

	ActiveFlowID  *string
	CurrentNodeID *string

	AssignedAgentID      *string
	AssignedDepartmentID *string

	ContextVariables jsonMap `gorm:"type:text"`

	LastUserMessageAt *time.Time `gorm:"index"`
	WindowExpiresAt   *time.Time

	Version int `gorm:"not null;default:0"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
	ClosedAt  *time.Time
}

func (conversationModel) TableName() string {
	return "conversations"
}

type ConversationGormRepository struct {
	db *gorm.DB
}

func NewConversationGormRepository(db *gorm.DB) *ConversationGormRepository {
	return &ConversationGormRepository{db: db}
}

func (r *ConversationGormRepository) GetByID(ctx context.Context, tc tenancy.TenantCtx, id uuid.UUID) (*domain.Conversation, error) {
	var model conversationModel
	err := r.db.WithContext(ctx).
		First(&model, "id = ? AND organization_id = ?", id.String(), tc.OrganizationID.String()).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgError.NotFoundError("conversation not found")
		}
		return nil, err
	}
	return fromConversationModel(model), nil
}

func (r *ConversationGormRepository) FindActive(ctx context.Context, tc tenancy.TenantCtx, contactID, numberID uuid.UUID) (*domain.Conversation, error) {
	var model conversationModel
	err := r.db.WithContext(ctx).
		Where("organization_id = ? AND contact_id = ? AND whatsapp_number_id = ? AND status <> ?",
			tc.OrganizationID.String(), contactID.String(), numberID.String(), string(domain.StatusClosed)).
		Order("created_at DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgError.NotFoundError("no active conversation")
		}
		return nil, err
	}
	return fromConversationModel(model), nil
}

func (r *ConversationGormRepository) Create(ctx context.Context, tc tenancy.TenantCtx, conv *domain.Conversation) error {
	conv.OrganizationID = tc.OrganizationID
	model := toConversationModel(conv)
	return r.db.WithContext(ctx).Create(&model).Error
}

func (r *ConversationGormRepository) Update(ctx context.Context, tc tenancy.TenantCtx, conv *domain.Conversation) error {
	model := toConversationModel(conv)
	res := r.db.WithContext(ctx).Model(&conversationModel{}).
		Where("id = ? AND organization_id = ?", model.ID, tc.OrganizationID.String()).
		Select("*").Omit("id", "organization_id", "created_at").
		Updates(&model)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgError.NotFoundError("conversation not found")
	}
	return nil
}

func (r *ConversationGormRepository) UpdateCursor(ctx context.Context, tc tenancy.TenantCtx, convID uuid.UUID, expectVersion int, flowID *uuid.UUID, nodeID *string, vars map[string]any) error {
	var flowStr *string
	if flowID != nil {
		s := flowID.String()
		flowStr = &s
	}
	res := r.db.WithContext(ctx).Model(&conversationModel{}).
		Where("id = ? AND organization_id = ? AND version = ?",
			convID.String(), tc.OrganizationID.String(), expectVersion).
		Updates(map[string]any{
			"active_flow_id":    flowStr,
			"current_node_id":   nodeID,
			"context_variables": jsonMap(vars),
			"version":           expectVersion + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Distinguish a stale version from a missing row.
		var count int64
		if err := r.db.WithContext(ctx).Model(&conversationModel{}).
			Where("id = ? AND organization_id = ?", convID.String(), tc.OrganizationID.String()).
			Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return pkgError.NotFoundError("conversation not found")
		}
		return pkgError.ConflictError("conversation cursor moved concurrently")
	}
	return nil
}

func (r *ConversationGormRepository) RecordInboundActivity(ctx context.Context, tc tenancy.TenantCtx, convID uuid.UUID, at, windowExpiresAt time.Time) error {
	res := r.db.WithContext(ctx).Model(&conversationModel{}).
		Where("id = ? AND organization_id = ?", convID.String(), tc.OrganizationID.String()).
		Updates(map[string]any{
			"last_user_message_at": at,
			"window_expires_at":    windowExpiresAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgError.NotFoundError("conversation not found")
	}
	return nil
}

func (r *ConversationGormRepository) ListInactiveCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Conversation, error) {
	var models []conversationModel
	err := r.db.WithContext(ctx).
		Where("is_bot_active = ? AND status NOT IN ? AND active_flow_id IS NOT NULL AND last_user_message_at IS NOT NULL AND last_user_message_at <= ?",
			true, []string{string(domain.StatusClosed), string(domain.StatusResolved)}, cutoff).
		Order("last_user_message_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	result := make([]*domain.Conversation, len(models))
	for i, m := range models {
		result[i] = fromConversationModel(m)
	}
	return result, nil
}

func toConversationModel(c *domain.Conversation) conversationModel {
	m := conversationModel{
		ID:                c.ID.String(),
		OrganizationID:    c.OrganizationID.String(),
		ContactID:         c.ContactID.String(),
		WhatsAppNumberID:  c.WhatsAppNumberID.String(),
		Status:            string(c.Status),
		IsBotActive:       c.IsBotActive,
		CurrentNodeID:     c.CurrentNodeID,
		ContextVariables:  jsonMap(c.ContextVariables),
		LastUserMessageAt: c.LastUserMessageAt,
		WindowExpiresAt:   c.WindowExpiresAt,
		Version:           c.Version,
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
		ClosedAt:          c.ClosedAt,
	}
	if c.ActiveFlowID != nil {
		s := c.ActiveFlowID.String()
		m.ActiveFlowID = &s
	}
	if c.AssignedAgentID != nil {
		s := c.AssignedAgentID.String()
		m.AssignedAgentID = &s
	}
	if c.AssignedDepartmentID != nil {
		s := c.AssignedDepartmentID.String()
		m.AssignedDepartmentID = &s
	}
	return m
}

func fromConversationModel(m conversationModel) *domain.Conversation {
	c := &domain.Conversation{
		ID:                uuid.MustParse(m.ID),
		OrganizationID:    uuid.MustParse(m.OrganizationID),
		ContactID:         uuid.MustParse(m.ContactID),
		WhatsAppNumberID:  uuid.MustParse(m.WhatsAppNumberID),
		Status:            domain.ConversationStatus(m.Status),
		IsBotActive:       m.IsBotActive,
		CurrentNodeID:     m.CurrentNodeID,
		ContextVariables:  m.ContextVariables,
		LastUserMessageAt: m.LastUserMessageAt,
		WindowExpiresAt:   m.WindowExpiresAt,
		Version:           m.Version,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
		ClosedAt:          m.ClosedAt,
	}
	if m.ActiveFlowID != nil {
		id := uuid.MustParse(*m.ActiveFlowID)
		c.ActiveFlowID = &id
	}
	if m.AssignedAgentID != nil {
		id := uuid.MustParse(*m.AssignedAgentID)
		c.AssignedAgentID = &id
	}
	if m.AssignedDepartmentID != nil {
		id := uuid.MustParse(*m.AssignedDepartmentID)
		c.AssignedDepartmentID = &id
	}
	return c
}
