package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/xkayo32/pytake-sub001/conversation/domain"
	pkgError "github.com/xkayo32/pytake-sub001/pkg/error"
	"github.com/xkayo32/pytake-sub001/tenancy"
)

type messageModel struct {
	ID             string `gorm:"primaryKey"`
	OrganizationID string `gorm:"index;not null"`
	ConversationID string `gorm:"index;not null"`

	Direction string   `gorm:"not null"`
	Status    string   `gorm:"index;not null"`
	Content   jsonBlob `gorm:"type:text"`

	ProviderMessageID string `gorm:"index"`

	Attempts    int `gorm:"not null;default:0"`
	NextRetryAt *time.Time `gorm:"index"`
	ScheduledAt *time.Time `gorm:"index"`
	LastError   string

	SentAt      *time.Time
	DeliveredAt *time.Time
	ReadAt      *time.Time
	FailedAt    *time.Time

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (messageModel) TableName() string {
	return "messages"
}

type MessageGormRepository struct {
	db *gorm.DB
}

func NewMessageGormRepository(db *gorm.DB) *MessageGormRepository {
	return &MessageGormRepository{db: db}
}

func (r *MessageGormRepository) Create(ctx context.Context, tc tenancy.TenantCtx, msg *domain.Message) error {
	msg.OrganizationID = tc.OrganizationID
	model, err := toMessageModel(msg)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(&model).Error
}

func (r *MessageGormRepository) GetByID(ctx context.Context, tc tenancy.TenantCtx, id uuid.UUID) (*domain.Message, error) {
	var model messageModel
	err := r.db.WithContext(ctx).
		First(&model, "id = ? AND organization_id = ?", id.String(), tc.OrganizationID.String()).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgError.NotFoundError("message not found")
		}
		return nil, err
	}
	return fromMessageModel(model)
}

func (r *MessageGormRepository) Update(ctx context.Context, tc tenancy.TenantCtx, msg *domain.Message) error {
	model, err := toMessageModel(msg)
	if err != nil {
		return err
	}
	res := r.db.WithContext(ctx).Model(&messageModel{}).
		Where("id = ? AND organization_id = ?", model.ID, tc.OrganizationID.String()).
		Select("*").Omit("id", "organization_id", "created_at").
		Updates(&model)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgError.NotFoundError("message not found")
	}
	return nil
}

func (r *MessageGormRepository) ClaimAttempt(ctx context.Context, tc tenancy.TenantCtx, id uuid.UUID, expectAttempts int) error {
	res := r.db.WithContext(ctx).Model(&messageModel{}).
		Where("id = ? AND organization_id = ? AND status = ? AND attempts = ?",
			id.String(), tc.OrganizationID.String(), string(domain.MessageStatusPending), expectAttempts).
		Updates(map[string]any{
			"attempts":      expectAttempts + 1,
			"next_retry_at": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgError.ConflictError("message already claimed")
	}
	return nil
}

func (r *MessageGormRepository) ApplyStatusIfForward(ctx context.Context, providerMessageID string, status domain.MessageStatus, at time.Time) (*domain.Message, error) {
	var model messageModel
	err := r.db.WithContext(ctx).
		First(&model, "provider_message_id = ?", providerMessageID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	msg, err := fromMessageModel(model)
	if err != nil {
		return nil, err
	}
	if !msg.ApplyStatus(status, at) {
		return msg, nil
	}

	// ApplyStatus backfills timestamps skipped by out-of-order callbacks, so
	// write all four columns, not just the arriving one.
	updates := map[string]any{
		"status":       string(msg.Status),
		"sent_at":      msg.SentAt,
		"delivered_at": msg.DeliveredAt,
		"read_at":      msg.ReadAt,
		"failed_at":    msg.FailedAt,
	}

	// Guard on the status we read so concurrent callbacks serialize.
	res := r.db.WithContext(ctx).Model(&messageModel{}).
		Where("id = ? AND status = ?", model.ID, model.Status).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// Lost the race; re-read and report what won.
		if err := r.db.WithContext(ctx).First(&model, "id = ?", model.ID).Error; err != nil {
			return nil, err
		}
		return fromMessageModel(model)
	}

	if err := r.db.WithContext(ctx).First(&model, "id = ?", model.ID).Error; err != nil {
		return nil, err
	}
	return fromMessageModel(model)
}

func (r *MessageGormRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Message, error) {
	var models []messageModel
	err := r.db.WithContext(ctx).
		Where("direction = ? AND status = ?", string(domain.DirectionOutbound), string(domain.MessageStatusPending)).
		Where("(next_retry_at IS NOT NULL AND next_retry_at <= ?) OR (next_retry_at IS NULL AND scheduled_at IS NOT NULL AND scheduled_at <= ?)", now, now).
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	result := make([]*domain.Message, 0, len(models))
	for _, m := range models {
		msg, err := fromMessageModel(m)
		if err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	return result, nil
}

func toMessageModel(msg *domain.Message) (messageModel, error) {
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return messageModel{}, pkgError.InternalError("marshal message content: " + err.Error())
	}
	return messageModel{
		ID:                msg.ID.String(),
		OrganizationID:    msg.OrganizationID.String(),
		ConversationID:    msg.ConversationID.String(),
		Direction:         string(msg.Direction),
		Status:            string(msg.Status),
		Content:           content,
		ProviderMessageID: msg.ProviderMessageID,
		Attempts:          msg.Attempts,
		NextRetryAt:       msg.NextRetryAt,
		ScheduledAt:       msg.ScheduledAt,
		LastError:         msg.LastError,
		SentAt:            msg.SentAt,
		DeliveredAt:       msg.DeliveredAt,
		ReadAt:            msg.ReadAt,
		FailedAt:          msg.FailedAt,
		CreatedAt:         msg.CreatedAt,
		UpdatedAt:         msg.UpdatedAt,
	}, nil
}

func fromMessageModel(m messageModel) (*domain.Message, error) {
	var content domain.MessageContent
	if len(m.Content) > 0 {
		if err := json.Unmarshal(m.Content, &content); err != nil {
			return nil, pkgError.InternalError("unmarshal message content: " + err.Error())
		}
	}
	return &domain.Message{
		ID:                uuid.MustParse(m.ID),
		OrganizationID:    uuid.MustParse(m.OrganizationID),
		ConversationID:    uuid.MustParse(m.ConversationID),
		Direction:         domain.MessageDirection(m.Direction),
		Status:            domain.MessageStatus(m.Status),
		Content:           content,
		ProviderMessageID: m.ProviderMessageID,
		Attempts:          m.Attempts,
		NextRetryAt:       m.NextRetryAt,
		ScheduledAt:       m.ScheduledAt,
		LastError:         m.LastError,
		SentAt:            m.SentAt,
		DeliveredAt:       m.DeliveredAt,
		ReadAt:            m.ReadAt,
		FailedAt:          m.FailedAt,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}, nil
}
