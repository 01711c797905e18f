package domain

import (
	"time"

	"github.com/google/uuid"
)

type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
)

// MessageStatus follows the delivery lifecycle. Transitions are monotonic:
// pending -> sent -> delivered -> read; failed is terminal from any state.
type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// statusRank orders the monotonic statuses so late or out-of-order callbacks
// never regress a message.
var statusRank = map[MessageStatus]int{
	MessageStatusPending:   0,
	MessageStatusSent:      1,
	MessageStatusDelivered: 2,
	MessageStatusRead:      3,
}

// CanTransition reports whether moving from -> to is a forward move.
func CanTransition(from, to MessageStatus) bool {
	if from == MessageStatusFailed {
		return false
	}
	if to == MessageStatusFailed {
		return true
	}
	fr, ok1 := statusRank[from]
	tr, ok2 := statusRank[to]
	return ok1 && ok2 && tr > fr
}

// MessageContent is the tagged variant for message bodies. Type selects which
// field group is meaningful; SchemaVersion lets old rows be read forever.
type MessageContent struct {
	SchemaVersion int    `json:"schema_version"`
	Type          string `json:"type"` // text, template, image, document, audio, video, interactive_buttons, interactive_list, system

	Text string `json:"text,omitempty"`

	TemplateName     string   `json:"template_name,omitempty"`
	TemplateLanguage string   `json:"template_language,omitempty"`
	TemplateParams   []string `json:"template_params,omitempty"`

	MediaURL string `json:"media_url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`

	InteractiveBody string        `json:"interactive_body,omitempty"`
	Buttons         []ButtonSpec  `json:"buttons,omitempty"`
	ListHeader      string        `json:"list_header,omitempty"`
	ListButtonText  string        `json:"list_button_text,omitempty"`
	ListSections    []SectionSpec `json:"list_sections,omitempty"`

	// ReplyID is set on inbound interactive replies.
	ReplyID string `json:"reply_id,omitempty"`
}

type ButtonSpec struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type SectionSpec struct {
	Title string    `json:"title,omitempty"`
	Rows  []RowSpec `json:"rows"`
}

type RowSpec struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

const ContentSchemaVersion = 1

// IsTemplate reports whether this content bypasses the window check.
func (c *MessageContent) IsTemplate() bool {
	return c.Type == "template"
}

// Message is one inbound or outbound message on a conversation.
type Message struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	ConversationID uuid.UUID

	Direction MessageDirection
	Status    MessageStatus
	Content   MessageContent

	ProviderMessageID string

	// Dispatch bookkeeping (outbound only).
	Attempts    int
	NextRetryAt *time.Time
	ScheduledAt *time.Time
	LastError   string

	SentAt      *time.Time
	DeliveredAt *time.Time
	ReadAt      *time.Time
	FailedAt    *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ApplyStatus moves the message forward to status, stamping its timestamp at
// the given time. Provider callbacks can arrive out of order, so a forward
// move also backfills any intermediate timestamp the skipped callbacks would
// have set. Returns false when the transition is not a forward move.
func (m *Message) ApplyStatus(status MessageStatus, at time.Time) bool {
	if !CanTransition(m.Status, status) {
		return false
	}

	m.Status = status
	switch status {
	case MessageStatusSent:
		m.SentAt = &at
	case MessageStatusDelivered:
		m.DeliveredAt = &at
		if m.SentAt == nil {
			m.SentAt = &at
		}
	case MessageStatusRead:
		m.ReadAt = &at
		if m.DeliveredAt == nil {
			m.DeliveredAt = &at
		}
		if m.SentAt == nil {
			m.SentAt = &at
		}
	case MessageStatusFailed:
		m.FailedAt = &at
	}
	return true
}
