package validations

import (
	"context"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	convdomain "github.com/xkayo32/pytake-sub001/conversation/domain"
	pkgError "github.com/xkayo32/pytake-sub001/pkg/error"
	"github.com/xkayo32/pytake-sub001/tenancy"
)

// SendMessageRequest is the POST /messages/send body.
type SendMessageRequest struct {
	ConversationID string                   `json:"conversation_id"`
	Content        convdomain.MessageContent `json:"content"`
	ScheduledAt    string                   `json:"scheduled_at,omitempty"` // RFC3339
}

func ValidateSendMessage(ctx context.Context, request *SendMessageRequest) error {
	err := validation.ValidateStructWithContext(ctx, request,
		validation.Field(&request.ConversationID, validation.Required, is.UUIDv4),
		validation.Field(&request.Content, validation.Required),
	)
	if err != nil {
		return pkgError.ValidationError(err.Error())
	}
	return ValidateContent(&request.Content, tenancy.ConnectionOfficial)
}

// ValidateContent checks a message body against its declared type and the
// target connection's capabilities. QR-code connections cannot carry
// templates or interactive messages.
func ValidateContent(content *convdomain.MessageContent, connType tenancy.ConnectionType) error {
	switch content.Type {
	case "text":
		if content.Text == "" {
			return pkgError.ValidationError("text content requires text")
		}
	case "template":
		if content.TemplateName == "" || content.TemplateLanguage == "" {
			return pkgError.ValidationError("template content requires name and language")
		}
	case "image", "document", "audio", "video":
		if content.MediaURL == "" {
			return pkgError.ValidationError(content.Type + " content requires media_url")
		}
	case "interactive_buttons":
		if n := len(content.Buttons); n < 1 || n > 3 {
			return pkgError.ValidationError(fmt.Sprintf("interactive_buttons requires 1 to 3 buttons, has %d", n))
		}
	case "interactive_list":
		if len(content.ListSections) == 0 {
			return pkgError.ValidationError("interactive_list requires sections")
		}
	default:
		return pkgError.ValidationError(fmt.Sprintf("unsupported content type %q", content.Type))
	}

	if connType == tenancy.ConnectionQRCode {
		switch content.Type {
		case "template", "interactive_buttons", "interactive_list":
			return pkgError.ValidationError(fmt.Sprintf("content type %q is not available on qrcode connections", content.Type))
		}
	}
	return nil
}
