package validations

import (
	"context"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	pkgError "github.com/xkayo32/pytake-sub001/pkg/error"
	"github.com/xkayo32/pytake-sub001/tenancy"
)

// RegisterNumberRequest is the POST /numbers body.
type RegisterNumberRequest struct {
	DisplayNumber  string `json:"display_number"`
	ConnectionType string `json:"connection_type"`

	// Official connections.
	PhoneNumberID string `json:"phone_number_id,omitempty"`
	AccessToken   string `json:"access_token,omitempty"`
	AppSecret     string `json:"app_secret,omitempty"`

	// QR-code connections.
	EvolutionInstance string `json:"evolution_instance,omitempty"`
	EvolutionAPIKey   string `json:"evolution_api_key,omitempty"`
	WebhookToken      string `json:"webhook_token,omitempty"`

	DefaultChatbotID string                 `json:"default_chatbot_id,omitempty"`
	RateOverrides    *tenancy.RateOverrides `json:"rate_overrides,omitempty"`
}

// ValidateRegisterNumber checks that the request carries the complete
// credential set for its connection type.
func ValidateRegisterNumber(ctx context.Context, request *RegisterNumberRequest) error {
	err := validation.ValidateStructWithContext(ctx, request,
		validation.Field(&request.DisplayNumber, validation.Required, validation.Length(5, 20)),
		validation.Field(&request.ConnectionType, validation.Required,
			validation.In(string(tenancy.ConnectionOfficial), string(tenancy.ConnectionQRCode))),
	)
	if err != nil {
		return pkgError.ValidationError(err.Error())
	}

	switch tenancy.ConnectionType(request.ConnectionType) {
	case tenancy.ConnectionOfficial:
		if request.PhoneNumberID == "" || request.AccessToken == "" || request.AppSecret == "" {
			return pkgError.ValidationError("official connections require phone_number_id, access_token and app_secret")
		}
	case tenancy.ConnectionQRCode:
		if request.EvolutionInstance == "" || request.EvolutionAPIKey == "" {
			return pkgError.ValidationError("qrcode connections require evolution_instance and evolution_api_key")
		}
	}
	return nil
}
