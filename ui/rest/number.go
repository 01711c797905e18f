package rest

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	pkgError "github.com/xkayo32/pytake-sub001/pkg/error"
	"github.com/xkayo32/pytake-sub001/pkg/utils"
	"github.com/xkayo32/pytake-sub001/tenancy"
	"github.com/xkayo32/pytake-sub001/ui/rest/middleware"
	"github.com/xkayo32/pytake-sub001/validations"
)

type Number struct {
	Numbers tenancy.NumberRepository
}

func InitRestNumber(app fiber.Router, numbers tenancy.NumberRepository) Number {
	handler := Number{Numbers: numbers}

	app.Post("/numbers", middleware.RequireRole("admin", "owner"), handler.Register)
	app.Get("/numbers/:id", handler.Get)

	return handler
}

// Register provisions a WhatsApp number for the tenant. Credentials are
// encrypted by the repository before they are persisted.
func (h *Number) Register(c *fiber.Ctx) error {
	tc, ok := middleware.TenantFrom(c)
	if !ok {
		utils.PanicIfNeeded(pkgError.AuthorizationError("missing tenant context"))
	}

	var request validations.RegisterNumberRequest
	if err := c.BodyParser(&request); err != nil {
		utils.PanicIfNeeded(pkgError.ValidationError("malformed request body"))
	}
	utils.PanicIfNeeded(validations.ValidateRegisterNumber(c.UserContext(), &request))

	number := &tenancy.WhatsAppNumber{
		ID:                uuid.New(),
		OrganizationID:    tc.OrganizationID,
		DisplayNumber:     utils.NormalizePhone(request.DisplayNumber),
		ConnectionType:    tenancy.ConnectionType(request.ConnectionType),
		PhoneNumberID:     request.PhoneNumberID,
		AccessToken:       request.AccessToken,
		AppSecret:         request.AppSecret,
		EvolutionInstance: request.EvolutionInstance,
		EvolutionAPIKey:   request.EvolutionAPIKey,
		WebhookToken:      request.WebhookToken,
		QualityRating:     tenancy.QualityGreen,
		RateOverrides:     request.RateOverrides,
	}
	if request.DefaultChatbotID != "" {
		id, err := uuid.Parse(request.DefaultChatbotID)
		if err != nil {
			utils.PanicIfNeeded(pkgError.ValidationError("default_chatbot_id must be a uuid"))
		}
		number.DefaultChatbotID = &id
	}

	utils.PanicIfNeeded(h.Numbers.Create(c.UserContext(), tc, number))

	return c.Status(fiber.StatusCreated).JSON(utils.ResponseData{
		Status:  201,
		Code:    "CREATED",
		Message: "Number registered",
		Results: map[string]any{
			"number_id":       number.ID.String(),
			"connection_type": string(number.ConnectionType),
		},
	})
}

// Get returns one number without its credential fields.
func (h *Number) Get(c *fiber.Ctx) error {
	tc, ok := middleware.TenantFrom(c)
	if !ok {
		utils.PanicIfNeeded(pkgError.AuthorizationError("missing tenant context"))
	}

	numberID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		utils.PanicIfNeeded(pkgError.ValidationError("invalid number id"))
	}

	number, err := h.Numbers.GetByID(c.UserContext(), tc, numberID)
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Number retrieved",
		Results: map[string]any{
			"number_id":       number.ID.String(),
			"display_number":  number.DisplayNumber,
			"connection_type": string(number.ConnectionType),
			"quality_rating":  string(number.QualityRating),
			"messaging_tier":  number.MessagingTier,
			"rate_overrides":  number.RateOverrides,
		},
	})
}
