package rest

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	convdomain "github.com/xkayo32/pytake-sub001/conversation/domain"
	"github.com/xkayo32/pytake-sub001/dispatcher"
	pkgError "github.com/xkayo32/pytake-sub001/pkg/error"
	"github.com/xkayo32/pytake-sub001/pkg/utils"
	"github.com/xkayo32/pytake-sub001/ratelimit"
	"github.com/xkayo32/pytake-sub001/tenancy"
	"github.com/xkayo32/pytake-sub001/ui/rest/middleware"
	"github.com/xkayo32/pytake-sub001/validations"
)

type Message struct {
	Dispatcher *dispatcher.Dispatcher
	Convs      convdomain.ConversationRepository
	Numbers    tenancy.NumberRepository
	Limiter    *ratelimit.Limiter
}

func InitRestMessage(app fiber.Router, disp *dispatcher.Dispatcher, convs convdomain.ConversationRepository, numbers tenancy.NumberRepository, limiter *ratelimit.Limiter) Message {
	handler := Message{Dispatcher: disp, Convs: convs, Numbers: numbers, Limiter: limiter}

	app.Post("/messages/send", handler.Send)
	app.Get("/numbers/:id/usage", handler.Usage)

	return handler
}

// Send enqueues one outbound message on an existing conversation. Agent and
// API sends go through the same gates as flow sends.
func (h *Message) Send(c *fiber.Ctx) error {
	tc, ok := middleware.TenantFrom(c)
	if !ok {
		utils.PanicIfNeeded(pkgError.AuthorizationError("missing tenant context"))
	}

	var request validations.SendMessageRequest
	if err := c.BodyParser(&request); err != nil {
		utils.PanicIfNeeded(pkgError.ValidationError("malformed request body"))
	}
	utils.PanicIfNeeded(validations.ValidateSendMessage(c.UserContext(), &request))

	convID, _ := uuid.Parse(request.ConversationID)
	conv, err := h.Convs.GetByID(c.UserContext(), tc, convID)
	utils.PanicIfNeeded(err)

	number, err := h.Numbers.GetByID(c.UserContext(), tc, conv.WhatsAppNumberID)
	utils.PanicIfNeeded(err)
	utils.PanicIfNeeded(validations.ValidateContent(&request.Content, number.ConnectionType))

	opts := dispatcher.EnqueueOptions{}
	if request.ScheduledAt != "" {
		at, err := time.Parse(time.RFC3339, request.ScheduledAt)
		if err != nil {
			utils.PanicIfNeeded(pkgError.ValidationError("scheduled_at must be RFC3339"))
		}
		opts.ScheduledAt = at
	}

	msg, err := h.Dispatcher.Enqueue(c.UserContext(), tc, conv, request.Content, opts)
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Message enqueued",
		Results: map[string]any{
			"message_id": msg.ID.String(),
			"status":     string(msg.Status),
		},
	})
}

// Usage reports rate-limit consumption for one number.
func (h *Message) Usage(c *fiber.Ctx) error {
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

	usage, err := h.Limiter.UsageOf(c.UserContext(), number)
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Usage retrieved",
		Results: usage,
	})
}
