package rest

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	flowdomain "github.com/xkayo32/pytake-sub001/flowengine/domain"
	pkgError "github.com/xkayo32/pytake-sub001/pkg/error"
	"github.com/xkayo32/pytake-sub001/pkg/utils"
	"github.com/xkayo32/pytake-sub001/ui/rest/middleware"
	"github.com/xkayo32/pytake-sub001/validations"
)

type Flow struct {
	Flows flowdomain.FlowRepository
}

func InitRestFlow(app fiber.Router, flows flowdomain.FlowRepository) Flow {
	handler := Flow{Flows: flows}

	group := app.Group("/flows")
	group.Post("/", handler.Create)
	group.Get("/:id", handler.Get)
	group.Put("/:id", handler.Update)

	return handler
}

func (h *Flow) Create(c *fiber.Ctx) error {
	tc, ok := middleware.TenantFrom(c)
	if !ok {
		utils.PanicIfNeeded(pkgError.AuthorizationError("missing tenant context"))
	}

	var flow flowdomain.Flow
	if err := c.BodyParser(&flow); err != nil {
		utils.PanicIfNeeded(pkgError.ValidationError("malformed flow payload"))
	}
	flow.ID = uuid.New()
	if flow.Canvas.SchemaVersion == 0 {
		flow.Canvas.SchemaVersion = flowdomain.CanvasSchemaVersion
	}
	utils.PanicIfNeeded(validations.ValidateFlow(c.UserContext(), &flow))
	utils.PanicIfNeeded(h.Flows.Create(c.UserContext(), tc, &flow))

	return c.Status(201).JSON(utils.ResponseData{
		Status:  201,
		Code:    "SUCCESS",
		Message: "Flow created",
		Results: map[string]any{"id": flow.ID.String()},
	})
}

func (h *Flow) Get(c *fiber.Ctx) error {
	tc, ok := middleware.TenantFrom(c)
	if !ok {
		utils.PanicIfNeeded(pkgError.AuthorizationError("missing tenant context"))
	}

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		utils.PanicIfNeeded(pkgError.ValidationError("invalid flow id"))
	}

	flow, err := h.Flows.GetByID(c.UserContext(), tc, id)
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Flow retrieved",
		Results: flow,
	})
}

func (h *Flow) Update(c *fiber.Ctx) error {
	tc, ok := middleware.TenantFrom(c)
	if !ok {
		utils.PanicIfNeeded(pkgError.AuthorizationError("missing tenant context"))
	}

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		utils.PanicIfNeeded(pkgError.ValidationError("invalid flow id"))
	}

	var flow flowdomain.Flow
	if err := c.BodyParser(&flow); err != nil {
		utils.PanicIfNeeded(pkgError.ValidationError("malformed flow payload"))
	}
	flow.ID = id
	utils.PanicIfNeeded(validations.ValidateFlow(c.UserContext(), &flow))
	utils.PanicIfNeeded(h.Flows.Update(c.UserContext(), tc, &flow))

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Flow updated",
	})
}
