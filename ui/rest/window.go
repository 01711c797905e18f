package rest

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	pkgError "github.com/xkayo32/pytake-sub001/pkg/error"
	"github.com/xkayo32/pytake-sub001/pkg/utils"
	"github.com/xkayo32/pytake-sub001/ui/rest/middleware"
	"github.com/xkayo32/pytake-sub001/window"
)

type Window struct {
	Engine *window.Engine
}

func InitRestWindow(app fiber.Router, engine *window.Engine) Window {
	handler := Window{Engine: engine}

	app.Get("/conversations/:id/window", handler.Status)
	app.Post("/conversations/:id/window/extend", middleware.RequireRole("admin", "owner"), handler.Extend)

	return handler
}

func (h *Window) Status(c *fiber.Ctx) error {
	tc, ok := middleware.TenantFrom(c)
	if !ok {
		utils.PanicIfNeeded(pkgError.AuthorizationError("missing tenant context"))
	}

	convID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		utils.PanicIfNeeded(pkgError.ValidationError("invalid conversation id"))
	}

	status, err := h.Engine.StatusOf(c.UserContext(), tc, convID)
	utils.PanicIfNeeded(err)

	results := map[string]any{
		"open":              status.Open,
		"status":            string(status.State),
		"template_required": !status.Open,
		"remaining_seconds": int(status.Remaining.Seconds()),
	}
	if status.ExpiresAt != nil {
		results["expires_at"] = status.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if status.CloseReason != "" {
		results["close_reason"] = status.CloseReason
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Window status retrieved",
		Results: results,
	})
}

type extendWindowRequest struct {
	Minutes int `json:"minutes"`
}

// Extend is the audited admin override for the 24-hour window.
func (h *Window) Extend(c *fiber.Ctx) error {
	tc, ok := middleware.TenantFrom(c)
	if !ok {
		utils.PanicIfNeeded(pkgError.AuthorizationError("missing tenant context"))
	}

	convID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		utils.PanicIfNeeded(pkgError.ValidationError("invalid conversation id"))
	}

	var request extendWindowRequest
	if err := c.BodyParser(&request); err != nil || request.Minutes <= 0 {
		utils.PanicIfNeeded(pkgError.ValidationError("minutes must be a positive integer"))
	}

	w, err := h.Engine.Extend(c.UserContext(), tc, convID, time.Duration(request.Minutes)*time.Minute, tc.UserID)
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Window extended",
		Results: map[string]any{
			"expires_at": w.ExpiresAt.UTC().Format(time.RFC3339),
		},
	})
}
