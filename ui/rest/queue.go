package rest

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	pkgError "github.com/xkayo32/pytake-sub001/pkg/error"
	"github.com/xkayo32/pytake-sub001/pkg/utils"
	"github.com/xkayo32/pytake-sub001/queue"
	"github.com/xkayo32/pytake-sub001/ui/rest/middleware"
)

type Queue struct {
	Manager *queue.Manager
}

func InitRestQueue(app fiber.Router, manager *queue.Manager) Queue {
	handler := Queue{Manager: manager}

	group := app.Group("/queues")
	group.Get("/:department", handler.Waiting)
	group.Post("/:department/dequeue", handler.Dequeue)

	return handler
}

// parseDepartment maps the route param to a department id; "unrouted" names
// the org-wide fallback queue.
func parseDepartment(c *fiber.Ctx) *uuid.UUID {
	raw := c.Params("department")
	if raw == "unrouted" {
		return nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		utils.PanicIfNeeded(pkgError.ValidationError("invalid department id"))
	}
	return &id
}

func (h *Queue) Waiting(c *fiber.Ctx) error {
	tc, ok := middleware.TenantFrom(c)
	if !ok {
		utils.PanicIfNeeded(pkgError.AuthorizationError("missing tenant context"))
	}
	deptID := parseDepartment(c)

	ids, err := h.Manager.Waiting(c.UserContext(), tc, deptID)
	utils.PanicIfNeeded(err)

	waiting := make([]string, len(ids))
	for i, id := range ids {
		waiting[i] = id.String()
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Queue retrieved",
		Results: map[string]any{"waiting": waiting, "length": len(waiting)},
	})
}

func (h *Queue) Dequeue(c *fiber.Ctx) error {
	tc, ok := middleware.TenantFrom(c)
	if !ok {
		utils.PanicIfNeeded(pkgError.AuthorizationError("missing tenant context"))
	}
	deptID := parseDepartment(c)

	convID, found, err := h.Manager.Dequeue(c.UserContext(), tc, deptID)
	utils.PanicIfNeeded(err)
	if !found {
		return c.JSON(utils.ResponseData{
			Status:  200,
			Code:    "SUCCESS",
			Message: "Queue empty",
		})
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Conversation dequeued",
		Results: map[string]any{"conversation_id": convID.String()},
	})
}
