package rest

import (
	"github.com/gofiber/fiber/v2"

	"github.com/xkayo32/pytake-sub001/pkg/msgworker"
	"github.com/xkayo32/pytake-sub001/pkg/utils"
)

type WorkerPool struct {
	Pool *msgworker.Pool
}

func InitRestWorkerPool(app fiber.Router, pool *msgworker.Pool) WorkerPool {
	handler := WorkerPool{Pool: pool}
	app.Get("/workers/stats", handler.Stats)
	return handler
}

func (h *WorkerPool) Stats(c *fiber.Ctx) error {
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Worker pool stats retrieved",
		Results: h.Pool.GetStats(),
	})
}
