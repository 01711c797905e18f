package rest

import (
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/xkayo32/pytake-sub001/infrastructure/valkey"
	"github.com/xkayo32/pytake-sub001/pkg/utils"
)

type Health struct {
	DB     *gorm.DB
	Valkey *valkey.Client
}

func InitRestHealth(app fiber.Router, db *gorm.DB, vk *valkey.Client) Health {
	handler := Health{DB: db, Valkey: vk}
	app.Get("/health", handler.Status)
	return handler
}

func (h *Health) Status(c *fiber.Ctx) error {
	checks := map[string]string{
		"database": "ok",
		"valkey":   "ok",
	}
	status := 200

	if sqlDB, err := h.DB.DB(); err != nil || sqlDB.PingContext(c.UserContext()) != nil {
		checks["database"] = "unavailable"
		status = 503
	}
	if err := h.Valkey.Ping(c.UserContext()); err != nil {
		checks["valkey"] = "unavailable"
		status = 503
	}

	code := "SUCCESS"
	if status != 200 {
		code = "DEGRADED"
	}
	return c.Status(status).JSON(utils.ResponseData{
		Status:  status,
		Code:    code,
		Message: "Health status",
		Results: checks,
	})
}
