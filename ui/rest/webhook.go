package rest

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/xkayo32/pytake-sub001/inbound"
	"github.com/xkayo32/pytake-sub001/pkg/utils"
)

type Webhook struct {
	Processor   *inbound.Processor
	VerifyToken string
}

func InitRestWebhook(app fiber.Router, processor *inbound.Processor, verifyToken string) Webhook {
	handler := Webhook{Processor: processor, VerifyToken: verifyToken}

	group := app.Group("/webhooks")
	group.Get("/whatsapp", handler.VerifySubscription)
	group.Post("/whatsapp", handler.ReceiveCloud)
	group.Post("/evolution/:instance", handler.ReceiveEvolution)

	return handler
}

// VerifySubscription answers Meta's one-time subscription handshake.
func (h *Webhook) VerifySubscription(c *fiber.Ctx) error {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode == "subscribe" && token != "" && token == h.VerifyToken {
		return c.SendString(challenge)
	}
	logrus.Warn("[WEBHOOK] subscription verification rejected")
	return c.SendStatus(fiber.StatusForbidden)
}

// ReceiveCloud ingests one official webhook delivery. Always 200 on accepted
// payloads: upstream retries on anything else, and processing is async.
func (h *Webhook) ReceiveCloud(c *fiber.Ctx) error {
	body := make([]byte, len(c.Body()))
	copy(body, c.Body())

	err := h.Processor.ProcessCloudWebhook(c.UserContext(), body, c.Get("X-Hub-Signature-256"))
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Webhook accepted",
	})
}

// ReceiveEvolution ingests one Evolution callback.
func (h *Webhook) ReceiveEvolution(c *fiber.Ctx) error {
	body := make([]byte, len(c.Body()))
	copy(body, c.Body())

	err := h.Processor.ProcessEvolutionWebhook(c.UserContext(), c.Params("instance"), c.Get(fiber.HeaderAuthorization), body)
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Webhook accepted",
	})
}
