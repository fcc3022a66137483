package handlers

import (
	"strconv"

	"coin-clash/middleware"
	"coin-clash/services"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

type CharacterHandler struct {
	Inventory *services.CharacterInventoryService
	Log       zerolog.Logger
}

func (h *CharacterHandler) Purchase(c *fiber.Ctx) error {
	var req services.PurchaseParams
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	chars, err := h.Inventory.Purchase(c.UserContext(), middleware.UserID(c), req)
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"characters": chars})
}

func (h *CharacterHandler) Revive(c *fiber.Ctx) error {
	var req struct {
		PaymentRef string `json:"payment_ref"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
	}
	char, err := h.Inventory.Revive(c.UserContext(), middleware.UserID(c), c.Params("id"), req.PaymentRef)
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(char)
}

func (h *CharacterHandler) List(c *fiber.Ctx) error {
	var alive *bool
	if raw := c.Query("alive"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return badRequest(c, "alive must be true or false")
		}
		alive = &v
	}
	chars, err := h.Inventory.List(c.UserContext(), middleware.UserID(c), alive)
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(fiber.Map{"characters": chars})
}

// secured must already carry the user context middleware.
func SetupCharacterRoutes(secured fiber.Router, h *CharacterHandler) {
	secured.Get("/characters", h.List)
	secured.Post("/characters/purchase", h.Purchase)
	secured.Post("/characters/:id/revive", h.Revive)
}
