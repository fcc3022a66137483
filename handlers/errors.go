package handlers

import (
	"errors"

	"coin-clash/payment"
	"coin-clash/services"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// respondError maps service errors onto status codes. Anything unexpected
// is logged and returned as a bare 500.
func respondError(c *fiber.Ctx, log zerolog.Logger, err error) error {
	var (
		ve *services.ValidationError
		nf *services.NotFoundError
		ce *services.ConflictError
		fe *services.ForbiddenError
		pe *payment.Error
	)
	switch {
	case errors.As(err, &ve):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": ve.Error(), "field": ve.Field})
	case errors.As(err, &nf):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": nf.Error()})
	case errors.As(err, &ce):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": ce.Error()})
	case errors.As(err, &fe):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": fe.Error()})
	case errors.As(err, &pe):
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": pe.Error(), "kind": pe.Kind})
	}

	log.Error().Err(err).Str("path", c.Path()).Str("method", c.Method()).Msg("request failed")
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}
