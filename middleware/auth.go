package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

const (
	UserIDKey    = "user_id"
	UserRolesKey = "user_roles"
)

// UserContextMiddleware extracts user identity and roles set by Gateway.
func UserContextMiddleware(log zerolog.Logger) fiber.Handler {
	log = log.With().Str("component", "user_ctx").Logger()

	return func(c *fiber.Ctx) error {
		userID := strings.TrimSpace(c.Get("X-User-ID"))
		if userID == "" {
			log.Warn().Str("path", c.Path()).Msg("X-User-ID missing on secured route")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing X-User-ID: request must come through gateway with auth context",
			})
		}

		var roles []string
		for _, r := range strings.Split(c.Get("X-User-Roles"), ",") {
			if r = strings.TrimSpace(r); r != "" {
				roles = append(roles, r)
			}
		}

		c.Locals(UserIDKey, userID)
		c.Locals(UserRolesKey, roles)
		log.Debug().Str("user_id", userID).Strs("roles", roles).Str("path", c.Path()).Msg("user context attached")
		return c.Next()
	}
}

// RequireRole rejects requests whose gateway roles do not include role.
func RequireRole(role string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		roles, _ := c.Locals(UserRolesKey).([]string)
		for _, r := range roles {
			if r == role {
				return c.Next()
			}
		}
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "requires role " + role,
		})
	}
}

// UserID returns the id attached by UserContextMiddleware.
func UserID(c *fiber.Ctx) string {
	id, _ := c.Locals(UserIDKey).(string)
	return id
}
