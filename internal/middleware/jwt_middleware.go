package middleware

import (
	"log"
	"strings"

	"akun/internal/services"

	"github.com/gofiber/fiber/v2"
)

// AuthRequired is a Fiber middleware that checks for a valid session
// token. Validation includes the security-stamp comparison, so sessions
// issued before a password change or reset are rejected here even when
// their JWT expiry has not passed.
func AuthRequired(authService *services.AuthService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"message": "Authorization header is required",
			})
		}

		// Expected format: "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if !(len(parts) == 2 && parts[0] == "Bearer") {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"message": "Authorization header format must be 'Bearer <token>'",
			})
		}

		tokenString := parts[1]

		user, claims, err := authService.ValidateSession(tokenString)
		if err != nil {
			log.Printf("Session validation failed: %v", err)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"message": "Invalid or expired session",
			})
		}

		// Store identity in Fiber context for subsequent handlers
		c.Locals("user_id", user.ID)
		c.Locals("username", user.Username)
		c.Locals("claims", claims)

		// Continue to the next handler
		return c.Next()
	}
}
