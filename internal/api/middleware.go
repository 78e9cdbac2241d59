package api

import (
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/decidr/chat-core/internal/apierrors"
	"github.com/decidr/chat-core/internal/authz"
	"github.com/decidr/chat-core/internal/httputil"
)

// RequireAuth returns middleware that validates a JWT Bearer token against tokens and stores the resulting user ID
// in c.Locals("userID") for downstream handlers.
func RequireAuth(tokens *authz.TokenVerifier) fiber.Handler {
	return func(c fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		rest, ok := strings.CutPrefix(header, "Bearer ")
		if header == "" || !ok {
			return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "missing or malformed authorization header")
		}

		identity, err := tokens.VerifyToken(rest)
		if err != nil {
			return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "invalid or expired access token")
		}

		c.Locals("userID", identity.UserID)
		return c.Next()
	}
}
