package middleware

import (
	"strings"

	"github.com/contact-unlock/backend/internal/auth"
	"github.com/contact-unlock/backend/internal/config"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const CtxAccountID = "account_id"

func AuthMiddleware(cfg *config.Config, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenStr, ok := bearerToken(c)
		if !ok {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing or malformed authorization"})
		}

		claims, err := auth.ParseJWT(cfg.JWTSecret, tokenStr)
		if err != nil {
			log.Debug("jwt parse error", zap.Error(err))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid or expired token"})
		}

		c.Locals(CtxAccountID, claims.AccountID)
		return c.Next()
	}
}

// bearerToken reads the Authorization header, falling back to the token
// query parameter for websocket upgrades where browsers cannot set headers.
func bearerToken(c *fiber.Ctx) (string, bool) {
	if h := c.Get("Authorization"); h != "" {
		tokenStr := strings.TrimPrefix(h, "Bearer ")
		return tokenStr, tokenStr != h && tokenStr != ""
	}
	if q := c.Query("token"); q != "" {
		return q, true
	}
	return "", false
}

func GetAccountID(c *fiber.Ctx) uuid.UUID {
	id, _ := c.Locals(CtxAccountID).(uuid.UUID)
	return id
}
