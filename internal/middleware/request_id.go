package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/google/uuid"
)

const (
	CtxRequestID     = "request_id"
	HeaderRequestID  = "X-Request-ID"
	maxRequestIDSize = 64
)

// RequestIDMiddleware tags each request with an id that error bodies and
// access logs repeat. A caller-supplied X-Request-ID is kept when it is
// short printable ASCII; anything else is replaced with a fresh UUID.
func RequestIDMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		reqID := c.Get(HeaderRequestID)
		if validRequestID(reqID) {
			reqID = utils.CopyString(reqID)
		} else {
			reqID = uuid.NewString()
		}
		c.Locals(CtxRequestID, reqID)
		c.Set(HeaderRequestID, reqID)
		return c.Next()
	}
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDSize {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
