package middleware

import (
	"time"

	"github.com/contact-unlock/backend/internal/observability"
	"github.com/gofiber/fiber/v2"
)

// MetricsMiddleware records latency per matched route pattern so path
// parameters do not explode label cardinality.
func MetricsMiddleware() fiber.Handler {
	m := observability.HTTP()
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if e, ok := err.(*fiber.Error); ok {
			status = e.Code
		}
		m.Observe(c.Method(), c.Route().Path, status, time.Since(start))
		return err
	}
}
