package handlers

import (
	"strconv"

	"github.com/contact-unlock/backend/internal/http/dto"
	"github.com/contact-unlock/backend/internal/middleware"
	"github.com/contact-unlock/backend/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// respondError writes err using the service error taxonomy. Internal errors
// are logged and never leak their text.
func respondError(c *fiber.Ctx, log *zap.Logger, err error) error {
	class := services.ErrorClass(err)
	reqID, _ := c.Locals(middleware.CtxRequestID).(string)

	msg := err.Error()
	if class == services.ClassInternal {
		log.Error("request failed",
			zap.String("request_id", reqID),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
		msg = "internal error"
	}

	return c.Status(dto.StatusFor(class)).JSON(dto.ErrorResponse{
		Error:     msg,
		Code:      class.String(),
		RequestID: reqID,
	})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: msg, Code: services.ClassValidation.String()})
}

func paramUUID(c *fiber.Ctx, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Params(name))
	return id, err == nil
}

// paging reads limit/offset query params. Services clamp the values.
func paging(c *fiber.Ctx) (limit, offset int) {
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			offset = n
		}
	}
	return limit, offset
}
