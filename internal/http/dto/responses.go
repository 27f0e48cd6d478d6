package dto

import (
	"github.com/contact-unlock/backend/internal/services"
	"github.com/gofiber/fiber/v2"
)

type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type SuccessResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

type BalanceResponse struct {
	AccountID   string `json:"account_id"`
	Balance     int64  `json:"balance"`
	TotalEarned int64  `json:"total_earned"`
	TotalSpent  int64  `json:"total_spent"`
}

// StatusFor maps an error class onto the HTTP status returned to callers.
func StatusFor(class services.Class) int {
	switch class {
	case services.ClassInsufficientBalance:
		return fiber.StatusPaymentRequired
	case services.ClassInvalidState:
		return fiber.StatusConflict
	case services.ClassNotFound:
		return fiber.StatusNotFound
	case services.ClassForbidden:
		return fiber.StatusForbidden
	case services.ClassLocked:
		return fiber.StatusLocked
	case services.ClassValidation:
		return fiber.StatusBadRequest
	}
	return fiber.StatusInternalServerError
}
