package handlers

import (
	"github.com/contact-unlock/backend/internal/http/dto"
	"github.com/contact-unlock/backend/internal/middleware"
	"github.com/contact-unlock/backend/internal/services"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type LedgerHandler struct {
	ledgerService *services.LedgerService
	log           *zap.Logger
}

func NewLedgerHandler(ledgerService *services.LedgerService, log *zap.Logger) *LedgerHandler {
	return &LedgerHandler{ledgerService: ledgerService, log: log}
}

// GetBalance provisions the caller's account on first access.
func (h *LedgerHandler) GetBalance(c *fiber.Ctx) error {
	accountID := middleware.GetAccountID(c)
	acc, err := h.ledgerService.GetBalance(c.UserContext(), accountID)
	if err != nil {
		return respondError(c, h.log, err)
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.BalanceResponse{
		AccountID:   acc.UserID.String(),
		Balance:     acc.Balance,
		TotalEarned: acc.TotalEarned,
		TotalSpent:  acc.TotalSpent,
	}})
}

func (h *LedgerHandler) ListTransactions(c *fiber.Ctx) error {
	limit, offset := paging(c)
	txs, err := h.ledgerService.ListTransactions(c.UserContext(), middleware.GetAccountID(c), limit, offset)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: txs})
}

func (h *LedgerHandler) Verify(c *fiber.Ctx) error {
	report, err := h.ledgerService.Verify(c.UserContext(), middleware.GetAccountID(c))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: report})
}
