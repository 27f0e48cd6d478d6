package handlers

import (
	"github.com/contact-unlock/backend/internal/http/dto"
	"github.com/contact-unlock/backend/internal/middleware"
	"github.com/contact-unlock/backend/internal/models"
	"github.com/contact-unlock/backend/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ConnectionHandler struct {
	connectionService *services.ConnectionService
	log               *zap.Logger
}

func NewConnectionHandler(connectionService *services.ConnectionService, log *zap.Logger) *ConnectionHandler {
	return &ConnectionHandler{connectionService: connectionService, log: log}
}

func (h *ConnectionHandler) RequestDirect(c *fiber.Ctx) error {
	var req dto.DirectConnectionRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	recipientID, err := uuid.Parse(req.RecipientID)
	if err != nil {
		return badRequest(c, "invalid recipient_id")
	}

	conn, err := h.connectionService.RequestDirect(c.UserContext(), middleware.GetAccountID(c), recipientID)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: conn})
}

func (h *ConnectionHandler) RequestProposal(c *fiber.Ctx) error {
	var req dto.ProposalRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	recipientID, err := uuid.Parse(req.RecipientID)
	if err != nil {
		return badRequest(c, "invalid recipient_id")
	}

	conn, err := h.connectionService.RequestProposal(c.UserContext(), middleware.GetAccountID(c), recipientID, services.ProposalPayload{
		ProposalRef: req.ProposalRef,
		Message:     req.Message,
	})
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: conn})
}

func (h *ConnectionHandler) ListConnections(c *fiber.Ctx) error {
	limit, offset := paging(c)
	filter := models.ConnectionFilter{
		Kind:   c.Query("kind"),
		Status: c.Query("status"),
		Role:   c.Query("role"),
		Limit:  limit,
		Offset: offset,
	}

	conns, err := h.connectionService.ListConnections(c.UserContext(), middleware.GetAccountID(c), filter)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: conns})
}

func (h *ConnectionHandler) GetConnection(c *fiber.Ctx) error {
	id, ok := paramUUID(c, "id")
	if !ok {
		return badRequest(c, "invalid connection id")
	}

	conn, err := h.connectionService.GetConnection(c.UserContext(), id, middleware.GetAccountID(c))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: conn})
}

func (h *ConnectionHandler) Unlock(c *fiber.Ctx) error {
	id, ok := paramUUID(c, "id")
	if !ok {
		return badRequest(c, "invalid connection id")
	}

	conn, err := h.connectionService.Unlock(c.UserContext(), id, middleware.GetAccountID(c))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: conn})
}

func (h *ConnectionHandler) History(c *fiber.Ctx) error {
	id, ok := paramUUID(c, "id")
	if !ok {
		return badRequest(c, "invalid connection id")
	}

	logs, err := h.connectionService.ConnectionHistory(c.UserContext(), id, middleware.GetAccountID(c))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: logs})
}
