package handlers

import (
	"github.com/contact-unlock/backend/internal/http/dto"
	"github.com/contact-unlock/backend/internal/middleware"
	"github.com/contact-unlock/backend/internal/services"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type ConversationHandler struct {
	conversationService *services.ConversationService
	log                 *zap.Logger
}

func NewConversationHandler(conversationService *services.ConversationService, log *zap.Logger) *ConversationHandler {
	return &ConversationHandler{conversationService: conversationService, log: log}
}

func (h *ConversationHandler) GetConversation(c *fiber.Ctx) error {
	id, ok := paramUUID(c, "id")
	if !ok {
		return badRequest(c, "invalid conversation id")
	}

	conv, err := h.conversationService.GetConversation(c.UserContext(), id, middleware.GetAccountID(c))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: conv})
}

func (h *ConversationHandler) ListMessages(c *fiber.Ctx) error {
	id, ok := paramUUID(c, "id")
	if !ok {
		return badRequest(c, "invalid conversation id")
	}

	limit, offset := paging(c)
	msgs, err := h.conversationService.ListMessages(c.UserContext(), id, middleware.GetAccountID(c), limit, offset)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: msgs})
}

func (h *ConversationHandler) SendMessage(c *fiber.Ctx) error {
	id, ok := paramUUID(c, "id")
	if !ok {
		return badRequest(c, "invalid conversation id")
	}
	var req dto.SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}

	msg, err := h.conversationService.SendMessage(c.UserContext(), id, middleware.GetAccountID(c), req.Content)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: msg})
}
