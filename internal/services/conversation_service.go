package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/contact-unlock/backend/internal/config"
	"github.com/contact-unlock/backend/internal/events"
	"github.com/contact-unlock/backend/internal/models"
	"github.com/contact-unlock/backend/internal/observability"
	"github.com/contact-unlock/backend/internal/repositories"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const (
	defaultMessagesLimit = 50
	maxMessagesLimit     = 200
)

// ConversationService gates reads and writes on a conversation by the state
// of the connection that owns it.
type ConversationService struct {
	tx            TxRunner
	connections   ConnectionStore
	conversations ConversationStore
	publisher     events.Publisher
	cfg           *config.Config
	metrics       *observability.MessageMetrics
	log           *zap.Logger
}

func NewConversationService(
	tx TxRunner,
	connections ConnectionStore,
	conversations ConversationStore,
	publisher events.Publisher,
	cfg *config.Config,
	log *zap.Logger,
) *ConversationService {
	return &ConversationService{
		tx:            tx,
		connections:   connections,
		conversations: conversations,
		publisher:     publisher,
		cfg:           cfg,
		metrics:       observability.Messages(),
		log:           log,
	}
}

// SendMessage writes a message if the owning connection allows senderID to.
func (s *ConversationService) SendMessage(ctx context.Context, conversationID, senderID uuid.UUID, content string) (*models.Message, error) {
	text, err := SanitizeContent(content, s.cfg.MessageMaxLength)
	if err != nil {
		s.metrics.RecordRejected("invalid_content")
		return nil, err
	}

	var (
		msg  *models.Message
		conn *models.Connection
	)
	err = s.tx.InTx(ctx, func(tx pgx.Tx) error {
		c, err := s.connections.GetByConversationForUpdate(ctx, tx, conversationID)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}
		if !c.IsParticipant(senderID) {
			return ErrForbidden
		}
		if err := s.checkSendTx(ctx, tx, c, senderID); err != nil {
			return err
		}

		m := &models.Message{
			ConversationID: conversationID,
			SenderID:       senderID,
			Content:        text,
		}
		if err := s.conversations.InsertMessage(ctx, tx, m); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		msg, conn = m, c
		return nil
	})
	if err != nil {
		s.metrics.RecordRejected(rejectReason(err))
		return nil, err
	}

	s.metrics.RecordSent(conn.Kind)
	s.emitMessage(ctx, conn, msg)
	return msg, nil
}

// checkSendTx is the gate. A connected conversation is open to both sides.
// Before that, only the initiator of a pending proposal may write, and only
// the one proposal message.
func (s *ConversationService) checkSendTx(ctx context.Context, tx pgx.Tx, c *models.Connection, senderID uuid.UUID) error {
	if c.IsUnlocked() {
		return nil
	}
	if c.Kind != models.ConnectionKindProposal || c.Status != models.ConnectionStatusPending || senderID != c.InitiatorID {
		return ErrNotUnlocked
	}
	n, err := s.conversations.CountBySender(ctx, tx, c.ConversationID, senderID)
	if err != nil {
		return err
	}
	if n > 0 {
		return ErrAwaitingCounterparty
	}
	return nil
}

// ListMessages returns messages oldest first to a participant who has
// unlocked the conversation.
func (s *ConversationService) ListMessages(ctx context.Context, conversationID, requesterID uuid.UUID, limit, offset int) ([]models.Message, error) {
	c, err := s.connections.GetByConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !c.IsParticipant(requesterID) {
		return nil, ErrForbidden
	}
	if !c.HasUnlocked(requesterID) {
		return nil, ErrNotUnlocked
	}

	if limit <= 0 {
		limit = defaultMessagesLimit
	}
	if limit > maxMessagesLimit {
		limit = maxMessagesLimit
	}
	if offset < 0 {
		offset = 0
	}

	msgs, err := s.conversations.ListMessages(ctx, conversationID, limit, offset)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return msgs, nil
}

// GetConversation returns conversation metadata to either participant.
func (s *ConversationService) GetConversation(ctx context.Context, conversationID, requesterID uuid.UUID) (*models.Conversation, error) {
	c, err := s.connections.GetByConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !c.IsParticipant(requesterID) {
		return nil, ErrForbidden
	}
	conv, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return conv, nil
}

func (s *ConversationService) emitMessage(ctx context.Context, conn *models.Connection, msg *models.Message) {
	err := s.publisher.Publish(ctx, events.StreamConnection, events.Event{
		Type: events.EventMessageSent,
		Payload: map[string]any{
			"connection_id":        conn.ID.String(),
			"conversation_id":      msg.ConversationID.String(),
			"message_id":           msg.ID.String(),
			"sender_id":            msg.SenderID.String(),
			events.PayloadAccounts: []string{conn.Counterparty(msg.SenderID).String()},
		},
	})
	if err != nil {
		s.log.Warn("failed to publish message event",
			zap.String("conversation_id", msg.ConversationID.String()),
			zap.Error(err),
		)
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrNotUnlocked):
		return "not_unlocked"
	case errors.Is(err, ErrAwaitingCounterparty):
		return "awaiting_counterparty"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	}
	return "error"
}
