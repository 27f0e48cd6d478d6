package services

import (
	"context"
	"errors"
	"fmt"
	"time"

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
	defaultConnectionsLimit = 20
	maxConnectionsLimit     = 100
	maxProposalRefLength    = 255
	connectionHistoryLimit  = 50
)

// ProposalPayload is what an initiator submits with a proposal. ProposalRef
// points at an external bid record and is stored as-is.
type ProposalPayload struct {
	ProposalRef string
	Message     string
}

// SweepResult summarises one SweepExpired run.
type SweepResult struct {
	Refunded int
	Skipped  int
	Failed   int
}

type ConnectionService struct {
	tx            TxRunner
	ledger        *LedgerService
	connections   ConnectionStore
	conversations ConversationStore
	audit         AuditStore
	publisher     events.Publisher
	cfg           *config.Config
	metrics       *observability.ConnectionMetrics
	now           func() time.Time
	log           *zap.Logger
}

func NewConnectionService(
	tx TxRunner,
	ledger *LedgerService,
	connections ConnectionStore,
	conversations ConversationStore,
	audit AuditStore,
	publisher events.Publisher,
	cfg *config.Config,
	log *zap.Logger,
) *ConnectionService {
	return &ConnectionService{
		tx:            tx,
		ledger:        ledger,
		connections:   connections,
		conversations: conversations,
		audit:         audit,
		publisher:     publisher,
		cfg:           cfg,
		metrics:       observability.Connections(),
		now:           time.Now,
		log:           log,
	}
}

// RequestDirect charges the initiator and opens a connected contact exchange.
func (s *ConnectionService) RequestDirect(ctx context.Context, initiatorID, recipientID uuid.UUID) (*models.Connection, error) {
	if err := validatePair(initiatorID, recipientID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	conn := &models.Connection{
		ID:                  uuid.New(),
		Kind:                models.ConnectionKindDirect,
		InitiatorID:         initiatorID,
		RecipientID:         recipientID,
		Status:              models.ConnectionStatusConnected,
		ConversationID:      uuid.New(),
		InitiatorPaid:       s.cfg.DirectContactCost,
		InitiatorUnlockedAt: now,
		RecipientUnlockedAt: &now,
	}

	var j journal
	err := s.tx.InTx(ctx, func(tx pgx.Tx) error {
		j = nil
		if err := s.checkNoLiveTx(ctx, tx, conn); err != nil {
			return err
		}
		if _, _, err := s.ledger.deductTx(ctx, tx, &j, initiatorID, conn.InitiatorPaid,
			models.TxKindUnlockDirectContact, &conn.ID, "direct contact"); err != nil {
			return err
		}
		if err := s.createTx(ctx, tx, conn); err != nil {
			return err
		}
		return s.auditTx(ctx, tx, conn, "", &initiatorID, "user")
	})
	if err != nil {
		return nil, s.createErr(ctx, err, conn)
	}

	s.ledger.recordCommitted(j)
	s.metrics.RecordTransition(conn.Kind, "", conn.Status)
	s.emit(ctx, events.EventDirectConnected, conn, nil)
	return conn, nil
}

// RequestProposal charges the initiator's share, opens a pending connection
// and seeds its conversation with the proposal message.
func (s *ConnectionService) RequestProposal(ctx context.Context, initiatorID, recipientID uuid.UUID, p ProposalPayload) (*models.Connection, error) {
	if err := validatePair(initiatorID, recipientID); err != nil {
		return nil, err
	}
	if p.ProposalRef == "" || len(p.ProposalRef) > maxProposalRefLength {
		return nil, fmt.Errorf("%w: proposal_ref must be 1..%d characters", ErrInvalidPayload, maxProposalRefLength)
	}
	content, err := SanitizeContent(p.Message, s.cfg.MessageMaxLength)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	expiresAt := now.Add(s.cfg.ProposalTTL)
	ref := p.ProposalRef
	conn := &models.Connection{
		ID:                  uuid.New(),
		Kind:                models.ConnectionKindProposal,
		InitiatorID:         initiatorID,
		RecipientID:         recipientID,
		Status:              models.ConnectionStatusPending,
		ConversationID:      uuid.New(),
		ProposalRef:         &ref,
		InitiatorPaid:       s.cfg.ProposalInitiatorCost,
		InitiatorUnlockedAt: now,
		ExpiresAt:           &expiresAt,
	}

	var j journal
	err = s.tx.InTx(ctx, func(tx pgx.Tx) error {
		j = nil
		if err := s.checkNoLiveTx(ctx, tx, conn); err != nil {
			return err
		}
		if _, _, err := s.ledger.deductTx(ctx, tx, &j, initiatorID, conn.InitiatorPaid,
			models.TxKindSubmitProposal, &conn.ID, "proposal "+ref); err != nil {
			return err
		}
		if err := s.createTx(ctx, tx, conn); err != nil {
			return err
		}
		seed := &models.Message{
			ConversationID: conn.ConversationID,
			SenderID:       initiatorID,
			Content:        content,
		}
		if err := s.conversations.InsertMessage(ctx, tx, seed); err != nil {
			return fmt.Errorf("insert proposal message: %w", err)
		}
		return s.auditTx(ctx, tx, conn, "", &initiatorID, "user")
	})
	if err != nil {
		return nil, s.createErr(ctx, err, conn)
	}

	s.ledger.recordCommitted(j)
	s.metrics.RecordTransition(conn.Kind, "", conn.Status)
	s.emit(ctx, events.EventProposalCreated, conn, map[string]any{
		"proposal_ref": ref,
		"expires_at":   expiresAt.Format(time.RFC3339),
	})
	return conn, nil
}

// Unlock charges the recipient's share of a pending proposal and connects it.
func (s *ConnectionService) Unlock(ctx context.Context, connectionID, recipientID uuid.UUID) (*models.Connection, error) {
	var (
		conn *models.Connection
		j    journal
	)
	err := s.tx.InTx(ctx, func(tx pgx.Tx) error {
		j = nil
		c, err := s.connections.GetForUpdate(ctx, tx, connectionID)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}
		if c.RecipientID != recipientID {
			return ErrNotFound
		}

		now := s.now().UTC()
		switch {
		case c.Status == models.ConnectionStatusConnected:
			return ErrAlreadyUnlocked
		case c.Status != models.ConnectionStatusPending:
			return ErrNotPending
		case c.Overdue(now):
			// left for the sweeper to refund
			return ErrNotPending
		}

		cost := s.cfg.ProposalRecipientCost
		if _, _, err := s.ledger.deductTx(ctx, tx, &j, recipientID, cost,
			models.TxKindViewProposal, &c.ID, "proposal unlock"); err != nil {
			return err
		}

		updated, err := s.connections.MarkConnected(ctx, tx, c.ID, cost, now)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return ErrNotPending
			}
			return fmt.Errorf("mark connected: %w", err)
		}
		if err := s.auditTx(ctx, tx, updated, c.Status, &recipientID, "user"); err != nil {
			return err
		}
		conn = updated
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.ledger.recordCommitted(j)
	s.metrics.RecordTransition(conn.Kind, models.ConnectionStatusPending, conn.Status)
	s.emit(ctx, events.EventProposalUnlocked, conn, nil)
	return conn, nil
}

// SweepExpired expires every pending connection whose deadline is at or
// before now and refunds its initiator. Each connection is settled in its
// own transaction; a failure is logged and the connection stays pending for
// the next run.
func (s *ConnectionService) SweepExpired(ctx context.Context, now time.Time) (SweepResult, error) {
	started := time.Now()
	var res SweepResult

	err := s.sweep(ctx, now, &res)
	s.metrics.RecordSweep(res.Refunded, res.Skipped, res.Failed, err, time.Since(started))
	if err != nil {
		return res, err
	}
	if res.Refunded > 0 || res.Failed > 0 {
		s.log.Info("expiry sweep finished",
			zap.Int("refunded", res.Refunded),
			zap.Int("skipped", res.Skipped),
			zap.Int("failed", res.Failed),
		)
	}
	return res, nil
}

func (s *ConnectionService) sweep(ctx context.Context, now time.Time, res *SweepResult) error {
	batch := s.cfg.SweepBatchSize
	if batch <= 0 {
		batch = 100
	}

	attempted := make(map[uuid.UUID]bool)
	for {
		ids, err := s.connections.ListOverduePendingIDs(ctx, now, batch)
		if err != nil {
			return fmt.Errorf("list overdue connections: %w", err)
		}

		refunded := 0
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return err
			}
			if attempted[id] {
				continue
			}
			attempted[id] = true

			conn, err := s.expireOne(ctx, id, now)
			switch {
			case errors.Is(err, repositories.ErrNotFound):
				// settled or held by a concurrent sweep
				res.Skipped++
			case err != nil:
				res.Failed++
				s.log.Error("failed to expire connection",
					zap.String("connection_id", id.String()),
					zap.Error(err),
				)
			default:
				refunded++
				res.Refunded++
				s.log.Info("connection expired and refunded",
					zap.String("connection_id", conn.ID.String()),
					zap.String("initiator_id", conn.InitiatorID.String()),
					zap.Int64("refund", conn.InitiatorPaid),
				)
				s.metrics.RecordTransition(conn.Kind, models.ConnectionStatusPending, conn.Status)
				s.emit(ctx, events.EventProposalExpired, conn, map[string]any{
					"refund": conn.InitiatorPaid,
				})
			}
		}

		// a short page is the last one; a page without progress would repeat
		if len(ids) < batch || refunded == 0 {
			return nil
		}
	}
}

func (s *ConnectionService) expireOne(ctx context.Context, id uuid.UUID, now time.Time) (*models.Connection, error) {
	var (
		conn *models.Connection
		j    journal
	)
	err := s.tx.InTx(ctx, func(tx pgx.Tx) error {
		j = nil
		c, err := s.connections.LockOverdue(ctx, tx, id, now)
		if err != nil {
			return err
		}
		if !models.IsValidConnectionTransition(c.Status, models.ConnectionStatusExpired) {
			return fmt.Errorf("invalid transition from %s to %s", c.Status, models.ConnectionStatusExpired)
		}

		_, refund, err := s.ledger.addTx(ctx, tx, &j, c.InitiatorID, c.InitiatorPaid,
			models.TxKindRefund, &c.ID, "proposal expired")
		if err != nil {
			return fmt.Errorf("refund: %w", err)
		}
		updated, err := s.connections.MarkExpired(ctx, tx, c.ID, refund.ID)
		if err != nil {
			return fmt.Errorf("mark expired: %w", err)
		}
		if err := s.auditTx(ctx, tx, updated, c.Status, nil, "system"); err != nil {
			return err
		}
		conn = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.ledger.recordCommitted(j)
	return conn, nil
}

// GetConnection returns a connection visible to requesterID.
func (s *ConnectionService) GetConnection(ctx context.Context, id, requesterID uuid.UUID) (*models.Connection, error) {
	c, err := s.connections.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !c.IsParticipant(requesterID) {
		return nil, ErrNotFound
	}
	return c, nil
}

// ListConnections returns the connections accountID takes part in, newest first.
func (s *ConnectionService) ListConnections(ctx context.Context, accountID uuid.UUID, f models.ConnectionFilter) ([]models.Connection, error) {
	if f.Kind != "" && !models.IsValidConnectionKind(f.Kind) {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, f.Kind)
	}
	if _, ok := models.ValidConnectionTransitions[f.Status]; !ok {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidPayload, f.Status)
	}
	switch f.Role {
	case "", models.ConnectionRoleInitiator, models.ConnectionRoleRecipient:
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidPayload, f.Role)
	}
	if f.Limit <= 0 {
		f.Limit = defaultConnectionsLimit
	}
	if f.Limit > maxConnectionsLimit {
		f.Limit = maxConnectionsLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	conns, err := s.connections.ListForAccount(ctx, accountID, f)
	if err != nil {
		return nil, err
	}
	if conns == nil {
		conns = []models.Connection{}
	}
	return conns, nil
}

// ConnectionHistory returns the audit trail of a connection, newest first.
func (s *ConnectionService) ConnectionHistory(ctx context.Context, id, requesterID uuid.UUID) ([]models.AuditLog, error) {
	if _, err := s.GetConnection(ctx, id, requesterID); err != nil {
		return nil, err
	}
	logs, err := s.audit.GetByEntity(ctx, "connection", id, connectionHistoryLimit, 0)
	if err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []models.AuditLog{}
	}
	return logs, nil
}

func validatePair(initiatorID, recipientID uuid.UUID) error {
	if initiatorID == uuid.Nil || recipientID == uuid.Nil {
		return fmt.Errorf("%w: account ids are required", ErrInvalidPayload)
	}
	if initiatorID == recipientID {
		return ErrSelfConnection
	}
	return nil
}

// checkNoLiveTx rejects a new connection when the pair already has a live
// one of the same kind, and holds its lock until the transaction ends.
func (s *ConnectionService) checkNoLiveTx(ctx context.Context, tx pgx.Tx, conn *models.Connection) error {
	existing, err := s.connections.FindLiveForUpdate(ctx, tx, conn.InitiatorID, conn.RecipientID, conn.Kind)
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		return nil
	case err != nil:
		return err
	case existing.Status == models.ConnectionStatusPending:
		return ErrProposalPending
	default:
		return ErrAlreadyConnected
	}
}

// createTx inserts conn and the conversation it owns.
func (s *ConnectionService) createTx(ctx context.Context, tx pgx.Tx, conn *models.Connection) error {
	if !models.IsValidConnectionTransition("", conn.Status) {
		return fmt.Errorf("connection cannot start as %s", conn.Status)
	}
	if err := s.connections.Create(ctx, tx, conn); err != nil {
		return err
	}
	conv := &models.Conversation{
		ID:           conn.ConversationID,
		ConnectionID: conn.ID,
		Kind:         conn.Kind,
		ProposalRef:  conn.ProposalRef,
	}
	if err := s.conversations.Create(ctx, tx, conv); err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

// createErr maps a lost race on the live-pair index onto the state of the
// row that won it. If that row is gone again by the time it is re-read, the
// caller gets ErrConnectionConflict.
func (s *ConnectionService) createErr(ctx context.Context, err error, conn *models.Connection) error {
	if !errors.Is(err, repositories.ErrConflict) {
		return err
	}
	var live error
	if rerr := s.tx.InTx(ctx, func(tx pgx.Tx) error {
		live = s.checkNoLiveTx(ctx, tx, conn)
		return nil
	}); rerr != nil {
		return fmt.Errorf("re-read live connection: %w", rerr)
	}
	if errors.Is(live, ErrProposalPending) || errors.Is(live, ErrAlreadyConnected) {
		return live
	}
	return ErrConnectionConflict
}

func (s *ConnectionService) auditTx(ctx context.Context, tx pgx.Tx, conn *models.Connection, from string, actorID *uuid.UUID, actorType string) error {
	action := "connection_created_" + conn.Status
	if from != "" {
		action = fmt.Sprintf("connection_%s_to_%s", from, conn.Status)
	}
	err := s.audit.LogTx(ctx, tx, models.AuditLog{
		ActorUserID: actorID,
		ActorType:   actorType,
		Action:      action,
		EntityType:  "connection",
		EntityID:    &conn.ID,
		Meta: map[string]any{
			"kind":           conn.Kind,
			"old_status":     from,
			"new_status":     conn.Status,
			"initiator_paid": conn.InitiatorPaid,
			"recipient_paid": conn.RecipientPaid,
		},
	})
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	return nil
}

// emit publishes a transition event to both participants. Delivery is best
// effort and never undoes the committed transition.
func (s *ConnectionService) emit(ctx context.Context, eventType string, conn *models.Connection, extra map[string]any) {
	payload := map[string]any{
		"connection_id":   conn.ID.String(),
		"conversation_id": conn.ConversationID.String(),
		"kind":            conn.Kind,
		"status":          conn.Status,
		"initiator_id":    conn.InitiatorID.String(),
		"recipient_id":    conn.RecipientID.String(),
		events.PayloadAccounts: []string{
			conn.InitiatorID.String(),
			conn.RecipientID.String(),
		},
	}
	for k, v := range extra {
		payload[k] = v
	}

	if err := s.publisher.Publish(ctx, events.StreamConnection, events.Event{Type: eventType, Payload: payload}); err != nil {
		s.log.Warn("failed to publish connection event",
			zap.String("type", eventType),
			zap.String("connection_id", conn.ID.String()),
			zap.Error(err),
		)
	}
}
