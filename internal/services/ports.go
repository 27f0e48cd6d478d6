package services

import (
	"context"
	"time"

	"github.com/contact-unlock/backend/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TxRunner runs fn inside one storage transaction.
type TxRunner interface {
	InTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

type AccountStore interface {
	Provision(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (bool, error)
	Get(ctx context.Context, userID uuid.UUID) (*models.Account, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.Account, error)
	ApplyDelta(ctx context.Context, tx pgx.Tx, userID uuid.UUID, delta int64) (*models.Account, error)
	ListIDs(ctx context.Context, limit, offset int) ([]uuid.UUID, error)
}

type LedgerStore interface {
	Insert(ctx context.Context, tx pgx.Tx, t *models.LedgerTransaction) error
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]models.LedgerTransaction, error)
	ListAllForReplay(ctx context.Context, accountID uuid.UUID) (*models.Account, []models.LedgerTransaction, error)
}

type ConnectionStore interface {
	Create(ctx context.Context, tx pgx.Tx, c *models.Connection) error
	Get(ctx context.Context, id uuid.UUID) (*models.Connection, error)
	GetByConversation(ctx context.Context, conversationID uuid.UUID) (*models.Connection, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Connection, error)
	GetByConversationForUpdate(ctx context.Context, tx pgx.Tx, conversationID uuid.UUID) (*models.Connection, error)
	FindLiveForUpdate(ctx context.Context, tx pgx.Tx, a, b uuid.UUID, kind string) (*models.Connection, error)
	ListOverduePendingIDs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	LockOverdue(ctx context.Context, tx pgx.Tx, id uuid.UUID, now time.Time) (*models.Connection, error)
	MarkConnected(ctx context.Context, tx pgx.Tx, id uuid.UUID, recipientPaid int64, at time.Time) (*models.Connection, error)
	MarkExpired(ctx context.Context, tx pgx.Tx, id, refundTxID uuid.UUID) (*models.Connection, error)
	ListForAccount(ctx context.Context, userID uuid.UUID, f models.ConnectionFilter) ([]models.Connection, error)
}

type ConversationStore interface {
	Create(ctx context.Context, tx pgx.Tx, c *models.Conversation) error
	Get(ctx context.Context, id uuid.UUID) (*models.Conversation, error)
	InsertMessage(ctx context.Context, tx pgx.Tx, m *models.Message) error
	CountBySender(ctx context.Context, tx pgx.Tx, conversationID, senderID uuid.UUID) (int, error)
	ListMessages(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]models.Message, error)
}

type AuditStore interface {
	LogTx(ctx context.Context, tx pgx.Tx, entry models.AuditLog) error
	GetByEntity(ctx context.Context, entityType string, entityID uuid.UUID, limit, offset int) ([]models.AuditLog, error)
}
