package repositories

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/contact-unlock/backend/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ConnectionRepo struct {
	pool *pgxpool.Pool
}

func NewConnectionRepo(pool *pgxpool.Pool) *ConnectionRepo {
	return &ConnectionRepo{pool: pool}
}

const connectionColumns = `id, kind, initiator_id, recipient_id, status, conversation_id, proposal_ref,
	initiator_paid, recipient_paid, initiator_unlocked_at, recipient_unlocked_at,
	expires_at, refund_tx_id, created_at, updated_at`

func scanConnection(row pgx.Row) (*models.Connection, error) {
	var c models.Connection
	err := row.Scan(&c.ID, &c.Kind, &c.InitiatorID, &c.RecipientID, &c.Status, &c.ConversationID, &c.ProposalRef,
		&c.InitiatorPaid, &c.RecipientPaid, &c.InitiatorUnlockedAt, &c.RecipientUnlockedAt,
		&c.ExpiresAt, &c.RefundTxID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

// Create inserts c with its caller-chosen id and conversation id.
// A second live connection for the same pair and kind yields ErrConflict.
func (r *ConnectionRepo) Create(ctx context.Context, tx pgx.Tx, c *models.Connection) error {
	low, high := models.PairKey(c.InitiatorID, c.RecipientID)
	err := tx.QueryRow(ctx, `
		INSERT INTO connections (id, kind, initiator_id, recipient_id, pair_low, pair_high, status,
			conversation_id, proposal_ref, initiator_paid, recipient_paid,
			initiator_unlocked_at, recipient_unlocked_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at, updated_at
	`, c.ID, c.Kind, c.InitiatorID, c.RecipientID, low, high, c.Status,
		c.ConversationID, c.ProposalRef, c.InitiatorPaid, c.RecipientPaid,
		c.InitiatorUnlockedAt, c.RecipientUnlockedAt, c.ExpiresAt).Scan(&c.CreatedAt, &c.UpdatedAt)
	return mapErr(err)
}

func (r *ConnectionRepo) Get(ctx context.Context, id uuid.UUID) (*models.Connection, error) {
	return scanConnection(r.pool.QueryRow(ctx, `SELECT `+connectionColumns+` FROM connections WHERE id = $1`, id))
}

func (r *ConnectionRepo) GetByConversation(ctx context.Context, conversationID uuid.UUID) (*models.Connection, error) {
	return scanConnection(r.pool.QueryRow(ctx, `SELECT `+connectionColumns+` FROM connections WHERE conversation_id = $1`, conversationID))
}

func (r *ConnectionRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Connection, error) {
	return scanConnection(tx.QueryRow(ctx, `SELECT `+connectionColumns+` FROM connections WHERE id = $1 FOR UPDATE`, id))
}

func (r *ConnectionRepo) GetByConversationForUpdate(ctx context.Context, tx pgx.Tx, conversationID uuid.UUID) (*models.Connection, error) {
	return scanConnection(tx.QueryRow(ctx, `SELECT `+connectionColumns+` FROM connections WHERE conversation_id = $1 FOR UPDATE`, conversationID))
}

// FindLiveForUpdate returns the pending or connected connection between a
// and b of the given kind, in either direction.
func (r *ConnectionRepo) FindLiveForUpdate(ctx context.Context, tx pgx.Tx, a, b uuid.UUID, kind string) (*models.Connection, error) {
	low, high := models.PairKey(a, b)
	return scanConnection(tx.QueryRow(ctx, `
		SELECT `+connectionColumns+` FROM connections
		WHERE pair_low = $1 AND pair_high = $2 AND kind = $3 AND status IN ('pending', 'connected')
		FOR UPDATE
	`, low, high, kind))
}

// ListOverduePendingIDs returns candidates for the expiry sweep, oldest deadline first.
func (r *ConnectionRepo) ListOverduePendingIDs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM connections
		WHERE status = 'pending' AND expires_at <= $1
		ORDER BY expires_at LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LockOverdue locks id only if it is still pending past its deadline and no
// other sweeper holds it. Returns ErrNotFound otherwise.
func (r *ConnectionRepo) LockOverdue(ctx context.Context, tx pgx.Tx, id uuid.UUID, now time.Time) (*models.Connection, error) {
	return scanConnection(tx.QueryRow(ctx, `
		SELECT `+connectionColumns+` FROM connections
		WHERE id = $1 AND status = 'pending' AND expires_at <= $2
		FOR UPDATE SKIP LOCKED
	`, id, now))
}

// MarkConnected records the recipient's payment and clears the deadline.
func (r *ConnectionRepo) MarkConnected(ctx context.Context, tx pgx.Tx, id uuid.UUID, recipientPaid int64, at time.Time) (*models.Connection, error) {
	return scanConnection(tx.QueryRow(ctx, `
		UPDATE connections SET status = 'connected', recipient_paid = $2, recipient_unlocked_at = $3,
			expires_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+connectionColumns, id, recipientPaid, at))
}

func (r *ConnectionRepo) MarkExpired(ctx context.Context, tx pgx.Tx, id, refundTxID uuid.UUID) (*models.Connection, error) {
	return scanConnection(tx.QueryRow(ctx, `
		UPDATE connections SET status = 'expired', refund_tx_id = $2, updated_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+connectionColumns, id, refundTxID))
}

// ListForAccount returns connections userID takes part in, newest first.
func (r *ConnectionRepo) ListForAccount(ctx context.Context, userID uuid.UUID, f models.ConnectionFilter) ([]models.Connection, error) {
	var (
		where []string
		args  = []any{userID}
	)
	switch f.Role {
	case models.ConnectionRoleInitiator:
		where = append(where, "initiator_id = $1")
	case models.ConnectionRoleRecipient:
		where = append(where, "recipient_id = $1")
	default:
		where = append(where, "(initiator_id = $1 OR recipient_id = $1)")
	}
	if f.Kind != "" {
		args = append(args, f.Kind)
		where = append(where, fmt.Sprintf("kind = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	args = append(args, f.Limit, f.Offset)

	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM connections WHERE %s
		ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d
	`, connectionColumns, strings.Join(where, " AND "), len(args)-1, len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}
