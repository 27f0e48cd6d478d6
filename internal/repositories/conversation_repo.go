package repositories

import (
	"context"

	"github.com/contact-unlock/backend/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ConversationRepo struct {
	pool *pgxpool.Pool
}

func NewConversationRepo(pool *pgxpool.Pool) *ConversationRepo {
	return &ConversationRepo{pool: pool}
}

func (r *ConversationRepo) Create(ctx context.Context, tx pgx.Tx, c *models.Conversation) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO conversations (id, connection_id, kind, proposal_ref)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, c.ID, c.ConnectionID, c.Kind, c.ProposalRef).Scan(&c.CreatedAt)
	return mapErr(err)
}

// Get returns the conversation with IsUnlocked projected from its connection.
func (r *ConversationRepo) Get(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	var c models.Conversation
	err := r.pool.QueryRow(ctx, `
		SELECT cv.id, cv.connection_id, cv.kind, cv.proposal_ref, cn.status = 'connected', cv.created_at
		FROM conversations cv JOIN connections cn ON cn.id = cv.connection_id
		WHERE cv.id = $1
	`, id).Scan(&c.ID, &c.ConnectionID, &c.Kind, &c.ProposalRef, &c.IsUnlocked, &c.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

func (r *ConversationRepo) InsertMessage(ctx context.Context, tx pgx.Tx, m *models.Message) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, sender_id, content)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, m.ConversationID, m.SenderID, m.Content).Scan(&m.ID, &m.CreatedAt)
	return mapErr(err)
}

func (r *ConversationRepo) CountBySender(ctx context.Context, tx pgx.Tx, conversationID, senderID uuid.UUID) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
		SELECT count(*) FROM messages WHERE conversation_id = $1 AND sender_id = $2
	`, conversationID, senderID).Scan(&n)
	return n, err
}

// ListMessages returns oldest first.
func (r *ConversationRepo) ListMessages(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]models.Message, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, conversation_id, sender_id, content, created_at
		FROM messages WHERE conversation_id = $1
		ORDER BY created_at, id LIMIT $2 OFFSET $3
	`, conversationID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
