package repositories

import (
	"context"

	"github.com/contact-unlock/backend/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type AccountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

const accountColumns = `user_id, balance, total_earned, total_spent, created_at, updated_at`

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	if err := row.Scan(&a.UserID, &a.Balance, &a.TotalEarned, &a.TotalSpent, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &a, nil
}

// Provision inserts an empty account for userID if none exists.
// created is true only for the caller whose insert won.
func (r *AccountRepo) Provision(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO accounts (user_id, balance, total_earned, total_spent)
		VALUES ($1, 0, 0, 0)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *AccountRepo) Get(ctx context.Context, userID uuid.UUID) (*models.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE user_id = $1`, userID))
}

// GetForUpdate locks the account row until tx ends.
func (r *AccountRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.Account, error) {
	return scanAccount(tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 FOR UPDATE`, userID))
}

// ApplyDelta moves the balance by delta and the matching running total.
// Returns ErrNotFound when the result would be negative.
func (r *AccountRepo) ApplyDelta(ctx context.Context, tx pgx.Tx, userID uuid.UUID, delta int64) (*models.Account, error) {
	return scanAccount(tx.QueryRow(ctx, `
		UPDATE accounts SET
			balance = balance + $2,
			total_earned = total_earned + GREATEST($2, 0),
			total_spent = total_spent + GREATEST(-$2, 0),
			updated_at = now()
		WHERE user_id = $1 AND balance + $2 >= 0
		RETURNING `+accountColumns, userID, delta))
}

// ListIDs pages through all account ids, oldest first.
func (r *AccountRepo) ListIDs(ctx context.Context, limit, offset int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT user_id FROM accounts ORDER BY created_at, user_id LIMIT $1 OFFSET $2
	`, limit, offset)
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
