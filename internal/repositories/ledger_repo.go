package repositories

import (
	"context"

	"github.com/contact-unlock/backend/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type LedgerRepo struct {
	pool *pgxpool.Pool
}

func NewLedgerRepo(pool *pgxpool.Pool) *LedgerRepo {
	return &LedgerRepo{pool: pool}
}

// Insert appends t and fills its generated id, seq and created_at.
func (r *LedgerRepo) Insert(ctx context.Context, tx pgx.Tx, t *models.LedgerTransaction) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO ledger_transactions (account_id, amount, balance_after, kind, reference_id, note)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, seq, created_at
	`, t.AccountID, t.Amount, t.BalanceAfter, t.Kind, t.ReferenceID, t.Note).Scan(&t.ID, &t.Seq, &t.CreatedAt)
	return mapErr(err)
}

// ListByAccount returns newest first.
func (r *LedgerRepo) ListByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]models.LedgerTransaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, seq, account_id, amount, balance_after, kind, reference_id, note, created_at
		FROM ledger_transactions WHERE account_id = $1
		ORDER BY seq DESC LIMIT $2 OFFSET $3
	`, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

// ListAllForReplay returns the full log of an account in a repeatable-read
// snapshot together with the account row it must reproduce.
func (r *LedgerRepo) ListAllForReplay(ctx context.Context, accountID uuid.UUID) (*models.Account, []models.LedgerTransaction, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	acc, err := scanAccount(tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE user_id = $1`, accountID))
	if err != nil {
		return nil, nil, err
	}

	rows, err := tx.Query(ctx, `
		SELECT id, seq, account_id, amount, balance_after, kind, reference_id, note, created_at
		FROM ledger_transactions WHERE account_id = $1
		ORDER BY seq
	`, accountID)
	if err != nil {
		return nil, nil, err
	}
	txs, err := collectTransactions(rows)
	if err != nil {
		return nil, nil, err
	}
	return acc, txs, tx.Commit(ctx)
}

func collectTransactions(rows pgx.Rows) ([]models.LedgerTransaction, error) {
	defer rows.Close()

	var txs []models.LedgerTransaction
	for rows.Next() {
		var t models.LedgerTransaction
		if err := rows.Scan(&t.ID, &t.Seq, &t.AccountID, &t.Amount, &t.BalanceAfter, &t.Kind, &t.ReferenceID, &t.Note, &t.CreatedAt); err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}
