package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// TxManager runs units of work in a single database transaction and retries
// the whole unit on lock contention.
type TxManager struct {
	pool        *pgxpool.Pool
	maxAttempts int
	baseDelay   time.Duration
	log         *zap.Logger
}

func NewTxManager(pool *pgxpool.Pool, maxAttempts int, log *zap.Logger) *TxManager {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &TxManager{pool: pool, maxAttempts: maxAttempts, baseDelay: 20 * time.Millisecond, log: log}
}

// InTx commits when fn returns nil and rolls back otherwise. fn may run more
// than once, so it must not have side effects outside tx.
func (m *TxManager) InTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	var err error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		err = m.runOnce(ctx, fn)
		if err == nil || !IsRetryable(err) {
			return err
		}
		if attempt == m.maxAttempts {
			break
		}

		delay := m.baseDelay << (attempt - 1)
		m.log.Debug("retrying transaction",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", m.maxAttempts, err)
}

func (m *TxManager) runOnce(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
