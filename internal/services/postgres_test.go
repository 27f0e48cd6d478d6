package services

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/contact-unlock/backend/internal/config"
	"github.com/contact-unlock/backend/internal/db"
	"github.com/contact-unlock/backend/internal/models"
	"github.com/contact-unlock/backend/internal/repositories"
	"github.com/contact-unlock/backend/migrations"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// pgEnv wires the services to a real database. Tests using it are skipped
// unless TEST_POSTGRES_DSN points at a disposable database.
type pgEnv struct {
	pool   *pgxpool.Pool
	txm    *repositories.TxManager
	cfg    *config.Config
	ledger *LedgerService
	conns  *ConnectionService
}

func newPostgresEnv(t *testing.T) *pgEnv {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	log := zap.NewNop()
	pool, err := db.NewPostgresPool(ctx, dsn, "services-test", log)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, db.RunMigrations(ctx, pool, migrations.FS, log))

	env := &pgEnv{
		pool: pool,
		txm:  repositories.NewTxManager(pool, 5, log),
		cfg:  config.Default(),
	}
	accounts := repositories.NewAccountRepo(pool)
	env.ledger = NewLedgerService(env.txm, accounts, repositories.NewLedgerRepo(pool), env.cfg, log)
	env.conns = NewConnectionService(env.txm, env.ledger, repositories.NewConnectionRepo(pool),
		repositories.NewConversationRepo(pool), repositories.NewAuditRepo(pool), &recordingPublisher{}, env.cfg, log)
	return env
}

func (e *pgEnv) balance(t *testing.T, id uuid.UUID) int64 {
	t.Helper()
	acc, err := e.ledger.GetBalance(context.Background(), id)
	require.NoError(t, err)
	return acc.Balance
}

func TestPostgresConcurrentDeductionsNeverOverdraw(t *testing.T) {
	env := newPostgresEnv(t)
	ctx := context.Background()
	a := uuid.New()
	require.Equal(t, env.cfg.StartingGrant, env.balance(t, a))

	const attempts = 25
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.ledger.Deduct(ctx, a, 100, models.TxKindUnlockDirectContact, nil, "")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrInsufficientBalance)
	}
	assert.Equal(t, int(env.cfg.StartingGrant/100), succeeded)
	assert.Equal(t, int64(0), env.balance(t, a))

	report, err := env.ledger.Verify(ctx, a)
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, succeeded+1, report.Transactions)

	// The conditional update refuses to go below zero on its own.
	err = env.txm.InTx(ctx, func(tx pgx.Tx) error {
		_, err := repositories.NewAccountRepo(env.pool).ApplyDelta(ctx, tx, a, -1)
		return err
	})
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestPostgresConcurrentSweepsRefundOnce(t *testing.T) {
	env := newPostgresEnv(t)
	ctx := context.Background()

	past := time.Now().Add(-env.cfg.ProposalTTL - 24*time.Hour)
	env.conns.now = func() time.Time { return past }

	var created []*models.Connection
	for i := 0; i < 5; i++ {
		conn, err := env.conns.RequestProposal(ctx, uuid.New(), uuid.New(), proposal("hello"))
		require.NoError(t, err)
		created = append(created, conn)
	}

	var (
		wg      sync.WaitGroup
		results [2]SweepResult
		errs    [2]error
	)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.conns.SweepExpired(ctx, time.Now())
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.GreaterOrEqual(t, results[0].Refunded+results[1].Refunded, len(created))

	for _, conn := range created {
		var refunds int
		require.NoError(t, env.pool.QueryRow(ctx,
			`SELECT count(*) FROM ledger_transactions WHERE kind = 'refund' AND reference_id = $1`, conn.ID,
		).Scan(&refunds))
		assert.Equal(t, 1, refunds, "connection %s", conn.ID)

		var status string
		require.NoError(t, env.pool.QueryRow(ctx, `SELECT status FROM connections WHERE id = $1`, conn.ID).Scan(&status))
		assert.Equal(t, models.ConnectionStatusExpired, status)
		assert.Equal(t, env.cfg.StartingGrant, env.balance(t, conn.InitiatorID))
	}

	// uq_ledger_refund_reference backs the single refund.
	first := created[0]
	_, err := env.ledger.Add(ctx, first.InitiatorID, first.InitiatorPaid, models.TxKindRefund, &first.ID, "again")
	assert.ErrorIs(t, err, ErrDuplicateReference)
}

func TestPostgresConcurrentCreatesKeepOneLiveConnection(t *testing.T) {
	env := newPostgresEnv(t)
	ctx := context.Background()

	const attempts = 5
	run := func(call func() error) []error {
		errs := make([]error, attempts)
		var wg sync.WaitGroup
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = call()
			}(i)
		}
		wg.Wait()
		return errs
	}
	count := func(errs []error, target error) (ok, matched int) {
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case assert.ErrorIs(t, err, target):
				matched++
			}
		}
		return ok, matched
	}

	a, b := uuid.New(), uuid.New()
	env.balance(t, a)
	errs := run(func() error {
		_, err := env.conns.RequestDirect(ctx, a, b)
		return err
	})
	ok, matched := count(errs, ErrAlreadyConnected)
	assert.Equal(t, 1, ok)
	assert.Equal(t, attempts-1, matched)
	assert.Equal(t, env.cfg.StartingGrant-env.cfg.DirectContactCost, env.balance(t, a))

	c, d := uuid.New(), uuid.New()
	env.balance(t, c)
	errs = run(func() error {
		_, err := env.conns.RequestProposal(ctx, c, d, proposal("hello"))
		return err
	})
	ok, matched = count(errs, ErrProposalPending)
	assert.Equal(t, 1, ok)
	assert.Equal(t, attempts-1, matched)
	assert.Equal(t, env.cfg.StartingGrant-env.cfg.ProposalInitiatorCost, env.balance(t, c))
}
