package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/contact-unlock/backend/internal/config"
	"github.com/contact-unlock/backend/internal/models"
	"github.com/contact-unlock/backend/internal/observability"
	"github.com/contact-unlock/backend/internal/repositories"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const (
	defaultTransactionsLimit = 20
	maxTransactionsLimit     = 100
)

// LedgerService owns account balances. Every balance change goes through
// deductTx or addTx, which lock the account row and append exactly one
// transaction in the caller's storage transaction.
type LedgerService struct {
	tx       TxRunner
	accounts AccountStore
	ledger   LedgerStore
	cfg      *config.Config
	metrics  *observability.LedgerMetrics
	log      *zap.Logger
}

func NewLedgerService(tx TxRunner, accounts AccountStore, ledger LedgerStore, cfg *config.Config, log *zap.Logger) *LedgerService {
	return &LedgerService{
		tx:       tx,
		accounts: accounts,
		ledger:   ledger,
		cfg:      cfg,
		metrics:  observability.Ledger(),
		log:      log,
	}
}

// GetBalance returns the account, provisioning it with the starting grant on
// first access.
func (s *LedgerService) GetBalance(ctx context.Context, accountID uuid.UUID) (*models.Account, error) {
	acc, err := s.accounts.Get(ctx, accountID)
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		return nil, err
	}

	var j journal
	err = s.tx.InTx(ctx, func(tx pgx.Tx) error {
		j = nil
		var err error
		acc, err = s.ensureAccountTx(ctx, tx, &j, accountID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.recordCommitted(j)
	return acc, nil
}

// Deduct debits amount from accountID. Fails with ErrInsufficientBalance when
// the balance cannot cover it.
func (s *LedgerService) Deduct(ctx context.Context, accountID uuid.UUID, amount int64, kind string, referenceID *uuid.UUID, note string) (*models.Account, error) {
	var (
		acc *models.Account
		j   journal
	)
	err := s.tx.InTx(ctx, func(tx pgx.Tx) error {
		j = nil
		var err error
		acc, _, err = s.deductTx(ctx, tx, &j, accountID, amount, kind, referenceID, note)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.recordCommitted(j)
	return acc, nil
}

// Add credits amount to accountID. A second refund or purchase for the same
// reference fails with ErrDuplicateReference.
func (s *LedgerService) Add(ctx context.Context, accountID uuid.UUID, amount int64, kind string, referenceID *uuid.UUID, note string) (*models.Account, error) {
	var (
		acc *models.Account
		j   journal
	)
	err := s.tx.InTx(ctx, func(tx pgx.Tx) error {
		j = nil
		var err error
		acc, _, err = s.addTx(ctx, tx, &j, accountID, amount, kind, referenceID, note)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.recordCommitted(j)
	return acc, nil
}

// ListTransactions returns newest first.
func (s *LedgerService) ListTransactions(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]models.LedgerTransaction, error) {
	if limit <= 0 {
		limit = defaultTransactionsLimit
	}
	if limit > maxTransactionsLimit {
		limit = maxTransactionsLimit
	}
	if offset < 0 {
		offset = 0
	}
	txs, err := s.ledger.ListByAccount(ctx, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	if txs == nil {
		txs = []models.LedgerTransaction{}
	}
	return txs, nil
}

// Verify replays the account's transaction log against the stored row.
func (s *LedgerService) Verify(ctx context.Context, accountID uuid.UUID) (*models.LedgerReport, error) {
	acc, txs, err := s.ledger.ListAllForReplay(ctx, accountID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	report := models.Replay(acc, txs)
	if !report.OK {
		s.metrics.RecordVerifyFailure()
		fields := []zap.Field{
			zap.String("account_id", accountID.String()),
			zap.Int64("balance", report.Balance),
			zap.Int64("replayed_balance", report.ReplayedBalance),
		}
		if report.BrokenChainAt != nil {
			fields = append(fields, zap.String("broken_chain_at", report.BrokenChainAt.String()))
		}
		s.log.Error("ledger replay mismatch", fields...)
	}
	return &report, nil
}

// VerifyAll runs Verify over every account, pageSize accounts at a time.
func (s *LedgerService) VerifyAll(ctx context.Context, pageSize int) (checked, failed int, err error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	for offset := 0; ; offset += pageSize {
		ids, err := s.accounts.ListIDs(ctx, pageSize, offset)
		if err != nil {
			return checked, failed, err
		}
		for _, id := range ids {
			report, err := s.Verify(ctx, id)
			if err != nil {
				return checked, failed, fmt.Errorf("verify %s: %w", id, err)
			}
			checked++
			if !report.OK {
				failed++
			}
		}
		if len(ids) < pageSize {
			return checked, failed, nil
		}
	}
}

// journal collects the ledger rows written by one storage transaction so
// they can be reported once it commits.
type journal []*models.LedgerTransaction

// ensureAccountTx provisions accountID if needed and returns it locked.
func (s *LedgerService) ensureAccountTx(ctx context.Context, tx pgx.Tx, j *journal, accountID uuid.UUID) (*models.Account, error) {
	created, err := s.accounts.Provision(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	if created && s.cfg.StartingGrant > 0 {
		acc, _, err := s.appendTx(ctx, tx, j, accountID, s.cfg.StartingGrant, models.TxKindPlatformFee, nil, "starting grant")
		return acc, err
	}
	return s.accounts.GetForUpdate(ctx, tx, accountID)
}

func (s *LedgerService) deductTx(ctx context.Context, tx pgx.Tx, j *journal, accountID uuid.UUID, amount int64, kind string, referenceID *uuid.UUID, note string) (*models.Account, *models.LedgerTransaction, error) {
	if amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	if !models.IsValidTxKind(kind) {
		return nil, nil, fmt.Errorf("%w: unknown transaction kind %q", ErrInvalidPayload, kind)
	}
	if !models.IsDebitKind(kind) {
		return nil, nil, fmt.Errorf("%w: %q is not a debit kind", ErrInvalidPayload, kind)
	}

	acc, err := s.ensureAccountTx(ctx, tx, j, accountID)
	if err != nil {
		return nil, nil, err
	}
	if acc.Balance < amount {
		s.metrics.RecordInsufficient(kind)
		return nil, nil, ErrInsufficientBalance
	}
	return s.appendTx(ctx, tx, j, accountID, -amount, kind, referenceID, note)
}

func (s *LedgerService) addTx(ctx context.Context, tx pgx.Tx, j *journal, accountID uuid.UUID, amount int64, kind string, referenceID *uuid.UUID, note string) (*models.Account, *models.LedgerTransaction, error) {
	if amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	if !models.IsValidTxKind(kind) {
		return nil, nil, fmt.Errorf("%w: unknown transaction kind %q", ErrInvalidPayload, kind)
	}
	if !models.IsCreditKind(kind) {
		return nil, nil, fmt.Errorf("%w: %q is not a credit kind", ErrInvalidPayload, kind)
	}

	if _, err := s.ensureAccountTx(ctx, tx, j, accountID); err != nil {
		return nil, nil, err
	}
	return s.appendTx(ctx, tx, j, accountID, amount, kind, referenceID, note)
}

// appendTx applies delta to a locked account and records it.
func (s *LedgerService) appendTx(ctx context.Context, tx pgx.Tx, j *journal, accountID uuid.UUID, delta int64, kind string, referenceID *uuid.UUID, note string) (*models.Account, *models.LedgerTransaction, error) {
	acc, err := s.accounts.ApplyDelta(ctx, tx, accountID, delta)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, nil, ErrInsufficientBalance
		}
		return nil, nil, fmt.Errorf("apply delta: %w", err)
	}

	entry := &models.LedgerTransaction{
		AccountID:    accountID,
		Amount:       delta,
		BalanceAfter: acc.Balance,
		Kind:         kind,
		ReferenceID:  referenceID,
		Note:         note,
	}
	if err := s.ledger.Insert(ctx, tx, entry); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return nil, nil, ErrDuplicateReference
		}
		return nil, nil, fmt.Errorf("insert ledger transaction: %w", err)
	}
	*j = append(*j, entry)
	return acc, entry, nil
}

// recordCommitted updates metrics for rows that are known to be durable.
func (s *LedgerService) recordCommitted(j journal) {
	for _, e := range j {
		s.metrics.RecordTransaction(e.Kind, e.Amount)
	}
}
