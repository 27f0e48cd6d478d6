// Package worker holds the River jobs run by cmd/worker.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/contact-unlock/backend/internal/config"
	"github.com/contact-unlock/backend/internal/services"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"go.uber.org/zap"
)

type Sweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (services.SweepResult, error)
}

type LedgerVerifier interface {
	VerifyAll(ctx context.Context, pageSize int) (checked, failed int, err error)
}

type SweepExpiredArgs struct{}

func (SweepExpiredArgs) Kind() string { return "sweep_expired_connections" }

// SweepWorker expires overdue proposals. A failed run is retried by River;
// already settled connections are skipped on the retry.
type SweepWorker struct {
	river.WorkerDefaults[SweepExpiredArgs]
	sweeper Sweeper
	now     func() time.Time
	log     *zap.Logger
}

func NewSweepWorker(sweeper Sweeper, log *zap.Logger) *SweepWorker {
	return &SweepWorker{sweeper: sweeper, now: time.Now, log: log}
}

func (w *SweepWorker) Work(ctx context.Context, job *river.Job[SweepExpiredArgs]) error {
	res, err := w.sweeper.SweepExpired(ctx, w.now())
	if err != nil {
		return fmt.Errorf("sweep expired connections: %w", err)
	}
	w.log.Debug("sweep job done",
		zap.Int("refunded", res.Refunded),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed),
	)
	return nil
}

func (w *SweepWorker) Timeout(*river.Job[SweepExpiredArgs]) time.Duration {
	return 5 * time.Minute
}

type LedgerAuditArgs struct {
	PageSize int `json:"page_size"`
}

func (LedgerAuditArgs) Kind() string { return "ledger_audit" }

// LedgerAuditWorker replays every account's log. Mismatches are reported by
// the verifier; the job itself only fails on storage errors.
type LedgerAuditWorker struct {
	river.WorkerDefaults[LedgerAuditArgs]
	verifier LedgerVerifier
	log      *zap.Logger
}

func NewLedgerAuditWorker(verifier LedgerVerifier, log *zap.Logger) *LedgerAuditWorker {
	return &LedgerAuditWorker{verifier: verifier, log: log}
}

func (w *LedgerAuditWorker) Work(ctx context.Context, job *river.Job[LedgerAuditArgs]) error {
	checked, failed, err := w.verifier.VerifyAll(ctx, job.Args.PageSize)
	if err != nil {
		return fmt.Errorf("ledger audit: %w", err)
	}
	if failed > 0 {
		w.log.Error("ledger audit found mismatched accounts",
			zap.Int("checked", checked),
			zap.Int("failed", failed),
		)
		return nil
	}
	w.log.Info("ledger audit passed", zap.Int("checked", checked))
	return nil
}

func (w *LedgerAuditWorker) Timeout(*river.Job[LedgerAuditArgs]) time.Duration {
	return 30 * time.Minute
}

// PeriodicJobs schedules the sweep and the ledger audit.
func PeriodicJobs(cfg *config.Config) []*river.PeriodicJob {
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(cfg.SweepInterval),
			func() (river.JobArgs, *river.InsertOpts) {
				return SweepExpiredArgs{}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		),
		river.NewPeriodicJob(
			river.PeriodicInterval(cfg.LedgerAuditInterval),
			func() (river.JobArgs, *river.InsertOpts) {
				return LedgerAuditArgs{PageSize: cfg.LedgerAuditPageSize}, nil
			},
			nil,
		),
	}
}

// NewClient builds the River client that runs both jobs.
func NewClient(pool *pgxpool.Pool, cfg *config.Config, sweeper Sweeper, verifier LedgerVerifier, log *zap.Logger) (*river.Client[pgx.Tx], error) {
	workers := river.NewWorkers()
	river.AddWorker(workers, NewSweepWorker(sweeper, log))
	river.AddWorker(workers, NewLedgerAuditWorker(verifier, log))

	return river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 4},
		},
		Workers:      workers,
		PeriodicJobs: PeriodicJobs(cfg),
	})
}
