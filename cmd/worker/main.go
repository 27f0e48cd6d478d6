package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/contact-unlock/backend/internal/config"
	"github.com/contact-unlock/backend/internal/db"
	"github.com/contact-unlock/backend/internal/events"
	"github.com/contact-unlock/backend/internal/repositories"
	"github.com/contact-unlock/backend/internal/services"
	"github.com/contact-unlock/backend/internal/worker"
	"github.com/contact-unlock/backend/migrations"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	sweepOnce := flag.Bool("sweep-once", false, "run a single expiry sweep and exit")
	flag.Parse()

	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, "worker", log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrations.FS, log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}
	if err := db.RunRiverMigrations(ctx, pool, log); err != nil {
		log.Fatal("failed to run river migrations", zap.Error(err))
	}

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repos
	txm := repositories.NewTxManager(pool, cfg.TxMaxAttempts, log)
	accountRepo := repositories.NewAccountRepo(pool)
	ledgerRepo := repositories.NewLedgerRepo(pool)
	connectionRepo := repositories.NewConnectionRepo(pool)
	conversationRepo := repositories.NewConversationRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)

	// Services
	publisher := events.NewRedisPublisher(rdb, log)
	ledgerService := services.NewLedgerService(txm, accountRepo, ledgerRepo, cfg, log)
	connectionService := services.NewConnectionService(txm, ledgerService, connectionRepo, conversationRepo, auditRepo, publisher, cfg, log)

	if *sweepOnce {
		res, err := connectionService.SweepExpired(ctx, time.Now())
		if err != nil {
			log.Fatal("sweep failed", zap.Error(err))
		}
		log.Info("sweep finished",
			zap.Int("refunded", res.Refunded),
			zap.Int("skipped", res.Skipped),
			zap.Int("failed", res.Failed),
		)
		return
	}

	riverClient, err := worker.NewClient(pool, cfg, connectionService, ledgerService, log)
	if err != nil {
		log.Fatal("failed to create river client", zap.Error(err))
	}
	if err := riverClient.Start(ctx); err != nil {
		log.Fatal("failed to start river client", zap.Error(err))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.WorkerPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", zap.Error(err))
		}
	}()

	log.Info("worker started",
		zap.Duration("sweep_interval", cfg.SweepInterval),
		zap.Duration("ledger_audit_interval", cfg.LedgerAuditInterval),
		zap.String("metrics_addr", srv.Addr),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down worker")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := riverClient.Stop(stopCtx); err != nil {
		log.Warn("river client did not stop cleanly", zap.Error(err))
	}
	_ = srv.Shutdown(stopCtx)
	cancel()
}
