package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/contact-unlock/backend/internal/config"
	"github.com/contact-unlock/backend/internal/db"
	"github.com/contact-unlock/backend/internal/events"
	"github.com/contact-unlock/backend/internal/repositories"
	"github.com/contact-unlock/backend/internal/services"
	"github.com/contact-unlock/backend/internal/ton"
	"github.com/contact-unlock/backend/internal/topup"
	"github.com/contact-unlock/backend/migrations"
	"github.com/xssnick/tonutils-go/address"
	tonapi "github.com/xssnick/tonutils-go/ton"
	"go.uber.org/zap"
)

const pollInterval = 5 * time.Second

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.TONHotWalletAddress == "" {
		log.Fatal("TON_HOT_WALLET_ADDRESS is required")
	}
	if cfg.TokensPerTON <= 0 {
		log.Fatal("TOKENS_PER_TON must be positive", zap.Int64("tokens_per_ton", cfg.TokensPerTON))
	}

	hotWallet, err := address.ParseAddr(cfg.TONHotWalletAddress)
	if err != nil {
		log.Fatal("invalid TON_HOT_WALLET_ADDRESS", zap.String("addr", cfg.TONHotWalletAddress), zap.Error(err))
	}

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, "topup-indexer", log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrations.FS, log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	txm := repositories.NewTxManager(pool, cfg.TxMaxAttempts, log)
	ledgerService := services.NewLedgerService(txm, repositories.NewAccountRepo(pool), repositories.NewLedgerRepo(pool), cfg, log)
	publisher := events.NewRedisPublisher(rdb, log)
	marks := topup.NewRedisMarks(rdb)
	processor := topup.NewProcessor(ledgerService, publisher, marks, cfg.TokensPerTON, log)

	api, err := ton.Connect(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to connect to TON network", zap.Error(err))
	}

	log.Info("top-up indexer started",
		zap.String("hot_wallet", hotWallet.String()),
		zap.String("network", cfg.TONNetwork),
		zap.Int64("tokens_per_ton", cfg.TokensPerTON),
	)

	initCursor(ctx, api, hotWallet, marks, log)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			if err := pollOnce(ctx, api, hotWallet, marks, processor, log); err != nil {
				log.Error("poll cycle failed", zap.Error(err))
			}
		case <-sigCh:
			log.Info("shutting down top-up indexer")
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}

// initCursor starts a fresh indexer at the wallet's current head so only
// deposits arriving after the first start are credited.
func initCursor(ctx context.Context, api tonapi.APIClientWrapped, addr *address.Address, marks *topup.RedisMarks, log *zap.Logger) {
	lt, _, ok, err := marks.Cursor(ctx)
	if err != nil {
		log.Warn("failed to read cursor", zap.Error(err))
	}
	if ok {
		log.Info("resuming from saved cursor", zap.Uint64("lt", lt))
		return
	}

	headLT, headHash, err := ton.Head(ctx, api, addr)
	if err != nil {
		log.Warn("failed to read wallet head, starting from LT=0", zap.Error(err))
	}
	if err := marks.SaveCursor(ctx, headLT, headHash); err != nil {
		log.Warn("failed to save initial cursor", zap.Error(err))
		return
	}
	log.Info("cursor initialized at current account state (skipping historical transactions)",
		zap.Uint64("lt", headLT),
		zap.String("hash", hex.EncodeToString(headHash)),
	)
}

// pollOnce credits every deposit newer than the cursor and advances it.
// The cursor only moves when every deposit in the batch was settled.
func pollOnce(ctx context.Context, api tonapi.APIClientWrapped, addr *address.Address, marks *topup.RedisMarks, processor *topup.Processor, log *zap.Logger) error {
	cursorLT, _, _, err := marks.Cursor(ctx)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}

	headLT, headHash, err := ton.Head(ctx, api, addr)
	if err != nil {
		return err
	}
	if headLT <= cursorLT {
		return nil
	}

	deposits, err := ton.FetchDeposits(ctx, api, addr, headLT, headHash, cursorLT)
	if err != nil {
		return fmt.Errorf("fetch deposits: %w", err)
	}
	if len(deposits) > 0 {
		log.Info("found new deposits", zap.Int("count", len(deposits)))
	}

	for _, d := range deposits {
		if _, err := processor.Process(ctx, d); err != nil {
			return err
		}
	}

	return marks.SaveCursor(ctx, headLT, headHash)
}
