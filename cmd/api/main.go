package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/contact-unlock/backend/internal/config"
	"github.com/contact-unlock/backend/internal/db"
	"github.com/contact-unlock/backend/internal/events"
	apphttp "github.com/contact-unlock/backend/internal/http"
	"github.com/contact-unlock/backend/internal/http/handlers"
	"github.com/contact-unlock/backend/internal/repositories"
	"github.com/contact-unlock/backend/internal/services"
	"github.com/contact-unlock/backend/migrations"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, "api", log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	// Run migrations
	if err := db.RunMigrations(ctx, pool, migrations.FS, log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	// Redis
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repositories
	txm := repositories.NewTxManager(pool, cfg.TxMaxAttempts, log)
	accountRepo := repositories.NewAccountRepo(pool)
	ledgerRepo := repositories.NewLedgerRepo(pool)
	connectionRepo := repositories.NewConnectionRepo(pool)
	conversationRepo := repositories.NewConversationRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)

	// Events
	publisher := events.NewRedisPublisher(rdb, log)
	subscriber := events.NewRedisSubscriber(rdb, log)

	// Services
	ledgerService := services.NewLedgerService(txm, accountRepo, ledgerRepo, cfg, log)
	connectionService := services.NewConnectionService(txm, ledgerService, connectionRepo, conversationRepo, auditRepo, publisher, cfg, log)
	conversationService := services.NewConversationService(txm, connectionRepo, conversationRepo, publisher, cfg, log)

	// Handlers
	ledgerHandler := handlers.NewLedgerHandler(ledgerService, log)
	connectionHandler := handlers.NewConnectionHandler(connectionService, log)
	conversationHandler := handlers.NewConversationHandler(conversationService, log)
	wsHub := handlers.NewWSHub(subscriber, log)

	// Start WS hub
	if err := wsHub.Start(ctx); err != nil {
		log.Fatal("failed to subscribe ws hub", zap.Error(err))
	}

	// Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	apphttp.SetupRouter(app, cfg, log, rdb, ledgerHandler, connectionHandler, conversationHandler, wsHub)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
