package http

import (
	"time"

	"github.com/contact-unlock/backend/internal/config"
	"github.com/contact-unlock/backend/internal/http/handlers"
	"github.com/contact-unlock/backend/internal/middleware"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SetupRouter mounts every route. rdb may be nil, which disables rate limiting.
func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	rdb *redis.Client,
	ledgerHandler *handlers.LedgerHandler,
	connectionHandler *handlers.ConnectionHandler,
	conversationHandler *handlers.ConversationHandler,
	wsHub *handlers.WSHub,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))
	app.Use(middleware.MetricsMiddleware())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api/v1", middleware.AuthMiddleware(cfg, log))
	if rdb != nil {
		api.Use(middleware.RateLimitMiddleware(rdb, cfg.RateLimitPerMinute, time.Minute))
	}

	// Ledger
	api.Get("/me/balance", ledgerHandler.GetBalance)
	api.Get("/me/transactions", ledgerHandler.ListTransactions)
	api.Get("/me/ledger/verify", ledgerHandler.Verify)

	// Connections
	api.Post("/connections/direct", connectionHandler.RequestDirect)
	api.Post("/connections/proposal", connectionHandler.RequestProposal)
	api.Get("/connections", connectionHandler.ListConnections)
	api.Get("/connections/:id", connectionHandler.GetConnection)
	api.Post("/connections/:id/unlock", connectionHandler.Unlock)
	api.Get("/connections/:id/history", connectionHandler.History)

	// Conversations
	api.Get("/conversations/:id", conversationHandler.GetConversation)
	api.Get("/conversations/:id/messages", conversationHandler.ListMessages)
	api.Post("/conversations/:id/messages", conversationHandler.SendMessage)

	// WebSocket
	app.Use("/ws", handlers.WSUpgradeMiddleware())
	app.Get("/ws", middleware.AuthMiddleware(cfg, log), websocket.New(wsHub.HandleWS))
}
