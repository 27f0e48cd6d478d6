package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/contact-unlock/backend/internal/config"
	"github.com/contact-unlock/backend/internal/db"
	"github.com/contact-unlock/backend/internal/events"
	"github.com/contact-unlock/backend/internal/services"
	"go.uber.org/zap"
)

// Notify Bridge subscribes to connection and ledger events and forwards
// the resulting notifications to the external notification service.

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	subscriber := events.NewRedisSubscriber(rdb, log)
	notifier := services.NewNotifierClient(cfg.NotifyInternalURL, log)

	err = subscriber.Subscribe(ctx, func(stream string, event events.Event) {
		for _, n := range services.NotificationsFor(event) {
			nctx, ncancel := context.WithTimeout(ctx, 10*time.Second)
			if err := notifier.Notify(nctx, n); err != nil {
				log.Warn("failed to forward notification",
					zap.String("stream", stream),
					zap.String("type", event.Type),
					zap.String("account_id", n.AccountID),
					zap.Error(err),
				)
			} else {
				log.Info("notification forwarded",
					zap.String("type", event.Type),
					zap.String("account_id", n.AccountID),
				)
			}
			ncancel()
		}
	}, events.StreamConnection, events.StreamLedger)
	if err != nil {
		log.Fatal("failed to subscribe", zap.Error(err))
	}

	log.Info("notify-bridge started", zap.String("target", cfg.NotifyInternalURL))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down notify-bridge")
	cancel()
}
