package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/unclebandit/reactivation-backend/internal/channel"
	"github.com/unclebandit/reactivation-backend/internal/config"
	"github.com/unclebandit/reactivation-backend/internal/content"
	"github.com/unclebandit/reactivation-backend/internal/db"
	"github.com/unclebandit/reactivation-backend/internal/logging"
	"github.com/unclebandit/reactivation-backend/internal/queue"
	"github.com/unclebandit/reactivation-backend/internal/repository"
	"github.com/unclebandit/reactivation-backend/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log.Level, cfg.Log.File).With("service", "reactivation-worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("worker stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if cfg.StoreDriver != "postgres" {
		return fmt.Errorf("the worker needs a shared store, STORE_DRIVER=%s is served in-process by the server", cfg.StoreDriver)
	}
	conn, err := db.Open(ctx, cfg.Database.DSN(), log)
	if err != nil {
		return err
	}
	defer conn.Close()
	stores := repository.NewPostgresStores(conn)

	var events queue.Queue
	if cfg.AMQPURL != "" {
		amqpQueue, err := queue.DialAMQP(cfg.AMQPURL, "reactivation-worker", log)
		if err != nil {
			return err
		}
		defer amqpQueue.Close()
		events = amqpQueue

		seq := &service.Sequencer{Leads: stores.Leads, Campaigns: stores.Campaigns, Jobs: stores.Jobs, Log: log}
		if err := service.StartScheduleSubscriber(events, seq); err != nil {
			return err
		}
		log.Info("consuming schedule requests", "topic", queue.TopicSequenceSchedule)
	} else {
		log.Info("AMQP_URL not set, delivery events are not published")
		events = queue.NewInMemoryQueue(log)
	}

	pool := service.NewWorkerPool(
		stores.Jobs,
		channel.NewProviderRegistry(cfg.Services.EmailProviderURL, cfg.Services.SMSProviderURL, cfg.Services.ProviderAPIKey, cfg.Services.HTTPTimeout),
		content.New(cfg.Services.ContentURL, cfg.Services.HTTPTimeout),
		events, cfg.Worker, log,
	)
	return pool.Run(ctx)
}
