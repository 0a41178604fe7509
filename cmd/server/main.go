// cmd/server/main.go
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/unclebandit/reactivation-backend/internal/cache"
	"github.com/unclebandit/reactivation-backend/internal/channel"
	"github.com/unclebandit/reactivation-backend/internal/config"
	"github.com/unclebandit/reactivation-backend/internal/content"
	"github.com/unclebandit/reactivation-backend/internal/controller"
	"github.com/unclebandit/reactivation-backend/internal/db"
	"github.com/unclebandit/reactivation-backend/internal/handler"
	"github.com/unclebandit/reactivation-backend/internal/logging"
	"github.com/unclebandit/reactivation-backend/internal/payment"
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
	log := logging.New(cfg.Log.Level, cfg.Log.File).With("service", "reactivation-server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	var (
		stores repository.Stores
		conn   *sql.DB
	)
	switch cfg.StoreDriver {
	case "memory":
		log.Warn("using in-memory store; state is lost on restart")
		stores = repository.NewMemoryStores(repository.NewMemoryStore())
	default:
		var err error
		conn, err = db.Open(ctx, cfg.Database.DSN(), log)
		if err != nil {
			return err
		}
		defer conn.Close()
		if err := db.Migrate(ctx, conn); err != nil {
			return err
		}
		stores = repository.NewPostgresStores(conn)
	}

	events, err := openQueue(cfg, log)
	if err != nil {
		return err
	}
	defer events.Close()

	results, err := openCache(ctx, cfg, log)
	if err != nil {
		return err
	}

	var payments payment.Client
	if cfg.Services.PaymentURL != "" {
		payments = payment.NewHTTPClient(cfg.Services.PaymentURL, cfg.Services.PaymentAPIKey, cfg.Services.HTTPTimeout)
	} else {
		log.Warn("PAYMENT_API_URL not set, charges are recorded by a fake client")
		payments = payment.NewFakeClient()
	}

	seq := &service.Sequencer{Leads: stores.Leads, Campaigns: stores.Campaigns, Jobs: stores.Jobs, Log: log}
	trigger := &service.BillingTrigger{
		Ledger:    stores.Ledger,
		Billing:   stores.Billing,
		Leads:     stores.Leads,
		Campaigns: stores.Campaigns,
		Payments:  payments,
		Cache:     results,
		Events:    events,
		Secrets: map[string]string{
			service.SourceCalendar: cfg.Webhooks.CalendarSecret,
			service.SourceBilling:  cfg.Webhooks.BillingSecret,
		},
		ClaimLease: cfg.Webhooks.ClaimLease,
		Log:        log,
	}
	ops := &service.OperatorService{Leads: stores.Leads, Messages: stores.Messages, Jobs: stores.Jobs, Ledger: stores.Ledger}

	if err := service.StartConversionSubscriber(events, seq); err != nil {
		return err
	}

	poolDone := make(chan struct{})
	// The memory store lives in this process, so deliveries must too.
	if cfg.StoreDriver != "memory" {
		close(poolDone)
	} else {
		pool := service.NewWorkerPool(
			stores.Jobs,
			channel.NewProviderRegistry(cfg.Services.EmailProviderURL, cfg.Services.SMSProviderURL, cfg.Services.ProviderAPIKey, cfg.Services.HTTPTimeout),
			content.New(cfg.Services.ContentURL, cfg.Services.HTTPTimeout),
			events, cfg.Worker, log,
		)
		go func() {
			defer close(poolDone)
			if err := pool.Run(ctx); err != nil {
				log.Error("in-process worker pool stopped", "error", err)
			}
		}()
	}

	routes := handler.Routes{
		Sequences: controller.NewSequenceController(seq, log),
		Webhooks:  controller.NewWebhookController(trigger, log),
		Operator:  controller.NewOperatorController(ops, log),
		Log:       log,
	}
	if conn != nil {
		routes.DB = conn
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler.NewRouter(routes),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-poolDone
	log.Info("server shutdown complete")
	return nil
}

func openQueue(cfg *config.Config, log *slog.Logger) (queue.Queue, error) {
	if cfg.AMQPURL == "" {
		log.Info("AMQP_URL not set, events stay in process")
		return queue.NewInMemoryQueue(log), nil
	}
	return queue.DialAMQP(cfg.AMQPURL, "reactivation-server", log)
}

func openCache(ctx context.Context, cfg *config.Config, log *slog.Logger) (cache.ResultCache, error) {
	if cfg.RedisURL == "" {
		return cache.NewMemoryResultCache(), nil
	}
	rdb, err := cache.Dial(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	log.Info("webhook replay cache connected to redis")
	return cache.NewRedisResultCache(rdb, cfg.Webhooks.ReplayCacheTTL), nil
}
