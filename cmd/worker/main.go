package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"commerce-outbox/internal/breaker"
	"commerce-outbox/internal/catalog"
	"commerce-outbox/internal/config"
	"commerce-outbox/internal/messaging"
	"commerce-outbox/internal/payments"
	"commerce-outbox/internal/reconcile"
	"commerce-outbox/internal/retry"
	"commerce-outbox/internal/store"
	"commerce-outbox/internal/telemetry"
	"commerce-outbox/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := newLogger(cfg)

	if !cfg.WorkerEnabled {
		log.Info("worker disabled in this deployment, exiting")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.WithError(err).Fatal("run migrations")
	}

	breakers := breaker.NewRegistry(cfg.BreakerFailureThreshold, cfg.BreakerRecoveryTimeout, log)
	catalogClient := catalog.NewClient(cfg.CatalogAPIBaseURL, cfg.CatalogAPITimeout, log)
	messageClient := messaging.NewClient(cfg.CatalogAPIBaseURL, cfg.CatalogAPITimeout, log)
	paymentsClient := payments.NewClient(cfg.PaymentsAPIBaseURL, cfg.PaymentsSecretKey, cfg.PaymentsAPITimeout, log)

	registry, err := worker.BuildRegistry(worker.HandlerDeps{
		Entities:   st,
		Catalog:    catalogClient,
		Messages:   messageClient,
		Payments:   paymentsClient,
		Breakers:   breakers,
		Classifier: catalog.NewClassifier(log),
		Log:        log,
	})
	if err != nil {
		log.WithError(err).Fatal("build handler registry")
	}

	policy := retry.NewPolicy(cfg.BackoffInitial, cfg.BackoffMax, cfg.RateLimitCeiling)
	dispatcher := worker.NewDispatcher(st, registry, policy, worker.DispatcherConfig{
		PollInterval:  cfg.WorkerPollInterval,
		BatchSize:     cfg.LeaseBatchSize,
		LeaseDuration: cfg.LeaseDuration,
		Concurrency:   cfg.WorkerConcurrency,
		WorkerID:      workerID(),
	}, log)

	engine := reconcile.NewEngine(st, st, catalogClient, reconcile.Config{
		BatchSize:    cfg.ReconcileBatchSize,
		BatchDelay:   cfg.ReconcileBatchDelay,
		DedupeWindow: cfg.ReconcileDedupeWindow,
		RunTimeout:   cfg.ReconcileRunTimeout,
	}, log)
	scheduler := reconcile.NewScheduler(engine, st, cfg.ReconcileSchedule, log)
	if err := scheduler.Start(); err != nil {
		log.WithError(err).Fatal("start reconciliation scheduler")
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	err = dispatcher.Run(ctx)
	scheduler.Stop()
	if err != nil && err != context.Canceled {
		log.WithError(err).Error("worker stopped")
		return
	}
	log.Info("worker stopped")
}

func workerID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	if hostname, _ := os.Hostname(); hostname != "" {
		return hostname
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}

func newLogger(cfg config.Config) *logrus.Logger {
	log := logrus.New()
	if cfg.Env == "prod" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}
