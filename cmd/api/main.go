package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"commerce-outbox/internal/api"
	"commerce-outbox/internal/catalog"
	"commerce-outbox/internal/config"
	"commerce-outbox/internal/ratelimit"
	"commerce-outbox/internal/reconcile"
	"commerce-outbox/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := newLogger(cfg)

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

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewLimiter(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	catalogClient := catalog.NewClient(cfg.CatalogAPIBaseURL, cfg.CatalogAPITimeout, log)
	engine := reconcile.NewEngine(st, st, catalogClient, reconcile.Config{
		BatchSize:    cfg.ReconcileBatchSize,
		BatchDelay:   cfg.ReconcileBatchDelay,
		DedupeWindow: cfg.ReconcileDedupeWindow,
		RunTimeout:   cfg.ReconcileRunTimeout,
	}, log)

	server := api.New(cfg, st, st, engine, limiter, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	go func() {
		log.WithField("port", cfg.HTTPPort).Info("api listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	log.Info("api stopped")
}

func newLogger(cfg config.Config) *logrus.Logger {
	log := logrus.New()
	if cfg.Env == "prod" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}
