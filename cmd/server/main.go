package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bakehouse/backend/internal/cache"
	"bakehouse/backend/internal/config"
	"bakehouse/backend/internal/docstore"
	pgdocs "bakehouse/backend/internal/docstore/postgres"
	"bakehouse/backend/internal/domain"
	"bakehouse/backend/internal/events"
	"bakehouse/backend/internal/httpapi"
	"bakehouse/backend/internal/inventory"
	"bakehouse/backend/internal/logging"
	"bakehouse/backend/internal/metrics"
	"bakehouse/backend/internal/saga"
	"bakehouse/backend/internal/service"
	"bakehouse/backend/internal/store"
	"bakehouse/backend/internal/store/memory"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Error("invalid security configuration", "err", err)
		os.Exit(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var docs docstore.Store
	closers := make([]func() error, 0, 4)

	if cfg.DatabaseURL != "" {
		pg, err := pgdocs.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", "err", err)
			os.Exit(1)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Error("failed to prepare documents table", "err", err)
			os.Exit(1)
		}
		docs = pg
		closers = append(closers, pg.Close)
		logger.Info("document store: postgres")
	} else {
		seeded, err := memory.NewSeeded(ctx, cfg.DefaultBranchID)
		if err != nil {
			logger.Error("failed to seed in-memory store", "err", err)
			os.Exit(1)
		}
		docs = seeded
		logger.Info("document store: in-memory")
	}

	cartTTL := time.Duration(cfg.CartTTLMinutes) * time.Minute
	var carts cache.CartSessions = cache.NewMemoryCartSessions(cartTTL)
	if cfg.RedisAddr != "" {
		redisCarts := cache.NewRedisCartSessions(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cartTTL)
		if err := redisCarts.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, keeping carts in memory", "err", err)
		} else {
			carts = redisCarts
			closers = append(closers, redisCarts.Close)
			logger.Info("cart sessions: redis")
		}
	} else {
		logger.Info("cart sessions: in-memory")
	}

	var journal saga.Journal = saga.NewMemoryJournal()
	if cfg.SagaJournalDir != "" {
		pebbleJournal, err := saga.NewPebbleJournal(cfg.SagaJournalDir)
		if err != nil {
			logger.Error("failed to open saga journal", "dir", cfg.SagaJournalDir, "err", err)
			os.Exit(1)
		}
		journal = pebbleJournal
		closers = append(closers, pebbleJournal.Close)
		logger.Info("saga journal: pebble", "dir", cfg.SagaJournalDir)
	} else {
		logger.Warn("saga journal kept in memory; interrupted orders cannot be reconciled after a restart")
	}

	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.KafkaBrokers != "" {
		kafkaPublisher := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaOrderTopic)
		publisher = kafkaPublisher
		closers = append(closers, kafkaPublisher.Close)
		logger.Info("order events: kafka", "topic", cfg.KafkaOrderTopic)
	}

	reg := metrics.NewRegistry()
	repo := store.NewRepository(docs)
	svc := service.New(repo, inventory.NewLedger(docs), service.Options{
		Carts:           carts,
		Journal:         journal,
		Events:          publisher,
		Metrics:         reg,
		Logger:          logger,
		DefaultBranchID: cfg.DefaultBranchID,
		Defaults: domain.Settings{
			DeliveryFee: cfg.DeliveryFee,
			ServiceArea: cfg.ServiceArea,
		},
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, reg, logger, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	if cfg.ReconcileIntervalSeconds > 0 {
		go runReconciler(runCtx, svc, time.Duration(cfg.ReconcileIntervalSeconds)*time.Second, logger)
	}

	go func() {
		logger.Info("bakery backend listening", "addr", cfg.Address())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	stopRun()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "err", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Warn("close error", "err", err)
		}
	}

	logger.Info("server stopped")
}

// runReconciler periodically settles open saga records as the system actor.
func runReconciler(ctx context.Context, svc *service.Service, interval time.Duration, logger *slog.Logger) {
	ctx = service.WithActor(ctx, domain.Actor{Username: domain.SystemActor, Role: domain.RoleAdmin})
	ctx = logging.IntoContext(ctx, logger.With("component", "reconciler"))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.Reconcile(ctx); err != nil {
				logger.Warn("reconcile failed", "err", err)
			}
		}
	}
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.DefaultBranchID == "" {
		return fmt.Errorf("DEFAULT_BRANCH_ID must not be empty")
	}
	return nil
}
