package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/sessionvault/sessionvault/internal/api"
	"github.com/sessionvault/sessionvault/internal/config"
	"github.com/sessionvault/sessionvault/internal/host"
	"github.com/sessionvault/sessionvault/internal/logging"
	"github.com/sessionvault/sessionvault/internal/ownership"
	"github.com/sessionvault/sessionvault/internal/ratelimit"
	"github.com/sessionvault/sessionvault/internal/reconcile"
	"github.com/sessionvault/sessionvault/internal/registry"
	"github.com/sessionvault/sessionvault/internal/retention"
	"github.com/sessionvault/sessionvault/internal/service"
	"github.com/sessionvault/sessionvault/internal/store"
)

func main() {
	// Load .env before reading configuration from the environment.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fallback := logging.NewDefault()
		fallback.Fatal("failed to load config", zap.Error(err))
	}

	log, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		fallback := logging.NewDefault()
		fallback.Fatal("failed to build logger", zap.Error(err))
	}
	defer log.Sync()

	log.Info("starting sessionvault")

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Durable tier first: it is the source of truth everything else loads from.
	durable, err := store.NewSQLite(cfg.Store.Path)
	if err != nil {
		log.Fatal("failed to open durable store", zap.Error(err))
	}
	defer durable.Close()
	tiered := store.NewTiered(durable)

	reg, err := registry.New(rootCtx, tiered, log)
	if err != nil {
		log.Fatal("failed to load session registry", zap.Error(err))
	}

	owners := ownership.NewMap()

	chromeHost, err := host.NewDocker(cfg.Host.Image, log)
	if err != nil {
		log.Fatal("failed to connect to host environment", zap.Error(err))
	}
	defer chromeHost.Close()

	imageCtx, imageCancel := context.WithTimeout(rootCtx, 5*time.Minute)
	if err := chromeHost.EnsureImage(imageCtx); err != nil {
		imageCancel()
		log.Fatal("failed to ensure context image", zap.Error(err))
	}
	imageCancel()
	log.Info("host environment ready", zap.String("image", cfg.Host.Image))

	manager := service.NewManager(reg, owners, chromeHost, cfg.Host.MaxContextsPerSession, log)

	hub := api.NewHub(log)
	manager.SetNotifier(hub)

	engine := reconcile.New(chromeHost, reg, owners, tiered,
		retention.NewPolicy(cfg.Retention.FreeIdleWindow),
		reconcile.Config{
			InitialDelay: cfg.Reconcile.InitialDelay,
			RetryDelay:   cfg.Reconcile.RetryDelay,
			MaxAttempts:  cfg.Reconcile.MaxAttempts,
		}, log)

	// Cold-start reconciliation, then the context watcher, both off the main
	// goroutine so the API can come up immediately.
	go func() {
		if err := engine.Run(rootCtx); err != nil {
			log.Warn("reconciliation aborted", zap.Error(err))
			return
		}
		manager.SyncSlots()
		service.NewWatcher(manager, cfg.Host.WatchInterval).Run(rootCtx)
	}()

	handler := api.NewHandler(manager, log)
	limiter := ratelimit.NewLimiter(cfg.RateLimit.RequestsPerHour, cfg.RateLimit.Burst)
	router := handler.SetupRoutes(hub, limiter, cfg.RateLimit.RequestsPerHour)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	cancel() // aborts any in-flight reconciliation between commits

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("forced shutdown", zap.Error(err))
	}

	log.Info("stopped")
}
