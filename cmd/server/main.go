package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sdko-org/vehicle-registry-cache/internal/cache"
	"github.com/sdko-org/vehicle-registry-cache/internal/config"
	"github.com/sdko-org/vehicle-registry-cache/internal/crypto"
	"github.com/sdko-org/vehicle-registry-cache/internal/database"
	"github.com/sdko-org/vehicle-registry-cache/internal/feed"
	"github.com/sdko-org/vehicle-registry-cache/internal/handlers"
	"github.com/sdko-org/vehicle-registry-cache/internal/registry"
	"github.com/sdko-org/vehicle-registry-cache/internal/store"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		logger.SetLevel(level)
	}

	cfg := config.Load()

	db, err := database.NewPostgresDB(logger, database.PostgresConfig{
		User:     cfg.PostgresUser,
		Password: cfg.PostgresPassword,
		Host:     cfg.PostgresHost,
		Port:     cfg.PostgresPort,
		DBName:   cfg.PostgresDatabase,
		SSLMode:  cfg.PostgresSSLMode,
	})
	if err != nil {
		logger.WithError(err).Fatal("Database initialization failed")
	}

	cipher, err := crypto.NewFieldCipher(cfg.CipherPassphrase, cfg.CipherSalt)
	if err != nil {
		logger.WithError(err).Fatal("Field cipher initialization failed")
	}

	cacheStore := store.New(logger, db, cipher)
	upstream := registry.NewClient(logger, cfg.RegistryBaseURL, cfg.RegistryUser, cfg.RegistryPassword, cfg.TokenRefreshInterval)
	normalizer := feed.New(logger, cipher)
	orchestrator := cache.NewOrchestrator(logger, cfg, cacheStore, upstream, normalizer)

	sweeperCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go cache.NewSweeper(logger, cacheStore, cfg).Start(sweeperCtx)

	handler := handlers.NewVehicleHandler(logger, cfg, orchestrator, db)

	r := mux.NewRouter()
	r.Use(handlers.LoggingMiddleware(logger, db))
	r.Use(handlers.RateLimitMiddleware(cfg))
	handlers.RegisterRoutes(r, handler)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  45 * time.Second,
		WriteTimeout: 45 * time.Second,
	}

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, syscall.SIGINT, syscall.SIGTERM)
		<-sigint

		stopSweeper()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.WithError(err).Error("Server shutdown error")
		}
	}()

	logger.WithField("addr", server.Addr).Info("Starting server")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.WithError(err).Fatal("Server failed")
	}
}
