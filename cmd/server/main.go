// cmd/server/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"donation-service/config"
	"donation-service/internal/cache"
	"donation-service/internal/events"
	"donation-service/internal/handler"
	authmw "donation-service/internal/middleware"
	"donation-service/internal/provider"
	"donation-service/internal/provider/card"
	"donation-service/internal/provider/manual"
	"donation-service/internal/provider/mpesa"
	"donation-service/internal/provider/wallet"
	"donation-service/internal/repository"
	"donation-service/internal/router"
	"donation-service/internal/usecase"
	"donation-service/pkg/jwtutil"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	logger, err := newLogger(os.Getenv("ENVIRONMENT"))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting donation service")

	cfg, err := config.Load(logger)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	logger.Info("configuration loaded",
		zap.String("environment", cfg.Server.Env),
		zap.String("port", cfg.Server.Port),
		zap.String("ledger_driver", cfg.Database.Driver))

	// Ledger
	var (
		donationRepo      repository.DonationRepository
		providerEventRepo repository.ProviderEventRepository
	)
	switch cfg.Database.Driver {
	case "memory":
		logger.Warn("using in-memory ledger, records are lost on restart")
		donationRepo = repository.NewMemoryDonationRepository()
		providerEventRepo = repository.NewMemoryProviderEventRepository()
	default:
		dbPool, err := pgxpool.New(context.Background(), cfg.Database.DSN())
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer dbPool.Close()

		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = repository.Migrate(migrateCtx, dbPool)
		cancel()
		if err != nil {
			logger.Fatal("failed to apply migrations", zap.Error(err))
		}

		logger.Info("connected to database", zap.String("database", cfg.Database.DBName))
		donationRepo = repository.NewDonationRepository(dbPool)
		providerEventRepo = repository.NewProviderEventRepository(dbPool)
	}

	// Redis: status cache and initiation rate limit
	statusCache := cache.NewNopStatusCache()
	var initiateLimiter func(http.Handler) http.Handler
	if cfg.Redis.Enabled() {
		rdb, err := cache.NewRedisClient(cfg.Redis, logger)
		if err != nil {
			logger.Warn("redis unavailable, continuing without cache and rate limiting", zap.Error(err))
		} else {
			defer rdb.Close()
			statusCache = cache.NewRedisStatusCache(rdb, cfg.Redis.StatusTTL, logger)
			initiateLimiter = authmw.RateLimiter(rdb, authmw.InitiationLimit{
				Limit:  cfg.Redis.RateLimit,
				Window: cfg.Redis.RateWindow,
				Block:  cfg.Redis.RateBlockPeriod,
				Prefix: "donation:initiate",
			}, logger)
		}
	}

	// Status change events
	var sinks events.Multi
	if cfg.Kafka.Enabled() {
		writer := events.NewKafkaWriter(cfg.Kafka, logger)
		defer writer.Close()
		sinks = append(sinks, events.NewKafkaPublisher(writer, logger))
	}
	if cfg.Notifier.Enabled() {
		sinks = append(sinks, events.NewWebhookNotifier(cfg.Notifier, provider.NewHTTPClient(cfg.ProviderTimeout), logger))
	}
	var publisher events.Publisher = events.NewNopPublisher()
	var dispatcher *events.Dispatcher
	if len(sinks) > 0 {
		dispatcher = events.NewDispatcher(sinks, 1024, 10*time.Second, logger)
		publisher = dispatcher
	}

	// Rails
	httpClient := provider.NewHTTPClient(cfg.ProviderTimeout)
	registry := provider.NewRegistry()
	if cfg.Card.Enabled {
		registry.Register(card.NewCardProvider(cfg.Card, cfg.Callback.SignatureMaxSkew, httpClient, logger))
	}
	if cfg.Wallet.Enabled {
		registry.Register(wallet.NewWalletProvider(cfg.Wallet, httpClient, logger))
	}
	if cfg.Mpesa.Enabled {
		registry.Register(mpesa.NewMpesaProvider(cfg.Mpesa, httpClient, logger))
	}
	if cfg.Manual.Enabled {
		logger.Warn("manual transfer rail enabled: donations are completed on the donor's assertion without provider verification")
		registry.Register(manual.NewManualProvider(cfg.Manual, logger))
	}

	// Usecases
	reconcileUC := usecase.NewReconcileUsecase(donationRepo, statusCache, publisher, logger)
	donationUC := usecase.NewDonationUsecase(registry, reconcileUC, providerEventRepo, logger)
	callbackUC := usecase.NewCallbackUsecase(registry, reconcileUC, providerEventRepo, cfg.Callback.RetryDelay, logger)
	historyUC := usecase.NewHistoryUsecase(donationRepo, providerEventRepo, logger)

	// Auth
	verifier, err := jwtutil.LoadVerifier(cfg.Auth.PublicKeyPath, cfg.Auth.Issuer, cfg.Auth.Audience)
	if err != nil {
		logger.Fatal("failed to load JWT public key",
			zap.String("path", cfg.Auth.PublicKeyPath),
			zap.Error(err))
	}
	auth := authmw.NewAuthMiddleware(verifier, logger)

	callbackHandler := handler.NewCallbackHandler(callbackUC, cfg.Callback.ProcessTimeout, logger)
	handlers := router.Handlers{
		Donation: handler.NewDonationHandler(donationUC, historyUC, logger),
		Admin:    handler.NewAdminHandler(historyUC, reconcileUC, cfg.Poller.StaleAfter, logger),
		Callback: callbackHandler,
	}
	r := router.SetupRoutes(handlers, auth, initiateLimiter, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 75 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	logger.Info("donation service started successfully",
		zap.String("port", cfg.Server.Port),
		zap.Any("rails", registry.Rails()))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	// acknowledged M-Pesa callbacks still write to the ledger and publish
	if err := callbackHandler.Wait(ctx); err != nil {
		logger.Error("callbacks still in flight at shutdown", zap.Error(err))
	}
	// drain pending status events before the sinks close
	if dispatcher != nil {
		dispatcher.Close()
	}

	logger.Info("server stopped")
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
