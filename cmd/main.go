package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/tablesight/credits-backend/internal/chain"
	"github.com/tablesight/credits-backend/internal/config"
	"github.com/tablesight/credits-backend/internal/events"
	"github.com/tablesight/credits-backend/internal/handlers"
	"github.com/tablesight/credits-backend/internal/ledger"
	"github.com/tablesight/credits-backend/internal/models"
	"github.com/tablesight/credits-backend/internal/rates"
	"github.com/tablesight/credits-backend/internal/service"
	"github.com/tablesight/credits-backend/internal/settlement"
	"github.com/tablesight/credits-backend/internal/store"
)

func main() {
	// Load configuration
	cfg, err := loadConfig("configs/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Setup logger
	logger, err := setupLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Crypto Payment Service starting up...")

	// Setup database connection
	dbPool, err := setupDatabase(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer dbPool.Close()

	// Initialize database schema
	paymentStore := store.NewPostgresStore(dbPool, logger)
	if err := paymentStore.Initialize(context.Background()); err != nil {
		logger.Fatal("Failed to initialize database schema", zap.Error(err))
	}

	// Setup chain verifiers
	evmVerifier, err := chain.NewEVMVerifier(&cfg.EVM, logger)
	if err != nil {
		logger.Fatal("Failed to initialize EVM verifier", zap.Error(err))
	}
	solVerifier := chain.NewSOLVerifier(&cfg.Solana, logger)
	verifiers := chain.NewRegistry(evmVerifier, solVerifier)

	// Setup rate cache
	rateFetcher := rates.NewHTTPFetcher(cfg.Rates.Endpoints, cfg.Rates.RequestTimeout, logger)
	rateCache, err := rates.NewCache(&cfg.Rates, rateFetcher, logger)
	if err != nil {
		logger.Fatal("Failed to initialize rate cache", zap.Error(err))
	}

	// Setup ledger
	paymentLedger, err := ledger.New(&ledger.Config{
		ExpiryWindow: cfg.Payments.ExpiryWindow,
		Networks: map[models.Network]ledger.NetworkConfig{
			models.NetworkBEP20: {WalletAddress: cfg.EVM.ReceivingAddress, Token: cfg.EVM.TokenSymbol},
			models.NetworkSOL:   {WalletAddress: cfg.Solana.ReceivingAddress, Token: cfg.Solana.TokenSymbol},
		},
	}, paymentStore, logger)
	if err != nil {
		logger.Fatal("Failed to initialize payment ledger", zap.Error(err))
	}

	// Setup settlement engine
	engine, err := settlement.NewEngine(&settlement.Config{
		USDPerCredit: cfg.Credits.USDPerCredit,
	}, paymentStore, rateCache, logger)
	if err != nil {
		logger.Fatal("Failed to initialize settlement engine", zap.Error(err))
	}

	// Setup event publisher
	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.NATS.Enabled {
		nc, err := events.Connect(cfg.NATS.Address, logger)
		if err != nil {
			logger.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer nc.Close()
		publisher = events.NewNATSPublisher(nc, logger)
	}

	// Setup payment service
	paymentService := service.NewPaymentService(&service.Config{
		VerifyTimeout: cfg.Payments.VerifyTimeout,
		SweepInterval: cfg.Payments.SweepInterval,
	}, paymentLedger, verifiers, engine, publisher, logger)

	// Start expiry sweeper
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go paymentService.RunExpirySweeper(sweepCtx)

	// Setup HTTP server
	server := setupHTTPServer(cfg, paymentService, dbPool, logger)

	// Setup graceful shutdown
	setupGracefulShutdown(server, stopSweeper, cfg.Server.ShutdownTimeout, logger)

	// Start server
	logger.Info("Starting HTTP server", zap.String("address", fmt.Sprintf(":%d", cfg.Server.Port)))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("Failed to start HTTP server", zap.Error(err))
	}
}

// loadConfig loads configuration from file
func loadConfig(path string) (*config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg config.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &cfg, nil
}

// setupLogger initializes the logger
func setupLogger(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	config := zap.NewProductionConfig()
	config.Level = zapLevel
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return config.Build()
}

// setupDatabase initializes the database connection
func setupDatabase(cfg *config.Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	poolConfig, err := cfg.GetDatabaseConfig()
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database connection established successfully")
	return pool, nil
}

// setupHTTPServer configures and returns the HTTP server
func setupHTTPServer(cfg *config.Config, paymentService *service.PaymentService, dbPool *pgxpool.Pool, logger *zap.Logger) *http.Server {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Server.ReadTimeout))

	// Health check endpoint
	if cfg.Monitoring.HealthCheckEnabled {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := dbPool.Ping(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"unhealthy","service":"crypto-payment-service"}`))
				return
			}
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"healthy","service":"crypto-payment-service"}`))
		})
	}

	// Prometheus metrics endpoint
	if cfg.Monitoring.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/payments/crypto", func(r chi.Router) {
			r.Post("/", handlers.CreateCryptoPayment(paymentService, logger))
			r.Post("/verify", handlers.VerifyCryptoTransaction(paymentService, logger))
			r.Get("/", handlers.ListCryptoPayments(paymentService, logger))
			r.Get("/{paymentID}/status", handlers.GetCryptoPaymentStatus(paymentService, logger))
		})
	})

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

// setupGracefulShutdown configures graceful shutdown handling
func setupGracefulShutdown(server *http.Server, stopSweeper context.CancelFunc, timeout time.Duration, logger *zap.Logger) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-c
		logger.Info("Received shutdown signal, shutting down gracefully...")
		stopSweeper()

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("Failed to shutdown server gracefully", zap.Error(err))
		} else {
			logger.Info("Server shutdown completed")
		}
	}()
}
