package main

import (
	"context"
	"errors"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"net/http"
	"time"

	"anchorBot/config"
	"anchorBot/internal/adapters/binanceclient"
	"anchorBot/internal/adapters/logger"
	"anchorBot/internal/adapters/sqlite"
	"anchorBot/internal/app"
	"anchorBot/internal/bootstrap"
	"anchorBot/internal/metrics"
)

func main() {
	ctx := context.Background()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger, err := logger.NewWithFile(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize logger: %v", err)
	}
	defer appLogger.Close()
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String(), "file": cfg.LogFile.Path})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err) // Also log to stderr
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(ctx, err, "Error closing database repository")
		}
	}()
	appLogger.Info(ctx, "Database repository initialized")

	// 4. Initialize Exchange Client (Binance Adapter)
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:            cfg.APIKey,
		SecretKey:         cfg.SecretKey,
		UseTestnet:        cfg.IsTestnet,
		Account:           cfg.AccountName,
		HedgeMode:         cfg.HedgeMode,
		QuantityPrecision: cfg.QuantityPrecision,
		Logger:            appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}
	appLogger.Info(ctx, "Binance client initialized")

	// 5. Initialize Key Locker
	locker, closeLocker, err := bootstrap.NewLocker(ctx, cfg, repo, appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize key locker")
		log.Fatalf("FATAL: Failed to initialize key locker: %v", err)
	}
	defer func() {
		if err := closeLocker(); err != nil {
			appLogger.Error(ctx, err, "Error closing key locker")
		}
	}()
	appLogger.Info(ctx, "Key locker initialized", map[string]interface{}{"backend": cfg.LockBackend})

	// 6. Initialize Advisory Notifier
	notifier, err := bootstrap.NewNotifier(cfg, appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize notifier")
		log.Fatalf("FATAL: Failed to initialize notifier: %v", err)
	}
	defer notifier.Wait()

	// 7. Initialize Metrics
	appMetrics := metrics.New()
	if cfg.MetricsAddr != "" {
		srv := newMetricsServer(cfg.MetricsAddr, appMetrics)
		go func() {
			appLogger.Info(ctx, "Metrics endpoint listening", map[string]interface{}{"addr": cfg.MetricsAddr})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				appLogger.Error(ctx, err, "Metrics endpoint stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// 8. Initialize Lifecycle
	lifecycle, err := bootstrap.NewLifecycle(cfg, bootstrap.Deps{
		Exchange: binanceClient,
		Store:    repo,
		Locker:   locker,
		Advisor:  notifier,
		Metrics:  appMetrics,
		Logger:   appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize lifecycle")
		log.Fatalf("FATAL: Failed to initialize lifecycle: %v", err)
	}

	// 9. Initialize Application Service
	service, err := app.NewService(app.ServiceConfig{
		Targets:          cfg.Targets,
		Leverage:         cfg.Leverage,
		EvaluateInterval: cfg.EvaluateInterval,
		StrengthInterval: cfg.StrengthInterval,
		SyncInterval:     cfg.SyncInterval,
		ReportInterval:   cfg.ReportInterval,
		GatewayTimeout:   cfg.GatewayTimeout,
		Lifecycle:        lifecycle,
		Exchange:         binanceClient,
		Logger:           appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize anchor service")
		log.Fatalf("FATAL: Failed to initialize anchor service: %v", err)
	}
	appLogger.Info(ctx, "Anchor service initialized", map[string]interface{}{"targets": len(cfg.Targets)})

	// 10. Start the Service
	if err := service.Start(ctx); err != nil {
		appLogger.Error(ctx, err, "Anchor service exited with error")
		log.Fatalf("FATAL: Anchor service exited with error: %v", err)
	}

	appLogger.Info(ctx, "Application finished gracefully.")
}

func newMetricsServer(addr string, m *metrics.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
