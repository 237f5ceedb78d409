package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/rebalancer/service/aptos"
	"github.com/brojonat/rebalancer/service/config"
	"github.com/brojonat/rebalancer/service/db"
	"github.com/brojonat/rebalancer/service/engine"
	"github.com/brojonat/rebalancer/service/metrics"
	natspkg "github.com/brojonat/rebalancer/service/nats"
	"github.com/brojonat/rebalancer/service/portfolio"
	"github.com/brojonat/rebalancer/service/server"
	"github.com/brojonat/rebalancer/service/solana"
	"github.com/brojonat/rebalancer/service/strategy"
	"github.com/brojonat/rebalancer/service/temporal"
	"github.com/brojonat/rebalancer/service/wallet"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"chain", cfg.Chain,
		"log_level", cfg.LogLevel,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	registry := strategy.DefaultRegistry()
	if cfg.RegistryFile != "" {
		r, err := strategy.LoadRegistryFile(cfg.RegistryFile)
		if err != nil {
			logger.Error("failed to load protocol registry", "path", cfg.RegistryFile, "error", err)
			return 1
		}
		registry = r
	}
	logger.Info("loaded protocol registry", "protocols", len(registry.Protocols()))

	planner := strategy.NewPlanner(registry, logger)
	analyzer := strategy.NewAnalyzer(registry, cfg.FallbackUnitPriceUSD, logger)

	// Chain adapters
	httpClient := &http.Client{Timeout: 30 * time.Second}
	signer := wallet.NewSigner(cfg.WalletSignerURL, httpClient, logger)
	var status engine.StatusQuerier
	switch cfg.Chain {
	case config.ChainSolana:
		status = solana.NewStatusClient(solana.NewRPCClient(cfg.SolanaRPCURL), metricsCollector, logger)
		logger.Info("initialized solana status client", "url", cfg.SolanaRPCURL)
	default:
		status = aptos.NewStatusClient(cfg.AptosNodeURL, httpClient, metricsCollector, logger).
			WithRateLimit(cfg.AptosRequestsPerSecond)
		logger.Info("initialized aptos status client",
			"url", cfg.AptosNodeURL,
			"requests_per_second", cfg.AptosRequestsPerSecond,
		)
	}

	eng := engine.New(signer, status, cfg.EngineConfig(), logger, metricsCollector)

	// Durable history archive
	dbPool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return 1
	}
	defer dbPool.Close()
	store := db.NewStore(dbPool, metricsCollector)
	if err := store.Migrate(ctx); err != nil {
		logger.Error("failed to migrate database", "error", err)
		return 1
	}
	logger.Info("connected to database")

	archive := db.NewArchive(store, logger)
	archiveSub := eng.Subscribe(archive.Listener())

	// Event fan-out over NATS
	natsPublisher, err := natspkg.NewPublisher(cfg.NATSURL, logger, metricsCollector)
	if err != nil {
		logger.Error("failed to create NATS publisher", "error", err)
		return 1
	}
	defer natsPublisher.Close()
	sink := natspkg.NewSink(natsPublisher, logger)
	sinkSub := eng.Subscribe(sink.Listener())

	natsSubscriber, err := natspkg.NewSubscriber(cfg.NATSURL, "rebalancer-sse", logger)
	if err != nil {
		logger.Error("failed to create NATS subscriber", "error", err)
		return 1
	}
	defer natsSubscriber.Close()

	deps := server.Deps{
		Engine:         eng,
		Planner:        planner,
		Analyzer:       analyzer,
		DriftThreshold: cfg.DriftThreshold,
		Archive:        store,
		Events:         natsSubscriber,
		Metrics:        metricsCollector,
		Logger:         logger,
	}
	if cfg.PortfolioAPIURL != "" {
		deps.Portfolio = portfolio.NewHTTPSource(cfg.PortfolioAPIURL, httpClient, logger)
	}

	// Schedules are optional: the API still serves execution without Temporal.
	temporalClient, err := temporal.NewClient(cfg.TemporalHost, cfg.TemporalNamespace, cfg.TemporalTaskQueue, logger)
	if err != nil {
		logger.Warn("temporal unavailable, schedule endpoints disabled", "error", err)
	} else {
		defer temporalClient.Close()
		deps.Scheduler = temporalClient
	}

	eng.Start(ctx)
	httpServer := server.New(cfg.ServerAddr, deps)

	logger.Info("server initialized, all dependencies ready",
		"nats_url", cfg.NATSURL,
		"temporal_host", cfg.TemporalHost,
		"portfolio_api", cfg.PortfolioAPIURL != "",
	)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	exitCode := 0
	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		exitCode = 1
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			exitCode = 1
		}
	}

	// Stop the engine before draining listeners so the final events land.
	if err := eng.Close(); err != nil {
		logger.Error("failed to close engine", "error", err)
	}
	eng.Unsubscribe(sinkSub)
	eng.Unsubscribe(archiveSub)
	sink.Close()
	archive.Close()

	logger.Info("server shutdown complete")
	return exitCode
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
