package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/rebalancer/client"
	"github.com/brojonat/rebalancer/service/config"
	"github.com/brojonat/rebalancer/service/metrics"
	"github.com/brojonat/rebalancer/service/portfolio"
	"github.com/brojonat/rebalancer/service/strategy"
	"github.com/brojonat/rebalancer/service/temporal"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultMetricsAddr = ":9091"

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.MustLoad()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting temporal worker",
		"temporal_host", cfg.TemporalHost,
		"namespace", cfg.TemporalNamespace,
		"task_queue", cfg.TemporalTaskQueue,
		"log_level", cfg.LogLevel,
	)

	if cfg.PortfolioAPIURL == "" {
		logger.Error("PORTFOLIO_API_URL is required for the worker")
		return 1
	}

	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	metricsAddr := cfg.MetricsAddr
	if metricsAddr == "" {
		metricsAddr = defaultMetricsAddr
	}
	metricsServer := &http.Server{
		Addr:    metricsAddr,
		Handler: promhttp.Handler(),
	}
	go func() {
		logger.Info("starting metrics HTTP server", "addr", metricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown metrics server", "error", err)
		}
	}()

	registry := strategy.DefaultRegistry()
	if cfg.RegistryFile != "" {
		r, err := strategy.LoadRegistryFile(cfg.RegistryFile)
		if err != nil {
			logger.Error("failed to load protocol registry", "path", cfg.RegistryFile, "error", err)
			return 1
		}
		registry = r
	}

	source := portfolio.NewHTTPSource(cfg.PortfolioAPIURL, &http.Client{Timeout: 30 * time.Second}, logger)
	analyzer := strategy.NewAnalyzer(registry, cfg.FallbackUnitPriceUSD, logger)

	// Plans execute through the API server, which owns the signing engine.
	executor := client.NewClient(cfg.RebalancerServerURL, nil, logger)
	logger.Info("initialized rebalancer client", "server_url", cfg.RebalancerServerURL)

	worker, err := temporal.NewWorker(temporal.WorkerConfig{
		TemporalHost:      cfg.TemporalHost,
		TemporalNamespace: cfg.TemporalNamespace,
		TaskQueue:         cfg.TemporalTaskQueue,
		Portfolio:         source,
		Analyzer:          analyzer,
		Executor:          executor,
		Metrics:           metricsCollector,
		Logger:            logger,
	})
	if err != nil {
		logger.Error("failed to create temporal worker", "error", err)
		return 1
	}

	logger.Info("temporal worker initialized, all dependencies ready",
		"portfolio_api", cfg.PortfolioAPIURL,
		"protocols", len(registry.Protocols()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := worker.Run(ctx); err != nil {
		logger.Error("temporal worker error", "error", err)
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
