package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/rebalancer/service/engine"
	"github.com/brojonat/rebalancer/service/metrics"
	natspkg "github.com/brojonat/rebalancer/service/nats"
	"github.com/brojonat/rebalancer/service/portfolio"
	"github.com/brojonat/rebalancer/service/strategy"
	"github.com/brojonat/rebalancer/service/temporal"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Engine is the execution surface the API drives. *engine.Engine
// implements it.
type Engine interface {
	ExecuteOperation(ctx context.Context, wallet string, op strategy.Operation) (*engine.TransactionResult, error)
	ExecuteStrategy(ctx context.Context, wallet string, ops []strategy.Operation, opts engine.StrategyOptions) *engine.StrategyResult
	History(wallet string) []engine.HistoryEntry
	ClearHistory(wallet string)
	Transaction(hash string) (engine.TransactionRecord, bool)
	QueueLength() int
}

// Archive is the durable history the API falls back to. *db.Store
// implements it.
type Archive interface {
	ListTransactionRecords(ctx context.Context, wallet string, limit int32) ([]engine.TransactionRecord, error)
	GetTransactionRecordByHash(ctx context.Context, hash string) (engine.TransactionRecord, error)
	ListStrategyRuns(ctx context.Context, wallet string, limit int32) ([]engine.StrategySummary, error)
}

// EventSource streams published engine events. *nats.Subscriber
// implements it.
type EventSource interface {
	Subscribe(ctx context.Context, wallet string, handler func(*natspkg.EventMessage)) error
}

// Deps are the server's collaborators. Engine, Planner and Analyzer are
// required; the rest disable their endpoints when nil.
type Deps struct {
	Engine         Engine
	Planner        *strategy.Planner
	Analyzer       *strategy.Analyzer
	DriftThreshold float64
	Portfolio      portfolio.Source
	Archive        Archive
	Scheduler      temporal.Scheduler
	Events         EventSource
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

// Server represents the HTTP API for the rebalancing engine.
type Server struct {
	addr   string
	deps   Deps
	logger *slog.Logger
	server *http.Server
}

// New creates a new HTTP server with the given dependencies.
func New(addr string, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Server{
		addr:   addr,
		deps:   deps,
		logger: deps.Logger,
	}
}

// Handler builds the routed handler. It is exported for tests and for
// embedding the API in another mux.
func (s *Server) Handler() http.Handler {
	d := s.deps
	mux := http.NewServeMux()
	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(d.Metrics, name)(h))
	}

	route("POST /api/v1/plan", "/api/v1/plan", handlePlan(d.Planner, s.logger))
	route("POST /api/v1/drift", "/api/v1/drift", handleDrift(d.Analyzer, d.Portfolio, d.DriftThreshold, s.logger))
	route("POST /api/v1/operations", "/api/v1/operations", handleExecuteOperation(d.Engine, s.logger))
	route("POST /api/v1/strategies", "/api/v1/strategies", handleExecuteStrategy(d.Engine, s.logger))
	route("POST /api/v1/rebalance", "/api/v1/rebalance", handleRebalance(d.Engine, d.Analyzer, d.Portfolio, d.DriftThreshold, s.logger))
	route("GET /api/v1/history/{address}", "/api/v1/history", handleGetHistory(d.Engine, d.Archive, s.logger))
	route("DELETE /api/v1/history/{address}", "/api/v1/history", handleClearHistory(d.Engine, s.logger))
	route("GET /api/v1/transactions/{hash}", "/api/v1/transactions", handleGetTransaction(d.Engine, d.Archive, s.logger))

	if d.Scheduler != nil {
		route("POST /api/v1/rebalance-schedules", "/api/v1/rebalance-schedules", handleUpsertSchedule(d.Scheduler, s.logger))
		route("DELETE /api/v1/rebalance-schedules/{address}", "/api/v1/rebalance-schedules", handleDeleteSchedule(d.Scheduler, s.logger))
	} else {
		s.logger.Warn("scheduler not configured, schedule endpoints disabled")
	}

	if d.Events != nil {
		stream := handleStreamEvents(d.Events, d.Metrics, s.logger)
		mux.Handle("GET /api/v1/stream/events/{address}", stream)
		mux.Handle("GET /api/v1/stream/events", stream)
		s.logger.Info("SSE streaming endpoints enabled")
	} else {
		s.logger.Warn("event source not configured, streaming endpoints disabled")
	}

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"status":       "ok",
			"queue_length": d.Engine.QueueLength(),
		}, http.StatusOK)
	})

	if d.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// Strategy execution and event streams hold the response open.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
