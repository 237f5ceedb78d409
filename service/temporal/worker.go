package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/brojonat/rebalancer/service/metrics"
	"github.com/brojonat/rebalancer/service/portfolio"
	"github.com/brojonat/rebalancer/service/strategy"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// WorkerConfig wires the drift-check worker.
type WorkerConfig struct {
	TemporalHost      string
	TemporalNamespace string
	TaskQueue         string

	Portfolio portfolio.Source
	Analyzer  *strategy.Analyzer
	Executor  StrategyExecutor
	Metrics   *metrics.Metrics // optional
	Logger    *slog.Logger

	// MaxConcurrentActivities bounds in-flight activities. Zero means 10.
	MaxConcurrentActivities int
}

func (c WorkerConfig) validate() error {
	var errs []error
	if c.TaskQueue == "" {
		errs = append(errs, errors.New("task queue is required"))
	}
	if c.Portfolio == nil {
		errs = append(errs, errors.New("portfolio source is required"))
	}
	if c.Analyzer == nil {
		errs = append(errs, errors.New("drift analyzer is required"))
	}
	if c.Executor == nil {
		errs = append(errs, errors.New("strategy executor is required"))
	}
	return errors.Join(errs...)
}

// Worker runs RebalanceCheckWorkflow and its activities.
type Worker struct {
	client client.Client
	worker worker.Worker
	logger *slog.Logger
}

// NewWorker dials Temporal and registers the drift-check workflow.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid worker config: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxConcurrentActivities <= 0 {
		cfg.MaxConcurrentActivities = 10
	}
	logger := cfg.Logger.With("component", "temporal_worker", "task_queue", cfg.TaskQueue)

	c, err := client.Dial(client.Options{
		HostPort:  cfg.TemporalHost,
		Namespace: cfg.TemporalNamespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to temporal: %w", err)
	}

	w := worker.New(c, cfg.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     cfg.MaxConcurrentActivities,
		MaxConcurrentWorkflowTaskExecutionSize: cfg.MaxConcurrentActivities,
	})
	register(w, NewActivities(cfg.Portfolio, cfg.Analyzer, cfg.Executor, cfg.Metrics, logger))

	logger.Info("temporal worker ready",
		"host", cfg.TemporalHost,
		"namespace", cfg.TemporalNamespace,
	)
	return &Worker{client: c, worker: w, logger: logger}, nil
}

// registrar is satisfied by worker.Worker and the test workflow environment.
type registrar interface {
	RegisterWorkflow(w interface{})
	RegisterActivity(a interface{})
}

func register(r registrar, a *Activities) {
	r.RegisterWorkflow(RebalanceCheckWorkflow)
	r.RegisterActivity(a.FetchPortfolio)
	r.RegisterActivity(a.AnalyzeDrift)
	r.RegisterActivity(a.ExecutePlan)
}

// Run processes tasks until ctx is done, then stops the worker and closes
// the client.
func (w *Worker) Run(ctx context.Context) error {
	defer w.client.Close()

	interrupt := make(chan interface{})
	go func() {
		<-ctx.Done()
		close(interrupt)
	}()

	w.logger.Info("starting temporal worker")
	if err := w.worker.Run(interrupt); err != nil {
		return fmt.Errorf("worker stopped with error: %w", err)
	}
	w.logger.Info("temporal worker stopped")
	return nil
}
