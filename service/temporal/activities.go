package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/rebalancer/service/engine"
	"github.com/brojonat/rebalancer/service/metrics"
	"github.com/brojonat/rebalancer/service/portfolio"
	"github.com/brojonat/rebalancer/service/strategy"
)

// RebalanceCheckInput configures one scheduled drift check for a wallet.
type RebalanceCheckInput struct {
	WalletAddress string                    `json:"wallet_address"`
	Target        []strategy.AllocationItem `json:"target"`
	Threshold     float64                   `json:"threshold"`
	// AutoExecute submits the rebalance plan when drift crosses Threshold.
	AutoExecute bool `json:"auto_execute"`
	// AwaitConfirmation waits for the plan's transactions to resolve.
	AwaitConfirmation bool `json:"await_confirmation"`
}

// RebalanceCheckResult summarizes a drift check.
type RebalanceCheckResult struct {
	WalletAddress   string             `json:"wallet_address"`
	CheckTime       time.Time          `json:"check_time"`
	TotalValueUSD   float64            `json:"total_value_usd"`
	AverageDrift    float64            `json:"average_drift"`
	RebalanceNeeded bool               `json:"rebalance_needed"`
	OperationCount  int                `json:"operation_count"`
	Executed        bool               `json:"executed"`
	Execution       *ExecutePlanResult `json:"execution,omitempty"`
	Error           *string            `json:"error,omitempty"`
}

// FetchPortfolioInput contains parameters for the FetchPortfolio activity.
type FetchPortfolioInput struct {
	WalletAddress string `json:"wallet_address"`
}

// FetchPortfolioResult contains the wallet snapshot.
type FetchPortfolioResult struct {
	Portfolio strategy.Portfolio `json:"portfolio"`
}

// AnalyzeDriftInput contains parameters for the AnalyzeDrift activity.
type AnalyzeDriftInput struct {
	Portfolio strategy.Portfolio        `json:"portfolio"`
	Target    []strategy.AllocationItem `json:"target"`
	Threshold float64                   `json:"threshold"`
}

// AnalyzeDriftResult contains the drift analysis.
type AnalyzeDriftResult struct {
	Plan strategy.RebalancePlan `json:"plan"`
}

// ExecutePlanInput contains parameters for the ExecutePlan activity.
type ExecutePlanInput struct {
	WalletAddress     string               `json:"wallet_address"`
	Operations        []strategy.Operation `json:"operations"`
	AwaitConfirmation bool                 `json:"await_confirmation"`
}

// ExecutePlanResult summarizes the strategy run triggered by a check.
type ExecutePlanResult struct {
	BatchID         string `json:"batch_id"`
	SuccessfulCount int    `json:"successful_count"`
	FailedCount     int    `json:"failed_count"`
	SkippedCount    int    `json:"skipped_count"`
	Success         bool   `json:"success"`
}

// StrategyExecutor runs an ordered batch of operations for a wallet. The
// API client implements it so the worker never signs transactions itself.
type StrategyExecutor interface {
	ExecuteStrategy(ctx context.Context, wallet string, ops []strategy.Operation, awaitConfirmation bool) (*engine.StrategyResult, error)
}

// Activities holds the dependencies needed by Temporal activities.
type Activities struct {
	portfolio portfolio.Source
	analyzer  *strategy.Analyzer
	executor  StrategyExecutor
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(
	source portfolio.Source,
	analyzer *strategy.Analyzer,
	executor StrategyExecutor,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Activities {
	return &Activities{
		portfolio: source,
		analyzer:  analyzer,
		executor:  executor,
		metrics:   m,
		logger:    logger,
	}
}

func (a *Activities) observe(activity, wallet string, start time.Time) {
	if a.metrics != nil {
		a.metrics.RecordActivityDuration(activity, wallet, time.Since(start).Seconds())
	}
}

// FetchPortfolio reads the wallet's current positions.
func (a *Activities) FetchPortfolio(ctx context.Context, input FetchPortfolioInput) (*FetchPortfolioResult, error) {
	defer a.observe("FetchPortfolio", input.WalletAddress, time.Now())

	p, err := a.portfolio.Snapshot(ctx, input.WalletAddress)
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to fetch portfolio",
			"wallet", input.WalletAddress,
			"error", err,
		)
		return nil, fmt.Errorf("failed to fetch portfolio: %w", err)
	}

	a.logger.InfoContext(ctx, "fetched portfolio",
		"wallet", input.WalletAddress,
		"holdings", len(p.Holdings),
		"total_value_usd", p.TotalValueUSD,
	)
	return &FetchPortfolioResult{Portfolio: p}, nil
}

// AnalyzeDrift compares the snapshot against the target allocation.
func (a *Activities) AnalyzeDrift(ctx context.Context, input AnalyzeDriftInput) (*AnalyzeDriftResult, error) {
	defer a.observe("AnalyzeDrift", input.Portfolio.WalletAddress, time.Now())

	plan := a.analyzer.AnalyzeDrift(input.Portfolio, input.Target, input.Threshold)
	if a.metrics != nil {
		a.metrics.RecordDriftAnalysis(plan.RebalanceNeeded)
	}

	a.logger.InfoContext(ctx, "analyzed drift",
		"wallet", input.Portfolio.WalletAddress,
		"average_drift", plan.AverageDrift,
		"threshold", plan.Threshold,
		"rebalance_needed", plan.RebalanceNeeded,
		"operations", len(plan.Operations),
	)
	return &AnalyzeDriftResult{Plan: plan}, nil
}

// ExecutePlan submits the rebalance operations as one strategy.
func (a *Activities) ExecutePlan(ctx context.Context, input ExecutePlanInput) (*ExecutePlanResult, error) {
	defer a.observe("ExecutePlan", input.WalletAddress, time.Now())

	res, err := a.executor.ExecuteStrategy(ctx, input.WalletAddress, input.Operations, input.AwaitConfirmation)
	if a.metrics != nil {
		status := "executed"
		if err != nil {
			status = "error"
		}
		a.metrics.RecordWorkflowExecution(input.WalletAddress, status)
	}
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to execute rebalance plan",
			"wallet", input.WalletAddress,
			"operations", len(input.Operations),
			"error", err,
		)
		return nil, fmt.Errorf("failed to execute rebalance plan: %w", err)
	}

	out := &ExecutePlanResult{
		BatchID:         res.BatchID,
		SuccessfulCount: res.SuccessfulCount,
		FailedCount:     res.FailedCount,
		SkippedCount:    len(res.Skipped),
		Success:         res.Success,
	}
	a.logger.InfoContext(ctx, "executed rebalance plan",
		"wallet", input.WalletAddress,
		"batch_id", out.BatchID,
		"successful", out.SuccessfulCount,
		"failed", out.FailedCount,
		"skipped", out.SkippedCount,
	)
	return out, nil
}
