package temporal

import (
	"fmt"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// RebalanceCheckWorkflow is triggered by a per-wallet schedule. It fetches
// the wallet's portfolio, analyzes drift against the target allocation and,
// when AutoExecute is set and drift crosses the threshold, submits the
// rebalance plan.
func RebalanceCheckWorkflow(ctx workflow.Context, input RebalanceCheckInput) (*RebalanceCheckResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("RebalanceCheckWorkflow started", "wallet", input.WalletAddress)

	result := &RebalanceCheckResult{
		WalletAddress: input.WalletAddress,
		CheckTime:     workflow.Now(ctx),
	}
	fail := func(step string, err error) (*RebalanceCheckResult, error) {
		errMsg := fmt.Sprintf("%s: %v", step, err)
		result.Error = &errMsg
		return result, fmt.Errorf("%s: %w", step, err)
	}

	readCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 60 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	})

	var snapshot *FetchPortfolioResult
	err := workflow.ExecuteActivity(readCtx, a.FetchPortfolio, FetchPortfolioInput{WalletAddress: input.WalletAddress}).Get(ctx, &snapshot)
	if err != nil {
		return fail("failed to fetch portfolio", err)
	}
	result.TotalValueUSD = snapshot.Portfolio.TotalValueUSD

	var analysis *AnalyzeDriftResult
	err = workflow.ExecuteActivity(readCtx, a.AnalyzeDrift, AnalyzeDriftInput{
		Portfolio: snapshot.Portfolio,
		Target:    input.Target,
		Threshold: input.Threshold,
	}).Get(ctx, &analysis)
	if err != nil {
		return fail("failed to analyze drift", err)
	}

	plan := analysis.Plan
	result.AverageDrift = plan.AverageDrift
	result.RebalanceNeeded = plan.RebalanceNeeded
	result.OperationCount = len(plan.Operations)

	if !plan.RebalanceNeeded || len(plan.Operations) == 0 {
		logger.Info("no rebalance needed",
			"wallet", input.WalletAddress,
			"average_drift", plan.AverageDrift,
		)
		return result, nil
	}
	if !input.AutoExecute {
		logger.Info("rebalance needed, auto-execute disabled",
			"wallet", input.WalletAddress,
			"operations", len(plan.Operations),
		)
		return result, nil
	}

	// ExecutePlan is not idempotent and is never retried.
	execCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 15 * time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			MaximumAttempts: 1,
		},
	})

	var execution *ExecutePlanResult
	err = workflow.ExecuteActivity(execCtx, a.ExecutePlan, ExecutePlanInput{
		WalletAddress:     input.WalletAddress,
		Operations:        plan.Operations,
		AwaitConfirmation: input.AwaitConfirmation,
	}).Get(ctx, &execution)
	if err != nil {
		return fail("failed to execute rebalance plan", err)
	}

	result.Executed = true
	result.Execution = execution

	logger.Info("RebalanceCheckWorkflow completed",
		"wallet", input.WalletAddress,
		"batch_id", execution.BatchID,
		"successful", execution.SuccessfulCount,
		"failed", execution.FailedCount,
	)
	return result, nil
}
