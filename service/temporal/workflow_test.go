package temporal

import (
	"errors"
	"testing"

	"github.com/brojonat/rebalancer/service/strategy"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
)

const testWallet = "0x1d8727df513fa2a8785d0834e40b34223daff1affc079574082baadb74b66ee4"

func testPortfolio() strategy.Portfolio {
	return strategy.Portfolio{
		WalletAddress: testWallet,
		TotalValueUSD: 1000,
		Holdings: []strategy.Holding{
			{Protocol: "aries", Asset: "APT", ValueUSD: 800},
			{Protocol: "thala", Asset: "APT", ValueUSD: 200},
		},
	}
}

func driftedPlan() strategy.RebalancePlan {
	return strategy.RebalancePlan{
		RebalanceNeeded: true,
		AverageDrift:    30,
		Threshold:       5,
		Operations: []strategy.Operation{
			{Protocol: "aries", Action: strategy.ActionWithdraw, Amount: decimal.NewFromInt(30), ContractAddress: "0xaries", FunctionID: "::controller::withdraw"},
			{Protocol: "thala", Action: strategy.ActionAddLiquidity, Amount: decimal.NewFromInt(30), ContractAddress: "0xthala", FunctionID: "::weighted_pool_scripts::add_liquidity"},
		},
	}
}

func newWorkflowEnv() (*testsuite.TestWorkflowEnvironment, *Activities) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	activities := &Activities{}
	register(env, activities)
	return env, activities
}

func TestRebalanceCheckWorkflow(t *testing.T) {
	tests := []struct {
		name           string
		input          RebalanceCheckInput
		plan           strategy.RebalancePlan
		execResult     *ExecutePlanResult
		execErr        error
		expectExecute  bool
		expectedError  bool
		validateResult func(*testing.T, *RebalanceCheckResult)
	}{
		{
			name:  "within threshold",
			input: RebalanceCheckInput{WalletAddress: testWallet, Threshold: 5, AutoExecute: true},
			plan:  strategy.RebalancePlan{RebalanceNeeded: false, AverageDrift: 1.5, Threshold: 5},
			validateResult: func(t *testing.T, r *RebalanceCheckResult) {
				assert.False(t, r.RebalanceNeeded)
				assert.False(t, r.Executed)
				assert.Equal(t, 1.5, r.AverageDrift)
				assert.Equal(t, 1000.0, r.TotalValueUSD)
			},
		},
		{
			name:  "drifted without auto-execute",
			input: RebalanceCheckInput{WalletAddress: testWallet, Threshold: 5},
			plan:  driftedPlan(),
			validateResult: func(t *testing.T, r *RebalanceCheckResult) {
				assert.True(t, r.RebalanceNeeded)
				assert.Equal(t, 2, r.OperationCount)
				assert.False(t, r.Executed)
				assert.Nil(t, r.Execution)
			},
		},
		{
			name:          "drifted with auto-execute",
			input:         RebalanceCheckInput{WalletAddress: testWallet, Threshold: 5, AutoExecute: true},
			plan:          driftedPlan(),
			execResult:    &ExecutePlanResult{BatchID: "batch-1", SuccessfulCount: 2, Success: true},
			expectExecute: true,
			validateResult: func(t *testing.T, r *RebalanceCheckResult) {
				assert.True(t, r.Executed)
				require.NotNil(t, r.Execution)
				assert.Equal(t, "batch-1", r.Execution.BatchID)
				assert.Equal(t, 2, r.Execution.SuccessfulCount)
				assert.Nil(t, r.Error)
			},
		},
		{
			name:          "execution fails",
			input:         RebalanceCheckInput{WalletAddress: testWallet, Threshold: 5, AutoExecute: true},
			plan:          driftedPlan(),
			execErr:       errors.New("engine unavailable"),
			expectExecute: true,
			expectedError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, activities := newWorkflowEnv()

			env.OnActivity(activities.FetchPortfolio, mock.Anything, FetchPortfolioInput{WalletAddress: testWallet}).
				Return(&FetchPortfolioResult{Portfolio: testPortfolio()}, nil)
			env.OnActivity(activities.AnalyzeDrift, mock.Anything, mock.Anything).
				Return(&AnalyzeDriftResult{Plan: tt.plan}, nil)

			execCalls := 0
			if tt.expectExecute {
				env.OnActivity(activities.ExecutePlan, mock.Anything, mock.Anything).
					Run(func(args mock.Arguments) {
						execCalls++
						in := args.Get(1).(ExecutePlanInput)
						assert.Equal(t, testWallet, in.WalletAddress)
						assert.Len(t, in.Operations, 2)
					}).
					Return(tt.execResult, tt.execErr)
			}

			env.ExecuteWorkflow(RebalanceCheckWorkflow, tt.input)

			if tt.expectExecute {
				assert.Equal(t, 1, execCalls, "ExecutePlan runs exactly once")
			}
			if tt.expectedError {
				assert.Error(t, env.GetWorkflowError())
				return
			}
			require.NoError(t, env.GetWorkflowError())

			var result RebalanceCheckResult
			require.NoError(t, env.GetWorkflowResult(&result))
			assert.Equal(t, testWallet, result.WalletAddress)
			tt.validateResult(t, &result)
		})
	}
}

func TestRebalanceCheckWorkflow_FetchRetries(t *testing.T) {
	env, activities := newWorkflowEnv()

	callCount := 0
	env.OnActivity(activities.FetchPortfolio, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		callCount++
		if callCount < 3 {
			panic("transient error") // Temporal retries on panics
		}
	}).Return(&FetchPortfolioResult{Portfolio: testPortfolio()}, nil)
	env.OnActivity(activities.AnalyzeDrift, mock.Anything, mock.Anything).
		Return(&AnalyzeDriftResult{Plan: strategy.RebalancePlan{}}, nil)

	env.ExecuteWorkflow(RebalanceCheckWorkflow, RebalanceCheckInput{WalletAddress: testWallet})

	assert.NoError(t, env.GetWorkflowError())
	assert.Equal(t, 3, callCount)
}

func TestRebalanceCheckWorkflow_FetchFails(t *testing.T) {
	env, activities := newWorkflowEnv()

	env.OnActivity(activities.FetchPortfolio, mock.Anything, mock.Anything).
		Return(nil, errors.New("portfolio service down"))

	env.ExecuteWorkflow(RebalanceCheckWorkflow, RebalanceCheckInput{WalletAddress: testWallet})

	err := env.GetWorkflowError()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to fetch portfolio")
}
