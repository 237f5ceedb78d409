package temporal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/brojonat/rebalancer/service/engine"
	"github.com/brojonat/rebalancer/service/portfolio"
	"github.com/brojonat/rebalancer/service/strategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockExecutor implements StrategyExecutor.
type MockExecutor struct {
	mock.Mock
}

func (m *MockExecutor) ExecuteStrategy(ctx context.Context, wallet string, ops []strategy.Operation, awaitConfirmation bool) (*engine.StrategyResult, error) {
	args := m.Called(ctx, wallet, ops, awaitConfirmation)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*engine.StrategyResult), args.Error(1)
}

func newTestActivities(src portfolio.Source, exec StrategyExecutor) *Activities {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	analyzer := strategy.NewAnalyzer(strategy.DefaultRegistry(), 0, logger)
	return NewActivities(src, analyzer, exec, nil, logger)
}

func TestFetchPortfolio(t *testing.T) {
	acts := newTestActivities(portfolio.Static{testWallet: testPortfolio()}, nil)

	res, err := acts.FetchPortfolio(context.Background(), FetchPortfolioInput{WalletAddress: testWallet})
	require.NoError(t, err)
	assert.Equal(t, 1000.0, res.Portfolio.TotalValueUSD)

	_, err = acts.FetchPortfolio(context.Background(), FetchPortfolioInput{WalletAddress: "0xunknown"})
	require.Error(t, err)
	assert.ErrorIs(t, err, portfolio.ErrWalletNotFound)
}

func TestAnalyzeDrift(t *testing.T) {
	acts := newTestActivities(nil, nil)

	res, err := acts.AnalyzeDrift(context.Background(), AnalyzeDriftInput{
		Portfolio: testPortfolio(),
		Target: []strategy.AllocationItem{
			{Protocol: "aries", Percentage: 50},
			{Protocol: "thala", Percentage: 50},
		},
		Threshold: 5,
	})
	require.NoError(t, err)
	assert.True(t, res.Plan.RebalanceNeeded)
	assert.InDelta(t, 30.0, res.Plan.AverageDrift, 1e-9)
	assert.NotEmpty(t, res.Plan.Operations)
}

func TestExecutePlan(t *testing.T) {
	ops := driftedPlan().Operations

	t.Run("success", func(t *testing.T) {
		exec := &MockExecutor{}
		exec.On("ExecuteStrategy", mock.Anything, testWallet, ops, true).Return(&engine.StrategyResult{
			BatchID:         "batch-1",
			SuccessfulCount: 1,
			FailedCount:     1,
			Skipped:         []engine.OperationOutcome{{Index: 1}},
		}, nil)
		acts := newTestActivities(nil, exec)

		res, err := acts.ExecutePlan(context.Background(), ExecutePlanInput{
			WalletAddress:     testWallet,
			Operations:        ops,
			AwaitConfirmation: true,
		})
		require.NoError(t, err)
		assert.Equal(t, "batch-1", res.BatchID)
		assert.Equal(t, 1, res.FailedCount)
		assert.Equal(t, 1, res.SkippedCount)
		assert.False(t, res.Success)
		exec.AssertExpectations(t)
	})

	t.Run("executor error", func(t *testing.T) {
		exec := &MockExecutor{}
		exec.On("ExecuteStrategy", mock.Anything, testWallet, ops, false).Return(nil, errors.New("connection refused"))
		acts := newTestActivities(nil, exec)

		_, err := acts.ExecutePlan(context.Background(), ExecutePlanInput{WalletAddress: testWallet, Operations: ops})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection refused")
	})
}

func TestMockScheduler(t *testing.T) {
	s := NewMockScheduler()
	ctx := context.Background()

	require.NoError(t, s.UpsertRebalanceSchedule(ctx, RebalanceSchedule{
		RebalanceCheckInput: RebalanceCheckInput{WalletAddress: testWallet, Threshold: 5},
		Interval:            time.Hour,
	}))
	require.NoError(t, s.UpsertRebalanceSchedule(ctx, RebalanceSchedule{
		RebalanceCheckInput: RebalanceCheckInput{WalletAddress: testWallet, Threshold: 2},
		Interval:            30 * time.Minute,
	}))
	assert.Equal(t, 1, s.ScheduleCount())
	got, ok := s.Schedule(testWallet)
	require.True(t, ok)
	assert.Equal(t, 2.0, got.Threshold)

	require.NoError(t, s.DeleteRebalanceSchedule(ctx, testWallet))
	assert.Error(t, s.DeleteRebalanceSchedule(ctx, testWallet))
}

func TestWorkerConfigValidate(t *testing.T) {
	analyzer := strategy.NewAnalyzer(strategy.DefaultRegistry(), 0, nil)

	err := WorkerConfig{}.validate()
	require.Error(t, err)
	for _, want := range []string{"task queue", "portfolio source", "drift analyzer", "strategy executor"} {
		assert.Contains(t, err.Error(), want)
	}

	cfg := WorkerConfig{
		TaskQueue: "rebalancer-drift-checks",
		Portfolio: portfolio.Static{},
		Analyzer:  analyzer,
		Executor:  &MockExecutor{},
	}
	assert.NoError(t, cfg.validate())

	_, err = NewWorker(WorkerConfig{TaskQueue: "q"})
	assert.ErrorContains(t, err, "invalid worker config")
}
