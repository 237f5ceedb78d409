package db

import (
	"context"
	"testing"
	"time"

	"github.com/brojonat/rebalancer/service/engine"
	"github.com/brojonat/rebalancer/service/strategy"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(id, wallet, hash string) engine.TransactionRecord {
	submitted := time.Now().UTC().Truncate(time.Microsecond)
	return engine.TransactionRecord{
		ID:      id,
		Wallet:  wallet,
		Hash:    hash,
		Status:  engine.StatusSubmitted,
		BatchID: "batch-1",
		Operation: strategy.Operation{
			Protocol:        "amnis",
			Action:          strategy.ActionStake,
			Amount:          decimal.RequireFromString("12.345678"),
			ContractAddress: "0xamnis",
			FunctionID:      "::staking::stake",
			Critical:        true,
		},
		Attempts:    1,
		SubmittedAt: &submitted,
	}
}

func TestStore_SaveAndGetTransactionRecord(t *testing.T) {
	SkipIfNoTestDB(t)
	store := NewTestStore(t)
	defer store.Close()
	store.Cleanup(t)
	ctx := context.Background()

	rec := testRecord("rec-1", "0xwallet", "0xhash1")
	require.NoError(t, store.SaveTransactionRecord(ctx, rec))

	got, err := store.GetTransactionRecordByHash(ctx, "0xhash1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, engine.StatusSubmitted, got.Status)
	assert.True(t, rec.Operation.Amount.Equal(got.Operation.Amount))
	assert.Equal(t, strategy.ActionStake, got.Operation.Action)
	assert.True(t, got.Operation.Critical)
	require.NotNil(t, got.SubmittedAt)
	assert.Nil(t, got.ResolvedAt)

	// Resolution upserts the same row.
	resolved := time.Now().UTC().Truncate(time.Microsecond)
	rec.Status = engine.StatusFailed
	rec.Error = "transaction failed on chain: Move abort"
	rec.ResolvedAt = &resolved
	require.NoError(t, store.SaveTransactionRecord(ctx, rec))

	list, err := store.ListTransactionRecords(ctx, "0xwallet", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, engine.StatusFailed, list[0].Status)
	assert.Equal(t, rec.Error, list[0].Error)
	require.NotNil(t, list[0].ResolvedAt)
}

func TestStore_GetTransactionRecordByHash_NotFound(t *testing.T) {
	SkipIfNoTestDB(t)
	store := NewTestStore(t)
	defer store.Close()
	store.Cleanup(t)

	_, err := store.GetTransactionRecordByHash(context.Background(), "0xmissing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_StrategyRunsAndDelete(t *testing.T) {
	SkipIfNoTestDB(t)
	store := NewTestStore(t)
	defer store.Close()
	store.Cleanup(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	run := engine.StrategySummary{
		BatchID:         "batch-1",
		Total:           3,
		SuccessfulCount: 2,
		FailedCount:     1,
		StartedAt:       now.Add(-time.Minute),
		FinishedAt:      now,
	}
	require.NoError(t, store.SaveStrategyRun(ctx, "0xwallet", run))
	require.NoError(t, store.SaveTransactionRecord(ctx, testRecord("rec-1", "0xwallet", "0xhash1")))
	require.NoError(t, store.SaveTransactionRecord(ctx, testRecord("rec-2", "0xother", "0xhash2")))

	runs, err := store.ListStrategyRuns(ctx, "0xwallet", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 3, runs[0].Total)
	assert.False(t, runs[0].Success)

	require.NoError(t, store.DeleteWalletHistory(ctx, "0xwallet"))

	runs, err = store.ListStrategyRuns(ctx, "0xwallet", 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
	recs, err := store.ListTransactionRecords(ctx, "0xwallet", 10)
	require.NoError(t, err)
	assert.Empty(t, recs)

	recs, err = store.ListTransactionRecords(ctx, "0xother", 10)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
