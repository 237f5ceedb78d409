package engine

import (
	"context"
	"errors"
	"time"

	"github.com/brojonat/rebalancer/service/strategy"
	"github.com/google/uuid"
)

// StrategyOptions controls ExecuteStrategy.
type StrategyOptions struct {
	// AwaitConfirmation waits for every submitted transaction to resolve on
	// chain. On-chain failures then count as failed operations.
	AwaitConfirmation bool
}

// OperationOutcome is the result of one operation within a strategy.
type OperationOutcome struct {
	Index     int                `json:"index"`
	Operation strategy.Operation `json:"operation"`
	Result    *TransactionResult `json:"result,omitempty"`
	Status    Status             `json:"status,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// StrategyResult aggregates the outcomes of a batch. Success is true only
// when no operation failed.
type StrategyResult struct {
	BatchID         string             `json:"batch_id"`
	SuccessfulCount int                `json:"successful_count"`
	FailedCount     int                `json:"failed_count"`
	Success         bool               `json:"success"`
	Successful      []OperationOutcome `json:"successful"`
	Failed          []OperationOutcome `json:"failed"`
	Skipped         []OperationOutcome `json:"skipped"`
	// Unconfirmed holds submitted operations whose confirmation timed out.
	Unconfirmed []OperationOutcome `json:"unconfirmed"`
	// Abandoned holds operations still in flight when ctx was cancelled.
	// They keep executing.
	Abandoned  []OperationOutcome `json:"abandoned"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
}

// ExecuteStrategy enqueues ops as one batch, in the given order, and waits
// for every operation. A failing operation does not stop the others unless
// it is marked Critical, in which case the rest of the batch is skipped with
// ErrBatchHalted.
//
// With AwaitConfirmation, operations after a critical one are only enqueued
// once it confirms, so an on-chain failure of a critical operation also
// halts the batch.
func (e *Engine) ExecuteStrategy(ctx context.Context, wallet string, ops []strategy.Operation, opts StrategyOptions) *StrategyResult {
	wallet = walletKey(wallet)
	started := e.clock.Now()
	wallStart := time.Now()
	res := &StrategyResult{
		BatchID:     uuid.NewString(),
		Successful:  []OperationOutcome{},
		Failed:      []OperationOutcome{},
		Skipped:     []OperationOutcome{},
		Unconfirmed: []OperationOutcome{},
		Abandoned:   []OperationOutcome{},
		StartedAt:   started,
	}

	e.logger.InfoContext(ctx, "executing strategy",
		"wallet", wallet,
		"batch_id", res.BatchID,
		"operations", len(ops),
		"await_confirmation", opts.AwaitConfirmation,
	)

	for start := 0; start < len(ops); {
		end := len(ops)
		if opts.AwaitConfirmation {
			end = segmentEnd(ops, start)
		}

		pendings := e.enqueue(wallet, res.BatchID, ops[start:end])
		halted := false
		for j, p := range pendings {
			i := start + j
			failed := e.collect(ctx, res, i, ops[i], p, opts.AwaitConfirmation)
			if failed && ops[i].Critical {
				halted = true
			}
		}
		start = end

		switch {
		case start >= len(ops):
		case halted:
			e.logger.WarnContext(ctx, "critical operation failed, halting batch",
				"wallet", wallet,
				"batch_id", res.BatchID,
				"skipped", len(ops)-start,
			)
			for i := start; i < len(ops); i++ {
				res.Skipped = append(res.Skipped, OperationOutcome{Index: i, Operation: ops[i], Error: ErrBatchHalted.Error()})
			}
			start = len(ops)
		case ctx.Err() != nil:
			for i := start; i < len(ops); i++ {
				res.Abandoned = append(res.Abandoned, OperationOutcome{Index: i, Operation: ops[i], Error: ctx.Err().Error()})
			}
			start = len(ops)
		}
	}

	res.SuccessfulCount = len(res.Successful)
	res.FailedCount = len(res.Failed)
	res.Success = res.FailedCount == 0
	res.FinishedAt = e.clock.Now()

	summary := StrategySummary{
		BatchID:         res.BatchID,
		Total:           len(ops),
		SuccessfulCount: res.SuccessfulCount,
		FailedCount:     res.FailedCount,
		SkippedCount:    len(res.Skipped),
		Success:         res.Success,
		StartedAt:       res.StartedAt,
		FinishedAt:      res.FinishedAt,
	}
	e.mu.Lock()
	hist := e.history.Record(wallet, HistoryEntry{
		Kind:       HistoryStrategy,
		Strategy:   &summary,
		RecordedAt: res.FinishedAt,
	})
	e.mu.Unlock()

	outcome := "success"
	switch {
	case res.Success:
	case res.SuccessfulCount > 0:
		outcome = "partial"
	default:
		outcome = "failed"
	}
	if e.metrics != nil {
		e.metrics.RecordStrategyExecution(outcome, time.Since(wallStart).Seconds())
	}
	e.logger.InfoContext(ctx, "strategy finished",
		"wallet", wallet,
		"batch_id", res.BatchID,
		"outcome", outcome,
		"successful", res.SuccessfulCount,
		"failed", res.FailedCount,
		"skipped", len(res.Skipped),
		"unconfirmed", len(res.Unconfirmed),
	)

	e.publish(Event{Kind: EventHistoryUpdated, Wallet: wallet, History: &hist})
	return res
}

// segmentEnd returns the index just past the next critical operation at or
// after start, or len(ops) when none remains.
func segmentEnd(ops []strategy.Operation, start int) int {
	for i := start; i < len(ops); i++ {
		if ops[i].Critical {
			return i + 1
		}
	}
	return len(ops)
}

// collect waits for one operation and files its outcome in res. It reports
// whether the operation failed.
func (e *Engine) collect(ctx context.Context, res *StrategyResult, i int, op strategy.Operation, p *Pending, awaitConfirmation bool) bool {
	outcome := OperationOutcome{Index: i, Operation: op}

	result, err := p.Wait(ctx)
	switch {
	case err == nil:
		outcome.Result = result
		outcome.Status = StatusSubmitted
	case errors.Is(err, ErrBatchHalted):
		outcome.Error = err.Error()
		res.Skipped = append(res.Skipped, outcome)
		return false
	case ctx.Err() != nil:
		outcome.Error = err.Error()
		res.Abandoned = append(res.Abandoned, outcome)
		return false
	default:
		outcome.Status = StatusFailed
		outcome.Error = err.Error()
		res.Failed = append(res.Failed, outcome)
		return true
	}

	if !awaitConfirmation {
		res.Successful = append(res.Successful, outcome)
		return false
	}

	rec, err := e.AwaitConfirmation(ctx, result.Hash)
	outcome.Status = rec.Status
	switch {
	case err == nil:
		res.Successful = append(res.Successful, outcome)
	case errors.Is(err, ErrConfirmationTimeout):
		outcome.Error = err.Error()
		res.Unconfirmed = append(res.Unconfirmed, outcome)
	case errors.Is(err, ErrFailedOnChain):
		outcome.Error = rec.Error
		res.Failed = append(res.Failed, outcome)
		return true
	default:
		outcome.Error = err.Error()
		res.Abandoned = append(res.Abandoned, outcome)
	}
	return false
}
