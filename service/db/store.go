package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/rebalancer/service/engine"
	"github.com/brojonat/rebalancer/service/metrics"
	"github.com/brojonat/rebalancer/service/strategy"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when a lookup matches no rows.
var ErrNotFound = errors.New("not found")

// Store archives engine history in Postgres.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// metrics may be nil.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{pool: pool, metrics: m}
}

// Connect opens a pool for databaseURL and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded schema. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) observe(operation, table string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.RecordDBQuery(operation, table, metrics.Since(start), err)
	}
}

const upsertTransactionRecord = `
INSERT INTO transaction_records (
    id, wallet_address, hash, status, protocol, action, amount,
    contract_address, function_id, critical, batch_id, attempts, error,
    submitted_at, resolved_at
) VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (id) DO UPDATE SET
    hash = EXCLUDED.hash,
    status = EXCLUDED.status,
    attempts = EXCLUDED.attempts,
    error = EXCLUDED.error,
    submitted_at = EXCLUDED.submitted_at,
    resolved_at = EXCLUDED.resolved_at,
    recorded_at = NOW()`

// SaveTransactionRecord inserts or updates a record by id.
func (s *Store) SaveTransactionRecord(ctx context.Context, rec engine.TransactionRecord) (err error) {
	defer func(start time.Time) { s.observe("upsert", "transaction_records", start, err) }(time.Now())

	op := rec.Operation
	_, err = s.pool.Exec(ctx, upsertTransactionRecord,
		rec.ID,
		rec.Wallet,
		pgtextFromString(rec.Hash),
		string(rec.Status),
		op.Protocol,
		string(op.Action),
		op.Amount.String(),
		op.ContractAddress,
		op.FunctionID,
		op.Critical,
		pgtextFromString(rec.BatchID),
		rec.Attempts,
		pgtextFromString(rec.Error),
		pgtimestamptzFromTimePtr(rec.SubmittedAt),
		pgtimestamptzFromTimePtr(rec.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save transaction record: %w", err)
	}
	return nil
}

const selectTransactionRecord = `
SELECT id, wallet_address, hash, status, protocol, action, amount::text,
       contract_address, function_id, critical, batch_id, attempts, error,
       submitted_at, resolved_at
FROM transaction_records`

// ListTransactionRecords returns a wallet's archived records, newest first.
func (s *Store) ListTransactionRecords(ctx context.Context, wallet string, limit int32) (out []engine.TransactionRecord, err error) {
	defer func(start time.Time) { s.observe("list", "transaction_records", start, err) }(time.Now())

	rows, err := s.pool.Query(ctx,
		selectTransactionRecord+` WHERE wallet_address = $1 ORDER BY recorded_at DESC LIMIT $2`,
		wallet, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list transaction records: %w", err)
	}
	defer rows.Close()

	out = make([]engine.TransactionRecord, 0)
	for rows.Next() {
		rec, err := scanTransactionRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transaction records: %w", err)
	}
	return out, nil
}

// GetTransactionRecordByHash returns the archived record for a hash.
func (s *Store) GetTransactionRecordByHash(ctx context.Context, hash string) (rec engine.TransactionRecord, err error) {
	defer func(start time.Time) { s.observe("get", "transaction_records", start, err) }(time.Now())

	row := s.pool.QueryRow(ctx,
		selectTransactionRecord+` WHERE hash = $1 ORDER BY recorded_at DESC LIMIT 1`,
		hash,
	)
	rec, err = scanTransactionRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.TransactionRecord{}, fmt.Errorf("%w: transaction %s", ErrNotFound, hash)
	}
	return rec, err
}

func scanTransactionRecord(row pgx.Row) (engine.TransactionRecord, error) {
	var (
		rec                     engine.TransactionRecord
		hash, batchID, errText  pgtype.Text
		status, action, amount  string
		submittedAt, resolvedAt pgtype.Timestamptz
		attempts                int32
	)
	err := row.Scan(
		&rec.ID,
		&rec.Wallet,
		&hash,
		&status,
		&rec.Operation.Protocol,
		&action,
		&amount,
		&rec.Operation.ContractAddress,
		&rec.Operation.FunctionID,
		&rec.Operation.Critical,
		&batchID,
		&attempts,
		&errText,
		&submittedAt,
		&resolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("failed to scan transaction record: %w", err)
	}

	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return rec, fmt.Errorf("invalid stored amount %q: %w", amount, err)
	}
	rec.Operation.Amount = amt
	rec.Operation.Action = strategy.ActionKind(action)
	rec.Status = engine.Status(status)
	rec.Hash = hash.String
	rec.BatchID = batchID.String
	rec.Error = errText.String
	rec.Attempts = int(attempts)
	rec.SubmittedAt = timePtrFromPgTimestamptz(submittedAt)
	rec.ResolvedAt = timePtrFromPgTimestamptz(resolvedAt)
	return rec, nil
}

const upsertStrategyRun = `
INSERT INTO strategy_runs (
    batch_id, wallet_address, total, successful_count, failed_count,
    skipped_count, success, started_at, finished_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (batch_id) DO UPDATE SET
    successful_count = EXCLUDED.successful_count,
    failed_count = EXCLUDED.failed_count,
    skipped_count = EXCLUDED.skipped_count,
    success = EXCLUDED.success,
    finished_at = EXCLUDED.finished_at,
    recorded_at = NOW()`

// SaveStrategyRun inserts or updates a strategy summary by batch id.
func (s *Store) SaveStrategyRun(ctx context.Context, wallet string, run engine.StrategySummary) (err error) {
	defer func(start time.Time) { s.observe("upsert", "strategy_runs", start, err) }(time.Now())

	_, err = s.pool.Exec(ctx, upsertStrategyRun,
		run.BatchID,
		wallet,
		run.Total,
		run.SuccessfulCount,
		run.FailedCount,
		run.SkippedCount,
		run.Success,
		pgtype.Timestamptz{Time: run.StartedAt, Valid: true},
		pgtype.Timestamptz{Time: run.FinishedAt, Valid: true},
	)
	if err != nil {
		return fmt.Errorf("failed to save strategy run: %w", err)
	}
	return nil
}

// ListStrategyRuns returns a wallet's strategy summaries, newest first.
func (s *Store) ListStrategyRuns(ctx context.Context, wallet string, limit int32) (out []engine.StrategySummary, err error) {
	defer func(start time.Time) { s.observe("list", "strategy_runs", start, err) }(time.Now())

	rows, err := s.pool.Query(ctx, `
SELECT batch_id, total, successful_count, failed_count, skipped_count,
       success, started_at, finished_at
FROM strategy_runs
WHERE wallet_address = $1
ORDER BY finished_at DESC
LIMIT $2`, wallet, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list strategy runs: %w", err)
	}
	defer rows.Close()

	out = make([]engine.StrategySummary, 0)
	for rows.Next() {
		var (
			run                                engine.StrategySummary
			total, successful, failed, skipped int32
			startedAt, finishedAt              pgtype.Timestamptz
		)
		if err := rows.Scan(&run.BatchID, &total, &successful, &failed, &skipped,
			&run.Success, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan strategy run: %w", err)
		}
		run.Total = int(total)
		run.SuccessfulCount = int(successful)
		run.FailedCount = int(failed)
		run.SkippedCount = int(skipped)
		run.StartedAt = startedAt.Time
		run.FinishedAt = finishedAt.Time
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate strategy runs: %w", err)
	}
	return out, nil
}

// DeleteWalletHistory removes every archived record and strategy run for a
// wallet.
func (s *Store) DeleteWalletHistory(ctx context.Context, wallet string) (err error) {
	defer func(start time.Time) { s.observe("delete", "transaction_records", start, err) }(time.Now())

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err = tx.Exec(ctx, `DELETE FROM transaction_records WHERE wallet_address = $1`, wallet); err != nil {
		return fmt.Errorf("failed to delete transaction records: %w", err)
	}
	if _, err = tx.Exec(ctx, `DELETE FROM strategy_runs WHERE wallet_address = $1`, wallet); err != nil {
		return fmt.Errorf("failed to delete strategy runs: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func pgtextFromString(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: s, Valid: true}
}

func pgtimestamptzFromTimePtr(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{Valid: false}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

func timePtrFromPgTimestamptz(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	tt := t.Time
	return &tt
}
