package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/brojonat/rebalancer/service/engine"
	"github.com/brojonat/rebalancer/service/portfolio"
	"github.com/brojonat/rebalancer/service/strategy"
	"github.com/brojonat/rebalancer/service/temporal"
	"github.com/shopspring/decimal"
)

const (
	maxRequestBodySize  = 1 << 20 // 1MB
	maxAddressLength    = 100
	maxOperations       = 50
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	minScheduleInterval = time.Minute
	maxScheduleInterval = 7 * 24 * time.Hour
)

var (
	// Aptos hex account addresses or Solana base58 public keys.
	validAddressRegex = regexp.MustCompile(`^(0x[0-9a-fA-F]{1,64}|[1-9A-HJ-NP-Za-km-z]{32,44})$`)
	validHashRegex    = regexp.MustCompile(`^(0x[0-9a-fA-F]{1,64}|[1-9A-HJ-NP-Za-km-z]{64,90})$`)
)

// decodeBody decodes a size-limited JSON request body and writes the error
// response itself. It reports whether decoding succeeded.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}, logger *slog.Logger) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		logger.Debug("failed to decode request", "path", r.URL.Path, "error", err)
		if strings.Contains(err.Error(), "http: request body too large") {
			writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
			return false
		}
		writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

// handlePlan turns an allocation into ordered operations.
// POST /api/v1/plan
func handlePlan(planner *strategy.Planner, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Allocation      []strategy.AllocationItem `json:"allocation"`
			TotalInvestment decimal.Decimal           `json:"total_investment"`
		}
		if !decodeBody(w, r, &req, logger) {
			return
		}
		if len(req.Allocation) == 0 {
			writeError(w, "allocation is required", http.StatusBadRequest)
			return
		}
		if !req.TotalInvestment.IsPositive() {
			writeError(w, "total_investment must be positive", http.StatusBadRequest)
			return
		}

		ops := strategy.Order(planner.Plan(req.Allocation, req.TotalInvestment))
		logger.Debug("planned allocation",
			"items", len(req.Allocation),
			"operations", len(ops),
		)
		writeJSON(w, map[string]interface{}{
			"operations": ops,
			"dropped":    len(req.Allocation) - len(ops),
		}, http.StatusOK)
	})
}

type driftRequest struct {
	WalletAddress string                    `json:"wallet_address"`
	Portfolio     *strategy.Portfolio       `json:"portfolio,omitempty"`
	Target        []strategy.AllocationItem `json:"target"`
	Threshold     *float64                  `json:"threshold,omitempty"`
}

// resolveDrift validates req, loads the portfolio when the request does not
// carry one, and runs the analysis. It writes the error response itself.
func resolveDrift(w http.ResponseWriter, r *http.Request, req driftRequest, analyzer *strategy.Analyzer, source portfolio.Source, defaultThreshold float64, logger *slog.Logger) (strategy.RebalancePlan, bool) {
	if len(req.Target) == 0 {
		writeError(w, "target is required", http.StatusBadRequest)
		return strategy.RebalancePlan{}, false
	}

	threshold := defaultThreshold
	if req.Threshold != nil {
		if err := validateThreshold(*req.Threshold); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return strategy.RebalancePlan{}, false
		}
		threshold = *req.Threshold
	}

	var snapshot strategy.Portfolio
	switch {
	case req.Portfolio != nil:
		snapshot = *req.Portfolio
		if snapshot.WalletAddress == "" {
			snapshot.WalletAddress = req.WalletAddress
		}
	case source == nil:
		writeError(w, "portfolio is required", http.StatusBadRequest)
		return strategy.RebalancePlan{}, false
	default:
		if err := validateAddress(req.WalletAddress); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return strategy.RebalancePlan{}, false
		}
		p, err := source.Snapshot(r.Context(), req.WalletAddress)
		if errors.Is(err, portfolio.ErrWalletNotFound) {
			writeError(w, "portfolio not found", http.StatusNotFound)
			return strategy.RebalancePlan{}, false
		}
		if err != nil {
			logger.Error("failed to fetch portfolio", "wallet", req.WalletAddress, "error", err)
			writeError(w, "failed to fetch portfolio", http.StatusBadGateway)
			return strategy.RebalancePlan{}, false
		}
		snapshot = p
	}

	return analyzer.AnalyzeDrift(snapshot, req.Target, threshold), true
}

// handleDrift reports how far a portfolio is from its target.
// POST /api/v1/drift
func handleDrift(analyzer *strategy.Analyzer, source portfolio.Source, defaultThreshold float64, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req driftRequest
		if !decodeBody(w, r, &req, logger) {
			return
		}
		plan, ok := resolveDrift(w, r, req, analyzer, source, defaultThreshold, logger)
		if !ok {
			return
		}
		writeJSON(w, plan, http.StatusOK)
	})
}

// handleExecuteOperation runs a single operation and returns once it has
// been submitted.
// POST /api/v1/operations
func handleExecuteOperation(eng Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			WalletAddress string             `json:"wallet_address"`
			Operation     strategy.Operation `json:"operation"`
		}
		if !decodeBody(w, r, &req, logger) {
			return
		}
		if err := validateAddress(req.WalletAddress); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		req.Operation.Protocol = strategy.NormalizeProtocol(req.Operation.Protocol)
		if err := req.Operation.Validate(); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		res, err := eng.ExecuteOperation(r.Context(), req.WalletAddress, req.Operation)
		if err != nil {
			var subErr *engine.SubmissionError
			switch {
			case strategy.IsValidationError(err):
				writeError(w, err.Error(), http.StatusBadRequest)
			case errors.As(err, &subErr):
				writeError(w, err.Error(), http.StatusBadGateway)
			case errors.Is(err, engine.ErrEngineClosed):
				writeError(w, "engine is shutting down", http.StatusServiceUnavailable)
			default:
				logger.Error("operation failed", "wallet", req.WalletAddress, "error", err)
				writeError(w, err.Error(), http.StatusInternalServerError)
			}
			return
		}
		writeJSON(w, res, http.StatusOK)
	})
}

// handleExecuteStrategy runs an ordered batch of operations.
// POST /api/v1/strategies
func handleExecuteStrategy(eng Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			WalletAddress     string               `json:"wallet_address"`
			Operations        []strategy.Operation `json:"operations"`
			AwaitConfirmation bool                 `json:"await_confirmation"`
			Order             bool                 `json:"order"`
		}
		if !decodeBody(w, r, &req, logger) {
			return
		}
		if err := validateAddress(req.WalletAddress); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := validateOperations(req.Operations); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		ops := req.Operations
		if req.Order {
			ops = strategy.Order(ops)
		}
		res := eng.ExecuteStrategy(r.Context(), req.WalletAddress, ops, engine.StrategyOptions{
			AwaitConfirmation: req.AwaitConfirmation,
		})
		logger.Info("strategy executed",
			"wallet", req.WalletAddress,
			"batch_id", res.BatchID,
			"successful", res.SuccessfulCount,
			"failed", res.FailedCount,
		)
		writeJSON(w, res, http.StatusOK)
	})
}

// handleRebalance analyzes drift and, unless dry_run is set, executes the
// resulting plan.
// POST /api/v1/rebalance
func handleRebalance(eng Engine, analyzer *strategy.Analyzer, source portfolio.Source, defaultThreshold float64, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			driftRequest
			DryRun            bool `json:"dry_run"`
			AwaitConfirmation bool `json:"await_confirmation"`
		}
		if !decodeBody(w, r, &req, logger) {
			return
		}
		if err := validateAddress(req.WalletAddress); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		plan, ok := resolveDrift(w, r, req.driftRequest, analyzer, source, defaultThreshold, logger)
		if !ok {
			return
		}

		resp := map[string]interface{}{"plan": plan, "executed": false}
		if !plan.RebalanceNeeded || len(plan.Operations) == 0 || req.DryRun {
			writeJSON(w, resp, http.StatusOK)
			return
		}

		res := eng.ExecuteStrategy(r.Context(), req.WalletAddress, plan.Operations, engine.StrategyOptions{
			AwaitConfirmation: req.AwaitConfirmation,
		})
		resp["executed"] = true
		resp["execution"] = res
		logger.Info("rebalance executed",
			"wallet", req.WalletAddress,
			"average_drift", plan.AverageDrift,
			"batch_id", res.BatchID,
			"successful", res.SuccessfulCount,
			"failed", res.FailedCount,
		)
		writeJSON(w, resp, http.StatusOK)
	})
}

// handleGetHistory returns a wallet's history, newest first. With
// ?source=archive it reads the durable archive instead of the in-memory log.
// GET /api/v1/history/{address}
func handleGetHistory(eng Engine, archive Archive, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if err := validateAddress(address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if r.URL.Query().Get("source") != "archive" {
			writeJSON(w, map[string]interface{}{
				"wallet_address": address,
				"entries":        eng.History(address),
			}, http.StatusOK)
			return
		}

		if archive == nil {
			writeError(w, "history archive not configured", http.StatusNotImplemented)
			return
		}
		limit, err := parseLimit(r.URL.Query().Get("limit"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		records, err := archive.ListTransactionRecords(r.Context(), address, limit)
		if err != nil {
			logger.Error("failed to list archived records", "wallet", address, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		runs, err := archive.ListStrategyRuns(r.Context(), address, limit)
		if err != nil {
			logger.Error("failed to list archived strategy runs", "wallet", address, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]interface{}{
			"wallet_address": address,
			"transactions":   records,
			"strategies":     runs,
		}, http.StatusOK)
	})
}

// handleClearHistory drops a wallet's history.
// DELETE /api/v1/history/{address}
func handleClearHistory(eng Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if err := validateAddress(address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		eng.ClearHistory(address)
		logger.Info("history cleared", "wallet", address)
		w.WriteHeader(http.StatusNoContent)
	})
}

// handleGetTransaction looks up a transaction by hash in the engine, then in
// the archive.
// GET /api/v1/transactions/{hash}
func handleGetTransaction(eng Engine, archive Archive, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hash := r.PathValue("hash")
		if !validHashRegex.MatchString(hash) {
			writeError(w, "invalid transaction hash", http.StatusBadRequest)
			return
		}

		if rec, ok := eng.Transaction(hash); ok {
			writeJSON(w, rec, http.StatusOK)
			return
		}
		if archive != nil {
			rec, err := archive.GetTransactionRecordByHash(r.Context(), hash)
			if err == nil {
				writeJSON(w, rec, http.StatusOK)
				return
			}
			logger.Debug("transaction not in archive", "hash", hash, "error", err)
		}
		writeError(w, "transaction not found", http.StatusNotFound)
	})
}

// handleUpsertSchedule creates or updates a wallet's drift-check schedule.
// POST /api/v1/rebalance-schedules
func handleUpsertSchedule(scheduler temporal.Scheduler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			WalletAddress     string                    `json:"wallet_address"`
			Target            []strategy.AllocationItem `json:"target"`
			Threshold         *float64                  `json:"threshold,omitempty"`
			Interval          string                    `json:"interval"`
			AutoExecute       bool                      `json:"auto_execute"`
			AwaitConfirmation bool                      `json:"await_confirmation"`
		}
		if !decodeBody(w, r, &req, logger) {
			return
		}
		if err := validateAddress(req.WalletAddress); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(req.Target) == 0 {
			writeError(w, "target is required", http.StatusBadRequest)
			return
		}
		interval, err := time.ParseDuration(req.Interval)
		if err != nil {
			writeError(w, fmt.Sprintf("invalid interval %q: must be a duration like 1h", req.Interval), http.StatusBadRequest)
			return
		}
		if err := validateScheduleInterval(interval); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		threshold := strategy.DefaultDriftThreshold
		if req.Threshold != nil {
			if err := validateThreshold(*req.Threshold); err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
			threshold = *req.Threshold
		}

		schedule := temporal.RebalanceSchedule{
			RebalanceCheckInput: temporal.RebalanceCheckInput{
				WalletAddress:     req.WalletAddress,
				Target:            req.Target,
				Threshold:         threshold,
				AutoExecute:       req.AutoExecute,
				AwaitConfirmation: req.AwaitConfirmation,
			},
			Interval: interval,
		}
		if err := scheduler.UpsertRebalanceSchedule(r.Context(), schedule); err != nil {
			logger.Error("failed to upsert schedule", "wallet", req.WalletAddress, "error", err)
			writeError(w, "failed to create schedule", http.StatusInternalServerError)
			return
		}

		logger.Info("rebalance schedule saved",
			"wallet", req.WalletAddress,
			"interval", interval,
			"auto_execute", req.AutoExecute,
		)
		writeJSON(w, map[string]interface{}{
			"wallet_address": req.WalletAddress,
			"interval":       interval.String(),
			"threshold":      threshold,
			"auto_execute":   req.AutoExecute,
		}, http.StatusCreated)
	})
}

// handleDeleteSchedule stops a wallet's drift checks.
// DELETE /api/v1/rebalance-schedules/{address}
func handleDeleteSchedule(scheduler temporal.Scheduler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if err := validateAddress(address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := scheduler.DeleteRebalanceSchedule(r.Context(), address); err != nil {
			logger.Error("failed to delete schedule", "wallet", address, "error", err)
			writeError(w, "failed to delete schedule", http.StatusInternalServerError)
			return
		}
		logger.Info("rebalance schedule deleted", "wallet", address)
		w.WriteHeader(http.StatusNoContent)
	})
}

func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, map[string]string{"error": message}, statusCode)
}

// validateAddress validates a wallet address parameter.
func validateAddress(address string) error {
	if address == "" {
		return errorf("wallet_address is required")
	}
	if len(address) > maxAddressLength {
		return errorf("address too long: maximum length is %d characters", maxAddressLength)
	}
	for _, r := range address {
		if r == 0 || unicode.IsControl(r) {
			return errorf("invalid characters in address: control characters not allowed")
		}
	}
	if !validAddressRegex.MatchString(address) {
		return errorf("invalid address format: must be a 0x-prefixed hex address or a base58 public key")
	}
	return nil
}

func validateOperations(ops []strategy.Operation) error {
	if len(ops) == 0 {
		return errorf("operations are required")
	}
	if len(ops) > maxOperations {
		return errorf("too many operations: maximum is %d", maxOperations)
	}
	for i := range ops {
		ops[i].Protocol = strategy.NormalizeProtocol(ops[i].Protocol)
		if err := ops[i].Validate(); err != nil {
			return errorf("operation %d: %v", i, err)
		}
	}
	return nil
}

// validateThreshold checks a drift threshold in percentage points.
func validateThreshold(threshold float64) error {
	if threshold < 0 || threshold > 100 {
		return fmt.Errorf("threshold must be between 0 and 100")
	}
	return nil
}

func validateScheduleInterval(interval time.Duration) error {
	if interval < minScheduleInterval {
		return errorf("interval must be at least %v", minScheduleInterval)
	}
	if interval > maxScheduleInterval {
		return errorf("interval cannot exceed %v", maxScheduleInterval)
	}
	return nil
}

func parseLimit(s string) (int32, error) {
	if s == "" {
		return defaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, errorf("invalid limit %q: must be a positive integer", s)
	}
	if n > maxHistoryLimit {
		n = maxHistoryLimit
	}
	return int32(n), nil
}

// errorf is a helper to format error strings.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
