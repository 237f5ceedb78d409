// Package aptos queries an Aptos fullnode for transaction outcomes.
package aptos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/brojonat/rebalancer/service/engine"
	"github.com/brojonat/rebalancer/service/metrics"
	"golang.org/x/time/rate"
)

const chainLabel = "aptos"

// Transaction types reported by the node.
const (
	TypePending = "pending_transaction"
	TypeUser    = "user_transaction"
)

// transactionResponse is the subset of the node's transaction body we read.
type transactionResponse struct {
	Type     string `json:"type"`
	Hash     string `json:"hash"`
	Version  string `json:"version,omitempty"`
	Success  bool   `json:"success"`
	VMStatus string `json:"vm_status"`
}

// StatusClient implements engine.StatusQuerier against the node REST API.
type StatusClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
	limiter    *rate.Limiter
}

// NewStatusClient creates a StatusClient for the fullnode at nodeURL, for
// example https://fullnode.mainnet.aptoslabs.com.
func NewStatusClient(nodeURL string, httpClient *http.Client, m *metrics.Metrics, logger *slog.Logger) *StatusClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &StatusClient{
		baseURL:    strings.TrimRight(nodeURL, "/"),
		httpClient: httpClient,
		logger:     logger,
		metrics:    m,
	}
}

// WithRateLimit caps requests to the node at rps per second. Concurrent
// confirmation watchers share the budget. rps <= 0 removes the limit.
func (c *StatusClient) WithRateLimit(rps float64) *StatusClient {
	if rps <= 0 {
		c.limiter = nil
		return c
	}
	c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	return c
}

// TransactionStatus looks up hash. Unknown and still-pending transactions
// report engine.ErrNotFoundYet.
func (c *StatusClient) TransactionStatus(ctx context.Context, hash string) (status engine.ChainStatus, err error) {
	start := time.Now()
	defer func() {
		if c.metrics == nil {
			return
		}
		label := "success"
		if err != nil && !errors.Is(err, engine.ErrNotFoundYet) {
			label = "error"
		}
		c.metrics.RecordRPCCall(chainLabel, "transactions_by_hash", label, time.Since(start).Seconds())
	}()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return engine.ChainStatus{}, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	u := fmt.Sprintf("%s/v1/transactions/by_hash/%s", c.baseURL, url.PathEscape(hash))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return engine.ChainStatus{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return engine.ChainStatus{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return engine.ChainStatus{}, engine.ErrNotFoundYet
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return engine.ChainStatus{}, fmt.Errorf("node returned status %d: %s", resp.StatusCode, string(body))
	}

	var txn transactionResponse
	if err := json.NewDecoder(resp.Body).Decode(&txn); err != nil {
		return engine.ChainStatus{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if txn.Type == TypePending {
		return engine.ChainStatus{}, engine.ErrNotFoundYet
	}

	c.logger.DebugContext(ctx, "transaction committed",
		"hash", hash,
		"version", txn.Version,
		"success", txn.Success,
		"vm_status", txn.VMStatus,
	)
	return engine.ChainStatus{Success: txn.Success, VMStatus: txn.VMStatus}, nil
}
