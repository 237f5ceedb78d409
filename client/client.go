package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/rebalancer/service/engine"
	"github.com/brojonat/rebalancer/service/strategy"
	"github.com/shopspring/decimal"
)

// Client is the HTTP client for the rebalancer API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new rebalancer API client. Strategy execution can hold
// a request open for minutes, so the default client has a generous timeout.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Minute}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// RebalanceOptions control a rebalance request.
type RebalanceOptions struct {
	// Threshold overrides the server's default drift threshold when non-nil.
	Threshold *float64
	// Portfolio is analyzed instead of fetching the wallet's snapshot.
	Portfolio         *strategy.Portfolio
	DryRun            bool
	AwaitConfirmation bool
}

// RebalanceResponse is the outcome of a rebalance request.
type RebalanceResponse struct {
	Plan      strategy.RebalancePlan `json:"plan"`
	Executed  bool                   `json:"executed"`
	Execution *engine.StrategyResult `json:"execution,omitempty"`
}

// ArchivedHistory is a wallet's durable history.
type ArchivedHistory struct {
	WalletAddress string                     `json:"wallet_address"`
	Transactions  []engine.TransactionRecord `json:"transactions"`
	Strategies    []engine.StrategySummary   `json:"strategies"`
}

// Schedule configures a recurring drift check.
type Schedule struct {
	WalletAddress     string                    `json:"wallet_address"`
	Target            []strategy.AllocationItem `json:"target"`
	Threshold         *float64                  `json:"threshold,omitempty"`
	Interval          time.Duration             `json:"-"`
	AutoExecute       bool                      `json:"auto_execute"`
	AwaitConfirmation bool                      `json:"await_confirmation"`
}

// Health is the server's health report.
type Health struct {
	Status      string `json:"status"`
	QueueLength int    `json:"queue_length"`
}

// Plan converts an allocation into ordered operations.
func (c *Client) Plan(ctx context.Context, allocation []strategy.AllocationItem, totalInvestment decimal.Decimal) ([]strategy.Operation, error) {
	var resp struct {
		Operations []strategy.Operation `json:"operations"`
	}
	err := c.do(ctx, "POST", "/api/v1/plan", map[string]interface{}{
		"allocation":       allocation,
		"total_investment": totalInvestment,
	}, http.StatusOK, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Operations, nil
}

// Drift analyzes a wallet against target. When p is nil the server fetches
// the wallet's portfolio. A nil threshold uses the server default.
func (c *Client) Drift(ctx context.Context, wallet string, p *strategy.Portfolio, target []strategy.AllocationItem, threshold *float64) (*strategy.RebalancePlan, error) {
	body := map[string]interface{}{
		"wallet_address": wallet,
		"target":         target,
	}
	if p != nil {
		body["portfolio"] = p
	}
	if threshold != nil {
		body["threshold"] = *threshold
	}
	var plan strategy.RebalancePlan
	if err := c.do(ctx, "POST", "/api/v1/drift", body, http.StatusOK, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// ExecuteOperation submits a single operation and returns once it has a hash.
func (c *Client) ExecuteOperation(ctx context.Context, wallet string, op strategy.Operation) (*engine.TransactionResult, error) {
	var res engine.TransactionResult
	err := c.do(ctx, "POST", "/api/v1/operations", map[string]interface{}{
		"wallet_address": wallet,
		"operation":      op,
	}, http.StatusOK, &res)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("operation submitted", "wallet", wallet, "hash", res.Hash)
	return &res, nil
}

// ExecuteStrategy runs ops in the given order.
func (c *Client) ExecuteStrategy(ctx context.Context, wallet string, ops []strategy.Operation, awaitConfirmation bool) (*engine.StrategyResult, error) {
	var res engine.StrategyResult
	err := c.do(ctx, "POST", "/api/v1/strategies", map[string]interface{}{
		"wallet_address":     wallet,
		"operations":         ops,
		"await_confirmation": awaitConfirmation,
	}, http.StatusOK, &res)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("strategy executed",
		"wallet", wallet,
		"batch_id", res.BatchID,
		"successful", res.SuccessfulCount,
		"failed", res.FailedCount,
	)
	return &res, nil
}

// Rebalance analyzes a wallet's drift and executes the plan unless
// opts.DryRun is set.
func (c *Client) Rebalance(ctx context.Context, wallet string, target []strategy.AllocationItem, opts RebalanceOptions) (*RebalanceResponse, error) {
	body := map[string]interface{}{
		"wallet_address":     wallet,
		"target":             target,
		"dry_run":            opts.DryRun,
		"await_confirmation": opts.AwaitConfirmation,
	}
	if opts.Threshold != nil {
		body["threshold"] = *opts.Threshold
	}
	if opts.Portfolio != nil {
		body["portfolio"] = opts.Portfolio
	}
	var resp RebalanceResponse
	if err := c.do(ctx, "POST", "/api/v1/rebalance", body, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// History returns the engine's in-memory history for a wallet, newest first.
func (c *Client) History(ctx context.Context, wallet string) ([]engine.HistoryEntry, error) {
	var resp struct {
		Entries []engine.HistoryEntry `json:"entries"`
	}
	path := "/api/v1/history/" + url.PathEscape(wallet)
	if err := c.do(ctx, "GET", path, nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// ArchivedHistory returns up to limit archived records and strategy runs.
func (c *Client) ArchivedHistory(ctx context.Context, wallet string, limit int) (*ArchivedHistory, error) {
	q := url.Values{"source": {"archive"}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/history/" + url.PathEscape(wallet) + "?" + q.Encode()
	var resp ArchivedHistory
	if err := c.do(ctx, "GET", path, nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ClearHistory drops a wallet's history.
func (c *Client) ClearHistory(ctx context.Context, wallet string) error {
	return c.do(ctx, "DELETE", "/api/v1/history/"+url.PathEscape(wallet), nil, http.StatusNoContent, nil)
}

// Transaction looks up a transaction by hash.
func (c *Client) Transaction(ctx context.Context, hash string) (*engine.TransactionRecord, error) {
	var rec engine.TransactionRecord
	if err := c.do(ctx, "GET", "/api/v1/transactions/"+url.PathEscape(hash), nil, http.StatusOK, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpsertSchedule creates or replaces a wallet's drift-check schedule.
func (c *Client) UpsertSchedule(ctx context.Context, s Schedule) error {
	body := map[string]interface{}{
		"wallet_address":     s.WalletAddress,
		"target":             s.Target,
		"interval":           s.Interval.String(),
		"auto_execute":       s.AutoExecute,
		"await_confirmation": s.AwaitConfirmation,
	}
	if s.Threshold != nil {
		body["threshold"] = *s.Threshold
	}
	if err := c.do(ctx, "POST", "/api/v1/rebalance-schedules", body, http.StatusCreated, nil); err != nil {
		return err
	}
	c.logger.Debug("schedule saved", "wallet", s.WalletAddress, "interval", s.Interval)
	return nil
}

// DeleteSchedule stops a wallet's drift checks.
func (c *Client) DeleteSchedule(ctx context.Context, wallet string) error {
	return c.do(ctx, "DELETE", "/api/v1/rebalance-schedules/"+url.PathEscape(wallet), nil, http.StatusNoContent, nil)
}

// Health reports server health.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, "GET", "/health", nil, http.StatusOK, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// StreamEvents reads the server's event stream for wallet (all wallets when
// empty) and calls handler with each event's name and JSON payload until ctx
// is done or the stream ends.
func (c *Client) StreamEvents(ctx context.Context, wallet string, handler func(event string, data json.RawMessage) error) error {
	path := "/api/v1/stream/events"
	if wallet != "" {
		path += "/" + url.PathEscape(wallet)
	}
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream outlives any request timeout.
	streamClient := *c.httpClient
	streamClient.Timeout = 0
	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	var event string
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event != "" || data.Len() > 0 {
				if err := handler(event, json.RawMessage(bytes.Clone(data.Bytes()))); err != nil {
					return err
				}
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// keepalive
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("failed to read event stream: %w", err)
	}
	return nil
}

// do sends body as JSON and decodes the response into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, wantStatus int, out interface{}) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return c.parseErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return fmt.Errorf("request failed: %s", errResp.Error)
}
