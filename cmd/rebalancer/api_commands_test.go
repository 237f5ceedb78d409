package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/brojonat/rebalancer/service/strategy"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

// runApp runs the CLI against serverURL and returns stdout.
func runApp(t *testing.T, serverURL string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	app.ExitErrHandler = func(*cli.Context, error) {}
	err := app.Run(append([]string{"rebalancer", "--server-url", serverURL}, args...))
	return out.String(), err
}

func writeStrategy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strategy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestHealthCommand(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/health", r.URL.Path)
			fmt.Fprint(w, `{"status":"ok","queue_length":2}`)
		}))
		defer server.Close()

		out, err := runApp(t, server.URL, "health")
		require.NoError(t, err)
		assert.Contains(t, out, "queue length: 2")
	})

	t.Run("unhealthy", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		_, err := runApp(t, server.URL, "health")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server unhealthy")
	})
}

func TestPlanCommand_JQ(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "1000", body["total_investment"])

		json.NewEncoder(w).Encode(map[string]interface{}{
			"operations": []strategy.Operation{
				{Protocol: "amnis", Action: strategy.ActionStake, Amount: decimal.NewFromInt(600)},
				{Protocol: "thala", Action: strategy.ActionAddLiquidity, Amount: decimal.NewFromInt(400)},
			},
		})
	}))
	defer server.Close()

	path := writeStrategy(t, `
total_investment: 1000
allocation:
  - {protocol: amnis, percentage: 60}
  - {protocol: thala, product: pool, percentage: 40}
`)
	out, err := runApp(t, server.URL, "--jq", "[.[].protocol]", "plan", "-f", path)
	require.NoError(t, err)

	var protocols []string
	require.NoError(t, json.Unmarshal([]byte(out), &protocols))
	assert.Equal(t, []string{"amnis", "thala"}, protocols)
}

func TestRebalanceCommand_RequiresWallet(t *testing.T) {
	path := writeStrategy(t, `allocation: [{protocol: amnis, percentage: 100}]`)
	_, err := runApp(t, "http://127.0.0.1:0", "rebalance", "-f", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wallet address is required")
}

func TestRebalanceCommand_DryRun(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/rebalance", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "0xabc", body["wallet_address"])
		assert.Equal(t, true, body["dry_run"])
		assert.Equal(t, 3.0, body["threshold"])

		json.NewEncoder(w).Encode(map[string]interface{}{
			"plan": strategy.RebalancePlan{
				RebalanceNeeded: true,
				AverageDrift:    12.5,
				Threshold:       3,
				DriftItems: []strategy.DriftItem{
					{Protocol: "amnis", CurrentPct: 80, TargetPct: 50, Drift: 30, Action: strategy.DriftDecrease},
				},
			},
			"executed": false,
		})
	}))
	defer server.Close()

	path := writeStrategy(t, `allocation: [{protocol: amnis, percentage: 50}]`)
	out, err := runApp(t, server.URL, "rebalance", "-f", path, "--wallet", "0xabc", "--threshold", "3", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "amnis")
	assert.Contains(t, out, "rebalance needed: true")
	assert.Contains(t, out, "Plan not executed")
}

func TestScheduleSetCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/rebalance-schedules", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "30m0s", body["interval"])
		assert.Equal(t, true, body["auto_execute"])
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	path := writeStrategy(t, `
wallet_address: "0xabc"
allocation: [{protocol: amnis, percentage: 100}]
`)
	out, err := runApp(t, server.URL, "schedule", "set", "-f", path, "--interval", "30m", "--auto-execute")
	require.NoError(t, err)
	assert.Contains(t, out, "Schedule saved: 0xabc every 30m0s")
}
