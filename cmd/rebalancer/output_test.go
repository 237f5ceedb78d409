package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/brojonat/rebalancer/service/strategy"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchesJQ(t *testing.T) {
	event := map[string]interface{}{
		"kind":   "transaction_failed",
		"wallet": "0x1",
		"record": map[string]interface{}{"attempts": 3},
	}

	tests := []struct {
		name   string
		filter string
		want   bool
	}{
		{"kind equals", `.kind == "transaction_failed"`, true},
		{"kind differs", `.kind == "transaction_confirmed"`, false},
		{"nested comparison", `.record.attempts >= 3`, true},
		{"missing field is null", `.error`, false},
		{"string value is truthy", `.wallet`, true},
		{"runtime error", `.kind | tonumber`, false},
		{"empty result", `empty`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, err := compileJQ(tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, matchesJQ(code, event))
		})
	}
}

func TestCompileJQ_Invalid(t *testing.T) {
	_, err := compileJQ(`.kind ==`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse jq filter")
}

func TestIsTruthy(t *testing.T) {
	assert.False(t, isTruthy(nil))
	assert.False(t, isTruthy(false))
	assert.True(t, isTruthy(true))
	assert.True(t, isTruthy(0))
	assert.True(t, isTruthy(""))
	assert.True(t, isTruthy([]interface{}{}))
}

func TestWriteJQ(t *testing.T) {
	ops := []strategy.Operation{
		{Protocol: "amnis", Action: strategy.ActionStake, Amount: decimal.NewFromInt(5)},
		{Protocol: "aries", Action: strategy.ActionLend, Amount: decimal.NewFromInt(3)},
	}
	code, err := compileJQ(`.[].protocol`)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, writeJQ(&buf, code, ops))
	assert.Equal(t, "\"amnis\"\n\"aries\"\n", buf.String())
}

func TestReadSpecFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("yaml", func(t *testing.T) {
		path := filepath.Join(dir, "strategy.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
wallet_address: "0x1"
total_investment: 1000.50
threshold: 2.5
allocation:
  - protocol: amnis
    product: liquid staking
    percentage: 60
  - protocol: aries
    percentage: 40
`), 0o644))

		var f strategyFile
		require.NoError(t, readSpecFile(path, &f))
		assert.Equal(t, "0x1", f.WalletAddress)
		assert.True(t, f.TotalInvestment.Equal(decimal.RequireFromString("1000.5")))
		require.NotNil(t, f.Threshold)
		assert.Equal(t, 2.5, *f.Threshold)
		require.Len(t, f.Allocation, 2)
		assert.Equal(t, "liquid staking", f.Allocation[0].Product)
		assert.Equal(t, 40.0, f.Allocation[1].Percentage)
	})

	t.Run("json", func(t *testing.T) {
		path := filepath.Join(dir, "ops.json")
		require.NoError(t, os.WriteFile(path, []byte(`{
			"wallet_address": "0x2",
			"operations": [{"protocol": "amnis", "action": "stake", "amount": "1.25"}]
		}`), 0o644))

		var f strategyFile
		require.NoError(t, readSpecFile(path, &f))
		require.Len(t, f.Operations, 1)
		assert.Equal(t, strategy.ActionStake, f.Operations[0].Action)
		assert.True(t, f.Operations[0].Amount.Equal(decimal.RequireFromString("1.25")))
	})

	t.Run("missing file", func(t *testing.T) {
		var f strategyFile
		err := readSpecFile(filepath.Join(dir, "nope.yaml"), &f)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read")
	})
}
