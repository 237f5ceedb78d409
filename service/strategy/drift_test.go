package strategy

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyzeDrift_RebalancesSkewedPortfolio(t *testing.T) {
	analyzer := NewAnalyzer(DefaultRegistry(), 0, nil)

	portfolio := Portfolio{
		WalletAddress: "0xabc",
		TotalValueUSD: 1000,
		Holdings: []Holding{
			{Protocol: "amnis", Asset: "APT", ValueUSD: 800},
			{Protocol: "aries", Asset: "APT", ValueUSD: 200},
		},
	}
	target := []AllocationItem{
		{Protocol: "amnis", Percentage: 50},
		{Protocol: "aries", Percentage: 50},
	}

	plan := analyzer.AnalyzeDrift(portfolio, target, 5)

	require.True(t, plan.RebalanceNeeded)
	require.Len(t, plan.DriftItems, 2)
	assert.Equal(t, 5.0, plan.Threshold)
	assert.InDelta(t, 30.0, plan.AverageDrift, 1e-9)

	amnis := plan.DriftItems[0]
	assert.Equal(t, "amnis", amnis.Protocol)
	assert.InDelta(t, 80.0, amnis.CurrentPct, 1e-9)
	assert.InDelta(t, 30.0, amnis.Drift, 1e-9)
	assert.Equal(t, DriftDecrease, amnis.Action)

	aries := plan.DriftItems[1]
	assert.Equal(t, DriftIncrease, aries.Action)

	require.Len(t, plan.Operations, 2)
	assert.Equal(t, ActionUnstake, plan.Operations[0].Action, "capital is freed before it is deployed")
	assert.Equal(t, "amnis", plan.Operations[0].Protocol)
	assert.Equal(t, "::staking::unstake", plan.Operations[0].FunctionID)
	assert.Equal(t, ActionLend, plan.Operations[1].Action)
	assert.Equal(t, "aries", plan.Operations[1].Protocol)

	// 300 USD at the fallback price of 10 USD per unit.
	for _, op := range plan.Operations {
		assert.Equal(t, "30.00", op.Amount.StringFixed(2))
		assert.NoError(t, op.Validate())
	}
}

func TestAnalyzeDrift_PriceResolution(t *testing.T) {
	analyzer := NewAnalyzer(DefaultRegistry(), 0, nil)
	target := []AllocationItem{{Protocol: "amnis", Percentage: 100}}

	tests := []struct {
		name      string
		portfolio Portfolio
		expected  string
	}{
		{
			name: "holding price wins",
			portfolio: Portfolio{
				TotalValueUSD:  1000,
				NativePriceUSD: 8,
				Holdings: []Holding{
					{Protocol: "amnis", ValueUSD: 500, UnitPriceUSD: 5},
					{Protocol: "cash", ValueUSD: 500},
				},
			},
			expected: "100.00",
		},
		{
			name: "native price when holding has none",
			portfolio: Portfolio{
				TotalValueUSD:  1000,
				NativePriceUSD: 8,
				Holdings: []Holding{
					{Protocol: "amnis", ValueUSD: 500},
					{Protocol: "cash", ValueUSD: 500},
				},
			},
			expected: "62.50",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := analyzer.AnalyzeDrift(tt.portfolio, target, 5)
			require.True(t, plan.RebalanceNeeded)

			var stake *Operation
			for i := range plan.Operations {
				if plan.Operations[i].Protocol == "amnis" {
					stake = &plan.Operations[i]
				}
			}
			require.NotNil(t, stake)
			assert.Equal(t, ActionStake, stake.Action)
			assert.Equal(t, tt.expected, stake.Amount.StringFixed(2))
		})
	}
}

func TestAnalyzeDrift_ZeroTotalValue(t *testing.T) {
	analyzer := NewAnalyzer(nil, 0, nil)

	plan := analyzer.AnalyzeDrift(Portfolio{
		TotalValueUSD: 0,
		Holdings:      []Holding{{Protocol: "amnis", ValueUSD: 100}},
	}, []AllocationItem{{Protocol: "amnis", Percentage: 100}}, 5)

	assert.False(t, plan.RebalanceNeeded)
	assert.Empty(t, plan.DriftItems)
	assert.Empty(t, plan.Operations)
	assert.Equal(t, 0.0, plan.AverageDrift)
}

func TestAnalyzeDrift_WithinThreshold(t *testing.T) {
	analyzer := NewAnalyzer(nil, 0, nil)

	plan := analyzer.AnalyzeDrift(Portfolio{
		TotalValueUSD: 1000,
		Holdings: []Holding{
			{Protocol: "amnis", ValueUSD: 520},
			{Protocol: "aries", ValueUSD: 480},
		},
	}, []AllocationItem{
		{Protocol: "amnis", Percentage: 50},
		{Protocol: "aries", Percentage: 50},
	}, 5)

	assert.False(t, plan.RebalanceNeeded)
	assert.Len(t, plan.DriftItems, 2)
	assert.Empty(t, plan.Operations)
	assert.InDelta(t, 2.0, plan.AverageDrift, 1e-9)
}

func TestAnalyzeDrift_ThresholdIsInclusive(t *testing.T) {
	analyzer := NewAnalyzer(nil, 0, nil)

	plan := analyzer.AnalyzeDrift(Portfolio{
		TotalValueUSD: 100,
		Holdings: []Holding{
			{Protocol: "amnis", ValueUSD: 55},
			{Protocol: "aries", ValueUSD: 45},
		},
	}, []AllocationItem{
		{Protocol: "amnis", Percentage: 50},
		{Protocol: "aries", Percentage: 50},
	}, 5)

	assert.True(t, plan.RebalanceNeeded)
	assert.Len(t, plan.Operations, 2)
}

func TestAnalyzeDrift_InvalidThresholdUsesDefault(t *testing.T) {
	analyzer := NewAnalyzer(nil, 0, nil)
	portfolio := Portfolio{TotalValueUSD: 100, Holdings: []Holding{{Protocol: "amnis", ValueUSD: 100}}}
	target := []AllocationItem{{Protocol: "amnis", Percentage: 100}}

	assert.Equal(t, DefaultDriftThreshold, analyzer.AnalyzeDrift(portfolio, target, -1).Threshold)
	assert.Equal(t, DefaultDriftThreshold, analyzer.AnalyzeDrift(portfolio, target, math.NaN()).Threshold)
}

func TestAnalyzeDrift_UnheldTargetAndUnknownProtocol(t *testing.T) {
	analyzer := NewAnalyzer(nil, 0, nil)

	plan := analyzer.AnalyzeDrift(Portfolio{
		TotalValueUSD: 1000,
		Holdings: []Holding{
			{Protocol: "mystery", Asset: "XYZ", ValueUSD: 1000},
		},
	}, []AllocationItem{
		{Protocol: "merkle", Percentage: 100},
	}, 5)

	require.True(t, plan.RebalanceNeeded)
	require.Len(t, plan.DriftItems, 2)

	assert.Equal(t, "mystery", plan.DriftItems[0].Protocol)
	assert.Equal(t, DriftDecrease, plan.DriftItems[0].Action)

	assert.Equal(t, "merkle", plan.DriftItems[1].Protocol)
	assert.Equal(t, "USDC", plan.DriftItems[1].Asset, "asset falls back to the registry")
	assert.Equal(t, 0.0, plan.DriftItems[1].CurrentPct)

	// The unknown protocol gets no operation; merkle gets a vault deposit.
	require.Len(t, plan.Operations, 1)
	assert.Equal(t, ActionDeposit, plan.Operations[0].Action)
	assert.Equal(t, "::vault::deposit", plan.Operations[0].FunctionID)
}

func TestAnalyzeDrift_StakingToLiquidityShift(t *testing.T) {
	analyzer := NewAnalyzer(DefaultRegistry(), 0, nil)

	plan := analyzer.AnalyzeDrift(Portfolio{
		TotalValueUSD: 500,
		Holdings: []Holding{
			{Protocol: "amnis", ValueUSD: 400},
			{Protocol: "thala", ValueUSD: 100},
		},
	}, []AllocationItem{
		{Protocol: "amnis", Percentage: 50},
		{Protocol: "thala", Percentage: 50},
	}, 5.0)

	require.True(t, plan.RebalanceNeeded)
	require.Len(t, plan.DriftItems, 2)
	assert.Equal(t, "amnis", plan.DriftItems[0].Protocol)
	assert.InDelta(t, 30.0, plan.DriftItems[0].Drift, 1e-9)
	assert.Equal(t, DriftDecrease, plan.DriftItems[0].Action)
	assert.Equal(t, "thala", plan.DriftItems[1].Protocol)
	assert.InDelta(t, 30.0, plan.DriftItems[1].Drift, 1e-9)
	assert.Equal(t, DriftIncrease, plan.DriftItems[1].Action)

	require.Len(t, plan.Operations, 2)
	assert.Equal(t, "amnis", plan.Operations[0].Protocol)
	assert.Equal(t, ActionUnstake, plan.Operations[0].Action)
	assert.Equal(t, "thala", plan.Operations[1].Protocol)
	assert.Equal(t, ActionAddLiquidity, plan.Operations[1].Action)

	for _, item := range plan.DriftItems {
		assert.GreaterOrEqual(t, item.Drift, 0.0)
		assert.InDelta(t, math.Abs(item.CurrentPct-item.TargetPct), item.Drift, 1e-12)
	}
}
