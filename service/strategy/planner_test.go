package strategy

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyProduct(t *testing.T) {
	tests := []struct {
		product  string
		expected ActionKind
	}{
		{"Liquid Staking", ActionStake},
		{"APT Restaking Vault", ActionStake},
		{"Lending Market", ActionLend},
		{"Supply USDC", ActionLend},
		{"Deposit into pool", ActionLend},
		{"Liquidity Pool APT/USDC", ActionAddLiquidity},
		{"Stable swap", ActionAddLiquidity},
		{"Yield Farm", ActionDeposit},
		{"Delta-neutral vault", ActionDeposit},
		{"", ActionStake},
		{"something else entirely", ActionStake},
	}

	for _, tt := range tests {
		t.Run(tt.product, func(t *testing.T) {
			assert.Equal(t, tt.expected, ClassifyProduct(tt.product))
		})
	}
}

func TestPlanner_SingleStakingAllocation(t *testing.T) {
	planner := NewPlanner(DefaultRegistry(), nil)

	ops := planner.Plan([]AllocationItem{
		{Protocol: "amnis", Product: "Liquid Staking", Percentage: 100},
	}, decimal.NewFromInt(100))

	require.Len(t, ops, 1)
	op := ops[0]
	assert.Equal(t, "amnis", op.Protocol)
	assert.Equal(t, ActionStake, op.Action)
	assert.True(t, op.Amount.Equal(decimal.RequireFromString("100.00")), "amount = %s", op.Amount)
	assert.Equal(t, "0x111ae3e5bc816a5e63c2da97d0aa3886519e0cd5e4b046659fa35796bd11542a", op.ContractAddress)
	assert.Equal(t, "::staking::stake", op.FunctionID)
}

func TestPlanner_DropsInvalidItems(t *testing.T) {
	planner := NewPlanner(DefaultRegistry(), nil)
	explicit := decimal.RequireFromString("12.345")
	zero := decimal.Zero

	ops := planner.Plan([]AllocationItem{
		{Protocol: "Amnis", Product: "Liquid Staking", Percentage: 30},
		{Protocol: "unknown-protocol", Product: "Staking", Percentage: 20},
		{Protocol: "aries", Product: "Lending", Percentage: 0},
		{Protocol: "", Product: "Staking", Percentage: 10},
		{Protocol: "thala", Product: "Liquidity Pool", Percentage: 50, Amount: &explicit},
		{Protocol: "echelon", Product: "Supply", Percentage: 10, Amount: &zero},
	}, decimal.NewFromInt(1000))

	require.Len(t, ops, 2)

	assert.Equal(t, "amnis", ops[0].Protocol, "protocol is normalized to lowercase")
	assert.True(t, ops[0].Amount.Equal(decimal.NewFromInt(300)))

	assert.Equal(t, "thala", ops[1].Protocol)
	assert.Equal(t, ActionAddLiquidity, ops[1].Action)
	assert.True(t, ops[1].Amount.Equal(decimal.RequireFromString("12.35")), "explicit amount is rounded to 2 decimals, got %s", ops[1].Amount)
	assert.Equal(t, "::weighted_pool_scripts::add_liquidity", ops[1].FunctionID)

	for _, op := range ops {
		assert.NoError(t, op.Validate())
	}
}

func TestPlanner_RoundsToDisplayPrecision(t *testing.T) {
	planner := NewPlanner(DefaultRegistry(), nil)

	ops := planner.Plan([]AllocationItem{
		{Protocol: "amnis", Product: "Staking", Percentage: 33.333},
	}, decimal.NewFromInt(100))

	require.Len(t, ops, 1)
	assert.Equal(t, "33.33", ops[0].Amount.StringFixed(2))
	assert.True(t, ops[0].Amount.Equal(ops[0].Amount.Round(DisplayPrecision)))
}

func TestPlanner_CarriesExpectedYield(t *testing.T) {
	planner := NewPlanner(DefaultRegistry(), nil)
	apr := 7.2

	ops := planner.Plan([]AllocationItem{
		{Protocol: "aries", Product: "Lending", Percentage: 50, ExpectedAPR: &apr},
	}, decimal.NewFromInt(10))

	require.Len(t, ops, 1)
	require.NotNil(t, ops[0].ExpectedYield)
	assert.Equal(t, 7.2, *ops[0].ExpectedYield)
	assert.Equal(t, "::controller::deposit", ops[0].FunctionID)
}
