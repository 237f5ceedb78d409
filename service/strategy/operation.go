package strategy

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ActionKind identifies the kind of on-chain action an Operation performs.
type ActionKind string

const (
	ActionStake           ActionKind = "stake"
	ActionUnstake         ActionKind = "unstake"
	ActionLend            ActionKind = "lend"
	ActionWithdraw        ActionKind = "withdraw"
	ActionAddLiquidity    ActionKind = "add_liquidity"
	ActionRemoveLiquidity ActionKind = "remove_liquidity"
	ActionDeposit         ActionKind = "deposit"
	ActionSwap            ActionKind = "swap"
	ActionOther           ActionKind = "other"
)

// DisplayPrecision is the number of decimals amounts are rounded to when planned.
const DisplayPrecision = 2

// DefaultTokenDecimals is the atomic precision of the native token (octas).
const DefaultTokenDecimals = 8

// ParseActionKind converts a string into an ActionKind.
func ParseActionKind(s string) (ActionKind, error) {
	k := ActionKind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case ActionStake, ActionUnstake, ActionLend, ActionWithdraw,
		ActionAddLiquidity, ActionRemoveLiquidity, ActionDeposit,
		ActionSwap, ActionOther:
		return k, nil
	}
	return "", fmt.Errorf("unknown action kind %q", s)
}

// FreesCapital reports whether the action releases capital from a protocol.
func (k ActionKind) FreesCapital() bool {
	switch k {
	case ActionUnstake, ActionWithdraw, ActionRemoveLiquidity:
		return true
	}
	return false
}

// Operation is a single intended on-chain action with a resolved target.
type Operation struct {
	Protocol        string          `json:"protocol"`
	Action          ActionKind      `json:"action"`
	Amount          decimal.Decimal `json:"amount"`
	ContractAddress string          `json:"contract_address"`
	FunctionID      string          `json:"function_id"`
	ExpectedYield   *float64        `json:"expected_yield,omitempty"`

	// Critical operations halt the rest of their batch when they fail.
	Critical bool `json:"critical,omitempty"`
}

// Validate checks the invariants an Operation must hold before it can be
// submitted.
func (o Operation) Validate() error {
	if strings.TrimSpace(o.Protocol) == "" {
		return &ValidationError{Field: "protocol", Reason: "is required"}
	}
	if o.Action == "" {
		return &ValidationError{Field: "action", Reason: "is required"}
	}
	if !o.Amount.IsPositive() {
		return &ValidationError{Field: "amount", Reason: fmt.Sprintf("must be positive, got %s", o.Amount)}
	}
	if strings.TrimSpace(o.ContractAddress) == "" {
		return &ValidationError{Field: "contract_address", Reason: "is required"}
	}
	if strings.TrimSpace(o.FunctionID) == "" {
		return &ValidationError{Field: "function_id", Reason: "is required"}
	}
	return nil
}

// EntryFunction returns the fully qualified entry point, e.g.
// "0x1::staking::stake".
func (o Operation) EntryFunction() string {
	if strings.HasPrefix(o.FunctionID, "::") {
		return o.ContractAddress + o.FunctionID
	}
	return o.FunctionID
}

func (o Operation) String() string {
	return fmt.Sprintf("%s %s %s", o.Action, o.Amount.StringFixed(DisplayPrecision), o.Protocol)
}

// AtomicUnits converts a human-readable amount into the chain's smallest unit,
// rounding half away from zero.
func AtomicUnits(amount decimal.Decimal, tokenDecimals int32) decimal.Decimal {
	return amount.Shift(tokenDecimals).Round(0)
}

// FromAtomicUnits converts atomic units back into a human-readable amount.
func FromAtomicUnits(atomic decimal.Decimal, tokenDecimals int32) decimal.Decimal {
	return atomic.Shift(-tokenDecimals)
}

// NormalizeProtocol lowercases and trims a protocol identifier.
func NormalizeProtocol(protocol string) string {
	return strings.ToLower(strings.TrimSpace(protocol))
}

// AllocationItem is one entry of a target allocation.
type AllocationItem struct {
	Protocol    string           `json:"protocol"`
	Product     string           `json:"product,omitempty"`
	Percentage  float64          `json:"percentage"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	ExpectedAPR *float64         `json:"expected_apr,omitempty"`
}
