package strategy

import (
	"io"
	"log/slog"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// keywordRule maps product description terms to an action. Rules are checked
// in order and the first match wins.
type keywordRule struct {
	terms  []string
	action ActionKind
}

var classificationRules = []keywordRule{
	{terms: []string{"stake", "staking", "restak"}, action: ActionStake},
	{terms: []string{"lend", "supply", "deposit"}, action: ActionLend},
	{terms: []string{"liquidity", "pool", "swap"}, action: ActionAddLiquidity},
	{terms: []string{"yield", "farm", "vault"}, action: ActionDeposit},
}

// ClassifyProduct derives the action for a free-text product description.
// Unrecognized descriptions default to staking.
func ClassifyProduct(product string) ActionKind {
	p := strings.ToLower(product)
	for _, rule := range classificationRules {
		for _, term := range rule.terms {
			if strings.Contains(p, term) {
				return rule.action
			}
		}
	}
	return ActionStake
}

// Planner converts allocations into validated Operations.
type Planner struct {
	registry *Registry
	logger   *slog.Logger
}

// NewPlanner creates a Planner backed by registry.
func NewPlanner(registry *Registry, logger *slog.Logger) *Planner {
	if registry == nil {
		registry = DefaultRegistry()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Planner{registry: registry, logger: logger}
}

// Registry returns the registry the planner resolves against.
func (p *Planner) Registry() *Registry {
	return p.registry
}

// Plan builds one Operation per usable allocation item. Items with an unknown
// protocol or a non-positive amount are dropped with a warning; a bad item
// never fails the batch.
func (p *Planner) Plan(allocation []AllocationItem, totalInvestment decimal.Decimal) []Operation {
	ops := make([]Operation, 0, len(allocation))
	for i, item := range allocation {
		op, err := p.planItem(item, totalInvestment)
		if err != nil {
			p.logger.Warn("dropping allocation item",
				"index", i,
				"protocol", item.Protocol,
				"product", item.Product,
				"error", err,
			)
			continue
		}
		ops = append(ops, op)
	}

	p.logger.Debug("planned operations",
		"allocation_items", len(allocation),
		"operations", len(ops),
	)
	return ops
}

func (p *Planner) planItem(item AllocationItem, totalInvestment decimal.Decimal) (Operation, error) {
	protocol := NormalizeProtocol(item.Protocol)
	if protocol == "" {
		return Operation{}, &ValidationError{Field: "protocol", Reason: "is required"}
	}

	action := ClassifyProduct(item.Product)

	address, err := p.registry.AddressOf(protocol)
	if err != nil {
		return Operation{}, err
	}

	var amount decimal.Decimal
	if item.Amount != nil {
		amount = *item.Amount
	} else {
		if math.IsNaN(item.Percentage) || math.IsInf(item.Percentage, 0) {
			return Operation{}, &ValidationError{Field: "percentage", Reason: "must be finite"}
		}
		amount = totalInvestment.Mul(decimal.NewFromFloat(item.Percentage)).Div(decimal.NewFromInt(100))
	}
	amount = amount.Round(DisplayPrecision)

	op := Operation{
		Protocol:        protocol,
		Action:          action,
		Amount:          amount,
		ContractAddress: address,
		FunctionID:      p.registry.FunctionOf(protocol, action),
		ExpectedYield:   item.ExpectedAPR,
	}
	if err := op.Validate(); err != nil {
		return Operation{}, err
	}
	return op, nil
}
