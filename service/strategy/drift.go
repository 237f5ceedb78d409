package strategy

import (
	"io"
	"log/slog"
	"math"

	"github.com/shopspring/decimal"
)

const (
	// DefaultDriftThreshold is the drift, in percentage points, at which a
	// rebalance is recommended.
	DefaultDriftThreshold = 5.0

	// DefaultFallbackUnitPriceUSD is the approximate native token price used
	// when a snapshot carries no price at all.
	DefaultFallbackUnitPriceUSD = 10.0
)

// DriftAction is the direction a position must move to reach its target.
type DriftAction string

const (
	DriftIncrease DriftAction = "increase"
	DriftDecrease DriftAction = "decrease"
	DriftMaintain DriftAction = "maintain"
)

// Holding is a single position in a portfolio snapshot.
type Holding struct {
	Protocol     string  `json:"protocol"`
	Asset        string  `json:"asset"`
	ValueUSD     float64 `json:"value_usd"`
	UnitPriceUSD float64 `json:"unit_price_usd,omitempty"`
}

// Portfolio is a snapshot of a wallet's current positions.
type Portfolio struct {
	WalletAddress  string    `json:"wallet_address,omitempty"`
	TotalValueUSD  float64   `json:"total_value_usd"`
	NativePriceUSD float64   `json:"native_price_usd,omitempty"`
	Holdings       []Holding `json:"holdings"`
}

// DriftItem compares one protocol's current and target share.
type DriftItem struct {
	Asset      string      `json:"asset"`
	Protocol   string      `json:"protocol"`
	CurrentPct float64     `json:"current_pct"`
	TargetPct  float64     `json:"target_pct"`
	Drift      float64     `json:"drift"`
	Action     DriftAction `json:"action"`
}

// RebalancePlan is the outcome of a drift analysis.
type RebalancePlan struct {
	DriftItems      []DriftItem `json:"drift_items"`
	RebalanceNeeded bool        `json:"rebalance_needed"`
	Operations      []Operation `json:"operations"`
	AverageDrift    float64     `json:"average_drift"`
	Threshold       float64     `json:"threshold"`
}

// Analyzer decides whether a portfolio has drifted from its target and plans
// the operations that would bring it back.
type Analyzer struct {
	registry          *Registry
	fallbackUnitPrice float64
	logger            *slog.Logger
}

// NewAnalyzer creates an Analyzer. A non-positive fallbackUnitPrice selects
// DefaultFallbackUnitPriceUSD.
func NewAnalyzer(registry *Registry, fallbackUnitPrice float64, logger *slog.Logger) *Analyzer {
	if registry == nil {
		registry = DefaultRegistry()
	}
	if fallbackUnitPrice <= 0 {
		fallbackUnitPrice = DefaultFallbackUnitPriceUSD
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Analyzer{
		registry:          registry,
		fallbackUnitPrice: fallbackUnitPrice,
		logger:            logger,
	}
}

type position struct {
	protocol string
	asset    string
	valueUSD float64
	price    float64
	target   float64
	apr      *float64
}

// AnalyzeDrift compares portfolio against target. A negative or NaN threshold
// selects DefaultDriftThreshold.
func (a *Analyzer) AnalyzeDrift(portfolio Portfolio, target []AllocationItem, threshold float64) RebalancePlan {
	if math.IsNaN(threshold) || threshold < 0 {
		threshold = DefaultDriftThreshold
	}
	plan := RebalancePlan{
		DriftItems: []DriftItem{},
		Operations: []Operation{},
		Threshold:  threshold,
	}
	if !(portfolio.TotalValueUSD > 0) {
		return plan
	}

	// Keep first-seen order so output is deterministic.
	var order []string
	positions := make(map[string]*position)
	get := func(protocol string) *position {
		if p, ok := positions[protocol]; ok {
			return p
		}
		p := &position{protocol: protocol}
		positions[protocol] = p
		order = append(order, protocol)
		return p
	}

	for _, h := range portfolio.Holdings {
		key := NormalizeProtocol(h.Protocol)
		if key == "" {
			continue
		}
		p := get(key)
		p.valueUSD += h.ValueUSD
		if p.asset == "" {
			p.asset = h.Asset
		}
		if h.UnitPriceUSD > 0 {
			p.price = h.UnitPriceUSD
		}
	}
	for _, t := range target {
		key := NormalizeProtocol(t.Protocol)
		if key == "" {
			continue
		}
		p := get(key)
		p.target += t.Percentage
		if t.ExpectedAPR != nil {
			p.apr = t.ExpectedAPR
		}
	}

	var total float64
	var needed []*position
	for _, key := range order {
		p := positions[key]
		current := p.valueUSD * 100 / portfolio.TotalValueUSD
		if current == 0 && p.target == 0 {
			continue
		}
		if p.asset == "" {
			if entry, ok := a.registry.Lookup(key); ok {
				p.asset = entry.Asset
			}
		}

		item := DriftItem{
			Asset:      p.asset,
			Protocol:   key,
			CurrentPct: current,
			TargetPct:  p.target,
			Drift:      math.Abs(current - p.target),
			Action:     DriftMaintain,
		}
		switch {
		case current < p.target:
			item.Action = DriftIncrease
		case current > p.target:
			item.Action = DriftDecrease
		}

		plan.DriftItems = append(plan.DriftItems, item)
		total += item.Drift
		if item.Drift >= threshold {
			plan.RebalanceNeeded = true
			if item.Action != DriftMaintain {
				needed = append(needed, p)
			}
		}
	}

	if len(plan.DriftItems) > 0 {
		plan.AverageDrift = total / float64(len(plan.DriftItems))
	}
	if !plan.RebalanceNeeded {
		return plan
	}

	ops := make([]Operation, 0, len(needed))
	for _, p := range needed {
		op, ok := a.operationFor(p, portfolio)
		if ok {
			ops = append(ops, op)
		}
	}
	plan.Operations = Order(ops)

	a.logger.Info("rebalance needed",
		"wallet", portfolio.WalletAddress,
		"average_drift", plan.AverageDrift,
		"threshold", threshold,
		"operations", len(plan.Operations),
	)
	return plan
}

func (a *Analyzer) operationFor(p *position, portfolio Portfolio) (Operation, bool) {
	entry, ok := a.registry.Lookup(p.protocol)
	if !ok {
		a.logger.Warn("no registry entry for drifted protocol, skipping operation",
			"protocol", p.protocol,
		)
		return Operation{}, false
	}

	current := p.valueUSD * 100 / portfolio.TotalValueUSD
	delta := p.target - current
	action := entry.Category.IncreaseAction()
	if delta < 0 {
		action = entry.Category.DecreaseAction()
		delta = -delta
	}

	price := a.unitPrice(p, portfolio)
	usd := delta / 100 * portfolio.TotalValueUSD
	amount := decimal.NewFromFloat(usd / price).Round(DisplayPrecision)

	op := Operation{
		Protocol:        p.protocol,
		Action:          action,
		Amount:          amount,
		ContractAddress: entry.Address,
		FunctionID:      a.registry.FunctionOf(p.protocol, action),
	}
	if !action.FreesCapital() {
		op.ExpectedYield = p.apr
	}
	if err := op.Validate(); err != nil {
		a.logger.Warn("dropping rebalance operation",
			"protocol", p.protocol,
			"action", action,
			"error", err,
		)
		return Operation{}, false
	}
	return op, true
}

// unitPrice prefers the position's own price, then the snapshot's native
// price, then the configured approximation.
func (a *Analyzer) unitPrice(p *position, portfolio Portfolio) float64 {
	if p.price > 0 {
		return p.price
	}
	if portfolio.NativePriceUSD > 0 {
		return portfolio.NativePriceUSD
	}
	return a.fallbackUnitPrice
}
