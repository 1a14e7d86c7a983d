// Package executor turns accepted signals into committed trades. It is
// the single choke-point: every portfolio mutation in the system flows
// through Execute, and a rejected signal is ordinary data, not an error.
package executor

import (
	"math"

	"crypto-backtest-engine/internal/algorithm"
	"crypto-backtest-engine/internal/fees"
	"crypto-backtest-engine/internal/portfolio"
	"crypto-backtest-engine/internal/rng"
	"crypto-backtest-engine/internal/slippage"
)

// RejectReason explains why a signal produced no trade.
type RejectReason string

const (
	RejectNone              RejectReason = ""
	RejectMissingPrice      RejectReason = "missing_price"
	RejectNoPosition        RejectReason = "no_position"
	RejectZeroQuantity      RejectReason = "zero_quantity"
	RejectHoldPeriodNotMet  RejectReason = "hold_period_not_met"
	RejectInsufficientCash  RejectReason = "insufficient_cash"
	RejectUnsupportedAction RejectReason = "unsupported_action"
)

// Config holds the sizing and gating knobs applied to every order.
type Config struct {
	MinHoldMs     int64   `json:"min_hold_ms"`
	MinAllocation float64 `json:"min_allocation"`
	MaxAllocation float64 `json:"max_allocation"`
	EstimateRatio float64 `json:"estimate_ratio"` // share of portfolio assumed when quoting BUY slippage
}

// DefaultConfig returns the standard sizing bounds.
func DefaultConfig() Config {
	return Config{
		MinHoldMs:     24 * 60 * 60 * 1000,
		MinAllocation: 0.03,
		MaxAllocation: 0.12,
		EstimateRatio: 0.10,
	}
}

// Market is the per-bar view the executor prices against.
type Market struct {
	Prices  map[string]float64
	Volumes map[string]float64
	Now     int64
}

// Trade is the committed record of one executed signal. The realized
// fields are set on SELLs only; RealizedPnL is gross of fees, which
// appear solely in the cash delta.
type Trade struct {
	Type               algorithm.Action       `json:"type"`
	CoinID             string                 `json:"coinId"`
	Quantity           float64                `json:"quantity"`
	Price              float64                `json:"price"`
	TotalValue         float64                `json:"totalValue"`
	Fee                float64                `json:"fee"`
	RealizedPnL        *float64               `json:"realizedPnL,omitempty"`
	RealizedPnLPercent *float64               `json:"realizedPnLPercent,omitempty"`
	CostBasis          *float64               `json:"costBasis,omitempty"`
	ExecutedAt         int64                  `json:"executedAt"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
}

// Fill is the lightweight execution record persisted alongside trades.
type Fill struct {
	CoinID      string           `json:"coinId"`
	Side        algorithm.Action `json:"side"`
	Quantity    float64          `json:"quantity"`
	Price       float64          `json:"price"`
	Fee         float64          `json:"fee"`
	SlippageBps float64          `json:"slippageBps"`
	ExecutedAt  int64            `json:"executedAt"`
}

// FillFor derives the fill record for a committed trade.
func FillFor(t *Trade) Fill {
	slippageBps, _ := t.Metadata["slippageBps"].(float64)
	return Fill{
		CoinID:      t.CoinID,
		Side:        t.Type,
		Quantity:    t.Quantity,
		Price:       t.Price,
		Fee:         t.Fee,
		SlippageBps: slippageBps,
		ExecutedAt:  t.ExecutedAt,
	}
}

// Executor prices, sizes, gates and commits orders for one run.
type Executor struct {
	config   Config
	slippage slippage.Config
	fees     fees.Schedule
	rng      *rng.Generator
}

// New creates the executor for one run. The generator is shared with the
// rest of the run so the draw sequence stays checkpointable.
func New(config Config, slipCfg slippage.Config, schedule fees.Schedule, gen *rng.Generator) *Executor {
	return &Executor{config: config, slippage: slipCfg, fees: schedule, rng: gen}
}

// Execute applies one signal against the portfolio. A nil trade with a
// non-empty reason is a rejection; the run continues either way.
//
// Hard stop-loss signals are priced from their stopExecutionPrice
// metadata rather than the bar close, modelling where a resting stop
// order would actually have filled.
func (e *Executor) Execute(sig algorithm.Signal, pf *portfolio.Portfolio, market Market) (*Trade, RejectReason) {
	basePrice := 0.0
	if algorithm.MetadataBool(sig.Metadata, "hardStopLoss") {
		basePrice = algorithm.MetadataFloat(sig.Metadata, "stopExecutionPrice")
	}
	if basePrice <= 0 {
		basePrice = market.Prices[sig.CoinID]
	}
	if basePrice <= 0 {
		return nil, RejectMissingPrice
	}

	switch sig.Action {
	case algorithm.ActionBuy:
		return e.executeBuy(sig, pf, market, basePrice)
	case algorithm.ActionSell:
		return e.executeSell(sig, pf, market, basePrice)
	default:
		return nil, RejectUnsupportedAction
	}
}

func (e *Executor) executeBuy(sig algorithm.Signal, pf *portfolio.Portfolio, market Market, basePrice float64) (*Trade, RejectReason) {
	// The slippage quote is taken against a representative order size
	// before the real size is known.
	estimateQty := e.config.EstimateRatio * pf.TotalValue / basePrice
	quote := slippage.Apply(e.slippage, slippage.Order{
		CoinID:      sig.CoinID,
		Price:       basePrice,
		Quantity:    estimateQty,
		IsBuy:       true,
		DailyVolume: market.Volumes[sig.CoinID],
	})

	quantity := e.buyQuantity(sig, pf.TotalValue, quote.ExecutionPrice)
	if quantity <= 0 {
		return nil, RejectZeroQuantity
	}

	totalValue := quantity * quote.ExecutionPrice
	fee := fees.Calculate(e.fees, totalValue, false)

	// The fee is part of the affordability check, not just the notional.
	if pf.CashBalance < totalValue+fee {
		return nil, RejectInsufficientCash
	}

	pf.CashBalance -= totalValue
	pf.Upsert(sig.CoinID).ApplyBuy(quantity, quote.ExecutionPrice, market.Now)
	pf.CashBalance -= fee
	pf.UpdateValues(market.Prices)

	return &Trade{
		Type:       algorithm.ActionBuy,
		CoinID:     sig.CoinID,
		Quantity:   quantity,
		Price:      quote.ExecutionPrice,
		TotalValue: totalValue,
		Fee:        fee,
		ExecutedAt: market.Now,
		Metadata:   tradeMetadata(sig, basePrice, quote.SlippageBps),
	}, RejectNone
}

func (e *Executor) executeSell(sig algorithm.Signal, pf *portfolio.Portfolio, market Market, basePrice float64) (*Trade, RejectReason) {
	pos := pf.Position(sig.CoinID)
	if pos == nil || pos.Quantity <= 0 {
		return nil, RejectNoPosition
	}

	// Quote against half the position. Sizing the quote from the whole
	// portfolio would inflate slippage for small positions held inside
	// large accounts.
	quote := slippage.Apply(e.slippage, slippage.Order{
		CoinID:      sig.CoinID,
		Price:       basePrice,
		Quantity:    0.5 * pos.Quantity,
		IsBuy:       false,
		DailyVolume: market.Volumes[sig.CoinID],
	})

	quantity := e.sellQuantity(sig, pos.Quantity)
	if quantity <= 0 {
		return nil, RejectZeroQuantity
	}

	if !sig.IsRiskControl() && e.config.MinHoldMs > 0 && pos.EntryDate > 0 && market.Now-pos.EntryDate < e.config.MinHoldMs {
		return nil, RejectHoldPeriodNotMet
	}

	execPrice := quote.ExecutionPrice
	costBasis := pos.AveragePrice
	realized := pos.RealizedPnL(execPrice, quantity)
	realizedPct := 0.0
	if costBasis > 0 {
		realizedPct = realized / (costBasis * quantity)
	}
	totalValue := quantity * execPrice
	fee := fees.Calculate(e.fees, totalValue, false)

	var holdTimeMs int64
	if pos.EntryDate > 0 {
		holdTimeMs = market.Now - pos.EntryDate
	}

	pf.CashBalance += totalValue
	pos.Reduce(quantity)
	if pos.Quantity <= 0 {
		pf.Remove(sig.CoinID)
	}
	pf.CashBalance -= fee
	pf.UpdateValues(market.Prices)

	md := tradeMetadata(sig, basePrice, quote.SlippageBps)
	if holdTimeMs > 0 {
		md["holdTimeMs"] = holdTimeMs
	}

	return &Trade{
		Type:               algorithm.ActionSell,
		CoinID:             sig.CoinID,
		Quantity:           quantity,
		Price:              execPrice,
		TotalValue:         totalValue,
		Fee:                fee,
		RealizedPnL:        floatPtr(realized),
		RealizedPnLPercent: floatPtr(realizedPct),
		CostBasis:          floatPtr(costBasis),
		ExecutedAt:         market.Now,
		Metadata:           md,
	}, RejectNone
}

// buyQuantity sizes a BUY. Priority: explicit quantity, then percentage
// of portfolio, then confidence-scaled allocation, then a random draw
// clamped to the allocation bounds.
func (e *Executor) buyQuantity(sig algorithm.Signal, totalValue, executionPrice float64) float64 {
	if executionPrice <= 0 {
		return 0
	}
	switch {
	case sig.Quantity > 0:
		return sig.Quantity
	case sig.Percentage > 0:
		return totalValue * sig.Percentage / executionPrice
	case sig.Confidence > 0:
		alloc := e.config.MinAllocation + sig.Confidence*(e.config.MaxAllocation-e.config.MinAllocation)
		return totalValue * alloc / executionPrice
	default:
		alloc := math.Min(math.Max(e.rng.Next(), e.config.MinAllocation), e.config.MaxAllocation)
		return totalValue * alloc / executionPrice
	}
}

// sellQuantity sizes a SELL as a fraction of the held quantity, capped
// at the position.
func (e *Executor) sellQuantity(sig algorithm.Signal, held float64) float64 {
	var quantity float64
	switch {
	case sig.Quantity > 0:
		quantity = sig.Quantity
	case sig.Percentage > 0:
		quantity = held * math.Min(sig.Percentage, 1)
	case sig.Confidence > 0:
		quantity = held * (0.25 + 0.75*sig.Confidence)
	default:
		quantity = held * math.Min(math.Max(e.rng.Next(), 0.25), 1.0)
	}
	return math.Min(quantity, held)
}

// tradeMetadata merges the signal's own metadata with the execution
// facts. Execution keys win on collision.
func tradeMetadata(sig algorithm.Signal, basePrice, slippageBps float64) map[string]interface{} {
	md := make(map[string]interface{}, len(sig.Metadata)+4)
	for k, v := range sig.Metadata {
		md[k] = v
	}
	md["basePrice"] = basePrice
	md["slippageBps"] = slippageBps
	md["reason"] = sig.Reason
	md["confidence"] = sig.Confidence
	return md
}

func floatPtr(v float64) *float64 {
	return &v
}
