package risk

import (
	"fmt"
	"math"
	"sort"

	"crypto-backtest-engine/internal/algorithm"
	"crypto-backtest-engine/internal/candles"
	"crypto-backtest-engine/internal/portfolio"
)

// shortfallBuffer sizes liquidations slightly above the raw shortfall so
// fees and slippage on the sells do not leave the retried BUY short.
const shortfallBuffer = 1.02

const (
	ageCapDays     = 30.0
	recentBars     = 7
	edgePerConf    = 0.1 // expected edge attributed to a full-confidence BUY
	ageWeight      = 0.1
	relativeWeight = 0.5
)

// OpportunityConfig controls liquidating weak positions to fund a
// higher-conviction BUY that was rejected for insufficient cash.
type OpportunityConfig struct {
	Enabled               bool     `json:"enabled"`
	MinConfidence         float64  `json:"min_confidence"`
	ProtectedCoins        []string `json:"protected_coins"`
	MaxLiquidationPercent float64  `json:"max_liquidation_percent"`
}

// DefaultOpportunityConfig returns the feature disabled; liquidating
// holdings to chase signals is opt-in.
func DefaultOpportunityConfig() OpportunityConfig {
	return OpportunityConfig{
		Enabled:               false,
		MinConfidence:         0.7,
		MaxLiquidationPercent: 0.3,
	}
}

// FundingContext carries the state needed to score and size liquidations
// for one rejected BUY.
type FundingContext struct {
	Buy       algorithm.Signal
	Portfolio *portfolio.Portfolio
	Marks     map[string]float64
	Windows   map[string][]candles.PriceSummary
	Now       int64
	MinHoldMs int64
	FeeRate   float64

	// Sizing bounds mirrored from the executor so the shortfall estimate
	// matches what the retried BUY will actually request.
	MinAllocation float64
	MaxAllocation float64
}

// ExecuteFunc performs one SELL through the trade executor and reports
// the cash it raised. ok is false when the executor rejected the sell.
type ExecuteFunc func(sig algorithm.Signal) (proceeds float64, ok bool)

// Seller ranks existing positions and liquidates the weakest until a
// funding shortfall is covered.
type Seller struct {
	config    OpportunityConfig
	protected map[string]bool
}

// NewSeller creates an opportunity seller.
func NewSeller(config OpportunityConfig) *Seller {
	protected := make(map[string]bool, len(config.ProtectedCoins))
	for _, coin := range config.ProtectedCoins {
		protected[coin] = true
	}
	return &Seller{config: config, protected: protected}
}

// Enabled reports whether opportunity selling is active.
func (s *Seller) Enabled() bool {
	return s.config.Enabled
}

// Qualifies reports whether the rejected BUY clears the confidence gate.
func (s *Seller) Qualifies(buy algorithm.Signal) bool {
	return s.config.Enabled && buy.Confidence >= s.config.MinConfidence
}

// candidate is one scored liquidation target. Lower scores sell first.
type candidate struct {
	coinID string
	score  float64
}

// RaiseCash sells scored positions through execute until the BUY's
// shortfall is covered, the liquidation cap is reached, or candidates
// run out. It returns the number of sells performed and whether the
// shortfall was fully covered.
func (s *Seller) RaiseCash(fc FundingContext, execute ExecuteFunc) (int, bool) {
	required := s.requiredAmount(fc)
	shortfall := required + required*fc.FeeRate - fc.Portfolio.CashBalance
	if shortfall <= 0 {
		return 0, true
	}

	capRemaining := s.config.MaxLiquidationPercent * fc.Portfolio.TotalValue
	if capRemaining <= 0 {
		return 0, false
	}

	candidates := s.scoreCandidates(fc)

	sells := 0
	for _, cand := range candidates {
		if shortfall <= 0 || capRemaining <= 0 {
			break
		}
		pos := fc.Portfolio.Position(cand.coinID)
		if pos == nil || pos.Quantity <= 0 {
			continue
		}
		mark := fc.Marks[cand.coinID]
		if mark <= 0 {
			continue
		}

		sellValue := math.Min(pos.Quantity*mark, math.Min(shortfall*shortfallBuffer, capRemaining))
		quantity := sellValue / mark
		if quantity <= 0 {
			continue
		}

		proceeds, ok := execute(algorithm.Signal{
			Action:       algorithm.ActionSell,
			CoinID:       cand.coinID,
			Quantity:     quantity,
			Reason:       fmt.Sprintf("opportunity sell to fund %s buy", fc.Buy.CoinID),
			OriginalType: algorithm.SignalSell,
			Metadata: map[string]interface{}{
				"opportunitySell": true,
				"fundingCoin":     fc.Buy.CoinID,
			},
		})
		if !ok {
			continue
		}

		sells++
		shortfall -= proceeds
		capRemaining -= quantity * mark
	}

	return sells, shortfall <= 0
}

// requiredAmount mirrors the executor's BUY sizing at the current mark.
// The confidence gate guarantees a non-zero confidence, so the random
// fallback branch never applies here.
func (s *Seller) requiredAmount(fc FundingContext) float64 {
	buy := fc.Buy
	switch {
	case buy.Quantity > 0:
		return buy.Quantity * fc.Marks[buy.CoinID]
	case buy.Percentage > 0:
		return fc.Portfolio.TotalValue * buy.Percentage
	default:
		alloc := fc.MinAllocation + buy.Confidence*(fc.MaxAllocation-fc.MinAllocation)
		return fc.Portfolio.TotalValue * alloc
	}
}

// scoreCandidates returns eligible positions ordered weakest first.
func (s *Seller) scoreCandidates(fc FundingContext) []candidate {
	expectedEdge := fc.Buy.Confidence * edgePerConf

	var out []candidate
	for _, coinID := range fc.Portfolio.SortedCoinIDs() {
		if coinID == fc.Buy.CoinID || s.protected[coinID] {
			continue
		}
		pos := fc.Portfolio.Position(coinID)
		if pos == nil || pos.Quantity <= 0 {
			continue
		}
		if fc.MinHoldMs > 0 && pos.EntryDate > 0 && fc.Now-pos.EntryDate < fc.MinHoldMs {
			continue
		}
		mark := fc.Marks[coinID]
		if mark <= 0 {
			continue
		}
		out = append(out, candidate{
			coinID: coinID,
			score:  scorePosition(pos, mark, fc.Windows[coinID], fc.Now, expectedEdge),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score < out[j].score
		}
		return out[i].coinID < out[j].coinID
	})
	return out
}

// scorePosition blends unrealized P&L, position age, and recent momentum
// relative to the edge the new BUY is expected to offer. Losers, stale
// holdings, and laggards score lowest and are liquidated first.
func scorePosition(pos *portfolio.Position, mark float64, window []candles.PriceSummary, now int64, expectedEdge float64) float64 {
	unrealizedPct := 0.0
	if pos.AveragePrice > 0 {
		unrealizedPct = (mark - pos.AveragePrice) / pos.AveragePrice
	}

	ageFactor := 0.0
	if pos.EntryDate > 0 && now > pos.EntryDate {
		ageDays := float64(now-pos.EntryDate) / float64(24*60*60*1000)
		ageFactor = math.Min(ageDays/ageCapDays, 1)
	}

	recentReturn := 0.0
	if len(window) > recentBars {
		base := window[len(window)-1-recentBars].Close
		if base > 0 {
			recentReturn = (window[len(window)-1].Close - base) / base
		}
	}

	return unrealizedPct - ageWeight*ageFactor + relativeWeight*(recentReturn-expectedEdge)
}
