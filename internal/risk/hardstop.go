// Package risk holds the two position-protection collaborators of the
// bar loop: the hard stop-loss generator and the opportunity seller.
package risk

import (
	"fmt"

	"crypto-backtest-engine/internal/algorithm"
	"crypto-backtest-engine/internal/candles"
	"crypto-backtest-engine/internal/portfolio"
)

// StopConfig holds hard stop-loss configuration.
type StopConfig struct {
	Enabled   bool    `json:"enabled"`
	Threshold float64 `json:"threshold"` // Fractional loss that triggers the stop, e.g. 0.05
}

// DefaultStopConfig returns the standard 5% hard stop.
func DefaultStopConfig() StopConfig {
	return StopConfig{Enabled: true, Threshold: 0.05}
}

// StopGenerator emits synthetic full-exit SELLs for positions whose
// drawdown from average entry breaches the threshold. Detection is
// wick-aware: the candle low trips the stop even when the close
// recovers, the way a resting stop order would have filled.
type StopGenerator struct {
	config StopConfig
}

// NewStopGenerator creates a hard stop-loss generator.
func NewStopGenerator(config StopConfig) *StopGenerator {
	return &StopGenerator{config: config}
}

// Enabled reports whether the generator participates in the bar loop.
func (g *StopGenerator) Enabled() bool {
	return g.config.Enabled && g.config.Threshold > 0
}

// Generate scans every open position against the current bar and returns
// stop-loss signals in ascending coin order. The stopExecutionPrice
// metadata carries the modelled fill level avg*(1-threshold); the
// executor prices the exit there rather than at the close.
func (g *StopGenerator) Generate(pf *portfolio.Portfolio, bar map[string]candles.Candle) []algorithm.Signal {
	if !g.Enabled() {
		return nil
	}

	var signals []algorithm.Signal
	for _, coinID := range pf.SortedCoinIDs() {
		pos := pf.Position(coinID)
		if pos == nil || pos.Quantity <= 0 || pos.AveragePrice <= 0 {
			continue
		}
		candle, ok := bar[coinID]
		if !ok {
			continue
		}

		detection := candle.Low
		if detection <= 0 {
			detection = candle.Close
		}
		if detection <= 0 {
			continue
		}

		unrealizedPct := (detection - pos.AveragePrice) / pos.AveragePrice
		if unrealizedPct > -g.config.Threshold {
			continue
		}

		stopPrice := pos.AveragePrice * (1 - g.config.Threshold)
		signals = append(signals, algorithm.Signal{
			Action:       algorithm.ActionSell,
			CoinID:       coinID,
			Quantity:     pos.Quantity,
			Reason:       fmt.Sprintf("hard stop-loss: %.2f%% below average entry %.8f", -unrealizedPct*100, pos.AveragePrice),
			OriginalType: algorithm.SignalStopLoss,
			Metadata: map[string]interface{}{
				"hardStopLoss":       true,
				"stopExecutionPrice": stopPrice,
			},
		})
	}
	return signals
}
