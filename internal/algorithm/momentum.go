package algorithm

import (
	"context"
	"fmt"
	"math"
)

// MomentumConfig tunes the SMA-crossover momentum algorithm.
type MomentumConfig struct {
	FastPeriod int
	SlowPeriod int
}

// Momentum buys coins whose fast SMA crosses above the slow SMA and
// sells them on the cross back down. Confidence scales with the
// normalized spread between the two averages.
type Momentum struct {
	config MomentumConfig
}

// NewMomentum creates the built-in momentum algorithm.
func NewMomentum(cfg MomentumConfig) *Momentum {
	if cfg.FastPeriod <= 0 {
		cfg.FastPeriod = 10
	}
	if cfg.SlowPeriod <= cfg.FastPeriod {
		cfg.SlowPeriod = cfg.FastPeriod * 3
	}
	return &Momentum{config: cfg}
}

var _ Algorithm = (*Momentum)(nil)

func (m *Momentum) ID() string { return "momentum" }

// CanExecute requires at least one coin window long enough for the
// slow average plus the prior bar used for cross detection.
func (m *Momentum) CanExecute(bar Context) bool {
	for _, window := range bar.PriceData {
		if len(window) > m.config.SlowPeriod {
			return true
		}
	}
	return false
}

func (m *Momentum) ConfigSchema() Schema {
	return Schema{
		"fastPeriod": {Type: "int", Default: 10, Description: "fast SMA period"},
		"slowPeriod": {Type: "int", Default: 30, Description: "slow SMA period"},
	}
}

// Execute scans every coin window for a crossover at the current bar.
func (m *Momentum) Execute(_ context.Context, bar Context) (Result, error) {
	signals := make([]RawSignal, 0)

	for _, coin := range bar.Coins {
		window := bar.PriceData[coin.ID]
		if len(window) <= m.config.SlowPeriod {
			continue
		}

		fastNow := SMA(window, m.config.FastPeriod)
		slowNow := SMA(window, m.config.SlowPeriod)
		fastPrev := SMA(window[:len(window)-1], m.config.FastPeriod)
		slowPrev := SMA(window[:len(window)-1], m.config.SlowPeriod)
		if slowNow == 0 || slowPrev == 0 {
			continue
		}

		spread := (fastNow - slowNow) / slowNow
		confidence := math.Min(1, math.Abs(spread)*20)

		crossedUp := fastPrev <= slowPrev && fastNow > slowNow
		crossedDown := fastPrev >= slowPrev && fastNow < slowNow

		switch {
		case crossedUp:
			signals = append(signals, RawSignal{
				Type:       SignalBuy,
				CoinID:     coin.ID,
				Confidence: confidence,
				Reason:     fmt.Sprintf("fast SMA%d crossed above SMA%d", m.config.FastPeriod, m.config.SlowPeriod),
			})
		case crossedDown && bar.Positions[coin.ID] > 0:
			signals = append(signals, RawSignal{
				Type:       SignalSell,
				CoinID:     coin.ID,
				Strength:   1.0,
				Confidence: confidence,
				Reason:     fmt.Sprintf("fast SMA%d crossed below SMA%d", m.config.FastPeriod, m.config.SlowPeriod),
			})
		}
	}

	return Result{Success: true, Signals: signals}, nil
}
