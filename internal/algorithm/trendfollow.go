package algorithm

import (
	"context"
	"fmt"
	"math"
)

// TrendFollowConfig tunes the EMA trend-following algorithm.
type TrendFollowConfig struct {
	FastPeriod int
	SlowPeriod int
}

// TrendFollow rides established trends: it buys while the fast EMA holds
// above the slow EMA with price confirming, and exits once the close
// falls back through the slow EMA. Unlike Momentum it keys off trend
// state rather than the crossover bar, so it can enter mid-trend.
type TrendFollow struct {
	config TrendFollowConfig
}

// NewTrendFollow creates the built-in trend-following algorithm.
func NewTrendFollow(cfg TrendFollowConfig) *TrendFollow {
	if cfg.FastPeriod <= 0 {
		cfg.FastPeriod = 12
	}
	if cfg.SlowPeriod <= cfg.FastPeriod {
		cfg.SlowPeriod = cfg.FastPeriod * 2
	}
	return &TrendFollow{config: cfg}
}

var _ Algorithm = (*TrendFollow)(nil)

func (t *TrendFollow) ID() string { return "trend-follow" }

func (t *TrendFollow) CanExecute(bar Context) bool {
	for _, window := range bar.PriceData {
		if len(window) >= t.config.SlowPeriod {
			return true
		}
	}
	return false
}

func (t *TrendFollow) ConfigSchema() Schema {
	return Schema{
		"fastPeriod": {Type: "int", Default: 12, Description: "fast EMA period"},
		"slowPeriod": {Type: "int", Default: 26, Description: "slow EMA period"},
	}
}

// Execute evaluates the trend state of every coin window.
func (t *TrendFollow) Execute(_ context.Context, bar Context) (Result, error) {
	signals := make([]RawSignal, 0)

	for _, coin := range bar.Coins {
		window := bar.PriceData[coin.ID]
		if len(window) < t.config.SlowPeriod {
			continue
		}

		fast := EMA(window, t.config.FastPeriod)
		slow := EMA(window, t.config.SlowPeriod)
		if slow == 0 {
			continue
		}
		price := window[len(window)-1].Close
		held := bar.Positions[coin.ID] > 0

		switch {
		case !held && fast > slow && price > fast:
			// Wider EMA separation reads as a stronger trend.
			confidence := math.Min(1, (fast-slow)/slow*25)
			signals = append(signals, RawSignal{
				Type:       SignalBuy,
				CoinID:     coin.ID,
				Confidence: confidence,
				Reason:     fmt.Sprintf("uptrend: EMA%d over EMA%d", t.config.FastPeriod, t.config.SlowPeriod),
			})
		case held && price < slow:
			signals = append(signals, RawSignal{
				Type:     SignalSell,
				CoinID:   coin.ID,
				Strength: 1.0,
				Reason:   fmt.Sprintf("trend broken: close below EMA%d", t.config.SlowPeriod),
			})
		}
	}

	return Result{Success: true, Signals: signals}, nil
}
