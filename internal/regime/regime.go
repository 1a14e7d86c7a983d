// Package regime classifies the broad market using BTC as a proxy and
// blocks new BUY exposure while the market is risk-off.
package regime

import (
	"fmt"
	"math"

	"crypto-backtest-engine/internal/algorithm"
	"crypto-backtest-engine/internal/candles"
)

// Classification labels the composite market regime.
type Classification string

const (
	RiskOn  Classification = "RISK_ON"
	RiskOff Classification = "RISK_OFF"
	Neutral Classification = "NEUTRAL"
)

// Volatility buckets the realized volatility of the proxy coin.
type Volatility string

const (
	VolLow    Volatility = "LOW"
	VolNormal Volatility = "NORMAL"
	VolHigh   Volatility = "HIGH"
)

// Config holds regime gate configuration. Thresholds apply to the
// per-bar standard deviation of proxy returns.
type Config struct {
	Enabled          bool    `json:"enabled"`
	ProxyCoinID      string  `json:"proxy_coin_id"`
	SMAPeriod        int     `json:"sma_period"`
	VolPeriod        int     `json:"vol_period"`
	VolLowThreshold  float64 `json:"vol_low_threshold"`
	VolHighThreshold float64 `json:"vol_high_threshold"`
}

// DefaultConfig returns the standard 200-period trend gate.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		ProxyCoinID:      "btc",
		SMAPeriod:        200,
		VolPeriod:        30,
		VolLowThreshold:  0.005,
		VolHighThreshold: 0.02,
	}
}

// Gate drops BUY signals while the proxy coin trades below its long SMA.
// SELL signals always pass. The gate is owned by a single run and driven
// from the bar loop.
type Gate struct {
	config   Config
	disabled bool
	ready    bool
	current  Classification
}

// NewGate creates a regime gate. It stays dormant until Observe has seen
// enough proxy samples.
func NewGate(config Config) *Gate {
	return &Gate{config: config, current: Neutral}
}

// Prime disables the gate for the whole run when the proxy coin is not
// part of the traded universe.
func (g *Gate) Prime(universe []string) {
	for _, id := range universe {
		if id == g.config.ProxyCoinID {
			return
		}
	}
	g.disabled = true
}

// Enabled reports whether the gate participates in signal filtering.
func (g *Gate) Enabled() bool {
	return g.config.Enabled && !g.disabled
}

// Observe recomputes the regime from the proxy coin's price window.
// Call once per bar before filtering signals. With fewer samples than
// the SMA period the gate stays neutral.
func (g *Gate) Observe(window []candles.PriceSummary) {
	if !g.Enabled() {
		return
	}
	if len(window) < g.config.SMAPeriod {
		g.ready = false
		g.current = Neutral
		return
	}

	sma := algorithm.SMA(window, g.config.SMAPeriod)
	latest := window[len(window)-1].Close
	trendUp := latest > sma

	vol := g.volatilityBucket(window)

	g.ready = true
	g.current = classify(trendUp, vol)
}

// Allow reports whether the signal passes the regime filter. Only BUY
// signals are ever dropped.
func (g *Gate) Allow(sig algorithm.Signal) (bool, string) {
	if !g.Enabled() || !g.ready {
		return true, ""
	}
	if sig.Action != algorithm.ActionBuy {
		return true, ""
	}
	if g.current == RiskOff {
		return false, fmt.Sprintf("regime %s: new exposure blocked", g.current)
	}
	return true, ""
}

// Classification returns the current regime label.
func (g *Gate) Classification() Classification {
	return g.current
}

func (g *Gate) volatilityBucket(window []candles.PriceSummary) Volatility {
	vol := realizedVol(window, g.config.VolPeriod)
	switch {
	case vol <= 0:
		return VolNormal
	case vol < g.config.VolLowThreshold:
		return VolLow
	case vol > g.config.VolHighThreshold:
		return VolHigh
	default:
		return VolNormal
	}
}

func classify(trendUp bool, vol Volatility) Classification {
	switch {
	case !trendUp:
		return RiskOff
	case vol == VolHigh:
		return Neutral
	default:
		return RiskOn
	}
}

// realizedVol is the standard deviation of simple per-bar returns over
// the trailing period. Returns 0 when the window is too short.
func realizedVol(window []candles.PriceSummary, period int) float64 {
	if period <= 1 || len(window) < period+1 {
		return 0
	}

	returns := make([]float64, 0, period)
	start := len(window) - period - 1
	for i := start + 1; i < len(window); i++ {
		prev := window[i-1].Close
		if prev <= 0 {
			continue
		}
		returns = append(returns, (window[i].Close-prev)/prev)
	}
	if len(returns) < 2 {
		return 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns) - 1)

	return math.Sqrt(variance)
}
