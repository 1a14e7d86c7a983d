package throttle

import (
	"fmt"

	"crypto-backtest-engine/internal/algorithm"
)

// rollingWindowMs is the span of the per-coin accepted-signal window.
const rollingWindowMs = 24 * 60 * 60 * 1000

// Config holds signal throttle configuration. A value of zero (or less)
// disables the corresponding check.
type Config struct {
	CooldownMs      int64   `json:"cooldown_ms"`        // Min gap between same (coin, action) signals
	MaxTradesPerDay int     `json:"max_trades_per_day"` // Accepted signals per coin per rolling 24h
	MinSellPercent  float64 `json:"min_sell_percent"`   // Smallest sell fraction worth executing
}

// DefaultConfig returns conservative defaults
func DefaultConfig() Config {
	return Config{
		CooldownMs:      24 * 60 * 60 * 1000,
		MaxTradesPerDay: 6,
		MinSellPercent:  0.5,
	}
}

// State is the throttle bookkeeping carried across bars and checkpoints.
// Keys in LastSignalAt are "coinId|action".
type State struct {
	LastSignalAt   map[string]int64   `json:"lastSignalAt"`
	TradesInWindow map[string][]int64 `json:"tradesInWindow"`
}

func newState() State {
	return State{
		LastSignalAt:   make(map[string]int64),
		TradesInWindow: make(map[string][]int64),
	}
}

// Filter throttles trade signals per coin. It is owned by a single run
// and driven from the bar loop, so it needs no locking.
type Filter struct {
	config Config
	state  State
}

// New creates a signal throttle with the given configuration.
func New(config Config) *Filter {
	return &Filter{
		config: config,
		state:  newState(),
	}
}

// Allow reports whether the signal may proceed at simulation time t.
// positionQty is the currently held quantity of the signal's coin, used
// to resolve explicit sell quantities into a fraction of the position.
//
// Risk-control signals skip every check but still update the throttle
// state, so ordinary signals that follow them see the activity.
func (f *Filter) Allow(sig algorithm.Signal, t int64, positionQty float64) (bool, string) {
	f.evict(sig.CoinID, t)

	if !sig.IsRiskControl() {
		if sig.Action == algorithm.ActionSell && f.config.MinSellPercent > 0 {
			fraction := sellFraction(sig, positionQty)
			if fraction < f.config.MinSellPercent {
				return false, fmt.Sprintf("sell fraction %.4f below minimum %.4f", fraction, f.config.MinSellPercent)
			}
		}

		if f.config.CooldownMs > 0 {
			key := stateKey(sig.CoinID, sig.Action)
			if last, ok := f.state.LastSignalAt[key]; ok && t-last < f.config.CooldownMs {
				return false, fmt.Sprintf("cooldown active for %s: %dms remaining", key, f.config.CooldownMs-(t-last))
			}
		}

		if f.config.MaxTradesPerDay > 0 && len(f.state.TradesInWindow[sig.CoinID]) >= f.config.MaxTradesPerDay {
			return false, fmt.Sprintf("trade limit reached for %s: %d signals in 24h", sig.CoinID, f.config.MaxTradesPerDay)
		}
	}

	f.state.LastSignalAt[stateKey(sig.CoinID, sig.Action)] = t
	f.state.TradesInWindow[sig.CoinID] = append(f.state.TradesInWindow[sig.CoinID], t)
	return true, ""
}

// WindowCount returns the number of accepted signals for the coin still
// inside the rolling window. Entries are not evicted; callers that need
// an exact count at time t should rely on Allow's own eviction.
func (f *Filter) WindowCount(coinID string) int {
	return len(f.state.TradesInWindow[coinID])
}

// Snapshot returns a deep copy of the throttle state for checkpointing.
func (f *Filter) Snapshot() State {
	out := State{
		LastSignalAt:   make(map[string]int64, len(f.state.LastSignalAt)),
		TradesInWindow: make(map[string][]int64, len(f.state.TradesInWindow)),
	}
	for k, v := range f.state.LastSignalAt {
		out.LastSignalAt[k] = v
	}
	for k, v := range f.state.TradesInWindow {
		out.TradesInWindow[k] = append([]int64(nil), v...)
	}
	return out
}

// Restore replaces the filter state with a previously captured snapshot.
func (f *Filter) Restore(s State) {
	f.state = newState()
	for k, v := range s.LastSignalAt {
		f.state.LastSignalAt[k] = v
	}
	for k, v := range s.TradesInWindow {
		f.state.TradesInWindow[k] = append([]int64(nil), v...)
	}
}

// evict drops window entries older than t minus the rolling window.
func (f *Filter) evict(coinID string, t int64) {
	window := f.state.TradesInWindow[coinID]
	if len(window) == 0 {
		return
	}
	cutoff := t - rollingWindowMs
	i := 0
	for i < len(window) && window[i] < cutoff {
		i++
	}
	if i == 0 {
		return
	}
	f.state.TradesInWindow[coinID] = append([]int64(nil), window[i:]...)
}

// sellFraction resolves how much of the position a SELL intends to move.
// Signals that state no size are treated as full exits so they are never
// dropped for being too small.
func sellFraction(sig algorithm.Signal, positionQty float64) float64 {
	switch {
	case sig.Quantity > 0 && positionQty > 0:
		fraction := sig.Quantity / positionQty
		if fraction > 1 {
			fraction = 1
		}
		return fraction
	case sig.Percentage > 0:
		return sig.Percentage
	case sig.Confidence > 0:
		return 0.25 + 0.75*sig.Confidence
	default:
		return 1
	}
}

func stateKey(coinID string, action algorithm.Action) string {
	return coinID + "|" + string(action)
}
