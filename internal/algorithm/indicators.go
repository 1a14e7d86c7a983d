package algorithm

import "crypto-backtest-engine/internal/candles"

// Indicator helpers for the built-in algorithms. The engine never
// computes indicator values itself; it only feeds price windows.

// SMA calculates the simple moving average of the last period closes.
func SMA(window []candles.PriceSummary, period int) float64 {
	if period <= 0 || len(window) < period {
		return 0
	}

	sum := 0.0
	for _, bar := range window[len(window)-period:] {
		sum += bar.Close
	}
	return sum / float64(period)
}

// EMA calculates the exponential moving average seeded from the SMA of
// the first period closes.
func EMA(window []candles.PriceSummary, period int) float64 {
	if period <= 0 || len(window) < period {
		return 0
	}

	weight := 2.0 / float64(period+1)
	ema := SMA(window[:period], period)
	for _, bar := range window[period:] {
		ema += (bar.Close - ema) * weight
	}
	return ema
}

// RSI calculates the relative strength index over the last period bars.
// Returns 50 (neutral) when the window is too short.
func RSI(window []candles.PriceSummary, period int) float64 {
	if period <= 0 || len(window) < period+1 {
		return 50.0
	}

	var gains, losses float64
	prev := window[len(window)-period-1].Close
	for _, bar := range window[len(window)-period:] {
		change := bar.Close - prev
		prev = bar.Close
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}

	// Average gain over average loss; the period divisors cancel.
	if losses == 0 {
		return 100.0
	}
	rs := gains / losses
	return 100 - 100/(1+rs)
}
