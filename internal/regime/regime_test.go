package regime

import (
	"testing"

	"crypto-backtest-engine/internal/algorithm"
	"crypto-backtest-engine/internal/candles"
)

func steadyWindow(n int, price float64) []candles.PriceSummary {
	out := make([]candles.PriceSummary, n)
	for i := range out {
		out[i] = candles.PriceSummary{Coin: "btc", Date: int64(i), Avg: price, High: price, Low: price, Close: price}
	}
	return out
}

func buySignal() algorithm.Signal {
	return algorithm.Signal{Action: algorithm.ActionBuy, CoinID: "eth", OriginalType: algorithm.SignalBuy}
}

func sellSignal() algorithm.Signal {
	return algorithm.Signal{Action: algorithm.ActionSell, CoinID: "eth", OriginalType: algorithm.SignalSell}
}

func TestGateNeutralUntilEnoughSamples(t *testing.T) {
	g := NewGate(DefaultConfig())
	g.Prime([]string{"btc", "eth"})

	g.Observe(steadyWindow(50, 100))

	if got := g.Classification(); got != Neutral {
		t.Errorf("Expected NEUTRAL during warmup, got %s", got)
	}
	if ok, _ := g.Allow(buySignal()); !ok {
		t.Error("Expected BUY to pass before the gate is ready")
	}
}

func TestGateBlocksBuysInDowntrend(t *testing.T) {
	g := NewGate(DefaultConfig())
	g.Prime([]string{"btc", "eth"})

	// 200 bars at 100 followed by a collapse below the average.
	window := steadyWindow(200, 100)
	for i := 0; i < 20; i++ {
		window = append(window, candles.PriceSummary{Coin: "btc", Date: int64(200 + i), Close: 60, Avg: 60, High: 60, Low: 60})
	}
	g.Observe(window)

	if got := g.Classification(); got != RiskOff {
		t.Fatalf("Expected RISK_OFF, got %s", got)
	}
	if ok, reason := g.Allow(buySignal()); ok {
		t.Error("Expected BUY to be dropped in RISK_OFF")
	} else if reason == "" {
		t.Error("Expected a drop reason")
	}
	if ok, _ := g.Allow(sellSignal()); !ok {
		t.Error("Expected SELL to always pass")
	}
}

func TestGateAllowsBuysInUptrend(t *testing.T) {
	g := NewGate(DefaultConfig())
	g.Prime([]string{"btc"})

	// A calm 0.5%-per-bar grind keeps realized volatility low.
	window := steadyWindow(200, 100)
	price := 100.0
	for i := 0; i < 20; i++ {
		price *= 1.005
		window = append(window, candles.PriceSummary{Coin: "btc", Date: int64(200 + i), Close: price, Avg: price, High: price, Low: price})
	}
	g.Observe(window)

	if got := g.Classification(); got != RiskOn {
		t.Fatalf("Expected RISK_ON, got %s", got)
	}
	if ok, _ := g.Allow(buySignal()); !ok {
		t.Error("Expected BUY to pass in RISK_ON")
	}
}

func TestGateDisabledWhenProxyAbsent(t *testing.T) {
	g := NewGate(DefaultConfig())
	g.Prime([]string{"eth", "sol"})

	if g.Enabled() {
		t.Fatal("Expected gate disabled without the proxy coin")
	}

	window := steadyWindow(200, 100)
	for i := 0; i < 20; i++ {
		window = append(window, candles.PriceSummary{Coin: "btc", Date: int64(200 + i), Close: 60, Avg: 60, High: 60, Low: 60})
	}
	g.Observe(window)

	if ok, _ := g.Allow(buySignal()); !ok {
		t.Error("Expected disabled gate to pass everything")
	}
}

func TestHighVolatilityUptrendIsNeutral(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VolHighThreshold = 0.01
	g := NewGate(cfg)
	g.Prime([]string{"btc"})

	// Alternating 5% swings around a level above the long average.
	window := steadyWindow(200, 100)
	price := 120.0
	for i := 0; i < 40; i++ {
		if i%2 == 0 {
			price *= 1.05
		} else {
			price /= 1.05
		}
		window = append(window, candles.PriceSummary{Coin: "btc", Date: int64(200 + i), Close: price, Avg: price, High: price, Low: price})
	}
	g.Observe(window)

	if got := g.Classification(); got != Neutral {
		t.Errorf("Expected NEUTRAL in a choppy uptrend, got %s", got)
	}
	if ok, _ := g.Allow(buySignal()); !ok {
		t.Error("Expected NEUTRAL to still pass BUYs")
	}
}

func TestClassifyMapping(t *testing.T) {
	tests := []struct {
		trendUp bool
		vol     Volatility
		want    Classification
	}{
		{false, VolLow, RiskOff},
		{false, VolHigh, RiskOff},
		{true, VolHigh, Neutral},
		{true, VolNormal, RiskOn},
		{true, VolLow, RiskOn},
	}

	for _, tt := range tests {
		if got := classify(tt.trendUp, tt.vol); got != tt.want {
			t.Errorf("classify(%v, %s): expected %s, got %s", tt.trendUp, tt.vol, got, tt.want)
		}
	}
}
