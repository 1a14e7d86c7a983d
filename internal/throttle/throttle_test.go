package throttle

import (
	"testing"

	"crypto-backtest-engine/internal/algorithm"
)

const hourMs = 60 * 60 * 1000

func buy(coin string) algorithm.Signal {
	return algorithm.Signal{Action: algorithm.ActionBuy, CoinID: coin, OriginalType: algorithm.SignalBuy}
}

func sell(coin string, pct float64) algorithm.Signal {
	return algorithm.Signal{Action: algorithm.ActionSell, CoinID: coin, Percentage: pct, OriginalType: algorithm.SignalSell}
}

func stopLoss(coin string) algorithm.Signal {
	return algorithm.Signal{Action: algorithm.ActionSell, CoinID: coin, OriginalType: algorithm.SignalStopLoss}
}

func TestCooldownBlocksRepeatSignals(t *testing.T) {
	f := New(Config{CooldownMs: 24 * hourMs, MaxTradesPerDay: 50, MinSellPercent: 0})

	if ok, _ := f.Allow(buy("btc"), 0, 0); !ok {
		t.Fatal("Expected first signal to pass")
	}
	if ok, reason := f.Allow(buy("btc"), 12*hourMs, 0); ok {
		t.Error("Expected second BUY inside cooldown to be dropped")
	} else if reason == "" {
		t.Error("Expected a drop reason")
	}
	if ok, _ := f.Allow(buy("btc"), 24*hourMs, 0); !ok {
		t.Error("Expected BUY after cooldown to pass")
	}
}

func TestCooldownIsPerCoinAndAction(t *testing.T) {
	f := New(Config{CooldownMs: 24 * hourMs, MaxTradesPerDay: 50, MinSellPercent: 0})

	f.Allow(buy("btc"), 0, 0)

	if ok, _ := f.Allow(sell("btc", 1), hourMs, 10); !ok {
		t.Error("Expected SELL to pass, cooldown tracks (coin, action) pairs")
	}
	if ok, _ := f.Allow(buy("eth"), hourMs, 0); !ok {
		t.Error("Expected BUY on another coin to pass")
	}
}

func TestDailyTradeCap(t *testing.T) {
	f := New(Config{CooldownMs: 0, MaxTradesPerDay: 3, MinSellPercent: 0})

	for i := 0; i < 3; i++ {
		if ok, _ := f.Allow(buy("btc"), int64(i)*hourMs, 0); !ok {
			t.Fatalf("Expected signal %d to pass", i)
		}
	}
	if ok, _ := f.Allow(buy("btc"), 3*hourMs, 0); ok {
		t.Error("Expected 4th signal in 24h to be dropped")
	}
	if ok, _ := f.Allow(buy("eth"), 3*hourMs, 0); !ok {
		t.Error("Expected another coin to have its own window")
	}

	// Window slides: the first entry (t=0) is evicted after 24h.
	if ok, _ := f.Allow(buy("btc"), 25*hourMs, 0); !ok {
		t.Error("Expected signal to pass once the window slid")
	}
}

func TestMinSellFraction(t *testing.T) {
	tests := []struct {
		name string
		sig  algorithm.Signal
		qty  float64
		want bool
	}{
		{"percentage too small", sell("btc", 0.3), 10, false},
		{"percentage large enough", sell("btc", 0.6), 10, true},
		{"quantity resolves below limit", algorithm.Signal{Action: algorithm.ActionSell, CoinID: "btc", Quantity: 2, OriginalType: algorithm.SignalSell}, 10, false},
		{"quantity resolves above limit", algorithm.Signal{Action: algorithm.ActionSell, CoinID: "btc", Quantity: 8, OriginalType: algorithm.SignalSell}, 10, true},
		{"confidence resolves to 0.625", algorithm.Signal{Action: algorithm.ActionSell, CoinID: "btc", Confidence: 0.5, OriginalType: algorithm.SignalSell}, 10, true},
		{"bare sell treated as full exit", sell("btc", 0), 10, true},
		{"buy is never size-checked", buy("btc"), 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(Config{CooldownMs: 0, MaxTradesPerDay: 0, MinSellPercent: 0.5})
			ok, reason := f.Allow(tt.sig, 1000, tt.qty)
			if ok != tt.want {
				t.Errorf("Expected allowed=%v, got %v (%s)", tt.want, ok, reason)
			}
		})
	}
}

func TestRiskControlBypassesChecksButUpdatesState(t *testing.T) {
	f := New(DefaultConfig())

	f.Allow(sell("btc", 1), 0, 10)

	// Inside cooldown and below min sell fraction, but risk-control passes.
	sl := stopLoss("btc")
	sl.Percentage = 0.1
	if ok, _ := f.Allow(sl, hourMs, 10); !ok {
		t.Fatal("Expected stop-loss to bypass throttle checks")
	}

	// The bypass still refreshed lastSignalAt, so a regular SELL right
	// after remains inside the cooldown window.
	if ok, _ := f.Allow(sell("btc", 1), 2*hourMs, 10); ok {
		t.Error("Expected regular SELL to see cooldown updated by the stop-loss")
	}
	if got := f.WindowCount("btc"); got != 2 {
		t.Errorf("Expected 2 window entries, got %d", got)
	}
}

func TestRollingWindowUpperBound(t *testing.T) {
	cfg := Config{CooldownMs: 0, MaxTradesPerDay: 6, MinSellPercent: 0}
	f := New(cfg)

	accepted := []int64{}
	for i := 0; i < 200; i++ {
		ts := int64(i) * 2 * hourMs
		if ok, _ := f.Allow(buy("btc"), ts, 0); ok {
			accepted = append(accepted, ts)
		}
	}

	for _, end := range accepted {
		count := 0
		for _, ts := range accepted {
			if ts > end-24*hourMs && ts <= end {
				count++
			}
		}
		if count > cfg.MaxTradesPerDay {
			t.Fatalf("Expected at most %d accepted signals in any 24h window, got %d ending at %d",
				cfg.MaxTradesPerDay, count, end)
		}
	}
}

func TestZeroConfigDisablesChecks(t *testing.T) {
	f := New(Config{})

	for i := 0; i < 100; i++ {
		if ok, reason := f.Allow(sell("btc", 0.01), int64(i), 10); !ok {
			t.Fatalf("Expected all signals to pass with zero config, dropped at %d: %s", i, reason)
		}
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	f := New(DefaultConfig())
	f.Allow(buy("btc"), 1000, 0)
	f.Allow(stopLoss("eth"), 2000, 5)

	snap := f.Snapshot()

	restored := New(DefaultConfig())
	restored.Restore(snap)

	if ok, _ := restored.Allow(buy("btc"), 2000, 0); ok {
		t.Error("Expected restored filter to enforce cooldown from snapshot")
	}
	if got := restored.WindowCount("eth"); got != 1 {
		t.Errorf("Expected eth window preserved, got %d entries", got)
	}

	// Snapshot must be a deep copy.
	snap.TradesInWindow["btc"][0] = 999999
	if f.state.TradesInWindow["btc"][0] == 999999 {
		t.Error("Expected snapshot mutation not to leak into the filter")
	}
}
