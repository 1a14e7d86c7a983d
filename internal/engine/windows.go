package engine

import (
	"sort"

	"crypto-backtest-engine/internal/candles"
)

// windowSize caps each coin's sliding price window.
const windowSize = 500

// coinSeries is one coin's full candle series plus the consumed prefix
// cursor and the bounded window derived from it.
type coinSeries struct {
	candles []candles.Candle
	window  []candles.PriceSummary
	cursor  int
}

// windowTracker owns the sliding per-coin price windows handed to
// algorithms. Views returned by advance are borrowed: the tracker keeps
// ownership and callers must not mutate or retain them across bars.
type windowTracker struct {
	coins  []string
	series map[string]*coinSeries
}

func newWindowTracker(byCoin map[string][]candles.Candle) *windowTracker {
	t := &windowTracker{
		coins:  make([]string, 0, len(byCoin)),
		series: make(map[string]*coinSeries, len(byCoin)),
	}
	for coinID, cs := range byCoin {
		t.coins = append(t.coins, coinID)
		t.series[coinID] = &coinSeries{candles: cs}
	}
	sort.Strings(t.coins)
	return t
}

// advance consumes every candle with timestamp ≤ ts into the per-coin
// windows and returns the current views. The cursor only moves forward,
// so calling with an old timestamp is a no-op; a resumed run rebuilds
// its windows with a single advance to the resume bar.
func (t *windowTracker) advance(ts int64) map[string][]candles.PriceSummary {
	views := make(map[string][]candles.PriceSummary, len(t.coins))
	for _, coinID := range t.coins {
		s := t.series[coinID]
		for s.cursor < len(s.candles) && s.candles[s.cursor].Timestamp <= ts {
			s.window = append(s.window, candles.Summary(s.candles[s.cursor]))
			s.cursor++
		}
		if len(s.window) > windowSize {
			s.window = s.window[len(s.window)-windowSize:]
		}
		if len(s.window) > 0 {
			views[coinID] = s.window
		}
	}
	return views
}

// window returns the current view for one coin, nil when the coin has
// no consumed candles yet.
func (t *windowTracker) window(coinID string) []candles.PriceSummary {
	s, ok := t.series[coinID]
	if !ok {
		return nil
	}
	return s.window
}
