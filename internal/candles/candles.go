// Package candles holds the market data model consumed by the backtest
// engine: OHLCV candles keyed by coin and timestamp, the per-bar price
// summaries fed to algorithms, and the providers that load candles from
// CSV files or synthesize them deterministically.
package candles

import "sort"

// Candle is one OHLCV bar for one coin. Immutable once loaded.
type Candle struct {
	CoinID    string  `json:"coin_id"`
	Timestamp int64   `json:"timestamp"` // epoch milliseconds
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// PriceSummary is the per-bar view handed to algorithms through the
// sliding price windows. Avg carries the close; the engine does not
// invent intrabar averages.
type PriceSummary struct {
	Coin  string  `json:"coin"`
	Date  int64   `json:"date"`
	Avg   float64 `json:"avg"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// Coin identifies one tradable asset in the run's universe.
type Coin struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
}

// Summary converts a candle to the algorithm-facing view.
func Summary(c Candle) PriceSummary {
	return PriceSummary{
		Coin:  c.CoinID,
		Date:  c.Timestamp,
		Avg:   c.Close,
		High:  c.High,
		Low:   c.Low,
		Close: c.Close,
	}
}

// SortAscending orders candles by timestamp, then coin ID for a stable
// order at shared timestamps.
func SortAscending(cs []Candle) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].Timestamp != cs[j].Timestamp {
			return cs[i].Timestamp < cs[j].Timestamp
		}
		return cs[i].CoinID < cs[j].CoinID
	})
}

// GroupByCoin splits candles into ascending per-coin series.
func GroupByCoin(cs []Candle) map[string][]Candle {
	grouped := make(map[string][]Candle)
	for _, c := range cs {
		grouped[c.CoinID] = append(grouped[c.CoinID], c)
	}
	for coinID := range grouped {
		series := grouped[coinID]
		sort.Slice(series, func(i, j int) bool {
			return series[i].Timestamp < series[j].Timestamp
		})
	}
	return grouped
}

// GroupByTimestamp indexes candles per bar and returns the sorted list
// of unique timestamps the engine iterates over.
func GroupByTimestamp(cs []Candle) ([]int64, map[int64]map[string]Candle) {
	byTs := make(map[int64]map[string]Candle)
	for _, c := range cs {
		bar, ok := byTs[c.Timestamp]
		if !ok {
			bar = make(map[string]Candle)
			byTs[c.Timestamp] = bar
		}
		bar[c.CoinID] = c
	}

	timestamps := make([]int64, 0, len(byTs))
	for ts := range byTs {
		timestamps = append(timestamps, ts)
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })

	return timestamps, byTs
}

// CoinIDs returns the sorted set of coin IDs present in the series.
func CoinIDs(cs []Candle) []string {
	seen := make(map[string]bool)
	for _, c := range cs {
		seen[c.CoinID] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Universe builds coin descriptors for the run from the series, using
// the coin ID as the symbol when no richer catalog is available.
func Universe(cs []Candle) []Coin {
	ids := CoinIDs(cs)
	coins := make([]Coin, 0, len(ids))
	for _, id := range ids {
		coins = append(coins, Coin{ID: id, Symbol: id, Name: id})
	}
	return coins
}
