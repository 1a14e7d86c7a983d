// Package portfolio holds the simulated account state for one backtest
// run: cash, open positions under weighted-average cost accounting, and
// the periodic value snapshots the metrics layer consumes.
package portfolio

// Position is one coin holding. Quantity is never negative; a position
// whose quantity reaches exactly zero is removed from the portfolio.
type Position struct {
	CoinID       string  `json:"coin_id"`
	Quantity     float64 `json:"quantity"`
	AveragePrice float64 `json:"average_price"`
	TotalValue   float64 `json:"total_value"`
	EntryDate    int64   `json:"entry_date"` // millis of first buy, preserved on add-to
}

// ApplyBuy merges an additional qty at price into the position using
// weighted-average cost. EntryDate is set on the first buy only.
func (p *Position) ApplyBuy(qty, price float64, ts int64) {
	if qty <= 0 {
		return
	}
	if p.Quantity <= 0 {
		p.Quantity = qty
		p.AveragePrice = price
		if p.EntryDate == 0 {
			p.EntryDate = ts
		}
		return
	}

	newQty := p.Quantity + qty
	p.AveragePrice = (p.AveragePrice*p.Quantity + price*qty) / newQty
	p.Quantity = newQty
	if p.EntryDate == 0 {
		p.EntryDate = ts
	}
}

// RealizedPnL returns the gross P&L of selling soldQty at execPrice
// against the current average cost. Fees are never part of this figure;
// they are deducted from cash separately.
func (p *Position) RealizedPnL(execPrice, soldQty float64) float64 {
	return (execPrice - p.AveragePrice) * soldQty
}

// Reduce removes soldQty from the position. The caller caps soldQty at
// the held quantity beforehand.
func (p *Position) Reduce(soldQty float64) {
	p.Quantity -= soldQty
	if p.Quantity < 0 {
		p.Quantity = 0
	}
}
