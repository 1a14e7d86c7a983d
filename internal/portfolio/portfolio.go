package portfolio

import "sort"

// Portfolio is the run-owned account state. It is mutated only by the
// trade executor; everything else reads it. Cash may dip negative only
// transiently inside executor math, never after a committed trade.
type Portfolio struct {
	CashBalance float64              `json:"cash_balance"`
	Positions   map[string]*Position `json:"positions"`
	TotalValue  float64              `json:"total_value"`
}

// New creates a portfolio holding only cash.
func New(initialCapital float64) *Portfolio {
	return &Portfolio{
		CashBalance: initialCapital,
		Positions:   make(map[string]*Position),
		TotalValue:  initialCapital,
	}
}

// Position returns the holding for a coin, or nil.
func (p *Portfolio) Position(coinID string) *Position {
	return p.Positions[coinID]
}

// Upsert returns the existing position for a coin, creating an empty
// one when absent.
func (p *Portfolio) Upsert(coinID string) *Position {
	pos, ok := p.Positions[coinID]
	if !ok {
		pos = &Position{CoinID: coinID}
		p.Positions[coinID] = pos
	}
	return pos
}

// Remove deletes a coin's position outright.
func (p *Portfolio) Remove(coinID string) {
	delete(p.Positions, coinID)
}

// SortedCoinIDs returns position keys in a fixed order. Every walk over
// the positions map goes through this so float sums and emitted signal
// order stay reproducible across runs.
func (p *Portfolio) SortedCoinIDs() []string {
	ids := make([]string, 0, len(p.Positions))
	for id := range p.Positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// UpdateValues marks every position to market and recomputes the
// portfolio total. Positions with no mark keep their last value.
func (p *Portfolio) UpdateValues(marks map[string]float64) {
	total := p.CashBalance
	for _, coinID := range p.SortedCoinIDs() {
		pos := p.Positions[coinID]
		if mark, ok := marks[coinID]; ok {
			pos.TotalValue = pos.Quantity * mark
		}
		total += pos.TotalValue
	}
	p.TotalValue = total
}

// PositionsValue returns the marked value of all positions without
// mutating anything.
func (p *Portfolio) PositionsValue(marks map[string]float64) float64 {
	sum := 0.0
	for _, coinID := range p.SortedCoinIDs() {
		pos := p.Positions[coinID]
		if mark, ok := marks[coinID]; ok {
			sum += pos.Quantity * mark
		} else {
			sum += pos.TotalValue
		}
	}
	return sum
}

// QuantityByCoin exposes the holdings as the plain map the algorithm
// context and throttle consume.
func (p *Portfolio) QuantityByCoin() map[string]float64 {
	out := make(map[string]float64, len(p.Positions))
	for id, pos := range p.Positions {
		out[id] = pos.Quantity
	}
	return out
}
