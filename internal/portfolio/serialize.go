package portfolio

import (
	"fmt"
	"time"
)

// Serialized is the checkpoint-facing portfolio record. Positions are a
// sorted slice rather than a map so the serialized form is stable.
type Serialized struct {
	CashBalance float64              `json:"cashBalance"`
	Positions   []SerializedPosition `json:"positions"`
	TotalValue  float64              `json:"totalValue"`
}

// SerializedPosition is one holding in a checkpoint.
type SerializedPosition struct {
	CoinID       string  `json:"coinId"`
	Quantity     float64 `json:"quantity"`
	AveragePrice float64 `json:"averagePrice"`
	EntryDate    string  `json:"entryDate,omitempty"` // RFC3339 UTC
}

// Serialize produces the plain record form used by checkpoints.
func (p *Portfolio) Serialize() Serialized {
	out := Serialized{
		CashBalance: p.CashBalance,
		TotalValue:  p.TotalValue,
		Positions:   make([]SerializedPosition, 0, len(p.Positions)),
	}
	for _, coinID := range p.SortedCoinIDs() {
		pos := p.Positions[coinID]
		sp := SerializedPosition{
			CoinID:       pos.CoinID,
			Quantity:     pos.Quantity,
			AveragePrice: pos.AveragePrice,
		}
		if pos.EntryDate != 0 {
			sp.EntryDate = time.UnixMilli(pos.EntryDate).UTC().Format(time.RFC3339Nano)
		}
		out.Positions = append(out.Positions, sp)
	}
	return out
}

// Restore rebuilds a live portfolio from its serialized form.
func Restore(s Serialized) (*Portfolio, error) {
	p := &Portfolio{
		CashBalance: s.CashBalance,
		TotalValue:  s.TotalValue,
		Positions:   make(map[string]*Position, len(s.Positions)),
	}
	for _, sp := range s.Positions {
		pos := &Position{
			CoinID:       sp.CoinID,
			Quantity:     sp.Quantity,
			AveragePrice: sp.AveragePrice,
			TotalValue:   sp.Quantity * sp.AveragePrice,
		}
		if sp.EntryDate != "" {
			t, err := time.Parse(time.RFC3339Nano, sp.EntryDate)
			if err != nil {
				return nil, fmt.Errorf("failed to parse entry date for %s: %w", sp.CoinID, err)
			}
			pos.EntryDate = t.UnixMilli()
		}
		p.Positions[sp.CoinID] = pos
	}
	return p, nil
}

// Holding is one coin's row inside a snapshot.
type Holding struct {
	Quantity float64 `json:"quantity"`
	Value    float64 `json:"value"`
	Price    float64 `json:"price"`
}

// Snapshot is an append-only record of portfolio value at a bar. The
// engine emits one every 24 trading bars and on the final bar.
type Snapshot struct {
	Timestamp        int64              `json:"timestamp"`
	PortfolioValue   float64            `json:"portfolio_value"`
	CashBalance      float64            `json:"cash_balance"`
	Holdings         map[string]Holding `json:"holdings"`
	CumulativeReturn float64            `json:"cumulative_return"`
	Drawdown         float64            `json:"drawdown"`
}

// TakeSnapshot captures the current state against the given marks.
func (p *Portfolio) TakeSnapshot(ts int64, marks map[string]float64, initialCapital, drawdown float64) Snapshot {
	holdings := make(map[string]Holding, len(p.Positions))
	for _, coinID := range p.SortedCoinIDs() {
		pos := p.Positions[coinID]
		price := marks[coinID]
		holdings[coinID] = Holding{
			Quantity: pos.Quantity,
			Value:    pos.TotalValue,
			Price:    price,
		}
	}

	cumulative := 0.0
	if initialCapital > 0 {
		cumulative = (p.TotalValue - initialCapital) / initialCapital
	}

	return Snapshot{
		Timestamp:        ts,
		PortfolioValue:   p.TotalValue,
		CashBalance:      p.CashBalance,
		Holdings:         holdings,
		CumulativeReturn: cumulative,
		Drawdown:         drawdown,
	}
}
