package engine

import (
	"crypto-backtest-engine/internal/algorithm"
	"crypto-backtest-engine/internal/checkpoint"
	"crypto-backtest-engine/internal/executor"
	"crypto-backtest-engine/internal/metrics"
	"crypto-backtest-engine/internal/portfolio"
)

// Status is the terminal state of a run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPaused    Status = "paused"
	StatusFailed    Status = "failed"
)

// SignalEvent records one signal that reached the executor, including
// whether it turned into a trade. Filtered signals never get an event.
type SignalEvent struct {
	Timestamp    int64                `json:"timestamp"`
	CoinID       string               `json:"coinId"`
	Action       algorithm.Action     `json:"action"`
	OriginalType algorithm.SignalType `json:"originalType"`
	Confidence   float64              `json:"confidence,omitempty"`
	Reason       string               `json:"reason,omitempty"`
	Executed     bool                 `json:"executed"`
	RejectReason string               `json:"rejectReason,omitempty"`
}

// IncrementalResults carries everything accumulated since the previous
// checkpoint (or run start). The checkpoint callback must persist it
// before returning; the engine clears the arrays in place right after.
type IncrementalResults struct {
	Trades    []*executor.Trade    `json:"trades"`
	Signals   []SignalEvent        `json:"signals"`
	Fills     []executor.Fill      `json:"fills"`
	Snapshots []portfolio.Snapshot `json:"snapshots"`
}

func (r *IncrementalResults) clear() {
	r.Trades = r.Trades[:0]
	r.Signals = r.Signals[:0]
	r.Fills = r.Fills[:0]
	r.Snapshots = r.Snapshots[:0]
}

// Result is the outcome of a run. Completed runs carry final metrics
// and portfolio; paused runs carry the checkpoint to resume from;
// failed runs carry the error message.
type Result struct {
	Status           Status               `json:"status"`
	Metrics          metrics.Result       `json:"metrics"`
	FinalPortfolio   portfolio.Serialized `json:"finalPortfolio"`
	PausedCheckpoint *checkpoint.State    `json:"pausedCheckpoint,omitempty"`
	ErrorMessage     string               `json:"errorMessage,omitempty"`
	ProcessedBars    int                  `json:"processedBars"`
	TotalBars        int                  `json:"totalBars"`
}
