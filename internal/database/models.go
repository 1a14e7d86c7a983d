package database

import (
	"encoding/json"
	"time"
)

// Run lifecycle states
const (
	RunStatusPending   = "pending"
	RunStatusRunning   = "running"
	RunStatusPaused    = "paused"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// Run is a backtest run registry row. Config holds the full engine
// configuration as submitted, so a paused run can be resumed with the
// exact settings it started with.
type Run struct {
	ID            string          `json:"id"`
	DatasetID     string          `json:"dataset_id"`
	AlgorithmID   string          `json:"algorithm_id"`
	Mode          string          `json:"mode"`
	Status        string          `json:"status"`
	Config        json.RawMessage `json:"config"`
	ProcessedBars int             `json:"processed_bars"`
	TotalBars     int             `json:"total_bars"`
	ErrorMessage  *string         `json:"error_message,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// CheckpointRecord is a stored checkpoint row. State holds the canonical
// checkpoint JSON; the index and checksum are lifted out for querying.
type CheckpointRecord struct {
	ID                 int64           `json:"id"`
	RunID              string          `json:"run_id"`
	LastProcessedIndex int             `json:"last_processed_index"`
	Checksum           string          `json:"checksum"`
	State              json.RawMessage `json:"state"`
	CreatedAt          time.Time       `json:"created_at"`
}

// ResultRecord is the final result row for a finished run.
type ResultRecord struct {
	RunID          string          `json:"run_id"`
	Status         string          `json:"status"`
	Metrics        json.RawMessage `json:"metrics"`
	FinalPortfolio json.RawMessage `json:"final_portfolio"`
	CreatedAt      time.Time       `json:"created_at"`
}
