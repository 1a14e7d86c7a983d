// Package checkpoint builds and validates the self-contained, checksummed
// state records that let a run resume at an exact bar.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"crypto-backtest-engine/internal/metrics"
	"crypto-backtest-engine/internal/portfolio"
	"crypto-backtest-engine/internal/throttle"
)

// Validation failure reasons.
const (
	ReasonOutOfBounds       = "out-of-bounds"
	ReasonTimestampMismatch = "timestamp-mismatch"
	ReasonChecksumFailed    = "checksum-failed"
)

// State is one durable checkpoint. Everything a resume needs is inside:
// the serialized portfolio, the RNG scalar, cumulative counts, throttle
// bookkeeping, and an integrity checksum over the critical fields.
type State struct {
	LastProcessedIndex     int                  `json:"lastProcessedIndex"`
	LastProcessedTimestamp string               `json:"lastProcessedTimestamp"`
	Portfolio              portfolio.Serialized `json:"portfolio"`
	PeakValue              float64              `json:"peakValue"`
	MaxDrawdown            float64              `json:"maxDrawdown"`
	RNGState               uint32               `json:"rngState"`
	PersistedCounts        metrics.Counts       `json:"persistedCounts"`
	ThrottleState          *throttle.State      `json:"throttleState,omitempty"`
	Checksum               string               `json:"checksum"`
}

// Input carries the live run state the codec captures.
type Input struct {
	LastProcessedIndex int
	BarTimestamp       int64
	Portfolio          *portfolio.Portfolio
	PeakValue          float64
	MaxDrawdown        float64
	RNGState           uint32
	Counts             metrics.Counts
	ThrottleState      *throttle.State
}

// Validation is the outcome of checking a checkpoint before resume.
type Validation struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// checksumPayload is the canonical serialization the checksum covers.
// Field order is fixed by the struct; Build and Validate both marshal
// through it, so the two sides can never disagree on the byte form.
type checksumPayload struct {
	LastProcessedIndex     int     `json:"lastProcessedIndex"`
	LastProcessedTimestamp string  `json:"lastProcessedTimestamp"`
	CashBalance            float64 `json:"cashBalance"`
	PositionCount          int     `json:"positionCount"`
	PeakValue              float64 `json:"peakValue"`
	MaxDrawdown            float64 `json:"maxDrawdown"`
	RNGState               uint32  `json:"rngState"`
	ThrottleState          string  `json:"throttleState,omitempty"`
}

// Build captures a checkpoint and seals it with its checksum.
func Build(in Input) (State, error) {
	st := State{
		LastProcessedIndex:     in.LastProcessedIndex,
		LastProcessedTimestamp: FormatTimestamp(in.BarTimestamp),
		Portfolio:              in.Portfolio.Serialize(),
		PeakValue:              in.PeakValue,
		MaxDrawdown:            in.MaxDrawdown,
		RNGState:               in.RNGState,
		PersistedCounts:        in.Counts,
		ThrottleState:          in.ThrottleState,
	}

	sum, err := checksum(st)
	if err != nil {
		return State{}, fmt.Errorf("failed to build checkpoint checksum: %w", err)
	}
	st.Checksum = sum
	return st, nil
}

// Validate checks a checkpoint against the run's full timestamp list.
// Any tampering with a checksummed field, an index outside the run, or
// a timestamp that no longer matches the data rejects the checkpoint.
func Validate(st State, timestamps []int64) Validation {
	if st.LastProcessedIndex < 0 || st.LastProcessedIndex >= len(timestamps) {
		return Validation{Reason: ReasonOutOfBounds}
	}
	if FormatTimestamp(timestamps[st.LastProcessedIndex]) != st.LastProcessedTimestamp {
		return Validation{Reason: ReasonTimestampMismatch}
	}

	sum, err := checksum(st)
	if err != nil || sum != st.Checksum {
		return Validation{Reason: ReasonChecksumFailed}
	}
	return Validation{Valid: true}
}

// FormatTimestamp renders a bar timestamp the way checkpoints store it.
func FormatTimestamp(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}

// checksum is the first 16 hex characters of SHA-256 over the canonical
// payload.
func checksum(st State) (string, error) {
	payload := checksumPayload{
		LastProcessedIndex:     st.LastProcessedIndex,
		LastProcessedTimestamp: st.LastProcessedTimestamp,
		CashBalance:            st.Portfolio.CashBalance,
		PositionCount:          len(st.Portfolio.Positions),
		PeakValue:              st.PeakValue,
		MaxDrawdown:            st.MaxDrawdown,
		RNGState:               st.RNGState,
	}

	if st.ThrottleState != nil {
		raw, err := json.Marshal(st.ThrottleState)
		if err != nil {
			return "", fmt.Errorf("failed to marshal throttle state: %w", err)
		}
		payload.ThrottleState = string(raw)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal checksum payload: %w", err)
	}

	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:16], nil
}
