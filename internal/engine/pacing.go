package engine

import (
	"context"
	"math"
	"time"
)

// MaxSpeed disables pacing entirely. Any replay speed ≤ 0 is treated as
// max speed.
const MaxSpeed float64 = 0

const defaultBaseIntervalMs = 1000

// Pacer converts a replay speed multiplier into per-bar delays for
// live-replay runs. It is stateless beyond the base interval.
type Pacer struct {
	BaseIntervalMs int64
}

// Delay returns the per-bar delay for the given speed: zero at max
// speed, otherwise round(baseIntervalMs / speed).
func (p Pacer) Delay(speed float64) time.Duration {
	if speed <= MaxSpeed {
		return 0
	}
	base := p.BaseIntervalMs
	if base <= 0 {
		base = defaultBaseIntervalMs
	}
	ms := math.Round(float64(base) / speed)
	return time.Duration(ms) * time.Millisecond
}

// Sleep blocks for the pacing delay or until the context is cancelled.
func (p Pacer) Sleep(ctx context.Context, speed float64) error {
	d := p.Delay(speed)
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
