package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"crypto-backtest-engine/internal/database"
)

// RunStatus is the hot status document served to pollers. It is refreshed
// on every heartbeat and status transition, so the API can answer progress
// queries without touching Postgres.
type RunStatus struct {
	RunID         string    `json:"run_id"`
	Status        string    `json:"status"`
	ProcessedBars int       `json:"processed_bars"`
	TotalBars     int       `json:"total_bars"`
	Progress      float64   `json:"progress"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RunStatusCache is a read-through cache over the run registry. Reads come
// from Redis when it is healthy and fall back to the database otherwise;
// writes are best-effort because the database row is the source of truth.
type RunStatusCache struct {
	cache  *CacheService
	repo   *database.Repository
	logger zerolog.Logger
}

// NewRunStatusCache creates a run status cache backed by the repository.
func NewRunStatusCache(cache *CacheService, repo *database.Repository, logger zerolog.Logger) *RunStatusCache {
	return &RunStatusCache{
		cache:  cache,
		repo:   repo,
		logger: logger.With().Str("component", "run_status_cache").Logger(),
	}
}

// SetStatus writes the status document for a run. Failures are logged and
// swallowed; a stale cache entry self-heals on the next heartbeat.
func (c *RunStatusCache) SetStatus(ctx context.Context, status *RunStatus) {
	if c.cache == nil {
		return
	}
	status.UpdatedAt = time.Now().UTC()
	if status.TotalBars > 0 {
		status.Progress = float64(status.ProcessedBars) / float64(status.TotalBars)
	}

	if err := c.cache.SetJSON(ctx, RunStatusKey(status.RunID), status, DefaultStatusTTL); err != nil {
		c.logger.Debug().Err(err).Str("run_id", status.RunID).Msg("failed to cache run status")
	}
}

// GetStatus returns the status document for a run, reading through to the
// database when the cache misses or Redis is down. Returns nil when the run
// does not exist.
func (c *RunStatusCache) GetStatus(ctx context.Context, runID string) (*RunStatus, error) {
	if c.cache != nil && c.cache.IsHealthy() {
		var status RunStatus
		err := c.cache.GetJSON(ctx, RunStatusKey(runID), &status)
		if err == nil {
			return &status, nil
		}
		if err != redis.Nil {
			c.logger.Debug().Err(err).Str("run_id", runID).Msg("cache read failed, falling back to database")
		}
	}

	run, err := c.repo.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, nil
	}

	status := statusFromRun(run)
	c.SetStatus(ctx, status)
	return status, nil
}

// Invalidate drops the cached status for a run.
func (c *RunStatusCache) Invalidate(ctx context.Context, runID string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Delete(ctx, RunStatusKey(runID)); err != nil {
		c.logger.Debug().Err(err).Str("run_id", runID).Msg("failed to invalidate run status")
	}
}

func statusFromRun(run *database.Run) *RunStatus {
	status := &RunStatus{
		RunID:         run.ID,
		Status:        run.Status,
		ProcessedBars: run.ProcessedBars,
		TotalBars:     run.TotalBars,
		UpdatedAt:     run.UpdatedAt,
	}
	if run.ErrorMessage != nil {
		status.ErrorMessage = *run.ErrorMessage
	}
	if run.TotalBars > 0 {
		status.Progress = float64(run.ProcessedBars) / float64(run.TotalBars)
	}
	return status
}
