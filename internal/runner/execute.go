package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"crypto-backtest-engine/internal/cache"
	"crypto-backtest-engine/internal/checkpoint"
	"crypto-backtest-engine/internal/database"
	"crypto-backtest-engine/internal/engine"
	"crypto-backtest-engine/internal/events"
)

// execute drives one run from slot acquisition to its terminal status.
func (m *Manager) execute(ctx context.Context, h *runHandle, req Request, resume *engine.ResumeState) {
	logger := m.logger.With().Str("run_id", h.runID).Logger()

	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		m.stopEarly(h, logger)
		return
	}
	defer func() { <-m.sem }()

	if ctx.Err() != nil || h.pauseRequested.Load() {
		m.stopEarly(h, logger)
		return
	}
	h.started.Store(true)

	started := time.Now()
	if err := m.store.UpdateRunStatus(ctx, h.runID, database.RunStatusRunning, ""); err != nil {
		m.failRun(ctx, h.runID, fmt.Sprintf("failed to mark run running: %v", err), logger)
		return
	}
	event := events.EventRunStarted
	if resume != nil {
		event = events.EventRunResumed
	}
	m.bus.PublishRunStatus(event, h.runID, database.RunStatusRunning)

	data, err := m.providers.GetCandles(ctx, req.Dataset)
	if err != nil {
		if ctx.Err() != nil {
			m.stopEarly(h, logger)
			return
		}
		m.failRun(ctx, h.runID, fmt.Sprintf("failed to load candles: %v", err), logger)
		return
	}

	eng := engine.New(req.Engine, m.registry, m.base)
	result, runErr := eng.Run(ctx, data, resume, m.callbacks(h, req))

	dctx := context.WithoutCancel(ctx)
	switch {
	case runErr != nil || result == nil:
		msg := ""
		if result != nil && result.ErrorMessage != "" {
			msg = result.ErrorMessage
		} else if runErr != nil {
			msg = runErr.Error()
		}
		m.failRun(dctx, h.runID, msg, logger)

	case result.Status == engine.StatusPaused:
		// A checkpointed pause already flipped the database status via
		// OnPaused; a run paused before its first trading bar has no
		// checkpoint and needs the write here.
		if result.PausedCheckpoint == nil {
			if err := m.store.UpdateRunStatus(dctx, h.runID, database.RunStatusPaused, ""); err != nil {
				logger.Error().Err(err).Msg("failed to mark run paused")
			}
		}
		m.invalidateStatus(dctx, h.runID)
		m.bus.PublishRunStatus(events.EventRunPaused, h.runID, database.RunStatusPaused)
		logger.Info().Int("processed_bars", result.ProcessedBars).Msg("run paused")

	case result.Status == engine.StatusFailed:
		m.failRun(dctx, h.runID, result.ErrorMessage, logger)

	default:
		m.completeRun(dctx, h.runID, result, started, logger)
	}
}

// callbacks wires the engine's control hooks to persistence, the status
// cache and the event bus for one run. Trade and signal streaming
// follows the engine's own telemetry gate so optimization sweeps stay
// quiet.
func (m *Manager) callbacks(h *runHandle, req Request) engine.Callbacks {
	runID := h.runID
	logger := m.logger.With().Str("run_id", runID).Logger()
	streaming := req.Engine.TelemetryEnabled && req.Engine.Mode != engine.ModeOptimization

	cb := engine.Callbacks{
		OnCheckpoint: func(ctx context.Context, state checkpoint.State, results engine.IncrementalResults, totalTimestamps int) error {
			if err := m.store.SaveCheckpoint(ctx, runID, &state, &results); err != nil {
				return err
			}
			m.bus.PublishRunCheckpointed(runID, state.LastProcessedIndex, state.Checksum)
			if streaming {
				for _, sig := range results.Signals {
					m.bus.PublishSignal(runID, req.Engine.AlgorithmID, sig.CoinID, string(sig.Action), sig.Reason)
				}
			}
			return nil
		},
		OnPaused: func(ctx context.Context, state checkpoint.State) error {
			// The durable status flip. It has to land before the engine
			// returns: a crash right after leaves the run paused and
			// resumable instead of stuck running.
			return m.store.UpdateRunStatus(ctx, runID, database.RunStatusPaused, "")
		},
		OnHeartbeat: func(ctx context.Context, processed, totalTradingBars int) {
			if err := m.store.UpdateRunProgress(ctx, runID, processed, totalTradingBars); err != nil {
				logger.Debug().Err(err).Msg("failed to persist progress")
			}
			if m.status != nil {
				m.status.SetStatus(ctx, &cache.RunStatus{
					RunID:         runID,
					Status:        database.RunStatusRunning,
					ProcessedBars: processed,
					TotalBars:     totalTradingBars,
				})
			}
			m.bus.PublishRunProgress(runID, processed, totalTradingBars)
		},
		ShouldPause: func(context.Context) (bool, error) {
			return h.pauseRequested.Load(), nil
		},
	}
	if streaming {
		cb.Telemetry = func(eventType string, data map[string]interface{}) {
			if eventType != "trade_executed" {
				return
			}
			coinID, _ := data["coinId"].(string)
			side, _ := data["type"].(string)
			quantity, _ := data["quantity"].(float64)
			price, _ := data["price"].(float64)
			value, _ := data["value"].(float64)
			m.bus.PublishTradeExecuted(runID, coinID, side, quantity, price, value)
		}
	}
	return cb
}

// stopEarly settles a run interrupted before the engine produced a
// result: a pause request parks it as paused and resumable, a shutdown
// cancels it. Writes run detached because the run context is already
// cancelled on every path that lands here.
func (m *Manager) stopEarly(h *runHandle, logger zerolog.Logger) {
	ctx := context.WithoutCancel(m.rootCtx)
	if h.pauseRequested.Load() {
		if err := m.store.UpdateRunStatus(ctx, h.runID, database.RunStatusPaused, ""); err != nil {
			logger.Error().Err(err).Msg("failed to mark run paused")
		}
		m.invalidateStatus(ctx, h.runID)
		m.bus.PublishRunStatus(events.EventRunPaused, h.runID, database.RunStatusPaused)
		logger.Info().Msg("run paused before processing began")
		return
	}
	if err := m.store.UpdateRunStatus(ctx, h.runID, database.RunStatusCancelled, "runner stopped before the run started"); err != nil {
		logger.Error().Err(err).Msg("failed to mark run cancelled")
	}
	m.invalidateStatus(ctx, h.runID)
	m.bus.PublishRunStatus(events.EventRunCancelled, h.runID, database.RunStatusCancelled)
	logger.Info().Msg("run cancelled before processing began")
}

// completeRun persists the final result and flips the run to completed.
func (m *Manager) completeRun(ctx context.Context, runID string, result *engine.Result, started time.Time, logger zerolog.Logger) {
	if err := m.store.SaveResult(ctx, runID, result); err != nil {
		m.failRun(ctx, runID, fmt.Sprintf("failed to persist result: %v", err), logger)
		return
	}
	if err := m.store.UpdateRunStatus(ctx, runID, database.RunStatusCompleted, ""); err != nil {
		logger.Error().Err(err).Msg("failed to mark run completed")
	}
	if err := m.store.UpdateRunProgress(ctx, runID, result.TotalBars, result.TotalBars); err != nil {
		logger.Debug().Err(err).Msg("failed to persist final progress")
	}
	m.invalidateStatus(ctx, runID)
	m.bus.PublishRunStatus(events.EventRunCompleted, runID, database.RunStatusCompleted)
	logger.Info().
		Int("trades", result.Metrics.TotalTrades).
		Float64("total_return", result.Metrics.TotalReturn).
		Dur("elapsed", time.Since(started)).
		Msg("run completed")
}

// failRun records a terminal failure. Callers pass a detached context
// when cancellation may have caused the failure, so the record always
// lands.
func (m *Manager) failRun(ctx context.Context, runID, msg string, logger zerolog.Logger) {
	if msg == "" {
		msg = "backtest run failed"
	}
	if err := m.store.UpdateRunStatus(ctx, runID, database.RunStatusFailed, msg); err != nil {
		logger.Error().Err(err).Msg("failed to record run failure")
	}
	m.invalidateStatus(ctx, runID)
	m.bus.PublishRunStatus(events.EventRunFailed, runID, database.RunStatusFailed)
	m.bus.PublishError("runner", runID, msg, nil)
	logger.Error().Str("error", msg).Msg("run failed")
}

func (m *Manager) invalidateStatus(ctx context.Context, runID string) {
	if m.status != nil {
		m.status.Invalidate(ctx, runID)
	}
}
