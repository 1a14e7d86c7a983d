// Package runner schedules backtest runs over a bounded worker pool and
// drives each one from submission to a terminal status. The manager owns
// every database, cache and event-bus write a run makes while active, so
// the engine itself stays free of storage concerns.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"crypto-backtest-engine/internal/algorithm"
	"crypto-backtest-engine/internal/cache"
	"crypto-backtest-engine/internal/candles"
	"crypto-backtest-engine/internal/checkpoint"
	"crypto-backtest-engine/internal/database"
	"crypto-backtest-engine/internal/engine"
	"crypto-backtest-engine/internal/events"
)

// Control errors reported to API callers.
var (
	ErrInvalidRequest = errors.New("invalid run request")
	ErrRunNotFound    = errors.New("run not found")
	ErrRunNotActive   = errors.New("run is not active")
	ErrRunNotPaused   = errors.New("run is not paused")
	ErrAlreadyActive  = errors.New("run is already active")
	ErrShuttingDown   = errors.New("runner is shutting down")
)

// Store is the slice of the persistence layer the runner drives. It is
// satisfied by *database.Repository.
type Store interface {
	CreateRun(ctx context.Context, run *database.Run) error
	GetRun(ctx context.Context, runID string) (*database.Run, error)
	UpdateRunStatus(ctx context.Context, runID, status, errorMessage string) error
	UpdateRunProgress(ctx context.Context, runID string, processedBars, totalBars int) error
	SaveCheckpoint(ctx context.Context, runID string, state *checkpoint.State, results *engine.IncrementalResults) error
	GetLatestCheckpoint(ctx context.Context, runID string) (*database.CheckpointRecord, error)
	GetSnapshotValues(ctx context.Context, runID string) ([]float64, error)
	SaveResult(ctx context.Context, runID string, result *engine.Result) error
}

var _ Store = (*database.Repository)(nil)

// StatusCache mirrors live run status into the fast read path. Satisfied
// by *cache.RunStatusCache; a nil StatusCache disables mirroring.
type StatusCache interface {
	SetStatus(ctx context.Context, status *cache.RunStatus)
	Invalidate(ctx context.Context, runID string)
}

var _ StatusCache = (*cache.RunStatusCache)(nil)

/// Request describes one run submission: the engine configuration plus
// the dataset to replay. The whole request is persisted with the run, so
// Resume rebuilds it from the database even after a process restart.
type Request struct {
	Engine  engine.Config      `json:"engine"`
	Dataset candles.DatasetRef `json:"dataset"`
}

// Config bounds the runner.
type Config struct {
	MaxConcurrentRuns int `json:"max_concurrent_runs"`
}

// DefaultConfig returns the runner defaults.
func DefaultConfig() Config {
	return Config{MaxConcurrentRuns: 4}
}

func (c Config) maxConcurrent() int {
	if c.MaxConcurrentRuns > 0 {
		return c.MaxConcurrentRuns
	}
	return 4
}

// Manager owns the run lifecycle: pending, running, then completed,
// paused or failed. Paused runs keep their newest checkpoint in the
// database and can be resumed, including after a restart. Runs past
// the concurrency limit queue in submission order.
type Manager struct {
	config    Config
	store     Store
	status    StatusCache
	registry  *algorithm.Registry
	providers candles.Providers
	bus       *events.EventBus
	base      zerolog.Logger
	logger    zerolog.Logger

	rootCtx    context.Context
	rootCancel context.CancelFunc

	sem chan struct{}
	wg  sync.WaitGroup

	mu       sync.Mutex
	active   map[string]*runHandle
	shutdown bool
}

// runHandle is the in-memory control surface for one active run.
type runHandle struct {
	runID          string
	paced          bool
	cancel         context.CancelFunc
	started        atomic.Bool
	pauseRequested atomic.Bool
}

// NewManager wires a runner over its collaborators. status may be nil
// when Redis is disabled.
func NewManager(cfg Config, store Store, status StatusCache, registry *algorithm.Registry, providers candles.Providers, bus *events.EventBus, logger zerolog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:     cfg,
		store:      store,
		status:     status,
		registry:   registry,
		providers:  providers,
		bus:        bus,
		base:       logger,
		logger:     logger.With().Str("component", "runner").Logger(),
		rootCtx:    ctx,
		rootCancel: cancel,
		sem:        make(chan struct{}, cfg.maxConcurrent()),
		active:     make(map[string]*runHandle),
	}
}

// Submit validates, persists and schedules a new run, returning its ID.
// The run starts as soon as a worker slot frees up; callers observe it
// through the status endpoints and the event bus.
func (m *Manager) Submit(ctx context.Context, req Request) (string, error) {
	if req.Engine.Mode == "" {
		req.Engine.Mode = engine.ModeHistorical
	}
	if err := m.validate(req); err != nil {
		return "", err
	}

	m.mu.Lock()
	stopping := m.shutdown
	m.mu.Unlock()
	if stopping {
		return "", ErrShuttingDown
	}

	runID := req.Engine.BacktestID
	if runID == "" {
		runID = uuid.NewString()
		req.Engine.BacktestID = runID
	}
	if req.Engine.DatasetID == "" {
		req.Engine.DatasetID = req.Dataset.ID
	}

	cfg, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode run config: %w", err)
	}
	run := &database.Run{
		ID:          runID,
		DatasetID:   req.Dataset.ID,
		AlgorithmID: req.Engine.AlgorithmID,
		Mode:        req.Engine.Mode,
		Status:      database.RunStatusPending,
		Config:      cfg,
	}
	if err := m.store.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("failed to persist run: %w", err)
	}

	if err := m.launch(runID, req, nil); err != nil {
		// The row exists but nothing will execute it; cancel it rather
		// than leave it pending forever.
		if uerr := m.store.UpdateRunStatus(context.WithoutCancel(ctx), runID, database.RunStatusCancelled, err.Error()); uerr != nil {
			m.logger.Error().Err(uerr).Str("run_id", runID).Msg("failed to cancel unlaunched run")
		}
		return "", err
	}

	m.bus.PublishRunStatus(events.EventRunCreated, runID, database.RunStatusPending)
	m.logger.Info().
		Str("run_id", runID).
		Str("algorithm", req.Engine.AlgorithmID).
		Str("dataset", req.Dataset.ID).
		Str("mode", req.Engine.Mode).
		Msg("run submitted")
	return runID, nil
}

// Resume continues a paused run from its newest stored checkpoint. A
// paused run without a checkpoint restarts from the beginning; nothing
// is lost because no trades had been persisted for it either.
func (m *Manager) Resume(ctx context.Context, runID string) error {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to load run: %w", err)
	}
	if run == nil {
		return ErrRunNotFound
	}
	if run.Status != database.RunStatusPaused {
		return fmt.Errorf("%w: status is %s", ErrRunNotPaused, run.Status)
	}

	var req Request
	if err := json.Unmarshal(run.Config, &req); err != nil {
		return fmt.Errorf("stored run config is unreadable: %w", err)
	}

	var resume *engine.ResumeState
	rec, err := m.store.GetLatestCheckpoint(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if rec != nil {
		var st checkpoint.State
		if err := json.Unmarshal(rec.State, &st); err != nil {
			return fmt.Errorf("stored checkpoint is unreadable: %w", err)
		}
		values, err := m.store.GetSnapshotValues(ctx, runID)
		if err != nil {
			return fmt.Errorf("failed to load snapshot history: %w", err)
		}
		resume = &engine.ResumeState{Checkpoint: st, SnapshotValues: values}
	}

	if err := m.launch(runID, req, resume); err != nil {
		return err
	}
	m.logger.Info().Str("run_id", runID).Bool("from_checkpoint", resume != nil).Msg("run resume scheduled")
	return nil
}

// RequestPause asks an active run to stop at the next bar boundary. The
// run flushes a checkpoint and flips its status to paused before its
// goroutine exits; a queued run parks immediately without one. Use
// Resume to continue.
func (m *Manager) RequestPause(ctx context.Context, runID string) error {
	m.mu.Lock()
	h, ok := m.active[runID]
	m.mu.Unlock()
	if !ok {
		run, err := m.store.GetRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("failed to load run: %w", err)
		}
		if run == nil {
			return ErrRunNotFound
		}
		return fmt.Errorf("%w: status is %s", ErrRunNotActive, run.Status)
	}

	h.pauseRequested.Store(true)
	if !h.paced || !h.started.Load() {
		// Historical runs never poll the pause flag between bars, and a
		// queued run is parked in the slot wait; cancellation is their
		// cooperative stop signal. Paced runs pick the flag up at the
		// next bar and pause without touching their context.
		h.cancel()
	}
	m.logger.Info().Str("run_id", runID).Msg("pause requested")
	return nil
}

// ActiveRuns returns the IDs of queued and running runs, sorted.
func (m *Manager) ActiveRuns() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown stops accepting work, interrupts every active run, and waits
// for them to reach a durable state or the context to expire. Running
// runs pause behind a final checkpoint and resume after a restart;
// queued runs are cancelled.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	active := len(m.active)
	m.mu.Unlock()

	m.logger.Info().Int("active_runs", active).Msg("runner shutting down")
	m.rootCancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info().Msg("runner stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("runner shutdown incomplete: %w", ctx.Err())
	}
}

func (m *Manager) validate(req Request) error {
	if _, err := m.registry.Get(req.Engine.AlgorithmID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if _, ok := m.providers[req.Dataset.Kind]; !ok {
		return fmt.Errorf("%w: no candle provider registered for kind %q", ErrInvalidRequest, req.Dataset.Kind)
	}
	switch req.Engine.Mode {
	case engine.ModeHistorical, engine.ModeLiveReplay, engine.ModeOptimization:
	default:
		return fmt.Errorf("%w: unknown run mode %q", ErrInvalidRequest, req.Engine.Mode)
	}
	if req.Engine.InitialCapital <= 0 {
		return fmt.Errorf("%w: initial capital must be positive, got %v", ErrInvalidRequest, req.Engine.InitialCapital)
	}
	return nil
}

// launch registers the run as active and starts its goroutine. resume
// is non-nil when continuing from a checkpoint.
func (m *Manager) launch(runID string, req Request, resume *engine.ResumeState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return ErrShuttingDown
	}
	if _, ok := m.active[runID]; ok {
		return ErrAlreadyActive
	}

	ctx, cancel := context.WithCancel(m.rootCtx)
	h := &runHandle{
		runID:  runID,
		paced:  req.Engine.Mode == engine.ModeLiveReplay,
		cancel: cancel,
	}
	m.active[runID] = h

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		defer m.remove(runID)
		m.execute(ctx, h, req, resume)
	}()
	return nil
}

func (m *Manager) remove(runID string) {
	m.mu.Lock()
	delete(m.active, runID)
	m.mu.Unlock()
}
