package runner

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"crypto-backtest-engine/internal/algorithm"
	"crypto-backtest-engine/internal/candles"
	"crypto-backtest-engine/internal/checkpoint"
	"crypto-backtest-engine/internal/database"
	"crypto-backtest-engine/internal/engine"
	"crypto-backtest-engine/internal/events"
	"crypto-backtest-engine/internal/executor"
	"crypto-backtest-engine/internal/fees"
	"crypto-backtest-engine/internal/slippage"
	"crypto-backtest-engine/internal/throttle"
)

const hourMs int64 = 3_600_000

const baseTs int64 = 1_700_000_000_000

func barTs(i int) int64 { return baseTs + int64(i)*hourMs }

func flatSeries(coinID string, bars int, price float64) []candles.Candle {
	out := make([]candles.Candle, bars)
	for i := range out {
		out[i] = candles.Candle{
			CoinID:    coinID,
			Timestamp: barTs(i),
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
			Volume:    1_000_000,
		}
	}
	return out
}

// memStore is an in-memory Store capturing everything the manager
// persists, standing in for the PostgreSQL repository.
type memStore struct {
	mu            sync.Mutex
	runs          map[string]*database.Run
	checkpoints   map[string][]*database.CheckpointRecord
	trades        map[string][]executor.Trade
	values        map[string][]float64
	results       map[string]*engine.Result
	checkpointErr error
}

func newMemStore() *memStore {
	return &memStore{
		runs:        make(map[string]*database.Run),
		checkpoints: make(map[string][]*database.CheckpointRecord),
		trades:      make(map[string][]executor.Trade),
		values:      make(map[string][]float64),
		results:     make(map[string]*engine.Result),
	}
}

func (s *memStore) CreateRun(_ context.Context, run *database.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return errors.New("duplicate run id")
	}
	cp := *run
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	s.runs[run.ID] = &cp
	return nil
}

func (s *memStore) GetRun(_ context.Context, runID string) (*database.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, nil
	}
	cp := *run
	return &cp, nil
}

func (s *memStore) UpdateRunStatus(_ context.Context, runID, status, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return errors.New("run not found")
	}
	run.Status = status
	run.ErrorMessage = nil
	if errorMessage != "" {
		msg := errorMessage
		run.ErrorMessage = &msg
	}
	run.UpdatedAt = time.Now()
	return nil
}

func (s *memStore) UpdateRunProgress(_ context.Context, runID string, processed, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return errors.New("run not found")
	}
	run.ProcessedBars = processed
	run.TotalBars = total
	return nil
}

func (s *memStore) SaveCheckpoint(_ context.Context, runID string, state *checkpoint.State, results *engine.IncrementalResults) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkpointErr != nil {
		return s.checkpointErr
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	s.checkpoints[runID] = append(s.checkpoints[runID], &database.CheckpointRecord{
		RunID:              runID,
		LastProcessedIndex: state.LastProcessedIndex,
		Checksum:           state.Checksum,
		State:              raw,
	})
	for _, tr := range results.Trades {
		s.trades[runID] = append(s.trades[runID], *tr)
	}
	for _, snap := range results.Snapshots {
		s.values[runID] = append(s.values[runID], snap.PortfolioValue)
	}
	return nil
}

func (s *memStore) GetLatestCheckpoint(_ context.Context, runID string) (*database.CheckpointRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.checkpoints[runID]
	if len(recs) == 0 {
		return nil, nil
	}
	latest := recs[0]
	for _, rec := range recs[1:] {
		if rec.LastProcessedIndex > latest.LastProcessedIndex {
			latest = rec
		}
	}
	return latest, nil
}

func (s *memStore) GetSnapshotValues(_ context.Context, runID string) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.values[runID]...), nil
}

func (s *memStore) SaveResult(_ context.Context, runID string, result *engine.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *result
	s.results[runID] = &cp
	return nil
}

func (s *memStore) runStatus(runID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return ""
	}
	return run.Status
}

func (s *memStore) runCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

func (s *memStore) tradeCount(runID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.trades[runID])
}

func (s *memStore) checkpointCount(runID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.checkpoints[runID])
}

func (s *memStore) result(runID string) *engine.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results[runID]
}

// memProvider serves a fixed candle series for any reference.
type memProvider struct {
	data []candles.Candle
	err  error
}

func (p *memProvider) GetCandles(context.Context, candles.DatasetRef) ([]candles.Candle, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.data, nil
}

// scriptAlgo plays back per-timestamp signals. Blocked timestamps hold
// the bar until the run context is cancelled, so tests stop runs at
// exact bars; entered closes when the first blocked bar is reached.
type scriptAlgo struct {
	signals map[int64][]algorithm.RawSignal
	blockTs map[int64]bool
	entered chan struct{}
	once    sync.Once
}

func (a *scriptAlgo) ID() string                        { return "script" }
func (a *scriptAlgo) CanExecute(algorithm.Context) bool { return true }
func (a *scriptAlgo) ConfigSchema() algorithm.Schema    { return algorithm.Schema{} }

func (a *scriptAlgo) Execute(ctx context.Context, bar algorithm.Context) (algorithm.Result, error) {
	if a.blockTs[bar.Timestamp] {
		a.once.Do(func() {
			if a.entered != nil {
				close(a.entered)
			}
		})
		<-ctx.Done()
		return algorithm.Result{}, ctx.Err()
	}
	return algorithm.Result{Success: true, Signals: a.signals[bar.Timestamp]}, nil
}

func testRequest() Request {
	cfg := engine.DefaultConfig()
	cfg.AlgorithmID = "script"
	cfg.Seed = "runner-test"
	cfg.Slippage = slippage.Config{Type: slippage.ModelNone}
	cfg.Fees = fees.Schedule{}
	cfg.Throttle = throttle.Config{}
	cfg.Regime.Enabled = false
	cfg.HardStop.Enabled = false
	return Request{
		Engine:  cfg,
		Dataset: candles.DatasetRef{Kind: "memory", ID: "ds-mem"},
	}
}

func newTestManager(t *testing.T, cfg Config, store *memStore, algo algorithm.Algorithm, data []candles.Candle) (*Manager, *events.EventBus) {
	t.Helper()
	reg := algorithm.NewRegistry()
	if err := reg.Register(algo); err != nil {
		t.Fatalf("Failed to register algorithm: %v", err)
	}
	bus := events.NewEventBus()
	providers := candles.Providers{"memory": &memProvider{data: data}}
	return NewManager(cfg, store, nil, reg, providers, bus, zerolog.Nop()), bus
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestSubmitRunsToCompletion(t *testing.T) {
	algo := &scriptAlgo{signals: map[int64][]algorithm.RawSignal{
		barTs(0):  {{Type: algorithm.SignalBuy, CoinID: "btc", Quantity: 10, Reason: "entry"}},
		barTs(40): {{Type: algorithm.SignalStopLoss, CoinID: "btc", Quantity: 10, Reason: "exit"}},
	}}
	store := newMemStore()
	m, _ := newTestManager(t, DefaultConfig(), store, algo, flatSeries("btc", 50, 100))
	defer m.Shutdown(context.Background())

	runID, err := m.Submit(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if runID == "" {
		t.Fatal("Expected a run ID")
	}

	waitFor(t, "run completion", func() bool {
		return store.runStatus(runID) == database.RunStatusCompleted
	})

	res := store.result(runID)
	if res == nil {
		t.Fatal("Expected a stored result")
	}
	if res.Status != engine.StatusCompleted {
		t.Errorf("Expected completed result, got %s", res.Status)
	}
	if res.Metrics.TotalTrades != 2 {
		t.Errorf("Expected 2 trades, got %d", res.Metrics.TotalTrades)
	}
	if got := store.tradeCount(runID); got != 2 {
		t.Errorf("Expected 2 persisted trades, got %d", got)
	}
	if store.checkpointCount(runID) == 0 {
		t.Error("Expected at least the final checkpoint persisted")
	}

	run, _ := store.GetRun(context.Background(), runID)
	if run.TotalBars == 0 || run.ProcessedBars != run.TotalBars {
		t.Errorf("Expected full final progress, got %d/%d", run.ProcessedBars, run.TotalBars)
	}
}

func TestSubmitPublishesLifecycleEvents(t *testing.T) {
	store := newMemStore()
	m, bus := newTestManager(t, DefaultConfig(), store, &scriptAlgo{}, flatSeries("btc", 10, 100))
	defer m.Shutdown(context.Background())

	var mu sync.Mutex
	seen := make(map[events.EventType]string)
	bus.SubscribeAll(func(evt events.Event) {
		mu.Lock()
		defer mu.Unlock()
		if id, _ := evt.Data["run_id"].(string); id != "" {
			seen[evt.Type] = id
		}
	})

	runID, err := m.Submit(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	waitFor(t, "lifecycle events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[events.EventRunCreated] == runID &&
			seen[events.EventRunStarted] == runID &&
			seen[events.EventRunCheckpointed] == runID &&
			seen[events.EventRunCompleted] == runID
	})
}

func TestPauseAndResumeHistoricalRun(t *testing.T) {
	const bars = 30
	entered := make(chan struct{})
	algo := &scriptAlgo{
		signals: map[int64][]algorithm.RawSignal{
			barTs(2): {{Type: algorithm.SignalBuy, CoinID: "btc", Quantity: 5, Reason: "entry"}},
		},
		blockTs: map[int64]bool{barTs(12): true},
		entered: entered,
	}
	store := newMemStore()
	m, _ := newTestManager(t, DefaultConfig(), store, algo, flatSeries("btc", bars, 100))
	defer m.Shutdown(context.Background())

	runID, err := m.Submit(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	<-entered
	if err := m.RequestPause(context.Background(), runID); err != nil {
		t.Fatalf("RequestPause failed: %v", err)
	}
	waitFor(t, "paused status", func() bool {
		return store.runStatus(runID) == database.RunStatusPaused
	})

	rec, _ := store.GetLatestCheckpoint(context.Background(), runID)
	if rec == nil {
		t.Fatal("Expected a checkpoint for the paused run")
	}
	// The blocked bar was interrupted mid-flight, so the checkpoint
	// lands on the bar before it and the blocked bar re-runs on resume.
	if rec.LastProcessedIndex != 11 {
		t.Errorf("Expected checkpoint at bar 11, got %d", rec.LastProcessedIndex)
	}
	if got := store.tradeCount(runID); got != 1 {
		t.Errorf("Expected the entry trade persisted before pausing, got %d", got)
	}

	waitFor(t, "run deactivation", func() bool { return len(m.ActiveRuns()) == 0 })

	algo.blockTs = nil
	if err := m.Resume(context.Background(), runID); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	waitFor(t, "run completion", func() bool {
		return store.runStatus(runID) == database.RunStatusCompleted
	})

	res := store.result(runID)
	if res == nil {
		t.Fatal("Expected a stored result")
	}
	if res.Metrics.TotalTrades != 1 {
		t.Errorf("Expected 1 trade across both halves, got %d", res.Metrics.TotalTrades)
	}
	if got := store.tradeCount(runID); got != 1 {
		t.Errorf("Expected no duplicate persisted trades, got %d", got)
	}
	if res.TotalBars != bars {
		t.Errorf("Expected %d total bars, got %d", bars, res.TotalBars)
	}
}

func TestPauseLiveReplayRunViaPauseCheck(t *testing.T) {
	const bars = 2000
	store := newMemStore()
	m, _ := newTestManager(t, DefaultConfig(), store, &scriptAlgo{}, flatSeries("btc", bars, 100))
	defer m.Shutdown(context.Background())

	req := testRequest()
	req.Engine.Mode = engine.ModeLiveReplay
	req.Engine.ReplaySpeed = 1
	req.Engine.BaseIntervalMs = 2
	runID, err := m.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	waitFor(t, "running status", func() bool {
		return store.runStatus(runID) == database.RunStatusRunning
	})
	if err := m.RequestPause(context.Background(), runID); err != nil {
		t.Fatalf("RequestPause failed: %v", err)
	}
	waitFor(t, "paused status", func() bool {
		return store.runStatus(runID) == database.RunStatusPaused
	})

	rec, _ := store.GetLatestCheckpoint(context.Background(), runID)
	if rec == nil {
		t.Fatal("Expected a pause checkpoint")
	}
	if rec.LastProcessedIndex >= bars-1 {
		t.Errorf("Expected a mid-run pause, got checkpoint at %d", rec.LastProcessedIndex)
	}
}

func TestPauseQueuedRunParksItWithoutStarting(t *testing.T) {
	entered := make(chan struct{})
	algo := &scriptAlgo{blockTs: map[int64]bool{barTs(0): true}, entered: entered}
	store := newMemStore()
	m, _ := newTestManager(t, Config{MaxConcurrentRuns: 1}, store, algo, flatSeries("btc", 10, 100))
	defer m.Shutdown(context.Background())

	first, err := m.Submit(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-entered // the first run holds the only worker slot

	second, err := m.Submit(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if got := store.runStatus(second); got != database.RunStatusPending {
		t.Fatalf("Expected the second run to queue as pending, got %s", got)
	}

	if err := m.RequestPause(context.Background(), second); err != nil {
		t.Fatalf("RequestPause failed: %v", err)
	}
	waitFor(t, "queued run paused", func() bool {
		return store.runStatus(second) == database.RunStatusPaused
	})
	if rec, _ := store.GetLatestCheckpoint(context.Background(), second); rec != nil {
		t.Error("Expected no checkpoint for a run that never started")
	}

	if err := m.RequestPause(context.Background(), first); err != nil {
		t.Fatalf("RequestPause failed: %v", err)
	}
	waitFor(t, "first run paused", func() bool {
		return store.runStatus(first) == database.RunStatusPaused
	})
	waitFor(t, "deactivation", func() bool { return len(m.ActiveRuns()) == 0 })

	// Resuming the never-started run restarts it from the beginning.
	algo.blockTs = nil
	if err := m.Resume(context.Background(), second); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	waitFor(t, "second run completion", func() bool {
		return store.runStatus(second) == database.RunStatusCompleted
	})
	if store.result(second) == nil {
		t.Error("Expected a stored result for the resumed run")
	}
}

func TestShutdownPausesRunningAndCancelsQueued(t *testing.T) {
	entered := make(chan struct{})
	algo := &scriptAlgo{
		signals: map[int64][]algorithm.RawSignal{
			barTs(1): {{Type: algorithm.SignalBuy, CoinID: "btc", Quantity: 5, Reason: "entry"}},
		},
		blockTs: map[int64]bool{barTs(5): true},
		entered: entered,
	}
	store := newMemStore()
	m, _ := newTestManager(t, Config{MaxConcurrentRuns: 1}, store, algo, flatSeries("btc", 20, 100))

	running, err := m.Submit(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-entered
	queued, err := m.Submit(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if got := store.runStatus(running); got != database.RunStatusPaused {
		t.Errorf("Expected the running run paused, got %s", got)
	}
	rec, _ := store.GetLatestCheckpoint(context.Background(), running)
	if rec == nil {
		t.Fatal("Expected a shutdown checkpoint for the running run")
	}
	if rec.LastProcessedIndex != 4 {
		t.Errorf("Expected checkpoint at bar 4, got %d", rec.LastProcessedIndex)
	}
	if got := store.tradeCount(running); got != 1 {
		t.Errorf("Expected the entry trade persisted, got %d", got)
	}

	if got := store.runStatus(queued); got != database.RunStatusCancelled {
		t.Errorf("Expected the queued run cancelled, got %s", got)
	}

	if _, err := m.Submit(context.Background(), testRequest()); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Expected ErrShuttingDown, got %v", err)
	}
}

func TestSubmitRejectsBadRequests(t *testing.T) {
	store := newMemStore()
	m, _ := newTestManager(t, DefaultConfig(), store, &scriptAlgo{}, flatSeries("btc", 5, 100))
	defer m.Shutdown(context.Background())

	req := testRequest()
	req.Engine.AlgorithmID = "nope"
	if _, err := m.Submit(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest for an unknown algorithm, got %v", err)
	}

	req = testRequest()
	req.Dataset.Kind = "ftp"
	if _, err := m.Submit(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest for an unknown dataset kind, got %v", err)
	}

	req = testRequest()
	req.Engine.Mode = "turbo"
	if _, err := m.Submit(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest for an unknown mode, got %v", err)
	}

	req = testRequest()
	req.Engine.InitialCapital = 0
	if _, err := m.Submit(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest for zero capital, got %v", err)
	}

	if got := store.runCount(); got != 0 {
		t.Errorf("Expected no persisted runs, got %d", got)
	}
}

func TestControlOperationsOnMissingOrSettledRuns(t *testing.T) {
	store := newMemStore()
	m, _ := newTestManager(t, DefaultConfig(), store, &scriptAlgo{}, flatSeries("btc", 5, 100))
	defer m.Shutdown(context.Background())

	if err := m.Resume(context.Background(), "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Expected ErrRunNotFound, got %v", err)
	}
	if err := m.RequestPause(context.Background(), "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Expected ErrRunNotFound, got %v", err)
	}

	runID, err := m.Submit(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitFor(t, "completion", func() bool {
		return store.runStatus(runID) == database.RunStatusCompleted
	})
	waitFor(t, "deactivation", func() bool { return len(m.ActiveRuns()) == 0 })

	if err := m.Resume(context.Background(), runID); !errors.Is(err, ErrRunNotPaused) {
		t.Errorf("Expected ErrRunNotPaused for a completed run, got %v", err)
	}
	if err := m.RequestPause(context.Background(), runID); !errors.Is(err, ErrRunNotActive) {
		t.Errorf("Expected ErrRunNotActive for a completed run, got %v", err)
	}
}

func TestRunStreamsTradeAndSignalEvents(t *testing.T) {
	algo := &scriptAlgo{signals: map[int64][]algorithm.RawSignal{
		barTs(0): {{Type: algorithm.SignalBuy, CoinID: "btc", Quantity: 10, Reason: "momentum entry"}},
	}}
	store := newMemStore()
	m, bus := newTestManager(t, DefaultConfig(), store, algo, flatSeries("btc", 10, 100))
	defer m.Shutdown(context.Background())

	var mu sync.Mutex
	var trades, signals []events.Event
	bus.Subscribe(events.EventTradeExecuted, func(evt events.Event) {
		mu.Lock()
		trades = append(trades, evt)
		mu.Unlock()
	})
	bus.Subscribe(events.EventSignalGenerated, func(evt events.Event) {
		mu.Lock()
		signals = append(signals, evt)
		mu.Unlock()
	})

	req := testRequest()
	req.Engine.TelemetryEnabled = true
	runID, err := m.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	waitFor(t, "completion", func() bool {
		return store.runStatus(runID) == database.RunStatusCompleted
	})
	waitFor(t, "streamed events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(trades) == 1 && len(signals) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	tr := trades[0]
	if tr.Data["run_id"] != runID {
		t.Errorf("Expected run_id %s, got %v", runID, tr.Data["run_id"])
	}
	if tr.Data["coin_id"] != "btc" || tr.Data["side"] != string(algorithm.ActionBuy) {
		t.Errorf("Unexpected trade event payload: %+v", tr.Data)
	}
	sig := signals[0]
	if sig.Data["signal_type"] != string(algorithm.ActionBuy) || sig.Data["algorithm"] != "script" {
		t.Errorf("Unexpected signal event payload: %+v", sig.Data)
	}
}

func TestCheckpointWriteFailureFailsRun(t *testing.T) {
	store := newMemStore()
	store.checkpointErr = errors.New("disk full")
	m, _ := newTestManager(t, DefaultConfig(), store, &scriptAlgo{}, flatSeries("btc", 10, 100))
	defer m.Shutdown(context.Background())

	runID, err := m.Submit(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	waitFor(t, "failed status", func() bool {
		return store.runStatus(runID) == database.RunStatusFailed
	})
	run, _ := store.GetRun(context.Background(), runID)
	if run.ErrorMessage == nil || !strings.Contains(*run.ErrorMessage, "disk full") {
		t.Errorf("Expected the checkpoint error recorded, got %v", run.ErrorMessage)
	}
}
