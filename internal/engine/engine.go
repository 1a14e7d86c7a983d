// Package engine runs deterministic backtests: it walks a candle series
// bar by bar, feeds sliding price windows to a registered algorithm,
// pushes the resulting signals through the throttle, regime gate and
// trade executor, and emits snapshots, checkpoints and final metrics.
//
// A run is single-threaded and cooperative. The only suspension points
// are the algorithm call, the pacing sleep, the pause check and the
// persistence callbacks; portfolio mutations happen entirely between
// them, so intra-bar state is consistent without locks. Runs never share
// state: parallelism lives in the job layer above, which gives each run
// its own portfolio, RNG, windows, throttle and accumulator.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"crypto-backtest-engine/internal/algorithm"
	"crypto-backtest-engine/internal/candles"
	"crypto-backtest-engine/internal/checkpoint"
	"crypto-backtest-engine/internal/executor"
	"crypto-backtest-engine/internal/fees"
	"crypto-backtest-engine/internal/metrics"
	"crypto-backtest-engine/internal/portfolio"
	"crypto-backtest-engine/internal/regime"
	"crypto-backtest-engine/internal/risk"
	"crypto-backtest-engine/internal/rng"
	"crypto-backtest-engine/internal/slippage"
	"crypto-backtest-engine/internal/throttle"
)

// Execution modes.
const (
	ModeHistorical   = "historical"
	ModeLiveReplay   = "live_replay"
	ModeOptimization = "optimization"
)

const (
	maxConsecutiveErrors     = 10
	maxPauseFailures         = 3
	snapshotEveryBars        = 24
	optimizationSnapshotBars = 96
	heartbeatEvery           = 30 * time.Second
	defaultAlgorithmTimeout  = 60 * time.Second

	defaultCheckpointIntervalHistorical = 500
	defaultCheckpointIntervalLive       = 100

	msPerDay = 86_400_000.0
)

// Config is the full configuration snapshot for one run. It is fixed at
// start; nothing reads it from shared state afterwards.
type Config struct {
	BacktestID      string                 `json:"backtest_id"`
	DatasetID       string                 `json:"dataset_id"`
	AlgorithmID     string                 `json:"algorithm_id"`
	AlgorithmConfig map[string]interface{} `json:"algorithm_config,omitempty"`
	Mode            string                 `json:"mode"`
	InitialCapital  float64                `json:"initial_capital"`

	// StartDate is epoch milliseconds; bars before it are warmup and
	// only prime algorithm state. Zero means every bar trades.
	StartDate int64 `json:"start_date,omitempty"`

	Seed               string  `json:"seed"`
	CheckpointInterval int     `json:"checkpoint_interval,omitempty"`
	ReplaySpeed        float64 `json:"replay_speed,omitempty"`
	BaseIntervalMs     int64   `json:"base_interval_ms,omitempty"`
	AlgorithmTimeoutMs int64   `json:"algorithm_timeout_ms,omitempty"`
	TelemetryEnabled   bool    `json:"telemetry_enabled"`

	Executor    executor.Config        `json:"executor"`
	Slippage    slippage.Config        `json:"slippage"`
	Fees        fees.Schedule          `json:"fees"`
	Throttle    throttle.Config        `json:"throttle"`
	Regime      regime.Config          `json:"regime"`
	HardStop    risk.StopConfig        `json:"hard_stop"`
	Opportunity risk.OpportunityConfig `json:"opportunity"`
}

// DefaultConfig returns a historical-mode configuration with every
// component at its standard settings.
func DefaultConfig() Config {
	return Config{
		Mode:           ModeHistorical,
		InitialCapital: 10000,
		BaseIntervalMs: defaultBaseIntervalMs,
		Executor:       executor.DefaultConfig(),
		Slippage:       slippage.DefaultConfig(),
		Fees:           fees.DefaultSchedule(),
		Throttle:       throttle.DefaultConfig(),
		Regime:         regime.DefaultConfig(),
		HardStop:       risk.DefaultStopConfig(),
		Opportunity:    risk.DefaultOpportunityConfig(),
	}
}

func (c Config) checkpointInterval() int {
	if c.CheckpointInterval > 0 {
		return c.CheckpointInterval
	}
	if c.Mode == ModeLiveReplay {
		return defaultCheckpointIntervalLive
	}
	return defaultCheckpointIntervalHistorical
}

func (c Config) algorithmTimeout() time.Duration {
	if c.AlgorithmTimeoutMs > 0 {
		return time.Duration(c.AlgorithmTimeoutMs) * time.Millisecond
	}
	return defaultAlgorithmTimeout
}

// TelemetryFunc receives fire-and-forget run events. It must not block.
type TelemetryFunc func(eventType string, data map[string]interface{})

// Callbacks are the run's I/O boundary. OnCheckpoint must durably
// persist the state and the incremental results before returning; the
// engine clears the incremental arrays in place right after it does.
type Callbacks struct {
	OnCheckpoint func(ctx context.Context, state checkpoint.State, results IncrementalResults, totalTimestamps int) error
	OnPaused     func(ctx context.Context, state checkpoint.State) error
	OnHeartbeat  func(ctx context.Context, processed, totalTradingBars int)
	ShouldPause  func(ctx context.Context) (bool, error)
	Telemetry    TelemetryFunc
}

// ResumeState carries a validated-on-entry checkpoint plus the snapshot
// values persisted before it, which the Sharpe calculation needs over
// the whole run.
type ResumeState struct {
	Checkpoint     checkpoint.State
	SnapshotValues []float64
}

// Engine executes backtest runs for one configuration.
type Engine struct {
	config   Config
	registry *algorithm.Registry
	logger   zerolog.Logger
}

// New creates an engine. The registry resolves Config.AlgorithmID at
// run start; an unknown ID fails the run before any bar is processed.
func New(config Config, registry *algorithm.Registry, logger zerolog.Logger) *Engine {
	return &Engine{
		config:   config,
		registry: registry,
		logger: logger.With().
			Str("component", "engine").
			Str("backtest_id", config.BacktestID).
			Logger(),
	}
}

// Run executes the backtest over the given candles. A nil resume starts
// fresh; otherwise the run continues from the checkpoint after
// validating it against the dataset. Mid-run aborts return the failed
// Result together with the error that caused it.
func (e *Engine) Run(ctx context.Context, data []candles.Candle, resume *ResumeState, cb Callbacks) (*Result, error) {
	algo, err := e.registry.Get(e.config.AlgorithmID)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("backtest %s has no candles to process", e.config.BacktestID)
	}

	timestamps, byTs := candles.GroupByTimestamp(data)

	r := &run{
		cfg:                e.config,
		cb:                 cb,
		logger:             e.logger,
		algo:               algo,
		timestamps:         timestamps,
		byTs:               byTs,
		tracker:            newWindowTracker(candles.GroupByCoin(data)),
		universe:           candles.Universe(data),
		pacer:              Pacer{BaseIntervalMs: e.config.BaseIntervalMs},
		checkpointInterval: e.config.checkpointInterval(),
		algoTimeout:        e.config.algorithmTimeout(),
		filter:             throttle.New(e.config.Throttle),
		gate:               regime.NewGate(e.config.Regime),
		stops:              risk.NewStopGenerator(e.config.HardStop),
		seller:             risk.NewSeller(e.config.Opportunity),
	}
	r.gate.Prime(candles.CoinIDs(data))

	if e.config.StartDate > 0 {
		r.tradingStartIndex = sort.Search(len(timestamps), func(i int) bool {
			return timestamps[i] >= e.config.StartDate
		})
		if r.tradingStartIndex == len(timestamps) {
			return nil, fmt.Errorf("start date %s is beyond the dataset", checkpoint.FormatTimestamp(e.config.StartDate))
		}
	}

	if resume != nil {
		if err := r.restore(resume.Checkpoint, resume.SnapshotValues); err != nil {
			return nil, err
		}
	} else {
		r.pf = portfolio.New(e.config.InitialCapital)
		r.gen = rng.NewFromSeed(e.config.Seed)
		r.acc = metrics.NewAccumulator(e.config.InitialCapital)
		r.lastCheckpointIndex = r.tradingStartIndex - 1
	}
	r.exec = executor.New(e.config.Executor, e.config.Slippage, e.config.Fees, r.gen)

	return r.loop(ctx)
}

// run is the per-invocation state of one backtest. Nothing here is
// shared across runs.
type run struct {
	cfg    Config
	cb     Callbacks
	logger zerolog.Logger

	algo       algorithm.Algorithm
	timestamps []int64
	byTs       map[int64]map[string]candles.Candle
	tracker    *windowTracker
	universe   []candles.Coin
	pacer      Pacer

	pf     *portfolio.Portfolio
	gen    *rng.Generator
	filter *throttle.Filter
	gate   *regime.Gate
	stops  *risk.StopGenerator
	seller *risk.Seller
	exec   *executor.Executor
	acc    *metrics.Accumulator

	inc                    IncrementalResults
	tradingStartIndex      int
	startIndex             int
	lastCheckpointIndex    int
	checkpointInterval     int
	signalsSinceCheckpoint int
	consecutiveErrors      int
	pauseFailures          int
	lastHeartbeat          time.Time
	algoTimeout            time.Duration
}

func (r *run) paced() bool        { return r.cfg.Mode == ModeLiveReplay }
func (r *run) optimization() bool { return r.cfg.Mode == ModeOptimization }

// restore rebuilds the run state from a checkpoint. Price windows need
// no explicit restore: the first advance replays every candle up to the
// resume bar.
func (r *run) restore(st checkpoint.State, snapshotValues []float64) error {
	if v := checkpoint.Validate(st, r.timestamps); !v.Valid {
		return fmt.Errorf("checkpoint rejected: %s", v.Reason)
	}

	pf, err := portfolio.Restore(st.Portfolio)
	if err != nil {
		return fmt.Errorf("failed to restore portfolio: %w", err)
	}
	r.pf = pf
	r.gen = rng.NewFromState(st.RNGState)
	if st.ThrottleState != nil {
		r.filter.Restore(*st.ThrottleState)
	}
	r.acc = metrics.Resume(st.PersistedCounts, st.PeakValue, st.MaxDrawdown, snapshotValues)
	r.startIndex = st.LastProcessedIndex + 1
	r.lastCheckpointIndex = st.LastProcessedIndex

	if r.startIndex >= len(r.timestamps) {
		return fmt.Errorf("checkpoint at index %d leaves nothing to resume", st.LastProcessedIndex)
	}
	return nil
}

func (r *run) loop(ctx context.Context) (*Result, error) {
	last := len(r.timestamps) - 1
	r.lastHeartbeat = time.Now()

	r.logger.Info().
		Str("mode", r.cfg.Mode).
		Int("bars", len(r.timestamps)).
		Int("trading_start", r.tradingStartIndex).
		Int("start", r.startIndex).
		Msg("backtest run starting")
	r.emit("backtest_started", map[string]interface{}{
		"backtestId": r.cfg.BacktestID,
		"mode":       r.cfg.Mode,
		"totalBars":  len(r.timestamps),
	})

	for i := r.startIndex; i <= last; i++ {
		if ctx.Err() != nil {
			return r.pause(ctx, i-1)
		}
		if res, err := r.bar(ctx, i); res != nil || err != nil {
			return res, err
		}
	}

	if r.lastCheckpointIndex != last {
		if _, err := r.persistCheckpoint(ctx, last); err != nil {
			return r.fail(err.Error()), err
		}
	}

	finalValue := r.pf.TotalValue
	duration := float64(r.timestamps[last]-r.timestamps[r.tradingStartIndex]) / msPerDay
	met := r.acc.Finalize(r.cfg.InitialCapital, finalValue, duration)

	r.logger.Info().
		Float64("final_value", finalValue).
		Float64("total_return", met.TotalReturn).
		Int("trades", met.TotalTrades).
		Msg("backtest run completed")
	r.emit("backtest_completed", map[string]interface{}{
		"finalValue":  finalValue,
		"totalReturn": met.TotalReturn,
		"totalTrades": met.TotalTrades,
	})

	return &Result{
		Status:         StatusCompleted,
		Metrics:        met,
		FinalPortfolio: r.pf.Serialize(),
		ProcessedBars:  last - r.startIndex + 1,
		TotalBars:      len(r.timestamps),
	}, nil
}

// bar processes one timestamp. A non-nil Result or error is terminal
// for the run.
func (r *run) bar(ctx context.Context, i int) (*Result, error) {
	ts := r.timestamps[i]
	barCandles := r.byTs[ts]
	last := len(r.timestamps) - 1

	marks := make(map[string]float64, len(barCandles))
	volumes := make(map[string]float64, len(barCandles))
	for coinID, c := range barCandles {
		marks[coinID] = c.Close
		volumes[coinID] = c.Volume
	}

	r.pf.UpdateValues(marks)

	windows := r.tracker.advance(ts)
	if r.gate.Enabled() {
		r.gate.Observe(windows[r.cfg.Regime.ProxyCoinID])
	}

	if i < r.tradingStartIndex {
		r.primeAlgorithm(ctx, ts, windows)
		return nil, nil
	}

	r.runHardStops(ts, barCandles, marks, volumes, windows)

	// A cancellation that lands in the pacing sleep finishes this bar on
	// a detached context first, so the pause checkpoint never captures a
	// half-processed bar.
	barCtx := ctx
	pauseAfterBar := false
	if r.paced() && i > r.tradingStartIndex {
		if err := r.pacer.Sleep(ctx, r.cfg.ReplaySpeed); err != nil {
			pauseAfterBar = true
			barCtx = context.WithoutCancel(ctx)
			r.logger.Info().Msg("cancelled during pacing; completing bar before pausing")
		}
	}

	signals, err := r.algorithmSignals(barCtx, ts, windows)
	if err != nil {
		if barCtx.Err() != nil {
			// The bar is unprocessed and will be re-run after resume. Its
			// hard-stop effects travel with the checkpoint, so the re-run
			// regenerates nothing for positions already exited.
			return r.pause(ctx, i-1)
		}
		return r.fail(err.Error()), err
	}

	for _, sig := range signals {
		if ok, reason := r.filter.Allow(sig, ts, r.positionQty(sig.CoinID)); !ok {
			r.logger.Debug().Str("coin", sig.CoinID).Str("action", string(sig.Action)).Str("block", reason).Msg("signal throttled")
			continue
		}
		if ok, reason := r.gate.Allow(sig); !ok {
			r.logger.Debug().Str("coin", sig.CoinID).Str("block", reason).Msg("signal blocked by regime gate")
			continue
		}
		r.executeSignal(sig, ts, marks, volumes, windows)
	}

	r.acc.ObserveValue(r.pf.TotalValue)

	if (i-r.tradingStartIndex)%r.snapshotInterval() == 0 || i == last {
		snap := r.pf.TakeSnapshot(ts, marks, r.cfg.InitialCapital, r.acc.Drawdown(r.pf.TotalValue))
		r.inc.Snapshots = append(r.inc.Snapshots, snap)
	}

	r.heartbeat(barCtx, i)

	if pauseAfterBar {
		return r.pause(barCtx, i)
	}
	if r.paced() && r.cb.ShouldPause != nil {
		if res, err := r.pauseCheck(barCtx, i); res != nil || err != nil {
			return res, err
		}
	}

	if i-r.lastCheckpointIndex >= r.checkpointInterval {
		if _, err := r.persistCheckpoint(barCtx, i); err != nil {
			return r.fail(err.Error()), err
		}
	}

	return nil, nil
}

// algorithmSignals runs the algorithm for one trading bar and returns
// the normalized, non-HOLD signals. Per-bar failures below the
// consecutive limit return empty signals. A cancellation surfaces as
// the context's own error so the caller can pause; anything else
// returned is fatal to the run.
func (r *run) algorithmSignals(ctx context.Context, ts int64, windows map[string][]candles.PriceSummary) ([]algorithm.Signal, error) {
	bar := r.algorithmContext(ts, windows)
	if !r.algo.CanExecute(bar) {
		return nil, nil
	}

	res, err := r.callAlgorithm(ctx, bar)
	if err == nil && !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "algorithm reported failure"
		}
		err = errors.New(msg)
	}
	if err != nil {
		if ctx.Err() != nil {
			// interrupted, not a strategy fault
			return nil, ctx.Err()
		}
		r.consecutiveErrors++
		r.logger.Warn().Err(err).Int("consecutive", r.consecutiveErrors).Msg("algorithm execution failed")
		if r.consecutiveErrors >= maxConsecutiveErrors {
			return nil, fmt.Errorf("algorithm %s failed %d consecutive bars: %w", r.cfg.AlgorithmID, r.consecutiveErrors, err)
		}
		return nil, nil
	}
	r.consecutiveErrors = 0

	signals := make([]algorithm.Signal, 0, len(res.Signals))
	for _, raw := range res.Signals {
		sig := algorithm.Normalize(raw)
		if sig.Action == algorithm.ActionHold {
			continue
		}
		signals = append(signals, sig)
	}
	return signals, nil
}

// callAlgorithm wraps the algorithm call with the per-bar timeout. The
// result channel is buffered so a timed-out call cannot leak its
// goroutine.
func (r *run) callAlgorithm(ctx context.Context, bar algorithm.Context) (algorithm.Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.algoTimeout)
	defer cancel()

	type outcome struct {
		res algorithm.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := r.algo.Execute(callCtx, bar)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-callCtx.Done():
		return algorithm.Result{}, fmt.Errorf("algorithm %s: %w", r.cfg.AlgorithmID, callCtx.Err())
	}
}

func (r *run) algorithmContext(ts int64, windows map[string][]candles.PriceSummary) algorithm.Context {
	return algorithm.Context{
		Coins:            r.universe,
		PriceData:        windows,
		Timestamp:        ts,
		Config:           r.cfg.AlgorithmConfig,
		Positions:        r.pf.QuantityByCoin(),
		AvailableBalance: r.pf.CashBalance,
		Metadata: algorithm.RunMetadata{
			BacktestID:        r.cfg.BacktestID,
			DatasetID:         r.cfg.DatasetID,
			DeterministicSeed: r.cfg.Seed,
			IsOptimization:    r.optimization(),
			IsLiveReplay:      r.paced(),
			ReplaySpeed:       r.cfg.ReplaySpeed,
		},
	}
}

// primeAlgorithm feeds a warmup bar to the algorithm for indicator
// state only. Warmup failures are swallowed and do not count toward the
// consecutive-error limit.
func (r *run) primeAlgorithm(ctx context.Context, ts int64, windows map[string][]candles.PriceSummary) {
	bar := r.algorithmContext(ts, windows)
	if !r.algo.CanExecute(bar) {
		return
	}
	if _, err := r.callAlgorithm(ctx, bar); err != nil {
		r.logger.Debug().Err(err).Msg("algorithm warmup failed")
	}
}

// runHardStops exits positions that breached the hard stop-loss before
// the algorithm sees the bar. The throttle still observes these so the
// exits count toward the rolling trade window.
func (r *run) runHardStops(ts int64, bar map[string]candles.Candle, marks, volumes map[string]float64, windows map[string][]candles.PriceSummary) {
	if !r.stops.Enabled() {
		return
	}
	for _, sig := range r.stops.Generate(r.pf, bar) {
		r.filter.Allow(sig, ts, r.positionQty(sig.CoinID))
		r.executeSignal(sig, ts, marks, volumes, windows)
	}
}

// executeSignal records the signal event, executes it, and on a BUY
// rejected for insufficient cash runs the opportunity seller and then
// retries the BUY exactly once.
func (r *run) executeSignal(sig algorithm.Signal, ts int64, marks, volumes map[string]float64, windows map[string][]candles.PriceSummary) {
	eventIdx := r.recordSignal(SignalEvent{
		Timestamp:    ts,
		CoinID:       sig.CoinID,
		Action:       sig.Action,
		OriginalType: sig.OriginalType,
		Confidence:   sig.Confidence,
		Reason:       sig.Reason,
	})

	market := executor.Market{Prices: marks, Volumes: volumes, Now: ts}
	trade, reject := r.exec.Execute(sig, r.pf, market)

	if trade == nil && reject == executor.RejectInsufficientCash &&
		sig.Action == algorithm.ActionBuy && r.seller.Qualifies(sig) {
		r.raiseCash(sig, ts, marks, volumes, windows)
		trade, reject = r.exec.Execute(sig, r.pf, market)
	}

	if trade != nil {
		if eventIdx >= 0 {
			r.inc.Signals[eventIdx].Executed = true
		}
		r.recordTrade(trade)
		return
	}

	if eventIdx >= 0 {
		r.inc.Signals[eventIdx].RejectReason = string(reject)
	}
	r.logger.Debug().
		Str("coin", sig.CoinID).
		Str("action", string(sig.Action)).
		Str("reject", string(reject)).
		Msg("trade rejected")
}

// raiseCash liquidates the weakest positions through the opportunity
// seller to fund a rejected BUY. The sells execute through the same
// executor and are recorded like any other trade.
func (r *run) raiseCash(buy algorithm.Signal, ts int64, marks, volumes map[string]float64, windows map[string][]candles.PriceSummary) {
	fc := risk.FundingContext{
		Buy:           buy,
		Portfolio:     r.pf,
		Marks:         marks,
		Windows:       windows,
		Now:           ts,
		MinHoldMs:     r.cfg.Executor.MinHoldMs,
		FeeRate:       feeRate(r.cfg.Fees),
		MinAllocation: r.cfg.Executor.MinAllocation,
		MaxAllocation: r.cfg.Executor.MaxAllocation,
	}
	market := executor.Market{Prices: marks, Volumes: volumes, Now: ts}

	sells, covered := r.seller.RaiseCash(fc, func(sig algorithm.Signal) (float64, bool) {
		idx := r.recordSignal(SignalEvent{
			Timestamp:    ts,
			CoinID:       sig.CoinID,
			Action:       sig.Action,
			OriginalType: sig.OriginalType,
			Reason:       sig.Reason,
		})
		trade, reject := r.exec.Execute(sig, r.pf, market)
		if trade == nil {
			if idx >= 0 {
				r.inc.Signals[idx].RejectReason = string(reject)
			}
			return 0, false
		}
		if idx >= 0 {
			r.inc.Signals[idx].Executed = true
		}
		r.recordTrade(trade)
		return trade.TotalValue, true
	})

	if sells > 0 {
		r.logger.Debug().
			Str("coin", buy.CoinID).
			Int("sells", sells).
			Bool("covered", covered).
			Msg("opportunity sells raised cash for buy")
	}
}

func (r *run) recordSignal(ev SignalEvent) int {
	r.signalsSinceCheckpoint++
	if r.optimization() {
		return -1
	}
	r.inc.Signals = append(r.inc.Signals, ev)
	return len(r.inc.Signals) - 1
}

func (r *run) recordTrade(t *executor.Trade) {
	r.inc.Trades = append(r.inc.Trades, t)
	r.inc.Fills = append(r.inc.Fills, executor.FillFor(t))
	r.logger.Debug().
		Str("coin", t.CoinID).
		Str("type", string(t.Type)).
		Float64("quantity", t.Quantity).
		Float64("price", t.Price).
		Msg("trade executed")
	r.emit("trade_executed", map[string]interface{}{
		"coinId":   t.CoinID,
		"type":     string(t.Type),
		"quantity": t.Quantity,
		"price":    t.Price,
		"value":    t.TotalValue,
	})
}

// pauseCheck asks the caller whether to pause. Failures are tolerated
// until they become consecutive enough to distrust the control plane,
// at which point the run pauses precautionarily.
func (r *run) pauseCheck(ctx context.Context, i int) (*Result, error) {
	pauseNow, err := r.cb.ShouldPause(ctx)
	if err != nil {
		r.pauseFailures++
		r.logger.Warn().Err(err).Int("consecutive", r.pauseFailures).Msg("pause check failed")
		if r.pauseFailures >= maxPauseFailures {
			r.logger.Error().Msg("forcing precautionary pause after repeated pause check failures")
			return r.pause(ctx, i)
		}
		return nil, nil
	}
	r.pauseFailures = 0
	if pauseNow {
		return r.pause(ctx, i)
	}
	return nil, nil
}

// pause persists a checkpoint at the last fully processed bar, notifies
// the caller, and returns the paused result. Persistence runs on a
// detached context when the trigger was cancellation.
func (r *run) pause(ctx context.Context, lastDone int) (*Result, error) {
	pctx := ctx
	if ctx.Err() != nil {
		pctx = context.WithoutCancel(ctx)
	}

	if lastDone < r.tradingStartIndex {
		r.logger.Warn().Msg("paused before the first trading bar; no checkpoint to persist")
		return &Result{
			Status:        StatusPaused,
			ProcessedBars: r.processed(lastDone),
			TotalBars:     len(r.timestamps),
		}, nil
	}

	st, err := r.persistCheckpoint(pctx, lastDone)
	if err != nil {
		return r.fail(err.Error()), err
	}
	if r.cb.OnPaused != nil {
		if err := r.cb.OnPaused(pctx, st); err != nil {
			err = fmt.Errorf("failed to report pause: %w", err)
			return r.fail(err.Error()), err
		}
	}

	r.logger.Info().Int("last_processed", lastDone).Msg("backtest run paused")
	r.emit("backtest_paused", map[string]interface{}{"lastProcessedIndex": lastDone})

	return &Result{
		Status:           StatusPaused,
		PausedCheckpoint: &st,
		ProcessedBars:    r.processed(lastDone),
		TotalBars:        len(r.timestamps),
	}, nil
}

// persistCheckpoint folds the pending increment into the accumulator,
// builds the checkpoint, hands both to the caller for durable storage,
// and only then clears the incremental arrays. Harvest precedes the
// build so the persisted counts cover everything persisted with them; a
// resumed accumulator must account for every trade already stored.
func (r *run) persistCheckpoint(ctx context.Context, i int) (checkpoint.State, error) {
	r.acc.Harvest(r.inc.Trades, r.signalsSinceCheckpoint, len(r.inc.Fills), r.inc.Snapshots)
	r.signalsSinceCheckpoint = 0

	throttleState := r.filter.Snapshot()
	st, err := checkpoint.Build(checkpoint.Input{
		LastProcessedIndex: i,
		BarTimestamp:       r.timestamps[i],
		Portfolio:          r.pf,
		PeakValue:          r.acc.Peak(),
		MaxDrawdown:        r.acc.MaxDrawdown(),
		RNGState:           r.gen.State(),
		Counts:             r.acc.Counts(),
		ThrottleState:      &throttleState,
	})
	if err != nil {
		return checkpoint.State{}, err
	}

	if r.cb.OnCheckpoint != nil {
		if err := r.cb.OnCheckpoint(ctx, st, r.inc, len(r.timestamps)); err != nil {
			return checkpoint.State{}, fmt.Errorf("failed to persist checkpoint at bar %d: %w", i, err)
		}
	}

	r.inc.clear()
	r.lastCheckpointIndex = i
	r.logger.Debug().Int("bar", i).Str("checksum", st.Checksum).Msg("checkpoint persisted")
	return st, nil
}

func (r *run) heartbeat(ctx context.Context, i int) {
	if r.cb.OnHeartbeat == nil || time.Since(r.lastHeartbeat) < heartbeatEvery {
		return
	}
	r.lastHeartbeat = time.Now()
	r.cb.OnHeartbeat(ctx, i-r.tradingStartIndex+1, len(r.timestamps)-r.tradingStartIndex)
}

func (r *run) fail(msg string) *Result {
	r.logger.Error().Str("error", msg).Msg("backtest run failed")
	r.emit("backtest_failed", map[string]interface{}{"error": msg})
	return &Result{
		Status:       StatusFailed,
		ErrorMessage: msg,
		TotalBars:    len(r.timestamps),
	}
}

func (r *run) emit(eventType string, data map[string]interface{}) {
	if !r.cfg.TelemetryEnabled || r.cb.Telemetry == nil || r.optimization() {
		return
	}
	r.cb.Telemetry(eventType, data)
}

func (r *run) snapshotInterval() int {
	if r.optimization() {
		return optimizationSnapshotBars
	}
	return snapshotEveryBars
}

func (r *run) positionQty(coinID string) float64 {
	if pos := r.pf.Position(coinID); pos != nil {
		return pos.Quantity
	}
	return 0
}

func (r *run) processed(lastDone int) int {
	n := lastDone - r.startIndex + 1
	if n < 0 {
		return 0
	}
	return n
}

func feeRate(s fees.Schedule) float64 {
	if s.Tiered {
		return s.TakerRate
	}
	return s.Rate
}
