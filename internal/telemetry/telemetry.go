// Package telemetry exposes service-level Prometheus metrics fed by the
// event bus: run lifecycle counters, bar throughput, and trade/signal
// volume.
package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crypto-backtest-engine/internal/events"
)

// Collector owns the service metrics and keeps them current from bus
// subscriptions. Bar throughput is derived from cumulative progress
// heartbeats, so the collector tracks the last seen count per run and
// drops the entry once the run reaches a terminal state.
type Collector struct {
	runsStarted      prometheus.Counter
	runsResumed      prometheus.Counter
	runsCompleted    prometheus.Counter
	runsFailed       prometheus.Counter
	runsPaused       prometheus.Counter
	runsCancelled    prometheus.Counter
	activeRuns       prometheus.Gauge
	barsProcessed    prometheus.Counter
	checkpointsSaved prometheus.Counter
	tradesExecuted   *prometheus.CounterVec
	signalsGenerated *prometheus.CounterVec
	errors           prometheus.Counter

	mu       sync.Mutex
	lastBars map[string]int
}

// NewCollector creates the service metrics and registers them with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		runsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "backtest_runs_started_total",
			Help: "Number of backtest runs started from scratch",
		}),
		runsResumed: factory.NewCounter(prometheus.CounterOpts{
			Name: "backtest_runs_resumed_total",
			Help: "Number of backtest runs resumed from a checkpoint",
		}),
		runsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "backtest_runs_completed_total",
			Help: "Number of backtest runs that processed every bar",
		}),
		runsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "backtest_runs_failed_total",
			Help: "Number of backtest runs that ended in an error",
		}),
		runsPaused: factory.NewCounter(prometheus.CounterOpts{
			Name: "backtest_runs_paused_total",
			Help: "Number of backtest runs paused at a checkpoint",
		}),
		runsCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "backtest_runs_cancelled_total",
			Help: "Number of backtest runs cancelled before finishing",
		}),
		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "backtest_active_runs",
			Help: "Number of backtest runs currently executing",
		}),
		barsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "backtest_bars_processed_total",
			Help: "Total trading bars processed across all runs",
		}),
		checkpointsSaved: factory.NewCounter(prometheus.CounterOpts{
			Name: "backtest_checkpoints_saved_total",
			Help: "Number of checkpoints persisted",
		}),
		tradesExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "backtest_trades_executed_total",
			Help: "Number of trades executed, by side",
		}, []string{"side"}),
		signalsGenerated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "backtest_signals_generated_total",
			Help: "Number of signals processed, by type",
		}, []string{"signal_type"}),
		errors: factory.NewCounter(prometheus.CounterOpts{
			Name: "backtest_errors_total",
			Help: "Number of service errors published on the event bus",
		}),
		lastBars: make(map[string]int),
	}
}

// Attach subscribes the collector to every bus event.
func (c *Collector) Attach(bus *events.EventBus) {
	bus.SubscribeAll(c.Handle)
}

// Handle updates the metrics for one event.
func (c *Collector) Handle(evt events.Event) {
	switch evt.Type {
	case events.EventRunStarted:
		c.runsStarted.Inc()
		c.activeRuns.Inc()
	case events.EventRunResumed:
		c.runsResumed.Inc()
		c.activeRuns.Inc()
	case events.EventRunCompleted:
		c.runsCompleted.Inc()
		c.activeRuns.Dec()
		c.forgetRun(evt)
	case events.EventRunFailed:
		c.runsFailed.Inc()
		c.activeRuns.Dec()
		c.forgetRun(evt)
	case events.EventRunCancelled:
		c.runsCancelled.Inc()
		c.activeRuns.Dec()
		c.forgetRun(evt)
	case events.EventRunPaused:
		// Paused runs keep their progress entry so a resume continues the
		// cumulative count instead of re-adding it.
		c.runsPaused.Inc()
		c.activeRuns.Dec()
	case events.EventRunProgress:
		c.recordProgress(evt)
	case events.EventRunCheckpointed:
		c.checkpointsSaved.Inc()
	case events.EventTradeExecuted:
		if side, ok := evt.Data["side"].(string); ok {
			c.tradesExecuted.WithLabelValues(side).Inc()
		}
	case events.EventSignalGenerated:
		if signalType, ok := evt.Data["signal_type"].(string); ok {
			c.signalsGenerated.WithLabelValues(signalType).Inc()
		}
	case events.EventError:
		c.errors.Inc()
	}
}

// recordProgress converts a cumulative bar count into a counter delta.
func (c *Collector) recordProgress(evt events.Event) {
	runID, _ := evt.Data["run_id"].(string)
	processed, ok := evt.Data["processed_bars"].(int)
	if runID == "" || !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	last := c.lastBars[runID]
	if processed > last {
		c.barsProcessed.Add(float64(processed - last))
		c.lastBars[runID] = processed
	}
}

func (c *Collector) forgetRun(evt events.Event) {
	runID, _ := evt.Data["run_id"].(string)
	if runID == "" {
		return
	}
	c.mu.Lock()
	delete(c.lastBars, runID)
	c.mu.Unlock()
}

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
