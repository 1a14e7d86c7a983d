package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"crypto-backtest-engine/internal/algorithm"
	"crypto-backtest-engine/internal/engine"
	"crypto-backtest-engine/internal/executor"
	"crypto-backtest-engine/internal/portfolio"
)

// SaveResult stores the final metrics and portfolio for a finished run
func (r *Repository) SaveResult(ctx context.Context, runID string, result *engine.Result) error {
	metricsJSON, err := json.Marshal(result.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}
	portfolioJSON, err := json.Marshal(result.FinalPortfolio)
	if err != nil {
		return fmt.Errorf("failed to marshal final portfolio: %w", err)
	}

	query := `
		INSERT INTO backtest_results (run_id, status, metrics, final_portfolio)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id) DO UPDATE
		SET status = EXCLUDED.status,
		    metrics = EXCLUDED.metrics,
		    final_portfolio = EXCLUDED.final_portfolio
	`
	if _, err := r.db.Pool.Exec(ctx, query, runID, string(result.Status), metricsJSON, portfolioJSON); err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}
	return nil
}

// GetResult retrieves the final result for a run. Returns nil when the run
// has not finished yet.
func (r *Repository) GetResult(ctx context.Context, runID string) (*ResultRecord, error) {
	query := `
		SELECT run_id, status, metrics, final_portfolio, created_at
		FROM backtest_results
		WHERE run_id = $1
	`
	rec := &ResultRecord{}
	err := r.db.Pool.QueryRow(ctx, query, runID).Scan(
		&rec.RunID, &rec.Status, &rec.Metrics, &rec.FinalPortfolio, &rec.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get result: %w", err)
	}
	return rec, nil
}

// GetTrades retrieves a run's trades in execution order with pagination
func (r *Repository) GetTrades(ctx context.Context, runID string, limit, offset int) ([]executor.Trade, error) {
	query := `
		SELECT coin_id, side, quantity, price, total_value, fee,
		       realized_pnl, realized_pnl_percent, cost_basis, executed_at, metadata
		FROM backtest_trades
		WHERE run_id = $1
		ORDER BY executed_at ASC, id ASC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Pool.Query(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get trades: %w", err)
	}
	defer rows.Close()

	var trades []executor.Trade
	for rows.Next() {
		var trade executor.Trade
		var side string
		var metadataJSON []byte
		err := rows.Scan(
			&trade.CoinID, &side, &trade.Quantity, &trade.Price, &trade.TotalValue, &trade.Fee,
			&trade.RealizedPnL, &trade.RealizedPnLPercent, &trade.CostBasis,
			&trade.ExecutedAt, &metadataJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trade.Type = algorithm.Action(side)
		if len(metadataJSON) > 0 {
			json.Unmarshal(metadataJSON, &trade.Metadata)
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

// GetSignals retrieves a run's signal events in bar order with pagination
func (r *Repository) GetSignals(ctx context.Context, runID string, limit, offset int) ([]engine.SignalEvent, error) {
	query := `
		SELECT timestamp, coin_id, action, original_type, confidence, reason, executed, reject_reason
		FROM backtest_signals
		WHERE run_id = $1
		ORDER BY timestamp ASC, id ASC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Pool.Query(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get signals: %w", err)
	}
	defer rows.Close()

	var signals []engine.SignalEvent
	for rows.Next() {
		var sig engine.SignalEvent
		var action, originalType string
		err := rows.Scan(
			&sig.Timestamp, &sig.CoinID, &action, &originalType,
			&sig.Confidence, &sig.Reason, &sig.Executed, &sig.RejectReason,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		sig.Action = algorithm.Action(action)
		sig.OriginalType = algorithm.SignalType(originalType)
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}

// GetSnapshots retrieves a run's portfolio snapshots in time order
func (r *Repository) GetSnapshots(ctx context.Context, runID string) ([]portfolio.Snapshot, error) {
	query := `
		SELECT timestamp, portfolio_value, cash_balance, holdings, cumulative_return, drawdown
		FROM backtest_snapshots
		WHERE run_id = $1
		ORDER BY timestamp ASC
	`
	rows, err := r.db.Pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []portfolio.Snapshot
	for rows.Next() {
		var snap portfolio.Snapshot
		var holdingsJSON []byte
		err := rows.Scan(
			&snap.Timestamp, &snap.PortfolioValue, &snap.CashBalance,
			&holdingsJSON, &snap.CumulativeReturn, &snap.Drawdown,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		if len(holdingsJSON) > 0 {
			json.Unmarshal(holdingsJSON, &snap.Holdings)
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, rows.Err()
}

// GetSnapshotValues retrieves just the portfolio value series for a run,
// oldest first. Resume hands this to the metrics accumulator so a resumed
// run finalizes over the same series an uninterrupted run would.
func (r *Repository) GetSnapshotValues(ctx context.Context, runID string) ([]float64, error) {
	query := `
		SELECT portfolio_value
		FROM backtest_snapshots
		WHERE run_id = $1
		ORDER BY timestamp ASC
	`
	rows, err := r.db.Pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot values: %w", err)
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot value: %w", err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}
