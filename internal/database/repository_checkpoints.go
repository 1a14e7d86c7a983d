package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"crypto-backtest-engine/internal/checkpoint"
	"crypto-backtest-engine/internal/engine"
	"crypto-backtest-engine/internal/executor"
	"crypto-backtest-engine/internal/portfolio"
)

// SaveCheckpoint persists a checkpoint and everything accumulated since the
// previous one in a single transaction. Either the checkpoint row and all of
// its increments land together or none of them do, so the stored archive is
// always consistent with the latest stored checkpoint.
//
// A repeated checkpoint at the same index carries empty increments; the
// duplicate row is absorbed by ON CONFLICT DO NOTHING.
func (r *Repository) SaveCheckpoint(ctx context.Context, runID string, state *checkpoint.State, inc *engine.IncrementalResults) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint state: %w", err)
	}

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := saveTrades(ctx, tx, runID, inc.Trades); err != nil {
		return err
	}
	if err := saveFills(ctx, tx, runID, inc.Fills); err != nil {
		return err
	}
	if err := saveSignals(ctx, tx, runID, inc.Signals); err != nil {
		return err
	}
	if err := saveSnapshots(ctx, tx, runID, inc.Snapshots); err != nil {
		return err
	}

	query := `
		INSERT INTO backtest_checkpoints (run_id, last_processed_index, checksum, state)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id, last_processed_index) DO NOTHING
	`
	if _, err := tx.Exec(ctx, query, runID, state.LastProcessedIndex, state.Checksum, stateJSON); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// saveTrades batch-inserts trades within the checkpoint transaction
func saveTrades(ctx context.Context, tx pgx.Tx, runID string, trades []*executor.Trade) error {
	query := `
		INSERT INTO backtest_trades (
			id, run_id, coin_id, side, quantity, price, total_value, fee,
			realized_pnl, realized_pnl_percent, cost_basis, executed_at, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	for _, trade := range trades {
		var metadataJSON []byte
		if len(trade.Metadata) > 0 {
			metadataJSON, _ = json.Marshal(trade.Metadata)
		}
		_, err := tx.Exec(ctx, query,
			uuid.NewString(), runID, trade.CoinID, string(trade.Type),
			trade.Quantity, trade.Price, trade.TotalValue, trade.Fee,
			trade.RealizedPnL, trade.RealizedPnLPercent, trade.CostBasis,
			trade.ExecutedAt, metadataJSON,
		)
		if err != nil {
			return fmt.Errorf("failed to save trade: %w", err)
		}
	}
	return nil
}

// saveFills batch-inserts fills within the checkpoint transaction
func saveFills(ctx context.Context, tx pgx.Tx, runID string, fills []executor.Fill) error {
	query := `
		INSERT INTO backtest_fills (run_id, coin_id, side, quantity, price, fee, slippage_bps, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	for _, fill := range fills {
		_, err := tx.Exec(ctx, query,
			runID, fill.CoinID, string(fill.Side), fill.Quantity,
			fill.Price, fill.Fee, fill.SlippageBps, fill.ExecutedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to save fill: %w", err)
		}
	}
	return nil
}

// saveSignals batch-inserts signal events within the checkpoint transaction
func saveSignals(ctx context.Context, tx pgx.Tx, runID string, signals []engine.SignalEvent) error {
	query := `
		INSERT INTO backtest_signals (
			run_id, timestamp, coin_id, action, original_type,
			confidence, reason, executed, reject_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	for _, sig := range signals {
		_, err := tx.Exec(ctx, query,
			runID, sig.Timestamp, sig.CoinID, string(sig.Action), string(sig.OriginalType),
			sig.Confidence, sig.Reason, sig.Executed, sig.RejectReason,
		)
		if err != nil {
			return fmt.Errorf("failed to save signal: %w", err)
		}
	}
	return nil
}

// saveSnapshots batch-inserts portfolio snapshots within the checkpoint transaction
func saveSnapshots(ctx context.Context, tx pgx.Tx, runID string, snapshots []portfolio.Snapshot) error {
	query := `
		INSERT INTO backtest_snapshots (
			run_id, timestamp, portfolio_value, cash_balance, holdings,
			cumulative_return, drawdown
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	for _, snap := range snapshots {
		holdingsJSON, err := json.Marshal(snap.Holdings)
		if err != nil {
			holdingsJSON = []byte("{}")
		}
		_, err = tx.Exec(ctx, query,
			runID, snap.Timestamp, snap.PortfolioValue, snap.CashBalance,
			holdingsJSON, snap.CumulativeReturn, snap.Drawdown,
		)
		if err != nil {
			return fmt.Errorf("failed to save snapshot: %w", err)
		}
	}
	return nil
}

// GetLatestCheckpoint retrieves the most recent checkpoint for a run.
// Returns nil when the run has no checkpoints.
func (r *Repository) GetLatestCheckpoint(ctx context.Context, runID string) (*CheckpointRecord, error) {
	query := `
		SELECT id, run_id, last_processed_index, checksum, state, created_at
		FROM backtest_checkpoints
		WHERE run_id = $1
		ORDER BY last_processed_index DESC
		LIMIT 1
	`
	rec := &CheckpointRecord{}
	err := r.db.Pool.QueryRow(ctx, query, runID).Scan(
		&rec.ID, &rec.RunID, &rec.LastProcessedIndex, &rec.Checksum, &rec.State, &rec.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest checkpoint: %w", err)
	}
	return rec, nil
}

// ListCheckpoints retrieves all checkpoints for a run in processing order
func (r *Repository) ListCheckpoints(ctx context.Context, runID string) ([]*CheckpointRecord, error) {
	query := `
		SELECT id, run_id, last_processed_index, checksum, state, created_at
		FROM backtest_checkpoints
		WHERE run_id = $1
		ORDER BY last_processed_index ASC
	`
	rows, err := r.db.Pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var records []*CheckpointRecord
	for rows.Next() {
		rec := &CheckpointRecord{}
		err := rows.Scan(&rec.ID, &rec.RunID, &rec.LastProcessedIndex, &rec.Checksum, &rec.State, &rec.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
