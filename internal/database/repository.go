package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Repository runs all SQL against the run-scoped tables.
type Repository struct {
	db *DB
}

// NewRepository wraps the connection pool.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck pings the pool.
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// RUNS
// ============================================================================

// CreateRun inserts a new run row
func (r *Repository) CreateRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO backtest_runs (id, dataset_id, algorithm_id, mode, status, config, total_bars)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	err := r.db.Pool.QueryRow(
		ctx, query,
		run.ID, run.DatasetID, run.AlgorithmID, run.Mode, run.Status, run.Config, run.TotalBars,
	).Scan(&run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// UpdateRunStatus flips the run lifecycle state. An empty errorMessage
// clears any previous error.
func (r *Repository) UpdateRunStatus(ctx context.Context, runID, status, errorMessage string) error {
	query := `
		UPDATE backtest_runs
		SET status = $2, error_message = NULLIF($3, ''), updated_at = NOW()
		WHERE id = $1
	`
	_, err := r.db.Pool.Exec(ctx, query, runID, status, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	return nil
}

// UpdateRunProgress records how far the bar loop has come
func (r *Repository) UpdateRunProgress(ctx context.Context, runID string, processedBars, totalBars int) error {
	query := `
		UPDATE backtest_runs
		SET processed_bars = $2, total_bars = $3, updated_at = NOW()
		WHERE id = $1
	`
	_, err := r.db.Pool.Exec(ctx, query, runID, processedBars, totalBars)
	if err != nil {
		return fmt.Errorf("failed to update run progress: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID. Returns nil when the run does not exist.
func (r *Repository) GetRun(ctx context.Context, runID string) (*Run, error) {
	query := `
		SELECT id, dataset_id, algorithm_id, mode, status, config, processed_bars, total_bars,
		       error_message, created_at, updated_at
		FROM backtest_runs
		WHERE id = $1
	`
	run := &Run{}
	err := r.db.Pool.QueryRow(ctx, query, runID).Scan(
		&run.ID, &run.DatasetID, &run.AlgorithmID, &run.Mode, &run.Status, &run.Config,
		&run.ProcessedBars, &run.TotalBars, &run.ErrorMessage, &run.CreatedAt, &run.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs newest-first with pagination
func (r *Repository) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	query := `
		SELECT id, dataset_id, algorithm_id, mode, status, config, processed_bars, total_bars,
		       error_message, created_at, updated_at
		FROM backtest_runs
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`
	rows, err := r.db.Pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		err := rows.Scan(
			&run.ID, &run.DatasetID, &run.AlgorithmID, &run.Mode, &run.Status, &run.Config,
			&run.ProcessedBars, &run.TotalBars, &run.ErrorMessage, &run.CreatedAt, &run.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListRunsByStatus retrieves runs in a given lifecycle state, newest-first
func (r *Repository) ListRunsByStatus(ctx context.Context, status string, limit int) ([]*Run, error) {
	query := `
		SELECT id, dataset_id, algorithm_id, mode, status, config, processed_bars, total_bars,
		       error_message, created_at, updated_at
		FROM backtest_runs
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs by status: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		err := rows.Scan(
			&run.ID, &run.DatasetID, &run.AlgorithmID, &run.Mode, &run.Status, &run.Config,
			&run.ProcessedBars, &run.TotalBars, &run.ErrorMessage, &run.CreatedAt, &run.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
