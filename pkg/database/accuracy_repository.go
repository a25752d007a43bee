package database

import (
	"context"
	"fmt"

	"revenue-forecast-api/pkg/models"
)

// AccuracyRepository stores aggregated accuracy rows.
type AccuracyRepository interface {
	// ReplaceMetrics makes the stored rows of datasetKey equal to metrics.
	// Rows whose values are unchanged keep their computed_at.
	ReplaceMetrics(ctx context.Context, datasetKey string, metrics []models.ModelAccuracyMetric) error
	// ListMetrics returns rows for datasetKey, optionally filtered by model.
	ListMetrics(ctx context.Context, datasetKey, modelName string) ([]models.ModelAccuracyMetric, error)
}

// PostgresAccuracyRepository handles database operations for accuracy metrics.
type PostgresAccuracyRepository struct {
	pool DatabasePool
}

// NewAccuracyRepository creates a new accuracy repository.
func NewAccuracyRepository(pool DatabasePool) *PostgresAccuracyRepository {
	return &PostgresAccuracyRepository{pool: pool}
}

// ReplaceMetrics upserts every row and removes groups that no longer exist.
func (r *PostgresAccuracyRepository) ReplaceMetrics(ctx context.Context, datasetKey string, metrics []models.ModelAccuracyMetric) error {
	upsert := `
		INSERT INTO analytics.model_accuracy_metrics
			(dataset_key, group_key, model_name, day_of_week, horizon, mape, mae, rmse, sample_size, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (dataset_key, group_key)
		DO UPDATE SET mape = EXCLUDED.mape, mae = EXCLUDED.mae, rmse = EXCLUDED.rmse,
			sample_size = EXCLUDED.sample_size, computed_at = EXCLUDED.computed_at
		WHERE (analytics.model_accuracy_metrics.mape, analytics.model_accuracy_metrics.mae,
			analytics.model_accuracy_metrics.rmse, analytics.model_accuracy_metrics.sample_size)
			IS DISTINCT FROM (EXCLUDED.mape, EXCLUDED.mae, EXCLUDED.rmse, EXCLUDED.sample_size)`

	cleanup := `
		DELETE FROM analytics.model_accuracy_metrics
		WHERE dataset_key = $1 AND NOT (group_key = ANY($2))`

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	keys := make([]string, 0, len(metrics))
	for _, m := range metrics {
		keys = append(keys, m.GroupKey())
		if _, err := tx.Exec(ctx, upsert,
			datasetKey, m.GroupKey(), m.ModelName, m.DayOfWeek, m.Horizon,
			m.MAPE, m.MAE, m.RMSE, m.SampleSize, m.ComputedAt,
		); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("failed to upsert accuracy %s: %w", m.GroupKey(), err)
		}
	}

	if _, err := tx.Exec(ctx, cleanup, datasetKey, keys); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("failed to remove stale accuracy rows: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit accuracy metrics: %w", err)
	}
	return nil
}

// ListMetrics returns stored rows ordered by model, overall row first.
func (r *PostgresAccuracyRepository) ListMetrics(ctx context.Context, datasetKey, modelName string) ([]models.ModelAccuracyMetric, error) {
	query := `
		SELECT dataset_key, model_name, day_of_week, horizon, mape, mae, rmse, sample_size, computed_at
		FROM analytics.model_accuracy_metrics
		WHERE dataset_key = $1 AND ($2 = '' OR model_name = $2)
		ORDER BY model_name, day_of_week NULLS FIRST, horizon NULLS FIRST`

	rows, err := r.pool.Query(ctx, query, datasetKey, modelName)
	if err != nil {
		return nil, fmt.Errorf("failed to list accuracy metrics: %w", err)
	}
	defer rows.Close()

	var out []models.ModelAccuracyMetric
	for rows.Next() {
		var m models.ModelAccuracyMetric
		if err := rows.Scan(&m.DatasetKey, &m.ModelName, &m.DayOfWeek, &m.Horizon,
			&m.MAPE, &m.MAE, &m.RMSE, &m.SampleSize, &m.ComputedAt); err != nil {
			return nil, fmt.Errorf("failed to scan accuracy metric: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accuracy metrics: %w", err)
	}
	return out, nil
}
