package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"revenue-forecast-api/pkg/models"
)

// PredictionRepository stores forecast predictions and their reconciliation outcome.
type PredictionRepository interface {
	SavePredictions(ctx context.Context, preds []models.ForecastPrediction) error
	// ListUnresolved returns predictions with no actual revenue and actual_date <= asOf.
	ListUnresolved(ctx context.Context, datasetKey string, asOf time.Time) ([]models.ForecastPrediction, error)
	// ResolveActual sets the actual revenue once. It reports false if the prediction was already resolved.
	ResolveActual(ctx context.Context, id string, outcome models.PredictionOutcome, matchedAt time.Time) (bool, error)
	// ListResolved returns resolved predictions, for every dataset when datasetKey is empty.
	ListResolved(ctx context.Context, datasetKey string) ([]models.ForecastPrediction, error)
}

// PostgresPredictionRepository handles database operations for predictions.
type PostgresPredictionRepository struct {
	pool DatabasePool
}

// NewPredictionRepository creates a new prediction repository.
func NewPredictionRepository(pool DatabasePool) *PostgresPredictionRepository {
	return &PostgresPredictionRepository{pool: pool}
}

const predictionColumns = `id, dataset_key, model_name, forecast_date, actual_date, predicted_revenue,
		actual_revenue, day_of_week, horizon, mape, mae, rmse, squared_error, factors, created_at, matched_at`

// SavePredictions upserts predictions. A resolved prediction is never overwritten.
func (r *PostgresPredictionRepository) SavePredictions(ctx context.Context, preds []models.ForecastPrediction) error {
	if len(preds) == 0 {
		return nil
	}

	query := `
		INSERT INTO analytics.forecast_predictions
			(id, dataset_key, model_name, forecast_date, actual_date, predicted_revenue, day_of_week, horizon, factors, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (dataset_key, model_name, forecast_date, actual_date)
		DO UPDATE SET predicted_revenue = EXCLUDED.predicted_revenue, factors = EXCLUDED.factors
		WHERE analytics.forecast_predictions.actual_revenue IS NULL`

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	for _, p := range preds {
		factors := p.Factors
		if len(factors) == 0 {
			factors = []byte("{}")
		}
		if _, err := tx.Exec(ctx, query,
			p.ID, p.DatasetKey, p.ModelName, p.ForecastDate, p.ActualDate,
			p.PredictedRevenue, p.DayOfWeek, p.Horizon, string(factors), p.CreatedAt,
		); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("failed to save prediction %s/%s: %w", p.ModelName, p.ActualDate.Format(models.DateLayout), err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit predictions: %w", err)
	}
	return nil
}

// ListUnresolved returns predictions awaiting an actual value.
func (r *PostgresPredictionRepository) ListUnresolved(ctx context.Context, datasetKey string, asOf time.Time) ([]models.ForecastPrediction, error) {
	query := `SELECT ` + predictionColumns + `
		FROM analytics.forecast_predictions
		WHERE dataset_key = $1 AND actual_revenue IS NULL AND actual_date <= $2
		ORDER BY actual_date, model_name`

	rows, err := r.pool.Query(ctx, query, datasetKey, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to list unresolved predictions: %w", err)
	}
	return scanPredictions(rows)
}

// ResolveActual performs the one-time nil -> value transition.
func (r *PostgresPredictionRepository) ResolveActual(ctx context.Context, id string, outcome models.PredictionOutcome, matchedAt time.Time) (bool, error) {
	query := `
		UPDATE analytics.forecast_predictions
		SET actual_revenue = $2, mape = $3, mae = $4, rmse = $5, squared_error = $6, matched_at = $7
		WHERE id = $1 AND actual_revenue IS NULL`

	tag, err := r.pool.Exec(ctx, query, id, outcome.ActualRevenue, outcome.MAPE, outcome.MAE, outcome.RMSE, outcome.SquaredError, matchedAt)
	if err != nil {
		return false, fmt.Errorf("failed to resolve prediction %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListResolved returns predictions that carry an actual value.
func (r *PostgresPredictionRepository) ListResolved(ctx context.Context, datasetKey string) ([]models.ForecastPrediction, error) {
	query := `SELECT ` + predictionColumns + `
		FROM analytics.forecast_predictions
		WHERE actual_revenue IS NOT NULL AND ($1 = '' OR dataset_key = $1)
		ORDER BY model_name, actual_date`

	rows, err := r.pool.Query(ctx, query, datasetKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list resolved predictions: %w", err)
	}
	return scanPredictions(rows)
}

func scanPredictions(rows pgx.Rows) ([]models.ForecastPrediction, error) {
	defer rows.Close()

	var out []models.ForecastPrediction
	for rows.Next() {
		var p models.ForecastPrediction
		var factors []byte
		if err := rows.Scan(
			&p.ID, &p.DatasetKey, &p.ModelName, &p.ForecastDate, &p.ActualDate, &p.PredictedRevenue,
			&p.ActualRevenue, &p.DayOfWeek, &p.Horizon, &p.MAPE, &p.MAE, &p.RMSE, &p.SquaredError,
			&factors, &p.CreatedAt, &p.MatchedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan prediction: %w", err)
		}
		p.Factors = factors
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating predictions: %w", err)
	}
	return out, nil
}
