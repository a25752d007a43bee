package database

import (
	"context"
	"fmt"
	"time"

	"revenue-forecast-api/pkg/models"
)

// RevenueRepository reads realized daily revenue aggregates.
type RevenueRepository interface {
	DailyRevenue(ctx context.Context, datasetKey string, from, to time.Time) ([]models.DailyAggregate, error)
	UpsertDailyRevenue(ctx context.Context, datasetKey string, aggs []models.DailyAggregate) error
	ListDatasets(ctx context.Context) ([]string, error)
}

// PostgresRevenueRepository handles database operations for daily revenue.
type PostgresRevenueRepository struct {
	pool DatabasePool
}

// NewRevenueRepository creates a new revenue repository.
func NewRevenueRepository(pool DatabasePool) *PostgresRevenueRepository {
	return &PostgresRevenueRepository{pool: pool}
}

// DailyRevenue returns aggregates in [from, to] ordered by date.
func (r *PostgresRevenueRepository) DailyRevenue(ctx context.Context, datasetKey string, from, to time.Time) ([]models.DailyAggregate, error) {
	query := `
		SELECT revenue_date, revenue, transactions
		FROM analytics.daily_revenue
		WHERE dataset_key = $1 AND revenue_date BETWEEN $2 AND $3
		ORDER BY revenue_date`

	rows, err := r.pool.Query(ctx, query, datasetKey, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily revenue: %w", err)
	}
	defer rows.Close()

	var out []models.DailyAggregate
	for rows.Next() {
		var a models.DailyAggregate
		if err := rows.Scan(&a.Date, &a.Revenue, &a.Transactions); err != nil {
			return nil, fmt.Errorf("failed to scan daily revenue: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating daily revenue: %w", err)
	}
	return out, nil
}

// UpsertDailyRevenue inserts or replaces aggregates by date.
func (r *PostgresRevenueRepository) UpsertDailyRevenue(ctx context.Context, datasetKey string, aggs []models.DailyAggregate) error {
	query := `
		INSERT INTO analytics.daily_revenue (dataset_key, revenue_date, revenue, transactions)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (dataset_key, revenue_date)
		DO UPDATE SET revenue = EXCLUDED.revenue, transactions = EXCLUDED.transactions`

	for _, a := range aggs {
		if _, err := r.pool.Exec(ctx, query, datasetKey, a.Date, a.Revenue, a.Transactions); err != nil {
			return fmt.Errorf("failed to upsert revenue for %s: %w", a.Date.Format(models.DateLayout), err)
		}
	}
	return nil
}

// ListDatasets returns every dataset key with revenue data.
func (r *PostgresRevenueRepository) ListDatasets(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT dataset_key FROM analytics.daily_revenue ORDER BY dataset_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list datasets: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan dataset key: %w", err)
		}
		out = append(out, key)
	}
	return out, rows.Err()
}
