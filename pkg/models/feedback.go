package models

import (
	"encoding/json"
	"strconv"
	"time"
)

// Model names used for stored predictions
const (
	ModelEnsemble              = "ensemble"
	ModelWeekdayTrend          = "weekday_trend"
	ModelSeasonalNaive         = "seasonal_naive"
	ModelTemperatureRegression = "temperature_regression"
	ModelNHITS                 = "nhits"
	ModelAI                    = "ai"
)

// EnsembleModelName ブレンド結果の保存名。ティアと手法ごとに精度を分ける
// 例: ensemble_base_weighted, ensemble_enhanced_median
func EnsembleModelName(tier CacheTier, method string) string {
	return ModelEnsemble + "_" + string(tier) + "_" + method
}

// ForecastPrediction is one stored prediction for one (model, date)
type ForecastPrediction struct {
	ID               string          `json:"id"`
	DatasetKey       string          `json:"dataset_key"`
	ModelName        string          `json:"model_name"`
	ForecastDate     time.Time       `json:"forecast_date"` // 予測を行った日（履歴の最終日）
	ActualDate       time.Time       `json:"actual_date"`   // 予測対象日
	PredictedRevenue float64         `json:"predicted_revenue"`
	ActualRevenue    *float64        `json:"actual_revenue,omitempty"`
	DayOfWeek        int             `json:"day_of_week"`
	Horizon          int             `json:"horizon"`
	MAPE             *float64        `json:"mape,omitempty"`
	MAE              *float64        `json:"mae,omitempty"`
	RMSE             *float64        `json:"rmse,omitempty"`
	SquaredError     *float64        `json:"squared_error,omitempty"`
	Factors          json.RawMessage `json:"factors,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	MatchedAt        *time.Time      `json:"matched_at,omitempty"`
}

// IsResolved 実績値が確定しているか
func (p *ForecastPrediction) IsResolved() bool {
	return p.ActualRevenue != nil
}

// PredictionOutcome 実績照合の計算結果
type PredictionOutcome struct {
	ActualRevenue float64
	MAPE          float64
	MAE           float64
	RMSE          float64
	SquaredError  float64
}

// ModelAccuracyMetric is an aggregated accuracy row.
// DayOfWeek and Horizon are both nil for the overall row of a model.
// DatasetKey is empty for rows aggregated across all datasets.
type ModelAccuracyMetric struct {
	DatasetKey string    `json:"dataset_key"`
	ModelName  string    `json:"model_name"`
	DayOfWeek  *int      `json:"day_of_week"`
	Horizon    *int      `json:"horizon"`
	MAPE       float64   `json:"mape"`
	MAE        float64   `json:"mae"`
	RMSE       float64   `json:"rmse"`
	SampleSize int       `json:"sample_size"`
	ComputedAt time.Time `json:"computed_at"`
}

// IsOverall モデル全体の集計行かどうか
func (m ModelAccuracyMetric) IsOverall() bool {
	return m.DayOfWeek == nil && m.Horizon == nil
}

// GroupKey 集計グループを一意に表すキー
func (m ModelAccuracyMetric) GroupKey() string {
	dow, horizon := "all", "all"
	if m.DayOfWeek != nil {
		dow = strconv.Itoa(*m.DayOfWeek)
	}
	if m.Horizon != nil {
		horizon = strconv.Itoa(*m.Horizon)
	}
	return m.ModelName + "|" + dow + "|" + horizon
}

// SameValues 値（ComputedAtを除く）が一致するか
func (m ModelAccuracyMetric) SameValues(o ModelAccuracyMetric) bool {
	return m.GroupKey() == o.GroupKey() && m.DatasetKey == o.DatasetKey &&
		m.MAPE == o.MAPE && m.MAE == o.MAE && m.RMSE == o.RMSE && m.SampleSize == o.SampleSize
}

// MatchResult 実績照合バッチの結果
type MatchResult struct {
	Matched int `json:"matched"`
	Updated int `json:"updated"`
	Errors  int `json:"errors"`
}
