package services

import (
	"fmt"
	"math"
	"sort"

	"revenue-forecast-api/pkg/models"
)

// RegressionResult represents the result of a simple linear regression
type RegressionResult struct {
	Slope     float64 `json:"slope"`
	Intercept float64 `json:"intercept"`
	RSquared  float64 `json:"r_squared"`
}

// PerformLinearRegression 線形回帰分析を実行
func PerformLinearRegression(x, y []float64) (*RegressionResult, error) {
	if len(x) != len(y) || len(x) < 2 {
		return nil, fmt.Errorf("データ系列の長さが一致しないか、データ数が不足しています")
	}

	n := float64(len(x))
	var sumX, sumY, sumXY, sumX2 float64
	for i := range x {
		sumX += x[i]
		sumY += y[i]
		sumXY += x[i] * y[i]
		sumX2 += x[i] * x[i]
	}

	denom := n*sumX2 - sumX*sumX
	if denom == 0 {
		return nil, fmt.Errorf("説明変数の分散がゼロです")
	}
	slope := (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n

	meanY := sumY / n
	var ssTotal, ssResidual float64
	for i := range x {
		predicted := slope*x[i] + intercept
		ssTotal += (y[i] - meanY) * (y[i] - meanY)
		ssResidual += (y[i] - predicted) * (y[i] - predicted)
	}
	rSquared := 0.0
	if ssTotal > 0 {
		rSquared = 1 - ssResidual/ssTotal
	}

	return &RegressionResult{Slope: slope, Intercept: intercept, RSquared: rSquared}, nil
}

// calculateMean パッケージ内部用のヘルパー関数：平均値を計算
func calculateMean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// calculateStandardDeviation パッケージ内部用のヘルパー関数：標準偏差を計算
func calculateStandardDeviation(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := calculateMean(values)
	sumSquaredDiff := 0.0
	for _, v := range values {
		diff := v - mean
		sumSquaredDiff += diff * diff
	}
	return math.Sqrt(sumSquaredDiff / float64(len(values)))
}

func calculateMedian(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func revenues(points []models.TimeSeriesPoint) []float64 {
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = p.Revenue
	}
	return out
}

// FallbackPrediction is the heuristic used whenever a model cannot answer:
// 0.7 × same-weekday average + 0.3 × overall average. Always finite and >= 0.
func FallbackPrediction(history []models.TimeSeriesPoint, target models.TimeSeriesPoint) float64 {
	if len(history) == 0 {
		return 0
	}

	var sameDay []float64
	for _, p := range history {
		if p.DayOfWeek == target.DayOfWeek {
			sameDay = append(sameDay, p.Revenue)
		}
	}
	overall := calculateMean(revenues(history))

	value := overall
	if len(sameDay) > 0 {
		value = 0.7*calculateMean(sameDay) + 0.3*overall
	}
	return sanitize(value)
}

// sanitize 非有限値や負値を0に丸める
func sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

func validValues(values []float64, want int) error {
	if len(values) != want {
		return fmt.Errorf("expected %d values, got %d", want, len(values))
	}
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("value %d is not finite", i)
		}
	}
	return nil
}
