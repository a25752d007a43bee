package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// DateLayout 日付の文字列表現
const DateLayout = "2006-01-02"

// HolidayType represents the kind of holiday on a given day
type HolidayType string

const (
	HolidayNone      HolidayType = "none"
	HolidayNational  HolidayType = "national"
	HolidayReligious HolidayType = "religious"
	HolidayRegional  HolidayType = "regional"
)

// ParseHolidayType 文字列から祝日種別を取得（不明な値は none）
func ParseHolidayType(s string) HolidayType {
	switch HolidayType(s) {
	case HolidayNational, HolidayReligious, HolidayRegional:
		return HolidayType(s)
	default:
		return HolidayNone
	}
}

// TimeSeriesPoint represents one day of revenue together with its covariates
type TimeSeriesPoint struct {
	Date          time.Time   `json:"date"`
	Revenue       float64     `json:"revenue"`
	DayOfWeek     int         `json:"day_of_week"` // 0=日曜 .. 6=土曜
	IsWeekend     bool        `json:"is_weekend"`
	IsHoliday     bool        `json:"is_holiday"`
	HolidayType   HolidayType `json:"holiday_type"`
	Temperature   float64     `json:"temperature"`   // °C
	Precipitation float64     `json:"precipitation"` // mm
	ExchangeRate  float64     `json:"exchange_rate"`
}

// ForecastRequest is the input handed to every prediction strategy
type ForecastRequest struct {
	DatasetKey string            `json:"dataset_key"`
	History    []TimeSeriesPoint `json:"history"`
	Future     []TimeSeriesPoint `json:"future"` // Revenue is ignored
}

// Validate 履歴が日付順に厳密に増加しているか確認
func (r ForecastRequest) Validate() error {
	for i := 1; i < len(r.History); i++ {
		if !r.History[i].Date.After(r.History[i-1].Date) {
			return fmt.Errorf("history is not strictly increasing at %s", r.History[i].Date.Format(DateLayout))
		}
	}
	return nil
}

// DailyAggregate represents realized revenue for one day, produced by ingestion
type DailyAggregate struct {
	Date         time.Time `json:"date"`
	Revenue      float64   `json:"revenue"`
	Transactions int       `json:"transactions,omitempty"`
}

// ExternalSignals holds optional covariates for a single date. nil means missing.
type ExternalSignals struct {
	Temperature   *float64    `json:"temperature,omitempty"`
	Precipitation *float64    `json:"precipitation,omitempty"`
	ExchangeRate  *float64    `json:"exchange_rate,omitempty"`
	HolidayName   string      `json:"holiday_name,omitempty"`
	HolidayType   HolidayType `json:"holiday_type,omitempty"`
}

// WeatherDaily mirrors one row of analytics.weather_daily
type WeatherDaily struct {
	Date          time.Time `json:"weather_date"`
	Location      string    `json:"location"`
	TempMin       *float64  `json:"temp_min_c,omitempty"`
	TempMax       *float64  `json:"temp_max_c,omitempty"`
	TempAvg       *float64  `json:"temp_avg_c,omitempty"`
	Precipitation *float64  `json:"precipitation_mm,omitempty"`
	Snowfall      *float64  `json:"snowfall_cm,omitempty"`
	WindMax       *float64  `json:"wind_max_ms,omitempty"`
}

// ForecastQuery 予測パラメータ（キャッシュキーの一部）
type ForecastQuery struct {
	Horizon     int    `json:"horizon" form:"horizon"`
	HistoryDays int    `json:"history_days" form:"history_days"`
	Method      string `json:"method" form:"method"`
}

// ForecastPoint 1日分の予測値
type ForecastPoint struct {
	Date      string  `json:"date"`
	DayOfWeek int     `json:"day_of_week"`
	Predicted float64 `json:"predicted"`
	Lower     float64 `json:"lower"`
	Upper     float64 `json:"upper"`
}

// StrategyForecast 成功した戦略の出力
type StrategyForecast struct {
	StrategyName   string    `json:"strategy_name"`
	Values         []float64 `json:"values"`
	Weight         float64   `json:"weight"`
	FallbackPoints int       `json:"fallback_points,omitempty"` // ヒューリスティックで埋めた点の数
}

// SkippedStrategy スキップされた戦略とその理由
type SkippedStrategy struct {
	StrategyName  string `json:"strategy_name"`
	SkippedReason string `json:"skipped_reason"`
}

// ForecastResult is the payload stored in the analytics cache for a tier
type ForecastResult struct {
	DatasetKey  string             `json:"dataset_key"`
	Tier        CacheTier          `json:"tier"`
	Query       ForecastQuery      `json:"query"`
	AsOf        string             `json:"as_of"`
	GeneratedAt time.Time          `json:"generated_at"`
	Method      string             `json:"method"`
	Points      []ForecastPoint    `json:"points"`
	Successful  []StrategyForecast `json:"successful"`
	Skipped     []SkippedStrategy  `json:"skipped"`
	Quality     ForecastQuality    `json:"quality"`
}

// ForecastQuality 予測品質のメタデータ
type ForecastQuality struct {
	HistoryPoints   int     `json:"history_points"`
	StrategiesUsed  int     `json:"strategies_used"`
	AIFallbackShare float64 `json:"ai_fallback_share,omitempty"` // 外部モデルでフォールバックになった割合
}

// Marshal JSONに変換
func (r *ForecastResult) Marshal() (json.RawMessage, error) {
	return json.Marshal(r)
}
