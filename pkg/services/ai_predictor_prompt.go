package services

import (
	"context"
	"fmt"
	"strings"

	"revenue-forecast-api/pkg/models"
)

const promptHistoryDays = 28

var weekdayNames = []string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"}

// calibration AIモデルの直近の精度
type calibration struct {
	overall float64
	byDay   map[int]float64
	samples int
}

// loadCalibration 精度メトリクスがあればプロンプト用に読み込む
func (p *AIPredictor) loadCalibration(ctx context.Context, datasetKey string) *calibration {
	if p.accuracy == nil {
		return nil
	}
	rows, err := p.accuracy.ListMetrics(ctx, datasetKey, models.ModelAI)
	if err != nil {
		p.logger.WithError(err).Debug("calibration metrics unavailable")
		return nil
	}

	c := &calibration{byDay: make(map[int]float64)}
	found := false
	for _, m := range rows {
		switch {
		case m.IsOverall():
			c.overall = m.MAPE
			c.samples = m.SampleSize
			found = true
		case m.DayOfWeek != nil && m.Horizon == nil:
			c.byDay[*m.DayOfWeek] = m.MAPE
		}
	}
	if !found {
		return nil
	}
	return c
}

func (p *AIPredictor) buildUserPrompt(req models.ForecastRequest, target models.TimeSeriesPoint, avg float64, cal *calibration) string {
	var sb strings.Builder

	history := req.History
	if len(history) > promptHistoryDays {
		history = history[len(history)-promptHistoryDays:]
	}

	sb.WriteString("Recent daily revenue:\n")
	for _, h := range history {
		sb.WriteString(fmt.Sprintf("- %s %s: %.0f%s\n",
			h.Date.Format(models.DateLayout), weekdayNames[h.DayOfWeek], h.Revenue, pointContext(h)))
	}
	sb.WriteString(fmt.Sprintf("\nAverage daily revenue over %d days: %.0f\n", len(req.History), avg))

	if len(req.History) < p.cfg.SmallDataThreshold && p.prompts != nil {
		sb.WriteString("\n")
		sb.WriteString(p.prompts.BuildSmallDataGuidance(len(req.History)))
	}

	if cal != nil && p.prompts != nil {
		sb.WriteString("\n")
		sb.WriteString(p.prompts.Calibration.Intro)
		sb.WriteString(fmt.Sprintf("\n- overall: %.1f%% over %d days\n", cal.overall, cal.samples))
		if mape, ok := cal.byDay[target.DayOfWeek]; ok {
			sb.WriteString(fmt.Sprintf("- %s: %.1f%%\n", weekdayNames[target.DayOfWeek], mape))
		}
	}

	sb.WriteString(fmt.Sprintf("\nTarget day: %s (%s)%s\n",
		target.Date.Format(models.DateLayout), weekdayNames[target.DayOfWeek], pointContext(target)))
	sb.WriteString("Estimate total revenue for the target day.")
	return sb.String()
}

// pointContext 祝日・気象・為替の補足情報
func pointContext(p models.TimeSeriesPoint) string {
	parts := []string{fmt.Sprintf("temp %.1fC", p.Temperature)}
	if p.Precipitation > 0 {
		parts = append(parts, fmt.Sprintf("precip %.1fmm", p.Precipitation))
	}
	if p.IsHoliday {
		parts = append(parts, fmt.Sprintf("%s holiday", p.HolidayType))
	}
	if p.ExchangeRate > 0 && p.ExchangeRate != NeutralExchangeRate {
		parts = append(parts, fmt.Sprintf("fx %.2f", p.ExchangeRate))
	}
	return " (" + strings.Join(parts, ", ") + ")"
}
