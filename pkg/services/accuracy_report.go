package services

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/xuri/excelize/v2"

	"revenue-forecast-api/pkg/database"
	"revenue-forecast-api/pkg/models"
)

const (
	summarySheet = "Summary"
	detailSheet  = "ByWeekdayHorizon"
)

// AccuracyReport モデル精度をExcelに書き出す
type AccuracyReport struct {
	accuracy database.AccuracyRepository
}

// NewAccuracyReport creates a new AccuracyReport
func NewAccuracyReport(accuracy database.AccuracyRepository) *AccuracyReport {
	return &AccuracyReport{accuracy: accuracy}
}

// Write writes the workbook for datasetKey ("" = all datasets) to w.
func (r *AccuracyReport) Write(ctx context.Context, datasetKey string, w io.Writer) error {
	metrics, err := r.accuracy.ListMetrics(ctx, datasetKey, "")
	if err != nil {
		return fmt.Errorf("精度メトリクスの取得に失敗: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return err
	}
	if _, err := f.NewSheet(detailSheet); err != nil {
		return err
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
	})
	if err != nil {
		return err
	}

	var overall, detail []models.ModelAccuracyMetric
	for _, m := range metrics {
		if m.IsOverall() {
			overall = append(overall, m)
		} else {
			detail = append(detail, m)
		}
	}
	sort.SliceStable(overall, func(i, j int) bool { return overall[i].MAPE < overall[j].MAPE })

	summaryHeader := []interface{}{"Model", "MAPE %", "MAE", "RMSE", "Samples", "Computed at"}
	if err := writeSheet(f, summarySheet, summaryHeader, headerStyle, len(overall), func(i int) []interface{} {
		m := overall[i]
		return []interface{}{m.ModelName, m.MAPE, m.MAE, m.RMSE, m.SampleSize, m.ComputedAt.Format("2006-01-02 15:04")}
	}); err != nil {
		return err
	}

	detailHeader := []interface{}{"Model", "Day of week", "Horizon", "MAPE %", "MAE", "RMSE", "Samples"}
	if err := writeSheet(f, detailSheet, detailHeader, headerStyle, len(detail), func(i int) []interface{} {
		m := detail[i]
		return []interface{}{m.ModelName, groupLabel(m.DayOfWeek, weekdayLabel), groupLabel(m.Horizon, horizonLabel), m.MAPE, m.MAE, m.RMSE, m.SampleSize}
	}); err != nil {
		return err
	}

	f.SetActiveSheet(0)
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("Excelファイルの書き込みに失敗: %w", err)
	}
	return nil
}

func writeSheet(f *excelize.File, sheet string, header []interface{}, style, rows int, row func(i int) []interface{}) error {
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}
	lastCol, _ := excelize.ColumnNumberToName(len(header))
	if err := f.SetCellStyle(sheet, "A1", lastCol+"1", style); err != nil {
		return err
	}
	for i := 0; i < rows; i++ {
		values := row(i)
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return err
		}
	}
	return f.SetColWidth(sheet, "A", lastCol, 16)
}

func groupLabel(v *int, label func(int) string) string {
	if v == nil {
		return "all"
	}
	return label(*v)
}

func weekdayLabel(d int) string {
	if d >= 0 && d < len(weekdayNames) {
		return weekdayNames[d]
	}
	return fmt.Sprintf("%d", d)
}

func horizonLabel(h int) string {
	return fmt.Sprintf("%d d", h)
}
