package handlers

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"revenue-forecast-api/pkg/database"
	"revenue-forecast-api/pkg/models"
	"revenue-forecast-api/pkg/services"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// FeedbackHandler 予測と実績の照合、精度メトリクス
type FeedbackHandler struct {
	feedback *services.FeedbackService
	accuracy database.AccuracyRepository
	report   *services.AccuracyReport
}

// NewFeedbackHandler creates a new FeedbackHandler
func NewFeedbackHandler(feedback *services.FeedbackService, accuracy database.AccuracyRepository) *FeedbackHandler {
	return &FeedbackHandler{
		feedback: feedback,
		accuracy: accuracy,
		report:   services.NewAccuracyReport(accuracy),
	}
}

// MatchRequest 照合に使う実績売上
type MatchRequest struct {
	Actuals []DailyRevenueRecord `json:"actuals" binding:"required,dive"`
}

// MatchActuals リクエストで渡された実績と未照合の予測を突き合わせ、精度を再集計する
// POST /api/v1/feedback/:datasetKey/match
func (h *FeedbackHandler) MatchActuals(c *gin.Context) {
	var req MatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "actuals with date and revenue are required"})
		return
	}

	realized := make([]models.DailyAggregate, 0, len(req.Actuals))
	for _, a := range req.Actuals {
		d, err := parseDay(a.Date)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid date %q (use YYYY-MM-DD)", a.Date)})
			return
		}
		realized = append(realized, models.DailyAggregate{Date: d, Revenue: a.Revenue})
	}

	ctx := c.Request.Context()
	datasetKey := c.Param("datasetKey")
	result, err := h.feedback.MatchForecastsWithActuals(ctx, datasetKey, realized)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.feedback.UpdateModelAccuracyMetrics(ctx, datasetKey); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// RecomputeAccuracy 精度メトリクスを解決済みの全サンプルから再計算する
// POST /api/v1/feedback/accuracy/recompute?dataset_key=
func (h *FeedbackHandler) RecomputeAccuracy(c *gin.Context) {
	datasetKey := c.Query("dataset_key")
	if err := h.feedback.UpdateModelAccuracyMetrics(c.Request.Context(), datasetKey); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dataset_key": datasetKey, "recomputed": true})
}

// ListAccuracy 精度メトリクスを返す
// GET /api/v1/feedback/accuracy?dataset_key=&model=&overall=true
func (h *FeedbackHandler) ListAccuracy(c *gin.Context) {
	metrics, err := h.accuracy.ListMetrics(c.Request.Context(), c.Query("dataset_key"), c.Query("model"))
	if err != nil {
		respondError(c, err)
		return
	}
	if c.Query("overall") == "true" {
		overall := metrics[:0:0]
		for _, m := range metrics {
			if m.IsOverall() {
				overall = append(overall, m)
			}
		}
		metrics = overall
	}
	c.JSON(http.StatusOK, gin.H{
		"metrics": metrics,
		"count":   len(metrics),
	})
}

// ExportAccuracy 精度メトリクスをExcelでダウンロードする
// GET /api/v1/feedback/accuracy/export?dataset_key=
func (h *FeedbackHandler) ExportAccuracy(c *gin.Context) {
	var buf bytes.Buffer
	if err := h.report.Write(c.Request.Context(), c.Query("dataset_key"), &buf); err != nil {
		respondError(c, err)
		return
	}
	fileName := fmt.Sprintf("accuracy_%s.xlsx", time.Now().Format("20060102"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}
