package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"revenue-forecast-api/pkg/services"
)

// MonitoringHandler はモニタリング関連の操作のハンドラです。
type MonitoringHandler struct {
	Service *services.MonitoringService
}

// NewMonitoringHandler は新しいMonitoringHandlerを生成します。
func NewMonitoringHandler(service *services.MonitoringService) *MonitoringHandler {
	return &MonitoringHandler{
		Service: service,
	}
}

// periodHours は period クエリを集計時間に変換します。
func periodHours(period string) int {
	switch period {
	case "1h":
		return 1
	case "7d":
		return 24 * 7
	default:
		return 24
	}
}

// GetLogs は集計されたログデータを返します。
func (h *MonitoringHandler) GetLogs(c *gin.Context) {
	data := h.Service.GetDashboardData(periodHours(c.DefaultQuery("period", "24h")))
	c.JSON(http.StatusOK, data)
}

// Metrics は Prometheus のスクレイプ用エンドポイントです。
func (h *MonitoringHandler) Metrics(c *gin.Context) {
	h.Service.MetricsHandler().ServeHTTP(c.Writer, c.Request)
}
