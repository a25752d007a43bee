package handlers

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"revenue-forecast-api/pkg/models"
	"revenue-forecast-api/pkg/services"
)

// maxSignalRangeDays 一度に返す外部シグナルの最大日数
const maxSignalRangeDays = 366

// SignalHandler 外部シグナル（気象・為替・祝日）の参照と為替CSVの取り込み
type SignalHandler struct {
	signals  services.SignalProvider
	economic *services.EconomicService
	symbol   string
}

// NewSignalHandler creates a new SignalHandler. symbol is the exchange-rate series name.
func NewSignalHandler(signals services.SignalProvider, economic *services.EconomicService, symbol string) *SignalHandler {
	return &SignalHandler{signals: signals, economic: economic, symbol: symbol}
}

func dayRange(c *gin.Context) (time.Time, time.Time, bool) {
	today := time.Now().UTC()
	startStr := c.DefaultQuery("from", today.AddDate(0, 0, -30).Format(models.DateLayout))
	endStr := c.DefaultQuery("to", today.Format(models.DateLayout))

	start, err1 := parseDay(startStr)
	end, err2 := parseDay(endStr)
	if err1 != nil || err2 != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from/to format (use YYYY-MM-DD)"})
		return start, end, false
	}
	if start.After(end) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must not be after to"})
		return start, end, false
	}
	if end.Sub(start) > maxSignalRangeDays*24*time.Hour {
		c.JSON(http.StatusBadRequest, gin.H{"error": "range must not exceed one year"})
		return start, end, false
	}
	return start, end, true
}

// GetSignals 日付ごとの外部シグナルを返す
// GET /api/v1/signals?from=YYYY-MM-DD&to=YYYY-MM-DD
func (h *SignalHandler) GetSignals(c *gin.Context) {
	start, end, ok := dayRange(c)
	if !ok {
		return
	}
	signals := h.signals.Signals(c.Request.Context(), start, end)
	c.JSON(http.StatusOK, gin.H{
		"from":    start.Format(models.DateLayout),
		"to":      end.Format(models.DateLayout),
		"signals": signals,
		"count":   len(signals),
	})
}

// GetExchangeRate 前方補完済みの日次為替レートを返す
// GET /api/v1/signals/exchange-rate?from=&to=
func (h *SignalHandler) GetExchangeRate(c *gin.Context) {
	start, end, ok := dayRange(c)
	if !ok {
		return
	}
	series, err := h.economic.GetDailySeries(h.symbol, start, end)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	out := make([]gin.H, 0, len(series))
	for _, p := range series {
		out = append(out, gin.H{"date": p.Date.Format(models.DateLayout), "value": p.Value})
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol": h.symbol,
		"series": out,
		"count":  len(out),
	})
}

// ImportExchangeRate アップロードされたCSV（multipart の file、または JSON の csv_text）で為替系列を置き換える
// POST /api/v1/signals/exchange-rate/import
func (h *SignalHandler) ImportExchangeRate(c *gin.Context) {
	var body io.Reader
	if strings.Contains(strings.ToLower(c.GetHeader("Content-Type")), "application/json") {
		var req struct {
			CSVText string `json:"csv_text"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.CSVText) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "csv_text is required"})
			return
		}
		body = strings.NewReader(req.CSVText)
	} else {
		file, _, err := c.Request.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file or csv_text is required"})
			return
		}
		defer file.Close()
		body = file
	}

	if err := h.economic.LoadSeries(h.symbol, body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "symbol": h.symbol})
}
