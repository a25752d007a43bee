package handlers

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/xuri/excelize/v2"

	"revenue-forecast-api/pkg/models"
	"revenue-forecast-api/pkg/services"
)

// RevenueHandler 実績売上の取り込み
type RevenueHandler struct {
	forecasts *services.ForecastService
}

// NewRevenueHandler creates a new RevenueHandler
func NewRevenueHandler(forecasts *services.ForecastService) *RevenueHandler {
	return &RevenueHandler{forecasts: forecasts}
}

// DailyRevenueRecord 日次売上の入力1件
type DailyRevenueRecord struct {
	Date         string  `json:"date" binding:"required"`
	Revenue      float64 `json:"revenue" binding:"gte=0"`
	Transactions int     `json:"transactions"`
}

// DailyRevenueRequest 日次売上の一括登録リクエスト
type DailyRevenueRequest struct {
	Records []DailyRevenueRecord `json:"records" binding:"required,dive"`
}

// UpsertDailyRevenue JSONで日次売上を登録する
// POST /api/v1/revenue/:datasetKey/daily
func (h *RevenueHandler) UpsertDailyRevenue(c *gin.Context) {
	var req DailyRevenueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "records with date and revenue are required"})
		return
	}

	aggs := make([]models.DailyAggregate, 0, len(req.Records))
	for _, r := range req.Records {
		d, err := parseDay(r.Date)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid date %q (use YYYY-MM-DD)", r.Date)})
			return
		}
		aggs = append(aggs, models.DailyAggregate{Date: d, Revenue: r.Revenue, Transactions: r.Transactions})
	}

	h.ingest(c, aggs)
}

// UploadDailyRevenue .xlsx または .csv（date, revenue[, transactions]）から日次売上を登録する
// POST /api/v1/revenue/:datasetKey/upload
func (h *RevenueHandler) UploadDailyRevenue(c *gin.Context) {
	file, fileHeader, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ファイルの取得に失敗しました。"})
		return
	}
	defer file.Close()

	var rows [][]string
	fileName := strings.ToLower(fileHeader.Filename)

	switch {
	case strings.HasSuffix(fileName, ".xlsx"):
		f, err := excelize.OpenReader(file)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Excelファイルの読み込みに失敗しました。"})
			return
		}
		defer f.Close()
		rows, err = f.GetRows(f.GetSheetName(0))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Excelシートの行取得に失敗しました。"})
			return
		}
	case strings.HasSuffix(fileName, ".csv"):
		r := csv.NewReader(file)
		r.FieldsPerRecord = -1
		rows, err = r.ReadAll()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "CSVファイルの解析に失敗しました。"})
			return
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "サポートされていないファイル形式です。.xlsxまたは.csvをアップロードしてください。"})
		return
	}

	aggs, err := parseRevenueRows(rows)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.ingest(c, aggs)
}

func (h *RevenueHandler) ingest(c *gin.Context, aggs []models.DailyAggregate) {
	datasetKey := c.Param("datasetKey")
	if err := h.forecasts.IngestDailyRevenue(c.Request.Context(), datasetKey, aggs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"dataset_key": datasetKey,
		"upserted":    len(aggs),
	})
}

// parseRevenueRows ヘッダー行から列を探し、日付ごとに売上を合算する
func parseRevenueRows(rows [][]string) ([]models.DailyAggregate, error) {
	if len(rows) < 2 {
		return nil, fmt.Errorf("ファイルにはヘッダー行と少なくとも1行のデータが必要です。")
	}
	header := rows[0]
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	dateCol := findIndex(header, "date", "日付", "sales_date")
	revenueCol := findIndex(header, "revenue", "sales", "amount", "売上", "売上高", "金額")
	txCol := findIndex(header, "transactions", "count", "件数", "取引数")
	if dateCol < 0 || revenueCol < 0 {
		return nil, fmt.Errorf("date列とrevenue列が必要です。")
	}

	byDate := make(map[string]*models.DailyAggregate)
	var order []string
	for i, row := range rows[1:] {
		if dateCol >= len(row) || revenueCol >= len(row) || strings.TrimSpace(row[dateCol]) == "" {
			continue
		}
		d, err := parseDay(row[dateCol])
		if err != nil {
			return nil, fmt.Errorf("%d行目: 日付の形式が不正です (%s)", i+2, row[dateCol])
		}
		revenue, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(row[revenueCol]), ",", ""), 64)
		if err != nil {
			return nil, fmt.Errorf("%d行目: 売上が数値ではありません (%s)", i+2, row[revenueCol])
		}

		key := d.Format(models.DateLayout)
		agg, ok := byDate[key]
		if !ok {
			agg = &models.DailyAggregate{Date: d}
			byDate[key] = agg
			order = append(order, key)
		}
		agg.Revenue += revenue
		if txCol >= 0 && txCol < len(row) {
			if n, err := strconv.Atoi(strings.TrimSpace(row[txCol])); err == nil {
				agg.Transactions += n
			}
		}
	}
	if len(order) == 0 {
		return nil, fmt.Errorf("有効なデータ行がありません。")
	}

	out := make([]models.DailyAggregate, 0, len(order))
	for _, key := range order {
		out = append(out, *byDate[key])
	}
	return out, nil
}
