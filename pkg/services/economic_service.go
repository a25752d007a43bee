package services

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SeriesPoint represents a single daily time-series data point.
type SeriesPoint struct {
	Date  time.Time
	Value float64
}

// EconomicService loads daily economic series (exchange rates) from CSV files.
// It accepts flexible headers (Date, Close/Adj Close/Rate/Value/Price) and caches parsed series.
type EconomicService struct {
	mu           sync.RWMutex
	symbolToFile map[string]string
	cache        map[string][]SeriesPoint // symbol -> sorted daily series (ascending by date)
	dateLayouts  []string
	valueColumns []string
}

// NewEconomicService creates a new EconomicService.
func NewEconomicService(symbolToFile map[string]string) *EconomicService {
	mapping := make(map[string]string, len(symbolToFile))
	for k, v := range symbolToFile {
		if v != "" {
			mapping[strings.ToUpper(k)] = v
		}
	}
	return &EconomicService{
		symbolToFile: mapping,
		cache:        make(map[string][]SeriesPoint),
		dateLayouts: []string{
			time.RFC3339,
			"2006-01-02",
			"2006-1-2",
			"2006/01/02",
			"02.01.2006",
			"01/02/2006",
			"20060102",
		},
		valueColumns: []string{"adj close", "close", "rate", "curs", "price", "value"},
	}
}

// HasSymbol CSVが登録されているか
func (s *EconomicService) HasSymbol(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.symbolToFile[strings.ToUpper(symbol)]
	return ok
}

// LoadSeries registers an in-memory series for symbol, replacing any cached file data.
func (s *EconomicService) LoadSeries(symbol string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	series, err := s.ParseCSVBytes(data)
	if err != nil {
		return err
	}
	sym := strings.ToUpper(symbol)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbolToFile[sym] = "(memory)"
	s.cache[sym] = series
	return nil
}

// GetDailySeries returns a contiguous daily series for [start, end] with forward fill.
// Days before the first observation take the last value observed before start, if any.
func (s *EconomicService) GetDailySeries(symbol string, start, end time.Time) ([]SeriesPoint, error) {
	if start.After(end) {
		return nil, fmt.Errorf("start after end: %s > %s", start.Format("2006-01-02"), end.Format("2006-01-02"))
	}

	series, err := s.getOrLoad(strings.ToUpper(strings.TrimSpace(symbol)))
	if err != nil {
		return nil, err
	}
	return resampleDailyFFill(series, start, end), nil
}

func (s *EconomicService) getOrLoad(symbol string) ([]SeriesPoint, error) {
	s.mu.RLock()
	if series, ok := s.cache[symbol]; ok {
		s.mu.RUnlock()
		return series, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if series, ok := s.cache[symbol]; ok {
		return series, nil
	}

	path, ok := s.symbolToFile[symbol]
	if !ok || path == "" {
		return nil, fmt.Errorf("no CSV mapping for symbol: %s", symbol)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load CSV for %s: %w", symbol, err)
	}
	series, err := s.ParseCSVBytes(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSV for %s: %w", symbol, err)
	}

	s.cache[symbol] = series
	return series, nil
}

// ParseCSVBytes parses CSV content and returns a sorted, deduplicated daily series.
func (s *EconomicService) ParseCSVBytes(data []byte) ([]SeriesPoint, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.New("csv: no data")
	}

	header := normalizeHeader(rows[0])
	dateIdx := headerIndex(header, "date", "data", "日付")
	if dateIdx == -1 {
		return nil, errors.New("csv: date column not found")
	}
	valIdx := headerIndex(header, s.valueColumns...)
	if valIdx == -1 {
		return nil, errors.New("csv: value column (Close/Rate/Price/Value) not found")
	}

	var series []SeriesPoint
	for _, row := range rows[1:] {
		if len(row) <= dateIdx || len(row) <= valIdx {
			continue
		}
		dt, ok := parseAnyDate(row[dateIdx], s.dateLayouts)
		if !ok {
			continue
		}
		// "92,50" style decimal commas are common in RUB quotes
		raw := strings.TrimSpace(row[valIdx])
		if strings.Count(raw, ",") == 1 && !strings.Contains(raw, ".") {
			raw = strings.Replace(raw, ",", ".", 1)
		}
		valStr := filterNumeric(strings.ReplaceAll(raw, ",", ""))
		if valStr == "" {
			continue
		}
		v, err := strconv.ParseFloat(valStr, 64)
		if err != nil {
			continue
		}
		series = append(series, SeriesPoint{Date: dt, Value: v})
	}
	if len(series) == 0 {
		return nil, errors.New("csv: no valid rows")
	}

	// sort and deduplicate by date (last wins)
	sort.SliceStable(series, func(i, j int) bool { return series[i].Date.Before(series[j].Date) })
	dedup := make([]SeriesPoint, 0, len(series))
	for _, p := range series {
		if n := len(dedup); n > 0 && dedup[n-1].Date.Equal(p.Date) {
			dedup[n-1] = p
			continue
		}
		dedup = append(dedup, p)
	}
	return dedup, nil
}

// resampleDailyFFill ensures a contiguous daily series using forward-fill.
// Days with no earlier observation are omitted.
func resampleDailyFFill(series []SeriesPoint, start, end time.Time) []SeriesPoint {
	cur := day(start)
	e := day(end)

	var last float64
	hasLast := false
	i := 0
	for ; i < len(series) && series[i].Date.Before(cur); i++ {
		last = series[i].Value
		hasLast = true
	}

	out := make([]SeriesPoint, 0, int(e.Sub(cur).Hours()/24)+1)
	for !cur.After(e) {
		for i < len(series) && !series[i].Date.After(cur) {
			last = series[i].Value
			hasLast = true
			i++
		}
		if hasLast {
			out = append(out, SeriesPoint{Date: cur, Value: last})
		}
		cur = cur.AddDate(0, 0, 1)
	}
	return out
}

func parseAnyDate(s string, layouts []string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return day(t), true
		}
	}
	// try to split date part if time included
	if i := strings.IndexAny(s, " T"); i > 0 {
		part := s[:i]
		for _, layout := range layouts {
			if t, err := time.Parse(layout, part); err == nil {
				return day(t), true
			}
		}
	}
	return time.Time{}, false
}

func normalizeHeader(hdr []string) []string {
	out := make([]string, len(hdr))
	for i, v := range hdr {
		v = strings.TrimPrefix(v, "\ufeff")
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}

func headerIndex(hdr []string, candidates ...string) int {
	for _, c := range candidates {
		for i, v := range hdr {
			if v == c {
				return i
			}
		}
	}
	return -1
}

func day(t time.Time) time.Time { return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC) }

// filterNumeric keeps digits, dot, and minus to parse numbers like "92.5 RUB" -> "92.5".
func filterNumeric(s string) string {
	b := make([]rune, 0, len(s))
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' || r == '-' {
			b = append(b, r)
		}
	}
	return string(b)
}
