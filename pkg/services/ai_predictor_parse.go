package services

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// ParseResult はモデル応答の解析結果。OK が false の場合は Reason を持つ
type ParseResult struct {
	Value    float64
	OK       bool
	Strategy string
	Reason   string
}

func parsedOK(value float64, strategy string) ParseResult {
	return ParseResult{Value: value, OK: true, Strategy: strategy}
}

func parsedFail(reason string) ParseResult {
	return ParseResult{Reason: reason}
}

type parseStep struct {
	name string
	fn   func(text string, numbers []float64, avg float64) (float64, bool)
}

// 上から順に試す
var parseChain = []parseStep{
	{name: "json_field", fn: parseJSONField},
	{name: "four_digit_number", fn: parseFourDigit},
	{name: "plausible_range", fn: parsePlausible},
	{name: "largest_number", fn: parseLargest},
}

var revenueJSONKeys = []string{"predicted_revenue", "revenue", "prediction", "value"}

var (
	jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)
	datePattern       = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)
	numberPattern     = regexp.MustCompile(`\d{1,3}(?:[, ]\d{3})+(?:\.\d+)?|\d+(?:\.\d+)?`)
)

// ParseRevenue extracts a revenue amount from a model response. avg is the
// historical average used to judge plausibility.
func ParseRevenue(text string, avg float64) ParseResult {
	text = strings.TrimSpace(text)
	if text == "" {
		return parsedFail("empty response")
	}

	numbers := extractNumbers(text)
	for _, step := range parseChain {
		if v, ok := step.fn(text, numbers, avg); ok && finite(v) && v >= 0 {
			return parsedOK(v, step.name)
		}
	}
	return parsedFail("no usable number in response")
}

func parseJSONField(text string, _ []float64, _ float64) (float64, bool) {
	raw := jsonObjectPattern.FindString(text)
	if raw == "" {
		return 0, false
	}
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return 0, false
	}
	for _, key := range revenueJSONKeys {
		switch v := obj[key].(type) {
		case float64:
			return v, true
		case string:
			if f, err := strconv.ParseFloat(stripSeparators(v), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func parseFourDigit(_ string, numbers []float64, _ float64) (float64, bool) {
	for _, n := range numbers {
		if n >= 1000 {
			return n, true
		}
	}
	return 0, false
}

func parsePlausible(_ string, numbers []float64, avg float64) (float64, bool) {
	if avg <= 0 {
		return 0, false
	}
	for _, n := range numbers {
		if n >= avg*0.1 && n <= avg*10 {
			return n, true
		}
	}
	return 0, false
}

func parseLargest(_ string, numbers []float64, _ float64) (float64, bool) {
	if len(numbers) == 0 {
		return 0, false
	}
	largest := math.Inf(-1)
	for _, n := range numbers {
		largest = math.Max(largest, n)
	}
	return largest, largest > 0
}

// extractNumbers 日付を除いた数値を出現順に返す
func extractNumbers(text string) []float64 {
	text = datePattern.ReplaceAllString(text, " ")
	var out []float64
	for _, m := range numberPattern.FindAllString(text, -1) {
		if f, err := strconv.ParseFloat(stripSeparators(m), 64); err == nil {
			out = append(out, f)
		}
	}
	return out
}

func stripSeparators(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, ",", "")
	return strings.ReplaceAll(s, " ", "")
}
