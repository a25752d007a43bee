package services

import (
	"fmt"
	"time"

	config "revenue-forecast-api/configs"
	"revenue-forecast-api/pkg/models"
)

// Holiday 祝日1日分
type Holiday struct {
	Name string
	Type models.HolidayType
}

// HolidayCalendar 毎年の祝日（MM-DD）と特定年の祝日（YYYY-MM-DD）を保持
type HolidayCalendar struct {
	recurring map[string]Holiday
	fixed     map[string]Holiday
}

// NewHolidayCalendar 設定から祝日カレンダーを構築
func NewHolidayCalendar(cfg *config.HolidayCalendarConfig) (*HolidayCalendar, error) {
	cal := &HolidayCalendar{
		recurring: make(map[string]Holiday),
		fixed:     make(map[string]Holiday),
	}
	if cfg == nil {
		return cal, nil
	}

	for _, h := range cfg.Holidays {
		typ := models.ParseHolidayType(h.Type)
		if typ == models.HolidayNone {
			return nil, fmt.Errorf("holiday %q on %s: unknown type %q", h.Name, h.Date, h.Type)
		}
		entry := Holiday{Name: h.Name, Type: typ}

		switch len(h.Date) {
		case len("01-02"):
			if _, err := time.Parse("01-02", h.Date); err != nil {
				return nil, fmt.Errorf("holiday %q: invalid date %q", h.Name, h.Date)
			}
			cal.recurring[h.Date] = entry
		case len(models.DateLayout):
			if _, err := time.Parse(models.DateLayout, h.Date); err != nil {
				return nil, fmt.Errorf("holiday %q: invalid date %q", h.Name, h.Date)
			}
			cal.fixed[h.Date] = entry
		default:
			return nil, fmt.Errorf("holiday %q: invalid date %q", h.Name, h.Date)
		}
	}
	return cal, nil
}

// Lookup 指定日の祝日を返す。特定年の定義を優先
func (c *HolidayCalendar) Lookup(date time.Time) (Holiday, bool) {
	if h, ok := c.fixed[date.Format(models.DateLayout)]; ok {
		return h, true
	}
	h, ok := c.recurring[date.Format("01-02")]
	return h, ok
}
