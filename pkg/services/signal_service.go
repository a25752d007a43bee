package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"revenue-forecast-api/pkg/database"
	"revenue-forecast-api/pkg/models"
)

// WeatherForecaster 将来日の気象予報を返す
type WeatherForecaster interface {
	FetchForecast(ctx context.Context, days int) ([]models.WeatherDaily, error)
}

// SignalService 気象・為替・祝日をまとめて日付ごとの外部シグナルにする
// どの情報源が欠けても処理は続行し、欠落は中立値に任せる
type SignalService struct {
	weatherRepo    database.WeatherRepository
	forecaster     WeatherForecaster
	economic       *EconomicService
	holidays       *HolidayCalendar
	location       string
	exchangeSymbol string
	logger         *logrus.Logger
	now            func() time.Time
}

// SignalServiceOptions SignalService の依存関係。nil の情報源は使われない
type SignalServiceOptions struct {
	WeatherRepo    database.WeatherRepository
	Forecaster     WeatherForecaster
	Economic       *EconomicService
	Holidays       *HolidayCalendar
	Location       string
	ExchangeSymbol string
}

// NewSignalService creates a new SignalService
func NewSignalService(opts SignalServiceOptions, logger *logrus.Logger) *SignalService {
	return &SignalService{
		weatherRepo:    opts.WeatherRepo,
		forecaster:     opts.Forecaster,
		economic:       opts.Economic,
		holidays:       opts.Holidays,
		location:       opts.Location,
		exchangeSymbol: opts.ExchangeSymbol,
		logger:         logger,
		now:            time.Now,
	}
}

// Signals returns the external signals for every date in [from, to].
func (s *SignalService) Signals(ctx context.Context, from, to time.Time) SignalMap {
	from, to = day(from), day(to)
	out := make(SignalMap)
	if from.After(to) {
		return out
	}

	s.addWeather(ctx, out, from, to)
	s.addExchangeRates(out, from, to)

	if s.holidays != nil {
		for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
			if h, ok := s.holidays.Lookup(d); ok {
				sig := out[d.Format(models.DateLayout)]
				sig.HolidayName = h.Name
				sig.HolidayType = h.Type
				out[d.Format(models.DateLayout)] = sig
			}
		}
	}
	return out
}

func (s *SignalService) addWeather(ctx context.Context, out SignalMap, from, to time.Time) {
	if s.weatherRepo != nil {
		rows, err := s.weatherRepo.WeatherRange(ctx, s.location, from, to)
		if err != nil {
			s.logger.WithError(err).Warn("weather history unavailable, using neutral values")
		}
		for _, w := range rows {
			applyWeather(out, w)
		}
	}

	today := day(s.now())
	if s.forecaster == nil || to.Before(today) {
		return
	}
	days := int(to.Sub(today).Hours()/24) + 1
	rows, err := s.forecaster.FetchForecast(ctx, days)
	if err != nil {
		s.logger.WithError(err).Warn("weather forecast unavailable, using neutral values")
		return
	}
	for _, w := range rows {
		d := day(w.Date)
		if d.Before(from) || d.After(to) {
			continue
		}
		// 観測値がある日は予報で上書きしない
		if sig, ok := out[d.Format(models.DateLayout)]; ok && sig.Temperature != nil {
			continue
		}
		applyWeather(out, w)
	}
}

func applyWeather(out SignalMap, w models.WeatherDaily) {
	key := day(w.Date).Format(models.DateLayout)
	sig := out[key]
	if w.TempAvg != nil {
		sig.Temperature = w.TempAvg
	} else if w.TempMin != nil && w.TempMax != nil {
		avg := (*w.TempMin + *w.TempMax) / 2
		sig.Temperature = &avg
	}
	if w.Precipitation != nil {
		sig.Precipitation = w.Precipitation
	}
	out[key] = sig
}

func (s *SignalService) addExchangeRates(out SignalMap, from, to time.Time) {
	if s.economic == nil || s.exchangeSymbol == "" || !s.economic.HasSymbol(s.exchangeSymbol) {
		return
	}
	series, err := s.economic.GetDailySeries(s.exchangeSymbol, from, to)
	if err != nil {
		s.logger.WithError(err).WithField("symbol", s.exchangeSymbol).Warn("exchange rate unavailable")
		return
	}
	for _, p := range series {
		key := p.Date.Format(models.DateLayout)
		sig := out[key]
		rate := p.Value
		sig.ExchangeRate = &rate
		out[key] = sig
	}
}
