// revenuectl 売上予測APIの運用コマンド
//
// Usage:
//
//	revenuectl reconcile [--dataset KEY]
//	revenuectl load-weather --start 2024-01-01 --end 2024-12-31 [--lat 52.61 --lon 39.594 --location Lipetsk,RU]
//	revenuectl export-accuracy --out accuracy.xlsx [--dataset KEY]
//	revenuectl migrate
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	config "revenue-forecast-api/configs"
	"revenue-forecast-api/pkg/app"
	"revenue-forecast-api/pkg/cache"
	"revenue-forecast-api/pkg/logging"
	"revenue-forecast-api/pkg/models"
	"revenue-forecast-api/pkg/services"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	cliApp := &cli.App{
		Name:    "revenuectl",
		Usage:   "Operate the revenue forecast store: reconciliation, weather loading, accuracy export",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "PostgreSQL connection URL",
				EnvVars:  []string{"DATABASE_URL"},
				Required: true,
			},
		},
		Commands: []*cli.Command{
			reconcileCommand(),
			loadWeatherCommand(),
			exportAccuracyCommand(),
			migrateCommand(),
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openApp PostgreSQL に接続したアプリケーションを作る。キャッシュは使わないのでプロセス内に置く
func openApp(c *cli.Context) (*app.App, error) {
	cfg := config.LoadConfig()
	cfg.DatabaseURL = c.String("database-url")
	cfg.LogLevel = c.String("log-level")
	logger := logging.NewLogger(cfg.LogLevel, cfg.Environment)

	return app.New(c.Context, cfg, logger, app.Storage{Store: cache.NewMemoryStore()})
}

func withSignals(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
}

// =============================================================================
// RECONCILE
// =============================================================================

func reconcileCommand() *cli.Command {
	return &cli.Command{
		Name:  "reconcile",
		Usage: "Match unresolved predictions with realized revenue and recompute accuracy",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "dataset",
				Usage: "Dataset key (all datasets when omitted)",
			},
		},
		Action: runReconcile,
	}
}

func runReconcile(c *cli.Context) error {
	a, err := openApp(c)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := withSignals(c)
	defer cancel()

	if ds := c.String("dataset"); ds != "" {
		result, err := a.Feedback.RunForDataset(ctx, ds)
		if err != nil {
			return err
		}
		fmt.Printf("dataset=%s matched=%d updated=%d errors=%d\n", ds, result.Matched, result.Updated, result.Errors)
		return nil
	}
	if err := a.Feedback.RunAll(ctx); err != nil {
		return err
	}
	fmt.Println("reconciliation finished for all datasets")
	return nil
}

// =============================================================================
// LOAD-WEATHER
// =============================================================================

func loadWeatherCommand() *cli.Command {
	return &cli.Command{
		Name:  "load-weather",
		Usage: "Fetch daily weather from the Open-Meteo ERA5 archive into analytics.weather_daily",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "start", Usage: "First date (YYYY-MM-DD)", Required: true},
			&cli.StringFlag{Name: "end", Usage: "Last date (YYYY-MM-DD)", Required: true},
			&cli.Float64Flag{Name: "lat", Usage: "Latitude (defaults to WEATHER_LATITUDE)"},
			&cli.Float64Flag{Name: "lon", Usage: "Longitude (defaults to WEATHER_LONGITUDE)"},
			&cli.StringFlag{Name: "location", Usage: "Location label stored with each row (defaults to WEATHER_LOCATION)"},
		},
		Action: runLoadWeather,
	}
}

func runLoadWeather(c *cli.Context) error {
	start, err := time.Parse(models.DateLayout, c.String("start"))
	if err != nil {
		return fmt.Errorf("invalid --start: %w", err)
	}
	end, err := time.Parse(models.DateLayout, c.String("end"))
	if err != nil {
		return fmt.Errorf("invalid --end: %w", err)
	}
	if start.After(end) {
		return fmt.Errorf("--start (%s) must not be after --end (%s)", c.String("start"), c.String("end"))
	}

	a, err := openApp(c)
	if err != nil {
		return err
	}
	defer a.Close()

	loc := a.Weather.Location()
	if c.IsSet("lat") {
		loc.Latitude = c.Float64("lat")
	}
	if c.IsSet("lon") {
		loc.Longitude = c.Float64("lon")
	}
	if c.IsSet("location") {
		loc.Name = c.String("location")
	}
	weather := services.NewWeatherService(a.Config.Signals.OpenMeteoArchive, a.Config.Signals.OpenMeteoForecast, loc, a.Logger)

	ctx, cancel := withSignals(c)
	defer cancel()

	rows, err := weather.FetchArchive(ctx, start, end)
	if err != nil {
		return err
	}
	n, err := a.WeatherRepo.UpsertWeather(ctx, rows)
	if err != nil {
		return err
	}
	fmt.Printf("upserted %d rows for %s (%s .. %s)\n", n, loc.Name, c.String("start"), c.String("end"))
	return nil
}

// =============================================================================
// EXPORT-ACCURACY
// =============================================================================

func exportAccuracyCommand() *cli.Command {
	return &cli.Command{
		Name:  "export-accuracy",
		Usage: "Write the model accuracy report as an Excel workbook",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Output .xlsx path", Required: true},
			&cli.StringFlag{Name: "dataset", Usage: "Dataset key (cross-dataset aggregates when omitted)"},
		},
		Action: runExportAccuracy,
	}
}

func runExportAccuracy(c *cli.Context) error {
	a, err := openApp(c)
	if err != nil {
		return err
	}
	defer a.Close()

	f, err := os.Create(c.String("out"))
	if err != nil {
		return err
	}
	if err := services.NewAccuracyReport(a.Accuracy).Write(c.Context, c.String("dataset"), f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", c.String("out"))
	return nil
}

// =============================================================================
// MIGRATE
// =============================================================================

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create the analytics schema and tables when missing",
		Action: func(c *cli.Context) error {
			a, err := openApp(c)
			if err != nil {
				return err
			}
			a.Close()
			fmt.Println("schema is up to date")
			return nil
		},
	}
}
