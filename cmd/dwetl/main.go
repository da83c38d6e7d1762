// Command dwetl executes one warehouse ETL run: extract the configured
// entities from the operational source, merge dimensions, generate the
// time dimension, and load facts, tracked in the warehouse's run tables.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"dwetl/internal/config"
	"dwetl/internal/engine"
	"dwetl/internal/etlerrors"
	"dwetl/internal/metrics"
	"dwetl/internal/metrics/datadog"
	"dwetl/internal/source"
	"dwetl/internal/storage"

	// Register warehouse backends with the storage factory.
	_ "dwetl/internal/storage/postgres"
	_ "dwetl/internal/storage/sqlite"
)

// Exit codes: 0 success, 1 run failure, 2 usage or configuration error.
const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

const windowLayout = "2006-01-02"

type options struct {
	configPath string
	from       string
	to         string
	verbose    bool
	dryRun     bool
	metricsOn  bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr *os.File) int {
	fs := flag.NewFlagSet("dwetl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var opts options
	fs.StringVar(&opts.configPath, "config", "", "pipeline config YAML path")
	fs.StringVar(&opts.from, "from", "", "window start date (YYYY-MM-DD, default: yesterday)")
	fs.StringVar(&opts.to, "to", "", "window end date (YYYY-MM-DD, default: today)")
	fs.BoolVar(&opts.verbose, "v", false, "enable debug logging")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "print the compiled catalog and exit without touching databases")
	fs.BoolVar(&opts.metricsOn, "metrics", false, "publish run metrics to Datadog")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if opts.configPath == "" {
		fmt.Fprintln(stderr, "usage: dwetl -config path/to/pipeline.yaml [-from YYYY-MM-DD] [-to YYYY-MM-DD]")
		return exitUsage
	}

	log := newLogger(stderr, opts.verbose)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		log.Error("config", "error", err)
		return exitUsage
	}
	model, err := cfg.Compile()
	if err != nil {
		log.Error("config", "error", err)
		return exitUsage
	}

	window, err := parseWindow(opts.from, opts.to, time.Now())
	if err != nil {
		log.Error("window", "error", err)
		return exitUsage
	}

	if opts.dryRun {
		printPlan(model, window)
		return exitOK
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return execute(ctx, cfg, model, window, opts, log)
}

func execute(ctx context.Context, cfg *config.Config, model *config.Model, window source.Window, opts options, log *slog.Logger) int {
	src, err := source.Open(ctx, source.Config{
		Kind:         cfg.Source.Kind,
		DSN:          cfg.Source.DSN,
		MaxOpenConns: cfg.Source.MaxOpenConns,
	})
	if err != nil {
		log.Error("source connect", "error", err)
		return exitUsage
	}
	defer src.Close()

	wh, err := storage.New(ctx, storage.Config{
		Kind:     cfg.Warehouse.Kind,
		DSN:      cfg.Warehouse.DSN,
		MaxConns: cfg.Warehouse.MaxConns,
	})
	if err != nil {
		log.Error("warehouse connect", "error", err)
		return exitUsage
	}
	defer wh.Close()

	var backend metrics.Backend = metrics.Nop{}
	if opts.metricsOn {
		dd, err := datadog.NewBackend(ctx, datadog.Options{JobName: "dwetl"})
		if err != nil {
			log.Error("metrics backend", "error", err)
			return exitUsage
		}
		defer dd.Close()
		backend = dd
	}

	eng := &engine.Engine{
		Model:     model,
		Settings:  cfg.Load,
		Source:    src,
		Warehouse: wh,
		Logger:    log,
		Metrics:   backend,
	}

	report, err := eng.Run(ctx, window)
	if err != nil {
		if etlerrors.CodeOf(err) == etlerrors.CodeRunActive {
			log.Error("another run is already active", "error", err)
		} else {
			log.Error("run aborted", "error", err)
		}
		return exitFailed
	}

	for _, t := range report.Tables {
		log.Info("entity summary",
			"entity", t.Entity,
			"status", t.Status,
			"read", t.RowsRead,
			"loaded", t.RowsLoaded,
			"rejected", t.RowsRejected,
		)
	}
	if report.Failed() {
		log.Error("run failed", "run_id", report.RunID)
		return exitFailed
	}
	log.Info("run succeeded", "run_id", report.RunID)
	return exitOK
}

func newLogger(w *os.File, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}

// parseWindow builds the extraction window. Defaults follow the nightly
// batch convention: yesterday midnight through today midnight.
func parseWindow(from, to string, now time.Time) (source.Window, error) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	w := source.Window{Start: today.AddDate(0, 0, -1), End: today}

	var err error
	if from != "" {
		if w.Start, err = time.ParseInLocation(windowLayout, from, now.Location()); err != nil {
			return source.Window{}, fmt.Errorf("-from: %w", err)
		}
	}
	if to != "" {
		if w.End, err = time.ParseInLocation(windowLayout, to, now.Location()); err != nil {
			return source.Window{}, fmt.Errorf("-to: %w", err)
		}
	}
	if !w.End.After(w.Start) {
		return source.Window{}, fmt.Errorf("window end %s is not after start %s",
			w.End.Format(windowLayout), w.Start.Format(windowLayout))
	}
	return w, nil
}

func printPlan(model *config.Model, window source.Window) {
	fmt.Printf("window: %s -> %s\n",
		window.Start.Format(windowLayout), window.End.Format(windowLayout))
	for _, d := range model.Dimensions {
		fmt.Printf("dimension %-24s table=%s scd=%s keys=%v\n",
			d.Entity.Name, d.Table.Name, d.Table.SCD, d.Table.BusinessKeys)
	}
	fmt.Printf("time      %-24s table=%s\n", "time", model.Catalog.Time.Name)
	for _, f := range model.Facts {
		fmt.Printf("fact      %-24s table=%s natural_key=%s lookups=%d\n",
			f.Entity.Name, f.Table.Name, f.Table.NaturalKey, len(f.Lookups))
	}
}
