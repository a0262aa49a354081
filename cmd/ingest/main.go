package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/defiguard/backend/internal/bootstrap"
	"github.com/defiguard/backend/internal/evaluation"
	"github.com/defiguard/backend/internal/metrics"
	"github.com/defiguard/backend/internal/scheduler"
	"github.com/defiguard/backend/pkg/config"
	appLogger "github.com/defiguard/backend/pkg/logger"
)

func loadConfig(cmd *cli.Command) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := cmd.String("config"); path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	level := cfg.Logging.Level
	if cmd.Bool("verbose") {
		level = "debug"
	}
	if err := appLogger.Init(level, "console", "stderr"); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	metrics.Init()

	return cfg, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runIngest(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer appLogger.Sync()

	components, err := bootstrap.Build(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer components.Close()

	report := components.Manager.Run(ctx, cmd.StringSlice("source")...)
	if err := printJSON(report); err != nil {
		return err
	}

	if report.Failed() {
		return fmt.Errorf("one or more sources failed")
	}
	return nil
}

func listSources(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer appLogger.Sync()

	components, err := bootstrap.Build(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer components.Close()

	for _, name := range components.Manager.Sources() {
		src := cfg.Sources[name]
		fmt.Printf("%-14s %-20s priority=%d profile=%s %s\n", name, src.Name, src.Priority, src.Profile, src.BaseURL)
	}
	return nil
}

func showStats(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer appLogger.Sync()

	components, err := bootstrap.Build(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer components.Close()

	stats, err := components.Store.Statistics(ctx, int(cmd.Int("days")))
	if err != nil {
		return err
	}
	runs, err := components.Store.RecentRuns(ctx, 10)
	if err != nil {
		return err
	}

	out := map[string]any{
		"total_threats":    stats.TotalThreats,
		"total_lost":       stats.TotalLost,
		"by_risk_level":    stats.ByRiskLevel,
		"by_source":        stats.BySource,
		"top_attack_types": stats.TopAttackTypes,
		"recent_threats":   stats.RecentThreats,
		"average_severity": stats.AverageSeverity,
		"recent_runs":      runs,
	}

	if components.Cache != nil {
		counts, err := scheduler.RunCounts(ctx, components.Cache)
		if err != nil {
			appLogger.Warn("Failed to read scheduler run counters", zap.Error(err))
		} else {
			out["scheduled_runs"] = counts
		}
	}

	return printJSON(out)
}

func flushCache(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer appLogger.Sync()

	components, err := bootstrap.Build(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer components.Close()

	if components.Cache == nil {
		return fmt.Errorf("redis is not enabled or not reachable")
	}
	n, err := components.Cache.InvalidateClassifications(ctx)
	if err != nil {
		return err
	}
	appLogger.Info("Classification cache flushed", zap.Int("keys", n))
	return nil
}

func evaluate(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer appLogger.Sync()

	f, err := os.Open(cmd.String("dataset"))
	if err != nil {
		return err
	}
	defer f.Close()

	dataset, err := evaluation.LoadDataset(f)
	if err != nil {
		return err
	}

	components, err := bootstrap.Build(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer components.Close()

	report, err := evaluation.NewEvaluator(components.Classifier).Run(ctx, dataset)
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		return printJSON(report)
	}
	fmt.Print(report.String())
	return nil
}

func main() {
	cmd := &cli.Command{
		Name:  "defi-guard-ingest",
		Usage: "Run DeFi threat ingestion once and inspect the corpus",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file (default: search ., ./config, /etc/defi-guard)",
				Sources: cli.EnvVars("DEFI_GUARD_CONFIG_FILE"),
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Scrape and ingest sources, then print the run report",
				Action: runIngest,
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:    "source",
						Aliases: []string{"s"},
						Usage:   "Source to run (repeatable, default: all enabled)",
					},
				},
			},
			{
				Name:   "sources",
				Usage:  "List enabled sources in run order",
				Action: listSources,
			},
			{
				Name:   "stats",
				Usage:  "Print corpus statistics and recent runs",
				Action: showStats,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "days",
						Usage: "Window for recent threats",
						Value: 30,
					},
				},
			},
			{
				Name:   "evaluate",
				Usage:  "Score the relevance classifier against a labelled dataset",
				Action: evaluate,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "dataset",
						Aliases:  []string{"d"},
						Usage:    "JSON file with {\"items\": [{title, body, relevant, protocol}]}",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Print the report as JSON",
					},
				},
			},
			{
				Name:   "flush-cache",
				Usage:  "Drop cached protocol classifications",
				Action: flushCache,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
