// Replay tool for scoring a transaction history offline.
//
// Usage:
//
//	go run ./cmd/replay -in data/transactional-sample.csv -out data/transactional-result.csv
//
// This tool:
//  1. Reads the CSV history and orders it by transaction_date
//  2. Replays every transaction through the rule chain
//  3. Writes the stamped records to the output CSV
//  4. Prints a confusion report against the has_cbk labels
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ingest"
	"github.com/opensource-finance/kestrel/internal/replay"
	"github.com/opensource-finance/kestrel/internal/report"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	envFile := flag.String("env", "", "Optional .env file")
	in := flag.String("in", "", "Input CSV (default KESTREL_INPUT)")
	out := flag.String("out", "", "Output CSV (default KESTREL_OUTPUT, \"-\" for stdout)")
	strict := flag.Bool("strict", false, "Abort on the first malformed row")
	noSort := flag.Bool("no-sort", false, "Reject out-of-order input instead of sorting it")
	persist := flag.Bool("persist", false, "Store the run in the configured repository")
	publish := flag.Bool("publish", false, "Publish denials on the configured event bus")
	publishAll := flag.Bool("publish-all", false, "Publish approvals as well as denials")
	filterExpr := flag.String("filter", "", "CEL filter applied to the report")
	missesPath := flag.String("misses", "", "Write approved chargebacks to this CSV")
	consecutive := flag.Bool("consecutive-cbk", false, "Enable the consecutive chargeback rule")
	flag.Parse()

	var envFiles []string
	if *envFile != "" {
		envFiles = append(envFiles, *envFile)
	}
	cfg, err := config.Load(envFiles...)
	if err != nil {
		return err
	}
	logger := config.NewLogger(domain.LoggingConfig{Level: cfg.Logging.Level, Format: "text"})
	slog.SetDefault(logger)

	if *in != "" {
		cfg.Replay.InputPath = *in
	}
	if *out != "" {
		cfg.Replay.OutputPath = *out
	}
	if *strict {
		cfg.Replay.Strict = true
	}
	if *noSort {
		cfg.Replay.SortInput = false
	}
	if *consecutive {
		cfg.Rules.EnableConsecutiveCBK = true
	}

	var filter *report.Filter
	if *filterExpr != "" {
		if filter, err = report.NewFilter(*filterExpr); err != nil {
			return err
		}
	}

	evaluator, err := rules.NewEvaluator(cfg.Rules)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	loaded, err := ingest.LoadFile(cfg.Replay.InputPath, ingest.Options{
		Sort:   cfg.Replay.SortInput,
		Strict: cfg.Replay.Strict,
	})
	if err != nil {
		return err
	}
	for _, re := range loaded.Rejected {
		slog.Warn("skipped malformed row", "line", re.Line, "error", re.Err)
	}

	var repo domain.Repository
	if *persist {
		repo, err = repository.New(cfg.Repository)
		if err != nil {
			return fmt.Errorf("failed to initialize repository: %w", err)
		}
		defer repo.Close()
	}

	var eventBus domain.EventBus
	if *publish || *publishAll {
		eventBus, err = bus.New(cfg.EventBus)
		if err != nil {
			return fmt.Errorf("failed to initialize event bus: %w", err)
		}
		defer eventBus.Close()
	}

	output := os.Stdout
	if cfg.Replay.OutputPath != "-" {
		output, err = os.Create(cfg.Replay.OutputPath)
		if err != nil {
			return err
		}
		defer output.Close()
	}
	writer := ingest.NewWriter(output)
	if err := writer.WriteHeader(); err != nil {
		return err
	}

	replayer := replay.New(decision.NewProcessor(evaluator), logger)
	job := replay.NewJob(replayer, repo, eventBus, logger)
	runInfo, res, err := job.Execute(ctx, loaded.Records, replay.JobOptions{
		Source:     cfg.Replay.InputPath,
		Rejected:   len(loaded.Rejected),
		BatchSize:  cfg.Replay.PersistBatchSize,
		PublishAll: *publishAll,
	}, writer)
	if flushErr := writer.Flush(); err == nil {
		err = flushErr
	}
	if err != nil {
		if errors.Is(err, context.Canceled) && res != nil {
			slog.Warn("replay interrupted", "evaluated", res.Total())
		}
		return err
	}

	slog.Info("replay complete",
		"run_id", runInfo.ID,
		"evaluated", runInfo.Total,
		"denied", runInfo.Denied,
		"rejected", runInfo.Rejected,
		"duration", res.Duration,
	)

	records := res.History.Records()
	rep, err := report.Build(records, filter)
	if err != nil {
		return err
	}
	if err := rep.WriteText(os.Stderr); err != nil {
		return err
	}

	if *missesPath != "" {
		misses, err := report.Misses(records, filter)
		if err != nil {
			return err
		}
		f, err := os.Create(*missesPath)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := ingest.WriteAll(f, misses); err != nil {
			return err
		}
		slog.Info("wrote approved chargebacks", "path", *missesPath, "count", len(misses))
	}
	return nil
}
