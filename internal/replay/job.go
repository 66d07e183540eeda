package replay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// JobOptions configures one replay job.
type JobOptions struct {
	// Source names the input, e.g. a file path or "http".
	Source string

	// Rejected is the number of input rows dropped at ingestion.
	Rejected int

	// BatchSize is the number of records per repository write.
	BatchSize int

	// PublishAll publishes every record, not only denials.
	PublishAll bool
}

// Job runs a replay as a tracked run: the run row, its output records and
// the completion event. The repository and bus are optional.
type Job struct {
	replayer *Replayer
	repo     domain.Repository
	bus      domain.EventBus
	logger   *slog.Logger
}

// NewJob creates a Job.
func NewJob(replayer *Replayer, repo domain.Repository, eventBus domain.EventBus, logger *slog.Logger) *Job {
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{replayer: replayer, repo: repo, bus: eventBus, logger: logger}
}

// Execute replays records and records the run. extra receives every
// stamped record before it is persisted. The returned run reflects the
// final status even when err is non-nil.
func (j *Job) Execute(ctx context.Context, records []domain.Record, opts JobOptions, extra Sink) (*domain.ReplayRun, *Result, error) {
	run := &domain.ReplayRun{
		ID:        uuid.New().String(),
		Source:    opts.Source,
		Status:    domain.RunRunning,
		StartedAt: time.Now().UTC(),
		Rejected:  opts.Rejected,
	}
	logger := j.logger.With("run_id", run.ID)

	sinks := MultiSink{extra}
	var store *repository.RecordSink
	if j.repo != nil {
		if err := j.repo.SaveRun(ctx, run); err != nil {
			return run, nil, fmt.Errorf("failed to create run: %w", err)
		}
		store = repository.NewRecordSink(j.repo, run.ID, opts.BatchSize)
		sinks = append(sinks, store)
	}
	if j.bus != nil {
		pub := bus.NewRecordPublisher(j.bus, run.ID)
		pub.All = opts.PublishAll
		sinks = append(sinks, pub)
	}

	logger.Info("replay started", "source", opts.Source, "records", len(records))

	res, err := j.replayer.Run(ctx, records, sinks)
	if err == nil && store != nil {
		err = store.Flush(ctx)
	}

	run.FinishedAt = time.Now().UTC()
	run.Approved = res.Approved
	run.Denied = res.Denied
	run.Total = res.Total()
	if err != nil {
		run.Status = domain.RunFailed
		run.Error = err.Error()
	} else {
		run.Status = domain.RunCompleted
	}

	metrics.ReplayRunsTotal.WithLabelValues(run.Status).Inc()
	if opts.Rejected > 0 {
		metrics.RejectedRowsTotal.Add(float64(opts.Rejected))
	}

	// The run row is finalised even if ctx was cancelled mid-replay.
	finalCtx := context.WithoutCancel(ctx)
	if j.repo != nil {
		if saveErr := j.repo.SaveRun(finalCtx, run); saveErr != nil {
			logger.Error("failed to finalise run", "error", saveErr)
			if err == nil {
				err = fmt.Errorf("failed to finalise run: %w", saveErr)
			}
		}
	}

	if j.bus != nil {
		if pubErr := bus.PublishRun(finalCtx, j.bus, run); pubErr != nil {
			logger.Warn("failed to publish run completion", "error", pubErr)
		}
	}

	if err != nil {
		logger.Error("replay failed", "error", err, "evaluated", run.Total)
		return run, res, err
	}

	logger.Info("replay completed",
		"total", run.Total,
		"approved", run.Approved,
		"denied", run.Denied,
		"rejected", run.Rejected,
	)
	return run, res, nil
}
