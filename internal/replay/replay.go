// Package replay folds a chronological transaction stream through the rule
// chain, one record at a time.
package replay

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrOutOfOrder is returned when the input is not ascending by date.
var ErrOutOfOrder = history.ErrOutOfOrder

var tracer = otel.Tracer("kestrel-replay")

// ctxCheckInterval is how many records are replayed between cancellation checks.
const ctxCheckInterval = 1024

// Result summarises one replay.
type Result struct {
	History  *history.History
	Approved int
	Denied   int

	// PerRule counts denials by deny case.
	PerRule map[int]int

	Duration time.Duration
}

// Total returns the number of evaluated records.
func (r *Result) Total() int {
	return r.Approved + r.Denied
}

// Replayer evaluates records against the history that precedes them.
type Replayer struct {
	proc   *decision.Processor
	logger *slog.Logger
}

// New creates a Replayer.
func New(proc *decision.Processor, logger *slog.Logger) *Replayer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replayer{proc: proc, logger: logger}
}

// Processor returns the decision processor used for ad-hoc evaluations.
func (r *Replayer) Processor() *decision.Processor {
	return r.proc
}

// Run replays records in order. Each record is evaluated against every
// record before it, stamped, appended to the history and emitted to sink.
// records is not modified. The order is checked before anything is
// evaluated; an out-of-order input fails with ErrOutOfOrder.
//
// On a sink error or cancellation the partial result is returned with the
// error.
func (r *Replayer) Run(ctx context.Context, records []domain.Record, sink Sink) (*Result, error) {
	ctx, span := tracer.Start(ctx, "replay.run")
	defer span.End()
	span.SetAttributes(attribute.Int("replay.records", len(records)))

	if sink == nil {
		sink = Discard
	}

	res := &Result{
		History: history.New(len(records)),
		PerRule: make(map[int]int),
	}

	if err := history.CheckOrder(records); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "out of order input")
		return res, err
	}

	evaluator := r.proc.Evaluator()
	start := time.Now()

	for i := range records {
		if i%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return res, err
			}
		}

		rec := records[i]
		evalStart := time.Now()
		denyCase := evaluator.Evaluate(&rec, res.History.Records())
		metrics.ObserveEvaluation(metrics.ModeReplay, time.Since(evalStart))

		rec.Stamp(denyCase)
		if err := res.History.Append(rec); err != nil {
			return res, err
		}

		if denyCase == domain.CaseApproved {
			res.Approved++
		} else {
			res.Denied++
			res.PerRule[denyCase]++
		}
		metrics.ObserveDecision(string(rec.Recommendation), denyCase)

		if r.logger.Enabled(ctx, slog.LevelDebug) {
			r.logger.Debug("record evaluated",
				"tx_id", rec.TransactionID,
				"recommendation", rec.Recommendation,
				"deny_case", denyCase,
			)
		}

		if err := sink.Emit(ctx, &rec); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "sink failed")
			return res, fmt.Errorf("sink failed at transaction %d: %w", rec.TransactionID, err)
		}
	}

	res.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Int("replay.approved", res.Approved),
		attribute.Int("replay.denied", res.Denied),
	)

	r.logger.Info("replay finished",
		"records", len(records),
		"approved", res.Approved,
		"denied", res.Denied,
		"duration_ms", res.Duration.Milliseconds(),
	)

	return res, nil
}

// WhatIf evaluates one transaction against a snapshot without appending it.
// The transaction's chargeback flag is ignored. Only snapshot records dated
// at or before the transaction are visible; records with the same timestamp
// count as prior even if a replay would have placed them later.
func (r *Replayer) WhatIf(ctx context.Context, tx domain.Record, snapshot *history.History, traceID, runID string) *domain.Evaluation {
	tx.HasCBK = false

	start := time.Now()
	eval := r.proc.Process(ctx, &decision.DecisionInput{
		TraceID:   traceID,
		RunID:     runID,
		Record:    &tx,
		History:   priorTo(snapshot.Records(), tx.TransactionDate),
		StartTime: start,
	})
	metrics.ObserveEvaluation(metrics.ModeAdhoc, time.Since(start))

	return eval
}

// priorTo returns the records dated at or before at, including every
// record sharing at's exact timestamp. A what-if transaction dated inside
// the snapshot only sees what preceded it, plus any ties.
func priorTo(records []domain.Record, at time.Time) []domain.Record {
	n := sort.Search(len(records), func(i int) bool {
		return records[i].TransactionDate.After(at)
	})
	return records[:n:n]
}
