// Package worker serves ad-hoc evaluation requests arriving on the event bus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/replay"
	"github.com/opensource-finance/kestrel/internal/snapshot"
)

// Worker answers EvaluateRequest messages with DecisionEvent messages,
// evaluating each transaction against a replay snapshot.
type Worker struct {
	bus       domain.EventBus
	repo      domain.Repository
	snapshots *snapshot.Store
	replayer  *replay.Replayer
	logger    *slog.Logger

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a new async worker. repo may be nil, in which case
// decisions are published but not stored.
func NewWorker(bus domain.EventBus, repo domain.Repository, snapshots *snapshot.Store, replayer *replay.Replayer, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		repo:      repo,
		snapshots: snapshots,
		replayer:  replayer,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to evaluation requests.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicEvaluateRequested, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicEvaluateRequested, err)
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	w.logger.Info("worker started", "topic", domain.TopicEvaluateRequested)
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var req domain.EvaluateRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		w.logger.Error("failed to parse evaluation request",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if req.RequestID == "" {
		req.RequestID = msg.ID
	}

	eval, err := w.evaluate(ctx, &req)
	out := domain.DecisionEvent{RequestID: req.RequestID, Evaluation: eval}
	if err != nil {
		out.Error = err.Error()
		w.logger.Warn("evaluation request failed",
			"request_id", req.RequestID,
			"tx_id", req.Record.TransactionID,
			"error", err,
		)
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}
	if err := w.bus.Publish(ctx, domain.TopicDecision, payload); err != nil {
		w.logger.Error("failed to publish decision",
			"request_id", req.RequestID,
			"error", err,
		)
		return err
	}

	metrics.ObserveEvaluation(metrics.ModeWorker, time.Since(start))
	if eval != nil {
		w.logger.Info("transaction evaluated",
			"request_id", req.RequestID,
			"tx_id", eval.TransactionID,
			"recommendation", eval.Recommendation,
			"deny_case", eval.DenyCase,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return nil
}

func (w *Worker) evaluate(ctx context.Context, req *domain.EvaluateRequest) (*domain.Evaluation, error) {
	if err := req.Record.Validate(); err != nil {
		return nil, err
	}

	snap, err := w.snapshots.Load(ctx, req.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	eval := w.replayer.WhatIf(ctx, req.Record, snap.History, req.RequestID, snap.Run.ID)

	if w.repo != nil {
		if err := w.repo.SaveEvaluation(ctx, eval); err != nil {
			w.logger.Error("failed to save evaluation",
				"tx_id", eval.TransactionID,
				"error", err,
			)
		}
	}
	return eval, nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.logger.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
