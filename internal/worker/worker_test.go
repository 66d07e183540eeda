package worker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/replay"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/snapshot"
)

var t0 = time.Date(2019, 12, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*bus.ChannelBus, domain.Repository, *Worker) {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "worker.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	ctx := context.Background()
	run := &domain.ReplayRun{ID: "run-1", Source: "seed", Status: domain.RunCompleted, StartedAt: t0}
	if err := repo.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	recs := []domain.Record{
		{TransactionID: 1, MerchantID: 1, UserID: 1, CardNumber: "c1", TransactionDate: t0, TransactionAmount: 100},
		{TransactionID: 2, MerchantID: 1, UserID: 1, CardNumber: "c1", TransactionDate: t0.Add(time.Hour), TransactionAmount: 950},
	}
	recs[0].Stamp(0)
	recs[1].Stamp(1)
	if err := repo.SaveRecords(ctx, run.ID, 0, recs); err != nil {
		t.Fatalf("SaveRecords failed: %v", err)
	}

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	replayer := replay.New(decision.NewProcessor(rules.MustEvaluator(domain.DefaultRuleParams())), nil)
	store := snapshot.NewStore(repo, nil, time.Minute, nil)
	w := NewWorker(eventBus, repo, store, replayer, nil)
	return eventBus, repo, w
}

func request(t *testing.T, eventBus *bus.ChannelBus, req domain.EvaluateRequest) domain.DecisionEvent {
	t.Helper()
	ctx := context.Background()

	got := make(chan domain.DecisionEvent, 1)
	sub, err := eventBus.Subscribe(ctx, domain.TopicDecision, func(ctx context.Context, msg *domain.Message) error {
		var ev domain.DecisionEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		if ev.RequestID == req.RequestID {
			got <- ev
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	payload, _ := json.Marshal(req)
	if err := eventBus.Publish(ctx, domain.TopicEvaluateRequested, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case ev := <-got:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for decision on request %s", req.RequestID)
	}
	return domain.DecisionEvent{}
}

func TestWorkerStartAndStop(t *testing.T) {
	_, _, w := setup(t)

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	stats := w.GetStats()
	if stats.SubscriptionCount != 1 || stats.Topics[0] != domain.TopicEvaluateRequested {
		t.Errorf("unexpected stats: %+v", stats)
	}

	if err := w.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if stats := w.GetStats(); stats.SubscriptionCount != 0 {
		t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
	}
}

func TestWorkerEvaluate(t *testing.T) {
	eventBus, repo, w := setup(t)
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	t.Run("LatestRun", func(t *testing.T) {
		ev := request(t, eventBus, domain.EvaluateRequest{
			RequestID: "req-1",
			Record: domain.Record{
				TransactionID: 3, MerchantID: 1, UserID: 1, CardNumber: "c1",
				TransactionDate: t0.Add(2 * time.Hour), TransactionAmount: 10,
			},
		})
		if ev.Error != "" {
			t.Fatalf("unexpected error: %s", ev.Error)
		}
		if ev.Evaluation == nil || ev.Evaluation.DenyCase != domain.CaseAmountLimit {
			t.Fatalf("expected amount limit denial, got %+v", ev.Evaluation)
		}
		if ev.Evaluation.Metadata.RunID != "run-1" || ev.Evaluation.Metadata.TraceID != "req-1" {
			t.Errorf("unexpected metadata: %+v", ev.Evaluation.Metadata)
		}

		stored, err := repo.GetEvaluation(context.Background(), ev.Evaluation.ID)
		if err != nil {
			t.Fatalf("GetEvaluation failed: %v", err)
		}
		if stored.DenyCase != domain.CaseAmountLimit || stored.RuleName != "amount_limit" {
			t.Errorf("unexpected stored evaluation: %+v", stored)
		}
	})

	t.Run("NamedRunApproves", func(t *testing.T) {
		ev := request(t, eventBus, domain.EvaluateRequest{
			RequestID: "req-2",
			RunID:     "run-1",
			Record: domain.Record{
				TransactionID: 4, MerchantID: 2, UserID: 9, CardNumber: "c9",
				TransactionDate: t0.Add(2 * time.Hour), TransactionAmount: 10,
			},
		})
		if ev.Error != "" || ev.Evaluation.Recommendation != domain.RecommendApprove {
			t.Errorf("expected approval, got %+v (error %q)", ev.Evaluation, ev.Error)
		}
	})

	t.Run("UnknownRun", func(t *testing.T) {
		ev := request(t, eventBus, domain.EvaluateRequest{
			RequestID: "req-3",
			RunID:     "missing",
			Record:    domain.Record{TransactionID: 5, CardNumber: "c1", TransactionDate: t0},
		})
		if ev.Error == "" || ev.Evaluation != nil {
			t.Errorf("expected error decision, got %+v", ev)
		}
	})

	t.Run("InvalidRecord", func(t *testing.T) {
		ev := request(t, eventBus, domain.EvaluateRequest{
			RequestID: "req-4",
			Record:    domain.Record{TransactionID: 6, TransactionDate: t0},
		})
		if ev.Error == "" {
			t.Error("expected validation error for a record without card number")
		}
	})
}

func TestWorkerMalformedPayload(t *testing.T) {
	_, _, w := setup(t)

	err := w.handleMessage(context.Background(), &domain.Message{ID: "m1", Payload: []byte("{")})
	if err == nil {
		t.Error("expected error for malformed payload")
	}
}
