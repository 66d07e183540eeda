package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// RecordPublisher announces replay decisions on the event bus. Denied
// records always go to TopicRecordDenied; every record additionally goes
// to TopicRecordEvaluated when All is set.
type RecordPublisher struct {
	bus   domain.EventBus
	runID string
	All   bool
}

// NewRecordPublisher creates a publisher for one replay run.
func NewRecordPublisher(bus domain.EventBus, runID string) *RecordPublisher {
	return &RecordPublisher{bus: bus, runID: runID}
}

// Emit publishes rec.
func (p *RecordPublisher) Emit(ctx context.Context, rec *domain.Record) error {
	denied := rec.Recommendation == domain.RecommendDeny
	if !denied && !p.All {
		return nil
	}

	payload, err := json.Marshal(domain.RecordEvent{RunID: p.runID, Record: *rec})
	if err != nil {
		return fmt.Errorf("failed to marshal record event: %w", err)
	}

	if p.All {
		if err := p.bus.Publish(ctx, domain.TopicRecordEvaluated, payload); err != nil {
			return fmt.Errorf("publish %s: %w", domain.TopicRecordEvaluated, err)
		}
	}
	if denied {
		if err := p.bus.Publish(ctx, domain.TopicRecordDenied, payload); err != nil {
			return fmt.Errorf("publish %s: %w", domain.TopicRecordDenied, err)
		}
	}
	return nil
}

// PublishRun announces a finished replay run on TopicReplayCompleted.
func PublishRun(ctx context.Context, bus domain.EventBus, run *domain.ReplayRun) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal replay run: %w", err)
	}
	return bus.Publish(ctx, domain.TopicReplayCompleted, payload)
}
