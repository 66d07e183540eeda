// Package decision wraps the rule chain outcome into an evaluation envelope.
package decision

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// EngineVersion is stamped into every evaluation.
const EngineVersion = "kestrel-1.0"

// Processor runs the rule chain for one transaction and produces the
// decision envelope.
type Processor struct {
	evaluator *rules.Evaluator

	// EngineVersion overrides the version stamped into metadata.
	EngineVersion string
}

// NewProcessor creates a processor around an evaluator.
func NewProcessor(evaluator *rules.Evaluator) *Processor {
	return &Processor{
		evaluator:     evaluator,
		EngineVersion: EngineVersion,
	}
}

// Evaluator returns the underlying rule chain.
func (p *Processor) Evaluator() *rules.Evaluator {
	return p.evaluator
}

// DecisionInput contains all data needed for a decision.
type DecisionInput struct {
	TraceID string
	RunID   string

	// Record is evaluated against History, which must hold only records
	// that precede it.
	Record  *domain.Record
	History []domain.Record

	StartTime time.Time
}

// Process evaluates the record and produces the decision. The record
// itself is not stamped.
func (p *Processor) Process(ctx context.Context, input *DecisionInput) *domain.Evaluation {
	start := time.Now()
	if input.StartTime.IsZero() {
		input.StartTime = start
	}

	out := p.evaluator.EvaluateDetailed(input.Record, input.History)

	eval := &domain.Evaluation{
		ID:             uuid.New().String(),
		TransactionID:  input.Record.TransactionID,
		Recommendation: domain.RecommendApprove,
		DenyCase:       out.DenyCase,
		Timestamp:      time.Now().UTC(),
	}
	if !out.Approved() {
		eval.Recommendation = domain.RecommendDeny
		eval.RuleName = rules.RuleName(out.DenyCase)
		eval.Reason = Reason(out.DenyCase)
	}

	eval.Metadata = domain.EvaluationMetadata{
		TraceID:        input.TraceID,
		RunID:          input.RunID,
		HistorySize:    len(input.History),
		RulesEvaluated: out.RulesEvaluated,
		DecisionMs:     time.Since(input.StartTime).Milliseconds(),
		EngineVersion:  p.EngineVersion,
	}

	return eval
}

// ShouldDeny returns true if the evaluation denies the transaction.
func ShouldDeny(eval *domain.Evaluation) bool {
	return eval.Recommendation == domain.RecommendDeny
}

// Reason returns a human-readable explanation of a deny case.
func Reason(denyCase int) string {
	if denyCase == domain.CaseApproved {
		return ""
	}
	desc := rules.Describe(denyCase)
	if desc == "" {
		return fmt.Sprintf("rule %d", denyCase)
	}
	return fmt.Sprintf("rule %d: %s", denyCase, desc)
}
