package domain

import (
	"time"
)

// Evaluation is the decision envelope produced for one evaluated record.
type Evaluation struct {
	ID             string         `json:"id"`
	TransactionID  int64          `json:"transactionId"`
	Recommendation Recommendation `json:"recommendation"`
	DenyCase       int            `json:"denyCase"`
	RuleName       string         `json:"ruleName,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`

	Metadata EvaluationMetadata `json:"metadata"`
}

// EvaluationMetadata contains processing information.
type EvaluationMetadata struct {
	TraceID        string `json:"traceId,omitempty"`
	RunID          string `json:"runId,omitempty"`
	HistorySize    int    `json:"historySize"`
	RulesEvaluated int    `json:"rulesEvaluated"`
	DecisionMs     int64  `json:"decisionMs"`
	EngineVersion  string `json:"engineVersion"`
}

// Replay run states.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// ReplayRun summarises one batch replay.
type ReplayRun struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
	Total      int       `json:"total"`
	Approved   int       `json:"approved"`
	Denied     int       `json:"denied"`
	Rejected   int       `json:"rejected"`
	Error      string    `json:"error,omitempty"`
}
