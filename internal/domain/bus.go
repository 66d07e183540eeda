package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string

	// Channel settings (Community tier)
	ChannelBufferSize int

	// NATS settings (Pro tier)
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}

// Standard topic names.
const (
	TopicRecordEvaluated   = "kestrel.record.evaluated"
	TopicRecordDenied      = "kestrel.record.denied"
	TopicReplayCompleted   = "kestrel.replay.completed"
	TopicEvaluateRequested = "kestrel.evaluate.requested"
	TopicDecision          = "kestrel.decision"
)

// RecordEvent is published for evaluated and denied replay records.
type RecordEvent struct {
	RunID  string `json:"runId"`
	Record Record `json:"record"`
}

// EvaluateRequest asks the async worker to evaluate a transaction against
// a replay snapshot. An empty RunID selects the latest completed run.
type EvaluateRequest struct {
	RequestID string `json:"requestId"`
	RunID     string `json:"runId,omitempty"`
	Record    Record `json:"record"`
}

// DecisionEvent answers an EvaluateRequest.
type DecisionEvent struct {
	RequestID  string      `json:"requestId"`
	Evaluation *Evaluation `json:"evaluation,omitempty"`
	Error      string      `json:"error,omitempty"`
}
