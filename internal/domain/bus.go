package domain

import (
	"context"
	"time"
)

// EventBus carries verification lifecycle events between the service and
// its consumers. Backed by Go channels in a single process or by NATS.
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

	// Channel settings
	ChannelBufferSize int

	// NATS settings
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}

// Topics for the verification lifecycle.
const (
	TopicVerificationRequested = "trustmate.verification.requested"
	TopicVerificationUpdated   = "trustmate.verification.updated"
	TopicVerificationResolved  = "trustmate.verification.resolved"
	TopicVerificationRejected  = "trustmate.verification.rejected"
)

// Event types carried in VerificationEvent.
const (
	EventTypeStarted    = "started"
	EventTypeConfirmed  = "receiver_confirmed"
	EventTypeDisputed   = "receiver_disputed"
	EventTypeOverridden = "overridden"
)

// VerificationEvent is the payload of updated and resolved topics.
type VerificationEvent struct {
	Type       string     `json:"type"`
	Record     RecordView `json:"record"`
	TrustScore *int       `json:"trustScore,omitempty"`
	At         time.Time  `json:"at"`
}

// RejectedRequest is published on TopicVerificationRejected when an async
// request fails validation.
type RejectedRequest struct {
	SettlementID string `json:"settlementId"`
	Reason       string `json:"reason"`
}
