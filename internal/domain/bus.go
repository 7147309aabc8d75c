package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels or NATS.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

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
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `mapstructure:"type" yaml:"type" validate:"oneof=channel nats"`

	// Channel settings
	ChannelBufferSize int `mapstructure:"channel_buffer_size" yaml:"channel_buffer_size"`

	// NATS settings
	NATSUrl           string `mapstructure:"nats_url" yaml:"nats_url"`
	NATSToken         string `mapstructure:"nats_token" yaml:"nats_token"`
	NATSMaxReconnects int    `mapstructure:"nats_max_reconnects" yaml:"nats_max_reconnects"`
	NATSReconnectWait int    `mapstructure:"nats_reconnect_wait" yaml:"nats_reconnect_wait"` // seconds
}

// Claim pipeline topics.
const (
	TopicClaimSubmitted = "sentinel.claim.submitted"
	TopicClaimAssessed  = "sentinel.claim.assessed"
	TopicClaimAlert     = "sentinel.claim.alert"
)

// ClaimSubmission is the payload published on TopicClaimSubmitted.
type ClaimSubmission struct {
	ClaimID               string          `json:"claimId"`
	ClaimantID            string          `json:"claimantId"`
	Filename              string          `json:"filename"`
	Description           string          `json:"description,omitempty"`
	Image                 []byte          `json:"image"`
	Signals               ModalitySignals `json:"signals"`
	ClassifierProbability *float64        `json:"classifierProbability,omitempty"`
	TraceID               string          `json:"traceId,omitempty"`
}
