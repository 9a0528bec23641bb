// Package events fans out workflow/agent/approval lifecycle events over
// RabbitMQ. It is the single concrete Publish(ctx, eventType, payload)
// implementation satisfying internal/workflow.EventPublisher,
// internal/agentctl.ActivityPublisher, and internal/approval.ActivityPublisher.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

const (
	exchangeName = "agent_core.events"
	routingKey   = "lifecycle"
)

// Envelope is the contractual event payload shape: every lifecycle event
// carries these fields regardless of event_type, with step/agent ids
// present only when the event concerns one.
type Envelope struct {
	EventType   string                 `json:"event_type"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	WorkflowID  string                 `json:"workflow_id,omitempty"`
	WorkspaceID string                 `json:"workspace_id,omitempty"`
	StepID      string                 `json:"step_id,omitempty"`
	AgentID     string                 `json:"agent_id,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Message     string                 `json:"message,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// Subscriber receives every broadcast envelope. Used for in-process
// event-driven completion (spec §9 OQ3) as an alternative to polling.
type Subscriber func(Envelope)

// amqpChannel is the narrow slice of *amqp.Channel the broadcaster needs;
// factored out so tests can substitute a fake instead of a live broker.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Broadcaster publishes lifecycle events to a RabbitMQ fanout exchange and
// additionally notifies any in-process subscribers synchronously, so a
// caller running in the same process (e.g. the integration façade) can react
// to WORKFLOW_COMPLETED without a network round trip.
type Broadcaster struct {
	conn    *amqp.Connection
	channel amqpChannel
	logger  *zap.Logger

	subscribers []Subscriber
}

// NewBroadcaster dials amqpURL and declares the lifecycle fanout exchange.
func NewBroadcaster(amqpURL string, logger *zap.Logger) (*Broadcaster, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("connect to event broker: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open event channel: %w", err)
	}
	if err := channel.ExchangeDeclare(exchangeName, "fanout", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare event exchange: %w", err)
	}
	return &Broadcaster{conn: conn, channel: channel, logger: logger}, nil
}

// newBroadcasterWithChannel builds a Broadcaster over an already-prepared
// channel, bypassing the network dial. Used by tests.
func newBroadcasterWithChannel(channel amqpChannel, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{channel: channel, logger: logger}
}

// Subscribe registers an in-process listener for every published event.
// Not safe for concurrent use with Publish; call during setup only.
func (b *Broadcaster) Subscribe(sub Subscriber) {
	b.subscribers = append(b.subscribers, sub)
}

// Publish implements workflow.EventPublisher, agentctl.ActivityPublisher,
// and approval.ActivityPublisher with one concrete broadcaster. eventType
// and payload are folded into the contractual Envelope before fan-out;
// recognised payload keys (execution_id, workflow_id, workspace_id, step_id,
// agent_id, message) are lifted to envelope fields, everything else is
// carried under data.
func (b *Broadcaster) Publish(ctx context.Context, eventType string, payload map[string]interface{}) error {
	envelope := envelopeFromPayload(eventType, payload)

	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}
	err = b.channel.Publish(exchangeName, routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   envelope.Timestamp,
	})
	if err != nil {
		if b.logger != nil {
			b.logger.Warn("event broadcast failed", zap.String("event_type", eventType), zap.Error(err))
		}
		return fmt.Errorf("publish event: %w", err)
	}

	for _, sub := range b.subscribers {
		sub(envelope)
	}
	return nil
}

func envelopeFromPayload(eventType string, payload map[string]interface{}) Envelope {
	envelope := Envelope{
		EventType: eventType,
		Data:      make(map[string]interface{}, len(payload)),
		Timestamp: time.Now().UTC(),
	}
	for key, value := range payload {
		switch key {
		case "execution_id":
			envelope.ExecutionID, _ = value.(string)
		case "workflow_id":
			envelope.WorkflowID, _ = value.(string)
		case "workspace_id":
			envelope.WorkspaceID, _ = value.(string)
		case "step_id":
			envelope.StepID, _ = value.(string)
		case "agent_id":
			envelope.AgentID, _ = value.(string)
		case "message":
			envelope.Message, _ = value.(string)
		default:
			envelope.Data[key] = value
		}
	}
	return envelope
}

// Close releases the underlying channel and connection.
func (b *Broadcaster) Close() error {
	if err := b.channel.Close(); err != nil {
		return fmt.Errorf("close event channel: %w", err)
	}
	if b.conn == nil {
		return nil
	}
	if err := b.conn.Close(); err != nil {
		return fmt.Errorf("close event connection: %w", err)
	}
	return nil
}
