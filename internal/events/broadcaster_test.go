package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/streadway/amqp"
)

type fakeChannel struct {
	mu        sync.Mutex
	published []amqp.Publishing
	declared  bool
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.declared = true
	return nil
}

func (f *fakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func (f *fakeChannel) last(t *testing.T) Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.published) == 0 {
		t.Fatal("expected at least one published message")
	}
	var envelope Envelope
	if err := json.Unmarshal(f.published[len(f.published)-1].Body, &envelope); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return envelope
}

func TestBroadcaster_PublishLiftsKnownFieldsAndKeepsRestUnderData(t *testing.T) {
	ch := &fakeChannel{}
	b := newBroadcasterWithChannel(ch, nil)

	err := b.Publish(context.Background(), "WORKFLOW_COMPLETED", map[string]interface{}{
		"execution_id": "exec-1",
		"workflow_id":  "wf-1",
		"workspace_id": "ws-1",
		"message":      "workflow finished",
		"duration_ms":  1200,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	envelope := ch.last(t)
	if envelope.EventType != "WORKFLOW_COMPLETED" || envelope.ExecutionID != "exec-1" ||
		envelope.WorkflowID != "wf-1" || envelope.WorkspaceID != "ws-1" || envelope.Message != "workflow finished" {
		t.Fatalf("expected known fields lifted onto the envelope, got %+v", envelope)
	}
	if _, ok := envelope.Data["duration_ms"]; !ok {
		t.Fatalf("expected unrecognised field to survive under data, got %+v", envelope.Data)
	}
}

func TestBroadcaster_PublishNotifiesSubscribers(t *testing.T) {
	ch := &fakeChannel{}
	b := newBroadcasterWithChannel(ch, nil)

	var received []Envelope
	b.Subscribe(func(e Envelope) { received = append(received, e) })

	if err := b.Publish(context.Background(), "STEP_COMPLETED", map[string]interface{}{"step_id": "step-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(received) != 1 || received[0].StepID != "step-1" {
		t.Fatalf("expected the subscriber to observe the published event, got %+v", received)
	}
}

func TestBroadcaster_SatisfiesWorkflowEventPublisherSignature(t *testing.T) {
	ch := &fakeChannel{}
	b := newBroadcasterWithChannel(ch, nil)

	var publisher interface {
		Publish(ctx context.Context, eventType string, payload map[string]interface{}) error
	} = b
	if err := publisher.Publish(context.Background(), "AGENT_ACTIVITY", map[string]interface{}{"agent_id": "agent-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
