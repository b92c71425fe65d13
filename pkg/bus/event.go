// Package bus implements the Catalyst event bus: the event model, the
// RabbitMQ topology bootstrap, and the resilient publisher/consumer pair
// that carry pipeline events between agent workers.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a pipeline stage transition.
type EventType string

// Event type vocabulary. Routing keys are "catalyst.<event_type>".
const (
	TypeTaskInitiated        EventType = "task.initiated"
	TypePlanCreated          EventType = "plan.created"
	TypeArchitectureProposed EventType = "architecture.proposed"
	TypeCodePROpened         EventType = "code.pr.opened"
	TypeTestResults          EventType = "test.results"
	TypeReviewDecision       EventType = "review.decision"
	TypeDeployComplete       EventType = "deploy.complete"
	TypeDeployFailed         EventType = "deploy.failed"
	TypeExplorerScanRequest  EventType = "explorer.scan.request"
	TypeExplorerScanComplete EventType = "explorer.scan.complete"
)

// routingKeyPrefix namespaces all Catalyst routing keys on the shared exchange.
const routingKeyPrefix = "catalyst."

// RoutingKey returns the topic routing key for this event type.
// Dots within the event type are preserved.
func (t EventType) RoutingKey() string {
	return routingKeyPrefix + string(t)
}

// Valid reports whether t is part of the event vocabulary.
func (t EventType) Valid() bool {
	switch t {
	case TypeTaskInitiated, TypePlanCreated, TypeArchitectureProposed,
		TypeCodePROpened, TypeTestResults, TypeReviewDecision,
		TypeDeployComplete, TypeDeployFailed,
		TypeExplorerScanRequest, TypeExplorerScanComplete:
		return true
	}
	return false
}

// Event is an immutable message describing one stage transition.
// TraceID is stable across the whole pipeline of one task; EventID is
// globally unique; Attempt starts at 1 and is incremented on redelivery.
type Event struct {
	EventID   string          `json:"event_id"`
	Type      EventType       `json:"event_type"`
	TraceID   string          `json:"trace_id"`
	TaskID    string          `json:"task_id"`
	Actor     string          `json:"actor"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
}

// NewEvent creates an event with a fresh event ID, a UTC timestamp, and
// attempt set to 1.
func NewEvent(eventType EventType, traceID, taskID, actor string, payload json.RawMessage) *Event {
	return &Event{
		EventID:   uuid.NewString(),
		Type:      eventType,
		TraceID:   traceID,
		TaskID:    taskID,
		Actor:     actor,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
		Attempt:   1,
	}
}

// Marshal serialises the event to its wire format (UTF-8 JSON).
func (e *Event) Marshal() ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshaling event %s: %w", e.EventID, err)
	}
	return body, nil
}

// UnmarshalEvent parses an event from its wire format and validates the
// fields the consumer depends on for routing and retry accounting.
func UnmarshalEvent(body []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, fmt.Errorf("unmarshaling event: %w", err)
	}
	if evt.EventID == "" {
		return nil, fmt.Errorf("event is missing event_id")
	}
	if !evt.Type.Valid() {
		return nil, fmt.Errorf("unknown event type %q", evt.Type)
	}
	if evt.Attempt < 1 {
		evt.Attempt = 1
	}
	return &evt, nil
}
