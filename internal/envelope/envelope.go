// Package envelope defines the canonical Soorma Core event record and the
// fixed topic set every component routes on.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Topic is one of the eight fixed routing channels. It is never derived
// from EventType.
type Topic string

// Fixed topic set. Any other value is rejected by the Event Bus.
const (
	TopicActionRequests Topic = "action-requests"
	TopicActionResults  Topic = "action-results"
	TopicBusinessFacts  Topic = "business-facts"
	TopicSystemEvents   Topic = "system-events"
	TopicNotifications  Topic = "notifications"
	TopicAgentLifecycle Topic = "agent-lifecycle"
	TopicAudit          Topic = "audit"
	TopicDeadLetter     Topic = "dead-letter"
)

// FixedTopics enumerates every valid Topic value.
var FixedTopics = []Topic{
	TopicActionRequests,
	TopicActionResults,
	TopicBusinessFacts,
	TopicSystemEvents,
	TopicNotifications,
	TopicAgentLifecycle,
	TopicAudit,
	TopicDeadLetter,
}

// IsValid reports whether t is one of FixedTopics.
func (t Topic) IsValid() bool {
	for _, f := range FixedTopics {
		if f == t {
			return true
		}
	}
	return false
}

// Envelope is the wire format shared by every Soorma Core component.
type Envelope struct {
	EventID           string          `json:"event_id"`
	EventType         string          `json:"event_type"`
	Topic             Topic           `json:"topic"`
	TenantID          string          `json:"tenant_id"`
	UserID            string          `json:"user_id,omitempty"`
	SessionID         string          `json:"session_id,omitempty"`
	CorrelationID     string          `json:"correlation_id,omitempty"`
	ParentEventID     string          `json:"parent_event_id,omitempty"`
	TraceID           string          `json:"trace_id,omitempty"`
	ResponseEvent     string          `json:"response_event,omitempty"`
	ResponseTopic     Topic           `json:"response_topic,omitempty"`
	PayloadSchemaName string          `json:"payload_schema_name,omitempty"`
	Data              json.RawMessage `json:"data,omitempty"`
	OccurredAt        time.Time       `json:"occurred_at"`
	AssignedTo        string          `json:"assigned_to,omitempty"`
}

var (
	// ErrMissingTenant is returned when a publish-time envelope has no TenantID.
	ErrMissingTenant = errors.New("envelope: tenant_id is required")
	// ErrUnknownTopic is returned when Topic is not in FixedTopics.
	ErrUnknownTopic = errors.New("envelope: unknown topic")
	// ErrMissingEventType is returned when EventType is empty.
	ErrMissingEventType = errors.New("envelope: event_type is required")
)

// Normalize assigns EventID and OccurredAt when absent and validates the
// envelope invariants checkable without external context (tenant
// ownership is enforced by the Event Bus service, not here).
func (e *Envelope) Normalize() error {
	if e.EventType == "" {
		return ErrMissingEventType
	}
	if !e.Topic.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownTopic, e.Topic)
	}
	if e.TenantID == "" {
		return ErrMissingTenant
	}
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if e.TraceID == "" {
		e.TraceID = e.EventID
	}
	if e.ResponseEvent != "" && e.CorrelationID == "" {
		e.CorrelationID = e.EventID
	}
	return nil
}

// Clone returns a copy safe for independent mutation by callers. Data is
// shared; payloads are treated as immutable once published.
func (e Envelope) Clone() Envelope {
	return e
}
