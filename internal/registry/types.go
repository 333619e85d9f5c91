// Package registry implements the Registry service: agent and event-type
// catalog with TTL-based liveness.
package registry

import "time"

// AgentStatus is the lifecycle state of an AgentRecord.
type AgentStatus string

const (
	AgentStatusActive      AgentStatus = "active"
	AgentStatusExpired     AgentStatus = "expired"
	AgentStatusDeregistered AgentStatus = "deregistered"
)

// AgentRecord is the registry's catalog entry for one agent instance.
// AgentID = Name + ":" + Version, stable across re-registrations.
type AgentRecord struct {
	AgentID         string      `json:"agent_id" bson:"_id"`
	Name            string      `json:"name" bson:"name"`
	Version         string      `json:"version" bson:"version"`
	Capabilities    []string    `json:"capabilities,omitempty" bson:"capabilities,omitempty"`
	EventsConsumed  []string    `json:"events_consumed,omitempty" bson:"events_consumed,omitempty"`
	EventsProduced  []string    `json:"events_produced,omitempty" bson:"events_produced,omitempty"`
	EndpointHint    string      `json:"endpoint_hint,omitempty" bson:"endpoint_hint,omitempty"`
	TenantScope     string      `json:"tenant_scope,omitempty" bson:"tenant_scope,omitempty"`
	LastHeartbeatAt time.Time   `json:"last_heartbeat_at" bson:"last_heartbeat_at"`
	TTLSeconds      int         `json:"ttl_seconds" bson:"ttl_seconds"`
	Status          AgentStatus `json:"status" bson:"status"`
	// ExpiredAt is set by the TTL sweeper when Status transitions to
	// AgentStatusExpired. A second sweep pass deletes the record once
	// ExpiredAt is older than the sweeper's grace window.
	ExpiredAt *time.Time `json:"expired_at,omitempty" bson:"expired_at,omitempty"`
}

// AgentDefinition is the caller-supplied payload for register_agent.
type AgentDefinition struct {
	Name           string
	Version        string
	Capabilities   []string
	EventsConsumed []string
	EventsProduced []string
	EndpointHint   string
	TenantScope    string
	TTLSeconds     int
}

// EventDefinition catalogs a known event type, unique by (TenantScope, EventName).
type EventDefinition struct {
	EventName         string   `json:"event_name" bson:"_id"`
	Topic             string   `json:"topic" bson:"topic"`
	Description       string   `json:"description,omitempty" bson:"description,omitempty"`
	PayloadSchemaName string   `json:"payload_schema_name,omitempty" bson:"payload_schema_name,omitempty"`
	ProducedByAgents  []string `json:"produced_by_agents,omitempty" bson:"produced_by_agents,omitempty"`
	ConsumedByAgents  []string `json:"consumed_by_agents,omitempty" bson:"consumed_by_agents,omitempty"`
	TenantScope       string   `json:"tenant_scope,omitempty" bson:"tenant_scope,omitempty"`
}

// PayloadSchema is a registered JSON schema referenced by name from envelopes.
type PayloadSchema struct {
	SchemaName  string `json:"schema_name" bson:"_id"`
	Version     string `json:"version" bson:"version"`
	JSONSchema  string `json:"json_schema" bson:"json_schema"`
	OwnerAgentID string `json:"owner_agent_id,omitempty" bson:"owner_agent_id,omitempty"`
}

// DiscoverFilter narrows discover() results to active agents matching all
// set fields.
type DiscoverFilter struct {
	Capability    string
	ConsumesEvent string
	ProducesEvent string
	TenantScope   string
}
