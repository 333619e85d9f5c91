// Package memory implements the Memory service: multi-tenant
// semantic/episodic/procedural/working memory plus task/plan/session
// workflow state, isolated per (tenant_id, user_id) at the storage layer.
package memory

import (
	"encoding/json"
	"time"
)

// Embedding is a dense vector, stored and compared with pgvector's cosine
// distance operator in the Postgres tier.
type Embedding []float32

// ProcedureType distinguishes procedural memory entries.
type ProcedureType string

const (
	ProcedureSystemPrompt   ProcedureType = "system_prompt"
	ProcedureFewShotExample ProcedureType = "few_shot_example"
)

// PlanStatus is the lifecycle state of a plan execution.
type PlanStatus string

const (
	PlanStatusRunning   PlanStatus = "running"
	PlanStatusPaused    PlanStatus = "paused"
	PlanStatusCompleted PlanStatus = "completed"
	PlanStatusFailed    PlanStatus = "failed"
)

// Semantic is a durable fact row, private to (tenant, user) unless
// IsPublic. Private rows are unique by (tenant, user, external_id) when
// ExternalID is set, else by (tenant, user, content_hash); public rows by
// the tenant-wide equivalents.
type Semantic struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	UserID      string         `json:"user_id,omitempty"`
	IsPublic    bool           `json:"is_public"`
	Content     string         `json:"content"`
	ContentHash string         `json:"content_hash"`
	ExternalID  string         `json:"external_id,omitempty"`
	Embedding   Embedding      `json:"embedding,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// UpsertAction reports what a knowledge upsert did.
type UpsertAction string

const (
	ActionCreated          UpsertAction = "created"
	ActionUpdated          UpsertAction = "updated"
	ActionDuplicateSkipped UpsertAction = "duplicate_skipped"
)

// Episodic is one append-only turn in a (user, agent) conversation.
type Episodic struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	UserID     string    `json:"user_id"`
	AgentID    string    `json:"agent_id"`
	Role       string    `json:"role"` // user|assistant|system|tool
	Content    string    `json:"content"`
	Embedding  Embedding `json:"embedding,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Procedural is a reusable system-prompt or few-shot fragment scoped to
// (tenant, user, agent).
type Procedural struct {
	ID               string        `json:"id"`
	TenantID         string        `json:"tenant_id"`
	UserID           string        `json:"user_id"`
	AgentID          string        `json:"agent_id"`
	TriggerCondition string        `json:"trigger_condition"`
	Embedding        Embedding     `json:"embedding,omitempty"`
	ProcedureType    ProcedureType `json:"procedure_type"`
	Content          string        `json:"content"`
}

// WorkingEntry is a scratch key/value pair scoped to a running plan.
type WorkingEntry struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	PlanID   string `json:"plan_id"`
	Key      string `json:"key"`
	Value    []byte `json:"value"` // JSON
}

// TaskContext is per-request mutable state owned by a worker, persisted
// so it survives async event boundaries. SubTasks maps a delegated
// sub-task's correlation ID to a caller-chosen label; recording the entry
// before publishing the delegation is what lets an async result find its
// parent task again.
type TaskContext struct {
	TenantID      string            `json:"tenant_id" bson:"tenant_id"`
	UserID        string            `json:"user_id" bson:"user_id"`
	AgentID       string            `json:"agent_id" bson:"agent_id"`
	TaskID        string            `json:"task_id" bson:"_id"`
	PlanID        string            `json:"plan_id,omitempty" bson:"plan_id,omitempty"`
	EventType     string            `json:"event_type" bson:"event_type"`
	Data          json.RawMessage   `json:"data,omitempty" bson:"data,omitempty"`
	ResponseEvent string            `json:"response_event,omitempty" bson:"response_event,omitempty"`
	ResponseTopic string            `json:"response_topic,omitempty" bson:"response_topic,omitempty"`
	SubTasks      map[string]string `json:"sub_tasks,omitempty" bson:"sub_tasks,omitempty"`
	State         map[string]any    `json:"state,omitempty" bson:"state,omitempty"`
	CreatedAt     time.Time         `json:"created_at" bson:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at" bson:"updated_at"`
}

// PlanContext is the durable, state-machine-backed record of one plan
// execution. CorrelationID is the ID result envelopes carry back so the
// planner's transition filter can find the plan.
type PlanContext struct {
	TenantID      string          `json:"tenant_id" bson:"tenant_id"`
	UserID        string          `json:"user_id" bson:"user_id"`
	PlanID        string          `json:"plan_id" bson:"_id"`
	GoalEvent     string          `json:"goal_event" bson:"goal_event"`
	GoalData      json.RawMessage `json:"goal_data,omitempty" bson:"goal_data,omitempty"`
	StateMachine  map[string]any  `json:"state_machine,omitempty" bson:"state_machine,omitempty"`
	CurrentState  string          `json:"current_state" bson:"current_state"`
	Results       map[string]any  `json:"results,omitempty" bson:"results,omitempty"`
	Status        PlanStatus      `json:"status" bson:"status"`
	CorrelationID string          `json:"correlation_id" bson:"correlation_id"`
	CreatedAt     time.Time       `json:"created_at" bson:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" bson:"updated_at"`
}

// Plan is a top-level workflow execution record.
type Plan struct {
	TenantID  string     `json:"tenant_id" bson:"tenant_id"`
	UserID    string     `json:"user_id" bson:"user_id"`
	PlanID    string     `json:"plan_id" bson:"_id"`
	SessionID string     `json:"session_id,omitempty" bson:"session_id,omitempty"`
	GoalEvent string     `json:"goal_event" bson:"goal_event"`
	Status    PlanStatus `json:"status" bson:"status"`
	CreatedAt time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" bson:"updated_at"`
}

// Session groups plans under one end-user conversation.
type Session struct {
	TenantID  string         `json:"tenant_id" bson:"tenant_id"`
	UserID    string         `json:"user_id" bson:"user_id"`
	SessionID string         `json:"session_id" bson:"_id"`
	Title     string         `json:"title,omitempty" bson:"title,omitempty"`
	Metadata  map[string]any `json:"session_metadata,omitempty" bson:"session_metadata,omitempty"`
	Status    string         `json:"status,omitempty" bson:"status,omitempty"`
	CreatedAt time.Time      `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time      `json:"updated_at" bson:"updated_at"`
}
