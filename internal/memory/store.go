package memory

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a record does not exist within the
	// caller's (tenant, user) scope.
	ErrNotFound = errors.New("memory: not found")
	// ErrForbidden is returned when a caller attempts to mutate a row it
	// does not own. Cross-user writes surface as Forbidden, never as
	// NotFound, so a caller cannot probe for row existence.
	ErrForbidden = errors.New("memory: forbidden")
)

// Scope identifies the caller for row isolation. Every store method takes
// one; implementations must never let a query escape (TenantID, UserID)
// except for Semantic rows explicitly marked IsPublic.
type Scope struct {
	TenantID string
	UserID   string
}

// SemanticFilters narrows knowledge search beyond the embedding itself.
type SemanticFilters struct {
	ExternalIDPrefix string
}

// RowStore persists the four memory kinds that need vector search or
// per-key upserts: semantic, episodic, procedural, and working memory.
// The Postgres implementation (internal/memory/postgres) enforces
// isolation via session-variable row-level security.
type RowStore interface {
	UpsertSemantic(ctx context.Context, scope Scope, s *Semantic) (id string, action UpsertAction, err error)
	SearchSemantic(ctx context.Context, scope Scope, queryEmbedding Embedding, topK int, includePublic bool, filters SemanticFilters) ([]*Semantic, error)
	DeleteSemantic(ctx context.Context, scope Scope, id string) error

	LogInteraction(ctx context.Context, scope Scope, e *Episodic) (*Episodic, error)
	RecentInteractions(ctx context.Context, scope Scope, agentID string, limit int) ([]*Episodic, error)
	SearchInteractions(ctx context.Context, scope Scope, agentID string, queryEmbedding Embedding, topK int) ([]*Episodic, error)

	RelevantSkills(ctx context.Context, scope Scope, agentID string, queryEmbedding Embedding, topK int) ([]*Procedural, error)

	SetWorking(ctx context.Context, scope Scope, entry *WorkingEntry) error
	GetWorking(ctx context.Context, scope Scope, planID, key string) (*WorkingEntry, error)
	DeleteWorking(ctx context.Context, scope Scope, planID, key string) error
	DeletePlanWorking(ctx context.Context, scope Scope, planID string) (count int, err error)
}

// DocStore persists the workflow-state documents: task contexts, plan
// contexts, plans, and sessions. The MongoDB implementation
// (internal/memory/store/mongo) is the production backend; Postgres and
// memdb also satisfy it so a single-store deployment stays possible.
type DocStore interface {
	SaveTaskContext(ctx context.Context, scope Scope, tc *TaskContext) error
	GetTaskContext(ctx context.Context, scope Scope, taskID string) (*TaskContext, error)
	UpdateTaskContext(ctx context.Context, scope Scope, taskID string, patch func(*TaskContext)) (*TaskContext, error)
	DeleteTaskContext(ctx context.Context, scope Scope, taskID string) error
	GetTaskBySubtask(ctx context.Context, scope Scope, subTaskID string) (*TaskContext, error)

	SavePlanContext(ctx context.Context, scope Scope, pc *PlanContext) error
	GetPlanContext(ctx context.Context, scope Scope, planID string) (*PlanContext, error)
	UpdatePlanContext(ctx context.Context, scope Scope, planID string, patch func(*PlanContext)) (*PlanContext, error)
	DeletePlanContext(ctx context.Context, scope Scope, planID string) error
	GetPlanContextByCorrelation(ctx context.Context, scope Scope, correlationID string) (*PlanContext, error)

	SavePlan(ctx context.Context, scope Scope, p *Plan) error
	GetPlan(ctx context.Context, scope Scope, planID string) (*Plan, error)
	ListPlans(ctx context.Context, scope Scope, sessionID, status string) ([]*Plan, error)
	DeletePlan(ctx context.Context, scope Scope, planID string) error

	SaveSession(ctx context.Context, scope Scope, s *Session) error
	GetSession(ctx context.Context, scope Scope, sessionID string) (*Session, error)
	ListSessions(ctx context.Context, scope Scope, status string) ([]*Session, error)
	DeleteSession(ctx context.Context, scope Scope, sessionID string) error
}

// Store is the Memory service's full persistence layer.
type Store interface {
	RowStore
	DocStore
}

type splitStore struct {
	RowStore
	DocStore
}

// NewSplitStore combines a row tier and a document tier into one Store,
// the standard production wiring: Postgres rows plus Mongo documents.
func NewSplitStore(rows RowStore, docs DocStore) Store {
	return splitStore{RowStore: rows, DocStore: docs}
}
