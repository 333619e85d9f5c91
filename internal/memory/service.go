package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/soorma-ai/soorma-core/internal/telemetry"
)

// ErrUnauthenticated is returned when the transport failed to supply a
// tenant (or, for user-scoped operations, a user) for the call.
var ErrUnauthenticated = errors.New("memory: tenant/user context is required")

// DefaultTopK bounds vector searches when the caller does not specify a
// result count.
const DefaultTopK = 10

// ServiceOptions configures a Service.
type ServiceOptions struct {
	Store    Store            // required
	Embedder Embedder         // optional; nil disables server-side embedding
	Logger   telemetry.Logger // optional
	Metrics  telemetry.Metrics
}

// Service implements the Memory operations on top of a Store, adding
// scope validation and synchronous embedding generation on write. All
// isolation decisions live in the store; the service only refuses calls
// that arrive without an authenticated scope.
type Service struct {
	store    Store
	embedder Embedder
	logger   telemetry.Logger
	metrics  telemetry.Metrics
}

// NewService constructs the Memory service. Store is required.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("memory: Store is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Service{
		store:    opts.Store,
		embedder: opts.Embedder,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}, nil
}

func (s *Service) requireScope(scope Scope) error {
	if scope.TenantID == "" || scope.UserID == "" {
		return ErrUnauthenticated
	}
	return nil
}

func (s *Service) requireTenant(scope Scope) error {
	if scope.TenantID == "" {
		return ErrUnauthenticated
	}
	return nil
}

// UpsertKnowledge stores a semantic fact. The content hash drives
// auto-dedup; an explicit ExternalID takes precedence as the conflict key
// when both could apply. The embedding is regenerated only when the
// content hash changed, which the store decides by comparing against the
// stored row.
func (s *Service) UpsertKnowledge(ctx context.Context, scope Scope, in *Semantic) (string, UpsertAction, error) {
	if err := s.requireScope(scope); err != nil {
		return "", "", err
	}
	if in.Content == "" {
		return "", "", errors.New("memory: content is required")
	}
	in.ContentHash = HashContent(in.Content)
	if len(in.Embedding) == 0 && s.embedder != nil {
		emb, err := s.embedder.Embed(ctx, in.Content)
		if err != nil {
			return "", "", fmt.Errorf("memory: embed content: %w", err)
		}
		in.Embedding = emb
	}
	id, action, err := s.store.UpsertSemantic(ctx, scope, in)
	if err != nil {
		return "", "", err
	}
	s.metrics.IncCounter("memory.semantic.upsert", 1, "action", string(action))
	s.logger.Info(ctx, "upserted knowledge", "tenant_id", scope.TenantID, "id", id, "action", string(action))
	return id, action, nil
}

// SearchKnowledge ranks the caller's private rows (plus public rows when
// includePublic) by cosine similarity against the query. queryText is
// embedded server-side when queryEmbedding is empty. Near-duplicate rows
// sharing a content hash (a private and a public copy of the same fact)
// collapse to the first-ranked one.
func (s *Service) SearchKnowledge(ctx context.Context, scope Scope, queryText string, queryEmbedding Embedding, topK int, includePublic bool, filters SemanticFilters) ([]*Semantic, error) {
	if err := s.requireScope(scope); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	emb, err := s.resolveQueryEmbedding(ctx, queryText, queryEmbedding)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.SearchSemantic(ctx, scope, emb, topK, includePublic, filters)
	if err != nil {
		return nil, err
	}
	return dedupByContentHash(rows), nil
}

// DeleteKnowledge removes one of the caller's own rows.
func (s *Service) DeleteKnowledge(ctx context.Context, scope Scope, id string) error {
	if err := s.requireScope(scope); err != nil {
		return err
	}
	return s.store.DeleteSemantic(ctx, scope, id)
}

// LogInteraction appends one conversational turn for (user, agent).
func (s *Service) LogInteraction(ctx context.Context, scope Scope, e *Episodic) (*Episodic, error) {
	if err := s.requireScope(scope); err != nil {
		return nil, err
	}
	switch e.Role {
	case "user", "assistant", "system", "tool":
	default:
		return nil, fmt.Errorf("memory: invalid role %q", e.Role)
	}
	if len(e.Embedding) == 0 && s.embedder != nil {
		emb, err := s.embedder.Embed(ctx, e.Content)
		if err != nil {
			return nil, fmt.Errorf("memory: embed interaction: %w", err)
		}
		e.Embedding = emb
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	return s.store.LogInteraction(ctx, scope, e)
}

// RecentInteractions returns the newest interactions for (user, agent).
func (s *Service) RecentInteractions(ctx context.Context, scope Scope, agentID string, limit int) ([]*Episodic, error) {
	if err := s.requireScope(scope); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultTopK
	}
	return s.store.RecentInteractions(ctx, scope, agentID, limit)
}

// SearchInteractions ranks the (user, agent) interaction slice by cosine
// similarity.
func (s *Service) SearchInteractions(ctx context.Context, scope Scope, agentID, queryText string, queryEmbedding Embedding, topK int) ([]*Episodic, error) {
	if err := s.requireScope(scope); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	emb, err := s.resolveQueryEmbedding(ctx, queryText, queryEmbedding)
	if err != nil {
		return nil, err
	}
	return s.store.SearchInteractions(ctx, scope, agentID, emb, topK)
}

// RelevantSkills returns procedural rows (system prompts, few-shot
// examples) matching the query for (user, agent).
func (s *Service) RelevantSkills(ctx context.Context, scope Scope, agentID, queryText string, queryEmbedding Embedding, topK int) ([]*Procedural, error) {
	if err := s.requireScope(scope); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	emb, err := s.resolveQueryEmbedding(ctx, queryText, queryEmbedding)
	if err != nil {
		return nil, err
	}
	return s.store.RelevantSkills(ctx, scope, agentID, emb, topK)
}

// SetWorking upserts one working-memory key for a plan.
func (s *Service) SetWorking(ctx context.Context, scope Scope, planID, key string, value []byte) error {
	if err := s.requireScope(scope); err != nil {
		return err
	}
	if planID == "" || key == "" {
		return errors.New("memory: plan_id and key are required")
	}
	return s.store.SetWorking(ctx, scope, &WorkingEntry{
		TenantID: scope.TenantID,
		UserID:   scope.UserID,
		PlanID:   planID,
		Key:      key,
		Value:    value,
	})
}

// GetWorking returns one working-memory value.
func (s *Service) GetWorking(ctx context.Context, scope Scope, planID, key string) ([]byte, error) {
	if err := s.requireScope(scope); err != nil {
		return nil, err
	}
	entry, err := s.store.GetWorking(ctx, scope, planID, key)
	if err != nil {
		return nil, err
	}
	return entry.Value, nil
}

// DeleteWorking removes one working-memory key.
func (s *Service) DeleteWorking(ctx context.Context, scope Scope, planID, key string) error {
	if err := s.requireScope(scope); err != nil {
		return err
	}
	return s.store.DeleteWorking(ctx, scope, planID, key)
}

// DeletePlanWorking removes every working-memory key of a plan and
// returns how many were deleted.
func (s *Service) DeletePlanWorking(ctx context.Context, scope Scope, planID string) (int, error) {
	if err := s.requireScope(scope); err != nil {
		return 0, err
	}
	return s.store.DeletePlanWorking(ctx, scope, planID)
}

// SaveTaskContext persists a worker's per-request state.
func (s *Service) SaveTaskContext(ctx context.Context, scope Scope, tc *TaskContext) error {
	if err := s.requireScope(scope); err != nil {
		return err
	}
	if tc.TaskID == "" {
		tc.TaskID = uuid.NewString()
	}
	tc.TenantID = scope.TenantID
	tc.UserID = scope.UserID
	return s.store.SaveTaskContext(ctx, scope, tc)
}

// GetTaskContext returns a task context by ID.
func (s *Service) GetTaskContext(ctx context.Context, scope Scope, taskID string) (*TaskContext, error) {
	if err := s.requireScope(scope); err != nil {
		return nil, err
	}
	return s.store.GetTaskContext(ctx, scope, taskID)
}

// UpdateTaskContext applies patch to the stored context and returns the
// result. memdb and the Mongo store serialize concurrent updates by
// task_id within one process; the Postgres store does not.
func (s *Service) UpdateTaskContext(ctx context.Context, scope Scope, taskID string, patch func(*TaskContext)) (*TaskContext, error) {
	if err := s.requireScope(scope); err != nil {
		return nil, err
	}
	return s.store.UpdateTaskContext(ctx, scope, taskID, patch)
}

// DeleteTaskContext removes a task context.
func (s *Service) DeleteTaskContext(ctx context.Context, scope Scope, taskID string) error {
	if err := s.requireScope(scope); err != nil {
		return err
	}
	return s.store.DeleteTaskContext(ctx, scope, taskID)
}

// GetTaskBySubtask locates the parent task whose sub_tasks map contains
// subTaskID. This is the lookup that restores a worker's state when an
// async sub-task result arrives.
func (s *Service) GetTaskBySubtask(ctx context.Context, scope Scope, subTaskID string) (*TaskContext, error) {
	if err := s.requireScope(scope); err != nil {
		return nil, err
	}
	return s.store.GetTaskBySubtask(ctx, scope, subTaskID)
}

// SavePlanContext persists a plan execution's state-machine snapshot.
func (s *Service) SavePlanContext(ctx context.Context, scope Scope, pc *PlanContext) error {
	if err := s.requireScope(scope); err != nil {
		return err
	}
	if pc.PlanID == "" {
		pc.PlanID = uuid.NewString()
	}
	if pc.Status == "" {
		pc.Status = PlanStatusRunning
	}
	pc.TenantID = scope.TenantID
	pc.UserID = scope.UserID
	return s.store.SavePlanContext(ctx, scope, pc)
}

// GetPlanContext returns a plan context by plan ID.
func (s *Service) GetPlanContext(ctx context.Context, scope Scope, planID string) (*PlanContext, error) {
	if err := s.requireScope(scope); err != nil {
		return nil, err
	}
	return s.store.GetPlanContext(ctx, scope, planID)
}

// GetPlanContextByCorrelation is the authoritative correlation-to-plan
// lookup used by planner transition filters.
func (s *Service) GetPlanContextByCorrelation(ctx context.Context, scope Scope, correlationID string) (*PlanContext, error) {
	if err := s.requireScope(scope); err != nil {
		return nil, err
	}
	return s.store.GetPlanContextByCorrelation(ctx, scope, correlationID)
}

// UpdatePlanContext applies patch to the stored plan context. memdb and
// the Mongo store serialize concurrent updates by plan_id within one
// process; the Postgres store does not.
func (s *Service) UpdatePlanContext(ctx context.Context, scope Scope, planID string, patch func(*PlanContext)) (*PlanContext, error) {
	if err := s.requireScope(scope); err != nil {
		return nil, err
	}
	return s.store.UpdatePlanContext(ctx, scope, planID, patch)
}

// DeletePlanContext removes a plan context.
func (s *Service) DeletePlanContext(ctx context.Context, scope Scope, planID string) error {
	if err := s.requireScope(scope); err != nil {
		return err
	}
	return s.store.DeletePlanContext(ctx, scope, planID)
}

// SavePlan persists a plan record.
func (s *Service) SavePlan(ctx context.Context, scope Scope, p *Plan) error {
	if err := s.requireScope(scope); err != nil {
		return err
	}
	if p.PlanID == "" {
		p.PlanID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = PlanStatusRunning
	}
	p.TenantID = scope.TenantID
	p.UserID = scope.UserID
	return s.store.SavePlan(ctx, scope, p)
}

// GetPlan returns a plan record by ID.
func (s *Service) GetPlan(ctx context.Context, scope Scope, planID string) (*Plan, error) {
	if err := s.requireScope(scope); err != nil {
		return nil, err
	}
	return s.store.GetPlan(ctx, scope, planID)
}

// ListPlans returns the caller's plans, optionally filtered by session
// and status.
func (s *Service) ListPlans(ctx context.Context, scope Scope, sessionID, status string) ([]*Plan, error) {
	if err := s.requireScope(scope); err != nil {
		return nil, err
	}
	return s.store.ListPlans(ctx, scope, sessionID, status)
}

// DeletePlan removes a plan record.
func (s *Service) DeletePlan(ctx context.Context, scope Scope, planID string) error {
	if err := s.requireScope(scope); err != nil {
		return err
	}
	return s.store.DeletePlan(ctx, scope, planID)
}

// SaveSession persists a session record.
func (s *Service) SaveSession(ctx context.Context, scope Scope, sess *Session) error {
	if err := s.requireScope(scope); err != nil {
		return err
	}
	if sess.SessionID == "" {
		sess.SessionID = uuid.NewString()
	}
	sess.TenantID = scope.TenantID
	sess.UserID = scope.UserID
	return s.store.SaveSession(ctx, scope, sess)
}

// GetSession returns a session record by ID.
func (s *Service) GetSession(ctx context.Context, scope Scope, sessionID string) (*Session, error) {
	if err := s.requireScope(scope); err != nil {
		return nil, err
	}
	return s.store.GetSession(ctx, scope, sessionID)
}

// ListSessions returns the caller's sessions, optionally by status.
func (s *Service) ListSessions(ctx context.Context, scope Scope, status string) ([]*Session, error) {
	if err := s.requireScope(scope); err != nil {
		return nil, err
	}
	return s.store.ListSessions(ctx, scope, status)
}

// DeleteSession removes a session record.
func (s *Service) DeleteSession(ctx context.Context, scope Scope, sessionID string) error {
	if err := s.requireScope(scope); err != nil {
		return err
	}
	return s.store.DeleteSession(ctx, scope, sessionID)
}

func (s *Service) resolveQueryEmbedding(ctx context.Context, text string, emb Embedding) (Embedding, error) {
	if len(emb) > 0 {
		return emb, nil
	}
	if s.embedder == nil {
		return nil, errors.New("memory: query embedding is required when no embedder is configured")
	}
	if text == "" {
		return nil, errors.New("memory: query text or embedding is required")
	}
	return s.embedder.Embed(ctx, text)
}

// HashContent is the canonical semantic-memory content hash.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// dedupByContentHash collapses result rows sharing a content hash (a
// caller's private copy and a public copy of the same fact can both match
// the conflict-index matrix) keeping the first-ranked occurrence.
func dedupByContentHash(rows []*Semantic) []*Semantic {
	seen := make(map[string]bool, len(rows))
	out := rows[:0]
	for _, r := range rows {
		if r.ContentHash != "" && seen[r.ContentHash] {
			continue
		}
		seen[r.ContentHash] = true
		out = append(out, r)
	}
	return out
}
