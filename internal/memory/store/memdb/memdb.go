// Package memdb provides an in-memory memory.Store, for tests and
// single-node development without Postgres. Isolation that the Postgres
// tier enforces via row-level security session variables is enforced
// here in Go, scope-checked on every call.
package memdb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soorma-ai/soorma-core/internal/memory"
)

// Store is a mutex-guarded in-memory memory.Store.
type Store struct {
	mu sync.RWMutex

	semantic    map[string]*memory.Semantic
	episodic    map[string]*memory.Episodic
	procedural  map[string]*memory.Procedural
	working     map[string]*memory.WorkingEntry // key: tenant|plan|key
	taskCtx     map[string]*memory.TaskContext  // key: tenant|task_id
	planCtx     map[string]*memory.PlanContext  // key: tenant|plan_id
	plans       map[string]*memory.Plan         // key: tenant|plan_id
	sessions    map[string]*memory.Session      // key: tenant|session_id
}

var _ memory.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		semantic:   make(map[string]*memory.Semantic),
		episodic:   make(map[string]*memory.Episodic),
		procedural: make(map[string]*memory.Procedural),
		working:    make(map[string]*memory.WorkingEntry),
		taskCtx:    make(map[string]*memory.TaskContext),
		planCtx:    make(map[string]*memory.PlanContext),
		plans:      make(map[string]*memory.Plan),
		sessions:   make(map[string]*memory.Session),
	}
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func (s *Store) UpsertSemantic(_ context.Context, scope memory.Scope, in *memory.Semantic) (string, memory.UpsertAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := contentHash(in.Content)
	for _, row := range s.semantic {
		if row.TenantID != scope.TenantID {
			continue
		}
		if !row.IsPublic && row.UserID != scope.UserID {
			continue
		}
		sameScope := row.IsPublic == in.IsPublic
		if !sameScope {
			continue
		}
		matches := false
		if in.ExternalID != "" && row.ExternalID == in.ExternalID {
			matches = true
		} else if in.ExternalID == "" && row.ContentHash == hash {
			matches = true
		}
		if !matches {
			continue
		}
		action := memory.ActionDuplicateSkipped
		if row.ContentHash != hash {
			row.Embedding = in.Embedding
			action = memory.ActionUpdated
		} else if row.Content != in.Content || !equalMeta(row.Metadata, in.Metadata) {
			action = memory.ActionUpdated
		}
		row.Content = in.Content
		row.ContentHash = hash
		row.Metadata = in.Metadata
		row.IsPublic = in.IsPublic
		row.UpdatedAt = time.Now().UTC()
		return row.ID, action, nil
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	row := &memory.Semantic{
		ID: id, TenantID: scope.TenantID, UserID: scope.UserID,
		IsPublic: in.IsPublic, Content: in.Content, ContentHash: hash,
		ExternalID: in.ExternalID, Embedding: in.Embedding, Metadata: in.Metadata,
		CreatedAt: now, UpdatedAt: now,
	}
	s.semantic[id] = row
	return id, memory.ActionCreated, nil
}

func (s *Store) SearchSemantic(_ context.Context, scope memory.Scope, q memory.Embedding, topK int, includePublic bool, filters memory.SemanticFilters) ([]*memory.Semantic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		row   *memory.Semantic
		score float64
	}
	var candidates []scored
	for _, row := range s.semantic {
		if row.TenantID != scope.TenantID {
			continue
		}
		owned := row.UserID == scope.UserID && !row.IsPublic
		public := row.IsPublic && includePublic
		if !owned && !public {
			continue
		}
		if filters.ExternalIDPrefix != "" && !hasPrefix(row.ExternalID, filters.ExternalIDPrefix) {
			continue
		}
		candidates = append(candidates, scored{row, memory.CosineSimilarity(q, row.Embedding)})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if topK > 0 && len(candidates) > topK {
		candidates = candidates[:topK]
	}
	out := make([]*memory.Semantic, len(candidates))
	for i, c := range candidates {
		out[i] = c.row
	}
	return out, nil
}

func (s *Store) DeleteSemantic(_ context.Context, scope memory.Scope, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.semantic[id]
	if !ok || row.TenantID != scope.TenantID {
		return memory.ErrNotFound
	}
	if row.UserID != scope.UserID {
		return memory.ErrForbidden
	}
	delete(s.semantic, id)
	return nil
}

func (s *Store) LogInteraction(_ context.Context, scope memory.Scope, e *memory.Episodic) (*memory.Episodic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = uuid.NewString()
	e.TenantID = scope.TenantID
	e.UserID = scope.UserID
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	s.episodic[e.ID] = e
	return e, nil
}

func (s *Store) RecentInteractions(_ context.Context, scope memory.Scope, agentID string, limit int) ([]*memory.Episodic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rows []*memory.Episodic
	for _, e := range s.episodic {
		if e.TenantID == scope.TenantID && e.UserID == scope.UserID && e.AgentID == agentID {
			rows = append(rows, e)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].OccurredAt.After(rows[j].OccurredAt) })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (s *Store) SearchInteractions(_ context.Context, scope memory.Scope, agentID string, q memory.Embedding, topK int) ([]*memory.Episodic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type scored struct {
		row   *memory.Episodic
		score float64
	}
	var candidates []scored
	for _, e := range s.episodic {
		if e.TenantID == scope.TenantID && e.UserID == scope.UserID && e.AgentID == agentID {
			candidates = append(candidates, scored{e, memory.CosineSimilarity(q, e.Embedding)})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if topK > 0 && len(candidates) > topK {
		candidates = candidates[:topK]
	}
	out := make([]*memory.Episodic, len(candidates))
	for i, c := range candidates {
		out[i] = c.row
	}
	return out, nil
}

func (s *Store) RelevantSkills(_ context.Context, scope memory.Scope, agentID string, q memory.Embedding, topK int) ([]*memory.Procedural, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type scored struct {
		row   *memory.Procedural
		score float64
	}
	var candidates []scored
	for _, p := range s.procedural {
		if p.TenantID == scope.TenantID && p.UserID == scope.UserID && p.AgentID == agentID {
			candidates = append(candidates, scored{p, memory.CosineSimilarity(q, p.Embedding)})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if topK > 0 && len(candidates) > topK {
		candidates = candidates[:topK]
	}
	out := make([]*memory.Procedural, len(candidates))
	for i, c := range candidates {
		out[i] = c.row
	}
	return out, nil
}

func workingKey(tenantID, planID, key string) string { return tenantID + "|" + planID + "|" + key }

func (s *Store) SetWorking(_ context.Context, scope memory.Scope, entry *memory.WorkingEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.TenantID = scope.TenantID
	entry.UserID = scope.UserID
	s.working[workingKey(scope.TenantID, entry.PlanID, entry.Key)] = entry
	return nil
}

func (s *Store) GetWorking(_ context.Context, scope memory.Scope, planID, key string) (*memory.WorkingEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.working[workingKey(scope.TenantID, planID, key)]
	if !ok || e.UserID != scope.UserID {
		return nil, memory.ErrNotFound
	}
	return e, nil
}

func (s *Store) DeleteWorking(_ context.Context, scope memory.Scope, planID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := workingKey(scope.TenantID, planID, key)
	e, ok := s.working[k]
	if !ok || e.UserID != scope.UserID {
		return memory.ErrNotFound
	}
	delete(s.working, k)
	return nil
}

func (s *Store) DeletePlanWorking(_ context.Context, scope memory.Scope, planID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := scope.TenantID + "|" + planID + "|"
	count := 0
	for k, e := range s.working {
		if hasPrefix(k, prefix) && e.UserID == scope.UserID {
			delete(s.working, k)
			count++
		}
	}
	return count, nil
}

func taskKey(tenantID, taskID string) string { return tenantID + "|" + taskID }

func (s *Store) SaveTaskContext(_ context.Context, scope memory.Scope, tc *memory.TaskContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tc.TenantID = scope.TenantID
	tc.UserID = scope.UserID
	now := time.Now().UTC()
	if tc.CreatedAt.IsZero() {
		tc.CreatedAt = now
	}
	tc.UpdatedAt = now
	s.taskCtx[taskKey(scope.TenantID, tc.TaskID)] = tc
	return nil
}

func (s *Store) GetTaskContext(_ context.Context, scope memory.Scope, taskID string) (*memory.TaskContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tc, ok := s.taskCtx[taskKey(scope.TenantID, taskID)]
	if !ok || tc.UserID != scope.UserID {
		return nil, memory.ErrNotFound
	}
	return tc, nil
}

func (s *Store) UpdateTaskContext(_ context.Context, scope memory.Scope, taskID string, patch func(*memory.TaskContext)) (*memory.TaskContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tc, ok := s.taskCtx[taskKey(scope.TenantID, taskID)]
	if !ok || tc.UserID != scope.UserID {
		return nil, memory.ErrNotFound
	}
	patch(tc)
	tc.UpdatedAt = time.Now().UTC()
	return tc, nil
}

func (s *Store) DeleteTaskContext(_ context.Context, scope memory.Scope, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := taskKey(scope.TenantID, taskID)
	tc, ok := s.taskCtx[k]
	if !ok || tc.UserID != scope.UserID {
		return memory.ErrNotFound
	}
	delete(s.taskCtx, k)
	return nil
}

func (s *Store) GetTaskBySubtask(_ context.Context, scope memory.Scope, subTaskID string) (*memory.TaskContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tc := range s.taskCtx {
		if tc.TenantID != scope.TenantID || tc.UserID != scope.UserID {
			continue
		}
		if _, ok := tc.SubTasks[subTaskID]; ok {
			return tc, nil
		}
	}
	return nil, memory.ErrNotFound
}

func planKey(tenantID, planID string) string { return tenantID + "|" + planID }

func (s *Store) SavePlanContext(_ context.Context, scope memory.Scope, pc *memory.PlanContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc.TenantID = scope.TenantID
	pc.UserID = scope.UserID
	now := time.Now().UTC()
	if pc.CreatedAt.IsZero() {
		pc.CreatedAt = now
	}
	pc.UpdatedAt = now
	s.planCtx[planKey(scope.TenantID, pc.PlanID)] = pc
	return nil
}

func (s *Store) GetPlanContext(_ context.Context, scope memory.Scope, planID string) (*memory.PlanContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pc, ok := s.planCtx[planKey(scope.TenantID, planID)]
	if !ok || pc.UserID != scope.UserID {
		return nil, memory.ErrNotFound
	}
	return pc, nil
}

func (s *Store) UpdatePlanContext(_ context.Context, scope memory.Scope, planID string, patch func(*memory.PlanContext)) (*memory.PlanContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc, ok := s.planCtx[planKey(scope.TenantID, planID)]
	if !ok || pc.UserID != scope.UserID {
		return nil, memory.ErrNotFound
	}
	patch(pc)
	pc.UpdatedAt = time.Now().UTC()
	return pc, nil
}

func (s *Store) DeletePlanContext(_ context.Context, scope memory.Scope, planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := planKey(scope.TenantID, planID)
	pc, ok := s.planCtx[k]
	if !ok || pc.UserID != scope.UserID {
		return memory.ErrNotFound
	}
	delete(s.planCtx, k)
	return nil
}

func (s *Store) GetPlanContextByCorrelation(_ context.Context, scope memory.Scope, correlationID string) (*memory.PlanContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, pc := range s.planCtx {
		if pc.TenantID == scope.TenantID && pc.UserID == scope.UserID && pc.CorrelationID == correlationID {
			return pc, nil
		}
	}
	return nil, memory.ErrNotFound
}

func (s *Store) SavePlan(_ context.Context, scope memory.Scope, p *memory.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.TenantID = scope.TenantID
	p.UserID = scope.UserID
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.plans[planKey(scope.TenantID, p.PlanID)] = p
	return nil
}

func (s *Store) GetPlan(_ context.Context, scope memory.Scope, planID string) (*memory.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[planKey(scope.TenantID, planID)]
	if !ok || p.UserID != scope.UserID {
		return nil, memory.ErrNotFound
	}
	return p, nil
}

func (s *Store) ListPlans(_ context.Context, scope memory.Scope, sessionID, status string) ([]*memory.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*memory.Plan
	for _, p := range s.plans {
		if p.TenantID != scope.TenantID || p.UserID != scope.UserID {
			continue
		}
		if sessionID != "" && p.SessionID != sessionID {
			continue
		}
		if status != "" && string(p.Status) != status {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) DeletePlan(_ context.Context, scope memory.Scope, planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := planKey(scope.TenantID, planID)
	p, ok := s.plans[k]
	if !ok || p.UserID != scope.UserID {
		return memory.ErrNotFound
	}
	delete(s.plans, k)
	return nil
}

func sessionKey(tenantID, sessionID string) string { return tenantID + "|" + sessionID }

func (s *Store) SaveSession(_ context.Context, scope memory.Scope, sess *memory.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.TenantID = scope.TenantID
	sess.UserID = scope.UserID
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	s.sessions[sessionKey(scope.TenantID, sess.SessionID)] = sess
	return nil
}

func (s *Store) GetSession(_ context.Context, scope memory.Scope, sessionID string) (*memory.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionKey(scope.TenantID, sessionID)]
	if !ok || sess.UserID != scope.UserID {
		return nil, memory.ErrNotFound
	}
	return sess, nil
}

func (s *Store) ListSessions(_ context.Context, scope memory.Scope, status string) ([]*memory.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*memory.Session
	for _, sess := range s.sessions {
		if sess.TenantID != scope.TenantID || sess.UserID != scope.UserID {
			continue
		}
		if status != "" && sess.Status != status {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *Store) DeleteSession(_ context.Context, scope memory.Scope, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := sessionKey(scope.TenantID, sessionID)
	sess, ok := s.sessions[k]
	if !ok || sess.UserID != scope.UserID {
		return memory.ErrNotFound
	}
	delete(s.sessions, k)
	return nil
}

func equalMeta(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
