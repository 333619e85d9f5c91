// Package mongo provides the MongoDB document tier of the Memory store:
// task contexts, plan contexts, plans, and sessions. Isolation is
// enforced by stamping every query with the caller's tenant (and
// checking user ownership on mutation), the document-store analog of the
// relational tier's row-level security.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"goa.design/clue/health"

	"github.com/soorma-ai/soorma-core/internal/memory"
)

// Store is a MongoDB implementation of memory.DocStore. It persists the
// workflow-state documents to four collections.
type Store struct {
	db           *mongo.Database
	tasks        *mongo.Collection
	planContexts *mongo.Collection
	plans        *mongo.Collection
	sessions     *mongo.Collection

	// updateMu serializes read-modify-write updates by document ID within
	// this process. Cross-process serialization relies on the
	// single-writer ownership of task and plan contexts.
	updateMu keyedMutex
}

var (
	_ memory.DocStore = (*Store)(nil)
	_ health.Pinger   = (*Store)(nil)
)

// New creates a MongoDB-backed document store using the given database's
// "task_contexts", "plan_contexts", "plans", and "sessions" collections.
func New(db *mongo.Database) *Store {
	return &Store{
		db:           db,
		tasks:        db.Collection("task_contexts"),
		planContexts: db.Collection("plan_contexts"),
		plans:        db.Collection("plans"),
		sessions:     db.Collection("sessions"),
	}
}

// Name identifies this store to health checks.
func (s *Store) Name() string { return "memory-mongo" }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, readpref.Primary())
}

// EnsureIndexes creates the secondary indexes the lookup paths rely on:
// sub-task containment for task restoration and correlation lookup for
// plan transition routing.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.tasks.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "sub_task_ids", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("mongodb create task sub-task index: %w", err)
	}
	_, err = s.planContexts.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "tenant_id", Value: 1}, {Key: "correlation_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("mongodb create plan correlation index: %w", err)
	}
	_, err = s.plans.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "user_id", Value: 1}, {Key: "session_id", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("mongodb create plan session index: %w", err)
	}
	return nil
}

// taskDoc wraps a TaskContext with a flattened sub_task_ids array so the
// containment lookup is a single indexed query instead of a map scan.
type taskDoc struct {
	memory.TaskContext `bson:",inline"`
	SubTaskIDs         []string `bson:"sub_task_ids,omitempty"`
}

func newTaskDoc(tc *memory.TaskContext) taskDoc {
	doc := taskDoc{TaskContext: *tc}
	for id := range tc.SubTasks {
		doc.SubTaskIDs = append(doc.SubTaskIDs, id)
	}
	return doc
}

func (s *Store) SaveTaskContext(ctx context.Context, scope memory.Scope, tc *memory.TaskContext) error {
	tc.TenantID = scope.TenantID
	tc.UserID = scope.UserID
	now := time.Now().UTC()
	if tc.CreatedAt.IsZero() {
		tc.CreatedAt = now
	}
	tc.UpdatedAt = now
	opts := options.Replace().SetUpsert(true)
	_, err := s.tasks.ReplaceOne(ctx, bson.M{"_id": tc.TaskID, "tenant_id": scope.TenantID}, newTaskDoc(tc), opts)
	if err != nil {
		return fmt.Errorf("mongodb save task context %q: %w", tc.TaskID, err)
	}
	return nil
}

func (s *Store) GetTaskContext(ctx context.Context, scope memory.Scope, taskID string) (*memory.TaskContext, error) {
	return s.findTask(ctx, scope, bson.M{"_id": taskID, "tenant_id": scope.TenantID})
}

func (s *Store) GetTaskBySubtask(ctx context.Context, scope memory.Scope, subTaskID string) (*memory.TaskContext, error) {
	return s.findTask(ctx, scope, bson.M{"tenant_id": scope.TenantID, "sub_task_ids": subTaskID})
}

func (s *Store) findTask(ctx context.Context, scope memory.Scope, query bson.M) (*memory.TaskContext, error) {
	var doc taskDoc
	err := s.tasks.FindOne(ctx, query).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, memory.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get task context: %w", err)
	}
	if doc.UserID != scope.UserID {
		return nil, memory.ErrForbidden
	}
	return &doc.TaskContext, nil
}

func (s *Store) UpdateTaskContext(ctx context.Context, scope memory.Scope, taskID string, patch func(*memory.TaskContext)) (*memory.TaskContext, error) {
	unlock := s.updateMu.lock("task:" + taskID)
	defer unlock()

	tc, err := s.GetTaskContext(ctx, scope, taskID)
	if err != nil {
		return nil, err
	}
	patch(tc)
	tc.UpdatedAt = time.Now().UTC()
	_, err = s.tasks.ReplaceOne(ctx, bson.M{"_id": taskID, "tenant_id": scope.TenantID}, newTaskDoc(tc))
	if err != nil {
		return nil, fmt.Errorf("mongodb update task context %q: %w", taskID, err)
	}
	return tc, nil
}

func (s *Store) DeleteTaskContext(ctx context.Context, scope memory.Scope, taskID string) error {
	if _, err := s.GetTaskContext(ctx, scope, taskID); err != nil {
		return err
	}
	if _, err := s.tasks.DeleteOne(ctx, bson.M{"_id": taskID, "tenant_id": scope.TenantID}); err != nil {
		return fmt.Errorf("mongodb delete task context %q: %w", taskID, err)
	}
	return nil
}

func (s *Store) SavePlanContext(ctx context.Context, scope memory.Scope, pc *memory.PlanContext) error {
	pc.TenantID = scope.TenantID
	pc.UserID = scope.UserID
	if pc.CorrelationID == "" {
		pc.CorrelationID = pc.PlanID
	}
	now := time.Now().UTC()
	if pc.CreatedAt.IsZero() {
		pc.CreatedAt = now
	}
	pc.UpdatedAt = now
	opts := options.Replace().SetUpsert(true)
	_, err := s.planContexts.ReplaceOne(ctx, bson.M{"_id": pc.PlanID, "tenant_id": scope.TenantID}, pc, opts)
	if err != nil {
		return fmt.Errorf("mongodb save plan context %q: %w", pc.PlanID, err)
	}
	return nil
}

func (s *Store) GetPlanContext(ctx context.Context, scope memory.Scope, planID string) (*memory.PlanContext, error) {
	return s.findPlanContext(ctx, scope, bson.M{"_id": planID, "tenant_id": scope.TenantID})
}

func (s *Store) GetPlanContextByCorrelation(ctx context.Context, scope memory.Scope, correlationID string) (*memory.PlanContext, error) {
	return s.findPlanContext(ctx, scope, bson.M{"tenant_id": scope.TenantID, "correlation_id": correlationID})
}

func (s *Store) findPlanContext(ctx context.Context, scope memory.Scope, query bson.M) (*memory.PlanContext, error) {
	var pc memory.PlanContext
	err := s.planContexts.FindOne(ctx, query).Decode(&pc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, memory.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get plan context: %w", err)
	}
	if pc.UserID != scope.UserID {
		return nil, memory.ErrForbidden
	}
	return &pc, nil
}

func (s *Store) UpdatePlanContext(ctx context.Context, scope memory.Scope, planID string, patch func(*memory.PlanContext)) (*memory.PlanContext, error) {
	unlock := s.updateMu.lock("plan:" + planID)
	defer unlock()

	pc, err := s.GetPlanContext(ctx, scope, planID)
	if err != nil {
		return nil, err
	}
	patch(pc)
	pc.UpdatedAt = time.Now().UTC()
	_, err = s.planContexts.ReplaceOne(ctx, bson.M{"_id": planID, "tenant_id": scope.TenantID}, pc)
	if err != nil {
		return nil, fmt.Errorf("mongodb update plan context %q: %w", planID, err)
	}
	return pc, nil
}

func (s *Store) DeletePlanContext(ctx context.Context, scope memory.Scope, planID string) error {
	if _, err := s.GetPlanContext(ctx, scope, planID); err != nil {
		return err
	}
	if _, err := s.planContexts.DeleteOne(ctx, bson.M{"_id": planID, "tenant_id": scope.TenantID}); err != nil {
		return fmt.Errorf("mongodb delete plan context %q: %w", planID, err)
	}
	return nil
}

func (s *Store) SavePlan(ctx context.Context, scope memory.Scope, p *memory.Plan) error {
	p.TenantID = scope.TenantID
	p.UserID = scope.UserID
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	opts := options.Replace().SetUpsert(true)
	_, err := s.plans.ReplaceOne(ctx, bson.M{"_id": p.PlanID, "tenant_id": scope.TenantID}, p, opts)
	if err != nil {
		return fmt.Errorf("mongodb save plan %q: %w", p.PlanID, err)
	}
	return nil
}

func (s *Store) GetPlan(ctx context.Context, scope memory.Scope, planID string) (*memory.Plan, error) {
	var p memory.Plan
	err := s.plans.FindOne(ctx, bson.M{"_id": planID, "tenant_id": scope.TenantID}).Decode(&p)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, memory.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get plan %q: %w", planID, err)
	}
	if p.UserID != scope.UserID {
		return nil, memory.ErrForbidden
	}
	return &p, nil
}

func (s *Store) ListPlans(ctx context.Context, scope memory.Scope, sessionID, status string) ([]*memory.Plan, error) {
	query := bson.M{"tenant_id": scope.TenantID, "user_id": scope.UserID}
	if sessionID != "" {
		query["session_id"] = sessionID
	}
	if status != "" {
		query["status"] = status
	}
	cursor, err := s.plans.Find(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("mongodb list plans: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var out []*memory.Plan
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongodb decode plans: %w", err)
	}
	return out, nil
}

func (s *Store) DeletePlan(ctx context.Context, scope memory.Scope, planID string) error {
	if _, err := s.GetPlan(ctx, scope, planID); err != nil {
		return err
	}
	if _, err := s.plans.DeleteOne(ctx, bson.M{"_id": planID, "tenant_id": scope.TenantID}); err != nil {
		return fmt.Errorf("mongodb delete plan %q: %w", planID, err)
	}
	return nil
}

func (s *Store) SaveSession(ctx context.Context, scope memory.Scope, sess *memory.Session) error {
	sess.TenantID = scope.TenantID
	sess.UserID = scope.UserID
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	opts := options.Replace().SetUpsert(true)
	_, err := s.sessions.ReplaceOne(ctx, bson.M{"_id": sess.SessionID, "tenant_id": scope.TenantID}, sess, opts)
	if err != nil {
		return fmt.Errorf("mongodb save session %q: %w", sess.SessionID, err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, scope memory.Scope, sessionID string) (*memory.Session, error) {
	var sess memory.Session
	err := s.sessions.FindOne(ctx, bson.M{"_id": sessionID, "tenant_id": scope.TenantID}).Decode(&sess)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, memory.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get session %q: %w", sessionID, err)
	}
	if sess.UserID != scope.UserID {
		return nil, memory.ErrForbidden
	}
	return &sess, nil
}

func (s *Store) ListSessions(ctx context.Context, scope memory.Scope, status string) ([]*memory.Session, error) {
	query := bson.M{"tenant_id": scope.TenantID, "user_id": scope.UserID}
	if status != "" {
		query["status"] = status
	}
	cursor, err := s.sessions.Find(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("mongodb list sessions: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var out []*memory.Session
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongodb decode sessions: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteSession(ctx context.Context, scope memory.Scope, sessionID string) error {
	if _, err := s.GetSession(ctx, scope, sessionID); err != nil {
		return err
	}
	if _, err := s.sessions.DeleteOne(ctx, bson.M{"_id": sessionID, "tenant_id": scope.TenantID}); err != nil {
		return fmt.Errorf("mongodb delete session %q: %w", sessionID, err)
	}
	return nil
}

// keyedMutex is a minimal per-key lock.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}
