// Package postgres provides the row tier of the Memory store: a
// Postgres backend using pgx/v5, pgvector cosine similarity over HNSW
// indexes, and row-level security scoped by session variables.
package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"goa.design/clue/health"

	"github.com/soorma-ai/soorma-core/internal/memory"
)

// Store is a Postgres-backed memory.Store. See schema.sql for the table
// and RLS policy definitions this code assumes are already applied.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ memory.Store  = (*Store)(nil)
	_ health.Pinger = (*Store)(nil)
)

// New wraps an already-connected pool. Callers own the pool's lifecycle.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Name identifies this store to health checks.
func (s *Store) Name() string { return "memory-postgres" }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// withScope runs fn inside a transaction with current_tenant/current_user
// session variables set via SET LOCAL, so every query fn issues is
// automatically restricted by the table's row-level security policies —
// callers never need an explicit WHERE tenant_id = … clause. The
// variables reset automatically when the transaction ends and the
// connection returns to the pool.
func (s *Store) withScope(ctx context.Context, scope memory.Scope, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("memory: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true), set_config('app.current_user', $2, true)`,
		scope.TenantID, scope.UserID); err != nil {
		return fmt.Errorf("memory: set rls session vars: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// UpsertSemantic relies on a Postgres ON CONFLICT clause over the
// partial unique indexes in schema.sql (external_id scoped, content_hash
// scoped), so concurrent upserts are resolved by the database — last
// writer wins on metadata, first writer wins on id — not by application
// logic.
func (s *Store) UpsertSemantic(ctx context.Context, scope memory.Scope, in *memory.Semantic) (string, memory.UpsertAction, error) {
	id := uuid.NewString()
	hash := contentHash(in.Content)
	metaJSON, err := json.Marshal(in.Metadata)
	if err != nil {
		return "", "", fmt.Errorf("memory: marshal metadata: %w", err)
	}

	var (
		returnedID  string
		inserted    bool
		hashChanged bool
	)
	err = s.withScope(ctx, scope, func(tx pgx.Tx) error {
		// The conflict target names one of schema.sql's four partial
		// unique indexes; external_id wins over content_hash whenever it
		// is set, since rows carrying an external_id are excluded from
		// the hash indexes.
		var conflictTarget string
		switch {
		case in.ExternalID != "" && in.IsPublic:
			conflictTarget = "(tenant_id, external_id) WHERE external_id IS NOT NULL AND is_public"
		case in.ExternalID != "":
			conflictTarget = "(tenant_id, user_id, external_id) WHERE external_id IS NOT NULL AND NOT is_public"
		case in.IsPublic:
			conflictTarget = "(tenant_id, content_hash) WHERE external_id IS NULL AND is_public"
		default:
			conflictTarget = "(tenant_id, user_id, content_hash) WHERE external_id IS NULL AND NOT is_public"
		}
		row := tx.QueryRow(ctx, fmt.Sprintf(`
			INSERT INTO semantic_memory
				(id, tenant_id, user_id, is_public, content, content_hash, external_id, embedding, metadata, created_at, updated_at)
			VALUES ($1, $2, current_setting('app.current_user', true), $3, $4, $5, NULLIF($6, ''), $7, $8, now(), now())
			ON CONFLICT %s
			DO UPDATE SET
				content = EXCLUDED.content,
				metadata = EXCLUDED.metadata,
				is_public = EXCLUDED.is_public,
				content_hash = EXCLUDED.content_hash,
				embedding = CASE WHEN semantic_memory.content_hash <> EXCLUDED.content_hash THEN EXCLUDED.embedding ELSE semantic_memory.embedding END,
				updated_at = now()
			RETURNING id, (xmax = 0), (semantic_memory.content_hash IS DISTINCT FROM EXCLUDED.content_hash)
		`, conflictTarget),
			id, scope.TenantID, in.IsPublic, in.Content, hash, in.ExternalID, vectorLiteral(in.Embedding), metaJSON,
		)
		return row.Scan(&returnedID, &inserted, &hashChanged)
	})
	if err != nil {
		return "", "", fmt.Errorf("memory: upsert semantic: %w", err)
	}
	action := memory.ActionDuplicateSkipped
	switch {
	case inserted:
		action = memory.ActionCreated
	case hashChanged:
		action = memory.ActionUpdated
	}
	return returnedID, action, nil
}

// SearchSemantic ranks by pgvector cosine distance (`<=>`) against an
// HNSW index (see schema.sql); RLS restricts rows to the caller's own
// private rows unioned with public rows when includePublic is set.
func (s *Store) SearchSemantic(ctx context.Context, scope memory.Scope, q memory.Embedding, topK int, includePublic bool, filters memory.SemanticFilters) ([]*memory.Semantic, error) {
	var out []*memory.Semantic
	err := s.withScope(ctx, scope, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, tenant_id, user_id, is_public, content, content_hash, coalesce(external_id, ''), metadata, created_at, updated_at
			FROM semantic_memory
			WHERE tenant_id = current_setting('app.current_tenant')
			  AND (user_id = current_setting('app.current_user') OR (is_public AND $2))
			  AND ($3 = '' OR external_id LIKE $3 || '%')
			ORDER BY embedding <=> $1
			LIMIT $4
		`, vectorLiteral(q), includePublic, filters.ExternalIDPrefix, topK)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var row memory.Semantic
			var metaJSON []byte
			if err := rows.Scan(&row.ID, &row.TenantID, &row.UserID, &row.IsPublic, &row.Content, &row.ContentHash,
				&row.ExternalID, &metaJSON, &row.CreatedAt, &row.UpdatedAt); err != nil {
				return err
			}
			_ = json.Unmarshal(metaJSON, &row.Metadata)
			out = append(out, &row)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("memory: search semantic: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteSemantic(ctx context.Context, scope memory.Scope, id string) error {
	return s.withScope(ctx, scope, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM semantic_memory WHERE id = $1 AND user_id = current_setting('app.current_user')`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return memory.ErrNotFound
		}
		return nil
	})
}

func (s *Store) LogInteraction(ctx context.Context, scope memory.Scope, e *memory.Episodic) (*memory.Episodic, error) {
	id := uuid.NewString()
	err := s.withScope(ctx, scope, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO episodic_memory (id, tenant_id, user_id, agent_id, role, content, embedding, occurred_at)
			VALUES ($1, current_setting('app.current_tenant'), current_setting('app.current_user'), $2, $3, $4, $5, now())
			RETURNING occurred_at
		`, id, e.AgentID, e.Role, e.Content, vectorLiteral(e.Embedding)).Scan(&e.OccurredAt)
	})
	if err != nil {
		return nil, fmt.Errorf("memory: log interaction: %w", err)
	}
	e.ID = id
	e.TenantID = scope.TenantID
	e.UserID = scope.UserID
	return e, nil
}

func (s *Store) RecentInteractions(ctx context.Context, scope memory.Scope, agentID string, limit int) ([]*memory.Episodic, error) {
	var out []*memory.Episodic
	err := s.withScope(ctx, scope, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, tenant_id, user_id, agent_id, role, content, occurred_at
			FROM episodic_memory
			WHERE agent_id = $1
			ORDER BY occurred_at DESC
			LIMIT $2
		`, agentID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var row memory.Episodic
			if err := rows.Scan(&row.ID, &row.TenantID, &row.UserID, &row.AgentID, &row.Role, &row.Content, &row.OccurredAt); err != nil {
				return err
			}
			out = append(out, &row)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("memory: recent interactions: %w", err)
	}
	return out, nil
}

func (s *Store) SearchInteractions(ctx context.Context, scope memory.Scope, agentID string, q memory.Embedding, topK int) ([]*memory.Episodic, error) {
	var out []*memory.Episodic
	err := s.withScope(ctx, scope, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, tenant_id, user_id, agent_id, role, content, occurred_at
			FROM episodic_memory
			WHERE agent_id = $1
			ORDER BY embedding <=> $2
			LIMIT $3
		`, agentID, vectorLiteral(q), topK)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var row memory.Episodic
			if err := rows.Scan(&row.ID, &row.TenantID, &row.UserID, &row.AgentID, &row.Role, &row.Content, &row.OccurredAt); err != nil {
				return err
			}
			out = append(out, &row)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("memory: search interactions: %w", err)
	}
	return out, nil
}

func (s *Store) RelevantSkills(ctx context.Context, scope memory.Scope, agentID string, q memory.Embedding, topK int) ([]*memory.Procedural, error) {
	var out []*memory.Procedural
	err := s.withScope(ctx, scope, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, tenant_id, user_id, agent_id, trigger_condition, procedure_type, content
			FROM procedural_memory
			WHERE agent_id = $1
			ORDER BY embedding <=> $2
			LIMIT $3
		`, agentID, vectorLiteral(q), topK)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var row memory.Procedural
			if err := rows.Scan(&row.ID, &row.TenantID, &row.UserID, &row.AgentID, &row.TriggerCondition, &row.ProcedureType, &row.Content); err != nil {
				return err
			}
			out = append(out, &row)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("memory: relevant skills: %w", err)
	}
	return out, nil
}

func (s *Store) SetWorking(ctx context.Context, scope memory.Scope, entry *memory.WorkingEntry) error {
	return s.withScope(ctx, scope, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO working_memory (tenant_id, user_id, plan_id, key, value, updated_at)
			VALUES (current_setting('app.current_tenant'), current_setting('app.current_user'), $1, $2, $3, now())
			ON CONFLICT (tenant_id, plan_id, key)
			DO UPDATE SET value = EXCLUDED.value, updated_at = now()
		`, entry.PlanID, entry.Key, entry.Value)
		return err
	})
}

func (s *Store) GetWorking(ctx context.Context, scope memory.Scope, planID, key string) (*memory.WorkingEntry, error) {
	var out memory.WorkingEntry
	err := s.withScope(ctx, scope, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			SELECT tenant_id, user_id, plan_id, key, value FROM working_memory
			WHERE plan_id = $1 AND key = $2
		`, planID, key).Scan(&out.TenantID, &out.UserID, &out.PlanID, &out.Key, &out.Value)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("memory: get working: %w", err)
	}
	return &out, nil
}

func (s *Store) DeleteWorking(ctx context.Context, scope memory.Scope, planID, key string) error {
	return s.withScope(ctx, scope, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM working_memory WHERE plan_id = $1 AND key = $2`, planID, key)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return memory.ErrNotFound
		}
		return nil
	})
}

func (s *Store) DeletePlanWorking(ctx context.Context, scope memory.Scope, planID string) (int, error) {
	var count int
	err := s.withScope(ctx, scope, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM working_memory WHERE plan_id = $1`, planID)
		if err != nil {
			return err
		}
		count = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("memory: delete plan working: %w", err)
	}
	return count, nil
}

func (s *Store) SaveTaskContext(ctx context.Context, scope memory.Scope, tc *memory.TaskContext) error {
	subTasks, err := json.Marshal(tc.SubTasks)
	if err != nil {
		return fmt.Errorf("memory: marshal sub_tasks: %w", err)
	}
	state, err := json.Marshal(tc.State)
	if err != nil {
		return fmt.Errorf("memory: marshal state: %w", err)
	}
	return s.withScope(ctx, scope, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO task_contexts
				(tenant_id, user_id, agent_id, task_id, plan_id, event_type, data, response_event, response_topic, sub_tasks, state, created_at, updated_at)
			VALUES (current_setting('app.current_tenant'), current_setting('app.current_user'), $1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
			ON CONFLICT (tenant_id, task_id)
			DO UPDATE SET plan_id = EXCLUDED.plan_id, event_type = EXCLUDED.event_type, data = EXCLUDED.data,
				response_event = EXCLUDED.response_event, response_topic = EXCLUDED.response_topic,
				sub_tasks = EXCLUDED.sub_tasks, state = EXCLUDED.state, updated_at = now()
			RETURNING created_at, updated_at
		`, tc.AgentID, tc.TaskID, tc.PlanID, tc.EventType, tc.Data, tc.ResponseEvent, tc.ResponseTopic, subTasks, state,
		).Scan(&tc.CreatedAt, &tc.UpdatedAt)
	})
}

func (s *Store) GetTaskContext(ctx context.Context, scope memory.Scope, taskID string) (*memory.TaskContext, error) {
	var tc memory.TaskContext
	var subTasks, state []byte
	err := s.withScope(ctx, scope, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			SELECT tenant_id, user_id, agent_id, task_id, plan_id, event_type, data, response_event, response_topic, sub_tasks, state, created_at, updated_at
			FROM task_contexts WHERE task_id = $1
		`, taskID).Scan(&tc.TenantID, &tc.UserID, &tc.AgentID, &tc.TaskID, &tc.PlanID, &tc.EventType, &tc.Data,
			&tc.ResponseEvent, &tc.ResponseTopic, &subTasks, &state, &tc.CreatedAt, &tc.UpdatedAt)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("memory: get task context: %w", err)
	}
	_ = json.Unmarshal(subTasks, &tc.SubTasks)
	_ = json.Unmarshal(state, &tc.State)
	return &tc, nil
}

// UpdateTaskContext loads the row with GetTaskContext, applies patch in
// Go, then writes it back with SaveTaskContext. The read and the write
// run in separate RLS-scoped transactions, and no row lock is held
// between them.
func (s *Store) UpdateTaskContext(ctx context.Context, scope memory.Scope, taskID string, patch func(*memory.TaskContext)) (*memory.TaskContext, error) {
	tc, err := s.GetTaskContext(ctx, scope, taskID)
	if err != nil {
		return nil, err
	}
	patch(tc)
	if err := s.SaveTaskContext(ctx, scope, tc); err != nil {
		return nil, err
	}
	return tc, nil
}

func (s *Store) DeleteTaskContext(ctx context.Context, scope memory.Scope, taskID string) error {
	return s.withScope(ctx, scope, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM task_contexts WHERE task_id = $1`, taskID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return memory.ErrNotFound
		}
		return nil
	})
}

func (s *Store) GetTaskBySubtask(ctx context.Context, scope memory.Scope, subTaskID string) (*memory.TaskContext, error) {
	var taskID string
	err := s.withScope(ctx, scope, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			SELECT task_id FROM task_contexts WHERE sub_tasks ? $1 LIMIT 1
		`, subTaskID).Scan(&taskID)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("memory: get task by subtask: %w", err)
	}
	return s.GetTaskContext(ctx, scope, taskID)
}

func (s *Store) SavePlanContext(ctx context.Context, scope memory.Scope, pc *memory.PlanContext) error {
	stateMachine, err := json.Marshal(pc.StateMachine)
	if err != nil {
		return fmt.Errorf("memory: marshal state_machine: %w", err)
	}
	results, err := json.Marshal(pc.Results)
	if err != nil {
		return fmt.Errorf("memory: marshal results: %w", err)
	}
	return s.withScope(ctx, scope, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO plan_contexts
				(tenant_id, user_id, plan_id, goal_event, goal_data, state_machine, current_state, results, status, correlation_id, created_at, updated_at)
			VALUES (current_setting('app.current_tenant'), current_setting('app.current_user'), $1, $2, $3, $4, $5, $6, $7, $8, now(), now())
			ON CONFLICT (plan_id)
			DO UPDATE SET state_machine = EXCLUDED.state_machine, current_state = EXCLUDED.current_state,
				results = EXCLUDED.results, status = EXCLUDED.status, updated_at = now()
			RETURNING created_at, updated_at
		`, pc.PlanID, pc.GoalEvent, pc.GoalData, stateMachine, pc.CurrentState, results, pc.Status, pc.CorrelationID,
		).Scan(&pc.CreatedAt, &pc.UpdatedAt)
	})
}

func (s *Store) GetPlanContext(ctx context.Context, scope memory.Scope, planID string) (*memory.PlanContext, error) {
	return s.scanPlanContext(ctx, scope, "plan_id = $1", planID)
}

func (s *Store) GetPlanContextByCorrelation(ctx context.Context, scope memory.Scope, correlationID string) (*memory.PlanContext, error) {
	return s.scanPlanContext(ctx, scope, "correlation_id = $1", correlationID)
}

func (s *Store) scanPlanContext(ctx context.Context, scope memory.Scope, where string, arg any) (*memory.PlanContext, error) {
	var pc memory.PlanContext
	var stateMachine, results []byte
	err := s.withScope(ctx, scope, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, fmt.Sprintf(`
			SELECT tenant_id, user_id, plan_id, goal_event, goal_data, state_machine, current_state, results, status, correlation_id, created_at, updated_at
			FROM plan_contexts WHERE %s
		`, where), arg).Scan(&pc.TenantID, &pc.UserID, &pc.PlanID, &pc.GoalEvent, &pc.GoalData, &stateMachine,
			&pc.CurrentState, &results, &pc.Status, &pc.CorrelationID, &pc.CreatedAt, &pc.UpdatedAt)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("memory: get plan context: %w", err)
	}
	_ = json.Unmarshal(stateMachine, &pc.StateMachine)
	_ = json.Unmarshal(results, &pc.Results)
	return &pc, nil
}

func (s *Store) UpdatePlanContext(ctx context.Context, scope memory.Scope, planID string, patch func(*memory.PlanContext)) (*memory.PlanContext, error) {
	pc, err := s.GetPlanContext(ctx, scope, planID)
	if err != nil {
		return nil, err
	}
	patch(pc)
	if err := s.SavePlanContext(ctx, scope, pc); err != nil {
		return nil, err
	}
	return pc, nil
}

func (s *Store) DeletePlanContext(ctx context.Context, scope memory.Scope, planID string) error {
	return s.withScope(ctx, scope, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM plan_contexts WHERE plan_id = $1`, planID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return memory.ErrNotFound
		}
		return nil
	})
}

func (s *Store) SavePlan(ctx context.Context, scope memory.Scope, p *memory.Plan) error {
	return s.withScope(ctx, scope, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO plans (tenant_id, user_id, plan_id, session_id, goal_event, status, created_at, updated_at)
			VALUES (current_setting('app.current_tenant'), current_setting('app.current_user'), $1, $2, $3, $4, now(), now())
			ON CONFLICT (plan_id) DO UPDATE SET status = EXCLUDED.status, updated_at = now()
			RETURNING created_at, updated_at
		`, p.PlanID, p.SessionID, p.GoalEvent, p.Status).Scan(&p.CreatedAt, &p.UpdatedAt)
	})
}

func (s *Store) GetPlan(ctx context.Context, scope memory.Scope, planID string) (*memory.Plan, error) {
	var p memory.Plan
	err := s.withScope(ctx, scope, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			SELECT tenant_id, user_id, plan_id, session_id, goal_event, status, created_at, updated_at
			FROM plans WHERE plan_id = $1
		`, planID).Scan(&p.TenantID, &p.UserID, &p.PlanID, &p.SessionID, &p.GoalEvent, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("memory: get plan: %w", err)
	}
	return &p, nil
}

func (s *Store) ListPlans(ctx context.Context, scope memory.Scope, sessionID, status string) ([]*memory.Plan, error) {
	var out []*memory.Plan
	err := s.withScope(ctx, scope, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT tenant_id, user_id, plan_id, session_id, goal_event, status, created_at, updated_at
			FROM plans
			WHERE ($1 = '' OR session_id = $1) AND ($2 = '' OR status = $2)
			ORDER BY created_at DESC
		`, sessionID, status)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var p memory.Plan
			if err := rows.Scan(&p.TenantID, &p.UserID, &p.PlanID, &p.SessionID, &p.GoalEvent, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
				return err
			}
			out = append(out, &p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("memory: list plans: %w", err)
	}
	return out, nil
}

func (s *Store) DeletePlan(ctx context.Context, scope memory.Scope, planID string) error {
	return s.withScope(ctx, scope, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM plans WHERE plan_id = $1`, planID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return memory.ErrNotFound
		}
		return nil
	})
}

func (s *Store) SaveSession(ctx context.Context, scope memory.Scope, sess *memory.Session) error {
	metaJSON, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("memory: marshal session metadata: %w", err)
	}
	return s.withScope(ctx, scope, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO sessions (tenant_id, user_id, session_id, title, session_metadata, status, created_at, updated_at)
			VALUES (current_setting('app.current_tenant'), current_setting('app.current_user'), $1, $2, $3, $4, now(), now())
			ON CONFLICT (session_id) DO UPDATE SET
				title = EXCLUDED.title,
				session_metadata = EXCLUDED.session_metadata,
				status = EXCLUDED.status,
				updated_at = now()
			RETURNING created_at, updated_at
		`, sess.SessionID, sess.Title, metaJSON, sess.Status).Scan(&sess.CreatedAt, &sess.UpdatedAt)
	})
}

func (s *Store) GetSession(ctx context.Context, scope memory.Scope, sessionID string) (*memory.Session, error) {
	var (
		sess memory.Session
		meta []byte
	)
	err := s.withScope(ctx, scope, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			SELECT tenant_id, user_id, session_id, title, session_metadata, status, created_at, updated_at FROM sessions WHERE session_id = $1
		`, sessionID).Scan(&sess.TenantID, &sess.UserID, &sess.SessionID, &sess.Title, &meta, &sess.Status, &sess.CreatedAt, &sess.UpdatedAt)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("memory: get session: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &sess.Metadata); err != nil {
			return nil, fmt.Errorf("memory: decode session metadata: %w", err)
		}
	}
	return &sess, nil
}

func (s *Store) ListSessions(ctx context.Context, scope memory.Scope, status string) ([]*memory.Session, error) {
	var out []*memory.Session
	err := s.withScope(ctx, scope, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT tenant_id, user_id, session_id, title, session_metadata, status, created_at, updated_at FROM sessions
			WHERE ($1 = '' OR status = $1)
			ORDER BY created_at DESC
		`, status)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				sess memory.Session
				meta []byte
			)
			if err := rows.Scan(&sess.TenantID, &sess.UserID, &sess.SessionID, &sess.Title, &meta, &sess.Status, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
				return err
			}
			if len(meta) > 0 {
				if err := json.Unmarshal(meta, &sess.Metadata); err != nil {
					return err
				}
			}
			out = append(out, &sess)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("memory: list sessions: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteSession(ctx context.Context, scope memory.Scope, sessionID string) error {
	return s.withScope(ctx, scope, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM sessions WHERE session_id = $1`, sessionID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return memory.ErrNotFound
		}
		return nil
	})
}

// vectorLiteral renders an embedding as a pgvector text literal, e.g.
// "[0.1,0.2,0.3]", the format pgx sends for a plain string parameter
// bound to a `vector` column.
func vectorLiteral(e memory.Embedding) string {
	if len(e) == 0 {
		return "[]"
	}
	buf := make([]byte, 0, len(e)*8)
	buf = append(buf, '[')
	for i, v := range e {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = fmt.Appendf(buf, "%g", v)
	}
	buf = append(buf, ']')
	return string(buf)
}
