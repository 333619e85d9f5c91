package memory_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/soorma-ai/soorma-core/internal/memory"
	"github.com/soorma-ai/soorma-core/internal/memory/store/memdb"
)

func newTestService(t *testing.T) *memory.Service {
	t.Helper()
	svc, err := memory.NewService(memory.ServiceOptions{
		Store:    memdb.New(),
		Embedder: memory.NewMockEmbedder(64),
	})
	require.NoError(t, err)
	return svc
}

func TestUpsertKnowledgeRequiresScope(t *testing.T) {
	svc := newTestService(t)
	_, _, err := svc.UpsertKnowledge(context.Background(), memory.Scope{}, &memory.Semantic{Content: "x"})
	require.ErrorIs(t, err, memory.ErrUnauthenticated)
}

func TestUpsertKnowledgeIdempotentByContentHash(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	scope := memory.Scope{TenantID: "t1", UserID: "u1"}

	id1, action1, err := svc.UpsertKnowledge(ctx, scope, &memory.Semantic{Content: "the sky is blue"})
	require.NoError(t, err)
	require.Equal(t, memory.ActionCreated, action1)

	id2, action2, err := svc.UpsertKnowledge(ctx, scope, &memory.Semantic{Content: "the sky is blue"})
	require.NoError(t, err)
	require.Equal(t, id1, id2, "same content must collapse to one row")
	require.Contains(t, []memory.UpsertAction{memory.ActionUpdated, memory.ActionDuplicateSkipped}, action2)
}

func TestUpsertKnowledgeExternalIDWinsOverContentHash(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	scope := memory.Scope{TenantID: "t1", UserID: "u1"}

	id1, _, err := svc.UpsertKnowledge(ctx, scope, &memory.Semantic{Content: "v1", ExternalID: "doc-7"})
	require.NoError(t, err)

	// Same external_id with different content updates in place rather
	// than creating a second row keyed by the new hash.
	id2, action, err := svc.UpsertKnowledge(ctx, scope, &memory.Semantic{Content: "v2", ExternalID: "doc-7"})
	require.NoError(t, err)
	require.Equal(t, id1, id2)
	require.Equal(t, memory.ActionUpdated, action)

	rows, err := svc.SearchKnowledge(ctx, scope, "v2", nil, 10, true, memory.SemanticFilters{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "v2", rows[0].Content)
}

func TestSearchKnowledgeTenantAndUserIsolation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	owner := memory.Scope{TenantID: "t1", UserID: "u1"}
	other := memory.Scope{TenantID: "t1", UserID: "u2"}

	_, _, err := svc.UpsertKnowledge(ctx, owner, &memory.Semantic{Content: "secret"})
	require.NoError(t, err)
	_, _, err = svc.UpsertKnowledge(ctx, owner, &memory.Semantic{Content: "shared fact", IsPublic: true})
	require.NoError(t, err)

	rows, err := svc.SearchKnowledge(ctx, other, "secret", nil, 10, true, memory.SemanticFilters{})
	require.NoError(t, err)
	for _, r := range rows {
		require.NotEqual(t, "secret", r.Content, "private row must not leak across users")
	}

	contents := make([]string, 0, len(rows))
	for _, r := range rows {
		contents = append(contents, r.Content)
	}
	require.Contains(t, contents, "shared fact", "public row must be visible to other users of the tenant")

	// Excluding public rows hides the shared fact too.
	rows, err = svc.SearchKnowledge(ctx, other, "shared fact", nil, 10, false, memory.SemanticFilters{})
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestDeleteKnowledgeOnlyOwnRows(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	owner := memory.Scope{TenantID: "t1", UserID: "u1"}
	other := memory.Scope{TenantID: "t1", UserID: "u2"}

	id, _, err := svc.UpsertKnowledge(ctx, owner, &memory.Semantic{Content: "mine"})
	require.NoError(t, err)

	err = svc.DeleteKnowledge(ctx, other, id)
	require.Error(t, err)

	require.NoError(t, svc.DeleteKnowledge(ctx, owner, id))
}

func TestEpisodicRecentNewestFirst(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	scope := memory.Scope{TenantID: "t1", UserID: "u1"}

	for _, content := range []string{"first", "second", "third"} {
		_, err := svc.LogInteraction(ctx, scope, &memory.Episodic{AgentID: "a1", Role: "user", Content: content})
		require.NoError(t, err)
	}

	rows, err := svc.RecentInteractions(ctx, scope, "a1", 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "third", rows[0].Content)
	require.Equal(t, "second", rows[1].Content)
}

func TestLogInteractionRejectsUnknownRole(t *testing.T) {
	svc := newTestService(t)
	scope := memory.Scope{TenantID: "t1", UserID: "u1"}
	_, err := svc.LogInteraction(context.Background(), scope, &memory.Episodic{AgentID: "a1", Role: "robot", Content: "x"})
	require.Error(t, err)
}

func TestWorkingMemoryLifecycle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	scope := memory.Scope{TenantID: "t1", UserID: "u1"}

	require.NoError(t, svc.SetWorking(ctx, scope, "p1", "cursor", []byte(`{"offset":42}`)))
	require.NoError(t, svc.SetWorking(ctx, scope, "p1", "notes", []byte(`"draft"`)))

	v, err := svc.GetWorking(ctx, scope, "p1", "cursor")
	require.NoError(t, err)
	require.JSONEq(t, `{"offset":42}`, string(v))

	// Overwrite by key.
	require.NoError(t, svc.SetWorking(ctx, scope, "p1", "cursor", []byte(`{"offset":43}`)))
	v, err = svc.GetWorking(ctx, scope, "p1", "cursor")
	require.NoError(t, err)
	require.JSONEq(t, `{"offset":43}`, string(v))

	count, err := svc.DeletePlanWorking(ctx, scope, "p1")
	require.NoError(t, err)
	require.Equal(t, 2, count)

	_, err = svc.GetWorking(ctx, scope, "p1", "cursor")
	require.ErrorIs(t, err, memory.ErrNotFound)
}

func TestTaskContextSubtaskLookup(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	scope := memory.Scope{TenantID: "t1", UserID: "u1"}

	tc := &memory.TaskContext{
		AgentID:       "worker:1",
		TaskID:        "task-T",
		EventType:     "order.fulfill.requested",
		ResponseEvent: "order.fulfill.done",
		SubTasks:      map[string]string{"sub-1": "inventory", "sub-2": "payment"},
	}
	require.NoError(t, svc.SaveTaskContext(ctx, scope, tc))

	parent, err := svc.GetTaskBySubtask(ctx, scope, "sub-2")
	require.NoError(t, err)
	require.Equal(t, "task-T", parent.TaskID)

	_, err = svc.GetTaskBySubtask(ctx, scope, "sub-unknown")
	require.ErrorIs(t, err, memory.ErrNotFound)

	require.NoError(t, svc.DeleteTaskContext(ctx, scope, "task-T"))
	_, err = svc.GetTaskContext(ctx, scope, "task-T")
	require.ErrorIs(t, err, memory.ErrNotFound)
}

func TestPlanContextCorrelationLookup(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	scope := memory.Scope{TenantID: "t1", UserID: "u1"}

	pc := &memory.PlanContext{
		PlanID:        "plan-1",
		GoalEvent:     "trip.plan.requested",
		GoalData:      json.RawMessage(`{"destination":"lisbon"}`),
		CurrentState:  "start",
		CorrelationID: "corr-9",
	}
	require.NoError(t, svc.SavePlanContext(ctx, scope, pc))
	require.Equal(t, memory.PlanStatusRunning, pc.Status)

	got, err := svc.GetPlanContextByCorrelation(ctx, scope, "corr-9")
	require.NoError(t, err)
	require.Equal(t, "plan-1", got.PlanID)

	updated, err := svc.UpdatePlanContext(ctx, scope, "plan-1", func(pc *memory.PlanContext) {
		pc.Status = memory.PlanStatusPaused
		if pc.Results == nil {
			pc.Results = make(map[string]any)
		}
		pc.Results["_waiting_for"] = "approval.granted"
	})
	require.NoError(t, err)
	require.Equal(t, memory.PlanStatusPaused, updated.Status)

	// The correlation lookup is tenant-scoped.
	_, err = svc.GetPlanContextByCorrelation(ctx, memory.Scope{TenantID: "t2", UserID: "u1"}, "corr-9")
	require.ErrorIs(t, err, memory.ErrNotFound)
}

func TestPlansAndSessions(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	scope := memory.Scope{TenantID: "t1", UserID: "u1"}

	sess := &memory.Session{SessionID: "s1", Title: "trip planning"}
	require.NoError(t, svc.SaveSession(ctx, scope, sess))

	require.NoError(t, svc.SavePlan(ctx, scope, &memory.Plan{PlanID: "p1", SessionID: "s1", GoalEvent: "trip.plan.requested"}))
	require.NoError(t, svc.SavePlan(ctx, scope, &memory.Plan{PlanID: "p2", SessionID: "s1", GoalEvent: "trip.book.requested", Status: memory.PlanStatusCompleted}))
	require.NoError(t, svc.SavePlan(ctx, scope, &memory.Plan{PlanID: "p3", SessionID: "other", GoalEvent: "x"}))

	plans, err := svc.ListPlans(ctx, scope, "s1", "")
	require.NoError(t, err)
	require.Len(t, plans, 2)

	plans, err = svc.ListPlans(ctx, scope, "s1", string(memory.PlanStatusCompleted))
	require.NoError(t, err)
	require.Len(t, plans, 1)
	require.Equal(t, "p2", plans[0].PlanID)

	// Another user of the same tenant sees none of it.
	other := memory.Scope{TenantID: "t1", UserID: "u2"}
	plans, err = svc.ListPlans(ctx, other, "s1", "")
	require.NoError(t, err)
	require.Empty(t, plans)
	_, err = svc.GetSession(ctx, other, "s1")
	require.Error(t, err)
}
