package agentsdk

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/soorma-ai/soorma-core/internal/envelope"
	"github.com/soorma-ai/soorma-core/internal/memory"
	"github.com/soorma-ai/soorma-core/internal/registry"
)

func savedPlan(t *testing.T, pctx *PlatformContext) *memory.PlanContext {
	t.Helper()
	pc := &memory.PlanContext{
		PlanID:        "plan-1",
		GoalEvent:     "trip.plan.requested",
		CurrentState:  "booking",
		CorrelationID: "plan-1",
		StateMachine: map[string]any{
			"booking": map[string]any{
				"flight.booked": "hotel",
			},
			"hotel": map[string]any{
				"hotel.booked": "done",
			},
		},
	}
	require.NoError(t, pctx.Memory.SavePlanContext(context.Background(), pctx.Scope(), pc))
	return pc
}

func TestPlannerTransitionFilter(t *testing.T) {
	pctx, _, _ := newTestPlatform(t, "t1", "u1")
	savedPlan(t, pctx)

	var invoked []string
	planner, err := NewPlanner(pctx, func(_ context.Context, plan *memory.PlanContext, env envelope.Envelope) error {
		invoked = append(invoked, env.EventType)
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	base := envelope.Envelope{
		Topic:         envelope.TopicActionResults,
		TenantID:      "t1",
		UserID:        "u1",
		CorrelationID: "plan-1",
	}

	// Wrong topic: filtered.
	wrongTopic := base
	wrongTopic.Topic = envelope.TopicBusinessFacts
	wrongTopic.EventType = "flight.booked"
	require.NoError(t, planner.HandleResult(ctx, pctx, wrongTopic))

	// Unknown correlation: filtered.
	unknownCorr := base
	unknownCorr.CorrelationID = "no-such-plan"
	unknownCorr.EventType = "flight.booked"
	require.NoError(t, planner.HandleResult(ctx, pctx, unknownCorr))

	// Undeclared transition for the current state: filtered.
	undeclared := base
	undeclared.EventType = "hotel.booked"
	require.NoError(t, planner.HandleResult(ctx, pctx, undeclared))

	require.Empty(t, invoked, "filtered envelopes must not reach the handler")

	// Declared transition: dispatched.
	declared := base
	declared.EventType = "flight.booked"
	require.NoError(t, planner.HandleResult(ctx, pctx, declared))
	require.Equal(t, []string{"flight.booked"}, invoked)
}

func TestPlannerWaitAndResume(t *testing.T) {
	pctx, _, _ := newTestPlatform(t, "t1", "u1")
	savedPlan(t, pctx)

	var resumed bool
	planner, err := NewPlanner(pctx, func(ctx context.Context, plan *memory.PlanContext, env envelope.Envelope) error {
		resumed = true
		_, err := resumePlan(ctx, pctx, plan.PlanID, env)
		return err
	})
	require.NoError(t, err)

	ctx := context.Background()
	paused, err := planner.Wait(ctx, pctx.Scope(), "plan-1", "approval.granted", 3600)
	require.NoError(t, err)
	require.Equal(t, memory.PlanStatusPaused, paused.Status)
	require.Equal(t, "approval.granted", paused.Results[WaitingForKey])
	require.Equal(t, 3600, intValue(paused.Results[WaitTimeoutKey]))

	// The awaited event routes to the paused plan even though the state
	// machine does not declare it.
	approval := envelope.Envelope{
		EventType:     "approval.granted",
		Topic:         envelope.TopicActionResults,
		TenantID:      "t1",
		UserID:        "u1",
		CorrelationID: "plan-1",
		Data:          json.RawMessage(`{"approved_by":"ops"}`),
	}
	require.NoError(t, planner.HandleResult(ctx, pctx, approval))
	require.True(t, resumed)

	plan, err := pctx.Memory.GetPlanContext(ctx, pctx.Scope(), "plan-1")
	require.NoError(t, err)
	require.Equal(t, memory.PlanStatusRunning, plan.Status)
	require.NotContains(t, plan.Results, WaitingForKey)
	require.JSONEq(t, `{"approved_by":"ops"}`, string(toRawMessage(plan.Results["user_input"])))
}

// resumePlan applies the same mutation Planner.Resume does; split out so
// the transition handler does not capture the planner variable before
// NewPlanner returns.
func resumePlan(ctx context.Context, pctx *PlatformContext, planID string, env envelope.Envelope) (*memory.PlanContext, error) {
	return pctx.Memory.UpdatePlanContext(ctx, pctx.Scope(), planID, func(pc *memory.PlanContext) {
		pc.Status = memory.PlanStatusRunning
		delete(pc.Results, WaitingForKey)
		delete(pc.Results, WaitTimeoutKey)
		pc.Results["user_input"] = json.RawMessage(env.Data)
	})
}

func TestPlannerTimeoutEventRoutesToPausedPlan(t *testing.T) {
	pctx, _, _ := newTestPlatform(t, "t1", "u1")
	savedPlan(t, pctx)

	var got string
	planner, err := NewPlanner(pctx, func(_ context.Context, _ *memory.PlanContext, env envelope.Envelope) error {
		got = env.EventType
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = planner.Wait(ctx, pctx.Scope(), "plan-1", "approval.granted", 60)
	require.NoError(t, err)

	timeout := envelope.Envelope{
		EventType:     PlanTimeoutEvent,
		Topic:         envelope.TopicActionResults,
		TenantID:      "t1",
		UserID:        "u1",
		CorrelationID: "plan-1",
	}
	require.NoError(t, planner.HandleResult(ctx, pctx, timeout))
	require.Equal(t, PlanTimeoutEvent, got)
}

func TestPlanActionValidate(t *testing.T) {
	pctx, _, regSvc := newTestPlatform(t, "t1", "u1")
	ctx := context.Background()

	_, err := regSvc.RegisterAgent(ctx, registry.AgentDefinition{
		Name: "flights", Version: "1", EventsConsumed: []string{"flight.book.requested"},
	})
	require.NoError(t, err)

	valid := &PlanAction{Kind: ActionPublish, EventType: "flight.book.requested", ResponseEvent: "flight.booked"}
	require.NoError(t, valid.Validate(ctx, pctx.Registry))

	unknown := &PlanAction{Kind: ActionPublish, EventType: "teleport.requested", ResponseEvent: "teleport.done"}
	require.Error(t, unknown.Validate(ctx, pctx.Registry))

	missingExpected := &PlanAction{Kind: ActionWait}
	require.Error(t, missingExpected.Validate(ctx, pctx.Registry))

	bogus := &PlanAction{Kind: "launch"}
	require.Error(t, bogus.Validate(ctx, pctx.Registry))

	complete := &PlanAction{Kind: ActionComplete, Result: json.RawMessage(`{}`)}
	require.NoError(t, complete.Validate(ctx, pctx.Registry))
}
