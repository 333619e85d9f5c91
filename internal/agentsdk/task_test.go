package agentsdk

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/soorma-ai/soorma-core/internal/bus"
	"github.com/soorma-ai/soorma-core/internal/envelope"
	"github.com/soorma-ai/soorma-core/internal/memory"
)

func newFulfillRequest(t *testing.T) envelope.Envelope {
	t.Helper()
	req, err := envelope.NewRequest("order.fulfill.requested", "t1", "u1", "", "order.fulfill.done", []byte(`{"order":"o-1"}`))
	require.NoError(t, err)
	req.CorrelationID = "task-T"
	return req
}

func TestStartTaskPersistsContext(t *testing.T) {
	pctx, _, _ := newTestPlatform(t, "t1", "u1")
	ctx := context.Background()

	task, err := StartTask(ctx, pctx, newFulfillRequest(t))
	require.NoError(t, err)
	require.Equal(t, "task-T", task.ID())

	stored, err := pctx.Memory.GetTaskContext(ctx, pctx.Scope(), "task-T")
	require.NoError(t, err)
	require.Equal(t, "order.fulfill.requested", stored.EventType)
	require.Equal(t, "order.fulfill.done", stored.ResponseEvent)
}

func TestDelegateRecordsSubTaskBeforePublish(t *testing.T) {
	pctx, busSvc, _ := newTestPlatform(t, "t1", "u1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, requests, err := busSvc.Subscribe(ctx, string(envelope.TopicActionRequests), bus.Filter{})
	require.NoError(t, err)

	task, err := StartTask(ctx, pctx, newFulfillRequest(t))
	require.NoError(t, err)

	subID, err := task.Delegate(ctx, "inventory.reserve.requested", "inventory.done", "inventory", []byte(`{"sku":"x"}`))
	require.NoError(t, err)
	require.NotEmpty(t, subID)

	// The persisted context already knows the sub-task.
	stored, err := pctx.Memory.GetTaskBySubtask(ctx, pctx.Scope(), subID)
	require.NoError(t, err)
	require.Equal(t, "task-T", stored.TaskID)

	select {
	case child := <-requests:
		require.Equal(t, "inventory.reserve.requested", child.EventType)
		require.Equal(t, subID, child.CorrelationID)
		require.Equal(t, "t1", child.TenantID)
	case <-time.After(time.Second):
		t.Fatal("delegation never published")
	}
}

func TestDelegateParallelFanOutFanIn(t *testing.T) {
	pctx, busSvc, _ := newTestPlatform(t, "t1", "u1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, results, err := busSvc.Subscribe(ctx, string(envelope.TopicActionResults), bus.Filter{})
	require.NoError(t, err)

	task, err := StartTask(ctx, pctx, newFulfillRequest(t))
	require.NoError(t, err)

	groupID, err := task.DelegateParallel(ctx, []DelegateSpec{
		{EventType: "inventory.reserve.requested", ResponseEvent: "inventory.done", Label: "inventory", Data: json.RawMessage(`{"sku":"x"}`)},
		{EventType: "payment.process.requested", ResponseEvent: "payment.done", Label: "payment", Data: json.RawMessage(`{"amount":5}`)},
	})
	require.NoError(t, err)

	stored, err := pctx.Memory.GetTaskContext(ctx, pctx.Scope(), "task-T")
	require.NoError(t, err)
	require.Len(t, stored.SubTasks, 2)

	var inventorySub, paymentSub string
	for id, label := range stored.SubTasks {
		switch label {
		case "inventory":
			inventorySub = id
		case "payment":
			paymentSub = id
		}
	}
	require.NotEmpty(t, inventorySub)
	require.NotEmpty(t, paymentSub)

	// First result arrives: the group is still pending.
	restored, err := RestoreTaskBySubtask(ctx, pctx, envelope.Envelope{
		EventType: "inventory.done", Topic: envelope.TopicActionResults,
		TenantID: "t1", UserID: "u1", CorrelationID: inventorySub,
	})
	require.NoError(t, err)
	require.Equal(t, "task-T", restored.ID())
	require.NoError(t, restored.RecordSubTaskResult(ctx, inventorySub, json.RawMessage(`{"reserved":true}`)))
	require.Nil(t, restored.AggregateParallelResults(groupID))

	// Second result completes the group.
	restored, err = RestoreTaskBySubtask(ctx, pctx, envelope.Envelope{
		EventType: "payment.done", Topic: envelope.TopicActionResults,
		TenantID: "t1", UserID: "u1", CorrelationID: paymentSub,
	})
	require.NoError(t, err)
	require.NoError(t, restored.RecordSubTaskResult(ctx, paymentSub, json.RawMessage(`{"charged":true}`)))

	collected := restored.AggregateParallelResults(groupID)
	require.NotNil(t, collected)
	require.JSONEq(t, `{"reserved":true}`, string(collected["inventory"]))
	require.JSONEq(t, `{"charged":true}`, string(collected["payment"]))

	// Completing publishes on the response topic with the task ID as
	// correlation and deletes the context.
	final, _ := json.Marshal(map[string]any{"success": true})
	require.NoError(t, restored.Complete(ctx, final))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-results:
			if got.EventType != "order.fulfill.done" {
				continue
			}
			require.Equal(t, "task-T", got.CorrelationID)
		case <-deadline:
			t.Fatal("completion envelope never published")
		}
		break
	}

	_, err = pctx.Memory.GetTaskContext(ctx, pctx.Scope(), "task-T")
	require.ErrorIs(t, err, memory.ErrNotFound)
}

func TestCompleteWithoutResponseEventFails(t *testing.T) {
	pctx, _, _ := newTestPlatform(t, "t1", "u1")
	ctx := context.Background()

	announce, err := envelope.Announce(envelope.TopicBusinessFacts, "fact.recorded", "t1", "u1", "", nil)
	require.NoError(t, err)
	task, err := StartTask(ctx, pctx, announce)
	require.NoError(t, err)
	require.Error(t, task.Complete(ctx, nil))
}
