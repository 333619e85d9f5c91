package agentsdk

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/soorma-ai/soorma-core/internal/bus"
	"github.com/soorma-ai/soorma-core/internal/envelope"
	"github.com/soorma-ai/soorma-core/internal/memory"
	"github.com/soorma-ai/soorma-core/internal/memory/store/memdb"
	"github.com/soorma-ai/soorma-core/internal/registry"
	regmemory "github.com/soorma-ai/soorma-core/internal/registry/store/memory"
)

// newHTTPPlatform spins the three services behind real HTTP servers and
// returns a platform whose capabilities go through the full
// client/transport stack, SSE included.
func newHTTPPlatform(t *testing.T, tenantID, userID string) (*PlatformContext, *registry.Service) {
	t.Helper()

	busSvc, err := bus.NewService(bus.ServiceOptions{Backbone: bus.NewInmemBackbone()})
	require.NoError(t, err)
	busMux := http.NewServeMux()
	bus.NewServer(busSvc).Routes(busMux)
	busSrv := httptest.NewServer(busMux)
	t.Cleanup(busSrv.Close)

	regSvc, err := registry.NewService(registry.ServiceOptions{Store: regmemory.New()})
	require.NoError(t, err)
	regMux := http.NewServeMux()
	registry.NewServer(regSvc).Routes(regMux)
	regSrv := httptest.NewServer(regMux)
	t.Cleanup(regSrv.Close)

	memSvc, err := memory.NewService(memory.ServiceOptions{Store: memdb.New(), Embedder: memory.NewMockEmbedder(16)})
	require.NoError(t, err)
	memMux := http.NewServeMux()
	memory.NewServer(memSvc).Routes(memMux)
	memSrv := httptest.NewServer(memMux)
	t.Cleanup(memSrv.Close)

	pctx, err := NewHTTPPlatform(ClientOptions{
		BusURL:      busSrv.URL,
		RegistryURL: regSrv.URL,
		MemoryURL:   memSrv.URL,
		TenantID:    tenantID,
		UserID:      userID,
	})
	require.NoError(t, err)
	return pctx, regSvc
}

func TestHTTPPlatformPublishSubscribeRoundTrip(t *testing.T) {
	pctx, _ := newHTTPPlatform(t, "t1", "u1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subID, envs, err := pctx.Bus.Subscribe(ctx, string(envelope.TopicBusinessFacts), bus.Filter{})
	require.NoError(t, err)
	require.NotEmpty(t, subID)

	env := envelope.Envelope{EventType: "fact.recorded", Topic: envelope.TopicBusinessFacts, TenantID: "t1", Data: []byte(`{"n":1}`)}
	stored, err := pctx.Bus.Publish(ctx, env)
	require.NoError(t, err)
	require.NotEmpty(t, stored.EventID)

	select {
	case got := <-envs:
		require.Equal(t, stored.EventID, got.EventID)
		require.Equal(t, "fact.recorded", got.EventType)
		require.JSONEq(t, `{"n":1}`, string(got.Data))
		require.NoError(t, pctx.Bus.Ack(ctx, subID, got.EventID))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SSE delivery")
	}
}

func TestHTTPPlatformPublishTenantMismatch(t *testing.T) {
	pctx, _ := newHTTPPlatform(t, "t1", "u1")
	env := envelope.Envelope{EventType: "x", Topic: envelope.TopicAudit, TenantID: "t2"}
	_, err := pctx.Bus.Publish(context.Background(), env)
	require.Error(t, err)
}

func TestHTTPPlatformHeartbeatMapsNotFound(t *testing.T) {
	pctx, regSvc := newHTTPPlatform(t, "t1", "u1")
	ctx := context.Background()

	err := pctx.Registry.Heartbeat(ctx, "ghost:1")
	require.ErrorIs(t, err, registry.ErrNotFound)

	record, err := pctx.Registry.RegisterAgent(ctx, registry.AgentDefinition{Name: "w", Version: "1", TTLSeconds: 30})
	require.NoError(t, err)
	require.Equal(t, "w:1", record.AgentID)
	require.NoError(t, pctx.Registry.Heartbeat(ctx, "w:1"))

	require.NoError(t, regSvc.Deregister(ctx, "w:1"))
	require.ErrorIs(t, pctx.Registry.Heartbeat(ctx, "w:1"), registry.ErrNotFound)
}

func TestHTTPPlatformTaskContextRoundTrip(t *testing.T) {
	pctx, _ := newHTTPPlatform(t, "t1", "u1")
	ctx := context.Background()
	scope := pctx.Scope()

	tc := &memory.TaskContext{
		TaskID:        "task-9",
		AgentID:       "w:1",
		EventType:     "order.fulfill.requested",
		ResponseEvent: "order.fulfill.done",
		SubTasks:      map[string]string{"sub-1": "inventory"},
	}
	require.NoError(t, pctx.Memory.SaveTaskContext(ctx, scope, tc))

	got, err := pctx.Memory.GetTaskBySubtask(ctx, scope, "sub-1")
	require.NoError(t, err)
	require.Equal(t, "task-9", got.TaskID)

	updated, err := pctx.Memory.UpdateTaskContext(ctx, scope, "task-9", func(tc *memory.TaskContext) {
		tc.SubTasks["sub-2"] = "payment"
	})
	require.NoError(t, err)
	require.Len(t, updated.SubTasks, 2)

	require.NoError(t, pctx.Memory.DeleteTaskContext(ctx, scope, "task-9"))
	_, err = pctx.Memory.GetTaskContext(ctx, scope, "task-9")
	require.ErrorIs(t, err, memory.ErrNotFound)
}

func TestHTTPPlatformWorkingMemory(t *testing.T) {
	pctx, _ := newHTTPPlatform(t, "t1", "u1")
	ctx := context.Background()
	scope := pctx.Scope()

	require.NoError(t, pctx.Memory.SetWorking(ctx, scope, "p1", "cursor", []byte(`{"offset":7}`)))
	v, err := pctx.Memory.GetWorking(ctx, scope, "p1", "cursor")
	require.NoError(t, err)
	require.JSONEq(t, `{"offset":7}`, string(v))

	count, err := pctx.Memory.DeletePlanWorking(ctx, scope, "p1")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}
