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
	"github.com/soorma-ai/soorma-core/internal/memory/store/memdb"
	"github.com/soorma-ai/soorma-core/internal/registry"
	regmemory "github.com/soorma-ai/soorma-core/internal/registry/store/memory"
)

// newTestPlatform wires the three services in-process: the bus over an
// in-memory backbone, the registry over its memory store, and the memory
// service over memdb.
func newTestPlatform(t *testing.T, tenantID, userID string) (*PlatformContext, *bus.Service, *registry.Service) {
	t.Helper()
	busSvc, err := bus.NewService(bus.ServiceOptions{Backbone: bus.NewInmemBackbone()})
	require.NoError(t, err)
	regSvc, err := registry.NewService(registry.ServiceOptions{Store: regmemory.New()})
	require.NoError(t, err)
	memSvc, err := memory.NewService(memory.ServiceOptions{Store: memdb.New(), Embedder: memory.NewMockEmbedder(16)})
	require.NoError(t, err)
	return &PlatformContext{
		Bus:      NewLocalBus(busSvc, tenantID),
		Registry: regSvc,
		Memory:   memSvc,
		TenantID: tenantID,
		UserID:   userID,
	}, busSvc, regSvc
}

func TestAgentRequestResponse(t *testing.T) {
	pctx, busSvc, _ := newTestPlatform(t, "t1", "u1")

	agent, err := NewAgent(AgentOptions{
		Definition: registry.AgentDefinition{Name: "calc", Version: "1", EventsConsumed: []string{"calc.add.requested"}},
		Platform:   pctx,
	})
	require.NoError(t, err)

	err = agent.Handle(envelope.TopicActionRequests, "calc.add.", func(ctx context.Context, pctx *PlatformContext, env envelope.Envelope) error {
		var in struct{ A, B int }
		if err := json.Unmarshal(env.Data, &in); err != nil {
			return err
		}
		data, _ := json.Marshal(map[string]int{"result": in.A + in.B})
		reply, err := envelope.Respond(env, data)
		if err != nil {
			return err
		}
		_, err = pctx.Bus.Publish(ctx, reply)
		return err
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = agent.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	_, results, err := busSvc.Subscribe(ctx, string(envelope.TopicActionResults), bus.Filter{})
	require.NoError(t, err)

	req, err := envelope.NewRequest("calc.add.requested", "t1", "u1", "", "calc.add.done", []byte(`{"A":2,"B":3}`))
	require.NoError(t, err)
	req.CorrelationID = "c-1"
	_, err = pctx.Bus.Publish(ctx, req)
	require.NoError(t, err)

	select {
	case got := <-results:
		require.Equal(t, "calc.add.done", got.EventType)
		require.Equal(t, "c-1", got.CorrelationID)
		require.Equal(t, "t1", got.TenantID)
		var out struct {
			Result int `json:"result"`
		}
		require.NoError(t, json.Unmarshal(got.Data, &out))
		require.Equal(t, 5, out.Result)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response envelope")
	}
}

func TestAgentHandlerErrorBecomesFailureResponse(t *testing.T) {
	pctx, busSvc, _ := newTestPlatform(t, "t1", "u1")

	agent, err := NewAgent(AgentOptions{
		Definition: registry.AgentDefinition{Name: "flaky", Version: "1"},
		Platform:   pctx,
	})
	require.NoError(t, err)

	err = agent.Handle(envelope.TopicActionRequests, "", func(context.Context, *PlatformContext, envelope.Envelope) error {
		return context.DeadlineExceeded
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = agent.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	_, results, err := busSvc.Subscribe(ctx, string(envelope.TopicActionResults), bus.Filter{})
	require.NoError(t, err)

	req, err := envelope.NewRequest("doomed.requested", "t1", "u1", "", "doomed.done", nil)
	require.NoError(t, err)
	_, err = pctx.Bus.Publish(ctx, req)
	require.NoError(t, err)

	select {
	case got := <-results:
		require.Equal(t, "doomed.done", got.EventType)
		require.Equal(t, req.CorrelationID, got.CorrelationID)
		var out struct {
			Success bool   `json:"success"`
			Error   string `json:"error"`
		}
		require.NoError(t, json.Unmarshal(got.Data, &out))
		require.False(t, out.Success)
		require.NotEmpty(t, out.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for failure response")
	}
}

func TestAgentHeartbeatReregistersAfter404(t *testing.T) {
	pctx, _, regSvc := newTestPlatform(t, "t1", "u1")

	agent, err := NewAgent(AgentOptions{
		Definition:        registry.AgentDefinition{Name: "worker", Version: "1", TTLSeconds: 30},
		Platform:          pctx,
		HeartbeatInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = agent.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	// Simulate a TTL sweep deleting the record behind the agent's back.
	require.NoError(t, regSvc.Deregister(ctx, "worker:1"))
	require.ErrorIs(t, regSvc.Heartbeat(ctx, "worker:1"), registry.ErrNotFound)

	// The next heartbeat tick gets the 404 and re-registers.
	require.Eventually(t, func() bool {
		return regSvc.Heartbeat(ctx, "worker:1") == nil
	}, 2*time.Second, 20*time.Millisecond, "agent must re-register after a 404 heartbeat")
}

func TestAgentDuplicateDeliveryIsNoOp(t *testing.T) {
	pctx, _, _ := newTestPlatform(t, "t1", "u1")

	agent, err := NewAgent(AgentOptions{
		Definition: registry.AgentDefinition{Name: "dedup", Version: "1"},
		Platform:   pctx,
	})
	require.NoError(t, err)

	calls := make(chan string, 8)
	err = agent.Handle(envelope.TopicBusinessFacts, "", func(_ context.Context, _ *PlatformContext, env envelope.Envelope) error {
		calls <- env.EventID
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = agent.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	env := envelope.Envelope{EventID: "ev-dup", EventType: "fact.recorded", Topic: envelope.TopicBusinessFacts, TenantID: "t1"}
	_, err = pctx.Bus.Publish(ctx, env)
	require.NoError(t, err)
	// The backbone may redeliver; publishing the same event_id again
	// simulates it.
	_, err = pctx.Bus.Publish(ctx, env)
	require.NoError(t, err)

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}
	select {
	case id := <-calls:
		t.Fatalf("duplicate delivery of %s reached the handler", id)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRecentSetEvicts(t *testing.T) {
	rs := newRecentSet(2)
	require.True(t, rs.add("a"))
	require.True(t, rs.add("b"))
	require.False(t, rs.add("a"))
	require.True(t, rs.add("c")) // evicts a
	require.True(t, rs.add("a"))
}
