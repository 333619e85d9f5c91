package registry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/soorma-ai/soorma-core/internal/envelope"
	"github.com/soorma-ai/soorma-core/internal/registry"
	"github.com/soorma-ai/soorma-core/internal/registry/store/memory"
)

type capturingPublisher struct {
	envs []envelope.Envelope
}

func (p *capturingPublisher) Publish(_ context.Context, env envelope.Envelope, _ string) (envelope.Envelope, error) {
	p.envs = append(p.envs, env)
	return env, nil
}

func newTestService(t *testing.T, pub registry.Publisher) *registry.Service {
	t.Helper()
	svc, err := registry.NewService(registry.ServiceOptions{Store: memory.New(), Publisher: pub})
	require.NoError(t, err)
	return svc
}

func TestRegisterAgentAssignsStableID(t *testing.T) {
	pub := &capturingPublisher{}
	svc := newTestService(t, pub)

	record, err := svc.RegisterAgent(context.Background(), registry.AgentDefinition{
		Name: "worker", Version: "1", TenantScope: "acme", TTLSeconds: 30,
	})
	require.NoError(t, err)
	require.Equal(t, "worker:1", record.AgentID)
	require.Equal(t, registry.AgentStatusActive, record.Status)
	require.Len(t, pub.envs, 1)
	require.Equal(t, envelope.TopicAgentLifecycle, pub.envs[0].Topic)
}

func TestHeartbeatUnknownAgentReturnsNotFound(t *testing.T) {
	svc := newTestService(t, nil)
	err := svc.Heartbeat(context.Background(), "ghost:1")
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func TestHeartbeatRecoveryAfterDeregister(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.RegisterAgent(ctx, registry.AgentDefinition{Name: "w", Version: "1", TTLSeconds: 30})
	require.NoError(t, err)
	require.NoError(t, svc.Heartbeat(ctx, "w:1"))

	require.NoError(t, svc.Deregister(ctx, "w:1"))
	require.ErrorIs(t, svc.Heartbeat(ctx, "w:1"), registry.ErrNotFound)

	_, err = svc.RegisterAgent(ctx, registry.AgentDefinition{Name: "w", Version: "1", TTLSeconds: 30})
	require.NoError(t, err)
	require.NoError(t, svc.Heartbeat(ctx, "w:1"))
}

func TestDiscoverFiltersByCapabilityAndTenant(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.RegisterAgent(ctx, registry.AgentDefinition{
		Name: "planner", Version: "1", TenantScope: "acme", Capabilities: []string{"planning"},
	})
	require.NoError(t, err)
	_, err = svc.RegisterAgent(ctx, registry.AgentDefinition{
		Name: "billing", Version: "1", TenantScope: "other", Capabilities: []string{"billing"},
	})
	require.NoError(t, err)

	found, err := svc.Discover(ctx, registry.DiscoverFilter{Capability: "planning"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "planner:1", found[0].AgentID)

	found, err = svc.Discover(ctx, registry.DiscoverFilter{TenantScope: "other"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "billing:1", found[0].AgentID)
}

func TestRegisterEventRejectsUnknownTopic(t *testing.T) {
	svc := newTestService(t, nil)
	_, err := svc.RegisterEvent(context.Background(), &registry.EventDefinition{
		EventName: "order.created", Topic: "not-a-topic",
	})
	require.ErrorIs(t, err, registry.ErrEventSchemaTopic)
}

func TestRegisterSchemaRejectsInvalidJSONSchema(t *testing.T) {
	svc := newTestService(t, nil)
	_, err := svc.RegisterSchema(context.Background(), &registry.PayloadSchema{
		SchemaName: "bad", JSONSchema: "not json at all",
	})
	require.ErrorIs(t, err, registry.ErrInvalidJSONSchema)
}

func TestRegisterSchemaAndGetSchemaRoundTrip(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()
	schema := &registry.PayloadSchema{
		SchemaName: "order.created.v1",
		Version:    "1",
		JSONSchema: `{"type":"object","properties":{"order_id":{"type":"string"}},"required":["order_id"]}`,
	}
	_, err := svc.RegisterSchema(ctx, schema)
	require.NoError(t, err)

	got, err := svc.GetSchema(ctx, "order.created.v1")
	require.NoError(t, err)
	require.Equal(t, schema.JSONSchema, got.JSONSchema)
}
