// Package agentsdk is the client-side contract the control plane exposes
// to agents: subscribe-and-filter event handling, request/respond
// helpers that enforce the envelope rules, durable task contexts with
// parallel delegation, plan transition filtering, and the
// register/heartbeat lifecycle with automatic re-registration.
package agentsdk

import (
	"context"

	"github.com/soorma-ai/soorma-core/internal/bus"
	"github.com/soorma-ai/soorma-core/internal/envelope"
	"github.com/soorma-ai/soorma-core/internal/memory"
	"github.com/soorma-ai/soorma-core/internal/registry"
)

// Bus is the event-bus capability an agent holds: publish, subscribe,
// acknowledge.
type Bus interface {
	Publish(ctx context.Context, env envelope.Envelope) (envelope.Envelope, error)
	Subscribe(ctx context.Context, topic string, filter bus.Filter) (subscriptionID string, envelopes <-chan envelope.Envelope, err error)
	Ack(ctx context.Context, subscriptionID, eventID string) error
}

// Registry is the discovery capability: register, heartbeat, deregister,
// discover. Heartbeat returns registry.ErrNotFound when the agent is no
// longer registered, which triggers the SDK's one-shot re-registration.
type Registry interface {
	RegisterAgent(ctx context.Context, def registry.AgentDefinition) (*registry.AgentRecord, error)
	Heartbeat(ctx context.Context, agentID string) error
	Deregister(ctx context.Context, agentID string) error
	Discover(ctx context.Context, filter registry.DiscoverFilter) ([]*registry.AgentRecord, error)
}

// Memory is the persistence capability an agent holds. It is the subset
// of the Memory service the task and plan abstractions need; the full
// *memory.Service satisfies it in-process.
type Memory interface {
	SaveTaskContext(ctx context.Context, scope memory.Scope, tc *memory.TaskContext) error
	GetTaskContext(ctx context.Context, scope memory.Scope, taskID string) (*memory.TaskContext, error)
	UpdateTaskContext(ctx context.Context, scope memory.Scope, taskID string, patch func(*memory.TaskContext)) (*memory.TaskContext, error)
	DeleteTaskContext(ctx context.Context, scope memory.Scope, taskID string) error
	GetTaskBySubtask(ctx context.Context, scope memory.Scope, subTaskID string) (*memory.TaskContext, error)

	SavePlanContext(ctx context.Context, scope memory.Scope, pc *memory.PlanContext) error
	GetPlanContext(ctx context.Context, scope memory.Scope, planID string) (*memory.PlanContext, error)
	GetPlanContextByCorrelation(ctx context.Context, scope memory.Scope, correlationID string) (*memory.PlanContext, error)
	UpdatePlanContext(ctx context.Context, scope memory.Scope, planID string, patch func(*memory.PlanContext)) (*memory.PlanContext, error)
	DeletePlanContext(ctx context.Context, scope memory.Scope, planID string) error

	SetWorking(ctx context.Context, scope memory.Scope, planID, key string, value []byte) error
	GetWorking(ctx context.Context, scope memory.Scope, planID, key string) ([]byte, error)
	DeletePlanWorking(ctx context.Context, scope memory.Scope, planID string) (int, error)
}

// PlatformContext aggregates the three capability handles plus the
// identity every call is made under. Handlers receive one; construction
// decides whether the handles are HTTP clients or in-process services.
type PlatformContext struct {
	Bus      Bus
	Registry Registry
	Memory   Memory

	TenantID string
	UserID   string
	AgentID  string
}

// Scope returns the memory scope for this platform identity.
func (p *PlatformContext) Scope() memory.Scope {
	return memory.Scope{TenantID: p.TenantID, UserID: p.UserID}
}

// localBus adapts an in-process *bus.Service to the Bus capability,
// pinning the caller tenant the way the HTTP edge would.
type localBus struct {
	svc    *bus.Service
	tenant string
}

// NewLocalBus wraps an in-process bus service as an agent capability.
// Used by tests and single-binary deployments.
func NewLocalBus(svc *bus.Service, tenantID string) Bus {
	return &localBus{svc: svc, tenant: tenantID}
}

func (b *localBus) Publish(ctx context.Context, env envelope.Envelope) (envelope.Envelope, error) {
	return b.svc.Publish(ctx, env, b.tenant)
}

func (b *localBus) Subscribe(ctx context.Context, topic string, filter bus.Filter) (string, <-chan envelope.Envelope, error) {
	return b.svc.Subscribe(ctx, topic, filter)
}

func (b *localBus) Ack(ctx context.Context, subscriptionID, eventID string) error {
	return b.svc.Ack(ctx, subscriptionID, eventID)
}
