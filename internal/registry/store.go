package registry

import (
	"context"
	"errors"
)

// ErrNotFound is returned when an agent, event definition, or schema is
// absent.
var ErrNotFound = errors.New("registry: not found")

// Store is the registry's persistence layer: agents, event definitions,
// and payload schemas. Implementations must be safe for concurrent use;
// three backends are available (memory, mongo, replicated).
type Store interface {
	SaveAgent(ctx context.Context, agent *AgentRecord) error
	GetAgent(ctx context.Context, agentID string) (*AgentRecord, error)
	DeleteAgent(ctx context.Context, agentID string) error
	ListAgents(ctx context.Context, filter DiscoverFilter) ([]*AgentRecord, error)
	SearchAgents(ctx context.Context, query string) ([]*AgentRecord, error)
	// ListAllAgents returns every agent record regardless of Status, for use
	// by the TTL sweeper (ListAgents is scoped to status=active per discover()).
	ListAllAgents(ctx context.Context) ([]*AgentRecord, error)

	SaveEvent(ctx context.Context, ev *EventDefinition) error
	GetEvent(ctx context.Context, eventName string) (*EventDefinition, error)
	ListEvents(ctx context.Context, topic string) ([]*EventDefinition, error)

	SaveSchema(ctx context.Context, schema *PayloadSchema) error
	GetSchema(ctx context.Context, schemaName string) (*PayloadSchema, error)
}
