package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/soorma-ai/soorma-core/internal/envelope"
	"github.com/soorma-ai/soorma-core/internal/telemetry"
)

// DefaultTTLSeconds is used when an AgentDefinition omits TTLSeconds.
const DefaultTTLSeconds = 30

// Publisher announces agent-lifecycle envelopes. Satisfied by
// *bus.Service; declared here rather than importing the bus package so
// internal/registry never depends on a concrete transport.
type Publisher interface {
	Publish(ctx context.Context, env envelope.Envelope, callerTenant string) (envelope.Envelope, error)
}

var (
	// ErrEventSchemaTopic is returned when register_event names a topic
	// outside the eight fixed topics.
	ErrEventSchemaTopic = errors.New("registry: event must reference one of the fixed topics")
	// ErrInvalidJSONSchema is returned when register_schema is given a
	// payload that does not parse as JSON Schema.
	ErrInvalidJSONSchema = errors.New("registry: json_schema does not compile")
)

// Service implements the Registry: agent catalog with TTL liveness,
// event-type catalog, and payload schema catalog.
type Service struct {
	store     Store
	publisher Publisher
	logger    telemetry.Logger
	metrics   telemetry.Metrics
}

// ServiceOptions configures a Service.
type ServiceOptions struct {
	Store     Store
	Publisher Publisher
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
}

// NewService creates a registry Service.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("registry: store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Service{
		store:     opts.Store,
		publisher: opts.Publisher,
		logger:    logger,
		metrics:   metrics,
	}, nil
}

// RegisterAgent upserts an AgentRecord by agent_id = name + ":" + version,
// replacing its events_consumed/events_produced, and announces on
// agent-lifecycle.
func (s *Service) RegisterAgent(ctx context.Context, def AgentDefinition) (*AgentRecord, error) {
	if def.Name == "" || def.Version == "" {
		return nil, fmt.Errorf("registry: agent name and version are required")
	}
	ttl := def.TTLSeconds
	if ttl <= 0 {
		ttl = DefaultTTLSeconds
	}
	now := time.Now().UTC()
	record := &AgentRecord{
		AgentID:         def.Name + ":" + def.Version,
		Name:            def.Name,
		Version:         def.Version,
		Capabilities:    def.Capabilities,
		EventsConsumed:  def.EventsConsumed,
		EventsProduced:  def.EventsProduced,
		EndpointHint:    def.EndpointHint,
		TenantScope:     def.TenantScope,
		LastHeartbeatAt: now,
		TTLSeconds:      ttl,
		Status:          AgentStatusActive,
	}
	if err := s.store.SaveAgent(ctx, record); err != nil {
		return nil, fmt.Errorf("registry: save agent %q: %w", record.AgentID, err)
	}
	s.metrics.IncCounter("registry.agent.registered", 1, "agent_id", record.AgentID)
	s.announceLifecycle(ctx, "agent.registered", record)
	return record, nil
}

// Heartbeat refreshes last_heartbeat_at. Returns ErrNotFound when the
// agent is not currently active — covers both unknown and
// expired/deregistered agent_ids — so callers surface 404 and the client
// knows to re-register.
func (s *Service) Heartbeat(ctx context.Context, agentID string) error {
	record, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("registry: get agent %q: %w", agentID, err)
	}
	if record.Status != AgentStatusActive {
		return ErrNotFound
	}
	record.LastHeartbeatAt = time.Now().UTC()
	if err := s.store.SaveAgent(ctx, record); err != nil {
		return fmt.Errorf("registry: save agent %q: %w", agentID, err)
	}
	return nil
}

// Deregister removes an agent record and announces on agent-lifecycle.
func (s *Service) Deregister(ctx context.Context, agentID string) error {
	record, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("registry: get agent %q: %w", agentID, err)
	}
	if err := s.store.DeleteAgent(ctx, agentID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("registry: delete agent %q: %w", agentID, err)
	}
	s.metrics.IncCounter("registry.agent.deregistered", 1, "agent_id", agentID)
	record.Status = AgentStatusDeregistered
	s.announceLifecycle(ctx, "agent.deregistered", record)
	return nil
}

// Discover returns active agents matching every set filter field.
func (s *Service) Discover(ctx context.Context, filter DiscoverFilter) ([]*AgentRecord, error) {
	agents, err := s.store.ListAgents(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("registry: discover: %w", err)
	}
	return agents, nil
}

// RegisterEvent upserts an event-type definition, rejecting topics outside
// the fixed eight.
func (s *Service) RegisterEvent(ctx context.Context, ev *EventDefinition) (*EventDefinition, error) {
	if !envelope.Topic(ev.Topic).IsValid() {
		return nil, ErrEventSchemaTopic
	}
	if err := s.store.SaveEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("registry: save event %q: %w", ev.EventName, err)
	}
	return ev, nil
}

// GetEvent returns a registered event-type definition.
func (s *Service) GetEvent(ctx context.Context, eventName string) (*EventDefinition, error) {
	return s.store.GetEvent(ctx, eventName)
}

// ListEvents returns event-type definitions, optionally filtered by topic.
func (s *Service) ListEvents(ctx context.Context, topic string) ([]*EventDefinition, error) {
	return s.store.ListEvents(ctx, topic)
}

// RegisterSchema stores a JSON schema by schema_name. The schema must
// compile before it is persisted. Nothing in this module validates
// envelope data against stored schemas.
func (s *Service) RegisterSchema(ctx context.Context, schema *PayloadSchema) (*PayloadSchema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schema.JSONSchema))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSONSchema, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schema.SchemaName, doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSONSchema, err)
	}
	if _, err := compiler.Compile(schema.SchemaName); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSONSchema, err)
	}
	if err := s.store.SaveSchema(ctx, schema); err != nil {
		return nil, fmt.Errorf("registry: save schema %q: %w", schema.SchemaName, err)
	}
	return schema, nil
}

// GetSchema returns a registered payload schema by name.
func (s *Service) GetSchema(ctx context.Context, schemaName string) (*PayloadSchema, error) {
	return s.store.GetSchema(ctx, schemaName)
}

func (s *Service) announceLifecycle(ctx context.Context, eventType string, record *AgentRecord) {
	if s.publisher == nil {
		return
	}
	data := []byte(fmt.Sprintf(
		`{"agent_id":%q,"name":%q,"version":%q,"status":%q}`,
		record.AgentID, record.Name, record.Version, record.Status,
	))
	env, err := envelope.Announce(envelope.TopicAgentLifecycle, eventType, record.TenantScope, "", "", data)
	if err != nil {
		s.logger.Error(ctx, "build agent-lifecycle envelope failed", "component", "registry", "agent_id", record.AgentID, "err", err)
		return
	}
	if _, err := s.publisher.Publish(ctx, env, record.TenantScope); err != nil {
		s.logger.Error(ctx, "publish agent-lifecycle envelope failed", "component", "registry", "agent_id", record.AgentID, "err", err)
	}
}
