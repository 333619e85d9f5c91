// Package replicated provides a Pulse replicated-map (rmap) backed
// registry store. Agent records are durable across registry restarts and
// visible to every node in a multi-node registry cluster, which is what
// the TTL sweeper relies on.
package replicated

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/soorma-ai/soorma-core/internal/registry"
)

// Map is the minimal replicated-map contract, satisfied by *rmap.Map from
// goa.design/pulse/rmap. Defined here so the store stays unit-testable
// without Redis.
type Map interface {
	Delete(ctx context.Context, key string) (string, error)
	Get(key string) (string, bool)
	Keys() []string
	Set(ctx context.Context, key, value string) (string, error)
}

const agentKeyPrefix = "registry:agent:"

// Store persists agent records in a replicated map. Event and schema
// catalogs are not replicated-map candidates (they change far less
// frequently and benefit from relational queries), so this store embeds a
// delegate for those two concerns — typically the mongo store.
type Store struct {
	m        Map
	delegate registry.Store
}

var _ registry.Store = (*Store)(nil)

// New creates a replicated agent store backed by m, delegating event and
// schema operations to delegate.
func New(m Map, delegate registry.Store) *Store {
	return &Store{m: m, delegate: delegate}
}

func (s *Store) SaveAgent(ctx context.Context, agent *registry.AgentRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("marshal agent %q: %w", agent.AgentID, err)
	}
	if _, err := s.m.Set(ctx, agentKey(agent.AgentID), string(b)); err != nil {
		return fmt.Errorf("store agent %q: %w", agent.AgentID, err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (*registry.AgentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	val, ok := s.m.Get(agentKey(agentID))
	if !ok {
		return nil, registry.ErrNotFound
	}
	var a registry.AgentRecord
	if err := json.Unmarshal([]byte(val), &a); err != nil {
		return nil, fmt.Errorf("unmarshal agent %q: %w", agentID, err)
	}
	return &a, nil
}

func (s *Store) DeleteAgent(ctx context.Context, agentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := agentKey(agentID)
	if _, ok := s.m.Get(key); !ok {
		return registry.ErrNotFound
	}
	if _, err := s.m.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete agent %q: %w", agentID, err)
	}
	return nil
}

func (s *Store) ListAgents(ctx context.Context, filter registry.DiscoverFilter) ([]*registry.AgentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]*registry.AgentRecord, 0)
	for _, k := range s.m.Keys() {
		if !strings.HasPrefix(k, agentKeyPrefix) {
			continue
		}
		a, err := s.GetAgent(ctx, strings.TrimPrefix(k, agentKeyPrefix))
		if err != nil {
			continue
		}
		if a.Status != registry.AgentStatusActive {
			continue
		}
		if matchesFilter(a, filter) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) ListAllAgents(ctx context.Context) ([]*registry.AgentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]*registry.AgentRecord, 0)
	for _, k := range s.m.Keys() {
		if !strings.HasPrefix(k, agentKeyPrefix) {
			continue
		}
		a, err := s.GetAgent(ctx, strings.TrimPrefix(k, agentKeyPrefix))
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) SearchAgents(ctx context.Context, query string) ([]*registry.AgentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lowerQuery := strings.ToLower(query)
	out := make([]*registry.AgentRecord, 0)
	for _, k := range s.m.Keys() {
		if !strings.HasPrefix(k, agentKeyPrefix) {
			continue
		}
		a, err := s.GetAgent(ctx, strings.TrimPrefix(k, agentKeyPrefix))
		if err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(a.Name), lowerQuery) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) SaveEvent(ctx context.Context, ev *registry.EventDefinition) error {
	return s.delegate.SaveEvent(ctx, ev)
}

func (s *Store) GetEvent(ctx context.Context, eventName string) (*registry.EventDefinition, error) {
	return s.delegate.GetEvent(ctx, eventName)
}

func (s *Store) ListEvents(ctx context.Context, topic string) ([]*registry.EventDefinition, error) {
	return s.delegate.ListEvents(ctx, topic)
}

func (s *Store) SaveSchema(ctx context.Context, schema *registry.PayloadSchema) error {
	return s.delegate.SaveSchema(ctx, schema)
}

func (s *Store) GetSchema(ctx context.Context, schemaName string) (*registry.PayloadSchema, error) {
	return s.delegate.GetSchema(ctx, schemaName)
}

func agentKey(agentID string) string {
	return agentKeyPrefix + agentID
}

func matchesFilter(a *registry.AgentRecord, f registry.DiscoverFilter) bool {
	if f.TenantScope != "" && a.TenantScope != f.TenantScope {
		return false
	}
	if f.Capability != "" && !contains(a.Capabilities, f.Capability) {
		return false
	}
	if f.ConsumesEvent != "" && !contains(a.EventsConsumed, f.ConsumesEvent) {
		return false
	}
	if f.ProducesEvent != "" && !contains(a.EventsProduced, f.ProducesEvent) {
		return false
	}
	return true
}

func contains(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}
