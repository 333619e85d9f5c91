// Package memory provides an in-memory registry store for tests and
// single-node development deployments.
package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/soorma-ai/soorma-core/internal/registry"
)

// Store is an in-memory implementation of registry.Store, safe for
// concurrent use. Suitable for development, testing, and single-node
// deployments.
type Store struct {
	mu      sync.RWMutex
	agents  map[string]*registry.AgentRecord
	events  map[string]*registry.EventDefinition
	schemas map[string]*registry.PayloadSchema
}

var _ registry.Store = (*Store)(nil)

// New creates a new in-memory registry store.
func New() *Store {
	return &Store{
		agents:  make(map[string]*registry.AgentRecord),
		events:  make(map[string]*registry.EventDefinition),
		schemas: make(map[string]*registry.PayloadSchema),
	}
}

func (s *Store) SaveAgent(ctx context.Context, agent *registry.AgentRecord) error {
	if err := ctxDone(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agent.AgentID] = agent
	return nil
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (*registry.AgentRecord, error) {
	if err := ctxDone(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok {
		return nil, registry.ErrNotFound
	}
	return a, nil
}

func (s *Store) DeleteAgent(ctx context.Context, agentID string) error {
	if err := ctxDone(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[agentID]; !ok {
		return registry.ErrNotFound
	}
	delete(s.agents, agentID)
	return nil
}

func (s *Store) ListAgents(ctx context.Context, filter registry.DiscoverFilter) ([]*registry.AgentRecord, error) {
	if err := ctxDone(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*registry.AgentRecord, 0, len(s.agents))
	for _, a := range s.agents {
		if a.Status != registry.AgentStatusActive {
			continue
		}
		if matchesFilter(a, filter) {
			result = append(result, a)
		}
	}
	return result, nil
}

func (s *Store) ListAllAgents(ctx context.Context) ([]*registry.AgentRecord, error) {
	if err := ctxDone(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*registry.AgentRecord, 0, len(s.agents))
	for _, a := range s.agents {
		result = append(result, a)
	}
	return result, nil
}

func (s *Store) SearchAgents(ctx context.Context, query string) ([]*registry.AgentRecord, error) {
	if err := ctxDone(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	lowerQuery := strings.ToLower(query)
	result := make([]*registry.AgentRecord, 0)
	for _, a := range s.agents {
		if strings.Contains(strings.ToLower(a.Name), lowerQuery) {
			result = append(result, a)
			continue
		}
		for _, c := range a.Capabilities {
			if strings.Contains(strings.ToLower(c), lowerQuery) {
				result = append(result, a)
				break
			}
		}
	}
	return result, nil
}

func (s *Store) SaveEvent(ctx context.Context, ev *registry.EventDefinition) error {
	if err := ctxDone(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.EventName] = ev
	return nil
}

func (s *Store) GetEvent(ctx context.Context, eventName string) (*registry.EventDefinition, error) {
	if err := ctxDone(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[eventName]
	if !ok {
		return nil, registry.ErrNotFound
	}
	return e, nil
}

func (s *Store) ListEvents(ctx context.Context, topic string) ([]*registry.EventDefinition, error) {
	if err := ctxDone(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*registry.EventDefinition, 0)
	for _, e := range s.events {
		if topic == "" || e.Topic == topic {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *Store) SaveSchema(ctx context.Context, schema *registry.PayloadSchema) error {
	if err := ctxDone(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemas[schema.SchemaName] = schema
	return nil
}

func (s *Store) GetSchema(ctx context.Context, schemaName string) (*registry.PayloadSchema, error) {
	if err := ctxDone(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.schemas[schemaName]
	if !ok {
		return nil, registry.ErrNotFound
	}
	return sc, nil
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

func ctxDone(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
