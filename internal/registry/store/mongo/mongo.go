// Package mongo provides a MongoDB-backed registry store for the agent,
// event, and schema catalogs.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"goa.design/clue/health"

	"github.com/soorma-ai/soorma-core/internal/registry"
)

// Store is a MongoDB implementation of registry.Store. It persists the
// agent, event, and schema catalogs to three collections for durability
// across restarts.
type Store struct {
	db      *mongo.Database
	agents  *mongo.Collection
	events  *mongo.Collection
	schemas *mongo.Collection
}

var (
	_ registry.Store = (*Store)(nil)
	_ health.Pinger  = (*Store)(nil)
)

// New creates a MongoDB-backed registry store using the given database's
// "agents", "events", and "schemas" collections.
func New(db *mongo.Database) *Store {
	return &Store{
		db:      db,
		agents:  db.Collection("agents"),
		events:  db.Collection("events"),
		schemas: db.Collection("schemas"),
	}
}

// Name identifies this store to health checks.
func (s *Store) Name() string { return "registry-mongo" }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, readpref.Primary())
}

func (s *Store) SaveAgent(ctx context.Context, agent *registry.AgentRecord) error {
	opts := options.Replace().SetUpsert(true)
	_, err := s.agents.ReplaceOne(ctx, bson.M{"_id": agent.AgentID}, agent, opts)
	if err != nil {
		return fmt.Errorf("mongodb save agent %q: %w", agent.AgentID, err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (*registry.AgentRecord, error) {
	var a registry.AgentRecord
	err := s.agents.FindOne(ctx, bson.M{"_id": agentID}).Decode(&a)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, registry.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get agent %q: %w", agentID, err)
	}
	return &a, nil
}

func (s *Store) DeleteAgent(ctx context.Context, agentID string) error {
	result, err := s.agents.DeleteOne(ctx, bson.M{"_id": agentID})
	if err != nil {
		return fmt.Errorf("mongodb delete agent %q: %w", agentID, err)
	}
	if result.DeletedCount == 0 {
		return registry.ErrNotFound
	}
	return nil
}

func (s *Store) ListAgents(ctx context.Context, filter registry.DiscoverFilter) ([]*registry.AgentRecord, error) {
	query := bson.M{"status": registry.AgentStatusActive}
	if filter.TenantScope != "" {
		query["tenant_scope"] = filter.TenantScope
	}
	if filter.Capability != "" {
		query["capabilities"] = filter.Capability
	}
	if filter.ConsumesEvent != "" {
		query["events_consumed"] = filter.ConsumesEvent
	}
	if filter.ProducesEvent != "" {
		query["events_produced"] = filter.ProducesEvent
	}
	cursor, err := s.agents.Find(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("mongodb list agents: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var docs []*registry.AgentRecord
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list agents decode: %w", err)
	}
	return docs, nil
}

func (s *Store) ListAllAgents(ctx context.Context) ([]*registry.AgentRecord, error) {
	cursor, err := s.agents.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("mongodb list all agents: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var docs []*registry.AgentRecord
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list all agents decode: %w", err)
	}
	return docs, nil
}

func (s *Store) SearchAgents(ctx context.Context, query string) ([]*registry.AgentRecord, error) {
	regex := bson.M{"$regex": escapeRegex(query), "$options": "i"}
	filter := bson.M{"$or": []bson.M{{"_id": regex}, {"name": regex}, {"capabilities": regex}}}
	cursor, err := s.agents.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("mongodb search agents: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var docs []*registry.AgentRecord
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb search agents decode: %w", err)
	}
	return docs, nil
}

func (s *Store) SaveEvent(ctx context.Context, ev *registry.EventDefinition) error {
	opts := options.Replace().SetUpsert(true)
	_, err := s.events.ReplaceOne(ctx, bson.M{"_id": ev.EventName}, ev, opts)
	if err != nil {
		return fmt.Errorf("mongodb save event %q: %w", ev.EventName, err)
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, eventName string) (*registry.EventDefinition, error) {
	var e registry.EventDefinition
	err := s.events.FindOne(ctx, bson.M{"_id": eventName}).Decode(&e)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, registry.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get event %q: %w", eventName, err)
	}
	return &e, nil
}

func (s *Store) ListEvents(ctx context.Context, topic string) ([]*registry.EventDefinition, error) {
	filter := bson.M{}
	if topic != "" {
		filter["topic"] = topic
	}
	cursor, err := s.events.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("mongodb list events: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var docs []*registry.EventDefinition
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list events decode: %w", err)
	}
	return docs, nil
}

func (s *Store) SaveSchema(ctx context.Context, schema *registry.PayloadSchema) error {
	opts := options.Replace().SetUpsert(true)
	_, err := s.schemas.ReplaceOne(ctx, bson.M{"_id": schema.SchemaName}, schema, opts)
	if err != nil {
		return fmt.Errorf("mongodb save schema %q: %w", schema.SchemaName, err)
	}
	return nil
}

func (s *Store) GetSchema(ctx context.Context, schemaName string) (*registry.PayloadSchema, error) {
	var sc registry.PayloadSchema
	err := s.schemas.FindOne(ctx, bson.M{"_id": schemaName}).Decode(&sc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, registry.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get schema %q: %w", schemaName, err)
	}
	return &sc, nil
}

func escapeRegex(s string) string {
	special := []string{"\\", ".", "+", "*", "?", "^", "$", "(", ")", "[", "]", "{", "}", "|"}
	result := s
	for _, char := range special {
		result = strings.ReplaceAll(result, char, "\\"+char)
	}
	return result
}
