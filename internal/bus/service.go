package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"goa.design/pulse/streaming"

	"github.com/soorma-ai/soorma-core/internal/envelope"
	"github.com/soorma-ai/soorma-core/internal/telemetry"
)

// Error kinds translated to HTTP status codes at the transport edge.
var (
	ErrInvalidEnvelope     = errors.New("bus: invalid envelope")
	ErrTenantMismatch      = errors.New("bus: tenant mismatch")
	ErrBackboneUnavailable = errors.New("bus: backbone unavailable")
	ErrUnknownSubscription = errors.New("bus: unknown subscription")
)

// Filter narrows a subscription to matching envelopes.
type Filter struct {
	EventTypePrefix string
	TenantID        string
	AssignedTo      string
	QueueGroup      string
}

// DefaultDeadLetterThreshold is the number of unacknowledged delivery
// attempts after which an envelope is copied to the dead-letter topic.
const DefaultDeadLetterThreshold = 3

// ServiceOptions configures a Service.
type ServiceOptions struct {
	Backbone            Backbone // required
	Logger              telemetry.Logger
	Metrics             telemetry.Metrics
	DeadLetterThreshold int
}

// Service implements the Event Bus's publish/subscribe/ack operations
// over the backbone's streams and sinks.
type Service struct {
	backbone            Backbone
	logger              telemetry.Logger
	metrics             telemetry.Metrics
	deadLetterThreshold int

	mu            sync.Mutex
	subscriptions map[string]*trackedSubscription
}

type trackedSubscription struct {
	sink    Sink
	mu      sync.Mutex
	pending map[string]pendingDelivery
}

type pendingDelivery struct {
	raw      *streaming.Event
	attempts int
}

// NewService constructs the Event Bus Service. Backbone is required.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Backbone == nil {
		return nil, errors.New("bus: Backbone is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.DeadLetterThreshold == 0 {
		opts.DeadLetterThreshold = DefaultDeadLetterThreshold
	}
	return &Service{
		backbone:            opts.Backbone,
		logger:              opts.Logger,
		metrics:             opts.Metrics,
		deadLetterThreshold: opts.DeadLetterThreshold,
		subscriptions:       make(map[string]*trackedSubscription),
	}, nil
}

// Publish validates the envelope, assigns EventID/OccurredAt
// when absent, rejects an unknown topic or missing tenant, and appends it to
// the backbone. callerTenant is the tenant the publisher authenticated as;
// a mismatch against env.TenantID is rejected.
func (s *Service) Publish(ctx context.Context, env envelope.Envelope, callerTenant string) (envelope.Envelope, error) {
	if err := env.Normalize(); err != nil {
		return envelope.Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if callerTenant != "" && env.TenantID != callerTenant {
		return envelope.Envelope{}, fmt.Errorf("%w: envelope tenant %q != caller tenant %q", ErrTenantMismatch, env.TenantID, callerTenant)
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("%w: marshal envelope: %v", ErrInvalidEnvelope, err)
	}
	str, err := s.backbone.Stream(string(env.Topic))
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("%w: %v", ErrBackboneUnavailable, err)
	}
	if _, err := str.Publish(ctx, env.EventType, payload); err != nil {
		return envelope.Envelope{}, fmt.Errorf("%w: %v", ErrBackboneUnavailable, err)
	}
	s.metrics.IncCounter("bus.publish", 1, "topic", string(env.Topic))
	s.logger.Info(ctx, "published envelope", "event_id", env.EventID, "topic", string(env.Topic), "event_type", env.EventType)
	return env, nil
}

// Subscribe opens (or joins) a queue group on topic and streams matching
// envelopes to the returned channel until ctx is canceled. The returned
// subscriptionID is used by Ack. If filter.QueueGroup is empty, a private
// per-call group is synthesized, which under consumer-group semantics
// degenerates to pure broadcast.
func (s *Service) Subscribe(ctx context.Context, topic string, filter Filter) (subscriptionID string, envelopes <-chan envelope.Envelope, err error) {
	group := filter.QueueGroup
	if group == "" {
		group = "broadcast-" + uuid.NewString()
	}
	str, err := s.backbone.Stream(topic)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrBackboneUnavailable, err)
	}
	sink, err := str.OpenSink(ctx, group)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrBackboneUnavailable, err)
	}

	subscriptionID = uuid.NewString()
	tracked := &trackedSubscription{sink: sink, pending: make(map[string]pendingDelivery)}
	s.mu.Lock()
	s.subscriptions[subscriptionID] = tracked
	s.mu.Unlock()

	out := make(chan envelope.Envelope, 64)
	go s.consume(ctx, topic, subscriptionID, tracked, filter, out)
	return subscriptionID, out, nil
}

func (s *Service) consume(ctx context.Context, topic, subscriptionID string, tracked *trackedSubscription, filter Filter, out chan<- envelope.Envelope) {
	defer close(out)
	defer tracked.sink.Close(context.Background())
	defer func() {
		s.mu.Lock()
		delete(s.subscriptions, subscriptionID)
		s.mu.Unlock()
	}()

	events := tracked.sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			var env envelope.Envelope
			if err := json.Unmarshal(ev.Payload, &env); err != nil {
				s.logger.Warn(ctx, "dropping undecodable envelope", "topic", topic, "error", err.Error())
				continue
			}
			if !matches(env, filter) {
				_ = tracked.sink.Ack(ctx, ev)
				continue
			}
			tracked.mu.Lock()
			pd := tracked.pending[env.EventID]
			pd.raw = ev
			pd.attempts++
			tracked.pending[env.EventID] = pd
			attempts := pd.attempts
			tracked.mu.Unlock()

			// A redelivery past the threshold means the consumer cannot
			// process this envelope: copy it to dead-letter and drop it
			// from the subscription.
			if attempts > s.deadLetterThreshold {
				if err := s.DeadLetter(ctx, env); err != nil {
					s.logger.Error(ctx, "dead-letter failed", "event_id", env.EventID, "error", err.Error())
				}
				_ = tracked.sink.Ack(ctx, ev)
				tracked.mu.Lock()
				delete(tracked.pending, env.EventID)
				tracked.mu.Unlock()
				s.metrics.IncCounter("bus.dead_letter", 1, "topic", topic)
				continue
			}

			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
		}
	}
}

func matches(env envelope.Envelope, f Filter) bool {
	if f.TenantID != "" && env.TenantID != f.TenantID {
		return false
	}
	if f.EventTypePrefix != "" && !hasPrefix(env.EventType, f.EventTypePrefix) {
		return false
	}
	if f.AssignedTo != "" && env.AssignedTo != f.AssignedTo {
		return false
	}
	return true
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// Ack acknowledges in-flight delivery of eventID on subscriptionID.
func (s *Service) Ack(ctx context.Context, subscriptionID, eventID string) error {
	s.mu.Lock()
	tracked, ok := s.subscriptions[subscriptionID]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownSubscription
	}
	tracked.mu.Lock()
	pd, ok := tracked.pending[eventID]
	if ok {
		delete(tracked.pending, eventID)
	}
	tracked.mu.Unlock()
	if !ok {
		return nil
	}
	return tracked.sink.Ack(ctx, pd.raw)
}

// DeadLetter republishes env to the dead-letter topic, preserving its
// original event_id as parent_event_id, for envelopes that exhausted
// their delivery retries.
func (s *Service) DeadLetter(ctx context.Context, env envelope.Envelope) error {
	dl := envelope.Envelope{
		EventType:     "envelope.undeliverable",
		Topic:         envelope.TopicDeadLetter,
		TenantID:      env.TenantID,
		UserID:        env.UserID,
		SessionID:     env.SessionID,
		CorrelationID: env.CorrelationID,
		ParentEventID: env.EventID,
		TraceID:       env.TraceID,
		Data:          env.Data,
	}
	if _, err := s.Publish(ctx, dl, ""); err != nil {
		return fmt.Errorf("bus: dead-letter publish: %w", err)
	}
	return nil
}
