package agentsdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/soorma-ai/soorma-core/internal/bus"
	"github.com/soorma-ai/soorma-core/internal/envelope"
	"github.com/soorma-ai/soorma-core/internal/registry"
	"github.com/soorma-ai/soorma-core/internal/telemetry"
)

// Handler processes one envelope. Returning an error converts to a
// response envelope with success=false when the request named a
// response_event, and to a dead-letter copy otherwise.
type Handler func(ctx context.Context, pctx *PlatformContext, env envelope.Envelope) error

// binding is one row of the agent's registration table: a (topic,
// event-type prefix) route to a handler plus its delivery settings.
type binding struct {
	topic       envelope.Topic
	eventType   string
	queueGroup  string
	maxInFlight int
	handler     Handler
}

// BindOption adjusts one handler binding.
type BindOption func(*binding)

// WithQueueGroup makes the binding a competing consumer in group.
func WithQueueGroup(group string) BindOption {
	return func(b *binding) { b.queueGroup = group }
}

// WithMaxInFlight opts the binding into concurrent dispatch of up to n
// handlers. The default is 1: one in-flight handler per subscription.
func WithMaxInFlight(n int) BindOption {
	return func(b *binding) {
		if n > 0 {
			b.maxInFlight = n
		}
	}
}

// AgentOptions configures an Agent.
type AgentOptions struct {
	Definition registry.AgentDefinition // required: Name and Version
	Platform   *PlatformContext         // required
	Logger     telemetry.Logger

	// HeartbeatInterval overrides the default of TTLSeconds / 3.
	HeartbeatInterval time.Duration
	// MaxHeartbeatBackoff caps the exponential backoff applied after
	// consecutive heartbeat transport failures.
	MaxHeartbeatBackoff time.Duration
}

// Agent binds envelope handlers to topics and runs the registration
// lifecycle: register, subscribe, heartbeat, re-register once on a 404
// heartbeat. The handler table is written only before Run and read-only
// afterwards.
type Agent struct {
	def      registry.AgentDefinition
	platform *PlatformContext
	logger   telemetry.Logger

	hbInterval   time.Duration
	maxHBBackoff time.Duration

	mu       sync.RWMutex
	started  bool
	bindings []*binding

	// recent dedups redelivered event IDs across all subscriptions.
	recent *recentSet
}

// DefaultMaxHeartbeatBackoff caps heartbeat retry backoff.
const DefaultMaxHeartbeatBackoff = time.Minute

// heartbeatFailureThreshold is how many consecutive transport failures
// are tolerated before backoff kicks in.
const heartbeatFailureThreshold = 3

// NewAgent creates an Agent. The definition's Name and Version are
// required since they derive the agent_id.
func NewAgent(opts AgentOptions) (*Agent, error) {
	if opts.Definition.Name == "" || opts.Definition.Version == "" {
		return nil, errors.New("agentsdk: agent name and version are required")
	}
	if opts.Platform == nil {
		return nil, errors.New("agentsdk: platform is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.MaxHeartbeatBackoff == 0 {
		opts.MaxHeartbeatBackoff = DefaultMaxHeartbeatBackoff
	}
	agent := &Agent{
		def:          opts.Definition,
		platform:     opts.Platform,
		logger:       opts.Logger,
		hbInterval:   opts.HeartbeatInterval,
		maxHBBackoff: opts.MaxHeartbeatBackoff,
		recent:       newRecentSet(4096),
	}
	agent.platform.AgentID = opts.Definition.Name + ":" + opts.Definition.Version
	return agent, nil
}

// Handle registers a handler for envelopes on topic whose event_type has
// the given prefix. An empty eventType matches everything on the topic.
// Must be called before Run.
func (a *Agent) Handle(topic envelope.Topic, eventType string, h Handler, opts ...BindOption) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.New("agentsdk: cannot bind handlers after Run")
	}
	if !topic.IsValid() {
		return fmt.Errorf("agentsdk: unknown topic %q", topic)
	}
	b := &binding{topic: topic, eventType: eventType, maxInFlight: 1, handler: h}
	for _, opt := range opts {
		opt(b)
	}
	a.bindings = append(a.bindings, b)
	return nil
}

// Run registers the agent, opens one subscription per binding, and
// heartbeats until ctx is canceled. It returns the first fatal error, or
// nil on clean shutdown.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return errors.New("agentsdk: already running")
	}
	a.started = true
	bindings := a.bindings
	a.mu.Unlock()

	record, err := a.platform.Registry.RegisterAgent(ctx, a.def)
	if err != nil {
		return fmt.Errorf("agentsdk: register agent: %w", err)
	}
	a.logger.Info(ctx, "agent registered", "agent_id", record.AgentID)

	g, ctx := errgroup.WithContext(ctx)
	for _, b := range bindings {
		g.Go(func() error { return a.consume(ctx, b) })
	}
	g.Go(func() error { return a.heartbeatLoop(ctx, record.TTLSeconds) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *Agent) consume(ctx context.Context, b *binding) error {
	filter := bus.Filter{
		EventTypePrefix: b.eventType,
		TenantID:        a.platform.TenantID,
		QueueGroup:      b.queueGroup,
	}
	subID, envs, err := a.platform.Bus.Subscribe(ctx, string(b.topic), filter)
	if err != nil {
		return fmt.Errorf("agentsdk: subscribe %s: %w", b.topic, err)
	}

	sem := make(chan struct{}, b.maxInFlight)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-envs:
			if !ok {
				return fmt.Errorf("agentsdk: subscription on %s closed", b.topic)
			}
			if env.AssignedTo != "" && env.AssignedTo != a.platform.AgentID {
				_ = a.platform.Bus.Ack(ctx, subID, env.EventID)
				continue
			}
			// At-least-once delivery: repeated event IDs are a no-op.
			if !a.recent.add(env.EventID) {
				_ = a.platform.Bus.Ack(ctx, subID, env.EventID)
				continue
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			go func() {
				defer func() { <-sem }()
				a.dispatch(ctx, subID, b, env)
			}()
		}
	}
}

func (a *Agent) dispatch(ctx context.Context, subID string, b *binding, env envelope.Envelope) {
	if err := b.handler(ctx, a.platform, env); err != nil {
		a.handleError(ctx, env, err)
	}
	if err := a.platform.Bus.Ack(ctx, subID, env.EventID); err != nil {
		a.logger.Warn(ctx, "ack failed", "event_id", env.EventID, "error", err.Error())
	}
}

// handleError converts a handler failure into a data-plane response when
// the request expects one, preserving the request/response contract; the
// envelope goes to dead-letter otherwise.
func (a *Agent) handleError(ctx context.Context, env envelope.Envelope, herr error) {
	a.logger.Error(ctx, "handler failed", "event_id", env.EventID, "event_type", env.EventType, "error", herr.Error())
	if env.ResponseEvent != "" {
		data, _ := json.Marshal(map[string]any{"success": false, "error": herr.Error()})
		reply, err := envelope.Respond(env, data)
		if err == nil {
			_, err = a.platform.Bus.Publish(ctx, reply)
		}
		if err != nil {
			a.logger.Error(ctx, "failure response publish failed", "event_id", env.EventID, "error", err.Error())
		}
		return
	}
	dead := envelope.Envelope{
		EventType:     "handler.failed",
		Topic:         envelope.TopicDeadLetter,
		TenantID:      env.TenantID,
		UserID:        env.UserID,
		SessionID:     env.SessionID,
		CorrelationID: env.CorrelationID,
		ParentEventID: env.EventID,
		TraceID:       env.TraceID,
		Data:          env.Data,
	}
	if _, err := a.platform.Bus.Publish(ctx, dead); err != nil {
		a.logger.Error(ctx, "dead-letter publish failed", "event_id", env.EventID, "error", err.Error())
	}
}

// heartbeatLoop refreshes liveness at a third of the TTL. A 404 means
// the registry no longer knows this agent (expired or swept): the loop
// re-registers exactly once and resumes. Consecutive transport failures
// beyond the threshold back off exponentially.
func (a *Agent) heartbeatLoop(ctx context.Context, ttlSeconds int) error {
	interval := a.hbInterval
	if interval == 0 {
		if ttlSeconds <= 0 {
			ttlSeconds = registry.DefaultTTLSeconds
		}
		interval = time.Duration(ttlSeconds) * time.Second / 3
	}

	failures := 0
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		err := a.platform.Registry.Heartbeat(ctx, a.platform.AgentID)
		switch {
		case err == nil:
			failures = 0
		case errors.Is(err, registry.ErrNotFound):
			a.logger.Warn(ctx, "heartbeat got 404, re-registering", "agent_id", a.platform.AgentID)
			if _, rerr := a.platform.Registry.RegisterAgent(ctx, a.def); rerr != nil {
				failures++
				a.logger.Error(ctx, "re-registration failed", "agent_id", a.platform.AgentID, "error", rerr.Error())
			} else {
				failures = 0
			}
		default:
			failures++
			a.logger.Warn(ctx, "heartbeat failed", "agent_id", a.platform.AgentID, "error", err.Error())
		}

		next := interval
		if failures >= heartbeatFailureThreshold {
			backoff := interval << (failures - heartbeatFailureThreshold)
			if backoff > a.maxHBBackoff {
				backoff = a.maxHBBackoff
			}
			next = backoff
		}
		timer.Reset(next)
	}
}

// recentSet is a fixed-capacity set of recently seen event IDs with FIFO
// eviction.
type recentSet struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	cap   int
}

func newRecentSet(capacity int) *recentSet {
	return &recentSet{seen: make(map[string]struct{}, capacity), cap: capacity}
}

// add records id and reports whether it was new.
func (r *recentSet) add(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[id]; ok {
		return false
	}
	r.seen[id] = struct{}{}
	r.order = append(r.order, id)
	if len(r.order) > r.cap {
		delete(r.seen, r.order[0])
		r.order = r.order[1:]
	}
	return true
}
