package agentsdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/soorma-ai/soorma-core/internal/envelope"
	"github.com/soorma-ai/soorma-core/internal/memory"
	"github.com/soorma-ai/soorma-core/internal/registry"
)

// TransitionHandler receives a result envelope together with the plan it
// routes to. It runs only after the transition filter accepted the
// envelope.
type TransitionHandler func(ctx context.Context, plan *memory.PlanContext, env envelope.Envelope) error

// Planner routes result envelopes to plan transitions. Filtering is the
// planner's responsibility, not the handler's: an envelope reaches the
// handler only when it arrived on action-results, its correlation_id
// matches an extant plan, and the plan's current state declares a
// transition for its event_type.
type Planner struct {
	pctx         *PlatformContext
	onTransition TransitionHandler
}

// NewPlanner creates a Planner dispatching to onTransition.
func NewPlanner(pctx *PlatformContext, onTransition TransitionHandler) (*Planner, error) {
	if pctx == nil {
		return nil, errors.New("agentsdk: platform is required")
	}
	if onTransition == nil {
		return nil, errors.New("agentsdk: transition handler is required")
	}
	return &Planner{pctx: pctx, onTransition: onTransition}, nil
}

// WaitingForKey is the results key a paused plan stores its expected
// resume event under.
const WaitingForKey = "_waiting_for"

// WaitTimeoutKey is the results key holding a paused plan's optional
// timeout in seconds.
const WaitTimeoutKey = "_wait_timeout"

// PlanTimeoutEvent is the synthetic event_type an external timeout
// service publishes to resume a paused plan whose wait expired.
const PlanTimeoutEvent = "plan.timeout"

// HandleResult applies the transition filter to env and invokes the
// transition handler when it passes. A filtered-out envelope is not an
// error: at-least-once delivery means unrelated results routinely share
// the topic.
func (p *Planner) HandleResult(ctx context.Context, pctx *PlatformContext, env envelope.Envelope) error {
	if env.Topic != envelope.TopicActionResults {
		return nil
	}
	if env.CorrelationID == "" {
		return nil
	}
	scope := memory.Scope{TenantID: env.TenantID, UserID: env.UserID}
	plan, err := p.pctx.Memory.GetPlanContextByCorrelation(ctx, scope, env.CorrelationID)
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("agentsdk: plan lookup for correlation %q: %w", env.CorrelationID, err)
	}
	if !transitionDeclared(plan, env.EventType) {
		return nil
	}
	return p.onTransition(ctx, plan, env)
}

// transitionDeclared reports whether the plan's current state has a
// transition on eventType. A paused plan additionally accepts the event
// it is waiting for and the synthetic timeout event.
func transitionDeclared(plan *memory.PlanContext, eventType string) bool {
	if plan.Status == memory.PlanStatusPaused {
		if waitingFor, _ := plan.Results[WaitingForKey].(string); waitingFor == eventType {
			return true
		}
		if eventType == PlanTimeoutEvent {
			return true
		}
	}
	state, ok := plan.StateMachine[plan.CurrentState]
	if !ok {
		return false
	}
	transitions, ok := state.(map[string]any)
	if !ok {
		return false
	}
	_, ok = transitions[eventType]
	return ok
}

// Wait pauses the plan until expectedEvent arrives (or the timeout
// fires). The paused status and the expectation are persisted in one
// update.
func (p *Planner) Wait(ctx context.Context, scope memory.Scope, planID, expectedEvent string, timeoutSeconds int) (*memory.PlanContext, error) {
	return p.pctx.Memory.UpdatePlanContext(ctx, scope, planID, func(pc *memory.PlanContext) {
		pc.Status = memory.PlanStatusPaused
		if pc.Results == nil {
			pc.Results = make(map[string]any)
		}
		pc.Results[WaitingForKey] = expectedEvent
		if timeoutSeconds > 0 {
			pc.Results[WaitTimeoutKey] = timeoutSeconds
		}
	})
}

// Resume clears a paused plan's wait state, stores the resuming
// envelope's payload under results.user_input, and sets the plan
// running again.
func (p *Planner) Resume(ctx context.Context, scope memory.Scope, planID string, env envelope.Envelope) (*memory.PlanContext, error) {
	return p.pctx.Memory.UpdatePlanContext(ctx, scope, planID, func(pc *memory.PlanContext) {
		pc.Status = memory.PlanStatusRunning
		if pc.Results == nil {
			pc.Results = make(map[string]any)
		}
		delete(pc.Results, WaitingForKey)
		delete(pc.Results, WaitTimeoutKey)
		if len(env.Data) > 0 {
			pc.Results["user_input"] = json.RawMessage(env.Data)
		}
	})
}

// PlanActionKind discriminates the planner's next-step variants.
type PlanActionKind string

const (
	ActionPublish  PlanActionKind = "publish"
	ActionComplete PlanActionKind = "complete"
	ActionWait     PlanActionKind = "wait"
	ActionDelegate PlanActionKind = "delegate"
)

// PlanAction is the tagged variant an external planner (typically
// LLM-driven) emits for a plan's next step. Only the fields of the named
// kind are consulted; Validate rejects malformed variants before they
// reach execution.
type PlanAction struct {
	Kind PlanActionKind `json:"kind"`

	// Publish / Delegate.
	EventType     string          `json:"event_type,omitempty"`
	ResponseEvent string          `json:"response_event,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	AssignedTo    string          `json:"assigned_to,omitempty"`

	// Complete.
	Result json.RawMessage `json:"result,omitempty"`

	// Wait.
	ExpectedEvent  string `json:"expected_event,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// Validate checks the variant's required fields and, for event-emitting
// kinds, that the registry lists at least one agent consuming the event
// type. Invalid actions are rejected at this edge and never executed.
func (a *PlanAction) Validate(ctx context.Context, reg Registry) error {
	switch a.Kind {
	case ActionPublish, ActionDelegate:
		if a.EventType == "" {
			return fmt.Errorf("agentsdk: %s action requires event_type", a.Kind)
		}
		if a.ResponseEvent == "" {
			return fmt.Errorf("agentsdk: %s action requires response_event", a.Kind)
		}
		agents, err := reg.Discover(ctx, registry.DiscoverFilter{ConsumesEvent: a.EventType})
		if err != nil {
			return fmt.Errorf("agentsdk: validate action event %q: %w", a.EventType, err)
		}
		if len(agents) == 0 {
			return fmt.Errorf("agentsdk: no registered agent consumes %q", a.EventType)
		}
		return nil
	case ActionComplete:
		return nil
	case ActionWait:
		if a.ExpectedEvent == "" {
			return fmt.Errorf("agentsdk: wait action requires expected_event")
		}
		return nil
	default:
		return fmt.Errorf("agentsdk: unknown plan action kind %q", a.Kind)
	}
}
