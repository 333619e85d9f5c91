package agentsdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/soorma-ai/soorma-core/internal/envelope"
	"github.com/soorma-ai/soorma-core/internal/memory"
)

// Task wraps a persisted TaskContext with the worker-side lifecycle:
// save, delegate sub-tasks (serially or fanned out), collect results,
// and complete. A Task is exclusively owned by the worker that created
// it until Complete or an explicit restore.
type Task struct {
	pctx    *PlatformContext
	request envelope.Envelope
	ctx     memory.TaskContext
}

// stateKeys used inside TaskContext.State for parallel delegation
// bookkeeping.
const (
	stateParallelGroups  = "parallel_groups"  // group id -> expected count
	stateParallelResults = "parallel_results" // group id -> label -> result JSON
	stateSubTaskGroups   = "sub_task_groups"  // sub-task id -> group id
	stateSubTaskLabels   = "sub_task_labels"  // sub-task id -> label
)

// StartTask persists a new TaskContext for the incoming request envelope
// and returns its Task. The task's ID doubles as the correlation ID its
// eventual response will carry.
func StartTask(ctx context.Context, pctx *PlatformContext, request envelope.Envelope) (*Task, error) {
	taskID := request.CorrelationID
	if taskID == "" {
		taskID = request.EventID
	}
	t := &Task{
		pctx:    pctx,
		request: request,
		ctx: memory.TaskContext{
			TenantID:      request.TenantID,
			UserID:        request.UserID,
			AgentID:       pctx.AgentID,
			TaskID:        taskID,
			EventType:     request.EventType,
			Data:          request.Data,
			ResponseEvent: request.ResponseEvent,
			ResponseTopic: string(request.ResponseTopic),
			SubTasks:      make(map[string]string),
			State:         make(map[string]any),
		},
	}
	if err := pctx.Memory.SaveTaskContext(ctx, t.scope(), &t.ctx); err != nil {
		return nil, fmt.Errorf("agentsdk: save task context: %w", err)
	}
	return t, nil
}

// RestoreTaskBySubtask reloads the parent Task of a sub-task result
// envelope: the result's correlation_id is the sub-task ID recorded in
// the parent's sub_tasks map before the delegation was published.
func RestoreTaskBySubtask(ctx context.Context, pctx *PlatformContext, result envelope.Envelope) (*Task, error) {
	scope := memory.Scope{TenantID: result.TenantID, UserID: result.UserID}
	tc, err := pctx.Memory.GetTaskBySubtask(ctx, scope, result.CorrelationID)
	if err != nil {
		return nil, fmt.Errorf("agentsdk: restore task by sub-task %q: %w", result.CorrelationID, err)
	}
	reconstructed := envelope.Envelope{
		EventType:     tc.EventType,
		Topic:         envelope.TopicActionRequests,
		TenantID:      tc.TenantID,
		UserID:        tc.UserID,
		CorrelationID: tc.TaskID,
		ResponseEvent: tc.ResponseEvent,
		ResponseTopic: envelope.Topic(tc.ResponseTopic),
		Data:          tc.Data,
		TraceID:       result.TraceID,
	}
	return &Task{pctx: pctx, request: reconstructed, ctx: *tc}, nil
}

// ID returns the task's ID (and response correlation ID).
func (t *Task) ID() string { return t.ctx.TaskID }

// Context returns a copy of the persisted TaskContext.
func (t *Task) Context() memory.TaskContext { return t.ctx }

func (t *Task) scope() memory.Scope {
	return memory.Scope{TenantID: t.ctx.TenantID, UserID: t.ctx.UserID}
}

// Set stores a key in the task's State map and persists it.
func (t *Task) Set(ctx context.Context, key string, value any) error {
	t.ctx.State[key] = value
	return t.save(ctx)
}

func (t *Task) save(ctx context.Context) error {
	return t.pctx.Memory.SaveTaskContext(ctx, t.scope(), &t.ctx)
}

// Delegate publishes a child request derived from this task's request
// and returns the sub-task ID. The sub-task ID is recorded in the
// sub_tasks map and persisted before the delegation is published, so a
// crash between the two leaves a restorable record rather than an
// orphaned response.
func (t *Task) Delegate(ctx context.Context, eventType, responseEvent, label string, data []byte) (string, error) {
	child, err := envelope.CreateChildRequest(t.request, eventType, responseEvent, data)
	if err != nil {
		return "", err
	}
	if label == "" {
		label = eventType
	}
	t.ctx.SubTasks[child.CorrelationID] = label
	if err := t.save(ctx); err != nil {
		return "", fmt.Errorf("agentsdk: record sub-task: %w", err)
	}
	if _, err := t.pctx.Bus.Publish(ctx, child); err != nil {
		return "", fmt.Errorf("agentsdk: publish delegation: %w", err)
	}
	return child.CorrelationID, nil
}

// DelegateSpec describes one branch of a parallel delegation.
type DelegateSpec struct {
	EventType     string
	ResponseEvent string
	Label         string
	Data          json.RawMessage
}

// DelegateParallel fans out every spec as a child request and returns
// the parallel group ID. All sub-task IDs and the group bookkeeping are
// persisted before the first publish.
func (t *Task) DelegateParallel(ctx context.Context, specs []DelegateSpec) (string, error) {
	if len(specs) == 0 {
		return "", errors.New("agentsdk: parallel delegation needs at least one spec")
	}
	groupID := uuid.NewString()
	children := make([]envelope.Envelope, 0, len(specs))
	for i, spec := range specs {
		child, err := envelope.CreateChildRequest(t.request, spec.EventType, spec.ResponseEvent, spec.Data)
		if err != nil {
			return "", err
		}
		label := spec.Label
		if label == "" {
			label = fmt.Sprintf("%s#%d", spec.EventType, i)
		}
		t.ctx.SubTasks[child.CorrelationID] = label
		stateMap(t.ctx.State, stateSubTaskGroups)[child.CorrelationID] = groupID
		stateMap(t.ctx.State, stateSubTaskLabels)[child.CorrelationID] = label
		children = append(children, child)
	}
	stateMap(t.ctx.State, stateParallelGroups)[groupID] = len(specs)
	if err := t.save(ctx); err != nil {
		return "", fmt.Errorf("agentsdk: record parallel group: %w", err)
	}
	for _, child := range children {
		if _, err := t.pctx.Bus.Publish(ctx, child); err != nil {
			return "", fmt.Errorf("agentsdk: publish delegation %q: %w", child.EventType, err)
		}
	}
	return groupID, nil
}

// RecordSubTaskResult stores a sub-task's result under its parallel
// group and persists the context. Results for sub-tasks delegated with
// Delegate (no group) are stored under their label directly.
func (t *Task) RecordSubTaskResult(ctx context.Context, subTaskID string, result json.RawMessage) error {
	if _, ok := t.ctx.SubTasks[subTaskID]; !ok {
		return fmt.Errorf("agentsdk: unknown sub-task %q", subTaskID)
	}
	groups := stateMap(t.ctx.State, stateSubTaskGroups)
	labels := stateMap(t.ctx.State, stateSubTaskLabels)
	label, _ := labels[subTaskID].(string)
	if label == "" {
		label = t.ctx.SubTasks[subTaskID]
	}
	if groupID, ok := groups[subTaskID].(string); ok && groupID != "" {
		results := stateMap(t.ctx.State, stateParallelResults)
		groupResults, _ := results[groupID].(map[string]any)
		if groupResults == nil {
			groupResults = make(map[string]any)
		}
		groupResults[label] = json.RawMessage(result)
		results[groupID] = groupResults
	} else {
		t.ctx.State[label] = json.RawMessage(result)
	}
	return t.save(ctx)
}

// AggregateParallelResults returns the collected results map for a group
// once every branch has reported, or nil while some are pending.
func (t *Task) AggregateParallelResults(groupID string) map[string]json.RawMessage {
	expected := intValue(stateMap(t.ctx.State, stateParallelGroups)[groupID])
	if expected == 0 {
		return nil
	}
	groupResults, _ := stateMap(t.ctx.State, stateParallelResults)[groupID].(map[string]any)
	if len(groupResults) < expected {
		return nil
	}
	out := make(map[string]json.RawMessage, len(groupResults))
	for label, v := range groupResults {
		out[label] = toRawMessage(v)
	}
	return out
}

// Complete publishes the task's response on its response topic with
// correlation_id = task_id, then deletes the persisted context. The
// task must not be used afterwards.
func (t *Task) Complete(ctx context.Context, result []byte) error {
	if t.ctx.ResponseEvent == "" {
		return errors.New("agentsdk: task has no response_event to complete with")
	}
	reply, err := envelope.Respond(t.request, result)
	if err != nil {
		return err
	}
	reply.CorrelationID = t.ctx.TaskID
	if _, err := t.pctx.Bus.Publish(ctx, reply); err != nil {
		return fmt.Errorf("agentsdk: publish completion: %w", err)
	}
	if err := t.pctx.Memory.DeleteTaskContext(ctx, t.scope(), t.ctx.TaskID); err != nil {
		return fmt.Errorf("agentsdk: delete task context: %w", err)
	}
	return nil
}

// Fail publishes a failure response when the request expects one and
// deletes the context.
func (t *Task) Fail(ctx context.Context, cause error) error {
	if t.ctx.ResponseEvent != "" {
		data, _ := json.Marshal(map[string]any{"success": false, "error": cause.Error()})
		reply, err := envelope.Respond(t.request, data)
		if err != nil {
			return err
		}
		reply.CorrelationID = t.ctx.TaskID
		if _, err := t.pctx.Bus.Publish(ctx, reply); err != nil {
			return fmt.Errorf("agentsdk: publish failure response: %w", err)
		}
	}
	return t.pctx.Memory.DeleteTaskContext(ctx, t.scope(), t.ctx.TaskID)
}

// stateMap returns state[key] as a map, creating it when absent. State
// round-trips through JSON, so values may come back as map[string]any.
func stateMap(state map[string]any, key string) map[string]any {
	m, ok := state[key].(map[string]any)
	if !ok {
		m = make(map[string]any)
		state[key] = m
	}
	return m
}

func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

func toRawMessage(v any) json.RawMessage {
	switch raw := v.(type) {
	case json.RawMessage:
		return raw
	case []byte:
		return raw
	default:
		b, _ := json.Marshal(v)
		return b
	}
}
