package agentsdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/soorma-ai/soorma-core/internal/bus"
	"github.com/soorma-ai/soorma-core/internal/envelope"
	"github.com/soorma-ai/soorma-core/internal/memory"
	"github.com/soorma-ai/soorma-core/internal/registry"
)

// ClientOptions configures the HTTP-backed platform capabilities.
type ClientOptions struct {
	// BusURL, RegistryURL, MemoryURL are the service base URLs, e.g.
	// "http://localhost:8081".
	BusURL      string
	RegistryURL string
	MemoryURL   string

	TenantID string
	UserID   string
	AgentID  string

	// HTTPClient is used for request/response calls. Subscriptions use a
	// separate client with no timeout since SSE streams are long-lived.
	HTTPClient *http.Client
}

// DefaultRequestTimeout bounds every non-streaming HTTP call.
const DefaultRequestTimeout = 30 * time.Second

// NewHTTPPlatform builds a PlatformContext whose capabilities talk to
// the three services over HTTP/SSE.
func NewHTTPPlatform(opts ClientOptions) (*PlatformContext, error) {
	if opts.TenantID == "" {
		return nil, fmt.Errorf("agentsdk: tenant id is required")
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: DefaultRequestTimeout}
	}
	streamClient := &http.Client{}
	return &PlatformContext{
		Bus:      &httpBus{base: strings.TrimSuffix(opts.BusURL, "/"), hc: hc, stream: streamClient, tenant: opts.TenantID, user: opts.UserID},
		Registry: &httpRegistry{base: strings.TrimSuffix(opts.RegistryURL, "/"), hc: hc, tenant: opts.TenantID},
		Memory:   &httpMemory{base: strings.TrimSuffix(opts.MemoryURL, "/"), hc: hc},
		TenantID: opts.TenantID,
		UserID:   opts.UserID,
		AgentID:  opts.AgentID,
	}, nil
}

func decodeErrorBody(resp *http.Response) error {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body.Message == "" {
		return fmt.Errorf("agentsdk: http %d", resp.StatusCode)
	}
	return fmt.Errorf("agentsdk: http %d (%s): %s", resp.StatusCode, body.Error, body.Message)
}

type httpBus struct {
	base   string
	hc     *http.Client
	stream *http.Client
	tenant string
	user   string
}

func (b *httpBus) Publish(ctx context.Context, env envelope.Envelope) (envelope.Envelope, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("agentsdk: marshal envelope: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.base+"/v1/events", bytes.NewReader(payload))
	if err != nil {
		return envelope.Envelope{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", b.tenant)
	resp, err := b.hc.Do(req)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("agentsdk: publish: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusCreated {
		return envelope.Envelope{}, decodeErrorBody(resp)
	}
	var stored envelope.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
		return envelope.Envelope{}, fmt.Errorf("agentsdk: decode published envelope: %w", err)
	}
	return stored, nil
}

func (b *httpBus) Subscribe(ctx context.Context, topic string, filter bus.Filter) (string, <-chan envelope.Envelope, error) {
	q := url.Values{}
	q.Set("topic", topic)
	if filter.EventTypePrefix != "" {
		q.Set("event_type", filter.EventTypePrefix)
	}
	if filter.TenantID != "" {
		q.Set("tenant_id", filter.TenantID)
	}
	if filter.AssignedTo != "" {
		q.Set("assigned_to", filter.AssignedTo)
	}
	if filter.QueueGroup != "" {
		q.Set("queue_group", filter.QueueGroup)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.base+"/v1/events/stream?"+q.Encode(), nil)
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("X-Tenant-ID", b.tenant)
	resp, err := b.stream.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("agentsdk: subscribe: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return "", nil, decodeErrorBody(resp)
	}
	subID := resp.Header.Get("X-Subscription-ID")

	out := make(chan envelope.Envelope, 64)
	go func() {
		defer close(out)
		defer func() { _ = resp.Body.Close() }()
		for env := range parseSSE(resp.Body) {
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
		}
	}()
	return subID, out, nil
}

// parseSSE decodes the bus's server-sent-events framing: one envelope
// per event, JSON in the data field.
func parseSSE(r io.Reader) <-chan envelope.Envelope {
	out := make(chan envelope.Envelope)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		var data bytes.Buffer
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				if data.Len() > 0 {
					var env envelope.Envelope
					if err := json.Unmarshal(data.Bytes(), &env); err == nil {
						out <- env
					}
					data.Reset()
				}
			case strings.HasPrefix(line, "data: "):
				data.WriteString(strings.TrimPrefix(line, "data: "))
			}
		}
	}()
	return out
}

func (b *httpBus) Ack(ctx context.Context, subscriptionID, eventID string) error {
	payload, _ := json.Marshal(map[string]string{"subscription_id": subscriptionID, "event_id": eventID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.base+"/v1/events/ack", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", b.tenant)
	resp, err := b.hc.Do(req)
	if err != nil {
		return fmt.Errorf("agentsdk: ack: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNoContent {
		return decodeErrorBody(resp)
	}
	return nil
}

type httpRegistry struct {
	base   string
	hc     *http.Client
	tenant string
}

func (r *httpRegistry) RegisterAgent(ctx context.Context, def registry.AgentDefinition) (*registry.AgentRecord, error) {
	payload, err := json.Marshal(def)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+"/v1/agents", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", r.tenant)
	resp, err := r.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agentsdk: register agent: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusCreated {
		return nil, decodeErrorBody(resp)
	}
	var record registry.AgentRecord
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return nil, fmt.Errorf("agentsdk: decode agent record: %w", err)
	}
	return &record, nil
}

func (r *httpRegistry) Heartbeat(ctx context.Context, agentID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, r.base+"/v1/agents/"+url.PathEscape(agentID)+"/heartbeat", nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Tenant-ID", r.tenant)
	resp, err := r.hc.Do(req)
	if err != nil {
		return fmt.Errorf("agentsdk: heartbeat: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return registry.ErrNotFound
	default:
		return decodeErrorBody(resp)
	}
}

func (r *httpRegistry) Deregister(ctx context.Context, agentID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, r.base+"/v1/agents/"+url.PathEscape(agentID), nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Tenant-ID", r.tenant)
	resp, err := r.hc.Do(req)
	if err != nil {
		return fmt.Errorf("agentsdk: deregister: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return registry.ErrNotFound
	default:
		return decodeErrorBody(resp)
	}
}

func (r *httpRegistry) Discover(ctx context.Context, filter registry.DiscoverFilter) ([]*registry.AgentRecord, error) {
	q := url.Values{}
	if filter.Capability != "" {
		q.Set("capability", filter.Capability)
	}
	if filter.ConsumesEvent != "" {
		q.Set("consumes", filter.ConsumesEvent)
	}
	if filter.ProducesEvent != "" {
		q.Set("produces", filter.ProducesEvent)
	}
	if filter.TenantScope != "" {
		q.Set("tenant_scope", filter.TenantScope)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.base+"/v1/agents?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Tenant-ID", r.tenant)
	resp, err := r.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agentsdk: discover: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeErrorBody(resp)
	}
	var body struct {
		Agents []*registry.AgentRecord `json:"agents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("agentsdk: decode discover response: %w", err)
	}
	return body.Agents, nil
}

// httpMemory implements the Memory capability over memoryd's REST
// surface. Update operations are read-modify-write: the SDK owns its
// task and plan contexts exclusively, so no other writer races the
// round-trip.
type httpMemory struct {
	base string
	hc   *http.Client
}

func (m *httpMemory) do(ctx context.Context, scope memory.Scope, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, m.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Tenant-ID", scope.TenantID)
	req.Header.Set("X-User-ID", scope.UserID)
	resp, err := m.hc.Do(req)
	if err != nil {
		return fmt.Errorf("agentsdk: memory %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return memory.ErrNotFound
	case resp.StatusCode == http.StatusForbidden:
		return memory.ErrForbidden
	case resp.StatusCode == http.StatusUnauthorized:
		return memory.ErrUnauthenticated
	case resp.StatusCode >= 400:
		return decodeErrorBody(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("agentsdk: decode memory response: %w", err)
		}
	}
	return nil
}

func (m *httpMemory) SaveTaskContext(ctx context.Context, scope memory.Scope, tc *memory.TaskContext) error {
	return m.do(ctx, scope, http.MethodPost, "/v1/memory/tasks", tc, tc)
}

func (m *httpMemory) GetTaskContext(ctx context.Context, scope memory.Scope, taskID string) (*memory.TaskContext, error) {
	var tc memory.TaskContext
	if err := m.do(ctx, scope, http.MethodGet, "/v1/memory/tasks/"+url.PathEscape(taskID), nil, &tc); err != nil {
		return nil, err
	}
	return &tc, nil
}

func (m *httpMemory) UpdateTaskContext(ctx context.Context, scope memory.Scope, taskID string, patch func(*memory.TaskContext)) (*memory.TaskContext, error) {
	tc, err := m.GetTaskContext(ctx, scope, taskID)
	if err != nil {
		return nil, err
	}
	patch(tc)
	if err := m.do(ctx, scope, http.MethodPost, "/v1/memory/tasks", tc, tc); err != nil {
		return nil, err
	}
	return tc, nil
}

func (m *httpMemory) DeleteTaskContext(ctx context.Context, scope memory.Scope, taskID string) error {
	return m.do(ctx, scope, http.MethodDelete, "/v1/memory/tasks/"+url.PathEscape(taskID), nil, nil)
}

func (m *httpMemory) GetTaskBySubtask(ctx context.Context, scope memory.Scope, subTaskID string) (*memory.TaskContext, error) {
	var tc memory.TaskContext
	if err := m.do(ctx, scope, http.MethodGet, "/v1/memory/tasks/by-subtask/"+url.PathEscape(subTaskID), nil, &tc); err != nil {
		return nil, err
	}
	return &tc, nil
}

func (m *httpMemory) SavePlanContext(ctx context.Context, scope memory.Scope, pc *memory.PlanContext) error {
	return m.do(ctx, scope, http.MethodPost, "/v1/memory/plan-contexts", pc, pc)
}

func (m *httpMemory) GetPlanContext(ctx context.Context, scope memory.Scope, planID string) (*memory.PlanContext, error) {
	var pc memory.PlanContext
	if err := m.do(ctx, scope, http.MethodGet, "/v1/memory/plan-contexts/"+url.PathEscape(planID), nil, &pc); err != nil {
		return nil, err
	}
	return &pc, nil
}

func (m *httpMemory) GetPlanContextByCorrelation(ctx context.Context, scope memory.Scope, correlationID string) (*memory.PlanContext, error) {
	var pc memory.PlanContext
	if err := m.do(ctx, scope, http.MethodGet, "/v1/memory/plan-contexts/by-correlation/"+url.PathEscape(correlationID), nil, &pc); err != nil {
		return nil, err
	}
	return &pc, nil
}

func (m *httpMemory) UpdatePlanContext(ctx context.Context, scope memory.Scope, planID string, patch func(*memory.PlanContext)) (*memory.PlanContext, error) {
	pc, err := m.GetPlanContext(ctx, scope, planID)
	if err != nil {
		return nil, err
	}
	patch(pc)
	if err := m.do(ctx, scope, http.MethodPost, "/v1/memory/plan-contexts", pc, pc); err != nil {
		return nil, err
	}
	return pc, nil
}

func (m *httpMemory) DeletePlanContext(ctx context.Context, scope memory.Scope, planID string) error {
	return m.do(ctx, scope, http.MethodDelete, "/v1/memory/plan-contexts/"+url.PathEscape(planID), nil, nil)
}

func (m *httpMemory) SetWorking(ctx context.Context, scope memory.Scope, planID, key string, value []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		m.base+"/v1/memory/working/"+url.PathEscape(planID)+"/"+url.PathEscape(key), bytes.NewReader(value))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", scope.TenantID)
	req.Header.Set("X-User-ID", scope.UserID)
	resp, err := m.hc.Do(req)
	if err != nil {
		return fmt.Errorf("agentsdk: set working: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNoContent {
		return decodeErrorBody(resp)
	}
	return nil
}

func (m *httpMemory) GetWorking(ctx context.Context, scope memory.Scope, planID, key string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		m.base+"/v1/memory/working/"+url.PathEscape(planID)+"/"+url.PathEscape(key), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Tenant-ID", scope.TenantID)
	req.Header.Set("X-User-ID", scope.UserID)
	resp, err := m.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agentsdk: get working: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return nil, memory.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, decodeErrorBody(resp)
	}
	return io.ReadAll(resp.Body)
}

func (m *httpMemory) DeletePlanWorking(ctx context.Context, scope memory.Scope, planID string) (int, error) {
	var body struct {
		Deleted int `json:"deleted"`
	}
	if err := m.do(ctx, scope, http.MethodDelete, "/v1/memory/working/"+url.PathEscape(planID), nil, &body); err != nil {
		return 0, err
	}
	return body.Deleted, nil
}
