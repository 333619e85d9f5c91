package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/soorma-ai/soorma-core/internal/envelope"
)

func TestPublishAssignsEventIDAndRejectsUnknownTopic(t *testing.T) {
	svc, err := NewService(ServiceOptions{Backbone: NewInmemBackbone()})
	require.NoError(t, err)

	env := envelope.Envelope{EventType: "order.process.requested", Topic: envelope.TopicBusinessFacts, TenantID: "t1"}
	stored, err := svc.Publish(context.Background(), env, "t1")
	require.NoError(t, err)
	require.NotEmpty(t, stored.EventID)

	bad := envelope.Envelope{EventType: "x", Topic: "not-a-topic", TenantID: "t1"}
	_, err = svc.Publish(context.Background(), bad, "t1")
	require.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestPublishRejectsTenantMismatch(t *testing.T) {
	svc, err := NewService(ServiceOptions{Backbone: NewInmemBackbone()})
	require.NoError(t, err)
	env := envelope.Envelope{EventType: "x", Topic: envelope.TopicAudit, TenantID: "t1"}
	_, err = svc.Publish(context.Background(), env, "t2")
	require.ErrorIs(t, err, ErrTenantMismatch)
}

func TestSubscribePublishRoundTrip(t *testing.T) {
	svc, err := NewService(ServiceOptions{Backbone: NewInmemBackbone()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, envs, err := svc.Subscribe(ctx, string(envelope.TopicActionRequests), Filter{})
	require.NoError(t, err)

	env := envelope.Envelope{EventType: "calc.add.requested", Topic: envelope.TopicActionRequests, TenantID: "t1"}
	stored, err := svc.Publish(ctx, env, "t1")
	require.NoError(t, err)

	select {
	case got := <-envs:
		require.Equal(t, "calc.add.requested", got.EventType)
		require.Equal(t, stored.EventID, got.EventID)
		require.Equal(t, stored.OccurredAt.UnixNano(), got.OccurredAt.UnixNano())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribed envelope")
	}
}

// drain collects envelopes from ch until it has been idle for the given
// window.
func drain(ch <-chan envelope.Envelope, idle time.Duration) []envelope.Envelope {
	var out []envelope.Envelope
	for {
		select {
		case env := <-ch:
			out = append(out, env)
		case <-time.After(idle):
			return out
		}
	}
}

func TestSubscribeQueueGroupExclusivity(t *testing.T) {
	svc, err := NewService(ServiceOptions{Backbone: NewInmemBackbone()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, a, err := svc.Subscribe(ctx, string(envelope.TopicActionRequests), Filter{QueueGroup: "workers"})
	require.NoError(t, err)
	_, b, err := svc.Subscribe(ctx, string(envelope.TopicActionRequests), Filter{QueueGroup: "workers"})
	require.NoError(t, err)
	_, auditors, err := svc.Subscribe(ctx, string(envelope.TopicActionRequests), Filter{QueueGroup: "auditors"})
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		env := envelope.Envelope{EventType: "t.requested", Topic: envelope.TopicActionRequests, TenantID: "t1"}
		stored, err := svc.Publish(ctx, env, "t1")
		require.NoError(t, err)
		seen[stored.EventID] = false
	}

	fromA := drain(a, 200*time.Millisecond)
	fromB := drain(b, 200*time.Millisecond)
	require.Equal(t, 100, len(fromA)+len(fromB), "workers group must handle each envelope exactly once")
	require.NotEmpty(t, fromA, "round-robin must reach both group members")
	require.NotEmpty(t, fromB, "round-robin must reach both group members")
	for _, env := range append(fromA, fromB...) {
		delivered, ok := seen[env.EventID]
		require.True(t, ok)
		require.False(t, delivered, "envelope %s delivered twice within the group", env.EventID)
		seen[env.EventID] = true
	}

	fromAuditors := drain(auditors, 200*time.Millisecond)
	require.Len(t, fromAuditors, 100, "independent group must receive every envelope")
}

func TestSubscribeAssignedToFilter(t *testing.T) {
	svc, err := NewService(ServiceOptions{Backbone: NewInmemBackbone()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, mine, err := svc.Subscribe(ctx, string(envelope.TopicActionRequests), Filter{AssignedTo: "worker:1"})
	require.NoError(t, err)

	for _, assignee := range []string{"worker:1", "worker:2", ""} {
		env := envelope.Envelope{EventType: "t.requested", Topic: envelope.TopicActionRequests, TenantID: "t1", AssignedTo: assignee}
		_, err := svc.Publish(ctx, env, "t1")
		require.NoError(t, err)
	}

	got := drain(mine, 200*time.Millisecond)
	require.Len(t, got, 1)
	require.Equal(t, "worker:1", got[0].AssignedTo)
}

func TestAckUnknownSubscription(t *testing.T) {
	svc, err := NewService(ServiceOptions{Backbone: NewInmemBackbone()})
	require.NoError(t, err)
	err = svc.Ack(context.Background(), "does-not-exist", "ev-1")
	require.ErrorIs(t, err, ErrUnknownSubscription)
}

func TestRedeliveryPastThresholdGoesToDeadLetter(t *testing.T) {
	svc, err := NewService(ServiceOptions{Backbone: NewInmemBackbone(), DeadLetterThreshold: 2})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, envs, err := svc.Subscribe(ctx, string(envelope.TopicActionRequests), Filter{QueueGroup: "workers"})
	require.NoError(t, err)
	_, dead, err := svc.Subscribe(ctx, string(envelope.TopicDeadLetter), Filter{})
	require.NoError(t, err)

	// The same event_id arriving again without an ack is a redelivery.
	env := envelope.Envelope{EventID: "poison-1", EventType: "t.requested", Topic: envelope.TopicActionRequests, TenantID: "t1"}
	for i := 0; i < 3; i++ {
		_, err := svc.Publish(ctx, env, "t1")
		require.NoError(t, err)
	}

	delivered := drain(envs, 200*time.Millisecond)
	require.Len(t, delivered, 2, "deliveries beyond the threshold must not reach the consumer")

	select {
	case got := <-dead:
		require.Equal(t, "poison-1", got.ParentEventID)
		require.Equal(t, "envelope.undeliverable", got.EventType)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dead-letter copy")
	}
}

func TestDeadLetterPreservesParentEventID(t *testing.T) {
	svc, err := NewService(ServiceOptions{Backbone: NewInmemBackbone()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, envs, err := svc.Subscribe(ctx, string(envelope.TopicDeadLetter), Filter{})
	require.NoError(t, err)

	orig := envelope.Envelope{EventID: "orig-1", EventType: "x", Topic: envelope.TopicBusinessFacts, TenantID: "t1", TraceID: "trace-1"}
	require.NoError(t, svc.DeadLetter(ctx, orig))

	select {
	case got := <-envs:
		require.Equal(t, "orig-1", got.ParentEventID)
		require.Equal(t, "trace-1", got.TraceID)
		require.Equal(t, envelope.TopicDeadLetter, got.Topic)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dead-letter envelope")
	}
}
