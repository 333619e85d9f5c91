package envelope

import "testing"

func TestNormalizeAssignsDefaults(t *testing.T) {
	e := Envelope{EventType: "calc.add.requested", Topic: TopicActionRequests, TenantID: "t1"}
	if err := e.Normalize(); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if e.EventID == "" {
		t.Fatalf("expected event_id to be assigned")
	}
	if e.OccurredAt.IsZero() {
		t.Fatalf("expected occurred_at to be assigned")
	}
	if e.TraceID != e.EventID {
		t.Fatalf("expected trace_id to default to event_id, got %q vs %q", e.TraceID, e.EventID)
	}
}

func TestNormalizeRejectsUnknownTopic(t *testing.T) {
	e := Envelope{EventType: "x", Topic: "not-a-topic", TenantID: "t1"}
	if err := e.Normalize(); err == nil {
		t.Fatalf("expected error for unknown topic")
	}
}

func TestNormalizeRejectsMissingTenant(t *testing.T) {
	e := Envelope{EventType: "x", Topic: TopicBusinessFacts}
	if err := e.Normalize(); err == nil {
		t.Fatalf("expected error for missing tenant_id")
	}
}

func TestNormalizePreservesExplicitEventID(t *testing.T) {
	e := Envelope{EventID: "fixed-id", EventType: "x", Topic: TopicAudit, TenantID: "t1"}
	if err := e.Normalize(); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if e.EventID != "fixed-id" {
		t.Fatalf("expected event_id to be preserved, got %q", e.EventID)
	}
}
