package envelope

import "testing"

func TestRequestRespondRoundTrip(t *testing.T) {
	req, err := NewRequest("calc.add.requested", "t1", "u1", "", "calc.add.done", []byte(`{"a":2,"b":3}`))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := Respond(req, []byte(`{"result":5}`))
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if err := ValidateResponse(req, resp); err != nil {
		t.Fatalf("ValidateResponse: %v", err)
	}
	if resp.Topic != TopicActionResults {
		t.Fatalf("expected action-results topic, got %q", resp.Topic)
	}
	if resp.CorrelationID != req.CorrelationID {
		t.Fatalf("correlation_id mismatch: %q vs %q", resp.CorrelationID, req.CorrelationID)
	}
}

func TestRespondHonorsCustomResponseTopic(t *testing.T) {
	req, err := NewRequest("x", "t1", "", "", "x.done", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.ResponseTopic = TopicSystemEvents
	resp, err := Respond(req, nil)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if resp.Topic != TopicSystemEvents {
		t.Fatalf("expected system-events topic, got %q", resp.Topic)
	}
}

func TestValidateResponseRejectsMismatch(t *testing.T) {
	req, _ := NewRequest("x", "t1", "", "", "x.done", nil)
	bad := Envelope{EventType: "wrong.event", CorrelationID: req.CorrelationID}
	if err := ValidateResponse(req, bad); err == nil {
		t.Fatalf("expected mismatch error")
	}
}

func TestAnnounceRejectsActionResults(t *testing.T) {
	if _, err := Announce(TopicActionResults, "x", "t1", "", "", nil); err == nil {
		t.Fatalf("expected error announcing on action-results")
	}
}

func TestCreateChildRequestPropagatesTrace(t *testing.T) {
	parent, _ := NewRequest("order.fulfill.requested", "t1", "u1", "s1", "order.fulfill.done", nil)
	parent.EventID = "parent-event"
	child, err := CreateChildRequest(parent, "inventory.reserve.requested", "inventory.done", nil)
	if err != nil {
		t.Fatalf("CreateChildRequest: %v", err)
	}
	if child.TraceID != parent.TraceID {
		t.Fatalf("trace_id not propagated: %q vs %q", child.TraceID, parent.TraceID)
	}
	if child.ParentEventID != parent.EventID {
		t.Fatalf("parent_event_id not set: %q", child.ParentEventID)
	}
	if child.TenantID != parent.TenantID || child.UserID != parent.UserID || child.SessionID != parent.SessionID {
		t.Fatalf("tenant/user/session not propagated")
	}
}
