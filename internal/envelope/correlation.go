package envelope

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Publishing errors surfaced by the request/respond/announce idioms.
var (
	ErrResponseEventRequired = errors.New("envelope: request must set response_event")
	ErrResponseMismatch      = errors.New("envelope: respond must echo request's response_event and correlation_id")
	ErrAnnounceToResults     = errors.New("envelope: announce must not target action-results")
)

// NewRequest builds a "request" envelope: topic=action-requests,
// response_event and correlation_id are mandatory (correlation_id defaults
// to a fresh UUID when unset).
func NewRequest(eventType, tenantID, userID, sessionID, responseEvent string, data []byte) (Envelope, error) {
	if responseEvent == "" {
		return Envelope{}, ErrResponseEventRequired
	}
	e := Envelope{
		EventType:     eventType,
		Topic:         TopicActionRequests,
		TenantID:      tenantID,
		UserID:        userID,
		SessionID:     sessionID,
		ResponseEvent: responseEvent,
		CorrelationID: uuid.NewString(),
		Data:          data,
	}
	if err := e.Normalize(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// Respond builds the reply envelope for request, per the "respond" idiom:
// topic defaults to action-results (or request.ResponseTopic when set),
// event_type = request.ResponseEvent, correlation_id copied unchanged,
// tenant/user/session copied from request.
func Respond(request Envelope, data []byte) (Envelope, error) {
	if request.ResponseEvent == "" {
		return Envelope{}, ErrResponseEventRequired
	}
	topic := TopicActionResults
	if request.ResponseTopic != "" {
		topic = request.ResponseTopic
	}
	corr := request.CorrelationID
	if corr == "" {
		corr = request.EventID
	}
	e := Envelope{
		EventType:     request.ResponseEvent,
		Topic:         topic,
		TenantID:      request.TenantID,
		UserID:        request.UserID,
		SessionID:     request.SessionID,
		CorrelationID: corr,
		ParentEventID: request.EventID,
		TraceID:       request.TraceID,
		Data:          data,
	}
	if err := e.Normalize(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// ValidateResponse enforces Correlation Router invariant 1 (response
// addressing): it MUST match request.ResponseEvent and request.CorrelationID.
func ValidateResponse(request, response Envelope) error {
	wantCorr := request.CorrelationID
	if wantCorr == "" {
		wantCorr = request.EventID
	}
	if response.EventType != request.ResponseEvent || response.CorrelationID != wantCorr {
		return fmt.Errorf("%w: got event_type=%q correlation_id=%q", ErrResponseMismatch, response.EventType, response.CorrelationID)
	}
	return nil
}

// Announce builds a fire-and-forget envelope on any topic other than
// action-results; correlation_id is optional.
func Announce(topic Topic, eventType, tenantID, userID, sessionID string, data []byte) (Envelope, error) {
	if topic == TopicActionResults {
		return Envelope{}, ErrAnnounceToResults
	}
	e := Envelope{
		EventType: eventType,
		Topic:     topic,
		TenantID:  tenantID,
		UserID:    userID,
		SessionID: sessionID,
		Data:      data,
	}
	if err := e.Normalize(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// CreateChildRequest implements Correlation Router invariant 2 (trace
// propagation): it copies trace_id, tenant_id, user_id, session_id from
// parent and sets parent_event_id = parent.EventID, atomically with
// building a fresh request envelope.
func CreateChildRequest(parent Envelope, eventType, responseEvent string, data []byte) (Envelope, error) {
	if responseEvent == "" {
		return Envelope{}, ErrResponseEventRequired
	}
	e := Envelope{
		EventType:     eventType,
		Topic:         TopicActionRequests,
		TenantID:      parent.TenantID,
		UserID:        parent.UserID,
		SessionID:     parent.SessionID,
		ResponseEvent: responseEvent,
		CorrelationID: uuid.NewString(),
		ParentEventID: parent.EventID,
		TraceID:       parent.TraceID,
		Data:          data,
	}
	if err := e.Normalize(); err != nil {
		return Envelope{}, err
	}
	e.TraceID = parent.TraceID
	return e, nil
}
