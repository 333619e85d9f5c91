package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/soorma-ai/soorma-core/internal/envelope"
)

// Server exposes the Event Bus's HTTP surface: POST /v1/events,
// GET /v1/events/stream, POST /v1/events/ack.
type Server struct {
	svc *Service
}

// NewServer wraps svc in an http.Handler-compatible façade.
func NewServer(svc *Service) *Server {
	return &Server{svc: svc}
}

// Routes registers the bus HTTP surface on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/events", s.handlePublish)
	mux.HandleFunc("GET /v1/events/stream", s.handleSubscribe)
	mux.HandleFunc("POST /v1/events/ack", s.handleAck)
}

func callerTenant(r *http.Request) string {
	return r.Header.Get("X-Tenant-ID")
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var env envelope.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_envelope", err.Error())
		return
	}
	stored, err := s.svc.Publish(r.Context(), env, callerTenant(r))
	if err != nil {
		switch {
		case errors.Is(err, ErrTenantMismatch):
			writeError(w, http.StatusForbidden, "tenant_mismatch", err.Error())
		case errors.Is(err, ErrInvalidEnvelope):
			writeError(w, http.StatusBadRequest, "invalid_envelope", err.Error())
		case errors.Is(err, ErrBackboneUnavailable):
			writeError(w, http.StatusServiceUnavailable, "backbone_unavailable", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(stored)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	topic := q.Get("topic")
	if topic == "" || !envelope.Topic(topic).IsValid() {
		writeError(w, http.StatusBadRequest, "unknown_topic", fmt.Sprintf("topic %q is not a fixed topic", topic))
		return
	}
	tenantID := q.Get("tenant_id")
	if tenantID != "" && tenantID != callerTenant(r) {
		writeError(w, http.StatusForbidden, "tenant_mismatch", "subscription tenant_id must match the caller's tenant")
		return
	}
	filter := Filter{
		EventTypePrefix: q.Get("event_type"),
		TenantID:        tenantID,
		AssignedTo:      q.Get("assigned_to"),
		QueueGroup:      q.Get("queue_group"),
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	subID, envs, err := s.svc.Subscribe(r.Context(), topic, filter)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "backbone_unavailable", err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Subscription-ID", subID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case env, ok := <-envs:
			if !ok {
				return
			}
			payload, err := json.Marshal(env)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", env.EventID, env.EventType, payload)
			flusher.Flush()
		}
	}
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubscriptionID string `json:"subscription_id"`
		EventID        string `json:"event_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.svc.Ack(r.Context(), req.SubscriptionID, req.EventID); err != nil {
		if errors.Is(err, ErrUnknownSubscription) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": kind, "message": message})
}
