package registry

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Server exposes the Registry's HTTP surface: POST /v1/agents,
// PUT /v1/agents/{id}/heartbeat, DELETE /v1/agents/{id}, GET /v1/agents,
// POST /v1/events, GET /v1/events, POST /v1/schemas, GET /v1/schemas/{name}.
type Server struct {
	svc *Service
}

// NewServer wraps svc in an http.Handler-compatible façade.
func NewServer(svc *Service) *Server {
	return &Server{svc: svc}
}

// Routes registers the registry HTTP surface on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/agents", s.handleRegisterAgent)
	mux.HandleFunc("GET /v1/agents", s.handleDiscover)
	mux.HandleFunc("PUT /v1/agents/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("DELETE /v1/agents/{id}", s.handleDeregister)
	mux.HandleFunc("POST /v1/events", s.handleRegisterEvent)
	mux.HandleFunc("GET /v1/events", s.handleListEvents)
	mux.HandleFunc("POST /v1/schemas", s.handleRegisterSchema)
	mux.HandleFunc("GET /v1/schemas/{name}", s.handleGetSchema)
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var def AgentDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	record, err := s.svc.RegisterAgent(r.Context(), def)
	if err != nil {
		writeError(w, http.StatusBadRequest, "register_failed", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(record)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if err := s.svc.Heartbeat(r.Context(), agentID); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "agent is not currently registered")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if err := s.svc.Deregister(r.Context(), agentID); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := DiscoverFilter{
		Capability:    q.Get("capability"),
		ConsumesEvent: q.Get("consumes"),
		ProducesEvent: q.Get("produces"),
		TenantScope:   q.Get("tenant_scope"),
	}
	agents, err := s.svc.Discover(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"agents": agents})
}

func (s *Server) handleRegisterEvent(w http.ResponseWriter, r *http.Request) {
	var ev EventDefinition
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	saved, err := s.svc.RegisterEvent(r.Context(), &ev)
	if err != nil {
		if errors.Is(err, ErrEventSchemaTopic) {
			writeError(w, http.StatusBadRequest, "unknown_topic", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(saved)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	events, err := s.svc.ListEvents(r.Context(), topic)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"events": events})
}

func (s *Server) handleRegisterSchema(w http.ResponseWriter, r *http.Request) {
	var schema PayloadSchema
	if err := json.NewDecoder(r.Body).Decode(&schema); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	saved, err := s.svc.RegisterSchema(r.Context(), &schema)
	if err != nil {
		if errors.Is(err, ErrInvalidJSONSchema) {
			writeError(w, http.StatusBadRequest, "invalid_schema", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(saved)
}

func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	schema, err := s.svc.GetSchema(r.Context(), name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(schema)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": kind, "message": message})
}
