package memory

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Server exposes the Memory service's HTTP surface: semantic, episodic,
// procedural, and working memory plus task/plan contexts, plans, and
// sessions. The caller's tenant comes from the X-Tenant-ID header and the
// user from the user_id query parameter or X-User-ID header — never from
// the request body.
type Server struct {
	svc *Service
}

// NewServer wraps svc in an http.Handler-compatible façade.
func NewServer(svc *Service) *Server {
	return &Server{svc: svc}
}

// Routes registers the memory HTTP surface on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/memory/semantic", s.handleUpsertKnowledge)
	mux.HandleFunc("GET /v1/memory/semantic/search", s.handleSearchKnowledge)
	mux.HandleFunc("DELETE /v1/memory/semantic/{id}", s.handleDeleteKnowledge)

	mux.HandleFunc("POST /v1/memory/episodic", s.handleLogInteraction)
	mux.HandleFunc("GET /v1/memory/episodic/recent", s.handleRecentInteractions)
	mux.HandleFunc("GET /v1/memory/episodic/search", s.handleSearchInteractions)

	mux.HandleFunc("GET /v1/memory/procedural/context", s.handleRelevantSkills)

	mux.HandleFunc("PUT /v1/memory/working/{plan_id}/{key}", s.handleSetWorking)
	mux.HandleFunc("GET /v1/memory/working/{plan_id}/{key}", s.handleGetWorking)
	mux.HandleFunc("DELETE /v1/memory/working/{plan_id}/{key}", s.handleDeleteWorking)
	mux.HandleFunc("DELETE /v1/memory/working/{plan_id}", s.handleDeletePlanWorking)

	mux.HandleFunc("POST /v1/memory/tasks", s.handleSaveTaskContext)
	mux.HandleFunc("GET /v1/memory/tasks/by-subtask/{sub_task_id}", s.handleGetTaskBySubtask)
	mux.HandleFunc("GET /v1/memory/tasks/{task_id}", s.handleGetTaskContext)
	mux.HandleFunc("PATCH /v1/memory/tasks/{task_id}", s.handlePatchTaskContext)
	mux.HandleFunc("DELETE /v1/memory/tasks/{task_id}", s.handleDeleteTaskContext)

	mux.HandleFunc("POST /v1/memory/plan-contexts", s.handleSavePlanContext)
	mux.HandleFunc("GET /v1/memory/plan-contexts/by-correlation/{correlation_id}", s.handleGetPlanContextByCorrelation)
	mux.HandleFunc("GET /v1/memory/plan-contexts/{plan_id}", s.handleGetPlanContext)
	mux.HandleFunc("PATCH /v1/memory/plan-contexts/{plan_id}", s.handlePatchPlanContext)
	mux.HandleFunc("DELETE /v1/memory/plan-contexts/{plan_id}", s.handleDeletePlanContext)

	mux.HandleFunc("POST /v1/memory/plans", s.handleSavePlan)
	mux.HandleFunc("GET /v1/memory/plans", s.handleListPlans)
	mux.HandleFunc("GET /v1/memory/plans/{plan_id}", s.handleGetPlan)
	mux.HandleFunc("DELETE /v1/memory/plans/{plan_id}", s.handleDeletePlan)

	mux.HandleFunc("POST /v1/memory/sessions", s.handleSaveSession)
	mux.HandleFunc("GET /v1/memory/sessions", s.handleListSessions)
	mux.HandleFunc("GET /v1/memory/sessions/{session_id}", s.handleGetSession)
	mux.HandleFunc("DELETE /v1/memory/sessions/{session_id}", s.handleDeleteSession)
}

// scopeOf extracts the caller's identity from transport metadata only.
func scopeOf(r *http.Request) Scope {
	user := r.URL.Query().Get("user_id")
	if user == "" {
		user = r.Header.Get("X-User-ID")
	}
	return Scope{
		TenantID: r.Header.Get("X-Tenant-ID"),
		UserID:   user,
	}
}

func writeMemoryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated", err.Error())
	case errors.Is(err, ErrForbidden):
		writeJSONError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func writeJSONError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": kind, "message": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type upsertKnowledgeRequest struct {
	Content    string         `json:"content"`
	Embedding  Embedding      `json:"embedding,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	ExternalID string         `json:"external_id,omitempty"`
	IsPublic   bool           `json:"is_public,omitempty"`
}

func (s *Server) handleUpsertKnowledge(w http.ResponseWriter, r *http.Request) {
	var req upsertKnowledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	id, action, err := s.svc.UpsertKnowledge(r.Context(), scopeOf(r), &Semantic{
		Content:    req.Content,
		Embedding:  req.Embedding,
		Metadata:   req.Metadata,
		ExternalID: req.ExternalID,
		IsPublic:   req.IsPublic,
	})
	if err != nil {
		writeMemoryError(w, err)
		return
	}
	status := http.StatusCreated
	if action != ActionCreated {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]string{"id": id, "action": string(action)})
}

func (s *Server) handleSearchKnowledge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	includePublic := true
	if v := q.Get("include_public"); v != "" {
		includePublic, _ = strconv.ParseBool(v)
	}
	rows, err := s.svc.SearchKnowledge(r.Context(), scopeOf(r), q.Get("q"), nil,
		intParam(q.Get("top_k")), includePublic, SemanticFilters{ExternalIDPrefix: q.Get("external_id_prefix")})
	if err != nil {
		writeMemoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": rows})
}

func (s *Server) handleDeleteKnowledge(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteKnowledge(r.Context(), scopeOf(r), r.PathValue("id")); err != nil {
		writeMemoryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type logInteractionRequest struct {
	AgentID  string         `json:"agent_id"`
	Role     string         `json:"role"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleLogInteraction(w http.ResponseWriter, r *http.Request) {
	var req logInteractionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	stored, err := s.svc.LogInteraction(r.Context(), scopeOf(r), &Episodic{
		AgentID: req.AgentID,
		Role:    req.Role,
		Content: req.Content,
	})
	if err != nil {
		writeMemoryError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleRecentInteractions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rows, err := s.svc.RecentInteractions(r.Context(), scopeOf(r), q.Get("agent_id"), intParam(q.Get("limit")))
	if err != nil {
		writeMemoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"interactions": rows})
}

func (s *Server) handleSearchInteractions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rows, err := s.svc.SearchInteractions(r.Context(), scopeOf(r), q.Get("agent_id"), q.Get("q"), nil, intParam(q.Get("top_k")))
	if err != nil {
		writeMemoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"interactions": rows})
}

func (s *Server) handleRelevantSkills(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rows, err := s.svc.RelevantSkills(r.Context(), scopeOf(r), q.Get("agent_id"), q.Get("q"), nil, intParam(q.Get("top_k")))
	if err != nil {
		writeMemoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"skills": rows})
}

func (s *Server) handleSetWorking(w http.ResponseWriter, r *http.Request) {
	value, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.svc.SetWorking(r.Context(), scopeOf(r), r.PathValue("plan_id"), r.PathValue("key"), value); err != nil {
		writeMemoryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetWorking(w http.ResponseWriter, r *http.Request) {
	value, err := s.svc.GetWorking(r.Context(), scopeOf(r), r.PathValue("plan_id"), r.PathValue("key"))
	if err != nil {
		writeMemoryError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(value)
}

func (s *Server) handleDeleteWorking(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteWorking(r.Context(), scopeOf(r), r.PathValue("plan_id"), r.PathValue("key")); err != nil {
		writeMemoryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeletePlanWorking(w http.ResponseWriter, r *http.Request) {
	count, err := s.svc.DeletePlanWorking(r.Context(), scopeOf(r), r.PathValue("plan_id"))
	if err != nil {
		writeMemoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": count})
}

func (s *Server) handleSaveTaskContext(w http.ResponseWriter, r *http.Request) {
	var tc TaskContext
	if err := json.NewDecoder(r.Body).Decode(&tc); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.svc.SaveTaskContext(r.Context(), scopeOf(r), &tc); err != nil {
		writeMemoryError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tc)
}

func (s *Server) handleGetTaskContext(w http.ResponseWriter, r *http.Request) {
	tc, err := s.svc.GetTaskContext(r.Context(), scopeOf(r), r.PathValue("task_id"))
	if err != nil {
		writeMemoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tc)
}

// taskContextPatch is the wire form of a partial task-context update.
// Only non-nil fields are applied.
type taskContextPatch struct {
	Data     json.RawMessage   `json:"data,omitempty"`
	SubTasks map[string]string `json:"sub_tasks,omitempty"`
	State    map[string]any    `json:"state,omitempty"`
}

func (s *Server) handlePatchTaskContext(w http.ResponseWriter, r *http.Request) {
	var patch taskContextPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	tc, err := s.svc.UpdateTaskContext(r.Context(), scopeOf(r), r.PathValue("task_id"), func(tc *TaskContext) {
		if patch.Data != nil {
			tc.Data = patch.Data
		}
		if tc.SubTasks == nil {
			tc.SubTasks = make(map[string]string)
		}
		for k, v := range patch.SubTasks {
			tc.SubTasks[k] = v
		}
		if tc.State == nil {
			tc.State = make(map[string]any)
		}
		for k, v := range patch.State {
			tc.State[k] = v
		}
		tc.UpdatedAt = time.Now().UTC()
	})
	if err != nil {
		writeMemoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tc)
}

func (s *Server) handleDeleteTaskContext(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteTaskContext(r.Context(), scopeOf(r), r.PathValue("task_id")); err != nil {
		writeMemoryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetTaskBySubtask(w http.ResponseWriter, r *http.Request) {
	tc, err := s.svc.GetTaskBySubtask(r.Context(), scopeOf(r), r.PathValue("sub_task_id"))
	if err != nil {
		writeMemoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tc)
}

func (s *Server) handleSavePlanContext(w http.ResponseWriter, r *http.Request) {
	var pc PlanContext
	if err := json.NewDecoder(r.Body).Decode(&pc); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.svc.SavePlanContext(r.Context(), scopeOf(r), &pc); err != nil {
		writeMemoryError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pc)
}

func (s *Server) handleGetPlanContext(w http.ResponseWriter, r *http.Request) {
	pc, err := s.svc.GetPlanContext(r.Context(), scopeOf(r), r.PathValue("plan_id"))
	if err != nil {
		writeMemoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pc)
}

func (s *Server) handleGetPlanContextByCorrelation(w http.ResponseWriter, r *http.Request) {
	pc, err := s.svc.GetPlanContextByCorrelation(r.Context(), scopeOf(r), r.PathValue("correlation_id"))
	if err != nil {
		writeMemoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pc)
}

// planContextPatch is the wire form of a partial plan-context update.
type planContextPatch struct {
	CurrentState *string        `json:"current_state,omitempty"`
	Status       *PlanStatus    `json:"status,omitempty"`
	Results      map[string]any `json:"results,omitempty"`
}

func (s *Server) handlePatchPlanContext(w http.ResponseWriter, r *http.Request) {
	var patch planContextPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	pc, err := s.svc.UpdatePlanContext(r.Context(), scopeOf(r), r.PathValue("plan_id"), func(pc *PlanContext) {
		if patch.CurrentState != nil {
			pc.CurrentState = *patch.CurrentState
		}
		if patch.Status != nil {
			pc.Status = *patch.Status
		}
		if pc.Results == nil {
			pc.Results = make(map[string]any)
		}
		for k, v := range patch.Results {
			pc.Results[k] = v
		}
		pc.UpdatedAt = time.Now().UTC()
	})
	if err != nil {
		writeMemoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pc)
}

func (s *Server) handleDeletePlanContext(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeletePlanContext(r.Context(), scopeOf(r), r.PathValue("plan_id")); err != nil {
		writeMemoryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSavePlan(w http.ResponseWriter, r *http.Request) {
	var p Plan
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.svc.SavePlan(r.Context(), scopeOf(r), &p); err != nil {
		writeMemoryError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.GetPlan(r.Context(), scopeOf(r), r.PathValue("plan_id"))
	if err != nil {
		writeMemoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	plans, err := s.svc.ListPlans(r.Context(), scopeOf(r), q.Get("session_id"), q.Get("status"))
	if err != nil {
		writeMemoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": plans})
}

func (s *Server) handleDeletePlan(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeletePlan(r.Context(), scopeOf(r), r.PathValue("plan_id")); err != nil {
		writeMemoryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSaveSession(w http.ResponseWriter, r *http.Request) {
	var sess Session
	if err := json.NewDecoder(r.Body).Decode(&sess); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.svc.SaveSession(r.Context(), scopeOf(r), &sess); err != nil {
		writeMemoryError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.GetSession(r.Context(), scopeOf(r), r.PathValue("session_id"))
	if err != nil {
		writeMemoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.svc.ListSessions(r.Context(), scopeOf(r), r.URL.Query().Get("status"))
	if err != nil {
		writeMemoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteSession(r.Context(), scopeOf(r), r.PathValue("session_id")); err != nil {
		writeMemoryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func intParam(v string) int {
	if v == "" {
		return 0
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return i
}
