// Package api exposes the dialectic recovery protocol over HTTP. The
// handlers are thin: validation and error mapping here, semantics in
// internal/dialectic.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/arbiter-ai/arbiter/internal/dialectic"
	"github.com/arbiter-ai/arbiter/internal/llm"
	"github.com/arbiter-ai/arbiter/internal/models"
	"github.com/arbiter-ai/arbiter/internal/registry"
	"github.com/arbiter-ai/arbiter/internal/store"
)

// Server provides the REST API handlers.
type Server struct {
	store    store.Store
	registry *registry.Registry
	service  *dialectic.Service
	llm      *llm.Client
	logger   *slog.Logger
}

// NewServer creates a new API server. The llmClient may be nil if no
// API key is configured; the draft endpoint then returns 503.
func NewServer(s store.Store, reg *registry.Registry, svc *dialectic.Service, llmClient *llm.Client, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:    s,
		registry: reg,
		service:  svc,
		llm:      llmClient,
		logger:   logger,
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/agents", s.registerAgent)
	mux.HandleFunc("GET /api/v1/agents", s.listAgents)
	mux.HandleFunc("GET /api/v1/agents/{id}", s.getAgent)
	mux.HandleFunc("POST /api/v1/agents/{id}/pause", s.pauseAgent)
	mux.HandleFunc("PUT /api/v1/agents/{id}/health", s.updateAgentHealth)
	mux.HandleFunc("GET /api/v1/agents/{id}/sessions", s.listAgentSessions)

	mux.HandleFunc("POST /api/v1/reviews", s.requestReview)

	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.getSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/thesis", s.submitThesis)
	mux.HandleFunc("POST /api/v1/sessions/{id}/antithesis", s.submitAntithesis)
	mux.HandleFunc("POST /api/v1/sessions/{id}/synthesis", s.submitSynthesis)
	mux.HandleFunc("POST /api/v1/sessions/{id}/finalize", s.finalizeSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}/content-hash", s.sessionContentHash)
	mux.HandleFunc("POST /api/v1/sessions/{id}/draft-antithesis", s.draftAntithesis)
	mux.HandleFunc("DELETE /api/v1/sessions/cleanup", s.cleanupSessions)

	mux.HandleFunc("POST /api/v1/findings", s.createFinding)
	mux.HandleFunc("GET /api/v1/findings/{id}", s.getFinding)
	mux.HandleFunc("POST /api/v1/decisions", s.createDecision)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeProtocolError maps the dialectic error taxonomy onto HTTP status
// codes. Protocol errors carry the session's authoritative phase so the
// caller can self-correct without a separate query.
func writeProtocolError(w http.ResponseWriter, err error) {
	body := map[string]string{"error": err.Error()}
	if phase, ok := dialectic.PhaseOf(err); ok {
		body["phase"] = string(phase)
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dialectic.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, dialectic.ErrWrongPhase), errors.Is(err, dialectic.ErrWrongParty):
		status = http.StatusConflict
	case errors.Is(err, dialectic.ErrAuthenticationFailed):
		status = http.StatusUnauthorized
	case errors.Is(err, dialectic.ErrNoEligibleReviewer):
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, body)
}

// --- Agents ---

func (s *Server) registerAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string   `json:"name"`
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	agent, apiKey, err := s.registry.Register(r.Context(), req.Name, req.Tags)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// The plaintext key is returned exactly once.
	writeJSON(w, http.StatusCreated, map[string]any{
		"agent":   agent,
		"api_key": apiKey,
	})
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.store.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) pauseAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	id := r.PathValue("id")
	if err := s.registry.SetLifecycleStatus(r.Context(), id, models.AgentStatusPaused, req.Reason); err != nil {
		writeProtocolError(w, err)
		return
	}
	agent, err := s.store.GetAgent(r.Context(), id)
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// updateAgentHealth ingests a metrics-engine snapshot for an agent.
func (s *Server) updateAgentHealth(w http.ResponseWriter, r *http.Request) {
	var snapshot models.HealthSnapshot
	if err := json.NewDecoder(r.Body).Decode(&snapshot); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	agent, err := s.store.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeProtocolError(w, err)
		return
	}

	agent.Health = snapshot
	if err := s.store.UpdateAgent(r.Context(), agent); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) listAgentSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.service.SessionsForAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// --- Reviews / sessions ---

func (s *Server) requestReview(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PausedAgentID string `json:"paused_agent_id"`
		Reason        string `json:"reason"`
		DiscoveryID   string `json:"discovery_id"`
		DisputeType   string `json:"dispute_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.PausedAgentID == "" {
		writeError(w, http.StatusBadRequest, "paused_agent_id is required")
		return
	}

	sess, err := s.service.RequestReview(r.Context(), req.PausedAgentID, req.Reason, req.DiscoveryID, models.DisputeType(req.DisputeType))
	if err != nil {
		writeProtocolError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id":        sess.ID,
		"reviewer_agent_id": sess.ReviewerAgentID,
		"phase":             sess.Phase,
	})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListActiveSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.service.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type submitRequest struct {
	AgentID            string             `json:"agent_id"`
	APIKey             string             `json:"api_key"`
	RootCause          string             `json:"root_cause"`
	ProposedConditions []string           `json:"proposed_conditions"`
	Reasoning          string             `json:"reasoning"`
	ObservedMetrics    map[string]float64 `json:"observed_metrics"`
	Concerns           []string           `json:"concerns"`
	Agrees             *bool              `json:"agrees"`
}

func decodeSubmit(w http.ResponseWriter, r *http.Request) (*submitRequest, bool) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return nil, false
	}
	if req.AgentID == "" || req.APIKey == "" {
		writeError(w, http.StatusBadRequest, "agent_id and api_key are required")
		return nil, false
	}
	return &req, true
}

func (s *Server) submitThesis(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSubmit(w, r)
	if !ok {
		return
	}

	sess, err := s.service.SubmitThesis(r.Context(), r.PathValue("id"), req.AgentID, req.APIKey, models.ThesisMessage{
		RootCause:          req.RootCause,
		ProposedConditions: req.ProposedConditions,
		Reasoning:          req.Reasoning,
	})
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) submitAntithesis(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSubmit(w, r)
	if !ok {
		return
	}

	sess, err := s.service.SubmitAntithesis(r.Context(), r.PathValue("id"), req.AgentID, req.APIKey, models.AntithesisMessage{
		ObservedMetrics: req.ObservedMetrics,
		Concerns:        req.Concerns,
		Reasoning:       req.Reasoning,
	})
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) submitSynthesis(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSubmit(w, r)
	if !ok {
		return
	}

	result, err := s.service.SubmitSynthesis(r.Context(), r.PathValue("id"), req.AgentID, req.APIKey, models.SynthesisMessage{
		ProposedConditions: req.ProposedConditions,
		RootCause:          req.RootCause,
		Reasoning:          req.Reasoning,
		Agrees:             req.Agrees,
	})
	if err != nil {
		writeProtocolError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session":   result.Session,
		"converged": result.Converged,
		"escalated": result.Escalated,
	})
}

func (s *Server) finalizeSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SignatureA string `json:"signature_a"`
		SignatureB string `json:"signature_b"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	resolution, execResult, err := s.service.Finalize(r.Context(), r.PathValue("id"), req.SignatureA, req.SignatureB)
	if err != nil {
		writeProtocolError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"resolution": resolution,
		"execution":  execResult,
	})
}

func (s *Server) sessionContentHash(w http.ResponseWriter, r *http.Request) {
	hash, err := s.service.PendingContentHash(r.Context(), r.PathValue("id"))
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content_hash": hash})
}

func (s *Server) draftAntithesis(w http.ResponseWriter, r *http.Request) {
	if s.llm == nil {
		writeError(w, http.StatusServiceUnavailable, "no LLM API key configured")
		return
	}

	sess, err := s.service.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeProtocolError(w, err)
		return
	}

	var thesis *models.ThesisMessage
	for _, e := range sess.Transcript {
		if e.Thesis != nil {
			thesis = e.Thesis
			break
		}
	}
	if thesis == nil {
		writeError(w, http.StatusConflict, "session has no thesis yet")
		return
	}

	health, err := s.registry.HealthSnapshot(r.Context(), sess.PausedAgentID)
	if err != nil {
		writeProtocolError(w, err)
		return
	}

	draft, err := s.llm.DraftAntithesis(r.Context(), *thesis, health)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

func (s *Server) cleanupSessions(w http.ResponseWriter, r *http.Request) {
	n, err := s.service.CleanupStaleSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"resolved_count": n})
}

// --- Findings and audit decisions ---

func (s *Server) createFinding(w http.ResponseWriter, r *http.Request) {
	var f models.Finding
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.store.CreateFinding(r.Context(), &f); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (s *Server) getFinding(w http.ResponseWriter, r *http.Request) {
	f, err := s.store.GetFinding(r.Context(), r.PathValue("id"))
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) createDecision(w http.ResponseWriter, r *http.Request) {
	var d models.Decision
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.store.CreateDecision(r.Context(), &d); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, d)
}
