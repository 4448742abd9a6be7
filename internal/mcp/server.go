// Package mcp exposes the recovery protocol as MCP tools so agents can
// negotiate sessions directly from their tool loop.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/arbiter-ai/arbiter/internal/dialectic"
	"github.com/arbiter-ai/arbiter/internal/llm"
	"github.com/arbiter-ai/arbiter/internal/models"
	"github.com/arbiter-ai/arbiter/internal/registry"
	"github.com/arbiter-ai/arbiter/internal/store"
)

// Server wraps the arbiter service layer and exposes it as MCP tools.
type Server struct {
	store    store.Store
	registry *registry.Registry
	service  *dialectic.Service
	llm      *llm.Client
}

// NewServer creates the MCP server wrapper. llmClient may be nil.
func NewServer(s store.Store, reg *registry.Registry, svc *dialectic.Service, llmClient *llm.Client) *Server {
	return &Server{
		store:    s,
		registry: reg,
		service:  svc,
		llm:      llmClient,
	}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("arbiter", "1.0.0", server.WithToolCapabilities(true))

	srv.AddTool(s.requestReviewTool())
	srv.AddTool(s.submitThesisTool())
	srv.AddTool(s.submitAntithesisTool())
	srv.AddTool(s.submitSynthesisTool())
	srv.AddTool(s.contentHashTool())
	srv.AddTool(s.signResolutionTool())
	srv.AddTool(s.finalizeSessionTool())
	srv.AddTool(s.getSessionTool())
	srv.AddTool(s.agentStatusTool())
	srv.AddTool(s.draftAntithesisTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// splitList parses a comma-separated tool argument into a slice.
func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func resultJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// arbiter_request_review
func (s *Server) requestReviewTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("arbiter_request_review",
		mcp.WithDescription("Open a dialectic recovery session for a paused agent. Selects a healthy peer reviewer and returns the session id. Fails if no eligible reviewer exists."),
		mcp.WithString("paused_agent_id", mcp.Required(), mcp.Description("ID of the paused agent requesting review")),
		mcp.WithString("reason", mcp.Description("Why the agent was paused")),
		mcp.WithString("discovery_id", mcp.Description("ID of the disputed finding, if any")),
		mcp.WithString("dispute_type", mcp.Description("verification or correction")),
	)
	return tool, s.handleRequestReview
}

func (s *Server) handleRequestReview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pausedID := request.GetString("paused_agent_id", "")
	if pausedID == "" {
		return mcp.NewToolResultError("paused_agent_id is required"), nil
	}
	reason := request.GetString("reason", "")
	discoveryID := request.GetString("discovery_id", "")
	disputeType := models.DisputeType(request.GetString("dispute_type", ""))

	sess, err := s.service.RequestReview(ctx, pausedID, reason, discoveryID, disputeType)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to request review: %v", err)), nil
	}

	return resultJSON(map[string]any{
		"session_id":        sess.ID,
		"reviewer_agent_id": sess.ReviewerAgentID,
		"phase":             sess.Phase,
	})
}

// arbiter_submit_thesis
func (s *Server) submitThesisTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("arbiter_submit_thesis",
		mcp.WithDescription("Submit the paused agent's opening position: its root-cause analysis and the conditions under which it believes resumption is safe. Advances the session to ANTITHESIS."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Dialectic session ID")),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Submitting agent ID (must be the paused party)")),
		mcp.WithString("api_key", mcp.Required(), mcp.Description("Submitting agent's API key")),
		mcp.WithString("root_cause", mcp.Required(), mcp.Description("The agent's analysis of why it was paused")),
		mcp.WithString("proposed_conditions", mcp.Description("Comma-separated resumption conditions")),
		mcp.WithString("reasoning", mcp.Description("Supporting reasoning")),
	)
	return tool, s.handleSubmitThesis
}

func (s *Server) handleSubmitThesis(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := request.GetString("session_id", "")
	agentID := request.GetString("agent_id", "")
	apiKey := request.GetString("api_key", "")
	if sessionID == "" || agentID == "" || apiKey == "" {
		return mcp.NewToolResultError("session_id, agent_id, and api_key are required"), nil
	}

	sess, err := s.service.SubmitThesis(ctx, sessionID, agentID, apiKey, models.ThesisMessage{
		RootCause:          request.GetString("root_cause", ""),
		ProposedConditions: splitList(request.GetString("proposed_conditions", "")),
		Reasoning:          request.GetString("reasoning", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to submit thesis: %v", err)), nil
	}
	return resultJSON(sess)
}

// arbiter_submit_antithesis
func (s *Server) submitAntithesisTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("arbiter_submit_antithesis",
		mcp.WithDescription("Submit the reviewer's counter-assessment grounded in the paused agent's observed metrics. Advances the session to SYNTHESIS."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Dialectic session ID")),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Submitting agent ID (must be the reviewer)")),
		mcp.WithString("api_key", mcp.Required(), mcp.Description("Submitting agent's API key")),
		mcp.WithString("observed_metrics", mcp.Description("JSON object of metric name to value")),
		mcp.WithString("concerns", mcp.Description("Comma-separated concerns about resumption")),
		mcp.WithString("reasoning", mcp.Description("Supporting reasoning")),
	)
	return tool, s.handleSubmitAntithesis
}

func (s *Server) handleSubmitAntithesis(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := request.GetString("session_id", "")
	agentID := request.GetString("agent_id", "")
	apiKey := request.GetString("api_key", "")
	if sessionID == "" || agentID == "" || apiKey == "" {
		return mcp.NewToolResultError("session_id, agent_id, and api_key are required"), nil
	}

	var metrics map[string]float64
	if raw := request.GetString("observed_metrics", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metrics); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid observed_metrics JSON: %v", err)), nil
		}
	}

	sess, err := s.service.SubmitAntithesis(ctx, sessionID, agentID, apiKey, models.AntithesisMessage{
		ObservedMetrics: metrics,
		Concerns:        splitList(request.GetString("concerns", "")),
		Reasoning:       request.GetString("reasoning", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to submit antithesis: %v", err)), nil
	}
	return resultJSON(sess)
}

// arbiter_submit_synthesis
func (s *Server) submitSynthesisTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("arbiter_submit_synthesis",
		mcp.WithDescription("Submit a synthesis proposal. Set agrees=true to accept the other party's latest proposal; when both parties' most recent syntheses agree the session converges and can be finalized. Sessions that exhaust the round limit escalate."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Dialectic session ID")),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Submitting agent ID (either party)")),
		mcp.WithString("api_key", mcp.Required(), mcp.Description("Submitting agent's API key")),
		mcp.WithString("proposed_conditions", mcp.Description("Comma-separated merged resumption conditions")),
		mcp.WithString("root_cause", mcp.Description("Revised root-cause statement")),
		mcp.WithString("reasoning", mcp.Description("Supporting reasoning")),
		mcp.WithString("agrees", mcp.Description("true or false; whether this party accepts the current proposal")),
	)
	return tool, s.handleSubmitSynthesis
}

func (s *Server) handleSubmitSynthesis(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := request.GetString("session_id", "")
	agentID := request.GetString("agent_id", "")
	apiKey := request.GetString("api_key", "")
	if sessionID == "" || agentID == "" || apiKey == "" {
		return mcp.NewToolResultError("session_id, agent_id, and api_key are required"), nil
	}

	var agrees *bool
	switch request.GetString("agrees", "") {
	case "true":
		v := true
		agrees = &v
	case "false":
		v := false
		agrees = &v
	}

	result, err := s.service.SubmitSynthesis(ctx, sessionID, agentID, apiKey, models.SynthesisMessage{
		ProposedConditions: splitList(request.GetString("proposed_conditions", "")),
		RootCause:          request.GetString("root_cause", ""),
		Reasoning:          request.GetString("reasoning", ""),
		Agrees:             agrees,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to submit synthesis: %v", err)), nil
	}

	return resultJSON(map[string]any{
		"phase":     result.Session.Phase,
		"round":     result.Session.SynthesisRound,
		"converged": result.Converged,
		"escalated": result.Escalated,
	})
}

// arbiter_content_hash
func (s *Server) contentHashTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("arbiter_content_hash",
		mcp.WithDescription("Get the canonical content hash of a converged session's pending resolution. Both parties sign this hash before finalization."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Dialectic session ID")),
	)
	return tool, s.handleContentHash
}

func (s *Server) handleContentHash(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := request.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	hash, err := s.service.PendingContentHash(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to compute content hash: %v", err)), nil
	}
	return resultJSON(map[string]string{"content_hash": hash})
}

// arbiter_sign_resolution
func (s *Server) signResolutionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("arbiter_sign_resolution",
		mcp.WithDescription("Produce this agent's signature over a resolution content hash. The signature is an HMAC keyed by the agent's credential; the server verifies it without storing the plaintext key."),
		mcp.WithString("api_key", mcp.Required(), mcp.Description("Signing agent's API key")),
		mcp.WithString("content_hash", mcp.Required(), mcp.Description("Canonical content hash from arbiter_content_hash")),
	)
	return tool, s.handleSignResolution
}

func (s *Server) handleSignResolution(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	apiKey := request.GetString("api_key", "")
	contentHash := request.GetString("content_hash", "")
	if apiKey == "" || contentHash == "" {
		return mcp.NewToolResultError("api_key and content_hash are required"), nil
	}
	return resultJSON(map[string]string{"signature": dialectic.Sign(apiKey, contentHash)})
}

// arbiter_finalize_session
func (s *Server) finalizeSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("arbiter_finalize_session",
		mcp.WithDescription("Finalize a converged session with both parties' signatures. Applies the resolution: resumes or blocks the paused agent and updates the disputed finding."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Dialectic session ID")),
		mcp.WithString("signature_a", mcp.Required(), mcp.Description("Paused agent's signature over the content hash")),
		mcp.WithString("signature_b", mcp.Required(), mcp.Description("Reviewer's signature over the content hash")),
	)
	return tool, s.handleFinalizeSession
}

func (s *Server) handleFinalizeSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := request.GetString("session_id", "")
	sigA := request.GetString("signature_a", "")
	sigB := request.GetString("signature_b", "")
	if sessionID == "" || sigA == "" || sigB == "" {
		return mcp.NewToolResultError("session_id, signature_a, and signature_b are required"), nil
	}

	resolution, execResult, err := s.service.Finalize(ctx, sessionID, sigA, sigB)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to finalize session: %v", err)), nil
	}

	return resultJSON(map[string]any{
		"resolution": resolution,
		"execution":  execResult,
	})
}

// arbiter_get_session
func (s *Server) getSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("arbiter_get_session",
		mcp.WithDescription("Get a dialectic session including its full transcript and resolution, if any."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Dialectic session ID")),
	)
	return tool, s.handleGetSession
}

func (s *Server) handleGetSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := request.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	sess, err := s.service.GetSession(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get session: %v", err)), nil
	}
	return resultJSON(sess)
}

// arbiter_agent_status
func (s *Server) agentStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("arbiter_agent_status",
		mcp.WithDescription("Get an agent's lifecycle status, health snapshot, and reviewer reputation."),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent ID")),
	)
	return tool, s.handleAgentStatus
}

func (s *Server) handleAgentStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID := request.GetString("agent_id", "")
	if agentID == "" {
		return mcp.NewToolResultError("agent_id is required"), nil
	}

	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get agent: %v", err)), nil
	}
	return resultJSON(agent)
}

// arbiter_draft_antithesis
func (s *Server) draftAntithesisTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("arbiter_draft_antithesis",
		mcp.WithDescription("Draft an antithesis for a session's thesis using the configured LLM and the paused agent's health snapshot. Returns suggested concerns and reasoning; the reviewer still submits its own antithesis."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Dialectic session ID")),
	)
	return tool, s.handleDraftAntithesis
}

func (s *Server) handleDraftAntithesis(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.llm == nil {
		return mcp.NewToolResultError("no LLM API key configured"), nil
	}
	sessionID := request.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	sess, err := s.service.GetSession(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get session: %v", err)), nil
	}

	var thesis *models.ThesisMessage
	for _, e := range sess.Transcript {
		if e.Thesis != nil {
			thesis = e.Thesis
			break
		}
	}
	if thesis == nil {
		return mcp.NewToolResultError("session has no thesis yet"), nil
	}

	health, err := s.registry.HealthSnapshot(ctx, sess.PausedAgentID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load health snapshot: %v", err)), nil
	}

	draft, err := s.llm.DraftAntithesis(ctx, *thesis, health)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to draft antithesis: %v", err)), nil
	}
	return resultJSON(draft)
}
