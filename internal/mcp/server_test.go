package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-ai/arbiter/internal/dialectic"
	"github.com/arbiter-ai/arbiter/internal/models"
	"github.com/arbiter-ai/arbiter/internal/policy"
	"github.com/arbiter-ai/arbiter/internal/registry"
	"github.com/arbiter-ai/arbiter/internal/store"
)

func newTestServer(t *testing.T) (*Server, *registry.Registry) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	reg := registry.New(s)
	svc := dialectic.NewService(s, reg, policy.Defaults(), nil)
	svc.Selector().SetSeed(1)

	return NewServer(s, reg, svc, nil), reg
}

// callToolReq builds a mcpgo.CallToolRequest with the given name and arguments.
func callToolReq(name string, args map[string]any) mcpgo.CallToolRequest {
	return mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// resultText extracts the concatenated text from a CallToolResult.
func resultText(t *testing.T, result *mcpgo.CallToolResult) string {
	t.Helper()
	var b strings.Builder
	for _, c := range result.Content {
		tc, ok := c.(mcpgo.TextContent)
		if ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

// decodeResult parses the text result as JSON into the provided target.
func decodeResult(t *testing.T, result *mcpgo.CallToolResult, target any) {
	t.Helper()
	text := resultText(t, result)
	err := json.Unmarshal([]byte(text), target)
	require.NoError(t, err, "failed to parse result JSON: %s", text)
}

// seedPair registers a paused agent and a healthy reviewer, returning both
// with their plaintext keys.
func seedPair(t *testing.T, reg *registry.Registry) (paused, reviewer *models.Agent, pausedKey, reviewerKey string) {
	t.Helper()
	ctx := context.Background()

	paused, pausedKey, err := reg.Register(ctx, "paused", nil)
	require.NoError(t, err)
	reviewer, reviewerKey, err = reg.Register(ctx, "reviewer", nil)
	require.NoError(t, err)
	require.NoError(t, reg.SetLifecycleStatus(ctx, paused.ID, models.AgentStatusPaused, "breaker"))
	return paused, reviewer, pausedKey, reviewerKey
}

func TestMCPServer_RegistersTools(t *testing.T) {
	srv, _ := newTestServer(t)
	require.NotNil(t, srv.MCPServer())
}

func TestHandleRequestReview(t *testing.T) {
	srv, reg := newTestServer(t)
	ctx := context.Background()
	paused, reviewer, _, _ := seedPair(t, reg)

	result, err := srv.handleRequestReview(ctx, callToolReq("arbiter_request_review", map[string]any{
		"paused_agent_id": paused.ID,
		"reason":          "tool loop detected",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var out struct {
		SessionID       string `json:"session_id"`
		ReviewerAgentID string `json:"reviewer_agent_id"`
		Phase           string `json:"phase"`
	}
	decodeResult(t, result, &out)
	assert.NotEmpty(t, out.SessionID)
	assert.Equal(t, reviewer.ID, out.ReviewerAgentID)
	assert.Equal(t, "THESIS", out.Phase)
}

func TestHandleRequestReview_MissingAgentID(t *testing.T) {
	srv, _ := newTestServer(t)

	result, err := srv.handleRequestReview(context.Background(), callToolReq("arbiter_request_review", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "paused_agent_id is required")
}

func TestHandleRequestReview_NoReviewer(t *testing.T) {
	srv, reg := newTestServer(t)
	ctx := context.Background()

	lonely, _, err := reg.Register(ctx, "lonely", nil)
	require.NoError(t, err)

	result, err := srv.handleRequestReview(ctx, callToolReq("arbiter_request_review", map[string]any{
		"paused_agent_id": lonely.ID,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "no eligible reviewer")
}

func TestHandleSubmitThesis_BadKey(t *testing.T) {
	srv, reg := newTestServer(t)
	ctx := context.Background()
	paused, _, _, _ := seedPair(t, reg)

	sess, err := srv.service.RequestReview(ctx, paused.ID, "", "", "")
	require.NoError(t, err)

	result, err := srv.handleSubmitThesis(ctx, callToolReq("arbiter_submit_thesis", map[string]any{
		"session_id": sess.ID,
		"agent_id":   paused.ID,
		"api_key":    "ak_wrong",
		"root_cause": "x",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "authentication failed")
}

func TestFullExchangeOverTools(t *testing.T) {
	srv, reg := newTestServer(t)
	ctx := context.Background()
	paused, reviewer, pausedKey, reviewerKey := seedPair(t, reg)

	var opened struct {
		SessionID string `json:"session_id"`
	}
	result, err := srv.handleRequestReview(ctx, callToolReq("arbiter_request_review", map[string]any{
		"paused_agent_id": paused.ID,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	decodeResult(t, result, &opened)

	result, err = srv.handleSubmitThesis(ctx, callToolReq("arbiter_submit_thesis", map[string]any{
		"session_id":          opened.SessionID,
		"agent_id":            paused.ID,
		"api_key":             pausedKey,
		"root_cause":          "bad deploy",
		"proposed_conditions": "rollback, halve concurrency",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var sess models.DialecticSession
	decodeResult(t, result, &sess)
	require.Len(t, sess.Transcript, 1)
	assert.Equal(t, []string{"rollback", "halve concurrency"}, sess.Transcript[0].Thesis.ProposedConditions)

	result, err = srv.handleSubmitAntithesis(ctx, callToolReq("arbiter_submit_antithesis", map[string]any{
		"session_id":       opened.SessionID,
		"agent_id":         reviewer.ID,
		"api_key":          reviewerKey,
		"observed_metrics": `{"coherence": 0.4}`,
		"concerns":         "rollback may not be enough",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	for _, party := range []struct {
		id, key string
	}{
		{paused.ID, pausedKey},
		{reviewer.ID, reviewerKey},
	} {
		result, err = srv.handleSubmitSynthesis(ctx, callToolReq("arbiter_submit_synthesis", map[string]any{
			"session_id":          opened.SessionID,
			"agent_id":            party.id,
			"api_key":             party.key,
			"proposed_conditions": "rollback",
			"root_cause":          "bad deploy",
			"agrees":              "true",
		}))
		require.NoError(t, err)
		require.False(t, result.IsError, resultText(t, result))
	}

	var synth struct {
		Converged bool `json:"converged"`
	}
	decodeResult(t, result, &synth)
	require.True(t, synth.Converged)

	result, err = srv.handleContentHash(ctx, callToolReq("arbiter_content_hash", map[string]any{
		"session_id": opened.SessionID,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var hashed struct {
		ContentHash string `json:"content_hash"`
	}
	decodeResult(t, result, &hashed)
	require.NotEmpty(t, hashed.ContentHash)

	// Each party signs out of band.
	var sigs [2]string
	for i, key := range []string{pausedKey, reviewerKey} {
		result, err = srv.handleSignResolution(ctx, callToolReq("arbiter_sign_resolution", map[string]any{
			"api_key":      key,
			"content_hash": hashed.ContentHash,
		}))
		require.NoError(t, err)
		require.False(t, result.IsError, resultText(t, result))

		var signed struct {
			Signature string `json:"signature"`
		}
		decodeResult(t, result, &signed)
		sigs[i] = signed.Signature
	}

	result, err = srv.handleFinalizeSession(ctx, callToolReq("arbiter_finalize_session", map[string]any{
		"session_id":  opened.SessionID,
		"signature_a": sigs[0],
		"signature_b": sigs[1],
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var finalized struct {
		Resolution models.Resolution `json:"resolution"`
	}
	decodeResult(t, result, &finalized)
	assert.Equal(t, models.ActionResume, finalized.Resolution.Action)

	result, err = srv.handleAgentStatus(ctx, callToolReq("arbiter_agent_status", map[string]any{
		"agent_id": paused.ID,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var agent models.Agent
	decodeResult(t, result, &agent)
	assert.Equal(t, models.AgentStatusActive, agent.Status)
}

func TestHandleGetSession_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	result, err := srv.handleGetSession(context.Background(), callToolReq("arbiter_get_session", map[string]any{
		"session_id": "nonexistent",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleDraftAntithesis_NoLLM(t *testing.T) {
	srv, _ := newTestServer(t)

	result, err := srv.handleDraftAntithesis(context.Background(), callToolReq("arbiter_draft_antithesis", map[string]any{
		"session_id": "whatever",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "no LLM API key configured")
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"a"}, splitList("a"))
	assert.Equal(t, []string{"a", "b"}, splitList("a, b"))
	assert.Equal(t, []string{"a", "b"}, splitList("a,,b,"))
}
