package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-ai/arbiter/internal/dialectic"
	"github.com/arbiter-ai/arbiter/internal/models"
	"github.com/arbiter-ai/arbiter/internal/policy"
	"github.com/arbiter-ai/arbiter/internal/registry"
	"github.com/arbiter-ai/arbiter/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *registry.Registry, *dialectic.Service) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	reg := registry.New(s)
	svc := dialectic.NewService(s, reg, policy.Defaults(), nil)
	svc.Selector().SetSeed(1)

	srv := httptest.NewServer(NewServer(s, reg, svc, nil, nil).Router())
	t.Cleanup(srv.Close)
	return srv, reg, svc
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]json.RawMessage) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]json.RawMessage
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func field(t *testing.T, m map[string]json.RawMessage, key string) string {
	t.Helper()
	var s string
	require.NoError(t, json.Unmarshal(m[key], &s), "field %s", key)
	return s
}

func TestRegisterAgent(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/agents", map[string]any{
		"name": "researcher-1",
		"tags": []string{"golang"},
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, field(t, body, "api_key"))

	var agent models.Agent
	require.NoError(t, json.Unmarshal(body["agent"], &agent))
	assert.Equal(t, "researcher-1", agent.Name)
	assert.Equal(t, models.AgentStatusActive, agent.Status)

	// Name is required.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/agents", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetAgent_NotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/v1/agents/nonexistent", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRequestReview_NoReviewerIs422(t *testing.T) {
	srv, reg, _ := newTestServer(t)
	ctx := context.Background()

	paused, _, err := reg.Register(ctx, "lonely", nil)
	require.NoError(t, err)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/reviews", map[string]any{
		"paused_agent_id": paused.ID,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestProtocolOverHTTP(t *testing.T) {
	srv, reg, _ := newTestServer(t)
	ctx := context.Background()

	paused, pausedKey, err := reg.Register(ctx, "paused", nil)
	require.NoError(t, err)
	reviewer, reviewerKey, err := reg.Register(ctx, "reviewer", nil)
	require.NoError(t, err)
	require.NoError(t, reg.SetLifecycleStatus(ctx, paused.ID, models.AgentStatusPaused, "breaker"))

	// Open the session.
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/reviews", map[string]any{
		"paused_agent_id": paused.ID,
		"reason":          "looping",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sessionID := field(t, body, "session_id")
	assert.Equal(t, reviewer.ID, field(t, body, "reviewer_agent_id"))
	assert.Equal(t, "THESIS", field(t, body, "phase"))

	base := srv.URL + "/api/v1/sessions/" + sessionID

	// The open session is listed.
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Reviewer cannot open with a thesis: 409 with the current phase.
	resp, body = doJSON(t, http.MethodPost, base+"/thesis", map[string]any{
		"agent_id":   reviewer.ID,
		"api_key":    reviewerKey,
		"root_cause": "not mine to say",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "THESIS", field(t, body, "phase"))

	// A bad credential is 401.
	resp, _ = doJSON(t, http.MethodPost, base+"/thesis", map[string]any{
		"agent_id":   paused.ID,
		"api_key":    "ak_wrong",
		"root_cause": "x",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Thesis.
	resp, _ = doJSON(t, http.MethodPost, base+"/thesis", map[string]any{
		"agent_id":            paused.ID,
		"api_key":             pausedKey,
		"root_cause":          "bad deploy",
		"proposed_conditions": []string{"rollback"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Antithesis.
	resp, _ = doJSON(t, http.MethodPost, base+"/antithesis", map[string]any{
		"agent_id":         reviewer.ID,
		"api_key":          reviewerKey,
		"observed_metrics": map[string]float64{"coherence": 0.4},
		"concerns":         []string{"rollback may not be enough"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Both parties agree in synthesis.
	for _, party := range []struct {
		id, key string
	}{
		{paused.ID, pausedKey},
		{reviewer.ID, reviewerKey},
	} {
		resp, body = doJSON(t, http.MethodPost, base+"/synthesis", map[string]any{
			"agent_id":            party.id,
			"api_key":             party.key,
			"proposed_conditions": []string{"rollback", "halve concurrency"},
			"root_cause":          "bad deploy",
			"agrees":              true,
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	var converged bool
	require.NoError(t, json.Unmarshal(body["converged"], &converged))
	require.True(t, converged)

	// Fetch the hash, sign out of band, finalize.
	resp, body = doJSON(t, http.MethodGet, base+"/content-hash", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	hash := field(t, body, "content_hash")

	resp, body = doJSON(t, http.MethodPost, base+"/finalize", map[string]any{
		"signature_a": dialectic.Sign(pausedKey, hash),
		"signature_b": dialectic.Sign(reviewerKey, hash),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var resolution models.Resolution
	require.NoError(t, json.Unmarshal(body["resolution"], &resolution))
	assert.Equal(t, models.ActionResume, resolution.Action)

	// The agent is active again.
	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/agents/"+paused.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "active", field(t, body, "status"))

	// The session shows the resolution.
	resp, body = doJSON(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "RESOLVED", field(t, body, "phase"))
	assert.NotNil(t, body["resolution"])
}

func TestSessionNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/v1/sessions/nonexistent", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDraftAntithesis_NoLLMConfigured(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions/whatever/draft-antithesis", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestCleanupSessions(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodDelete, srv.URL+"/api/v1/sessions/cleanup", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var n int
	require.NoError(t, json.Unmarshal(body["resolved_count"], &n))
	assert.Zero(t, n)
}

func TestFindingsEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/findings", map[string]any{
		"agent_id":   "a1",
		"claim":      "cache invalidation bug in the session layer",
		"confidence": 0.7,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := field(t, body, "id")

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/findings/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "active", field(t, body, "status"))
}

func TestPauseAndHealthEndpoints(t *testing.T) {
	srv, reg, _ := newTestServer(t)
	ctx := context.Background()

	agent, _, err := reg.Register(ctx, "a1", nil)
	require.NoError(t, err)

	resp, body := doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/v1/agents/%s/pause", srv.URL, agent.ID), map[string]any{
		"reason": "coherence collapsed",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "paused", field(t, body, "status"))

	resp, body = doJSON(t, http.MethodPut, fmt.Sprintf("%s/api/v1/agents/%s/health", srv.URL, agent.ID), models.HealthSnapshot{
		Coherence:      0.25,
		AttentionScore: 0.95,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health models.HealthSnapshot
	require.NoError(t, json.Unmarshal(body["health"], &health))
	assert.InDelta(t, 0.25, health.Coherence, 1e-9)
}
