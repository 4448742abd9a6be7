package dialectic

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-ai/arbiter/internal/models"
	"github.com/arbiter-ai/arbiter/internal/policy"
	"github.com/arbiter-ai/arbiter/internal/registry"
)

func newTestService(t *testing.T, opts ...ServiceOption) (*Service, *testEnv, *recordingSink) {
	t.Helper()
	env := newTestEnv(t)
	sink := &recordingSink{}
	opts = append([]ServiceOption{WithCalibrationSink(sink)}, opts...)
	svc := NewService(env.store, env.registry, policy.Defaults(), nil, opts...)
	svc.Selector().SetSeed(1)
	return svc, env, sink
}

func TestRequestReview_SelectsReviewer(t *testing.T) {
	svc, env, _ := newTestService(t)
	ctx := context.Background()

	paused, _ := env.registerAgent(t, "paused")
	reviewer, _ := env.registerAgent(t, "reviewer")
	require.NoError(t, env.registry.SetLifecycleStatus(ctx, paused.ID, models.AgentStatusPaused, "breaker"))

	sess, err := svc.RequestReview(ctx, paused.ID, "attention spiked", "", "")
	require.NoError(t, err)
	assert.Equal(t, reviewer.ID, sess.ReviewerAgentID)
	assert.Equal(t, models.PhaseThesis, sess.Phase)

	// Reason is on the record.
	require.NotEmpty(t, sess.Transcript)
	assert.Contains(t, sess.Transcript[0].Note, "attention spiked")
}

func TestRequestReview_RejectsSecondConcurrentSession(t *testing.T) {
	svc, env, _ := newTestService(t)
	ctx := context.Background()

	paused, _ := env.registerAgent(t, "paused")
	env.registerAgent(t, "r1")
	env.registerAgent(t, "r2")

	_, err := svc.RequestReview(ctx, paused.ID, "", "", "")
	require.NoError(t, err)

	_, err = svc.RequestReview(ctx, paused.ID, "", "", "")
	assert.Error(t, err, "an agent cannot be party to two active sessions")
}

func TestRequestReview_NoEligibleReviewer(t *testing.T) {
	svc, env, _ := newTestService(t)

	paused, _ := env.registerAgent(t, "paused")
	_, err := svc.RequestReview(context.Background(), paused.ID, "", "", "")
	assert.ErrorIs(t, err, ErrNoEligibleReviewer)
}

func TestRequestReview_UnknownAgent(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.RequestReview(context.Background(), "nonexistent", "", "", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

// Full convergence: request, thesis, antithesis, one synthesis round
// with both parties agreeing, dual-signed finalize, agent resumed.
func TestService_FullRecovery(t *testing.T) {
	svc, env, sink := newTestService(t)
	ctx := context.Background()

	paused, pausedKey := env.registerAgent(t, "paused", "golang")
	_, _ = env.registerAgent(t, "reviewer", "golang")
	require.NoError(t, env.registry.SetLifecycleStatus(ctx, paused.ID, models.AgentStatusPaused, "breaker"))

	// Audit record backing the verification dispute.
	require.NoError(t, env.store.CreateDecision(ctx, &models.Decision{
		AgentID:    paused.ID,
		Summary:    "shipped parser change",
		Confidence: 0.75,
		Proceed:    true,
	}))

	sess, err := svc.RequestReview(ctx, paused.ID, "looping", "", models.DisputeTypeVerification)
	require.NoError(t, err)
	reviewerID := sess.ReviewerAgentID
	reviewerKey := keyFor(t, env, reviewerID)

	_, err = svc.SubmitThesis(ctx, sess.ID, paused.ID, pausedKey, models.ThesisMessage{
		RootCause:          "parser change regressed throughput",
		ProposedConditions: []string{"revert parser change"},
	})
	require.NoError(t, err)

	_, err = svc.SubmitAntithesis(ctx, sess.ID, reviewerID, reviewerKey, models.AntithesisMessage{
		ObservedMetrics: map[string]float64{"coherence": 0.45},
		Concerns:        []string{"revert alone leaves the cache warm with bad entries"},
	})
	require.NoError(t, err)

	proposal := models.SynthesisMessage{
		ProposedConditions: []string{"revert parser change", "flush cache"},
		RootCause:          "parser change regressed throughput",
		Agrees:             boolPtr(true),
	}
	_, err = svc.SubmitSynthesis(ctx, sess.ID, paused.ID, pausedKey, proposal)
	require.NoError(t, err)
	result, err := svc.SubmitSynthesis(ctx, sess.ID, reviewerID, reviewerKey, proposal)
	require.NoError(t, err)
	require.True(t, result.Converged)

	hash, err := svc.PendingContentHash(ctx, sess.ID)
	require.NoError(t, err)

	resolution, execResult, err := svc.Finalize(ctx, sess.ID, Sign(pausedKey, hash), Sign(reviewerKey, hash))
	require.NoError(t, err)
	assert.Equal(t, models.ActionResume, resolution.Action)
	require.NotNil(t, execResult)
	assert.True(t, execResult.StatusChanged)
	assert.Equal(t, models.AgentStatusActive, execResult.NewStatus)

	// The agent is back.
	status, err := env.registry.LifecycleStatus(ctx, paused.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusActive, status)

	// The reviewer's track record improved.
	rep, err := env.registry.Reputation(ctx, reviewerID)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.TotalReviews)
	assert.Equal(t, 1, rep.SuccessfulReviews)

	// Peer agreement fed calibration at reduced weight.
	require.Len(t, sink.correctness, 1)
	assert.InDelta(t, PeerAgreementWeight, sink.correctness[0].Weight, 1e-9)
	assert.InDelta(t, 0.75, sink.correctness[0].Confidence, 1e-9)
}

// Timeout: a session nobody advances is failed by the reaper with a
// system transcript entry, and both parties become selectable again.
func TestService_TimeoutRecovery(t *testing.T) {
	svc, env, _ := newTestService(t, WithInactivityThreshold(time.Nanosecond))
	ctx := context.Background()

	paused, _ := env.registerAgent(t, "paused")
	env.registerAgent(t, "reviewer")
	require.NoError(t, env.registry.SetLifecycleStatus(ctx, paused.ID, models.AgentStatusPaused, ""))

	sess, err := svc.RequestReview(ctx, paused.ID, "", "", "")
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	n, err := svc.CleanupStaleSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	failed, err := svc.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseFailed, failed.Phase)
	last := failed.Transcript[len(failed.Transcript)-1]
	assert.Equal(t, models.SystemAgentID, last.AgentID)

	// The paused agent stays paused and can open a fresh session.
	status, err := env.registry.LifecycleStatus(ctx, paused.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusPaused, status)

	sess2, err := svc.RequestReview(ctx, paused.ID, "", "", "")
	require.NoError(t, err)
	assert.NotEqual(t, sess.ID, sess2.ID)
}

// Escalation: the round limit is exhausted without convergence; the
// session escalates, the reviewer's record shows an unsuccessful
// review, and calibration receives a severity-1.0 penalty.
func TestService_EscalationAtRoundLimit(t *testing.T) {
	svc, env, sink := newTestService(t, WithMaxSynthesisRounds(2))
	ctx := context.Background()

	paused, pausedKey := env.registerAgent(t, "paused")
	env.registerAgent(t, "reviewer")
	require.NoError(t, env.registry.SetLifecycleStatus(ctx, paused.ID, models.AgentStatusPaused, ""))

	sess, err := svc.RequestReview(ctx, paused.ID, "", "", "")
	require.NoError(t, err)
	reviewerID := sess.ReviewerAgentID
	reviewerKey := keyFor(t, env, reviewerID)

	_, err = svc.SubmitThesis(ctx, sess.ID, paused.ID, pausedKey, models.ThesisMessage{RootCause: "disputed"})
	require.NoError(t, err)
	_, err = svc.SubmitAntithesis(ctx, sess.ID, reviewerID, reviewerKey, models.AntithesisMessage{
		Concerns: []string{"metrics contradict the account"},
	})
	require.NoError(t, err)

	var result *SynthesisResult
	for round := 0; round < 2; round++ {
		_, err = svc.SubmitSynthesis(ctx, sess.ID, paused.ID, pausedKey, models.SynthesisMessage{Agrees: boolPtr(true)})
		require.NoError(t, err)
		result, err = svc.SubmitSynthesis(ctx, sess.ID, reviewerID, reviewerKey, models.SynthesisMessage{Agrees: boolPtr(false)})
		require.NoError(t, err)
	}
	require.True(t, result.Escalated)
	assert.Equal(t, models.PhaseEscalated, result.Session.Phase)

	// A third round is rejected: the session is terminal.
	_, err = svc.SubmitSynthesis(ctx, sess.ID, paused.ID, pausedKey, models.SynthesisMessage{Agrees: boolPtr(true)})
	assert.ErrorIs(t, err, ErrWrongPhase)

	// Escalation counts against the reviewer's success ratio.
	rep, err := env.registry.Reputation(ctx, reviewerID)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.TotalReviews)
	assert.Zero(t, rep.SuccessfulReviews)

	// Overconfidence penalty at full severity.
	require.NotEmpty(t, sink.disagreements)
	final := sink.disagreements[len(sink.disagreements)-1]
	assert.InDelta(t, 1.0, final.Severity, 1e-9)
	assert.Equal(t, 2, final.Rounds)
}

// keyFor re-issues credentials for an agent whose key the test did not
// capture at registration. Rotating the hash is fine here: the store is
// the only consumer.
func keyFor(t *testing.T, env *testEnv, agentID string) string {
	t.Helper()
	ctx := context.Background()

	agent, err := env.store.GetAgent(ctx, agentID)
	require.NoError(t, err)

	key := "ak_test_" + agentID
	agent.APIKeyHash = registry.HashKey(key)
	require.NoError(t, env.store.UpdateAgent(ctx, agent))
	return key
}
