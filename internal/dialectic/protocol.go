// Package dialectic implements the peer-review recovery protocol: a
// paused agent and a healthy reviewer negotiate a resumption decision
// through a thesis -> antithesis -> synthesis exchange that ends in a
// dual-signed resolution, escalation, or timeout.
package dialectic

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/arbiter-ai/arbiter/internal/models"
	"github.com/arbiter-ai/arbiter/internal/policy"
	"github.com/arbiter-ai/arbiter/internal/registry"
	"github.com/arbiter-ai/arbiter/internal/store"
)

// CredentialVerifier checks that an API key belongs to an agent.
// Satisfied by *registry.Registry.
type CredentialVerifier interface {
	VerifyCredential(ctx context.Context, agentID, apiKey string) (bool, error)
}

// Protocol owns the session state machine. Every mutating operation
// takes a per-session lock around read-validate-append-persist, so
// concurrent submissions to the same session cannot lose updates;
// operations on different sessions proceed independently.
type Protocol struct {
	store    store.Store
	verifier CredentialVerifier
	limits   policy.HardLimits

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewProtocol creates the session state machine.
func NewProtocol(s store.Store, v CredentialVerifier, limits policy.HardLimits) *Protocol {
	return &Protocol{
		store:    s,
		verifier: v,
		limits:   limits,
		locks:    make(map[string]*sync.Mutex),
	}
}

// lockSession acquires the per-session mutex and returns its release.
func (p *Protocol) lockSession(id string) func() {
	p.mu.Lock()
	l, ok := p.locks[id]
	if !ok {
		l = &sync.Mutex{}
		p.locks[id] = l
	}
	p.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// forgetLock drops the per-session mutex once the session reaches a
// terminal phase, so the map does not grow with dead sessions.
func (p *Protocol) forgetLock(id string) {
	p.mu.Lock()
	delete(p.locks, id)
	p.mu.Unlock()
}

// Create opens a new session in phase THESIS. The request reason, if
// any, is recorded as a system transcript entry.
func (p *Protocol) Create(ctx context.Context, pausedID, reviewerID, reason string, pausedState models.HealthSnapshot, discoveryID string, disputeType models.DisputeType, maxRounds int) (*models.DialecticSession, error) {
	if pausedID == reviewerID {
		return nil, fmt.Errorf("paused agent cannot review itself: %s", pausedID)
	}
	if maxRounds <= 0 {
		maxRounds = models.DefaultMaxSynthesisRounds
	}

	sess := &models.DialecticSession{
		PausedAgentID:      pausedID,
		ReviewerAgentID:    reviewerID,
		Phase:              models.PhaseThesis,
		MaxSynthesisRounds: maxRounds,
		PausedAgentState:   pausedState,
		DiscoveryID:        discoveryID,
		DisputeType:        disputeType,
	}
	if reason != "" {
		sess.Transcript = append(sess.Transcript, models.TranscriptEntry{
			Phase:     models.PhaseThesis,
			AgentID:   models.SystemAgentID,
			Timestamp: time.Now().UTC(),
			Note:      "review requested: " + reason,
		})
	}
	if err := p.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}
	return sess, nil
}

// SubmitThesis records the paused agent's account and advances the
// session to ANTITHESIS.
func (p *Protocol) SubmitThesis(ctx context.Context, sessionID, agentID, apiKey string, msg models.ThesisMessage) (*models.DialecticSession, error) {
	unlock := p.lockSession(sessionID)
	defer unlock()

	sess, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Phase.Terminal() {
		p.forgetLock(sessionID)
	}
	if agentID != sess.PausedAgentID {
		return nil, phaseErr(ErrWrongParty, sess.Phase, "thesis must come from paused agent %s", sess.PausedAgentID)
	}
	if sess.Phase != models.PhaseThesis {
		return nil, phaseErr(ErrWrongPhase, sess.Phase, "thesis only valid in %s", models.PhaseThesis)
	}
	if err := p.authenticate(ctx, sess, agentID, apiKey); err != nil {
		return nil, err
	}

	sess.Transcript = append(sess.Transcript, models.TranscriptEntry{
		Phase:     models.PhaseThesis,
		AgentID:   agentID,
		Timestamp: time.Now().UTC(),
		Thesis:    &msg,
	})
	sess.Phase = models.PhaseAntithesis

	if err := p.store.UpdateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}
	return sess, nil
}

// SubmitAntithesis records the reviewer's challenge and advances the
// session to SYNTHESIS.
func (p *Protocol) SubmitAntithesis(ctx context.Context, sessionID, agentID, apiKey string, msg models.AntithesisMessage) (*models.DialecticSession, error) {
	unlock := p.lockSession(sessionID)
	defer unlock()

	sess, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Phase.Terminal() {
		p.forgetLock(sessionID)
	}
	if agentID != sess.ReviewerAgentID {
		return nil, phaseErr(ErrWrongParty, sess.Phase, "antithesis must come from reviewer %s", sess.ReviewerAgentID)
	}
	if sess.Phase != models.PhaseAntithesis {
		return nil, phaseErr(ErrWrongPhase, sess.Phase, "antithesis only valid in %s", models.PhaseAntithesis)
	}
	if err := p.authenticate(ctx, sess, agentID, apiKey); err != nil {
		return nil, err
	}

	sess.Transcript = append(sess.Transcript, models.TranscriptEntry{
		Phase:      models.PhaseAntithesis,
		AgentID:    agentID,
		Timestamp:  time.Now().UTC(),
		Antithesis: &msg,
	})
	sess.Phase = models.PhaseSynthesis

	if err := p.store.UpdateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}
	return sess, nil
}

// SynthesisResult reports where the synthesis exchange stands after a
// submission.
type SynthesisResult struct {
	Session        *models.DialecticSession
	Converged      bool
	MutualDisagree bool
	Escalated      bool
}

// SubmitSynthesis records one party's joint proposal. The round counter
// increments once both parties have spoken in the current round; a
// completed round with both latest proposals agreeing converges the
// session (the caller finalizes it), and a completed round at the round
// limit without convergence escalates.
func (p *Protocol) SubmitSynthesis(ctx context.Context, sessionID, agentID, apiKey string, msg models.SynthesisMessage) (*SynthesisResult, error) {
	unlock := p.lockSession(sessionID)
	defer unlock()

	sess, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Phase.Terminal() {
		p.forgetLock(sessionID)
	}
	if !sess.IsParty(agentID) {
		return nil, phaseErr(ErrWrongParty, sess.Phase, "agent %s is not a party to session %s", agentID, sessionID)
	}
	if sess.Phase != models.PhaseSynthesis {
		return nil, phaseErr(ErrWrongPhase, sess.Phase, "synthesis only valid in %s", models.PhaseSynthesis)
	}
	if err := p.authenticate(ctx, sess, agentID, apiKey); err != nil {
		return nil, err
	}

	sess.Transcript = append(sess.Transcript, models.TranscriptEntry{
		Phase:     models.PhaseSynthesis,
		AgentID:   agentID,
		Timestamp: time.Now().UTC(),
		Synthesis: &msg,
	})

	result := &SynthesisResult{Session: sess}

	mine := sess.LatestSynthesisBy(agentID)
	theirs := sess.LatestSynthesisBy(sess.OtherParty(agentID))

	// A round completes only when both parties have spoken in it, so the
	// slower party's submission count is the number of completed rounds.
	// Consecutive submissions by one party revise its proposal without
	// advancing the round.
	completed := min(
		countSynthesisBy(sess, sess.PausedAgentID),
		countSynthesisBy(sess, sess.ReviewerAgentID),
	)
	if completed > sess.SynthesisRound {
		sess.SynthesisRound = completed

		switch {
		case agrees(mine) && agrees(theirs):
			result.Converged = true
		case disagrees(mine) && disagrees(theirs):
			result.MutualDisagree = true
		}

		if !result.Converged && sess.SynthesisRound >= sess.MaxSynthesisRounds {
			sess.Phase = models.PhaseEscalated
			result.Escalated = true
		}
	}

	if err := p.store.UpdateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}
	if result.Escalated {
		p.forgetLock(sessionID)
	}
	return result, nil
}

// Converged reports whether the two most recent synthesis proposals,
// one per party, both agree. Content equality is not required; the
// agreement flag drives convergence.
func (p *Protocol) Converged(sess *models.DialecticSession) bool {
	a := sess.LatestSynthesisBy(sess.PausedAgentID)
	b := sess.LatestSynthesisBy(sess.ReviewerAgentID)
	return agrees(a) && agrees(b)
}

// Finalize validates both signatures, runs the hard-limit safety gate
// against the paused agent's live metrics, and resolves the session.
// An invalid signature leaves the session in SYNTHESIS so finalize can
// be retried with corrected signatures.
func (p *Protocol) Finalize(ctx context.Context, sessionID, signatureA, signatureB string) (*models.Resolution, error) {
	unlock := p.lockSession(sessionID)
	defer unlock()

	sess, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Phase.Terminal() {
		p.forgetLock(sessionID)
	}
	if sess.Phase == models.PhaseResolved && sess.Resolution != nil {
		// Duplicate finalize is a no-op returning the existing artifact.
		return sess.Resolution, nil
	}
	if sess.Phase != models.PhaseSynthesis {
		return nil, phaseErr(ErrWrongPhase, sess.Phase, "finalize only valid in %s", models.PhaseSynthesis)
	}
	if !p.Converged(sess) {
		return nil, phaseErr(ErrWrongPhase, sess.Phase, "synthesis has not converged")
	}

	proposal := latestAgreeingProposal(sess)
	contentHash, err := ContentHash(sess.ID, proposal)
	if err != nil {
		return nil, fmt.Errorf("compute content hash: %w", err)
	}

	pausedAgent, err := p.store.GetAgent(ctx, sess.PausedAgentID)
	if err != nil {
		return nil, err
	}
	reviewer, err := p.store.GetAgent(ctx, sess.ReviewerAgentID)
	if err != nil {
		return nil, err
	}

	if !verifySignature(pausedAgent.APIKeyHash, contentHash, signatureA) {
		return nil, phaseErr(ErrAuthenticationFailed, sess.Phase, "signature from paused agent %s is invalid", sess.PausedAgentID)
	}
	if !verifySignature(reviewer.APIKeyHash, contentHash, signatureB) {
		return nil, phaseErr(ErrAuthenticationFailed, sess.Phase, "signature from reviewer %s is invalid", sess.ReviewerAgentID)
	}

	resolution := &models.Resolution{
		Action:      models.ActionResume,
		Conditions:  proposal.ProposedConditions,
		RootCause:   proposal.RootCause,
		Reasoning:   proposal.Reasoning,
		SignatureA:  signatureA,
		SignatureB:  signatureB,
		ContentHash: contentHash,
		Timestamp:   time.Now().UTC(),
	}

	// Safety gate runs against the agent's live metrics, not the
	// snapshot captured at session creation. Peer agreement cannot
	// override it; a violation downgrades the action to block but the
	// resolution is still recorded.
	if safe, violation := p.CheckHardLimits(resolution, pausedAgent.Health); !safe {
		resolution.Action = models.ActionBlock
		resolution.Reasoning = fmt.Sprintf("%s [hard limit: %s]", resolution.Reasoning, violation)
	}

	sess.Resolution = resolution
	sess.Phase = models.PhaseResolved

	if err := p.store.UpdateSession(ctx, sess); err != nil {
		sess.Resolution = nil
		sess.Phase = models.PhaseSynthesis
		return nil, fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}
	p.forgetLock(sessionID)
	return resolution, nil
}

// CheckHardLimits evaluates fixed safety thresholds against live
// metrics. It is a structural safety net independent of peer agreement.
func (p *Protocol) CheckHardLimits(resolution *models.Resolution, metrics models.HealthSnapshot) (bool, string) {
	if resolution.Action != models.ActionResume {
		return true, ""
	}
	if metrics.VoidActive && !p.limits.AllowVoidResume {
		return false, "void instability flag is active"
	}
	if metrics.Coherence < p.limits.MinCoherence {
		return false, fmt.Sprintf("coherence %.2f below minimum %.2f", metrics.Coherence, p.limits.MinCoherence)
	}
	if metrics.AttentionScore > p.limits.MaxAttentionScore {
		return false, fmt.Sprintf("attention score %.2f above maximum %.2f", metrics.AttentionScore, p.limits.MaxAttentionScore)
	}
	return true, ""
}

// PendingContentHash returns the hash both parties must sign to finalize
// a converged session.
func (p *Protocol) PendingContentHash(sess *models.DialecticSession) (string, error) {
	if !p.Converged(sess) {
		return "", phaseErr(ErrWrongPhase, sess.Phase, "synthesis has not converged")
	}
	return ContentHash(sess.ID, latestAgreeingProposal(sess))
}

func (p *Protocol) authenticate(ctx context.Context, sess *models.DialecticSession, agentID, apiKey string) error {
	ok, err := p.verifier.VerifyCredential(ctx, agentID, apiKey)
	if err != nil {
		return fmt.Errorf("verify credential: %w", err)
	}
	if !ok {
		return phaseErr(ErrAuthenticationFailed, sess.Phase, "invalid credential for agent %s", agentID)
	}
	return nil
}

func countSynthesisBy(sess *models.DialecticSession, agentID string) int {
	n := 0
	for _, e := range sess.Transcript {
		if e.Phase == models.PhaseSynthesis && e.AgentID == agentID {
			n++
		}
	}
	return n
}

func agrees(m *models.SynthesisMessage) bool {
	return m != nil && m.Agrees != nil && *m.Agrees
}

func disagrees(m *models.SynthesisMessage) bool {
	return m != nil && m.Agrees != nil && !*m.Agrees
}

// latestAgreeingProposal returns the most recent synthesis message with
// agrees=true; the resolution content is built from it.
func latestAgreeingProposal(sess *models.DialecticSession) *models.SynthesisMessage {
	for i := len(sess.Transcript) - 1; i >= 0; i-- {
		e := sess.Transcript[i]
		if e.Phase == models.PhaseSynthesis && e.Synthesis != nil && agrees(e.Synthesis) {
			return e.Synthesis
		}
	}
	return nil
}

// resolutionContent is the canonical signed payload.
type resolutionContent struct {
	SessionID  string   `json:"session_id"`
	Conditions []string `json:"conditions"`
	RootCause  string   `json:"root_cause"`
	Reasoning  string   `json:"reasoning"`
}

// ContentHash computes the hex SHA-256 digest of the agreed proposal.
// Both parties sign this digest.
func ContentHash(sessionID string, proposal *models.SynthesisMessage) (string, error) {
	if proposal == nil {
		return "", fmt.Errorf("no agreeing proposal to hash")
	}
	data, err := json.Marshal(resolutionContent{
		SessionID:  sessionID,
		Conditions: proposal.ProposedConditions,
		RootCause:  proposal.RootCause,
		Reasoning:  proposal.Reasoning,
	})
	if err != nil {
		return "", fmt.Errorf("marshal resolution content: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Sign produces a party's signature over a content hash: an HMAC-SHA256
// keyed by the digest of the party's API key, so the server can verify
// it against the stored credential hash without the plaintext key.
func Sign(apiKey, contentHash string) string {
	return signWithKeyHash(registry.HashKey(apiKey), contentHash)
}

func signWithKeyHash(keyHash, contentHash string) string {
	mac := hmac.New(sha256.New, []byte(keyHash))
	mac.Write([]byte(contentHash))
	return hex.EncodeToString(mac.Sum(nil))
}

func verifySignature(keyHash, contentHash, signature string) bool {
	if keyHash == "" || signature == "" {
		return false
	}
	expected := signWithKeyHash(keyHash, contentHash)
	return hmac.Equal([]byte(expected), []byte(signature))
}
