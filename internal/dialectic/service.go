package dialectic

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/arbiter-ai/arbiter/internal/models"
	"github.com/arbiter-ai/arbiter/internal/policy"
	"github.com/arbiter-ai/arbiter/internal/registry"
	"github.com/arbiter-ai/arbiter/internal/store"
)

// Service ties the protocol together: reviewer selection, the session
// state machine, the reaper, resolution execution, and calibration
// feedback. It is the entry point the API, MCP, and CLI surfaces share.
type Service struct {
	store      store.Store
	registry   *registry.Registry
	protocol   *Protocol
	selector   *Selector
	reaper     *Reaper
	executor   *Executor
	calibrator *Calibrator
	logger     *slog.Logger

	inactivity time.Duration
	maxRounds  int
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithInactivityThreshold overrides the stale-session threshold.
func WithInactivityThreshold(d time.Duration) ServiceOption {
	return func(s *Service) { s.inactivity = d }
}

// WithMaxSynthesisRounds overrides the per-session round limit.
func WithMaxSynthesisRounds(n int) ServiceOption {
	return func(s *Service) { s.maxRounds = n }
}

// WithCalibrationSink overrides the default log-backed calibration sink.
func WithCalibrationSink(sink CalibrationSink) ServiceOption {
	return func(s *Service) { s.calibrator.sink = sink }
}

// NewService wires up the dialectic recovery protocol over a store.
func NewService(st store.Store, reg *registry.Registry, limits policy.HardLimits, logger *slog.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:      st,
		registry:   reg,
		protocol:   NewProtocol(st, reg, limits),
		selector:   NewSelector(st),
		reaper:     NewReaper(st, logger),
		executor:   NewExecutor(st, reg, logger),
		calibrator: NewCalibrator(st, nil, logger),
		logger:     logger,
		inactivity: DefaultInactivityThreshold,
		maxRounds:  models.DefaultMaxSynthesisRounds,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Selector exposes the reviewer selector, mainly so tests and the CLI
// can fix the random seed or the collusion window.
func (s *Service) Selector() *Selector { return s.selector }

// Reaper exposes the stale-session reaper for the serve daemon's timer.
func (s *Service) Reaper() *Reaper { return s.reaper }

// Protocol exposes the session state machine.
func (s *Service) Protocol() *Protocol { return s.protocol }

// RequestReview opens a dialectic session for a paused (or stuck)
// agent: it sweeps stale sessions so nobody is artificially blocked,
// picks a reviewer, and creates the session in phase THESIS.
func (s *Service) RequestReview(ctx context.Context, pausedAgentID, reason, discoveryID string, disputeType models.DisputeType) (*models.DialecticSession, error) {
	pausedAgent, err := s.store.GetAgent(ctx, pausedAgentID)
	if err != nil {
		return nil, err
	}

	// Opportunistic sweep: a session stuck forever would permanently
	// remove both its participants from the reviewer pool.
	if _, err := s.reaper.ReapStaleSessions(ctx, s.inactivity); err != nil {
		s.logger.Warn("opportunistic reap failed", "error", err)
	}

	inSession, err := s.store.HasActiveSession(ctx, pausedAgentID)
	if err != nil {
		return nil, fmt.Errorf("check active session: %w", err)
	}
	if inSession {
		return nil, fmt.Errorf("agent %s is already party to an active session", pausedAgentID)
	}

	reviewer, err := s.selector.Select(ctx, pausedAgent, nil)
	if err != nil {
		return nil, err
	}

	sess, err := s.protocol.Create(ctx, pausedAgentID, reviewer.ID, reason, pausedAgent.Health, discoveryID, disputeType, s.maxRounds)
	if err != nil {
		return nil, err
	}

	s.logger.Info("review session created",
		"session_id", sess.ID,
		"paused_agent_id", pausedAgentID,
		"reviewer_agent_id", reviewer.ID,
		"dispute_type", string(disputeType))
	return sess, nil
}

// SubmitThesis records the paused agent's account.
func (s *Service) SubmitThesis(ctx context.Context, sessionID, agentID, apiKey string, msg models.ThesisMessage) (*models.DialecticSession, error) {
	return s.protocol.SubmitThesis(ctx, sessionID, agentID, apiKey, msg)
}

// SubmitAntithesis records the reviewer's challenge.
func (s *Service) SubmitAntithesis(ctx context.Context, sessionID, agentID, apiKey string, msg models.AntithesisMessage) (*models.DialecticSession, error) {
	return s.protocol.SubmitAntithesis(ctx, sessionID, agentID, apiKey, msg)
}

// SubmitSynthesis records a joint proposal and routes escalation and
// mutual-disagreement outcomes to calibration feedback.
func (s *Service) SubmitSynthesis(ctx context.Context, sessionID, agentID, apiKey string, msg models.SynthesisMessage) (*SynthesisResult, error) {
	result, err := s.protocol.SubmitSynthesis(ctx, sessionID, agentID, apiKey, msg)
	if err != nil {
		return nil, err
	}

	if result.Escalated {
		s.logger.Info("session escalated",
			"session_id", sessionID,
			"rounds", result.Session.SynthesisRound)
		if err := s.store.RecordReview(ctx, result.Session.ReviewerAgentID, false); err != nil {
			s.logger.Warn("record review failed", "session_id", sessionID, "error", err)
		}
	}
	if result.Escalated || result.MutualDisagree {
		s.calibrator.OnDisagreement(ctx, result.Session)
	}
	return result, nil
}

// Finalize resolves a converged session, executes the resolution, and
// reports peer-agreement evidence to calibration. Execution and
// calibration failures are logged, never unwound: the session is
// RESOLVED once the dual-signed resolution persists.
func (s *Service) Finalize(ctx context.Context, sessionID, signatureA, signatureB string) (*models.Resolution, *ExecutionResult, error) {
	resolution, err := s.protocol.Finalize(ctx, sessionID, signatureA, signatureB)
	if err != nil {
		return nil, nil, err
	}

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return resolution, nil, nil
	}

	if err := s.store.RecordReview(ctx, sess.ReviewerAgentID, true); err != nil {
		s.logger.Warn("record review failed", "session_id", sessionID, "error", err)
	}

	execResult, err := s.executor.Execute(ctx, sess, resolution)
	if err != nil {
		s.logger.Error("resolution execution failed", "session_id", sessionID, "error", err)
		execResult = &ExecutionResult{
			SessionID: sessionID,
			Action:    resolution.Action,
			Warning:   fmt.Sprintf("execution failed: %v", err),
		}
	}

	s.calibrator.OnResolved(ctx, sess)
	return resolution, execResult, nil
}

// PendingContentHash returns the digest both parties must sign to
// finalize the given converged session.
func (s *Service) PendingContentHash(ctx context.Context, sessionID string) (string, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return s.protocol.PendingContentHash(sess)
}

// GetSession returns one session by id.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*models.DialecticSession, error) {
	return s.store.GetSession(ctx, sessionID)
}

// SessionsForAgent returns every session where the agent is either
// party.
func (s *Service) SessionsForAgent(ctx context.Context, agentID string) ([]*models.DialecticSession, error) {
	return s.store.ListSessionsByAgent(ctx, agentID)
}

// CleanupStaleSessions is the manual reaper trigger.
func (s *Service) CleanupStaleSessions(ctx context.Context) (int, error) {
	return s.reaper.ReapStaleSessions(ctx, s.inactivity)
}

// InactivityThreshold returns the configured stale-session threshold.
func (s *Service) InactivityThreshold() time.Duration { return s.inactivity }
