package dialectic

import (
	"context"
	"log/slog"
	"time"

	"github.com/arbiter-ai/arbiter/internal/models"
	"github.com/arbiter-ai/arbiter/internal/store"
)

// PeerAgreementWeight discounts peer consensus relative to human ground
// truth (weight 1.0): agreement is corroborating evidence, not truth.
const PeerAgreementWeight = 0.7

// decisionLookback bounds the audit-log query for the original
// confidence-bearing decision.
const decisionLookback = 24 * time.Hour

// CorrectnessReport is a weighted correctness signal for the external
// calibration model.
type CorrectnessReport struct {
	AgentID          string  `json:"agent_id"`
	Confidence       float64 `json:"confidence"`
	PredictedCorrect bool    `json:"predicted_correct"`
	ActualCorrect    bool    `json:"actual_correct"`
	Weight           float64 `json:"weight"`
}

// DisagreementReport is an overconfidence penalty signal, with severity
// scaled by how many synthesis rounds were consumed.
type DisagreementReport struct {
	AgentID  string  `json:"agent_id"`
	Severity float64 `json:"severity"`
	Rounds   int     `json:"rounds"`
}

// CalibrationSink receives feedback reports. Implementations must not
// block session transitions: errors are logged and swallowed by the
// adapter.
type CalibrationSink interface {
	ReportCorrectness(ctx context.Context, report CorrectnessReport) error
	ReportDisagreement(ctx context.Context, report DisagreementReport) error
}

// LogSink is the default CalibrationSink: it records reports to the
// structured log for downstream collection.
type LogSink struct {
	Logger *slog.Logger
}

func (s *LogSink) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *LogSink) ReportCorrectness(_ context.Context, r CorrectnessReport) error {
	s.logger().Info("calibration correctness report",
		"agent_id", r.AgentID,
		"confidence", r.Confidence,
		"predicted_correct", r.PredictedCorrect,
		"actual_correct", r.ActualCorrect,
		"weight", r.Weight)
	return nil
}

func (s *LogSink) ReportDisagreement(_ context.Context, r DisagreementReport) error {
	s.logger().Info("calibration disagreement report",
		"agent_id", r.AgentID,
		"severity", r.Severity,
		"rounds", r.Rounds)
	return nil
}

// Calibrator converts session outcomes into calibration feedback. All
// reports are best-effort; a failure to reach the sink never unwinds
// the session transition that triggered it.
type Calibrator struct {
	store  store.Store
	sink   CalibrationSink
	logger *slog.Logger
}

// NewCalibrator creates a Calibrator. A nil sink falls back to LogSink,
// a nil logger to slog.Default.
func NewCalibrator(s store.Store, sink CalibrationSink, logger *slog.Logger) *Calibrator {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = &LogSink{Logger: logger}
	}
	return &Calibrator{store: s, sink: sink, logger: logger}
}

// OnResolved reports peer-agreement evidence for verification disputes:
// the peer confirmed the agent's original decision, at reduced weight.
func (c *Calibrator) OnResolved(ctx context.Context, sess *models.DialecticSession) {
	if sess.DisputeType != models.DisputeTypeVerification {
		return
	}

	decision, err := c.store.FindRecentDecision(ctx, sess.PausedAgentID, decisionLookback)
	if err != nil {
		c.logger.Warn("calibration lookup failed", "session_id", sess.ID, "error", err)
		return
	}

	report := CorrectnessReport{
		AgentID:          sess.PausedAgentID,
		Confidence:       decision.Confidence,
		PredictedCorrect: decision.Proceed,
		ActualCorrect:    true,
		Weight:           PeerAgreementWeight,
	}
	if err := c.sink.ReportCorrectness(ctx, report); err != nil {
		c.logger.Warn("calibration correctness report failed", "session_id", sess.ID, "error", err)
	}
}

// OnDisagreement reports an overconfidence penalty. Severity reaches
// 1.0 at or above the round limit.
func (c *Calibrator) OnDisagreement(ctx context.Context, sess *models.DialecticSession) {
	severity := 1.0
	if sess.MaxSynthesisRounds > 0 && sess.SynthesisRound < sess.MaxSynthesisRounds {
		severity = float64(sess.SynthesisRound) / float64(sess.MaxSynthesisRounds)
	}

	report := DisagreementReport{
		AgentID:  sess.PausedAgentID,
		Severity: severity,
		Rounds:   sess.SynthesisRound,
	}
	if err := c.sink.ReportDisagreement(ctx, report); err != nil {
		c.logger.Warn("calibration disagreement report failed", "session_id", sess.ID, "error", err)
	}
}
