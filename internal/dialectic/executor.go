package dialectic

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/arbiter-ai/arbiter/internal/models"
	"github.com/arbiter-ai/arbiter/internal/registry"
	"github.com/arbiter-ai/arbiter/internal/store"
)

// ExecutionResult reports what applying a resolution actually did.
type ExecutionResult struct {
	SessionID         string                  `json:"session_id"`
	Action            models.ResolutionAction `json:"action"`
	StatusChanged     bool                    `json:"status_changed"`
	NewStatus         models.AgentStatus      `json:"new_status,omitempty"`
	Warning           string                  `json:"warning,omitempty"`
	ConditionsApplied []string                `json:"conditions_applied"`
	FindingUpdated    bool                    `json:"finding_updated"`
}

// Executor applies a converged resolution: it mutates the paused agent's
// lifecycle status and, when the session disputes a finding, the
// finding's status. The two side effects are independent, at-least-once;
// a finding failure never rolls back the status change.
type Executor struct {
	store    store.Store
	registry *registry.Registry
	logger   *slog.Logger
}

// NewExecutor creates an Executor. A nil logger falls back to
// slog.Default.
func NewExecutor(s store.Store, reg *registry.Registry, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{store: s, registry: reg, logger: logger}
}

// Execute applies the resolution to the paused agent.
func (e *Executor) Execute(ctx context.Context, sess *models.DialecticSession, resolution *models.Resolution) (*ExecutionResult, error) {
	result := &ExecutionResult{
		SessionID:         sess.ID,
		Action:            resolution.Action,
		ConditionsApplied: resolution.Conditions,
	}

	status, err := e.registry.LifecycleStatus(ctx, sess.PausedAgentID)
	if err != nil {
		return nil, fmt.Errorf("get lifecycle status: %w", err)
	}

	// Another process may have already resumed the agent. That is a
	// no-op warning, not an error.
	if status != models.AgentStatusPaused {
		result.Warning = fmt.Sprintf("agent %s is %s, not paused; resolution not applied", sess.PausedAgentID, status)
		e.logger.Warn("resolution skipped", "session_id", sess.ID, "agent_status", string(status))
		e.updateFinding(ctx, sess, resolution, result)
		return result, nil
	}

	// Condition application is a pass-through record here; turning a
	// condition into enforcement parameters belongs to the governance
	// layer.
	newStatus := models.AgentStatusActive
	note := fmt.Sprintf("resumed by dialectic session %s", sess.ID)
	if resolution.Action == models.ActionBlock {
		newStatus = models.AgentStatusBlocked
		note = fmt.Sprintf("blocked by dialectic session %s", sess.ID)
	}

	if err := e.registry.SetLifecycleStatus(ctx, sess.PausedAgentID, newStatus, note); err != nil {
		return nil, fmt.Errorf("set lifecycle status: %w", err)
	}
	result.StatusChanged = true
	result.NewStatus = newStatus

	e.logger.Info("resolution executed",
		"session_id", sess.ID,
		"paused_agent_id", sess.PausedAgentID,
		"action", string(resolution.Action),
		"conditions", len(resolution.Conditions))

	e.updateFinding(ctx, sess, resolution, result)
	return result, nil
}

func (e *Executor) updateFinding(ctx context.Context, sess *models.DialecticSession, resolution *models.Resolution, result *ExecutionResult) {
	if sess.DiscoveryID == "" {
		return
	}

	// resume means the dispute succeeded and the finding is corrected;
	// block means the dispute was rejected and the finding stands.
	status := models.FindingStatusCorrected
	note := fmt.Sprintf("corrected by dialectic session %s", sess.ID)
	if resolution.Action == models.ActionBlock {
		status = models.FindingStatusConfirmed
		note = fmt.Sprintf("dispute rejected by dialectic session %s", sess.ID)
	}

	if err := e.store.UpdateFindingStatus(ctx, sess.DiscoveryID, status, note); err != nil {
		e.logger.Warn("finding status update failed",
			"session_id", sess.ID,
			"discovery_id", sess.DiscoveryID,
			"error", err)
		return
	}
	result.FindingUpdated = true
}
