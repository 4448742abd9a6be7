package dialectic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arbiter-ai/arbiter/internal/models"
	"github.com/arbiter-ai/arbiter/internal/store"
)

// DefaultInactivityThreshold is how long a non-terminal session may sit
// idle before the reaper fails it.
const DefaultInactivityThreshold = 5 * time.Minute

// Reaper fails sessions nobody is advancing. A stuck session would
// otherwise permanently remove both its participants from the reviewer
// pool, so the reaper runs opportunistically before reviewer selection
// and on a timer in the serve daemon.
type Reaper struct {
	store  store.Store
	logger *slog.Logger
}

// NewReaper creates a Reaper. A nil logger falls back to slog.Default.
func NewReaper(s store.Store, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{store: s, logger: logger}
}

// ReapStaleSessions marks every non-terminal session idle past the
// threshold as FAILED, with a transcript entry attributable to the
// system. It is idempotent: already-terminal sessions are never touched,
// so a second sweep with no intervening activity is a no-op.
func (r *Reaper) ReapStaleSessions(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold <= 0 {
		threshold = DefaultInactivityThreshold
	}
	cutoff := time.Now().UTC().Add(-threshold)

	stale, err := r.store.ListStaleSessions(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale sessions: %w", err)
	}

	reaped := 0
	for _, sess := range stale {
		idle := time.Since(sess.LastActiveAt).Round(time.Second)
		sess.Transcript = append(sess.Transcript, models.TranscriptEntry{
			Phase:     models.PhaseFailed,
			AgentID:   models.SystemAgentID,
			Timestamp: time.Now().UTC(),
			Note:      fmt.Sprintf("session inactive for %s (threshold %s), marked failed by reaper", idle, threshold),
		})
		sess.Phase = models.PhaseFailed

		if err := r.store.UpdateSession(ctx, sess); err != nil {
			if errors.Is(err, store.ErrTerminalSession) {
				// The session was finalized between the stale listing
				// and this write; the store's phase guard keeps the
				// signed resolution intact.
				r.logger.Debug("skipping reap, session finalized concurrently", "session_id", sess.ID)
				continue
			}
			r.logger.Warn("reap session failed", "session_id", sess.ID, "error", err)
			continue
		}
		r.logger.Info("reaped stale session",
			"session_id", sess.ID,
			"paused_agent_id", sess.PausedAgentID,
			"reviewer_agent_id", sess.ReviewerAgentID,
			"idle", idle.String())
		reaped++
	}
	return reaped, nil
}

// Run sweeps on the given cadence until the context is cancelled.
func (r *Reaper) Run(ctx context.Context, interval, threshold time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ReapStaleSessions(ctx, threshold); err != nil {
				r.logger.Warn("periodic reap failed", "error", err)
			}
		}
	}
}
