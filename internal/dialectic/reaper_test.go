package dialectic

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-ai/arbiter/internal/models"
	"github.com/arbiter-ai/arbiter/internal/store"
)

func TestReapStaleSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	reaper := NewReaper(env.store, nil)

	sess, err := env.protocol.Create(ctx, "a", "b", "", models.HealthSnapshot{}, "", "", 0)
	require.NoError(t, err)

	// A generous threshold leaves the fresh session alone.
	n, err := reaper.ReapStaleSessions(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	// A nanosecond threshold makes any settled write stale.
	time.Sleep(2 * time.Millisecond)
	n, err = reaper.ReapStaleSessions(ctx, time.Nanosecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reaped, err := env.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseFailed, reaped.Phase)

	// The timeout is attributable to the system in the transcript.
	require.NotEmpty(t, reaped.Transcript)
	last := reaped.Transcript[len(reaped.Transcript)-1]
	assert.Equal(t, models.SystemAgentID, last.AgentID)
	assert.Equal(t, models.PhaseFailed, last.Phase)
	assert.Contains(t, last.Note, "inactive")
}

// finalizeDuringSweepStore resolves every stale session it reports,
// after listing it, so the sweeper always works from an outdated copy.
type finalizeDuringSweepStore struct {
	store.Store
}

func (f *finalizeDuringSweepStore) ListStaleSessions(ctx context.Context, cutoff time.Time) ([]*models.DialecticSession, error) {
	stale, err := f.Store.ListStaleSessions(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	for _, sess := range stale {
		fresh := *sess
		fresh.Phase = models.PhaseResolved
		fresh.Resolution = &models.Resolution{
			Action:      models.ActionResume,
			ContentHash: "deadbeef",
			Timestamp:   time.Now().UTC(),
		}
		if err := f.Store.UpdateSession(ctx, &fresh); err != nil {
			return nil, err
		}
	}
	return stale, nil
}

func TestReapStaleSessions_SkipsSessionFinalizedMidSweep(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	reaper := NewReaper(&finalizeDuringSweepStore{Store: env.store}, nil)

	sess, err := env.protocol.Create(ctx, "a", "b", "", models.HealthSnapshot{}, "", "", 0)
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	n, err := reaper.ReapStaleSessions(ctx, time.Nanosecond)
	require.NoError(t, err)
	assert.Zero(t, n, "a session finalized mid-sweep is not reaped")

	got, err := env.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseResolved, got.Phase)
	require.NotNil(t, got.Resolution, "the signed resolution survives the sweep")
	assert.Equal(t, "deadbeef", got.Resolution.ContentHash)
}

func TestReapStaleSessions_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	reaper := NewReaper(env.store, nil)

	_, err := env.protocol.Create(ctx, "a", "b", "", models.HealthSnapshot{}, "", "", 0)
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	n, err := reaper.ReapStaleSessions(ctx, time.Nanosecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Terminal sessions are never reaped again.
	time.Sleep(2 * time.Millisecond)
	n, err = reaper.ReapStaleSessions(ctx, time.Nanosecond)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReapStaleSessions_FreesParticipants(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	reaper := NewReaper(env.store, nil)

	_, err := env.protocol.Create(ctx, "a", "b", "", models.HealthSnapshot{}, "", "", 0)
	require.NoError(t, err)

	active, err := env.store.HasActiveSession(ctx, "b")
	require.NoError(t, err)
	require.True(t, active)

	time.Sleep(2 * time.Millisecond)
	_, err = reaper.ReapStaleSessions(ctx, time.Nanosecond)
	require.NoError(t, err)

	active, err = env.store.HasActiveSession(ctx, "b")
	require.NoError(t, err)
	assert.False(t, active, "reaped session no longer blocks the reviewer pool")
}
