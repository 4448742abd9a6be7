package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-ai/arbiter/internal/models"
)

// countingStore wraps a Store and counts HasActiveSession reads.
type countingStore struct {
	Store

	mu    sync.Mutex
	reads int
}

func (c *countingStore) HasActiveSession(ctx context.Context, agentID string) (bool, error) {
	c.mu.Lock()
	c.reads++
	c.mu.Unlock()
	return c.Store.HasActiveSession(ctx, agentID)
}

func (c *countingStore) readCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

func TestCachedStore_ReadThrough(t *testing.T) {
	backend := &countingStore{Store: newTestStore(t)}
	cached := NewCachedStore(backend, time.Minute)
	ctx := context.Background()

	active, err := cached.HasActiveSession(ctx, "a")
	require.NoError(t, err)
	assert.False(t, active)
	assert.Equal(t, 1, backend.readCount())

	// Second read within TTL is served from cache.
	active, err = cached.HasActiveSession(ctx, "a")
	require.NoError(t, err)
	assert.False(t, active)
	assert.Equal(t, 1, backend.readCount())
}

func TestCachedStore_TTLExpiry(t *testing.T) {
	backend := &countingStore{Store: newTestStore(t)}
	cached := NewCachedStore(backend, time.Minute)
	ctx := context.Background()

	current := time.Now()
	cached.now = func() time.Time { return current }

	_, err := cached.HasActiveSession(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, backend.readCount())

	current = current.Add(2 * time.Minute)

	_, err = cached.HasActiveSession(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, backend.readCount(), "expired entry should read through")
}

func TestCachedStore_InvalidatedOnSessionWrite(t *testing.T) {
	backend := &countingStore{Store: newTestStore(t)}
	cached := NewCachedStore(backend, time.Minute)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		active, err := cached.HasActiveSession(ctx, id)
		require.NoError(t, err)
		assert.False(t, active)
	}

	sess := &models.DialecticSession{PausedAgentID: "a", ReviewerAgentID: "b"}
	require.NoError(t, cached.CreateSession(ctx, sess))

	// Both parties see the new session immediately despite the cached
	// "false" entries.
	for _, id := range []string{"a", "b"} {
		active, err := cached.HasActiveSession(ctx, id)
		require.NoError(t, err)
		assert.True(t, active, "agent %s should be active after session create", id)
	}

	// A terminal transition is visible immediately too.
	sess.Phase = models.PhaseFailed
	require.NoError(t, cached.UpdateSession(ctx, sess))

	for _, id := range []string{"a", "b"} {
		active, err := cached.HasActiveSession(ctx, id)
		require.NoError(t, err)
		assert.False(t, active, "agent %s should be free after terminal transition", id)
	}
}

func TestNewCachedStore_DefaultTTL(t *testing.T) {
	cached := NewCachedStore(newTestStore(t), 0)
	assert.Equal(t, DefaultCacheTTL, cached.ttl)
}
