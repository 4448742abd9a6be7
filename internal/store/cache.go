package store

import (
	"context"
	"sync"
	"time"

	"github.com/arbiter-ai/arbiter/internal/models"
)

// DefaultCacheTTL bounds how stale an eligibility answer may be. It only
// trims latency on the hot reviewer-selection path; the sqlite backend
// stays the source of truth.
const DefaultCacheTTL = 30 * time.Second

type activeEntry struct {
	active    bool
	expiresAt time.Time
}

// CachedStore wraps a Store with a short-TTL read-through cache for the
// reviewer-eligibility query "is agent X party to an active session?".
// Entries for both parties are invalidated the moment a session is
// created or updated, so a terminal transition is visible immediately.
type CachedStore struct {
	Store

	ttl time.Duration

	mu     sync.Mutex
	active map[string]activeEntry
	now    func() time.Time
}

// NewCachedStore wraps the given store. A non-positive ttl falls back to
// DefaultCacheTTL.
func NewCachedStore(s Store, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedStore{
		Store:  s,
		ttl:    ttl,
		active: make(map[string]activeEntry),
		now:    time.Now,
	}
}

// HasActiveSession answers from cache when fresh, otherwise reads through.
func (c *CachedStore) HasActiveSession(ctx context.Context, agentID string) (bool, error) {
	c.mu.Lock()
	if e, ok := c.active[agentID]; ok && c.now().Before(e.expiresAt) {
		c.mu.Unlock()
		return e.active, nil
	}
	c.mu.Unlock()

	active, err := c.Store.HasActiveSession(ctx, agentID)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	c.active[agentID] = activeEntry{active: active, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return active, nil
}

// CreateSession writes through and invalidates both parties.
func (c *CachedStore) CreateSession(ctx context.Context, s *models.DialecticSession) error {
	if err := c.Store.CreateSession(ctx, s); err != nil {
		return err
	}
	c.invalidate(s.PausedAgentID, s.ReviewerAgentID)
	return nil
}

// UpdateSession writes through and invalidates both parties. Updates
// include terminal transitions, where a stale "in session" entry would
// wrongly exclude an eligible reviewer.
func (c *CachedStore) UpdateSession(ctx context.Context, s *models.DialecticSession) error {
	if err := c.Store.UpdateSession(ctx, s); err != nil {
		return err
	}
	c.invalidate(s.PausedAgentID, s.ReviewerAgentID)
	return nil
}

func (c *CachedStore) invalidate(agentIDs ...string) {
	c.mu.Lock()
	for _, id := range agentIDs {
		delete(c.active, id)
	}
	c.mu.Unlock()
}
