package dialectic

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/arbiter-ai/arbiter/internal/models"
	"github.com/arbiter-ai/arbiter/internal/store"
)

// DefaultCollusionWindow is the trailing period during which the same
// reviewer cannot be reselected for the same paused agent.
const DefaultCollusionWindow = 24 * time.Hour

// minReviewerCoherence is the health floor for reviewer candidates.
const minReviewerCoherence = 0.5

// Selector picks a peer reviewer for a paused agent by filtering the
// registered pool and drawing weighted-random over authority scores.
type Selector struct {
	store store.Store

	mu     sync.Mutex // guards window and rand
	window time.Duration
	rand   *rand.Rand
}

// NewSelector creates a Selector with the default anti-collusion window.
func NewSelector(s store.Store) *Selector {
	return &Selector{
		store:  s,
		window: DefaultCollusionWindow,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetSeed fixes the random source, for deterministic draws in tests.
func (s *Selector) SetSeed(seed int64) {
	s.mu.Lock()
	s.rand = rand.New(rand.NewSource(seed))
	s.mu.Unlock()
}

// SetCollusionWindow overrides the anti-collusion window.
func (s *Selector) SetCollusionWindow(w time.Duration) {
	s.mu.Lock()
	s.window = w
	s.mu.Unlock()
}

func (s *Selector) collusionWindow() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window
}

// Select returns the chosen reviewer for the paused agent, or
// ErrNoEligibleReviewer when the pool is empty. Callers must fall back
// to a single-party recovery path rather than retry blindly.
func (s *Selector) Select(ctx context.Context, pausedAgent *models.Agent, excludeIDs []string) (*models.Agent, error) {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}

	excluded := make(map[string]bool, len(excludeIDs))
	for _, id := range excludeIDs {
		excluded[id] = true
	}

	since := time.Now().UTC().Add(-s.collusionWindow())

	var candidates []*models.Agent
	var scores []float64
	for _, candidate := range agents {
		if candidate.ID == pausedAgent.ID {
			continue
		}
		if excluded[candidate.ID] {
			continue
		}

		// Cross-process checks go through the store's current view, not
		// a snapshot. Two near-simultaneous selections can still race;
		// the loser's session is reaped if it never progresses.
		inSession, err := s.store.HasActiveSession(ctx, candidate.ID)
		if err != nil {
			return nil, fmt.Errorf("check active session for %s: %w", candidate.ID, err)
		}
		if inSession {
			continue
		}

		recent, err := s.store.CountRecentResolvedReviews(ctx, candidate.ID, pausedAgent.ID, since)
		if err != nil {
			return nil, fmt.Errorf("check recent reviews for %s: %w", candidate.ID, err)
		}
		if recent > 0 {
			continue
		}

		if candidate.Status != models.AgentStatusActive {
			continue
		}
		if !reviewerHealthy(candidate.Health) {
			continue
		}

		candidates = append(candidates, candidate)
		scores = append(scores, AuthorityScore(candidate.Reputation, candidate.Health, candidate.Tags, pausedAgent.Tags))
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no candidate for paused agent %s", ErrNoEligibleReviewer, pausedAgent.ID)
	}

	return candidates[s.draw(scores)], nil
}

// draw picks an index with probability proportional to score, or
// uniformly when every score is zero.
func (s *Selector) draw(scores []float64) int {
	total := 0.0
	for _, sc := range scores {
		total += sc
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if total <= 0 {
		return s.rand.Intn(len(scores))
	}

	r := s.rand.Float64() * total
	for i, sc := range scores {
		r -= sc
		if r <= 0 {
			return i
		}
	}
	return len(scores) - 1
}

// reviewerHealthy applies the candidate health filter. An all-zero
// snapshot means the metrics engine has not reported yet; such agents
// stay eligible so the pool is not empty by default.
func reviewerHealthy(h models.HealthSnapshot) bool {
	if h.Coherence == 0 && h.AttentionScore == 0 && !h.VoidActive {
		return true
	}
	if h.VoidActive {
		return false
	}
	return h.Coherence >= minReviewerCoherence
}

// AuthorityScore maps a candidate's reputation, current health, and tag
// overlap with the disputed agent into a non-negative weight.
func AuthorityScore(rep models.Reputation, health models.HealthSnapshot, candidateTags, pausedTags []string) float64 {
	if health.VoidActive {
		return 0
	}

	base := 0.25 + 0.75*rep.Ratio()

	healthFactor := health.Coherence * (1 - health.AttentionScore)
	if healthFactor < 0 {
		healthFactor = 0
	}

	overlap := 1 + tagOverlap(candidateTags, pausedTags)

	return base * healthFactor * overlap
}

// tagOverlap returns the Jaccard similarity of two tag sets.
func tagOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	shared := 0
	for _, t := range b {
		if set[t] {
			shared++
		}
	}
	union := len(a) + len(b) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}
