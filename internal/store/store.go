package store

import (
	"context"
	"errors"
	"time"

	"github.com/arbiter-ai/arbiter/internal/models"
)

// ErrNotFound is wrapped by all lookups that miss, so callers can
// distinguish "no such record" from infrastructure failures.
var ErrNotFound = errors.New("not found")

// ErrTerminalSession is returned when an update targets a session whose
// stored phase is already terminal. Terminal rows are immutable; a
// writer holding a stale copy loses the race instead of clobbering a
// signed resolution.
var ErrTerminalSession = errors.New("session already terminal")

// Store defines the persistence interface for arbiter. The shared sqlite
// backend is the source of truth across processes; every mutating
// protocol operation must persist through here before returning.
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, a *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	GetAgentByName(ctx context.Context, name string) (*models.Agent, error)
	ListAgents(ctx context.Context) ([]*models.Agent, error)
	UpdateAgent(ctx context.Context, a *models.Agent) error
	UpdateAgentStatus(ctx context.Context, id string, status models.AgentStatus, note string) error
	RecordReview(ctx context.Context, id string, successful bool) error

	// Dialectic sessions
	CreateSession(ctx context.Context, s *models.DialecticSession) error
	GetSession(ctx context.Context, id string) (*models.DialecticSession, error)
	UpdateSession(ctx context.Context, s *models.DialecticSession) error
	ListSessionsByAgent(ctx context.Context, agentID string) ([]*models.DialecticSession, error)
	ListActiveSessions(ctx context.Context) ([]*models.DialecticSession, error)
	HasActiveSession(ctx context.Context, agentID string) (bool, error)
	CountRecentResolvedReviews(ctx context.Context, reviewerID, pausedID string, since time.Time) (int, error)
	ListStaleSessions(ctx context.Context, cutoff time.Time) ([]*models.DialecticSession, error)

	// Findings
	CreateFinding(ctx context.Context, f *models.Finding) error
	GetFinding(ctx context.Context, id string) (*models.Finding, error)
	UpdateFindingStatus(ctx context.Context, id string, status models.FindingStatus, note string) error

	// Audit decisions
	CreateDecision(ctx context.Context, d *models.Decision) error
	FindRecentDecision(ctx context.Context, agentID string, window time.Duration) (*models.Decision, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
