// Package registry fronts the agent records: identity, API-key
// credentials, lifecycle status, and the health/reputation/tag reads the
// dialectic protocol depends on.
package registry

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/arbiter-ai/arbiter/internal/models"
	"github.com/arbiter-ai/arbiter/internal/store"
)

// Registry answers identity and health questions about agents.
type Registry struct {
	store store.Store
}

// New creates a Registry over the given store.
func New(s store.Store) *Registry {
	return &Registry{store: s}
}

// Register creates a new agent and issues its API key. The plaintext key
// is returned exactly once; only its SHA-256 hash is persisted.
func (r *Registry) Register(ctx context.Context, name string, tags []string) (*models.Agent, string, error) {
	key, err := newAPIKey()
	if err != nil {
		return nil, "", fmt.Errorf("generate api key: %w", err)
	}

	agent := &models.Agent{
		Name:       name,
		Status:     models.AgentStatusActive,
		APIKeyHash: HashKey(key),
		Tags:       tags,
		Health:     models.HealthSnapshot{Coherence: 1.0},
	}
	if err := r.store.CreateAgent(ctx, agent); err != nil {
		return nil, "", err
	}
	return agent, key, nil
}

// HealthSnapshot returns the agent's live governance metrics.
func (r *Registry) HealthSnapshot(ctx context.Context, agentID string) (models.HealthSnapshot, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return models.HealthSnapshot{}, err
	}
	return agent.Health, nil
}

// LifecycleStatus returns the agent's current lifecycle status.
func (r *Registry) LifecycleStatus(ctx context.Context, agentID string) (models.AgentStatus, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return "", err
	}
	return agent.Status, nil
}

// SetLifecycleStatus transitions the agent's status with a reason note.
func (r *Registry) SetLifecycleStatus(ctx context.Context, agentID string, status models.AgentStatus, note string) error {
	return r.store.UpdateAgentStatus(ctx, agentID, status, note)
}

// VerifyCredential reports whether the presented API key belongs to the
// agent. The comparison is constant time over the key hashes.
func (r *Registry) VerifyCredential(ctx context.Context, agentID, apiKey string) (bool, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return false, err
	}
	if agent.APIKeyHash == "" {
		return false, nil
	}
	presented := HashKey(apiKey)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(agent.APIKeyHash)) == 1, nil
}

// Tags returns the agent's topic tags.
func (r *Registry) Tags(ctx context.Context, agentID string) ([]string, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return agent.Tags, nil
}

// Reputation returns the agent's reviewer track record.
func (r *Registry) Reputation(ctx context.Context, agentID string) (models.Reputation, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return models.Reputation{}, err
	}
	return agent.Reputation, nil
}

// HashKey returns the hex SHA-256 digest of an API key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func newAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "ak_" + hex.EncodeToString(buf), nil
}
