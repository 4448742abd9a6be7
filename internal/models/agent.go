package models

import "time"

// AgentStatus represents the lifecycle state of an agent.
type AgentStatus string

const (
	AgentStatusActive  AgentStatus = "active"
	AgentStatusPaused  AgentStatus = "paused"
	AgentStatusBlocked AgentStatus = "blocked"
	AgentStatusRetired AgentStatus = "retired"
)

// HealthSnapshot holds an agent's live governance metrics.
// Coherence and AttentionScore are in [0,1]; VoidActive is the
// instability flag raised by the circuit breaker.
type HealthSnapshot struct {
	Coherence      float64 `json:"coherence"`
	AttentionScore float64 `json:"attention_score"`
	VoidActive     bool    `json:"void_active"`
}

// Reputation tracks an agent's track record as a peer reviewer.
type Reputation struct {
	TotalReviews      int `json:"total_reviews"`
	SuccessfulReviews int `json:"successful_reviews"`
}

// Ratio returns the fraction of reviews that reached a resolution.
// Agents with no history get a neutral 0.5 rather than zero.
func (r Reputation) Ratio() float64 {
	if r.TotalReviews == 0 {
		return 0.5
	}
	return float64(r.SuccessfulReviews) / float64(r.TotalReviews)
}

// Agent is a registered autonomous agent governed by the circuit breaker.
type Agent struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Status     AgentStatus    `json:"status"`
	StatusNote string         `json:"status_note,omitempty"`
	APIKeyHash string         `json:"-"`
	Tags       []string       `json:"tags"`
	Health     HealthSnapshot `json:"health"`
	Reputation Reputation     `json:"reputation"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}
