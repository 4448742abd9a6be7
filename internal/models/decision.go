package models

import "time"

// Decision is an audit-log record of a confidence-bearing call an agent
// made. The calibration feedback loop queries these by time window.
type Decision struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agent_id"`
	Summary    string    `json:"summary"`
	Confidence float64   `json:"confidence"`
	Proceed    bool      `json:"proceed"`
	CreatedAt  time.Time `json:"created_at"`
}
