package models

import "time"

// FindingStatus represents the state of a recorded finding.
type FindingStatus string

const (
	FindingStatusActive    FindingStatus = "active"
	FindingStatusConfirmed FindingStatus = "confirmed"
	FindingStatusCorrected FindingStatus = "corrected"
	FindingStatusDisputed  FindingStatus = "disputed"
)

// Finding is a recorded claim made by an agent. A dialectic session may
// be opened specifically to dispute one.
type Finding struct {
	ID         string        `json:"id"`
	AgentID    string        `json:"agent_id"`
	Claim      string        `json:"claim"`
	Confidence float64       `json:"confidence"`
	Status     FindingStatus `json:"status"`
	Note       string        `json:"note,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}
