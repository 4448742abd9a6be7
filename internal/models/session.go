package models

import "time"

// Phase represents the state of a dialectic session.
type Phase string

const (
	PhaseThesis     Phase = "THESIS"
	PhaseAntithesis Phase = "ANTITHESIS"
	PhaseSynthesis  Phase = "SYNTHESIS"
	PhaseResolved   Phase = "RESOLVED"
	PhaseFailed     Phase = "FAILED"
	PhaseEscalated  Phase = "ESCALATED"
)

// Terminal reports whether no further mutation of the session is permitted.
func (p Phase) Terminal() bool {
	return p == PhaseResolved || p == PhaseFailed || p == PhaseEscalated
}

// ResolutionAction is the outcome applied to the paused agent.
type ResolutionAction string

const (
	ActionResume ResolutionAction = "resume"
	ActionBlock  ResolutionAction = "block"
)

// DisputeType classifies sessions that exist to dispute a recorded finding.
type DisputeType string

const (
	DisputeTypeVerification DisputeType = "verification"
	DisputeTypeCorrection   DisputeType = "correction"
)

// SystemAgentID is the agent_id recorded on transcript entries written by
// the reaper rather than either party.
const SystemAgentID = "system"

// DefaultMaxSynthesisRounds bounds the synthesis exchange before escalation.
const DefaultMaxSynthesisRounds = 3

// ThesisMessage is the paused agent's account of what went wrong.
type ThesisMessage struct {
	RootCause          string   `json:"root_cause"`
	ProposedConditions []string `json:"proposed_conditions"`
	Reasoning          string   `json:"reasoning"`
}

// AntithesisMessage is the reviewer's challenge to the thesis.
type AntithesisMessage struct {
	ObservedMetrics map[string]float64 `json:"observed_metrics"`
	Concerns        []string           `json:"concerns"`
	Reasoning       string             `json:"reasoning"`
}

// SynthesisMessage is one party's joint proposal during the synthesis
// exchange. Agrees is tri-state: nil means the party has not taken a
// position yet.
type SynthesisMessage struct {
	ProposedConditions []string `json:"proposed_conditions"`
	RootCause          string   `json:"root_cause"`
	Reasoning          string   `json:"reasoning"`
	Agrees             *bool    `json:"agrees"`
}

// TranscriptEntry is one immutable turn in a session's transcript.
// Exactly one of Thesis, Antithesis, or Synthesis is set, matching Phase;
// reaper entries carry only Note.
type TranscriptEntry struct {
	Phase      Phase              `json:"phase"`
	AgentID    string             `json:"agent_id"`
	Timestamp  time.Time          `json:"timestamp"`
	Thesis     *ThesisMessage     `json:"thesis,omitempty"`
	Antithesis *AntithesisMessage `json:"antithesis,omitempty"`
	Synthesis  *SynthesisMessage  `json:"synthesis,omitempty"`
	Note       string             `json:"note,omitempty"`
}

// Resolution is the dual-signed terminal artifact of a converged session.
type Resolution struct {
	Action      ResolutionAction `json:"action"`
	Conditions  []string         `json:"conditions"`
	RootCause   string           `json:"root_cause"`
	Reasoning   string           `json:"reasoning"`
	SignatureA  string           `json:"signature_a"`
	SignatureB  string           `json:"signature_b"`
	ContentHash string           `json:"content_hash"`
	Timestamp   time.Time        `json:"timestamp"`
}

// DialecticSession is the unit of negotiation between a paused agent and
// its peer reviewer. The persisted shape is a stable schema read by other
// tooling; field names must not change.
type DialecticSession struct {
	ID                 string            `json:"session_id"`
	PausedAgentID      string            `json:"paused_agent_id"`
	ReviewerAgentID    string            `json:"reviewer_agent_id"`
	Phase              Phase             `json:"phase"`
	Transcript         []TranscriptEntry `json:"transcript"`
	SynthesisRound     int               `json:"synthesis_round"`
	MaxSynthesisRounds int               `json:"max_synthesis_rounds"`
	Resolution         *Resolution       `json:"resolution,omitempty"`
	PausedAgentState   HealthSnapshot    `json:"paused_agent_state"`
	DiscoveryID        string            `json:"discovery_id,omitempty"`
	DisputeType        DisputeType       `json:"dispute_type,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	LastActiveAt       time.Time         `json:"last_active_at"`
}

// LatestSynthesisBy returns the most recent synthesis entry authored by
// the given agent, or nil if the agent has not spoken in synthesis.
func (s *DialecticSession) LatestSynthesisBy(agentID string) *SynthesisMessage {
	for i := len(s.Transcript) - 1; i >= 0; i-- {
		e := s.Transcript[i]
		if e.Phase == PhaseSynthesis && e.AgentID == agentID && e.Synthesis != nil {
			return e.Synthesis
		}
	}
	return nil
}

// OtherParty returns the counterpart of the given party in the session.
func (s *DialecticSession) OtherParty(agentID string) string {
	if agentID == s.PausedAgentID {
		return s.ReviewerAgentID
	}
	return s.PausedAgentID
}

// IsParty reports whether the agent is either side of the session.
func (s *DialecticSession) IsParty(agentID string) bool {
	return agentID == s.PausedAgentID || agentID == s.ReviewerAgentID
}
