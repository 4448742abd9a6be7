package dialectic

import (
	"errors"
	"fmt"

	"github.com/arbiter-ai/arbiter/internal/models"
	"github.com/arbiter-ai/arbiter/internal/store"
)

// Protocol error taxonomy. Callers match with errors.Is; PhaseError
// carries the session's authoritative phase so the caller can
// self-correct without a separate query.
var (
	ErrNotFound             = store.ErrNotFound
	ErrWrongPhase           = errors.New("wrong phase")
	ErrWrongParty           = errors.New("wrong party")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrNoEligibleReviewer   = errors.New("no eligible reviewer")
	ErrSafetyViolation      = errors.New("safety violation")
	ErrPersistenceFailure   = errors.New("persistence failure")
)

// PhaseError wraps a protocol sentinel with the session's current phase
// and a human-readable detail.
type PhaseError struct {
	Err    error
	Phase  models.Phase
	Detail string
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%v (session phase %s): %s", e.Err, e.Phase, e.Detail)
}

func (e *PhaseError) Unwrap() error { return e.Err }

func phaseErr(err error, phase models.Phase, format string, args ...any) *PhaseError {
	return &PhaseError{Err: err, Phase: phase, Detail: fmt.Sprintf(format, args...)}
}

// PhaseOf extracts the authoritative phase from a protocol error, if the
// error carries one.
func PhaseOf(err error) (models.Phase, bool) {
	var pe *PhaseError
	if errors.As(err, &pe) {
		return pe.Phase, true
	}
	return "", false
}
