package engine

import (
	"errors"
	"fmt"

	"dossierline/internal/domain"
)

var (
	ErrStepForbidden         = errors.New("actor is not authorized for this step")
	ErrPredecessorIncomplete = errors.New("previous step is not completed")
	ErrPiecesNotValidated    = errors.New("required pieces are not validated")
	ErrExamSessionRequired   = errors.New("an exam session must be created first")
	ErrExamNotPassed         = errors.New("exam results are not all passed")
	ErrMissingStatusRecord   = errors.New("missing step status record")
	ErrInvalidExamDate       = errors.New("invalid exam date")
	ErrExamSessionExists     = domain.ErrExamSessionExists
	ErrInvalidExamResult     = errors.New("invalid exam result")
	ErrCircuitInactive       = errors.New("circuit is not active")
)

// TransitionError reports a collaborator failure during a transition.
type TransitionError struct {
	Op     string
	StepID string
	Err    error
}

func (e *TransitionError) Error() string {
	if e.StepID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s step %s: %v", e.Op, e.StepID, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }
