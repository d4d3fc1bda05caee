package engine

import (
	"dossierline/internal/domain"
	"dossierline/internal/matcher"
)

const (
	ReasonBlocked         = "blocked_by_predecessor"
	ReasonServerCompleted = "server_completed"
	ReasonCacheCompleted  = "cache_completed"
	ReasonAwaitingManual  = "awaiting_manual_transmission"
	ReasonPiecesValidated = "pieces_validated"
	ReasonPiecesPartial   = "pieces_partial"
	ReasonPiecesMissing   = "pieces_missing"
	ReasonExamScheduled   = "exam_scheduled"
	ReasonExamUnscheduled = "exam_session_required"
)

// StatusInput carries everything StepStatus needs for one step.
type StatusInput struct {
	Step      domain.Step
	Previous  *domain.Step
	Completed StepSet
	Computed  StepSet
	Documents []domain.Document
	Matcher   *matcher.Matcher
	Labels    Labels

	// ExamSession is set when the dossier has an exam session.
	ExamSession bool
}

type StepResult struct {
	State  domain.StepState
	Reason string
}

func (in StatusInput) done(id string) bool {
	return in.Completed.Has(id) || in.Computed.Has(id)
}

// StepStatus evaluates the state of one step. It is pure: the same input
// always yields the same result.
//
// A server-declared completed label wins over predecessor gating.
func StepStatus(in StatusInput) StepResult {
	if in.Labels.ServerCompleted(in.Step) {
		return StepResult{domain.StateCompleted, ReasonServerCompleted}
	}
	if in.Previous != nil && !in.done(in.Previous.ID) {
		return StepResult{domain.StatePending, ReasonBlocked}
	}
	if in.done(in.Step.ID) {
		return StepResult{domain.StateCompleted, ReasonCacheCompleted}
	}
	if in.Labels.IsExamStep(in.Step) {
		if in.ExamSession {
			return StepResult{domain.StateInProgress, ReasonExamScheduled}
		}
		return StepResult{domain.StatePending, ReasonExamUnscheduled}
	}
	if len(in.Step.Pieces) == 0 {
		return StepResult{domain.StatePending, ReasonAwaitingManual}
	}
	m := in.Matcher
	if m == nil {
		m = matcher.New(nil, nil)
	}
	if AllPiecesValidated(in.Step, in.Documents, m, in.Completed, in.Computed) {
		return StepResult{domain.StateCompleted, ReasonPiecesValidated}
	}
	if anyObligatoryMatched(in.Step, in.Documents, m) {
		return StepResult{domain.StateInProgress, ReasonPiecesPartial}
	}
	return StepResult{domain.StatePending, ReasonPiecesMissing}
}
