package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"dossierline/internal/domain"
	"dossierline/internal/events"
)

const examDateLayout = "2006-01-02"

// ValidateExamDate parses a YYYY-MM-DD date and checks it falls on a
// configured exam weekday.
func (e Engine) ValidateExamDate(date string) (time.Time, error) {
	d, err := time.Parse(examDateLayout, strings.TrimSpace(date))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q is not YYYY-MM-DD", ErrInvalidExamDate, date)
	}
	days := e.config().Engine.ExamWeekdays
	for _, w := range days {
		if strings.EqualFold(strings.TrimSpace(w), d.Weekday().String()) {
			return d, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %s is a %s, sessions run on %s", ErrInvalidExamDate, date,
		strings.ToLower(d.Weekday().String()), strings.Join(days, ", "))
}

// ScheduleExam creates the dossier's exam session. The date is checked before
// any collaborator is called.
func (e Engine) ScheduleExam(ctx context.Context, dossierID, date, actorID string) (session domain.ExamSession, err error) {
	ctx, span := startSpan(ctx, "engine.ScheduleExam", dossierID)
	defer func() { endSpan(span, err) }()

	d, err := e.ValidateExamDate(date)
	if err != nil {
		return domain.ExamSession{}, err
	}
	if actorID == "" {
		actorID = systemActor
	}
	if _, err := e.Dossiers.GetDossier(ctx, dossierID); err != nil {
		return domain.ExamSession{}, err
	}
	existing, err := e.Exams.GetExamSession(ctx, dossierID)
	switch {
	case err == nil:
		return existing, fmt.Errorf("dossier %s: %w", dossierID, ErrExamSessionExists)
	case !errors.Is(err, domain.ErrNotFound):
		return domain.ExamSession{}, &TransitionError{Op: "lookup_exam_session", Err: err}
	}
	session, err = e.Exams.CreateExamSession(ctx, dossierID, d.Format(examDateLayout))
	if err != nil {
		if errors.Is(err, ErrExamSessionExists) {
			return domain.ExamSession{}, fmt.Errorf("dossier %s: %w", dossierID, ErrExamSessionExists)
		}
		return domain.ExamSession{}, &TransitionError{Op: "create_exam_session", Err: err}
	}
	payload := events.EventPayload{"exam_date": session.ExamDate}
	if err := e.Events.Append(ctx, nil, "exam.session.created", dossierID, "exam_session", session.ID, actorID, payload); err != nil {
		e.logger().Warn("event not recorded", "type", "exam.session.created", "err", err)
	}
	e.publish(events.TopicExamSessionCreated, dossierID, session.ID, payload)
	e.logger().Info("exam session created", "dossier_id", dossierID, "exam_date", session.ExamDate)
	return session, nil
}

// AggregateExamResults folds per-category outcomes. A category without a
// result counts as non_saisi.
func AggregateExamResults(results []domain.ExamResult) domain.ExamOutcome {
	byCategory := map[domain.ExamCategory]domain.ExamOutcome{}
	for _, r := range results {
		byCategory[r.Category] = r.Outcome
	}
	var passed, failed, absent int
	for _, cat := range domain.ExamCategories {
		switch byCategory[cat] {
		case domain.OutcomePassed:
			passed++
		case domain.OutcomeFailed:
			failed++
		case domain.OutcomeAbsent:
			absent++
		}
	}
	switch {
	case passed == len(domain.ExamCategories):
		return domain.OutcomePassed
	case failed > 0:
		return domain.OutcomeFailed
	case absent > 0:
		return domain.OutcomeAbsent
	default:
		return domain.OutcomeNotLogged
	}
}

type ExamState struct {
	Session *domain.ExamSession `json:"session,omitempty"`
	Results []domain.ExamResult `json:"results"`
	Outcome domain.ExamOutcome  `json:"outcome"`
	Passed  bool                `json:"passed"`
}

func (e Engine) ExamStatus(ctx context.Context, dossierID string) (ExamState, error) {
	if _, err := e.Dossiers.GetDossier(ctx, dossierID); err != nil {
		return ExamState{}, err
	}
	var state ExamState
	s, err := e.Exams.GetExamSession(ctx, dossierID)
	switch {
	case err == nil:
		state.Session = &s
	case !errors.Is(err, domain.ErrNotFound):
		return ExamState{}, &TransitionError{Op: "lookup_exam_session", Err: err}
	}
	results, err := e.Exams.ListExamResults(ctx, dossierID)
	if err != nil {
		return ExamState{}, &TransitionError{Op: "list_exam_results", Err: err}
	}
	state.Results = results
	state.Outcome = AggregateExamResults(results)
	state.Passed = state.Outcome == domain.OutcomePassed
	return state, nil
}

func validCategory(c domain.ExamCategory) bool {
	for _, known := range domain.ExamCategories {
		if c == known {
			return true
		}
	}
	return false
}

func validOutcome(o domain.ExamOutcome) bool {
	switch o {
	case domain.OutcomePassed, domain.OutcomeFailed, domain.OutcomeAbsent, domain.OutcomeNotLogged:
		return true
	}
	return false
}

// RecordExamResult stores one category outcome for a dossier with a session.
func (e Engine) RecordExamResult(ctx context.Context, dossierID string, category domain.ExamCategory, outcome domain.ExamOutcome, actorID string) (ExamState, error) {
	if !validCategory(category) {
		return ExamState{}, fmt.Errorf("%w: unknown category %q", ErrInvalidExamResult, category)
	}
	if !validOutcome(outcome) {
		return ExamState{}, fmt.Errorf("%w: unknown outcome %q", ErrInvalidExamResult, outcome)
	}
	rec, ok := e.Exams.(ExamResultRecorder)
	if !ok {
		return ExamState{}, errors.New("exam service does not accept results")
	}
	state, err := e.ExamStatus(ctx, dossierID)
	if err != nil {
		return ExamState{}, err
	}
	if state.Session == nil {
		return ExamState{}, ErrExamSessionRequired
	}
	if actorID == "" {
		actorID = systemActor
	}
	res := domain.ExamResult{DossierID: dossierID, Category: category, Outcome: outcome, RecordedAt: e.now().UTC().Format(time.RFC3339)}
	if err := rec.RecordExamResult(ctx, res); err != nil {
		return ExamState{}, &TransitionError{Op: "record_exam_result", Err: err}
	}
	payload := events.EventPayload{"category": string(category), "outcome": string(outcome)}
	if err := e.Events.Append(ctx, nil, "exam.result.recorded", dossierID, "exam_session", state.Session.ID, actorID, payload); err != nil {
		e.logger().Warn("event not recorded", "type", "exam.result.recorded", "err", err)
	}
	return e.ExamStatus(ctx, dossierID)
}
