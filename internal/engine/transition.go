package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"dossierline/internal/circuit"
	"dossierline/internal/domain"
	"dossierline/internal/events"
)

type AdvanceOptions struct {
	DossierID string
	StepID    string
	ActorID   string
	Roles     []string
}

type AdvanceResult struct {
	CompletedStepID string          `json:"completed_step_id"`
	NextStepID      string          `json:"next_step_id,omitempty"`
	Progress        domain.Progress `json:"progress"`
}

// Advance completes a step and moves the next one into progress.
//
// The current step's record is pushed first, then the step is persisted in
// the completion cache, and only then is the next step's record pushed. A
// failure on the first push leaves the cache untouched; a failure on the
// second leaves the current step completed and the next one unchanged.
//
// A *TransitionError with Op "advance" therefore means the current step is
// already complete, both in its step-status record and in the completion
// cache; only the next step's in-progress push is missing. Calling Advance
// again for the same step retries it without re-checking the gates.
func (e Engine) Advance(ctx context.Context, opts AdvanceOptions) (res AdvanceResult, err error) {
	ctx, span := startSpan(ctx, "engine.Advance", opts.DossierID)
	span.SetAttributes(attribute.String("step.id", opts.StepID))
	defer func() {
		instruments().transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcomeOf(err))))
		endSpan(span, err)
	}()
	return e.advance(ctx, opts)
}

func (e Engine) advance(ctx context.Context, opts AdvanceOptions) (AdvanceResult, error) {
	if opts.DossierID == "" || opts.StepID == "" {
		return AdvanceResult{}, errors.New("dossier and step are required")
	}
	if opts.ActorID == "" {
		opts.ActorID = systemActor
	}
	st, err := e.load(ctx, opts.DossierID)
	if err != nil {
		return AdvanceResult{}, err
	}
	step, ok := circuit.Find(st.circuit, opts.StepID)
	if !ok {
		return AdvanceResult{}, fmt.Errorf("step %s: %w", opts.StepID, domain.ErrNotFound)
	}
	if !authorized(step.Roles, opts.Roles) {
		return AdvanceResult{}, fmt.Errorf("step %s: %w", step.ID, ErrStepForbidden)
	}
	if err := e.checkAdvanceable(st, step); err != nil {
		return AdvanceResult{}, err
	}

	cfg := e.config()
	completed := domain.StatusUpdate{
		Code:  cfg.Engine.CompletedStatus.Code,
		Label: cfg.Engine.CompletedStatus.Label,
		Final: true,
	}
	res := AdvanceResult{CompletedStepID: step.ID}

	if circuit.IsLast(st.circuit, step.ID) {
		if step.StatusRecordID != "" {
			if err := e.Statuses.UpdateStepStatus(ctx, step.StatusRecordID, completed); err != nil {
				return AdvanceResult{}, &TransitionError{Op: "complete", StepID: step.ID, Err: err}
			}
		}
		e.Cache.Add(ctx, opts.DossierID, step.ID)
		e.recordCompletion(ctx, opts, "")
	} else {
		next := circuit.Next(st.circuit, step.ID)
		if step.StatusRecordID == "" {
			return AdvanceResult{}, fmt.Errorf("step %s: %w", step.ID, ErrMissingStatusRecord)
		}
		if next.StatusRecordID == "" {
			return AdvanceResult{}, fmt.Errorf("step %s: %w", next.ID, ErrMissingStatusRecord)
		}
		if err := e.Statuses.UpdateStepStatus(ctx, step.StatusRecordID, completed); err != nil {
			return AdvanceResult{}, &TransitionError{Op: "complete", StepID: step.ID, Err: err}
		}
		e.Cache.Add(ctx, opts.DossierID, step.ID)
		e.recordCompletion(ctx, opts, next.ID)

		inProgress := domain.StatusUpdate{
			Code:        cfg.Engine.InProgressStatus.Code,
			Label:       cfg.Engine.InProgressStatus.Label,
			Cancellable: true,
		}
		if err := e.Statuses.UpdateStepStatus(ctx, next.StatusRecordID, inProgress); err != nil {
			return AdvanceResult{}, &TransitionError{Op: "advance", StepID: next.ID, Err: err}
		}
		res.NextStepID = next.ID
	}

	p, err := e.Recompute(ctx, opts.DossierID)
	if err != nil {
		return AdvanceResult{}, err
	}
	res.Progress = p
	return res, nil
}

// checkAdvanceable applies the gating rules. Steps already known complete
// only need their predecessor.
func (e Engine) checkAdvanceable(st *state, step domain.Step) error {
	computed := st.merge.Completed.Union(st.merge.ServerCompleted)
	if prev := circuit.Previous(st.circuit, step.ID); prev != nil && !computed.Has(prev.ID) {
		return fmt.Errorf("step %s: %w", step.ID, ErrPredecessorIncomplete)
	}
	if computed.Has(step.ID) {
		return nil
	}
	if e.labels().IsExamStep(step) {
		if st.session == nil {
			return ErrExamSessionRequired
		}
		if outcome := AggregateExamResults(st.results); outcome != domain.OutcomePassed {
			return fmt.Errorf("%w: aggregate is %s", ErrExamNotPassed, outcome)
		}
	}
	if len(step.Pieces) > 0 && !AllPiecesValidated(step, st.docs, st.matcher, computed, computed) {
		return fmt.Errorf("step %s: %w", step.ID, ErrPiecesNotValidated)
	}
	return nil
}

func (e Engine) recordCompletion(ctx context.Context, opts AdvanceOptions, nextID string) {
	payload := events.EventPayload{}
	if nextID != "" {
		payload["next_step_id"] = nextID
	}
	if err := e.Events.Append(ctx, nil, "step.completed", opts.DossierID, "step", opts.StepID, opts.ActorID, payload); err != nil {
		e.logger().Warn("event not recorded", "type", "step.completed", "err", err)
	}
	e.publish(events.TopicStepCompleted, opts.DossierID, opts.StepID, payload)
	e.logger().Info("step completed", "dossier_id", opts.DossierID, "step_id", opts.StepID, "next_step_id", nextID, "actor_id", opts.ActorID)
}

func authorized(stepRoles, actorRoles []string) bool {
	if len(stepRoles) == 0 {
		return true
	}
	for _, want := range stepRoles {
		for _, have := range actorRoles {
			if strings.EqualFold(strings.TrimSpace(want), strings.TrimSpace(have)) {
				return true
			}
		}
	}
	return false
}

func outcomeOf(err error) string {
	var te *TransitionError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &te):
		return "upstream_failed"
	case errors.Is(err, ErrMissingStatusRecord):
		return "missing_status_record"
	default:
		return "rejected"
	}
}
