package server

import (
	"encoding/json"

	"dossierline/internal/domain"
	"dossierline/internal/engine"
)

// Request payloads

type CreateDossierRequest struct {
	ID           *string `json:"id,omitempty"`
	RequestType  string  `json:"request_type"`
	CandidateRef *string `json:"candidate_ref,omitempty"`
}

type RegisterDocumentRequest struct {
	ID                   *string `json:"id,omitempty"`
	StepID               *string `json:"step_id,omitempty"`
	PieceID              *string `json:"piece_id,omitempty"`
	PieceJustificationID *string `json:"piece_justification_id,omitempty"`
	DocumentTypeID       *string `json:"document_type_id,omitempty"`
	Filename             string  `json:"filename"`
	Simulated            bool    `json:"simulated,omitempty"`
}

type ValidateDocumentRequest struct {
	// Omitting validated clears the review decision.
	Validated *bool `json:"validated,omitempty"`
}

type AdvanceRequest struct {
	StepID string `json:"step_id"`
}

type ScheduleExamRequest struct {
	ExamDate string `json:"exam_date" example:"2025-06-14"`
}

type RecordExamResultRequest struct {
	Category domain.ExamCategory `json:"category" enum:"creneau,code,conduite"`
	Outcome  domain.ExamOutcome  `json:"outcome" enum:"reussi,echoue,absent,non_saisi"`
}

type CatalogEntryRequest struct {
	ID             string `json:"id"`
	Label          string `json:"label"`
	DocumentTypeID string `json:"document_type_id"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Responses

type DossierResponse struct {
	ID           string            `json:"id"`
	RequestType  string            `json:"request_type"`
	Status       domain.CaseStatus `json:"status"`
	CandidateRef string            `json:"candidate_ref,omitempty"`
	CreatedAt    string            `json:"created_at"`
	UpdatedAt    string            `json:"updated_at"`
}

type paginatedDossiers struct {
	Items []DossierResponse `json:"items"`
}

type AdvanceResponse struct {
	CompletedStepID string          `json:"completed_step_id"`
	NextStepID      string          `json:"next_step_id,omitempty"`
	Progress        domain.Progress `json:"progress"`
}

type ExamStateResponse struct {
	Session *domain.ExamSession `json:"session,omitempty"`
	Results []domain.ExamResult `json:"results"`
	Outcome domain.ExamOutcome  `json:"outcome"`
	Passed  bool                `json:"passed"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	DossierID  string         `json:"dossier_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func dossierResponse(d domain.Dossier) DossierResponse {
	return DossierResponse{
		ID:           d.ID,
		RequestType:  d.RequestType,
		Status:       d.Status,
		CandidateRef: d.CandidateRef,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

func mapDossiers(items []domain.Dossier) []DossierResponse {
	out := make([]DossierResponse, 0, len(items))
	for _, d := range items {
		out = append(out, dossierResponse(d))
	}
	return out
}

func advanceResponse(r engine.AdvanceResult) AdvanceResponse {
	return AdvanceResponse{CompletedStepID: r.CompletedStepID, NextStepID: r.NextStepID, Progress: r.Progress}
}

func examStateResponse(s engine.ExamState) ExamStateResponse {
	return ExamStateResponse{
		Session: s.Session,
		Results: nonNilSlice(s.Results),
		Outcome: s.Outcome,
		Passed:  s.Passed,
	}
}

func eventResponse(evt domain.Event) EventResponse {
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		DossierID:  evt.DossierID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    decodeJSONMap(evt.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
