package engine

import (
	"context"

	"dossierline/internal/domain"
)

// Lookups return domain.ErrNotFound for missing records.

type CircuitSource interface {
	GetCircuitByKey(ctx context.Context, entityName string) (domain.Circuit, error)
}

type DossierStore interface {
	GetDossier(ctx context.Context, id string) (domain.Dossier, error)
	UpdateDossierStatus(ctx context.Context, id string, status domain.CaseStatus) error
}

type DocumentSource interface {
	ListDocumentsForDossier(ctx context.Context, dossierID string) ([]domain.Document, error)
}

type CatalogSource interface {
	ListPieceJustifications(ctx context.Context) ([]domain.PieceJustification, error)
}

// MappingSource reads the document-piece mapping table keyed by document key.
type MappingSource interface {
	ListPieceMappings(ctx context.Context) (map[string]domain.PieceMapping, error)
}

// StepStatusStore holds the external step-status records of a dossier.
type StepStatusStore interface {
	ListStepStatuses(ctx context.Context, dossierID string) ([]domain.StepStatusRecord, error)
	UpdateStepStatus(ctx context.Context, recordID string, update domain.StatusUpdate) error
}

type ExamService interface {
	GetExamSession(ctx context.Context, dossierID string) (domain.ExamSession, error)
	CreateExamSession(ctx context.Context, dossierID, examDate string) (domain.ExamSession, error)
	ListExamResults(ctx context.Context, dossierID string) ([]domain.ExamResult, error)
}

// ExamResultRecorder is implemented by exam services that accept results.
type ExamResultRecorder interface {
	RecordExamResult(ctx context.Context, result domain.ExamResult) error
}

// CompletionStore persists the completed-step ids of each dossier.
type CompletionStore interface {
	LoadCompletion(ctx context.Context, dossierID string) ([]string, error)
	SaveCompletion(ctx context.Context, dossierID string, stepIDs []string) error
}
