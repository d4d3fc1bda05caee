package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"dossierline/internal/config"
	"dossierline/internal/domain"
)

// world is an in-memory implementation of every engine port.
type world struct {
	mu sync.Mutex

	circuit    domain.Circuit
	dossiers   map[string]domain.Dossier
	docs       []domain.Document
	catalog    []domain.PieceJustification
	mappings   map[string]domain.PieceMapping
	records    map[string]domain.StepStatusRecord
	sessions   map[string]domain.ExamSession
	results    []domain.ExamResult
	completion map[string][]string

	docsErr       error
	completionErr error
	failUpdate    map[string]error
	updates       []string
	examCalls     int
}

func newWorld(c domain.Circuit) *world {
	return &world{
		circuit:    c,
		dossiers:   map[string]domain.Dossier{"d1": {ID: "d1", RequestType: c.EntityName, Status: domain.CaseNotStarted}},
		mappings:   map[string]domain.PieceMapping{},
		records:    map[string]domain.StepStatusRecord{},
		sessions:   map[string]domain.ExamSession{},
		completion: map[string][]string{},
		failUpdate: map[string]error{},
	}
}

// seedRecords gives every step a pending status record "rec-<step>".
func (w *world) seedRecords() {
	for _, s := range w.circuit.Steps {
		w.records["rec-"+s.ID] = domain.StepStatusRecord{ID: "rec-" + s.ID, DossierID: "d1", StepID: s.ID, Code: "EN_ATTENTE", Label: "En attente"}
	}
}

func (w *world) engine() Engine {
	cfg := config.Default()
	return Engine{
		Config:    cfg,
		Circuits:  w,
		Dossiers:  w,
		Documents: w,
		Catalog:   w,
		Mappings:  w,
		Statuses:  w,
		Exams:     w,
		Cache:     NewCompletionCache(w, nil),
	}
}

func (w *world) GetCircuitByKey(_ context.Context, key string) (domain.Circuit, error) {
	if key != w.circuit.EntityName {
		return domain.Circuit{}, domain.ErrNotFound
	}
	return w.circuit, nil
}

func (w *world) GetDossier(_ context.Context, id string) (domain.Dossier, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	d, ok := w.dossiers[id]
	if !ok {
		return d, domain.ErrNotFound
	}
	return d, nil
}

func (w *world) UpdateDossierStatus(_ context.Context, id string, status domain.CaseStatus) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	d := w.dossiers[id]
	d.Status = status
	w.dossiers[id] = d
	return nil
}

func (w *world) ListDocumentsForDossier(context.Context, string) ([]domain.Document, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.docsErr != nil {
		return nil, w.docsErr
	}
	return append([]domain.Document{}, w.docs...), nil
}

func (w *world) ListPieceJustifications(context.Context) ([]domain.PieceJustification, error) {
	return w.catalog, nil
}

func (w *world) ListPieceMappings(context.Context) (map[string]domain.PieceMapping, error) {
	return w.mappings, nil
}

func (w *world) ListStepStatuses(context.Context, string) ([]domain.StepStatusRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []domain.StepStatusRecord
	for _, r := range w.records {
		out = append(out, r)
	}
	return out, nil
}

func (w *world) UpdateStepStatus(_ context.Context, recordID string, u domain.StatusUpdate) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.failUpdate[recordID]; err != nil {
		return err
	}
	r, ok := w.records[recordID]
	if !ok {
		return domain.ErrNotFound
	}
	r.Code, r.Label, r.Cancellable, r.Final = u.Code, u.Label, u.Cancellable, u.Final
	w.records[recordID] = r
	w.updates = append(w.updates, fmt.Sprintf("%s=%s", recordID, u.Code))
	return nil
}

func (w *world) GetExamSession(_ context.Context, dossierID string) (domain.ExamSession, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.examCalls++
	s, ok := w.sessions[dossierID]
	if !ok {
		return s, domain.ErrNotFound
	}
	return s, nil
}

func (w *world) CreateExamSession(_ context.Context, dossierID, date string) (domain.ExamSession, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.examCalls++
	s := domain.ExamSession{ID: "sess-" + dossierID, DossierID: dossierID, ExamDate: date}
	w.sessions[dossierID] = s
	return s, nil
}

func (w *world) ListExamResults(context.Context, string) ([]domain.ExamResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]domain.ExamResult{}, w.results...), nil
}

func (w *world) RecordExamResult(_ context.Context, r domain.ExamResult) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.results = append(w.results, r)
	return nil
}

func (w *world) LoadCompletion(_ context.Context, dossierID string) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.completionErr != nil {
		return nil, w.completionErr
	}
	return append([]string{}, w.completion[dossierID]...), nil
}

func (w *world) SaveCompletion(_ context.Context, dossierID string, ids []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.completionErr != nil {
		return w.completionErr
	}
	w.completion[dossierID] = append([]string{}, ids...)
	return nil
}

var errUnavailable = errors.New("store unavailable")

func strp(s string) *string { return &s }
func boolp(b bool) *bool    { return &b }
func intp(v int) *int       { return &v }

func validatedDoc(id, docType string) domain.Document {
	return domain.Document{ID: id, DossierID: "d1", DocumentTypeID: strp(docType), Validated: boolp(true)}
}

// threeSteps is a circuit whose first step has no pieces and whose second
// step has one obligatory piece.
func threeSteps() domain.Circuit {
	return domain.Circuit{ID: "c1", EntityName: "NOUVEAU_PERMIS", Active: true, Steps: []domain.Step{
		{ID: "s1", Code: "DEPOT", Label: "Dépôt", Order: intp(1)},
		{ID: "s2", Code: "PIECES", Label: "Pièces", Order: intp(2), Pieces: []domain.Piece{{ID: "p-cni", DocumentTypeID: "dt-cni", Required: true}}},
		{ID: "s3", Code: "SIGNATURE", Label: "Signature", Order: intp(3)},
	}}
}

func examCircuit() domain.Circuit {
	return domain.Circuit{ID: "c2", EntityName: "PERMIS_B", Active: true, Steps: []domain.Step{
		{ID: "e1", Code: "DEPOT", Label: "Dépôt", Order: intp(1)},
		{ID: "e2", Code: "EXAMEN", Label: "Envoi pour examen", Order: intp(2)},
		{ID: "e3", Code: "DELIVRANCE", Label: "Délivrance", Order: intp(3)},
	}}
}
