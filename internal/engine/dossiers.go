package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"dossierline/internal/circuit"
	"dossierline/internal/domain"
	"dossierline/internal/events"
	"dossierline/internal/repo"
)

type DossierCreateOptions struct {
	ID           string
	RequestType  string
	CandidateRef string
	ActorID      string
}

// CreateDossier registers a dossier against the circuit of its request type.
// When step statuses are kept locally, one record per step is seeded: the
// first step in progress, the others pending.
func (e Engine) CreateDossier(ctx context.Context, opts DossierCreateOptions) (domain.Dossier, error) {
	if strings.TrimSpace(opts.RequestType) == "" {
		return domain.Dossier{}, errors.New("request type is required")
	}
	c, err := e.Circuits.GetCircuitByKey(ctx, opts.RequestType)
	if err != nil {
		return domain.Dossier{}, fmt.Errorf("circuit for %s: %w", opts.RequestType, err)
	}
	if !c.Active {
		return domain.Dossier{}, fmt.Errorf("%s: %w", c.ID, ErrCircuitInactive)
	}
	now := e.now().UTC().Format(time.RFC3339)
	d := domain.Dossier{
		ID:           opts.ID,
		RequestType:  opts.RequestType,
		Status:       domain.CaseNotStarted,
		CandidateRef: opts.CandidateRef,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Dossier{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDossier(ctx, tx, d); err != nil {
		return domain.Dossier{}, fmt.Errorf("insert dossier: %w", err)
	}
	if _, local := e.Statuses.(repo.Repo); local {
		cfg := e.config()
		for i, s := range c.Steps {
			rec := domain.StepStatusRecord{
				ID:        uuid.NewString(),
				DossierID: d.ID,
				StepID:    s.ID,
				Code:      cfg.Engine.PendingStatus.Code,
				Label:     cfg.Engine.PendingStatus.Label,
				UpdatedAt: now,
			}
			if i == 0 {
				rec.Code = cfg.Engine.InProgressStatus.Code
				rec.Label = cfg.Engine.InProgressStatus.Label
				rec.Cancellable = true
			}
			if err := e.Repo.InsertStepStatus(ctx, tx, rec); err != nil {
				return domain.Dossier{}, fmt.Errorf("seed status for %s: %w", s.ID, err)
			}
		}
	}
	if err := e.Events.Append(ctx, tx, "dossier.created", d.ID, "dossier", d.ID, actorOr(opts.ActorID), events.EventPayload{"request_type": d.RequestType, "circuit_id": c.ID}); err != nil {
		return domain.Dossier{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Dossier{}, err
	}
	return d, nil
}

func actorOr(actorID string) string {
	if actorID == "" {
		return systemActor
	}
	return actorID
}

type DocumentRegisterOptions struct {
	ID                   string
	DossierID            string
	StepID               string
	PieceID              string
	PieceJustificationID string
	DocumentTypeID       string
	Filename             string
	Simulated            bool
	ActorID              string
}

func optional(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

// RegisterDocument records an uploaded document. An explicit piece is
// written to the document-piece mapping table.
func (e Engine) RegisterDocument(ctx context.Context, opts DocumentRegisterOptions) (domain.Document, error) {
	if opts.DossierID == "" || strings.TrimSpace(opts.Filename) == "" {
		return domain.Document{}, errors.New("dossier and filename are required")
	}
	if opts.PieceID != "" && opts.StepID == "" {
		return domain.Document{}, errors.New("step is required with piece")
	}
	d, err := e.Dossiers.GetDossier(ctx, opts.DossierID)
	if err != nil {
		return domain.Document{}, err
	}
	if opts.StepID != "" {
		c, err := e.Circuits.GetCircuitByKey(ctx, d.RequestType)
		if err != nil {
			return domain.Document{}, fmt.Errorf("circuit for %s: %w", d.RequestType, err)
		}
		step, ok := circuit.Find(c, opts.StepID)
		if !ok {
			return domain.Document{}, fmt.Errorf("step %s: %w", opts.StepID, domain.ErrNotFound)
		}
		if opts.PieceID != "" && !hasPiece(step, opts.PieceID) {
			return domain.Document{}, fmt.Errorf("piece %s of step %s: %w", opts.PieceID, step.ID, domain.ErrNotFound)
		}
	}
	doc := domain.Document{
		ID:                   opts.ID,
		DossierID:            opts.DossierID,
		StepID:               optional(opts.StepID),
		PieceJustificationID: optional(opts.PieceJustificationID),
		DocumentTypeID:       optional(opts.DocumentTypeID),
		Filename:             opts.Filename,
		CreatedAt:            e.now().UTC().Format(time.RFC3339),
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if opts.Simulated {
		sim := true
		doc.Simulated = &sim
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Document{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDocument(ctx, tx, doc); err != nil {
		return domain.Document{}, fmt.Errorf("insert document: %w", err)
	}
	if opts.PieceID != "" {
		m := domain.PieceMapping{DocumentKey: doc.ID, PieceID: opts.PieceID, StepID: opts.StepID, CreatedAt: doc.CreatedAt}
		if err := e.Repo.UpsertPieceMapping(ctx, tx, m); err != nil {
			return domain.Document{}, fmt.Errorf("store piece mapping: %w", err)
		}
	}
	payload := events.EventPayload{"filename": doc.Filename}
	if opts.PieceID != "" {
		payload["piece_id"] = opts.PieceID
		payload["step_id"] = opts.StepID
	}
	if err := e.Events.Append(ctx, tx, "document.uploaded", doc.DossierID, "document", doc.ID, actorOr(opts.ActorID), payload); err != nil {
		return domain.Document{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Document{}, err
	}
	e.publish(events.TopicDocumentUploaded, doc.DossierID, doc.ID, payload)
	return doc, nil
}

func hasPiece(step domain.Step, pieceID string) bool {
	for _, p := range step.Pieces {
		if p.ID == pieceID {
			return true
		}
	}
	return false
}

// ValidateDocument records a reviewer decision. A nil decision resets the
// document to unreviewed.
func (e Engine) ValidateDocument(ctx context.Context, documentID string, validated *bool, actorID string) (domain.Document, error) {
	doc, err := e.Repo.GetDocument(ctx, documentID)
	if err != nil {
		return domain.Document{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Document{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetDocumentValidated(ctx, tx, documentID, validated); err != nil {
		return domain.Document{}, err
	}
	payload := events.EventPayload{"validated": validated}
	if err := e.Events.Append(ctx, tx, "document.validated", doc.DossierID, "document", doc.ID, actorOr(actorID), payload); err != nil {
		return domain.Document{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Document{}, err
	}
	doc.Validated = validated
	e.publish(events.TopicDocumentValidated, doc.DossierID, doc.ID, payload)
	return doc, nil
}
