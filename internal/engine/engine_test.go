package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"dossierline/internal/config"
	"dossierline/internal/db"
	"dossierline/internal/domain"
	"dossierline/internal/engine"
	"dossierline/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func intPtr(v int) *int { return &v }

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	c := domain.Circuit{ID: "c1", Label: "Nouveau permis", Active: true, EntityName: "NOUVEAU_PERMIS", Steps: []domain.Step{
		{ID: "s1", Code: "DEPOT", Label: "Dépôt du dossier", Order: intPtr(1)},
		{ID: "s2", Code: "PIECES", Label: "Pièces justificatives", Order: intPtr(2), Pieces: []domain.Piece{
			{ID: "p-cni", DocumentTypeID: "dt-cni", Required: true},
			{ID: "p-photo", DocumentTypeID: "dt-photo"},
		}},
		{ID: "s3", Code: "EXAMEN", Label: "Envoi pour examen", Order: intPtr(3)},
	}}
	if err := eng.Repo.ImportCircuit(ctx, c); err != nil {
		t.Fatalf("import circuit: %v", err)
	}
	if err := eng.Repo.UpsertPieceJustification(ctx, domain.PieceJustification{ID: "pj-cni", Label: "Carte d'identité", DocumentTypeID: "dt-cni"}); err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) createDossier(t *testing.T) domain.Dossier {
	t.Helper()
	d, err := env.Engine.CreateDossier(env.Ctx, engine.DossierCreateOptions{RequestType: "NOUVEAU_PERMIS", CandidateRef: "cand-1", ActorID: "agent"})
	if err != nil {
		t.Fatalf("create dossier: %v", err)
	}
	return d
}

func stateOf(t *testing.T, p domain.Progress, stepID string) domain.StepState {
	t.Helper()
	for _, v := range p.Steps {
		if v.Step.ID == stepID {
			return v.State
		}
	}
	t.Fatalf("step %s not in progress", stepID)
	return ""
}

func TestCreateDossierSeedsStatuses(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDossier(t)
	records, err := env.Engine.Repo.ListStepStatuses(env.Ctx, d.ID)
	if err != nil {
		t.Fatalf("list statuses: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected one record per step, got %d", len(records))
	}
	for _, r := range records {
		want := "En attente"
		if r.StepID == "s1" {
			want = "En cours"
		}
		if r.Label != want {
			t.Fatalf("step %s seeded with %q, want %q", r.StepID, r.Label, want)
		}
	}
	if _, err := env.Engine.CreateDossier(env.Ctx, engine.DossierCreateOptions{RequestType: "UNKNOWN"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for unknown request type, got %v", err)
	}
}

// Scenario A then B: nothing done, then manual advance and a validated document.
func TestProgressThroughDocuments(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDossier(t)

	p, err := env.Engine.Recompute(env.Ctx, d.ID)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if stateOf(t, p, "s2") != domain.StatePending || p.Percent != 0 || p.AllCompleted {
		t.Fatalf("unexpected initial progress: %+v", p)
	}
	if p.CurrentStepID != "s1" {
		t.Fatalf("current step should be s1, got %q", p.CurrentStepID)
	}

	res, err := env.Engine.Advance(env.Ctx, engine.AdvanceOptions{DossierID: d.ID, StepID: "s1", ActorID: "agent"})
	if err != nil {
		t.Fatalf("advance s1: %v", err)
	}
	if stateOf(t, res.Progress, "s1") != domain.StateCompleted || stateOf(t, res.Progress, "s2") != domain.StatePending {
		t.Fatalf("unexpected states after advance: %+v", res.Progress.Steps)
	}

	doc, err := env.Engine.RegisterDocument(env.Ctx, engine.DocumentRegisterOptions{
		DossierID: d.ID, StepID: "s2", PieceID: "p-cni", Filename: "cni.pdf", ActorID: "agent",
	})
	if err != nil {
		t.Fatalf("register document: %v", err)
	}
	p, _ = env.Engine.Recompute(env.Ctx, d.ID)
	if stateOf(t, p, "s2") != domain.StateInProgress {
		t.Fatalf("unreviewed document should put s2 in progress, got %s", stateOf(t, p, "s2"))
	}

	yes := true
	if _, err := env.Engine.ValidateDocument(env.Ctx, doc.ID, &yes, "reviewer"); err != nil {
		t.Fatalf("validate: %v", err)
	}
	p, err = env.Engine.Recompute(env.Ctx, d.ID)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if stateOf(t, p, "s2") != domain.StateCompleted || p.Percent != 67 {
		t.Fatalf("expected s2 completed at 67%%, got %s at %d%%", stateOf(t, p, "s2"), p.Percent)
	}
	stored, _ := env.Engine.Repo.GetDossier(env.Ctx, d.ID)
	if stored.Status != domain.CaseInProgress {
		t.Fatalf("case status not stored: %s", stored.Status)
	}

	// a later rejection does not regress a step already persisted complete
	no := false
	if _, err := env.Engine.ValidateDocument(env.Ctx, doc.ID, &no, "reviewer"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	p, _ = env.Engine.Recompute(env.Ctx, d.ID)
	if p.Percent != 67 {
		t.Fatalf("persisted completion regressed to %d%%", p.Percent)
	}
}

// Scenarios C and D.
func TestExamSession(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDossier(t)

	if _, err := env.Engine.ScheduleExam(env.Ctx, d.ID, "2025-06-12", "agent"); !errors.Is(err, engine.ErrInvalidExamDate) {
		t.Fatalf("thursday should be rejected, got %v", err)
	}
	if _, err := env.Engine.Repo.GetExamSession(env.Ctx, d.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("no session should exist, got %v", err)
	}

	if _, err := env.Engine.Advance(env.Ctx, engine.AdvanceOptions{DossierID: d.ID, StepID: "s1"}); err != nil {
		t.Fatalf("advance s1: %v", err)
	}
	doc, err := env.Engine.RegisterDocument(env.Ctx, engine.DocumentRegisterOptions{DossierID: d.ID, PieceJustificationID: "dt-cni", Filename: "cni.pdf", Simulated: true})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if doc.Simulated == nil || !*doc.Simulated {
		t.Fatalf("simulated flag lost")
	}
	if _, err := env.Engine.Advance(env.Ctx, engine.AdvanceOptions{DossierID: d.ID, StepID: "s2"}); err != nil {
		t.Fatalf("advance s2: %v", err)
	}
	if _, err := env.Engine.Advance(env.Ctx, engine.AdvanceOptions{DossierID: d.ID, StepID: "s3"}); !errors.Is(err, engine.ErrExamSessionRequired) {
		t.Fatalf("expected exam session required, got %v", err)
	}

	if _, err := env.Engine.ScheduleExam(env.Ctx, d.ID, "2025-06-14", "agent"); err != nil {
		t.Fatalf("schedule saturday: %v", err)
	}
	for _, cat := range domain.ExamCategories {
		if _, err := env.Engine.RecordExamResult(env.Ctx, d.ID, cat, domain.OutcomePassed, "examiner"); err != nil {
			t.Fatalf("record %s: %v", cat, err)
		}
	}
	res, err := env.Engine.Advance(env.Ctx, engine.AdvanceOptions{DossierID: d.ID, StepID: "s3"})
	if err != nil {
		t.Fatalf("advance exam step: %v", err)
	}
	if !res.Progress.AllCompleted || res.Progress.Status != domain.CaseComplete || res.NextStepID != "" {
		t.Fatalf("expected completed dossier, got %+v", res)
	}
	rec, _ := env.Engine.Repo.ListStepStatuses(env.Ctx, d.ID)
	for _, r := range rec {
		if r.Code != "TERMINE" {
			t.Fatalf("step %s not pushed complete: %+v", r.StepID, r)
		}
	}
}

func TestListenRecomputesOnUpload(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDossier(t)
	if _, err := env.Engine.Advance(env.Ctx, engine.AdvanceOptions{DossierID: d.ID, StepID: "s1"}); err != nil {
		t.Fatalf("advance: %v", err)
	}
	ctx, cancel := context.WithCancel(env.Ctx)
	defer cancel()
	go env.Engine.Listen(ctx)
	time.Sleep(20 * time.Millisecond)

	if _, err := env.Engine.RegisterDocument(env.Ctx, engine.DocumentRegisterOptions{DossierID: d.ID, DocumentTypeID: "dt-cni", Filename: "cni.pdf", Simulated: true}); err != nil {
		t.Fatalf("register: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ids, _ := env.Engine.Repo.LoadCompletion(env.Ctx, d.ID)
		if len(ids) == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("upload did not trigger a recompute")
}

func TestEventsRecorded(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDossier(t)
	if _, err := env.Engine.Advance(env.Ctx, engine.AdvanceOptions{DossierID: d.ID, StepID: "s1", ActorID: "agent"}); err != nil {
		t.Fatalf("advance: %v", err)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, d.ID, "", "", "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	seen := map[string]bool{}
	for _, e := range evts {
		seen[e.Type] = true
	}
	for _, want := range []string{"dossier.created", "step.completed", "case.status.updated"} {
		if !seen[want] {
			t.Fatalf("missing %s event in %+v", want, evts)
		}
	}
}
