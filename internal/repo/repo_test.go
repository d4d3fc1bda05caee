package repo

import (
	"context"
	"errors"
	"testing"

	"dossierline/internal/db"
	"dossierline/internal/domain"
	"dossierline/internal/migrate"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return Repo{DB: conn}
}

func intPtr(v int) *int { return &v }

func TestCircuitRoundTripOrdersSteps(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	c := domain.Circuit{ID: "c1", Label: "Permis B", Active: true, EntityName: "NOUVEAU_PERMIS", Steps: []domain.Step{
		{ID: "s2", Code: "VERIF", Label: "Vérification", Order: intPtr(2), Roles: []string{"instructeur"}, Pieces: []domain.Piece{
			{ID: "p2", DocumentTypeID: "dt-photo"},
			{ID: "p1", DocumentTypeID: "dt-cni", Required: true},
		}},
		{ID: "s1", Code: "DEPOT", Label: "Dépôt", Order: intPtr(1)},
	}}
	if err := r.ImportCircuit(ctx, c); err != nil {
		t.Fatalf("import: %v", err)
	}
	got, err := r.GetCircuitByKey(ctx, "NOUVEAU_PERMIS")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Steps) != 2 || got.Steps[0].ID != "s1" || got.Steps[1].ID != "s2" {
		t.Fatalf("unexpected steps: %+v", got.Steps)
	}
	if p := got.Steps[1].Pieces; len(p) != 2 || p[0].ID != "p2" || !p[1].Required {
		t.Fatalf("pieces not kept in position order: %+v", p)
	}
	if len(got.Steps[1].Roles) != 1 || got.Steps[1].Roles[0] != "instructeur" {
		t.Fatalf("roles lost: %+v", got.Steps[1].Roles)
	}
	// reimport replaces
	c.Steps = c.Steps[1:]
	if err := r.ImportCircuit(ctx, c); err != nil {
		t.Fatalf("reimport: %v", err)
	}
	got, _ = r.GetCircuit(ctx, "c1")
	if len(got.Steps) != 1 {
		t.Fatalf("reimport kept stale steps: %+v", got.Steps)
	}
	if _, err := r.GetCircuitByKey(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDocumentsKeepTriStateFlags(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if err := r.InsertDossier(ctx, nil, domain.Dossier{ID: "d1", RequestType: "NOUVEAU_PERMIS", Status: domain.CaseNotStarted, CreatedAt: "2025-01-01T00:00:00Z", UpdatedAt: "2025-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("dossier: %v", err)
	}
	sim := true
	pj := "pj-cni"
	if err := r.InsertDocument(ctx, nil, domain.Document{ID: "doc1", DossierID: "d1", PieceJustificationID: &pj, Filename: "cni.pdf", Simulated: &sim, CreatedAt: "2025-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	docs, err := r.ListDocumentsForDossier(ctx, "d1")
	if err != nil || len(docs) != 1 {
		t.Fatalf("list: %v %+v", err, docs)
	}
	if docs[0].Validated != nil || docs[0].Simulated == nil || !*docs[0].Simulated || docs[0].DocumentTypeID != nil {
		t.Fatalf("flags not preserved: %+v", docs[0])
	}
	no := false
	if err := r.SetDocumentValidated(ctx, nil, "doc1", &no); err != nil {
		t.Fatalf("validate: %v", err)
	}
	doc, _ := r.GetDocument(ctx, "doc1")
	if doc.Validated == nil || *doc.Validated {
		t.Fatalf("explicit false lost: %+v", doc)
	}
	if err := r.SetDocumentValidated(ctx, nil, "nope", &no); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCompletionCacheStartsEmpty(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	ids, err := r.LoadCompletion(ctx, "d1")
	if err != nil || len(ids) != 0 {
		t.Fatalf("expected empty set, got %v %v", ids, err)
	}
	if err := r.SaveCompletion(ctx, "d1", []string{"s2", "s1"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := r.SaveCompletion(ctx, "d1", []string{"s3", "s2", "s1"}); err != nil {
		t.Fatalf("save again: %v", err)
	}
	ids, _ = r.LoadCompletion(ctx, "d1")
	if len(ids) != 3 || ids[0] != "s1" || ids[2] != "s3" {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func TestStepStatusAndExamStores(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if err := r.InsertDossier(ctx, nil, domain.Dossier{ID: "d1", RequestType: "X", Status: domain.CaseNotStarted, CreatedAt: "t", UpdatedAt: "t"}); err != nil {
		t.Fatal(err)
	}
	if err := r.InsertStepStatus(ctx, nil, domain.StepStatusRecord{ID: "r1", DossierID: "d1", StepID: "s1", Code: "EN_ATTENTE", Label: "En attente"}); err != nil {
		t.Fatalf("insert status: %v", err)
	}
	if err := r.UpdateStepStatus(ctx, "r1", domain.StatusUpdate{Code: "TERMINE", Label: "Terminé", Final: true}); err != nil {
		t.Fatalf("update: %v", err)
	}
	rec, _ := r.GetStepStatus(ctx, "r1")
	if rec.Label != "Terminé" || !rec.Final || rec.Cancellable {
		t.Fatalf("unexpected record %+v", rec)
	}
	if err := r.UpdateStepStatus(ctx, "missing", domain.StatusUpdate{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if _, err := r.GetExamSession(ctx, "d1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no session, got %v", err)
	}
	if _, err := r.CreateExamSession(ctx, "d1", "2025-06-14"); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := r.CreateExamSession(ctx, "d1", "2025-06-18"); !errors.Is(err, domain.ErrExamSessionExists) {
		t.Fatalf("expected conflict, got %v", err)
	}
	for _, cat := range domain.ExamCategories {
		if err := r.RecordExamResult(ctx, domain.ExamResult{DossierID: "d1", Category: cat, Outcome: domain.OutcomeFailed}); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.RecordExamResult(ctx, domain.ExamResult{DossierID: "d1", Category: domain.ExamCode, Outcome: domain.OutcomePassed}); err != nil {
		t.Fatal(err)
	}
	results, _ := r.ListExamResults(ctx, "d1")
	if len(results) != 3 {
		t.Fatalf("expected one row per category, got %+v", results)
	}
}

func TestAPIKeyRoles(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	hash := HashAPIKey(" secret ")
	if hash != HashAPIKey("secret") {
		t.Fatalf("hash should ignore surrounding space")
	}
	if err := r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k1", ActorID: "alice", Roles: []string{"instructeur"}, KeyHash: hash}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	key, err := r.GetAPIKeyByHash(ctx, hash)
	if err != nil || key.ActorID != "alice" || len(key.Roles) != 1 {
		t.Fatalf("unexpected key %+v %v", key, err)
	}
}
