package dossierlinesdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dossierline/internal/config"
	"dossierline/internal/db"
	"dossierline/internal/domain"
	"dossierline/internal/engine"
	"dossierline/internal/migrate"
	"dossierline/internal/repo"
	"dossierline/internal/server"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	e := engine.New(conn, config.Default())
	require.NoError(t, e.Repo.InsertAPIKey(context.Background(), nil, domain.APIKey{
		ID: "k1", ActorID: "sdk-agent", Roles: []string{"Instructeur"}, KeyHash: repo.HashAPIKey("secret-key"),
	}))
	handler, err := server.New(server.Config{Engine: e, BasePath: "/v0", Auth: server.AuthConfig{JWTSecret: "sdk-secret"}})
	require.NoError(t, err)
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	c := New(ts.URL)
	c.APIKey = "secret-key"
	return c
}

func TestClientDrivesDossier(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	one, two := 1, 2
	_, err := c.ImportCircuit(ctx, Circuit{
		ID: "c1", EntityName: "NOUVEAU_PERMIS", Label: "Nouveau permis",
		Steps: []Step{
			{ID: "s1", Code: "DEPOT", Label: "Dépôt", Order: &one},
			{ID: "s2", Code: "PIECES", Label: "Pièces", Order: &two, Roles: []string{"Instructeur"}, Pieces: []Piece{
				{ID: "p-cni", DocumentTypeID: "dt-cni", Required: true},
			}},
		},
	})
	require.NoError(t, err)

	d, err := c.CreateDossier(ctx, "d-1", "NOUVEAU_PERMIS", "cand-7")
	require.NoError(t, err)
	assert.Equal(t, "d-1", d.ID)

	_, err = c.Advance(ctx, d.ID, "s2")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "expected APIError, got %v", err)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "predecessor_incomplete", apiErr.Code)

	adv, err := c.Advance(ctx, d.ID, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s2", adv.NextStepID)
	assert.Equal(t, 50, adv.Progress.Percent)

	doc, err := c.RegisterDocument(ctx, d.ID, DocumentUpload{StepID: "s2", PieceID: "p-cni", Filename: "cni.pdf"})
	require.NoError(t, err)
	yes := true
	doc, err = c.ValidateDocument(ctx, doc.ID, &yes)
	require.NoError(t, err)
	require.NotNil(t, doc.Validated)
	assert.True(t, *doc.Validated)

	adv, err = c.Advance(ctx, d.ID, "s2")
	require.NoError(t, err)
	assert.Empty(t, adv.NextStepID)
	assert.True(t, adv.Progress.AllCompleted)

	p, err := c.Progress(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, p.Percent)
	assert.Equal(t, "complete", p.Status)

	page, err := c.EventsPage(ctx, 50, "", d.ID)
	require.NoError(t, err)
	var completed int
	for _, evt := range page.Items {
		if evt.Type == "step.completed" {
			completed++
			assert.Equal(t, "sdk-agent", evt.ActorID)
		}
	}
	assert.Equal(t, 2, completed)
}

func TestClientExamSession(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	_, err := c.ImportCircuit(ctx, Circuit{ID: "c1", EntityName: "NOUVEAU_PERMIS", Steps: []Step{{ID: "s1", Code: "EXAMEN"}}})
	require.NoError(t, err)
	d, err := c.CreateDossier(ctx, "", "NOUVEAU_PERMIS", "")
	require.NoError(t, err)
	require.NotEmpty(t, d.ID)

	_, err = c.ScheduleExam(ctx, d.ID, "2025-06-12")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)

	s, err := c.ScheduleExam(ctx, d.ID, "2025-06-14")
	require.NoError(t, err)
	assert.Equal(t, "2025-06-14", s.ExamDate)

	st, err := c.RecordExamResult(ctx, d.ID, "code", "reussi")
	require.NoError(t, err)
	require.NotNil(t, st.Session)
	assert.Len(t, st.Results, 1)
	assert.False(t, st.Passed)

	for _, cat := range []string{"creneau", "conduite"} {
		st, err = c.RecordExamResult(ctx, d.ID, cat, "reussi")
		require.NoError(t, err)
	}
	assert.True(t, st.Passed)
	assert.Equal(t, "reussi", st.Outcome)

	st, err = c.ExamState(ctx, d.ID)
	require.NoError(t, err)
	assert.Len(t, st.Results, 3)
}

func TestUnauthenticatedClient(t *testing.T) {
	c := newClient(t)
	c.APIKey = ""
	_, err := c.GetDossier(context.Background(), "nope")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}
