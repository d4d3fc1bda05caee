package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"dossierline/internal/config"
	"dossierline/internal/db"
	"dossierline/internal/domain"
	"dossierline/internal/engine"
	"dossierline/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

var agent = map[string]string{"X-Actor-Id": "agent"}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, data)
	}
	return env.Error.Code
}

func importCircuit(t *testing.T, srv *testServer, roles []string) {
	t.Helper()
	pieces := map[string]any{"id": "s2", "code": "PIECES", "label": "Pièces", "order": 2, "pieces": []map[string]any{
		{"id": "p-cni", "document_type_id": "dt-cni", "obligatoire": true},
	}}
	if len(roles) > 0 {
		pieces["roles"] = roles
	}
	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/circuits", map[string]any{
		"id":          "c1",
		"label":       "Nouveau permis",
		"entity_name": "NOUVEAU_PERMIS",
		"steps": []map[string]any{
			{"id": "s1", "code": "DEPOT", "label": "Dépôt", "order": 1},
			pieces,
			{"id": "s3", "code": "EXAMEN", "label": "Envoi pour examen", "order": 3},
		},
	}, agent)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("import circuit: %d %s", res.StatusCode, data)
	}
}

func createDossier(t *testing.T, srv *testServer) DossierResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/dossiers", map[string]any{
		"request_type":  "NOUVEAU_PERMIS",
		"candidate_ref": "cand-42",
	}, agent)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create dossier: %d %s", res.StatusCode, data)
	}
	var d DossierResponse
	if err := json.Unmarshal(data, &d); err != nil {
		t.Fatalf("unmarshal dossier: %v", err)
	}
	return d
}

func TestDossierLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	importCircuit(t, srv, nil)
	d := createDossier(t, srv)
	base := srv.URL + "/v0/dossiers/" + d.ID

	res, data := doJSON(t, client, http.MethodPost, base+"/advance", map[string]any{"step_id": "s2"}, agent)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "predecessor_incomplete" {
		t.Fatalf("expected predecessor conflict, got %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/advance", map[string]any{"step_id": "s1"}, agent)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("advance s1: %d %s", res.StatusCode, data)
	}
	var adv AdvanceResponse
	_ = json.Unmarshal(data, &adv)
	if adv.NextStepID != "s2" || adv.Progress.Percent != 33 {
		t.Fatalf("unexpected advance result: %+v", adv)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/advance", map[string]any{"step_id": "s2"}, agent)
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "pieces_not_validated" {
		t.Fatalf("expected pieces_not_validated, got %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/documents", map[string]any{
		"piece_id": "p-cni", "step_id": "s2", "filename": "cni.pdf",
	}, agent)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register document: %d %s", res.StatusCode, data)
	}
	var doc domain.Document
	_ = json.Unmarshal(data, &doc)

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/documents/"+doc.ID+"/validation", map[string]any{"validated": true}, agent)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validate document: %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/progress", nil, agent)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("progress: %d %s", res.StatusCode, data)
	}
	var p domain.Progress
	_ = json.Unmarshal(data, &p)
	if p.Percent != 67 || p.Status != domain.CaseInProgress || p.CurrentStepID != "s3" {
		t.Fatalf("unexpected progress: %+v", p)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/advance", map[string]any{"step_id": "s3"}, agent)
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "exam_session_required" {
		t.Fatalf("expected exam_session_required, got %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/exam-session", map[string]any{"exam_date": "2025-06-12"}, agent)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("thursday should be rejected, got %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/exam-session", map[string]any{"exam_date": "2025-06-14"}, agent)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("schedule exam: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/exam-session", map[string]any{"exam_date": "2025-06-18"}, agent)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "exam_session_exists" {
		t.Fatalf("expected session conflict, got %d %s", res.StatusCode, data)
	}

	for _, cat := range domain.ExamCategories {
		res, data = doJSON(t, client, http.MethodPut, base+"/exam/results", map[string]any{"category": cat, "outcome": "reussi"}, agent)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("record %s: %d %s", cat, res.StatusCode, data)
		}
	}
	var exam ExamStateResponse
	_ = json.Unmarshal(data, &exam)
	if !exam.Passed {
		t.Fatalf("exam should be passed: %+v", exam)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/advance", map[string]any{"step_id": "s3"}, agent)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("advance exam step: %d %s", res.StatusCode, data)
	}
	_ = json.Unmarshal(data, &adv)
	if !adv.Progress.AllCompleted || adv.Progress.Status != domain.CaseComplete {
		t.Fatalf("dossier should be complete: %+v", adv.Progress)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?dossier_id="+d.ID+"&type=step.completed", nil, agent)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, data)
	}
	var evts paginatedEvents
	_ = json.Unmarshal(data, &evts)
	if len(evts.Items) != 3 {
		t.Fatalf("expected 3 step.completed events, got %d", len(evts.Items))
	}
}

func TestAuthAndRoles(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d", res.StatusCode)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/dossiers", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "unauthorized" {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, data)
	}

	importCircuit(t, srv, []string{"instructeur"})
	d := createDossier(t, srv)
	if _, err := srv.Engine.Advance(context.Background(), engine.AdvanceOptions{DossierID: d.ID, StepID: "s1"}); err != nil {
		t.Fatalf("advance s1: %v", err)
	}
	doc, err := srv.Engine.RegisterDocument(context.Background(), engine.DocumentRegisterOptions{DossierID: d.ID, DocumentTypeID: "dt-cni", Filename: "cni.pdf", Simulated: true})
	if err != nil || doc.ID == "" {
		t.Fatalf("register: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/dossiers/"+d.ID+"/advance", map[string]any{"step_id": "s2"}, agent)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected forbidden without role, got %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"actor_id": "lea", "roles": []string{"Instructeur"}}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, data)
	}
	var login DevLoginResponse
	_ = json.Unmarshal(data, &login)
	bearer := map[string]string{"Authorization": "Bearer " + login.Token}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, bearer)
	var who WhoAmIResponse
	_ = json.Unmarshal(data, &who)
	if res.StatusCode != http.StatusOK || who.ActorID != "lea" || who.Source != "jwt" {
		t.Fatalf("unexpected principal: %d %+v", res.StatusCode, who)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/dossiers/"+d.ID+"/advance", map[string]any{"step_id": "s2"}, bearer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("advance with role: %d %s", res.StatusCode, data)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/dossiers/missing", nil, bearer)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/dossiers", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
}

func TestWebhookRetriesUntilDelivered(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	var (
		mu       sync.Mutex
		attempts int
		got      []webhookEvent
	)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		got = append(got, evt)
	}))
	defer receiver.Close()

	d := NewWebhookDispatcher(srv.Engine.Repo, []config.WebhookConfig{{URL: receiver.URL, Events: []string{"dossier.created"}}}, nil)
	d.MaxElapsed = 5 * time.Second
	d.SetCursor(0, 0)

	importCircuit(t, srv, nil)
	dossier := createDossier(t, srv)
	d.DispatchAll(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if attempts < 2 {
		t.Fatalf("expected a retry, got %d attempts", attempts)
	}
	if len(got) != 1 || got[0].Type != "dossier.created" || got[0].DossierID != dossier.ID {
		t.Fatalf("unexpected deliveries: %+v", got)
	}
}
