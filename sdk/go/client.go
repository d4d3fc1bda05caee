package dossierlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Dossierline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "v0",
		Timeout:  10 * time.Second,
	}
}

type Dossier struct {
	ID           string `json:"id"`
	RequestType  string `json:"request_type"`
	Status       string `json:"status"`
	CandidateRef string `json:"candidate_ref,omitempty"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

type Piece struct {
	ID             string `json:"id"`
	DocumentTypeID string `json:"document_type_id"`
	Required       bool   `json:"obligatoire,omitempty"`
	Label          string `json:"label,omitempty"`
}

type Step struct {
	ID     string   `json:"id"`
	Code   string   `json:"code"`
	Label  string   `json:"label,omitempty"`
	Order  *int     `json:"order,omitempty"`
	Roles  []string `json:"roles,omitempty"`
	Pieces []Piece  `json:"pieces,omitempty"`
}

// Circuit is both the import payload and the stored circuit.
type Circuit struct {
	ID         string `json:"id"`
	Label      string `json:"label,omitempty"`
	EntityName string `json:"entity_name"`
	Active     *bool  `json:"active,omitempty"`
	Steps      []Step `json:"steps,omitempty"`
}

type Document struct {
	ID                   string  `json:"id"`
	DossierID            string  `json:"dossier_id"`
	StepID               *string `json:"step_id,omitempty"`
	PieceJustificationID *string `json:"piece_justification_id,omitempty"`
	DocumentTypeID       *string `json:"document_type_id,omitempty"`
	Filename             string  `json:"filename"`
	Validated            *bool   `json:"validated,omitempty"`
	Simulated            *bool   `json:"simulated,omitempty"`
	CreatedAt            string  `json:"created_at"`
}

// DocumentUpload describes a document to register.
type DocumentUpload struct {
	ID                   string `json:"id,omitempty"`
	StepID               string `json:"step_id,omitempty"`
	PieceID              string `json:"piece_id,omitempty"`
	PieceJustificationID string `json:"piece_justification_id,omitempty"`
	DocumentTypeID       string `json:"document_type_id,omitempty"`
	Filename             string `json:"filename"`
	Simulated            bool   `json:"simulated,omitempty"`
}

type StepView struct {
	Step   Step   `json:"step"`
	State  string `json:"state"`
	Reason string `json:"reason"`
}

// Progress is the evaluated state of a dossier.
type Progress struct {
	DossierID     string     `json:"dossier_id"`
	CircuitID     string     `json:"circuit_id,omitempty"`
	Steps         []StepView `json:"steps"`
	Completed     []string   `json:"completed"`
	CurrentStepID string     `json:"current_step_id,omitempty"`
	Percent       int        `json:"percent"`
	AllCompleted  bool       `json:"all_completed"`
	Status        string     `json:"status"`
	CacheDegraded bool       `json:"cache_degraded,omitempty"`
}

type AdvanceResult struct {
	CompletedStepID string   `json:"completed_step_id"`
	NextStepID      string   `json:"next_step_id,omitempty"`
	Progress        Progress `json:"progress"`
}

type ExamSession struct {
	ID        string `json:"id"`
	DossierID string `json:"dossier_id"`
	ExamDate  string `json:"exam_date"`
	CreatedAt string `json:"created_at"`
}

type ExamResult struct {
	Category   string `json:"category"`
	Outcome    string `json:"outcome"`
	RecordedAt string `json:"recorded_at"`
}

type ExamState struct {
	Session *ExamSession `json:"session,omitempty"`
	Results []ExamResult `json:"results"`
	Outcome string       `json:"outcome"`
	Passed  bool         `json:"passed"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	DossierID  string         `json:"dossier_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses. Code is the error code from the
// response envelope when one was returned.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// ImportCircuit creates or replaces a circuit.
func (c *Client) ImportCircuit(ctx context.Context, circuit Circuit) (Circuit, error) {
	var resp Circuit
	err := c.do(ctx, http.MethodPut, c.path("circuits"), circuit, &resp)
	return resp, err
}

// CreateDossier opens a dossier for a request type. An empty id lets the server pick one.
func (c *Client) CreateDossier(ctx context.Context, id, requestType, candidateRef string) (Dossier, error) {
	body := map[string]any{"request_type": requestType}
	if id != "" {
		body["id"] = id
	}
	if candidateRef != "" {
		body["candidate_ref"] = candidateRef
	}
	var resp Dossier
	err := c.do(ctx, http.MethodPost, c.path("dossiers"), body, &resp)
	return resp, err
}

func (c *Client) GetDossier(ctx context.Context, id string) (Dossier, error) {
	var resp Dossier
	err := c.do(ctx, http.MethodGet, c.path("dossiers/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Progress recomputes and returns step completion for a dossier.
func (c *Client) Progress(ctx context.Context, dossierID string) (Progress, error) {
	var resp Progress
	err := c.do(ctx, http.MethodGet, c.path(fmt.Sprintf("dossiers/%s/progress", url.PathEscape(dossierID))), nil, &resp)
	return resp, err
}

func (c *Client) RegisterDocument(ctx context.Context, dossierID string, upload DocumentUpload) (Document, error) {
	var resp Document
	err := c.do(ctx, http.MethodPost, c.path(fmt.Sprintf("dossiers/%s/documents", url.PathEscape(dossierID))), upload, &resp)
	return resp, err
}

// ValidateDocument records a review decision; nil clears it.
func (c *Client) ValidateDocument(ctx context.Context, documentID string, validated *bool) (Document, error) {
	body := map[string]any{}
	if validated != nil {
		body["validated"] = *validated
	}
	var resp Document
	err := c.do(ctx, http.MethodPatch, c.path(fmt.Sprintf("documents/%s/validation", url.PathEscape(documentID))), body, &resp)
	return resp, err
}

// Advance completes stepID and moves the next step into progress.
func (c *Client) Advance(ctx context.Context, dossierID, stepID string) (AdvanceResult, error) {
	var resp AdvanceResult
	err := c.do(ctx, http.MethodPost, c.path(fmt.Sprintf("dossiers/%s/advance", url.PathEscape(dossierID))), map[string]any{"step_id": stepID}, &resp)
	return resp, err
}

// ScheduleExam creates the dossier's exam session. examDate is YYYY-MM-DD.
func (c *Client) ScheduleExam(ctx context.Context, dossierID, examDate string) (ExamSession, error) {
	var resp ExamSession
	err := c.do(ctx, http.MethodPost, c.path(fmt.Sprintf("dossiers/%s/exam-session", url.PathEscape(dossierID))), map[string]any{"exam_date": examDate}, &resp)
	return resp, err
}

func (c *Client) ExamState(ctx context.Context, dossierID string) (ExamState, error) {
	var resp ExamState
	err := c.do(ctx, http.MethodGet, c.path(fmt.Sprintf("dossiers/%s/exam", url.PathEscape(dossierID))), nil, &resp)
	return resp, err
}

func (c *Client) RecordExamResult(ctx context.Context, dossierID, category, outcome string) (ExamState, error) {
	body := map[string]any{"category": category, "outcome": outcome}
	var resp ExamState
	err := c.do(ctx, http.MethodPut, c.path(fmt.Sprintf("dossiers/%s/exam/results", url.PathEscape(dossierID))), body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "", "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, optionally for one dossier.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor, dossierID string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if dossierID != "" {
		q.Set("dossier_id", dossierID)
	}
	endpoint := c.path("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) path(p string) string {
	base := strings.Trim(c.BasePath, "/")
	if base == "" {
		return strings.TrimLeft(p, "/")
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
