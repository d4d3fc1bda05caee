// Package gateway talks to the partner API that owns step-status records
// and exam sessions when dossierline is not their system of record.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dossierline/internal/config"
	"dossierline/internal/domain"
)

const defaultTimeout = 10 * time.Second

// Client implements the engine's StepStatusStore, ExamService and
// ExamResultRecorder over HTTP. Calls are never retried.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// APIError is a non-2xx answer from the partner API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("partner api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Unwrap maps well-known statuses onto domain sentinels.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusConflict:
		return domain.ErrExamSessionExists
	}
	return nil
}

func New(baseURL, token string) *Client {
	return &Client{BaseURL: baseURL, BearerToken: token, Timeout: defaultTimeout}
}

// FromConfig returns nil when no partner base URL is configured.
func FromConfig(cfg config.GatewayConfig) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil
	}
	c := New(cfg.BaseURL, cfg.Token)
	if cfg.TimeoutSeconds > 0 {
		c.Timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return c
}

func (c *Client) ListStepStatuses(ctx context.Context, dossierID string) ([]domain.StepStatusRecord, error) {
	var out []domain.StepStatusRecord
	err := c.do(ctx, http.MethodGet, dossierPath(dossierID, "step-statuses"), nil, &out)
	return out, err
}

func (c *Client) UpdateStepStatus(ctx context.Context, recordID string, update domain.StatusUpdate) error {
	endpoint := "step-statuses/" + url.PathEscape(recordID)
	return c.do(ctx, http.MethodPatch, endpoint, update, nil)
}

func (c *Client) GetExamSession(ctx context.Context, dossierID string) (domain.ExamSession, error) {
	var out domain.ExamSession
	err := c.do(ctx, http.MethodGet, dossierPath(dossierID, "exam-session"), nil, &out)
	return out, err
}

func (c *Client) CreateExamSession(ctx context.Context, dossierID, examDate string) (domain.ExamSession, error) {
	var out domain.ExamSession
	body := map[string]string{"exam_date": examDate}
	if err := c.do(ctx, http.MethodPost, dossierPath(dossierID, "exam-session"), body, &out); err != nil {
		if errors.Is(err, domain.ErrExamSessionExists) {
			return domain.ExamSession{}, fmt.Errorf("dossier %s: %w", dossierID, err)
		}
		return domain.ExamSession{}, err
	}
	if out.DossierID == "" {
		out.DossierID = dossierID
	}
	return out, nil
}

func (c *Client) ListExamResults(ctx context.Context, dossierID string) ([]domain.ExamResult, error) {
	var out []domain.ExamResult
	err := c.do(ctx, http.MethodGet, dossierPath(dossierID, "exam-results"), nil, &out)
	return out, err
}

func (c *Client) RecordExamResult(ctx context.Context, result domain.ExamResult) error {
	endpoint := dossierPath(result.DossierID, "exam-results/"+url.PathEscape(string(result.Category)))
	return c.do(ctx, http.MethodPut, endpoint, map[string]string{"outcome": string(result.Outcome)}, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		c.HTTPClient = &http.Client{Timeout: timeout}
	}
	target := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func dossierPath(dossierID, rest string) string {
	return fmt.Sprintf("dossiers/%s/%s", url.PathEscape(dossierID), rest)
}
