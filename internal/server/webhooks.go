package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"dossierline/internal/config"
	"dossierline/internal/domain"
	"dossierline/internal/repo"
)

const (
	defaultWebhookInterval   = 2 * time.Second
	defaultWebhookTimeout    = 5 * time.Second
	defaultWebhookBatch      = 100
	defaultWebhookMaxElapsed = 30 * time.Second
)

// EventSource is the slice of the event log the dispatcher reads.
type EventSource interface {
	EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

var _ EventSource = repo.Repo{}

// WebhookDispatcher forwards new events to the configured webhooks. Each
// hook keeps its own cursor; a delivery that still fails after retries is
// attempted again on the next tick.
type WebhookDispatcher struct {
	Source     EventSource
	Webhooks   []config.WebhookConfig
	Logger     *slog.Logger
	Interval   time.Duration
	MaxElapsed time.Duration

	client  *http.Client
	mu      sync.Mutex
	cursors map[int]int64
}

func NewWebhookDispatcher(src EventSource, hooks []config.WebhookConfig, logger *slog.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookDispatcher{
		Source:     src,
		Webhooks:   hooks,
		Logger:     logger,
		Interval:   defaultWebhookInterval,
		MaxElapsed: defaultWebhookMaxElapsed,
		client:     &http.Client{Timeout: defaultWebhookTimeout},
		cursors:    make(map[int]int64),
	}
}

// Run dispatches until ctx is done. It returns immediately when no webhook
// is configured.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	if len(d.Webhooks) == 0 {
		return
	}
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for i, hook := range d.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	events, err := d.Source.EventsAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		d.Logger.Warn("webhook: fetch events failed", "err", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.deliver(ctx, hook, evt); err != nil {
			d.Logger.Warn("webhook: delivery failed", "url", hook.URL, "event_id", evt.ID, "err", err)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

// cursorFor starts each hook at the head of the log so history is not replayed.
func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.Source.LatestEventID(ctx)
	if err != nil {
		d.Logger.Warn("webhook: init cursor failed", "err", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *WebhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

// SetCursor positions a hook's cursor explicitly.
func (d *WebhookDispatcher) SetCursor(idx int, value int64) { d.setCursor(idx, value) }

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	DossierID  string          `json:"dossier_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

// deliver posts one event, retrying with exponential backoff. 4xx answers
// other than 429 are not retried.
func (d *WebhookDispatcher) deliver(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = d.MaxElapsed
	return backoff.Retry(func() error {
		err := d.postEvent(ctx, hook, evt)
		if se, ok := err.(*statusError); ok && se.code >= 400 && se.code < 500 && se.code != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string { return fmt.Sprintf("status %d: %s", e.code, e.body) }

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage([]byte(evt.Payload))
		} else {
			raw = evt.Payload
		}
	}
	body := webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		DossierID:  evt.DossierID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if client == nil || timeout != client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Dossierline-Event", evt.Type)
	req.Header.Set("X-Dossierline-Delivery", fmt.Sprintf("%d", evt.ID))
	if evt.DossierID != "" {
		req.Header.Set("X-Dossierline-Dossier", evt.DossierID)
	}
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Dossierline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &statusError{code: res.StatusCode, body: strings.TrimSpace(string(bodyBytes))}
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
