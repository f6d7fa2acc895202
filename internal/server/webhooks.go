package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"pidline/internal/config"
	"pidline/internal/domain"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// ActionSource reads the action log by cursor.
type ActionSource interface {
	ActionsAfter(ctx context.Context, limit int, cursor int64) ([]domain.ActionLogEntry, error)
	LatestActionID(ctx context.Context) (int64, error)
}

// WebhookDispatcher posts new action log entries to configured URLs. Each
// hook keeps its own cursor, starting at the newest entry when the
// dispatcher starts; a failed delivery is retried on the next pass.
type WebhookDispatcher struct {
	source   ActionSource
	webhooks []config.Webhook
	client   *http.Client
	log      *slog.Logger
	interval time.Duration
	mu       sync.Mutex
	cursors  map[int]int64
}

func NewWebhookDispatcher(source ActionSource, hooks []config.Webhook, log *slog.Logger) *WebhookDispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookDispatcher{
		source:   source,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		log:      log,
		interval: defaultWebhookInterval,
		cursors:  make(map[int]int64),
	}
}

// Run delivers until ctx is done. It returns immediately when no hook is
// configured.
func (d *WebhookDispatcher) Run(ctx context.Context) error {
	if len(d.webhooks) == 0 {
		return nil
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchAll runs one delivery pass over every enabled hook.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if !hook.IsEnabled() || strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.Webhook) {
	cursor := d.cursorFor(ctx, idx)
	entries, err := d.source.ActionsAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		d.log.Error("webhook: fetch actions failed", "error", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, entry := range entries {
		if !filter.match(string(entry.Action)) {
			d.setCursor(idx, entry.ID)
			continue
		}
		if err := d.postEntry(ctx, hook, entry); err != nil {
			d.log.Warn("webhook: delivery failed", "url", hook.URL, "action_id", entry.ID, "error", err)
			return
		}
		d.setCursor(idx, entry.ID)
	}
}

func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.source.LatestActionID(ctx)
	if err != nil {
		d.log.Error("webhook: init cursor failed", "error", err)
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

type webhookEvent struct {
	ID           int64           `json:"id"`
	Action       string          `json:"action"`
	RecordID     int64           `json:"record_id"`
	IdentifierID string          `json:"identifier_id,omitempty"`
	StateBefore  string          `json:"state_before"`
	StateAfter   string          `json:"state_after"`
	ActorID      string          `json:"actor_id"`
	TS           string          `json:"ts"`
	Details      json.RawMessage `json:"details"`
}

func (d *WebhookDispatcher) postEntry(ctx context.Context, hook config.Webhook, entry domain.ActionLogEntry) error {
	details := json.RawMessage("{}")
	if len(entry.Details) > 0 {
		b, err := json.Marshal(entry.Details)
		if err != nil {
			return err
		}
		details = b
	}
	body := webhookEvent{
		ID:          entry.ID,
		Action:      string(entry.Action),
		RecordID:    entry.RecordID,
		StateBefore: string(entry.StateBefore),
		StateAfter:  string(entry.StateAfter),
		ActorID:     entry.ActorID,
		TS:          entry.TS,
		Details:     details,
	}
	if entry.IdentifierID != nil {
		body.IdentifierID = *entry.IdentifierID
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
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout, Transport: d.client.Transport}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Pidline-Event", string(entry.Action))
	req.Header.Set("X-Pidline-Delivery", strconv.FormatInt(entry.ID, 10))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Pidline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

// eventFilter matches action names against glob patterns such as
// "mint" or "*_failed". No patterns means every action.
type eventFilter []string

func newEventFilter(events []string) eventFilter {
	var f eventFilter
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			f = append(f, key)
		}
	}
	return f
}

func (f eventFilter) match(evt string) bool {
	if len(f) == 0 {
		return true
	}
	for _, pattern := range f {
		if ok, _ := path.Match(pattern, evt); ok {
			return true
		}
	}
	return false
}
