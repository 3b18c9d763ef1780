package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unbracketed/prunejuice/internal/config"
	"github.com/unbracketed/prunejuice/internal/domain"
	"github.com/unbracketed/prunejuice/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookDispatcher tails the event log and posts new entries to the
// configured endpoints. Delivery is at-least-once per endpoint; each
// endpoint keeps its own cursor.
type webhookDispatcher struct {
	repo      repo.Repo
	projectID int64
	webhooks  []config.WebhookConfig
	client    *http.Client
	log       *zap.Logger
	mu        sync.Mutex
	cursors   map[int]int64
}

func startWebhookDispatcher(r repo.Repo, project domain.Project, webhooks []config.WebhookConfig, log *zap.Logger) {
	if len(webhooks) == 0 {
		return
	}
	d := &webhookDispatcher{
		repo:      r,
		projectID: project.ID,
		webhooks:  webhooks,
		client:    &http.Client{Timeout: defaultWebhookTimeout},
		log:       log,
		cursors:   make(map[int]int64),
	}
	go d.run()
}

func (d *webhookDispatcher) run() {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		<-ticker.C
	}
}

func (d *webhookDispatcher) dispatchAll() {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(idx int, hook config.WebhookConfig) {
	ctx := context.Background()
	cursor := d.cursorFor(idx)
	events, err := d.repo.EventsAfter(ctx, d.projectID, cursor, defaultWebhookBatch)
	if err != nil {
		d.log.Warn("webhook: fetch events", zap.Error(err))
		return
	}
	filter := newActionFilter(hook.Actions)
	for _, evt := range events {
		if !filter.match(evt.Action) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.log.Warn("webhook: deliver", zap.String("url", hook.URL), zap.Error(err))
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *webhookDispatcher) cursorFor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.repo.LatestEventID(context.Background(), d.projectID)
	if err != nil {
		d.log.Warn("webhook: init cursor", zap.Error(err))
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID          int64           `json:"id"`
	Action      string          `json:"action"`
	Status      string          `json:"status"`
	WorkspaceID *int64          `json:"workspace_id,omitempty"`
	Timestamp   string          `json:"timestamp"`
	Details     json.RawMessage `json:"details"`
	DetailsRaw  string          `json:"details_raw,omitempty"`
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	details := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Details != "" {
		if json.Valid([]byte(evt.Details)) {
			details = json.RawMessage([]byte(evt.Details))
		} else {
			raw = evt.Details
		}
	}
	body := webhookEvent{
		ID:          evt.ID,
		Action:      evt.Action,
		Status:      evt.Status,
		WorkspaceID: evt.WorkspaceID,
		Timestamp:   evt.Timestamp,
		Details:     details,
		DetailsRaw:  raw,
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
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Prunejuice-Action", evt.Action)
	req.Header.Set("X-Prunejuice-Delivery", fmt.Sprintf("%d", evt.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Prunejuice-Secret", hook.Secret)
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

type actionFilter struct {
	all bool
	set map[string]struct{}
}

func newActionFilter(actions []string) actionFilter {
	if len(actions) == 0 {
		return actionFilter{all: true}
	}
	set := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		key := strings.TrimSpace(a)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return actionFilter{all: true}
	}
	return actionFilter{set: set}
}

func (f actionFilter) match(action string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[action]
	return ok
}
