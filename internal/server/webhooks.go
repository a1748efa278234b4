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

	"svsettings/internal/domain"
	"svsettings/internal/engine"
	"svsettings/internal/log"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookDispatcher tails the audit trail and delivers new events to
// each instance's webhook_url setting. Delivery stops at the first
// failed POST so the cursor never skips an event.
type webhookDispatcher struct {
	engine engine.Engine
	client *http.Client

	mu      sync.Mutex
	cursors map[string]int64
}

func startWebhookDispatcher(ctx context.Context, e engine.Engine) {
	d := &webhookDispatcher{
		engine:  e,
		client:  &http.Client{Timeout: defaultWebhookTimeout},
		cursors: make(map[string]int64),
	}
	go d.run(ctx)
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	logger := log.WithComponent("webhooks")
	instances, err := d.engine.Repo.ListInstances(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("list instances failed")
		return
	}
	for _, in := range instances {
		url := d.webhookURL(ctx, in.ID)
		if url == "" {
			continue
		}
		d.dispatchInstance(ctx, in.ID, url)
	}
}

// webhookURL reads the live webhook_url setting, empty when unset.
func (d *webhookDispatcher) webhookURL(ctx context.Context, instanceID string) string {
	entry, err := d.engine.Repo.GetEntry(ctx, instanceID, "webhook_url")
	if err != nil {
		return ""
	}
	var url string
	if err := json.Unmarshal([]byte(entry.ValueJSON), &url); err != nil {
		return ""
	}
	return strings.TrimSpace(url)
}

func (d *webhookDispatcher) dispatchInstance(ctx context.Context, instanceID, url string) {
	logger := log.WithComponent("webhooks")
	cursor := d.cursorFor(ctx, instanceID)
	events, err := d.engine.Repo.EventsAfter(ctx, instanceID, cursor, defaultWebhookBatch)
	if err != nil {
		logger.Warn().Err(err).Str("instance", instanceID).Msg("fetch events failed")
		return
	}
	for _, evt := range events {
		if err := d.postEvent(ctx, url, evt); err != nil {
			logger.Warn().Err(err).Str("url", url).Msg("deliver failed")
			return
		}
		d.setCursor(instanceID, evt.ID)
	}
}

// cursorFor initializes each instance's cursor at the current head so
// only events after dispatcher start are delivered.
func (d *webhookDispatcher) cursorFor(ctx context.Context, instanceID string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[instanceID]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestEventID(ctx, instanceID)
	if err != nil {
		logger := log.WithComponent("webhooks")
		logger.Warn().Err(err).Msg("init cursor failed")
		cur = 0
	}
	d.cursors[instanceID] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(instanceID string, value int64) {
	d.mu.Lock()
	d.cursors[instanceID] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Action     string          `json:"action"`
	InstanceID string          `json:"instance_id"`
	Key        string          `json:"key,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	OldValue   json.RawMessage `json:"old_value,omitempty"`
	NewValue   json.RawMessage `json:"new_value,omitempty"`
}

func (d *webhookDispatcher) postEvent(ctx context.Context, url string, evt domain.AuditEvent) error {
	body := webhookEvent{
		ID:         evt.ID,
		Action:     evt.Action,
		InstanceID: evt.InstanceID,
		Key:        evt.Key,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
	}
	if json.Valid([]byte(evt.OldValueJSON)) {
		body.OldValue = json.RawMessage(evt.OldValueJSON)
	}
	if json.Valid([]byte(evt.NewValueJSON)) {
		body.NewValue = json.RawMessage(evt.NewValueJSON)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Svsettings-Event", evt.Action)
	req.Header.Set("X-Svsettings-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Svsettings-Instance", evt.InstanceID)
	res, err := d.client.Do(req)
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
