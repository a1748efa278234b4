package svsettingssdk

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

// Client is a minimal settings HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Instance represents a registered supervisor deployment.
type Instance struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	StatusURL   string `json:"status_url,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// ConfigEntry represents one setting with its version token.
type ConfigEntry struct {
	Key       string `json:"key"`
	Value     any    `json:"value"`
	Version   int64  `json:"version"`
	UpdatedAt string `json:"updated_at"`
	UpdatedBy string `json:"updated_by,omitempty"`
}

// StatusSnapshot is the supervisor health portion of a status view.
type StatusSnapshot struct {
	CollectedAt   string            `json:"collected_at,omitempty"`
	LastHeartbeat string            `json:"last_heartbeat,omitempty"`
	RunsActive    int               `json:"runs_active"`
	RunsQueued    int               `json:"runs_queued"`
	Components    map[string]string `json:"components,omitempty"`
}

// StatusView is the combined configuration and health response.
type StatusView struct {
	InstanceID      string          `json:"instance_id"`
	Config          []ConfigEntry   `json:"config"`
	Status          *StatusSnapshot `json:"status,omitempty"`
	StatusAvailable bool            `json:"status_available"`
	StatusReason    string          `json:"status_reason,omitempty"`
}

// AuditEvent is one audit trail entry.
type AuditEvent struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts"`
	Key      string `json:"key,omitempty"`
	Action   string `json:"action"`
	ActorID  string `json:"actor_id"`
	OldValue any    `json:"old_value,omitempty"`
	NewValue any    `json:"new_value,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Instances lists registered instances.
func (c *Client) Instances(ctx context.Context) ([]Instance, error) {
	var resp []Instance
	err := c.do(ctx, http.MethodGet, "v1/instances", nil, &resp)
	return resp, err
}

// CreateInstance registers an instance.
func (c *Client) CreateInstance(ctx context.Context, id, description, statusURL string) (Instance, error) {
	body := map[string]any{"id": id}
	if description != "" {
		body["description"] = description
	}
	if statusURL != "" {
		body["status_url"] = statusURL
	}
	var resp Instance
	err := c.do(ctx, http.MethodPost, "v1/instances", body, &resp)
	return resp, err
}

// UpdateInstance changes an instance's description or status source.
// Nil fields keep their stored value.
func (c *Client) UpdateInstance(ctx context.Context, id string, description, statusURL *string) (Instance, error) {
	body := map[string]any{}
	if description != nil {
		body["description"] = *description
	}
	if statusURL != nil {
		body["status_url"] = *statusURL
	}
	var resp Instance
	err := c.do(ctx, http.MethodPut, "v1/instances/"+url.PathEscape(id), body, &resp)
	return resp, err
}

// ListEntries returns all live settings for an instance.
func (c *Client) ListEntries(ctx context.Context, instanceID string) ([]ConfigEntry, error) {
	var resp []ConfigEntry
	err := c.do(ctx, http.MethodGet, c.instancePath(instanceID, "config"), nil, &resp)
	return resp, err
}

// GetEntry returns one setting.
func (c *Client) GetEntry(ctx context.Context, instanceID, key string) (ConfigEntry, error) {
	var resp ConfigEntry
	err := c.do(ctx, http.MethodGet, c.instancePath(instanceID, "config/"+url.PathEscape(key)), nil, &resp)
	return resp, err
}

// PutEntry writes one setting. Pass expectedVersion 0 for an
// unconditional write.
func (c *Client) PutEntry(ctx context.Context, instanceID, key string, value any, expectedVersion int64) (ConfigEntry, error) {
	body := map[string]any{"value": value}
	if expectedVersion > 0 {
		body["expected_version"] = expectedVersion
	}
	var resp ConfigEntry
	err := c.do(ctx, http.MethodPut, c.instancePath(instanceID, "config/"+url.PathEscape(key)), body, &resp)
	return resp, err
}

// DeleteEntry removes one setting.
func (c *Client) DeleteEntry(ctx context.Context, instanceID, key string) error {
	return c.do(ctx, http.MethodDelete, c.instancePath(instanceID, "config/"+url.PathEscape(key)), nil, nil)
}

// Status returns the combined configuration and health view.
func (c *Client) Status(ctx context.Context, instanceID string) (StatusView, error) {
	var resp StatusView
	err := c.do(ctx, http.MethodGet, c.instancePath(instanceID, "status"), nil, &resp)
	return resp, err
}

// Events returns audit events with id greater than after.
func (c *Client) Events(ctx context.Context, instanceID string, after int64, limit int) ([]AuditEvent, error) {
	endpoint := c.instancePath(instanceID, "events")
	sep := "?"
	if after > 0 {
		endpoint = fmt.Sprintf("%s%safter=%d", endpoint, sep, after)
		sep = "&"
	}
	if limit > 0 {
		endpoint = fmt.Sprintf("%s%slimit=%d", endpoint, sep, limit)
	}
	var resp struct {
		Items []AuditEvent `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
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
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) instancePath(instanceID, p string) string {
	return fmt.Sprintf("v1/instances/%s/%s", url.PathEscape(instanceID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
