package server

import (
	"encoding/json"

	"svsettings/internal/domain"
	"svsettings/internal/registry"
)

// Request payloads

type CreateInstanceRequest struct {
	ID          string  `json:"id"`
	Description *string `json:"description,omitempty"`
	StatusURL   *string `json:"status_url,omitempty" format:"uri"`
}

// UpdateInstanceRequest carries partial updates; omitted fields keep
// their stored value.
type UpdateInstanceRequest struct {
	Description *string `json:"description,omitempty"`
	StatusURL   *string `json:"status_url,omitempty"`
}

type PutConfigRequest struct {
	Value any `json:"value"`
	// ExpectedVersion, when positive, makes the write conditional on
	// the stored version.
	ExpectedVersion int64 `json:"expected_version,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string   `json:"actor_id,omitempty"`
	Name    string   `json:"name,omitempty"`
	Scopes  []string `json:"scopes,omitempty"`
}

// Response payloads

type InstanceResponse struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	StatusURL   string `json:"status_url,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type ConfigEntryResponse struct {
	Key       string `json:"key"`
	Value     any    `json:"value"`
	Version   int64  `json:"version"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
	UpdatedBy string `json:"updated_by,omitempty"`
}

type StatusResponse struct {
	InstanceID      string                 `json:"instance_id"`
	Config          []ConfigEntryResponse  `json:"config"`
	Status          *domain.StatusSnapshot `json:"status,omitempty"`
	StatusAvailable bool                   `json:"status_available"`
	StatusReason    string                 `json:"status_reason,omitempty"`
}

type AuditEventResponse struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts" format:"date-time"`
	Key      string `json:"key,omitempty"`
	Action   string `json:"action"`
	ActorID  string `json:"actor_id"`
	OldValue any    `json:"old_value,omitempty"`
	NewValue any    `json:"new_value,omitempty"`
}

type EventsResponse struct {
	Items     []AuditEventResponse `json:"items"`
	NextAfter int64                `json:"next_after"`
}

type RuleResponse struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Default     any      `json:"default,omitempty"`
	Min         *int64   `json:"min,omitempty"`
	Max         *int64   `json:"max,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

type APIKeyResponse struct {
	ID        string   `json:"id"`
	ActorID   string   `json:"actor_id"`
	Name      string   `json:"name,omitempty"`
	Scopes    []string `json:"scopes"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

// APIKeyCreatedResponse carries the one-time secret; it is never
// retrievable again.
type APIKeyCreatedResponse struct {
	ID      string   `json:"id"`
	ActorID string   `json:"actor_id"`
	Name    string   `json:"name,omitempty"`
	Scopes  []string `json:"scopes"`
	Secret  string   `json:"secret"`
}

func instanceResponse(in domain.Instance) InstanceResponse {
	return InstanceResponse{
		ID:          in.ID,
		Description: in.Description,
		StatusURL:   in.StatusURL,
		CreatedAt:   in.CreatedAt,
	}
}

func entryResponse(e domain.ConfigEntry) ConfigEntryResponse {
	var value any
	_ = json.Unmarshal([]byte(e.ValueJSON), &value)
	return ConfigEntryResponse{
		Key:       e.Key,
		Value:     value,
		Version:   e.Version,
		UpdatedAt: e.UpdatedAt,
		UpdatedBy: e.UpdatedBy,
	}
}

func statusResponse(view domain.StatusView) StatusResponse {
	config := make([]ConfigEntryResponse, 0, len(view.Config))
	for _, e := range view.Config {
		config = append(config, entryResponse(e))
	}
	return StatusResponse{
		InstanceID:      view.InstanceID,
		Config:          config,
		Status:          view.Snapshot,
		StatusAvailable: view.StatusAvailable,
		StatusReason:    view.StatusReason,
	}
}

func eventsResponse(items []domain.AuditEvent, after int64) EventsResponse {
	out := EventsResponse{Items: make([]AuditEventResponse, 0, len(items)), NextAfter: after}
	for _, ev := range items {
		resp := AuditEventResponse{
			ID:      ev.ID,
			TS:      ev.TS,
			Key:     ev.Key,
			Action:  ev.Action,
			ActorID: ev.ActorID,
		}
		if ev.OldValueJSON != "" {
			_ = json.Unmarshal([]byte(ev.OldValueJSON), &resp.OldValue)
		}
		if ev.NewValueJSON != "" {
			_ = json.Unmarshal([]byte(ev.NewValueJSON), &resp.NewValue)
		}
		out.Items = append(out.Items, resp)
		out.NextAfter = ev.ID
	}
	return out
}

func ruleResponse(rule registry.Rule) RuleResponse {
	return RuleResponse{
		Type:        rule.Type,
		Description: rule.Description,
		Default:     rule.Default,
		Min:         rule.Min,
		Max:         rule.Max,
		Enum:        rule.Enum,
	}
}
