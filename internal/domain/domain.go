package domain

// Scopes accepted in JWT claims and API key records. ScopeAdmin implies
// every other scope.
const (
	ScopeConfigRead    = "config.read"
	ScopeConfigWrite   = "config.write"
	ScopeInstanceAdmin = "instance.admin"
	ScopeAdmin         = "admin"
)

// ValidScope reports whether s is a known authorization scope.
func ValidScope(s string) bool {
	switch s {
	case ScopeConfigRead, ScopeConfigWrite, ScopeInstanceAdmin, ScopeAdmin:
		return true
	}
	return false
}

// Instance is a named supervisor deployment whose settings are
// independently scoped.
type Instance struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	StatusURL   string `json:"status_url,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// ConfigEntry is one desired-configuration record for an instance. The
// value is stored as its JSON encoding; decoding happens at the API edge.
type ConfigEntry struct {
	InstanceID string `json:"instance_id"`
	Key        string `json:"key"`
	ValueJSON  string `json:"value_json"`
	Version    int64  `json:"version"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
	UpdatedBy  string `json:"updated_by,omitempty"`
}

// StatusSnapshot is an externally sourced observation of supervisor
// health. It is never persisted by this layer.
type StatusSnapshot struct {
	CollectedAt   string            `json:"collected_at,omitempty" format:"date-time"`
	LastHeartbeat string            `json:"last_heartbeat,omitempty" format:"date-time"`
	RunsActive    int               `json:"runs_active"`
	RunsQueued    int               `json:"runs_queued"`
	Components    map[string]string `json:"components,omitempty"`
}

// StatusView combines the persisted configuration set with the latest
// snapshot. StatusAvailable is false when the status source was
// unreachable or unconfigured; the configuration portion is always
// populated.
type StatusView struct {
	InstanceID      string
	Config          []ConfigEntry
	Snapshot        *StatusSnapshot
	StatusAvailable bool
	StatusReason    string
}

type APIKey struct {
	ID        string   `json:"id"`
	ActorID   string   `json:"actor_id"`
	Name      string   `json:"name,omitempty"`
	KeyHash   string   `json:"key_hash"`
	Scopes    []string `json:"scopes"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

// AuditEvent records one configuration change.
type AuditEvent struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	InstanceID   string `json:"instance_id"`
	Key          string `json:"key,omitempty"`
	Action       string `json:"action"`
	ActorID      string `json:"actor_id"`
	OldValueJSON string `json:"old_value_json,omitempty"`
	NewValueJSON string `json:"new_value_json,omitempty"`
}
