// Package registry holds the catalog of known supervisor settings and
// validates values against it before anything reaches storage.
package registry

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Setting value types.
const (
	TypeInt    = "int"
	TypeBool   = "bool"
	TypeString = "string"
	TypeEnum   = "enum"
	TypeURI    = "uri"
	TypeJSON   = "json"
)

// Rule describes one known setting: its type, constraints and optional
// default seeded on instance creation.
type Rule struct {
	Type        string   `yaml:"type" json:"type"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Default     any      `yaml:"default,omitempty" json:"default,omitempty"`
	Min         *int64   `yaml:"min,omitempty" json:"min,omitempty"`
	Max         *int64   `yaml:"max,omitempty" json:"max,omitempty"`
	Enum        []string `yaml:"enum,omitempty" json:"enum,omitempty"`
}

// Registry is the set of settings this deployment accepts.
type Registry struct {
	Settings map[string]Rule `yaml:"settings"`
}

// ValidationError reports why a value was rejected. Issues are
// human-readable and safe to return to API clients.
type ValidationError struct {
	Key    string
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("setting %q: %s", e.Key, strings.Join(e.Issues, "; "))
}

// Keys returns the known setting keys in sorted order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.Settings))
	for k := range r.Settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Rule returns the rule for key, if known.
func (r *Registry) Rule(key string) (Rule, bool) {
	rule, ok := r.Settings[key]
	return rule, ok
}

// ValidateValue checks value against the rule for key. A nil return
// means the value is acceptable as-is.
func (r *Registry) ValidateValue(key string, value any) *ValidationError {
	rule, ok := r.Settings[key]
	if !ok {
		return &ValidationError{Key: key, Issues: []string{"unknown setting key"}}
	}
	var issues []string
	switch rule.Type {
	case TypeInt:
		n, ok := intValue(value)
		if !ok {
			issues = append(issues, fmt.Sprintf("expected integer, got %T", value))
			break
		}
		if rule.Min != nil && n < *rule.Min {
			issues = append(issues, fmt.Sprintf("value %d below minimum %d", n, *rule.Min))
		}
		if rule.Max != nil && n > *rule.Max {
			issues = append(issues, fmt.Sprintf("value %d above maximum %d", n, *rule.Max))
		}
	case TypeBool:
		if _, ok := value.(bool); !ok {
			issues = append(issues, fmt.Sprintf("expected boolean, got %T", value))
		}
	case TypeString:
		if _, ok := value.(string); !ok {
			issues = append(issues, fmt.Sprintf("expected string, got %T", value))
		}
	case TypeEnum:
		s, ok := value.(string)
		if !ok {
			issues = append(issues, fmt.Sprintf("expected string, got %T", value))
			break
		}
		found := false
		for _, e := range rule.Enum {
			if s == e {
				found = true
				break
			}
		}
		if !found {
			issues = append(issues, fmt.Sprintf("value %q not one of [%s]", s, strings.Join(rule.Enum, ", ")))
		}
	case TypeURI:
		s, ok := value.(string)
		if !ok {
			issues = append(issues, fmt.Sprintf("expected string, got %T", value))
			break
		}
		u, err := url.Parse(s)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			issues = append(issues, "expected an absolute http or https URL")
		}
	case TypeJSON:
		switch value.(type) {
		case map[string]any, []any:
		default:
			issues = append(issues, fmt.Sprintf("expected JSON object or array, got %T", value))
		}
	default:
		issues = append(issues, fmt.Sprintf("rule has unsupported type %q", rule.Type))
	}
	if len(issues) > 0 {
		return &ValidationError{Key: key, Issues: issues}
	}
	return nil
}

// intValue accepts the shapes an integer takes after JSON or YAML
// decoding.
func intValue(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}

// Validate checks the catalog itself for structural problems.
func (r *Registry) Validate() error {
	if len(r.Settings) == 0 {
		return fmt.Errorf("registry has no settings")
	}
	for key, rule := range r.Settings {
		switch rule.Type {
		case TypeInt, TypeBool, TypeString, TypeEnum, TypeURI, TypeJSON:
		default:
			return fmt.Errorf("setting %q: unsupported type %q", key, rule.Type)
		}
		if rule.Type == TypeEnum && len(rule.Enum) == 0 {
			return fmt.Errorf("setting %q: enum type requires enum values", key)
		}
		if rule.Type != TypeEnum && len(rule.Enum) > 0 {
			return fmt.Errorf("setting %q: enum values only valid for enum type", key)
		}
		if (rule.Min != nil || rule.Max != nil) && rule.Type != TypeInt {
			return fmt.Errorf("setting %q: min/max only valid for int type", key)
		}
		if rule.Min != nil && rule.Max != nil && *rule.Min > *rule.Max {
			return fmt.Errorf("setting %q: min %d above max %d", key, *rule.Min, *rule.Max)
		}
		if rule.Default != nil {
			if verr := r.ValidateValue(key, normalizeYAML(rule.Default)); verr != nil {
				return fmt.Errorf("setting %q: default rejected: %w", key, verr)
			}
		}
	}
	return nil
}

// normalizeYAML maps YAML decode shapes onto the JSON shapes the
// validator expects.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}

// FromYAML parses and validates a registry document.
func FromYAML(data []byte) (*Registry, error) {
	var r Registry
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}
