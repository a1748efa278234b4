package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"svsettings/internal/audit"
	"svsettings/internal/domain"
	"svsettings/internal/metrics"
	"svsettings/internal/registry"
	"svsettings/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Audit    audit.Writer
	Registry *registry.Registry
	Now      func() time.Time
}

func New(db *sql.DB, reg *registry.Registry) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Audit:    audit.Writer{DB: db},
		Registry: reg,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// CreateInstance registers an instance and seeds every registry default
// as its initial configuration, all in one transaction.
func (e Engine) CreateInstance(ctx context.Context, id, description, statusURL, actorID string) (domain.Instance, error) {
	if !instanceIDPattern.MatchString(id) {
		return domain.Instance{}, errors.New("invalid instance id: must be lowercase alphanumeric with . _ -")
	}
	if _, err := e.Repo.GetInstance(ctx, id); err == nil {
		return domain.Instance{}, fmt.Errorf("instance %s already exists", id)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Instance{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Instance{}, err
	}
	defer tx.Rollback()

	in := domain.Instance{
		ID:          id,
		Description: description,
		StatusURL:   statusURL,
		CreatedAt:   e.nowRFC3339(),
	}
	if err := e.Repo.InsertInstanceTx(ctx, tx, in); err != nil {
		return domain.Instance{}, fmt.Errorf("insert instance: %w", err)
	}
	if err := e.seedDefaultsTx(ctx, tx, id, actorID); err != nil {
		return domain.Instance{}, fmt.Errorf("seed defaults: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, audit.ActionInstanceCreate, id, "", actorID, "", ""); err != nil {
		return domain.Instance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Instance{}, err
	}
	metrics.ConfigWritesTotal.WithLabelValues(audit.ActionInstanceCreate).Inc()
	return in, nil
}

func (e Engine) seedDefaultsTx(ctx context.Context, tx *sql.Tx, instanceID, actorID string) error {
	now := e.nowRFC3339()
	for _, key := range e.Registry.Keys() {
		rule, _ := e.Registry.Rule(key)
		if rule.Default == nil {
			continue
		}
		payload, err := json.Marshal(rule.Default)
		if err != nil {
			return fmt.Errorf("encode default for %s: %w", key, err)
		}
		entry := domain.ConfigEntry{
			InstanceID: instanceID,
			Key:        key,
			ValueJSON:  string(payload),
			UpdatedAt:  now,
			UpdatedBy:  actorID,
		}
		if _, err := e.Repo.PutEntryTx(ctx, tx, entry, 0); err != nil {
			return err
		}
	}
	return nil
}

func (e Engine) GetInstance(ctx context.Context, id string) (domain.Instance, error) {
	return e.Repo.GetInstance(ctx, id)
}

func (e Engine) ListInstances(ctx context.Context) ([]domain.Instance, error) {
	return e.Repo.ListInstances(ctx)
}

// UpdateInstance changes an instance's description or status source.
// Nil fields keep their stored value.
func (e Engine) UpdateInstance(ctx context.Context, id string, description, statusURL *string, actorID string) (domain.Instance, error) {
	old, err := e.Repo.GetInstance(ctx, id)
	if err != nil {
		return domain.Instance{}, err
	}
	if description == nil && statusURL == nil {
		return old, nil
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Instance{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateInstanceTx(ctx, tx, id, description, statusURL); err != nil {
		return domain.Instance{}, err
	}
	updated := old
	if description != nil {
		updated.Description = *description
	}
	if statusURL != nil {
		updated.StatusURL = *statusURL
	}
	oldJSON, _ := json.Marshal(map[string]string{"description": old.Description, "status_url": old.StatusURL})
	newJSON, _ := json.Marshal(map[string]string{"description": updated.Description, "status_url": updated.StatusURL})
	if err := e.Audit.Append(ctx, tx, audit.ActionInstanceUpdate, id, "", actorID, string(oldJSON), string(newJSON)); err != nil {
		return domain.Instance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Instance{}, err
	}
	metrics.ConfigWritesTotal.WithLabelValues(audit.ActionInstanceUpdate).Inc()
	return updated, nil
}

// DeleteInstance removes an instance and, via cascade, its entries. The
// audit trail keeps the instance's prior events.
func (e Engine) DeleteInstance(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.DeleteInstanceTx(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Audit.Append(ctx, tx, audit.ActionInstanceDelete, id, "", actorID, "", ""); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	metrics.ConfigWritesTotal.WithLabelValues(audit.ActionInstanceDelete).Inc()
	return nil
}

// SetOptions are parameters for writing one setting.
type SetOptions struct {
	InstanceID string
	Key        string
	Value      any
	// ExpectedVersion, when positive, must match the stored version.
	ExpectedVersion int64
	ActorID         string
}

// SetSetting validates and writes one setting atomically. Validation
// runs before any storage access, so a rejected value never mutates
// state.
func (e Engine) SetSetting(ctx context.Context, opts SetOptions) (domain.ConfigEntry, error) {
	if opts.InstanceID == "" {
		return domain.ConfigEntry{}, errors.New("instance is required")
	}
	if opts.Key == "" {
		return domain.ConfigEntry{}, errors.New("key is required")
	}
	if verr := e.Registry.ValidateValue(opts.Key, opts.Value); verr != nil {
		return domain.ConfigEntry{}, verr
	}
	if _, err := e.Repo.GetInstance(ctx, opts.InstanceID); err != nil {
		return domain.ConfigEntry{}, err
	}
	payload, err := json.Marshal(opts.Value)
	if err != nil {
		return domain.ConfigEntry{}, fmt.Errorf("encode value: %w", err)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ConfigEntry{}, err
	}
	defer tx.Rollback()

	action := audit.ActionConfigCreate
	oldJSON := ""
	if old, err := e.Repo.GetEntryTx(ctx, tx, opts.InstanceID, opts.Key); err == nil {
		action = audit.ActionConfigUpdate
		oldJSON = old.ValueJSON
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.ConfigEntry{}, err
	}

	entry := domain.ConfigEntry{
		InstanceID: opts.InstanceID,
		Key:        opts.Key,
		ValueJSON:  string(payload),
		UpdatedAt:  e.nowRFC3339(),
		UpdatedBy:  opts.ActorID,
	}
	entry, err = e.Repo.PutEntryTx(ctx, tx, entry, opts.ExpectedVersion)
	if err != nil {
		return domain.ConfigEntry{}, err
	}
	if err := e.Audit.Append(ctx, tx, action, opts.InstanceID, opts.Key, opts.ActorID, oldJSON, entry.ValueJSON); err != nil {
		return domain.ConfigEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ConfigEntry{}, err
	}
	metrics.ConfigWritesTotal.WithLabelValues(action).Inc()
	return entry, nil
}

func (e Engine) GetSetting(ctx context.Context, instanceID, key string) (domain.ConfigEntry, error) {
	if _, ok := e.Registry.Rule(key); !ok {
		return domain.ConfigEntry{}, &registry.ValidationError{Key: key, Issues: []string{"unknown setting key"}}
	}
	if _, err := e.Repo.GetInstance(ctx, instanceID); err != nil {
		return domain.ConfigEntry{}, err
	}
	return e.Repo.GetEntry(ctx, instanceID, key)
}

func (e Engine) ListSettings(ctx context.Context, instanceID string) ([]domain.ConfigEntry, error) {
	if _, err := e.Repo.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.Repo.ListEntries(ctx, instanceID)
}

// DeleteSetting soft-deletes one entry. The row stays for version
// continuity; reads treat it as absent.
func (e Engine) DeleteSetting(ctx context.Context, instanceID, key, actorID string) error {
	if _, ok := e.Registry.Rule(key); !ok {
		return &registry.ValidationError{Key: key, Issues: []string{"unknown setting key"}}
	}
	if _, err := e.Repo.GetInstance(ctx, instanceID); err != nil {
		return err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	old, err := e.Repo.GetEntryTx(ctx, tx, instanceID, key)
	if err != nil {
		return err
	}
	if err := e.Repo.SoftDeleteEntryTx(ctx, tx, instanceID, key, e.nowRFC3339(), actorID); err != nil {
		return err
	}
	if err := e.Audit.Append(ctx, tx, audit.ActionConfigDelete, instanceID, key, actorID, old.ValueJSON, ""); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	metrics.ConfigWritesTotal.WithLabelValues(audit.ActionConfigDelete).Inc()
	return nil
}

// Events returns the audit trail for an instance, oldest first.
func (e Engine) Events(ctx context.Context, instanceID string, afterID int64, limit int) ([]domain.AuditEvent, error) {
	if _, err := e.Repo.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.Repo.EventsAfter(ctx, instanceID, afterID, limit)
}

// CreateAPIKey mints a new key and returns the record plus the one-time
// secret. Only the hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string, scopes []string) (domain.APIKey, string, error) {
	if actorID == "" {
		return domain.APIKey{}, "", errors.New("actor_id is required")
	}
	if len(scopes) == 0 {
		scopes = []string{domain.ScopeConfigRead}
	}
	for _, s := range scopes {
		if !domain.ValidScope(s) {
			return domain.APIKey{}, "", fmt.Errorf("invalid scope %q", s)
		}
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	secret := "svs_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		Scopes:    scopes,
		CreatedAt: e.nowRFC3339(),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}
