// Package audit appends configuration-change events inside the same
// transaction as the change itself.
package audit

import (
	"context"
	"database/sql"
	"time"
)

// Actions recorded in the audit trail.
const (
	ActionInstanceCreate = "instance.create"
	ActionInstanceUpdate = "instance.update"
	ActionInstanceDelete = "instance.delete"
	ActionConfigCreate   = "config.create"
	ActionConfigUpdate   = "config.update"
	ActionConfigDelete   = "config.delete"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) now() string {
	if w.Now != nil {
		return w.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// Append records one event. Pass the transaction carrying the change so
// the event commits or rolls back with it.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, action, instanceID, key, actorID, oldJSON, newJSON string) error {
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return w.DB.ExecContext(ctx, query, args...)
	}
	_, err := exec(
		`INSERT INTO config_events(ts,instance_id,key,action,actor_id,old_value_json,new_value_json) VALUES (?,?,?,?,?,?,?)`,
		w.now(), instanceID, key, action, actorID, nullIfEmpty(oldJSON), nullIfEmpty(newJSON))
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
