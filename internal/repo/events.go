package repo

import (
	"context"
	"database/sql"

	"svsettings/internal/domain"
)

// EventsAfter returns up to limit audit events for an instance with an
// id greater than afterID, oldest first.
func (r Repo) EventsAfter(ctx context.Context, instanceID string, afterID int64, limit int) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,ts,instance_id,key,action,actor_id,COALESCE(old_value_json,''),COALESCE(new_value_json,'')
		 FROM config_events WHERE instance_id=? AND id>? ORDER BY id ASC LIMIT ?`,
		instanceID, afterID, limit)
	if err != nil {
		return nil, wrapStorage("list events", err)
	}
	defer rows.Close()
	var res []domain.AuditEvent
	for rows.Next() {
		var ev domain.AuditEvent
		if err := rows.Scan(&ev.ID, &ev.TS, &ev.InstanceID, &ev.Key, &ev.Action, &ev.ActorID, &ev.OldValueJSON, &ev.NewValueJSON); err != nil {
			return nil, wrapStorage("scan event", err)
		}
		res = append(res, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage("list events", err)
	}
	return res, nil
}

// LatestEventID returns the highest event id for an instance, 0 when
// the instance has no events yet.
func (r Repo) LatestEventID(ctx context.Context, instanceID string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM config_events WHERE instance_id=?`, instanceID).Scan(&id)
	if err != nil && err != sql.ErrNoRows {
		return 0, wrapStorage("latest event id", err)
	}
	return id, nil
}
