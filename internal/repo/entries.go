package repo

import (
	"context"
	"database/sql"

	"svsettings/internal/domain"
)

func scanEntry(row *sql.Row) (domain.ConfigEntry, error) {
	var e domain.ConfigEntry
	err := row.Scan(&e.InstanceID, &e.Key, &e.ValueJSON, &e.Version, &e.UpdatedAt, &e.UpdatedBy)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, wrapStorage("get entry", err)
	}
	return e, nil
}

// GetEntry returns the live entry for key. Soft-deleted entries read as
// absent.
func (r Repo) GetEntry(ctx context.Context, instanceID, key string) (domain.ConfigEntry, error) {
	return scanEntry(r.DB.QueryRowContext(ctx,
		`SELECT instance_id,key,value_json,version,updated_at,COALESCE(updated_by,'') FROM config_entries WHERE instance_id=? AND key=? AND deleted=0`,
		instanceID, key))
}

func (r Repo) GetEntryTx(ctx context.Context, tx *sql.Tx, instanceID, key string) (domain.ConfigEntry, error) {
	return scanEntry(tx.QueryRowContext(ctx,
		`SELECT instance_id,key,value_json,version,updated_at,COALESCE(updated_by,'') FROM config_entries WHERE instance_id=? AND key=? AND deleted=0`,
		instanceID, key))
}

func (r Repo) ListEntries(ctx context.Context, instanceID string) ([]domain.ConfigEntry, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT instance_id,key,value_json,version,updated_at,COALESCE(updated_by,'') FROM config_entries WHERE instance_id=? AND deleted=0 ORDER BY key`,
		instanceID)
	if err != nil {
		return nil, wrapStorage("list entries", err)
	}
	defer rows.Close()
	var res []domain.ConfigEntry
	for rows.Next() {
		var e domain.ConfigEntry
		if err := rows.Scan(&e.InstanceID, &e.Key, &e.ValueJSON, &e.Version, &e.UpdatedAt, &e.UpdatedBy); err != nil {
			return nil, wrapStorage("scan entry", err)
		}
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage("list entries", err)
	}
	return res, nil
}

// PutEntryTx writes one entry. When expectedVersion is positive it must
// match the current live version or ErrVersionConflict is returned; a
// soft-deleted row counts as absent, so only expectedVersion 0 writes
// over it. The stored version always advances past the prior row's.
func (r Repo) PutEntryTx(ctx context.Context, tx *sql.Tx, e domain.ConfigEntry, expectedVersion int64) (domain.ConfigEntry, error) {
	var (
		current int64
		deleted int
	)
	err := tx.QueryRowContext(ctx,
		`SELECT version, deleted FROM config_entries WHERE instance_id=? AND key=?`,
		e.InstanceID, e.Key).Scan(&current, &deleted)
	switch {
	case err == sql.ErrNoRows:
		current, deleted = 0, 0
	case err != nil:
		return domain.ConfigEntry{}, wrapStorage("read entry version", err)
	}
	live := current
	if deleted == 1 {
		live = 0
	}
	if expectedVersion > 0 && expectedVersion != live {
		return domain.ConfigEntry{}, ErrVersionConflict
	}
	e.Version = current + 1
	_, err = tx.ExecContext(ctx,
		`INSERT INTO config_entries(instance_id,key,value_json,version,deleted,updated_at,updated_by)
		 VALUES (?,?,?,?,0,?,?)
		 ON CONFLICT(instance_id,key) DO UPDATE SET
		   value_json=excluded.value_json,
		   version=excluded.version,
		   deleted=0,
		   updated_at=excluded.updated_at,
		   updated_by=excluded.updated_by`,
		e.InstanceID, e.Key, e.ValueJSON, e.Version, e.UpdatedAt, e.UpdatedBy)
	if err != nil {
		return domain.ConfigEntry{}, wrapStorage("put entry", err)
	}
	return e, nil
}

// SoftDeleteEntryTx marks the entry deleted, keeping the row for audit
// joins and version continuity.
func (r Repo) SoftDeleteEntryTx(ctx context.Context, tx *sql.Tx, instanceID, key, updatedAt, updatedBy string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE config_entries SET deleted=1, version=version+1, updated_at=?, updated_by=? WHERE instance_id=? AND key=? AND deleted=0`,
		updatedAt, updatedBy, instanceID, key)
	if err != nil {
		return wrapStorage("delete entry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
