package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"svsettings/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict means the caller supplied an expected version
	// that no longer matches the stored entry.
	ErrVersionConflict = errors.New("version conflict")
)

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanInstance(row *sql.Row) (domain.Instance, error) {
	var in domain.Instance
	err := row.Scan(&in.ID, &in.Description, &in.StatusURL, &in.CreatedAt)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	if err != nil {
		return in, wrapStorage("get instance", err)
	}
	return in, nil
}

func (r Repo) InsertInstanceTx(ctx context.Context, tx *sql.Tx, in domain.Instance) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO instances(id,description,status_url,created_at) VALUES (?,?,?,?)`,
		in.ID, in.Description, in.StatusURL, in.CreatedAt)
	return wrapStorage("insert instance", err)
}

func (r Repo) GetInstance(ctx context.Context, id string) (domain.Instance, error) {
	return scanInstance(r.DB.QueryRowContext(ctx, `SELECT id,description,status_url,created_at FROM instances WHERE id=?`, id))
}

// SingleInstance returns the only instance, for CLI use when none was
// named. It errors when zero or several exist.
func (r Repo) SingleInstance(ctx context.Context) (domain.Instance, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,description,status_url,created_at FROM instances`)
	if err != nil {
		return domain.Instance{}, wrapStorage("list instances", err)
	}
	defer rows.Close()
	var instances []domain.Instance
	for rows.Next() {
		var in domain.Instance
		if err := rows.Scan(&in.ID, &in.Description, &in.StatusURL, &in.CreatedAt); err != nil {
			return domain.Instance{}, wrapStorage("scan instance", err)
		}
		instances = append(instances, in)
	}
	if len(instances) == 0 {
		return domain.Instance{}, ErrNotFound
	}
	if len(instances) > 1 {
		return domain.Instance{}, fmt.Errorf("multiple instances exist; specify --instance")
	}
	return instances[0], nil
}

func (r Repo) ListInstances(ctx context.Context) ([]domain.Instance, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,description,status_url,created_at FROM instances ORDER BY created_at DESC`)
	if err != nil {
		return nil, wrapStorage("list instances", err)
	}
	defer rows.Close()
	var res []domain.Instance
	for rows.Next() {
		var in domain.Instance
		if err := rows.Scan(&in.ID, &in.Description, &in.StatusURL, &in.CreatedAt); err != nil {
			return nil, wrapStorage("scan instance", err)
		}
		res = append(res, in)
	}
	return res, nil
}

// UpdateInstanceTx changes description or status_url; nil fields keep
// their stored value.
func (r Repo) UpdateInstanceTx(ctx context.Context, tx *sql.Tx, id string, description, statusURL *string) error {
	var (
		fields []string
		args   []any
	)
	if description != nil {
		fields = append(fields, "description=?")
		args = append(args, *description)
	}
	if statusURL != nil {
		fields = append(fields, "status_url=?")
		args = append(args, *statusURL)
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	query := `UPDATE instances SET `
	for i, f := range fields {
		if i > 0 {
			query += ","
		}
		query += f
	}
	query += ` WHERE id=?`
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return wrapStorage("update instance", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteInstanceTx removes the instance row; config entries go with it
// via the foreign key cascade.
func (r Repo) DeleteInstanceTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE id=?`, id)
	if err != nil {
		return wrapStorage("delete instance", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
