package repo

import (
	"context"
	"database/sql"

	"fieldline/internal/domain"
)

func scanResource(scan func(dest ...any) error) (domain.Resource, error) {
	var res domain.Resource
	var created string
	err := scan(&res.ID, &res.HorizonID, &res.Kind, &res.Name, &res.Capacity, &res.Location, &res.DayStart, &res.DayEnd, &created)
	if err == sql.ErrNoRows {
		return res, ErrNotFound
	}
	if err != nil {
		return res, err
	}
	res.CreatedAt = parseTime(created)
	return res, nil
}

const resourceCols = `id,horizon_id,kind,name,capacity,COALESCE(location,''),COALESCE(day_start,''),COALESCE(day_end,''),created_at`

func (r Repo) InsertResource(ctx context.Context, tx *sql.Tx, res domain.Resource) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO resources(id,horizon_id,kind,name,capacity,location,day_start,day_end,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		res.ID, res.HorizonID, string(res.Kind), res.Name, res.Capacity, nullable(res.Location), nullable(res.DayStart), nullable(res.DayEnd), formatTime(res.CreatedAt))
	return err
}

func (r Repo) GetResource(ctx context.Context, id string) (domain.Resource, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+resourceCols+` FROM resources WHERE id=?`, id)
	return scanResource(row.Scan)
}

// ListResources returns a horizon's resources, optionally filtered by kind,
// ordered by id for determinism.
func (r Repo) ListResources(ctx context.Context, horizonID string, kind domain.ResourceKind) ([]domain.Resource, error) {
	query := `SELECT ` + resourceCols + ` FROM resources WHERE horizon_id=?`
	args := []any{horizonID}
	if kind != "" {
		query += ` AND kind=?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Resource
	for rows.Next() {
		res, err := scanResource(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (r Repo) InsertOutage(ctx context.Context, tx *sql.Tx, o domain.Outage) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO outages(id,resource_id,start_at,end_at,reason,created_at) VALUES (?,?,?,?,?,?)`,
		o.ID, o.ResourceID, formatTime(o.Start), formatTime(o.End), nullable(o.Reason), formatTime(o.CreatedAt))
	return err
}

// ListOutages returns all outages for a horizon's resources, ordered by
// (resource id, start).
func (r Repo) ListOutages(ctx context.Context, horizonID string) ([]domain.Outage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT o.id,o.resource_id,o.start_at,o.end_at,COALESCE(o.reason,''),o.created_at
FROM outages o JOIN resources res ON res.id=o.resource_id
WHERE res.horizon_id=? ORDER BY o.resource_id,o.start_at`, horizonID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Outage
	for rows.Next() {
		var o domain.Outage
		var start, end, created string
		if err := rows.Scan(&o.ID, &o.ResourceID, &start, &end, &o.Reason, &created); err != nil {
			return nil, err
		}
		o.Start, o.End, o.CreatedAt = parseTime(start), parseTime(end), parseTime(created)
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListResourceOutages returns the outages of a single resource ordered by start.
func (r Repo) ListResourceOutages(ctx context.Context, resourceID string) ([]domain.Outage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,resource_id,start_at,end_at,COALESCE(reason,''),created_at FROM outages WHERE resource_id=? ORDER BY start_at`, resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Outage
	for rows.Next() {
		var o domain.Outage
		var start, end, created string
		if err := rows.Scan(&o.ID, &o.ResourceID, &start, &end, &o.Reason, &created); err != nil {
			return nil, err
		}
		o.Start, o.End, o.CreatedAt = parseTime(start), parseTime(end), parseTime(created)
		out = append(out, o)
	}
	return out, rows.Err()
}
