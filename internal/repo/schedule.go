package repo

import (
	"context"
	"database/sql"
	"time"

	"fieldline/internal/domain"
)

// InsertSnapshot records a new schedule version and its assignment rows,
// returning the assigned version number.
func (r Repo) InsertSnapshot(ctx context.Context, tx *sql.Tx, horizonID, note string, at time.Time, rows []domain.Assignment) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO snapshots(horizon_id,note,created_at) VALUES (?,?,?)`,
		horizonID, nullable(note), formatTime(at))
	if err != nil {
		return 0, err
	}
	version, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, a := range rows {
		_, err := tx.ExecContext(ctx, `INSERT INTO assignments(snapshot_version,task_id,resource_id,start_at,end_at,state) VALUES (?,?,?,?,?,?)`,
			version, a.TaskID, a.ResourceID, formatTime(a.Start), formatTime(a.End), a.State)
		if err != nil {
			return 0, err
		}
	}
	return version, nil
}

// LatestSnapshot returns the newest snapshot for a horizon.
func (r Repo) LatestSnapshot(ctx context.Context, horizonID string) (domain.SnapshotMeta, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT version,horizon_id,COALESCE(note,''),created_at FROM snapshots WHERE horizon_id=? ORDER BY version DESC LIMIT 1`, horizonID)
	return scanSnapshotMeta(row.Scan)
}

// GetSnapshot returns one snapshot by version.
func (r Repo) GetSnapshot(ctx context.Context, version int64) (domain.SnapshotMeta, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT version,horizon_id,COALESCE(note,''),created_at FROM snapshots WHERE version=?`, version)
	return scanSnapshotMeta(row.Scan)
}

func scanSnapshotMeta(scan func(dest ...any) error) (domain.SnapshotMeta, error) {
	var m domain.SnapshotMeta
	var created string
	err := scan(&m.Version, &m.HorizonID, &m.Note, &created)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.CreatedAt = parseTime(created)
	return m, nil
}

// ListSnapshots returns a horizon's snapshots, newest first.
func (r Repo) ListSnapshots(ctx context.Context, horizonID string, limit int) ([]domain.SnapshotMeta, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT version,horizon_id,COALESCE(note,''),created_at FROM snapshots WHERE horizon_id=? ORDER BY version DESC LIMIT ?`, horizonID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.SnapshotMeta
	for rows.Next() {
		m, err := scanSnapshotMeta(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListAssignments returns a snapshot's assignment rows ordered by
// (start, task, resource).
func (r Repo) ListAssignments(ctx context.Context, version int64) ([]domain.Assignment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT task_id,resource_id,start_at,end_at,state FROM assignments WHERE snapshot_version=? ORDER BY start_at,task_id,resource_id`, version)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Assignment
	for rows.Next() {
		var a domain.Assignment
		var start, end string
		if err := rows.Scan(&a.TaskID, &a.ResourceID, &start, &end, &a.State); err != nil {
			return nil, err
		}
		a.Start, a.End = parseTime(start), parseTime(end)
		out = append(out, a)
	}
	return out, rows.Err()
}

// PruneSnapshots deletes all but the newest keep snapshots of a horizon.
// Assignment rows go with them via the cascade.
func (r Repo) PruneSnapshots(ctx context.Context, horizonID string, keep int) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM snapshots WHERE horizon_id=? AND version NOT IN (
SELECT version FROM snapshots WHERE horizon_id=? ORDER BY version DESC LIMIT ?)`, horizonID, horizonID, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
