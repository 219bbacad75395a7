package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"fieldline/internal/domain"
)

const taskCols = `id,horizon_id,kind,name,duration_mins,earliest_start,deadline,requires_json,priority,COALESCE(order_ref,''),status,created_at,updated_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var earliest, created, updated, requires string
	var deadline sql.NullString
	err := scan(&t.ID, &t.HorizonID, &t.Kind, &t.Name, &t.DurationMins, &earliest, &deadline, &requires, &t.Priority, &t.OrderRef, &t.Status, &created, &updated)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.EarliestStart = parseTime(earliest)
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	if deadline.Valid {
		d := parseTime(deadline.String)
		t.Deadline = &d
	}
	if requires != "" {
		if err := json.Unmarshal([]byte(requires), &t.Requires); err != nil {
			return t, err
		}
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	requires, err := json.Marshal(t.Requires)
	if err != nil {
		return err
	}
	var deadline any
	if t.Deadline != nil {
		deadline = formatTime(*t.Deadline)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(id,horizon_id,kind,name,duration_mins,earliest_start,deadline,requires_json,priority,order_ref,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.HorizonID, string(t.Kind), t.Name, t.DurationMins, formatTime(t.EarliestStart), deadline, string(requires), t.Priority, nullable(t.OrderRef), t.Status, formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	requires, err := json.Marshal(t.Requires)
	if err != nil {
		return err
	}
	var deadline any
	if t.Deadline != nil {
		deadline = formatTime(*t.Deadline)
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET kind=?,name=?,duration_mins=?,earliest_start=?,deadline=?,requires_json=?,priority=?,order_ref=?,status=?,updated_at=? WHERE id=?`,
		string(t.Kind), t.Name, t.DurationMins, formatTime(t.EarliestStart), deadline, string(requires), t.Priority, nullable(t.OrderRef), t.Status, formatTime(t.UpdatedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTaskStatus updates just the status and touch time of a task.
func (r Repo) SetTaskStatus(ctx context.Context, tx *sql.Tx, id, status string, at time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?,updated_at=? WHERE id=?`, status, formatTime(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id)
	task, err := scanTask(row.Scan)
	if err != nil {
		return task, err
	}
	task.DependsOn, err = r.ListTaskDependencies(ctx, id)
	return task, err
}

// ListTasks returns a horizon's tasks (with dependencies), optionally
// filtered by status, ordered by id.
func (r Repo) ListTasks(ctx context.Context, horizonID, status string) ([]domain.Task, error) {
	query := `SELECT ` + taskCols + ` FROM tasks WHERE horizon_id=?`
	args := []any{horizonID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	deps, err := r.allDependencies(ctx, horizonID)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].DependsOn = deps[out[i].ID]
	}
	return out, nil
}

func (r Repo) AddDependencies(ctx context.Context, tx *sql.Tx, taskID string, deps []string) error {
	for _, dep := range deps {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_deps(task_id,depends_on) VALUES (?,?)`, taskID, dep); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) RemoveDependencies(ctx context.Context, tx *sql.Tx, taskID string, deps []string) error {
	for _, dep := range deps {
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_deps WHERE task_id=? AND depends_on=?`, taskID, dep); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListTaskDependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT depends_on FROM task_deps WHERE task_id=? ORDER BY depends_on`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		out = append(out, dep)
	}
	return out, rows.Err()
}

func (r Repo) allDependencies(ctx context.Context, horizonID string) (map[string][]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT d.task_id,d.depends_on FROM task_deps d JOIN tasks t ON t.id=d.task_id WHERE t.horizon_id=? ORDER BY d.depends_on`, horizonID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string][]string{}
	for rows.Next() {
		var id, dep string
		if err := rows.Scan(&id, &dep); err != nil {
			return nil, err
		}
		out[id] = append(out[id], dep)
	}
	return out, rows.Err()
}

// CountTasksByStatus returns status -> count for a horizon.
func (r Repo) CountTasksByStatus(ctx context.Context, horizonID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status,COUNT(*) FROM tasks WHERE horizon_id=? GROUP BY status`, horizonID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}
