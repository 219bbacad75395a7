package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fieldline/internal/config"
	"fieldline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func parseTime(s string) time.Time {
	ts, _ := time.Parse(time.RFC3339, s)
	return ts
}

func formatTime(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func (r Repo) InsertHorizon(ctx context.Context, tx *sql.Tx, h domain.Horizon) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO horizons(id,status,description,created_at) VALUES (?,?,?,?)`,
		h.ID, h.Status, nullable(h.Description), formatTime(h.CreatedAt))
	return err
}

func (r Repo) GetHorizon(ctx context.Context, id string) (domain.Horizon, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,status,COALESCE(description,''),created_at FROM horizons WHERE id=?`, id)
	var h domain.Horizon
	var created string
	err := row.Scan(&h.ID, &h.Status, &h.Description, &created)
	if err == sql.ErrNoRows {
		return h, ErrNotFound
	}
	if err != nil {
		return h, err
	}
	h.CreatedAt = parseTime(created)
	return h, nil
}

// SingleHorizon returns the only horizon, erroring when none or many exist.
func (r Repo) SingleHorizon(ctx context.Context) (domain.Horizon, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,status,COALESCE(description,''),created_at FROM horizons`)
	if err != nil {
		return domain.Horizon{}, err
	}
	defer rows.Close()
	var horizons []domain.Horizon
	for rows.Next() {
		var h domain.Horizon
		var created string
		if err := rows.Scan(&h.ID, &h.Status, &h.Description, &created); err != nil {
			return domain.Horizon{}, err
		}
		h.CreatedAt = parseTime(created)
		horizons = append(horizons, h)
	}
	if err := rows.Err(); err != nil {
		return domain.Horizon{}, err
	}
	if len(horizons) == 0 {
		return domain.Horizon{}, ErrNotFound
	}
	if len(horizons) > 1 {
		return domain.Horizon{}, fmt.Errorf("multiple horizons exist; specify --horizon")
	}
	return horizons[0], nil
}

func (r Repo) ListHorizons(ctx context.Context) ([]domain.Horizon, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,status,COALESCE(description,''),created_at FROM horizons ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Horizon
	for rows.Next() {
		var h domain.Horizon
		var created string
		if err := rows.Scan(&h.ID, &h.Status, &h.Description, &created); err != nil {
			return nil, err
		}
		h.CreatedAt = parseTime(created)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (r Repo) UpsertHorizonConfig(ctx context.Context, horizonID string, cfg *config.Config) error {
	return upsertHorizonConfig(ctx, r.DB, nil, horizonID, cfg)
}

func (r Repo) UpsertHorizonConfigTx(ctx context.Context, tx *sql.Tx, horizonID string, cfg *config.Config) error {
	return upsertHorizonConfig(ctx, nil, tx, horizonID, cfg)
}

func upsertHorizonConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, horizonID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Horizon.ID = horizonID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := formatTime(time.Now())
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO horizon_configs(horizon_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(horizon_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, horizonID, string(payload), now, now)
	return err
}

func (r Repo) GetHorizonConfig(ctx context.Context, horizonID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM horizon_configs WHERE horizon_id=?`, horizonID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LatestEvents returns the newest events, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, limit int, horizonID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	query := `SELECT id,ts,type,COALESCE(horizon_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE 1=1`
	var args []any
	if horizonID != "" {
		query += ` AND horizon_id=?`
		args = append(args, horizonID)
	}
	if evtType != "" {
		query += ` AND type=?`
		args = append(args, evtType)
	}
	if entityKind != "" {
		query += ` AND entity_kind=?`
		args = append(args, entityKind)
	}
	if entityID != "" {
		query += ` AND entity_id=?`
		args = append(args, entityID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.HorizonID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EventsAfter returns events with id greater than cursor, oldest first.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, horizonID string) ([]domain.Event, error) {
	query := `SELECT id,ts,type,COALESCE(horizon_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>?`
	args := []any{cursor}
	if horizonID != "" {
		query += ` AND horizon_id=?`
		args = append(args, horizonID)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.HorizonID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestEventID returns the highest event id for a horizon, 0 when empty.
func (r Repo) LatestEventID(ctx context.Context, horizonID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if horizonID != "" {
		query += ` WHERE horizon_id=?`
		args = append(args, horizonID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
