package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fieldline/internal/config"
	"fieldline/internal/domain"
	"fieldline/internal/repo"
)

// ResolveHorizonAndConfig picks the active horizon and ensures a horizon and
// config exist in the DB, seeding defaults when missing. It prefers the
// override, then the single-horizon DB. A horizon that does not exist is
// created on the fly.
func ResolveHorizonAndConfig(ctx context.Context, horizonOverride string, r repo.Repo) (string, *config.Config, error) {
	horizonID := horizonOverride
	if horizonID == "" {
		if h, err := r.SingleHorizon(ctx); err == nil {
			horizonID = h.ID
		} else {
			return "", nil, fmt.Errorf("horizon not specified; use --horizon")
		}
	}
	seedCfg := config.Default(horizonID)

	if _, err := r.GetHorizon(ctx, horizonID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createHorizon(ctx, r, horizonID, seedCfg); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetHorizonConfig(ctx, horizonID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertHorizonConfig(ctx, horizonID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed horizon config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Horizon.ID = horizonID
	return horizonID, cfg, nil
}

func createHorizon(ctx context.Context, r repo.Repo, horizonID string, seedCfg *config.Config) error {
	if seedCfg == nil {
		seedCfg = config.Default(horizonID)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	h := domain.Horizon{
		ID:        horizonID,
		Status:    "active",
		CreatedAt: time.Now().UTC(),
	}
	if err := r.InsertHorizon(ctx, tx, h); err != nil {
		return fmt.Errorf("insert horizon: %w", err)
	}
	if err := r.UpsertHorizonConfigTx(ctx, tx, horizonID, seedCfg); err != nil {
		return fmt.Errorf("insert horizon config: %w", err)
	}
	return tx.Commit()
}
