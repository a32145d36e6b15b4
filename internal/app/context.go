package app

import (
	"context"
	"errors"
	"fmt"

	"fieldline/internal/config"
	"fieldline/internal/repo"
)

// ResolveConfig returns the effective config for a workspace, preferring
// the persisted record over the YAML file and seeding the record from the
// file (or defaults) on first use.
func ResolveConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	cfg, err := r.GetConfig(ctx)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	seed, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if seed == nil {
		seed = config.Default()
	}
	if err := r.UpsertConfig(ctx, seed); err != nil {
		return nil, fmt.Errorf("seed config: %w", err)
	}
	return seed, nil
}
