package app

import (
	"context"
	"errors"
	"fmt"

	"svsettings/internal/domain"
	"svsettings/internal/engine"
	"svsettings/internal/repo"
)

// ResolveInstance picks the active instance for CLI commands. It
// prefers the override, then the single instance in the database. A
// named instance that does not exist yet is created on the fly with
// registry defaults seeded.
func ResolveInstance(ctx context.Context, eng engine.Engine, instanceOverride, actorID string) (domain.Instance, error) {
	if actorID == "" {
		actorID = "local-user"
	}
	if instanceOverride == "" {
		in, err := eng.Repo.SingleInstance(ctx)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Instance{}, fmt.Errorf("instance not specified; use --instance")
			}
			return domain.Instance{}, err
		}
		return in, nil
	}
	in, err := eng.GetInstance(ctx, instanceOverride)
	if err == nil {
		return in, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Instance{}, err
	}
	return eng.CreateInstance(ctx, instanceOverride, "", "", actorID)
}
