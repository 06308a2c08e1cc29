package app

import (
	"context"
	"errors"
	"fmt"

	"taigabot/internal/config"
	"taigabot/internal/storage"
)

// seed upserts projects, instances and admin users from the config. Stored
// records with the same id are overwritten; users keep their username and
// language.
func seed(ctx context.Context, st storage.Store, cfg *config.Config) error {
	for _, p := range cfg.Seed.Projects {
		if _, err := st.PutProject(ctx, storage.Project{
			ID:   p.ID,
			Name: p.Name,
			Slug: p.Slug,
			URL:  p.URL,
		}); err != nil {
			return fmt.Errorf("project %d: %w", p.ID, err)
		}
	}
	for _, in := range cfg.Seed.Instances {
		if _, err := st.PutInstance(ctx, storage.Instance{
			ID:          in.ID,
			ProjectID:   in.ProjectID,
			Name:        in.Name,
			ChatID:      in.ChatID,
			ThreadID:    in.ThreadID,
			Language:    in.Language,
			Secret:      in.Secret,
			EntityTypes: in.EntityTypes,
			Disabled:    in.Disabled,
		}); err != nil {
			return fmt.Errorf("instance %d: %w", in.ID, err)
		}
	}
	for _, id := range cfg.Telegram.AdminUserIDs {
		u, err := st.GetUser(ctx, id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			u = storage.User{ID: id}
		case err != nil:
			return fmt.Errorf("user %d: %w", id, err)
		}
		if u.IsAdmin {
			continue
		}
		u.IsAdmin = true
		if _, err := st.PutUser(ctx, u); err != nil {
			return fmt.Errorf("user %d: %w", id, err)
		}
	}
	return nil
}
