package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

// Apply initializes the migration tables and applies every pending
// migration under the migration lock. It returns the applied group,
// which is zero when nothing was pending.
func Apply(ctx context.Context, db *bun.DB) (*migrate.MigrationGroup, error) {
	migrator := migrate.NewMigrator(db, Migrations)
	if err := migrator.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize migrator: %w", err)
	}
	if err := migrator.Lock(ctx); err != nil {
		return nil, fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer migrator.Unlock(ctx) //nolint:errcheck

	group, err := migrator.Migrate(ctx)
	if err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return group, nil
}
