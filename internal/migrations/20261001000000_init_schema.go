package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/db/models"
)

func init() {
	Migrations.MustRegister(up_20261001000000, down_20261001000000)
}

// up_20261001000000 creates users, mirrored groups and their link table.
func up_20261001000000(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [up] creating users table...")
	if _, err := db.NewCreateTable().
		Model((*models.User)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to create users table: %w", err)
	}
	staffIndex, err := staffIndexDDL(db)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, staffIndex); err != nil {
		return fmt.Errorf("failed to create staff index: %w", err)
	}
	fmt.Println(" OK")

	fmt.Print(" [up] creating directory_groups table...")
	if _, err := db.NewCreateTable().
		Model((*models.Group)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to create directory_groups table: %w", err)
	}
	fmt.Println(" OK")

	fmt.Print(" [up] creating user_groups table...")
	if _, err := db.NewCreateTable().
		Model((*models.UserGroup)(nil)).
		IfNotExists().
		ForeignKey(`(user_id) REFERENCES users(id) ON DELETE CASCADE`).
		ForeignKey(`(group_id) REFERENCES directory_groups(id) ON DELETE CASCADE`).
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to create user_groups table: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_user_groups_group_id ON user_groups(group_id)`); err != nil {
		return fmt.Errorf("failed to create index on group_id: %w", err)
	}
	fmt.Println(" OK")
	return nil
}

func down_20261001000000(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [down] dropping user_groups, directory_groups and users tables...")
	for _, model := range []any{(*models.UserGroup)(nil), (*models.Group)(nil), (*models.User)(nil)} {
		if _, err := db.NewDropTable().Model(model).IfExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to drop table: %w", err)
		}
	}
	fmt.Println(" OK")
	return nil
}
