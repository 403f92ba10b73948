package cmd

import (
	"context"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"

	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/db/bunx"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/migrations"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database management commands",
	Long:  `Commands for managing database migrations and schema.`,
}

// withMigrator opens the database and runs fn with a migrator over it.
func withMigrator(ctx context.Context, fn func(*migrate.Migrator, *bun.DB) error) error {
	db, err := bunx.NewDB(ctx, cfg.DatabaseURL, cfg.MaxDBConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer bunx.Close(db)
	return fn(migrate.NewMigrator(db, migrations.Migrations), db)
}

var dbInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize migration tables",
	Long:  `Creates the migration tracking tables in the database. Run this once during initial setup.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withMigrator(ctx, func(m *migrate.Migrator, _ *bun.DB) error {
			if err := m.Init(ctx); err != nil {
				return fmt.Errorf("failed to initialize migrator: %w", err)
			}
			pterm.Success.Println("Migration tables initialized")
			return nil
		})
	},
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  `Applies all pending migrations to the database with locking to prevent concurrent migrations.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withMigrator(ctx, func(_ *migrate.Migrator, db *bun.DB) error {
			group, err := migrations.Apply(ctx, db)
			if err != nil {
				return err
			}
			if group.IsZero() {
				pterm.Info.Println("No new migrations to apply")
			} else {
				pterm.Success.Printf("Applied %s\n", group)
			}
			return nil
		})
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	Long:  `Displays the current migration status and pending migrations.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withMigrator(ctx, func(m *migrate.Migrator, _ *bun.DB) error {
			ms, err := m.MigrationsWithStatus(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			table := pterm.TableData{{"MIGRATION", "STATUS"}}
			for _, mig := range ms {
				status := "pending"
				if mig.GroupID > 0 {
					status = fmt.Sprintf("applied (group %d)", mig.GroupID)
				}
				table = append(table, []string{mig.Name, status})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(table).Render()
		})
	},
}

var dbRollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Rollback last migration group",
	Long:  `Rolls back the most recently applied migration group with locking to prevent concurrent operations.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withMigrator(ctx, func(m *migrate.Migrator, _ *bun.DB) error {
			if err := m.Lock(ctx); err != nil {
				return fmt.Errorf("failed to acquire migration lock: %w", err)
			}
			defer func() {
				if err := m.Unlock(ctx); err != nil {
					pterm.Warning.Printf("failed to release migration lock: %v\n", err)
				}
			}()

			group, err := m.Rollback(ctx)
			if err != nil {
				return fmt.Errorf("rollback failed: %w", err)
			}
			if group.IsZero() {
				pterm.Info.Println("No migrations to rollback")
			} else {
				pterm.Success.Printf("Rolled back %s\n", group)
			}
			return nil
		})
	},
}

func init() {
	dbCmd.AddCommand(dbInitCmd, dbMigrateCmd, dbStatusCmd, dbRollbackCmd)
	rootCmd.AddCommand(dbCmd)
}
