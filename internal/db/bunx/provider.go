package bunx

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	_ "modernc.org/sqlite" // SQLite driver
)

// DatabaseType represents the type of database
type DatabaseType string

const (
	DatabaseTypePostgreSQL DatabaseType = "postgres"
	DatabaseTypeSQLite     DatabaseType = "sqlite"
)

// DetectDatabaseType determines the database type from a DSN string
func DetectDatabaseType(dsn string) DatabaseType {
	for _, prefix := range []string{"postgres://", "postgresql://", "unix://"} {
		if strings.HasPrefix(dsn, prefix) {
			return DatabaseTypePostgreSQL
		}
	}
	// SQLite patterns: file:, :memory:, or plain file path
	return DatabaseTypeSQLite
}

// NewDB opens a Bun database for PostgreSQL or SQLite based on the DSN.
// maxConns bounds the PostgreSQL pool; SQLite always uses a single connection.
func NewDB(ctx context.Context, dsn string, maxConns int) (*bun.DB, error) {
	switch DetectDatabaseType(dsn) {
	case DatabaseTypePostgreSQL:
		return newPostgreSQLDB(ctx, dsn, maxConns)
	default:
		return newSQLiteDB(ctx, dsn)
	}
}

func newPostgreSQLDB(ctx context.Context, dsn string, maxConns int) (*bun.DB, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	if maxConns <= 0 {
		maxConns = 25
	}
	sqldb.SetMaxOpenConns(maxConns)
	sqldb.SetMaxIdleConns(maxConns)

	db := bun.NewDB(sqldb, pgdialect.New())
	if err := db.PingContext(ctx); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func newSQLiteDB(ctx context.Context, dsn string) (*bun.DB, error) {
	sqldb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// Single writer connection; this also keeps ":memory:" databases alive
	// for the lifetime of the pool.
	sqldb.SetMaxOpenConns(1)
	sqldb.SetConnMaxLifetime(0)
	sqldb.SetConnMaxIdleTime(0)

	db := bun.NewDB(sqldb, sqlitedialect.New())

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			sqldb.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// Close closes the database connection
func Close(db *bun.DB) error {
	if db == nil {
		return nil
	}
	return db.Close()
}
