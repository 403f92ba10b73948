package migrations

import (
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

// IsSQLite reports whether db talks to SQLite.
func IsSQLite(db *bun.DB) bool {
	return db.Dialect().Name() == dialect.SQLite
}

// IsPostgreSQL reports whether db talks to PostgreSQL.
func IsPostgreSQL(db *bun.DB) bool {
	return db.Dialect().Name() == dialect.PG
}

// staffIndexDDL returns the partial index backing staff listings. SQLite
// stores booleans as integers, PostgreSQL rejects comparing them to one.
func staffIndexDDL(db *bun.DB) (string, error) {
	const prefix = `CREATE INDEX IF NOT EXISTS idx_users_staff ON users (username) WHERE `
	switch {
	case IsPostgreSQL(db):
		return prefix + `is_staff`, nil
	case IsSQLite(db):
		return prefix + `is_staff = 1`, nil
	default:
		return "", fmt.Errorf("unsupported dialect %s", db.Dialect().Name())
	}
}
