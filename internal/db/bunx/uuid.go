package bunx

import "github.com/google/uuid"

// NewUUIDv7 generates a time-ordered UUIDv7 string for primary keys.
// Generated in Go so the same schema works on SQLite, which has no
// gen_random_uuid(). Panics only if the entropy source fails.
func NewUUIDv7() string {
	return uuid.Must(uuid.NewV7()).String()
}
