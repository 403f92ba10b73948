package repository

import (
	"context"
	"errors"
	"time"

	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/db/models"
)

// ErrUserNotFound is returned when no local user matches.
var ErrUserNotFound = errors.New("user not found")

// ListOptions pages through users ordered by username.
type ListOptions struct {
	Limit  int
	Offset int
	// StaffOnly restricts the result to users with is_staff set.
	StaffOnly bool
}

// SyncUpdate is one directory synchronization of a user row.
type SyncUpdate struct {
	UserID string
	// Stamp is the resolution start time in UnixNano. The update is applied
	// only if no resolution with a later stamp has already been written.
	Stamp int64

	IsActive    bool
	IsStaff     bool
	IsSuperuser bool

	// Nil profile fields are left unchanged.
	FirstName *string
	LastName  *string
	Email     *string

	// Groups replaces the mirrored group set. Nil leaves it unchanged,
	// an empty slice clears it.
	Groups []string

	SyncedAt time.Time
}

// UserRepository defines persistence operations for local users.
type UserRepository interface {
	// GetOrCreate inserts user unless its username exists and returns the
	// stored row. created reports whether this call inserted it.
	GetOrCreate(ctx context.Context, user *models.User) (stored *models.User, created bool, err error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	GetByID(ctx context.Context, id string) (*models.User, error)
	List(ctx context.Context, opts ListOptions) ([]*models.User, error)
	// ApplySync writes update atomically with its group set. applied is
	// false when a newer synchronization already committed.
	ApplySync(ctx context.Context, update SyncUpdate) (applied bool, err error)
	// GroupNames returns the mirrored group names of a user, sorted.
	GroupNames(ctx context.Context, userID string) ([]string, error)
	TouchLogin(ctx context.Context, userID string, at time.Time) error
}
