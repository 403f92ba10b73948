package models

import (
	"time"

	"github.com/uptrace/bun"
)

// User is the local record of a person authenticated by the upstream proxy.
// Only the username comes from the request; every other field is written
// by directory synchronization.
type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID          string `bun:"id,pk,type:uuid"`
	Username    string `bun:"username,notnull,unique"`
	FirstName   string `bun:"first_name,notnull,default:''"`
	LastName    string `bun:"last_name,notnull,default:''"`
	Email       string `bun:"email,notnull,default:''"`
	IsActive    bool   `bun:"is_active,notnull,default:false"`
	IsStaff     bool   `bun:"is_staff,notnull,default:false"`
	IsSuperuser bool   `bun:"is_superuser,notnull,default:false"`

	// SyncStamp is the start time (UnixNano) of the resolution that last
	// wrote this row. Writes from resolutions that started earlier are discarded.
	SyncStamp         int64      `bun:"sync_stamp,notnull,default:0"`
	DirectorySyncedAt *time.Time `bun:"directory_synced_at"`

	CreatedAt   time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt   time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
	LastLoginAt *time.Time `bun:"last_login_at"`

	// Groups holds mirrored directory group names. Loaded on demand.
	Groups []string `bun:"-"`
}

// FullName joins first and last name.
func (u *User) FullName() string {
	switch {
	case u.FirstName == "":
		return u.LastName
	case u.LastName == "":
		return u.FirstName
	default:
		return u.FirstName + " " + u.LastName
	}
}

// Synced reports whether the user has completed at least one directory synchronization.
func (u *User) Synced() bool {
	return u.DirectorySyncedAt != nil
}

// Group is a directory group mirrored into the local store.
type Group struct {
	bun.BaseModel `bun:"table:directory_groups,alias:g"`

	ID        string    `bun:"id,pk,type:uuid"`
	Name      string    `bun:"name,notnull,unique"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// UserGroup links a user to a mirrored group.
type UserGroup struct {
	bun.BaseModel `bun:"table:user_groups,alias:ug"`

	UserID  string `bun:"user_id,pk,type:uuid"`
	GroupID string `bun:"group_id,pk,type:uuid"`
}
