package iam

import (
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/auth"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/db/models"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/directory"
)

// Source tells where the authorization of a request came from.
type Source string

const (
	// SourceLive means the directory was queried for this request (or a
	// concurrent request this one joined).
	SourceLive Source = "live"

	// SourceCache means a fresh cached resolution was reused.
	SourceCache Source = "cache"

	// SourceDegraded means the directory was unreachable and a stale
	// resolution was served because degraded mode is enabled.
	SourceDegraded Source = "degraded"
)

// Principal is the authorized user of a request.
//
// This struct is IMMUTABLE after construction and safe to share between
// goroutines. Flags, profile and groups come from the local user row after
// synchronization, so a row written by a later resolution is reported whole.
type Principal struct {
	// Username is the canonical username asserted by the trusted header.
	Username string

	// InternalID references users.id (UUID).
	InternalID string

	Email     string
	FirstName string
	LastName  string

	IsActive    bool
	IsStaff     bool
	IsSuperuser bool

	// Roles lists granted access levels, highest first ("superuser", "admin", "basic").
	Roles []string

	// Groups lists mirrored directory group names. Empty unless mirroring is enabled.
	Groups []string

	Source Source
}

// Name returns the display name, falling back to the username.
func (p *Principal) Name() string {
	full := (&models.User{FirstName: p.FirstName, LastName: p.LastName}).FullName()
	if full == "" {
		return p.Username
	}
	return full
}

// newPrincipal builds a principal from the synchronized user row. res is
// the resolution that authorized the request; its role list is used only
// when res is the resolution that wrote the row.
func newPrincipal(user *models.User, res *directory.Resolution, stamp int64, source Source) *Principal {
	p := &Principal{
		Username:    user.Username,
		InternalID:  user.ID,
		Email:       user.Email,
		FirstName:   user.FirstName,
		LastName:    user.LastName,
		IsActive:    user.IsActive,
		IsStaff:     user.IsStaff,
		IsSuperuser: user.IsSuperuser,
		Groups:      append([]string(nil), user.Groups...),
		Source:      source,
	}
	switch {
	case res != nil && user.SyncStamp == stamp:
		p.Roles = res.RoleNames()
	default:
		flags := directory.Flags{IsActive: user.IsActive, IsStaff: user.IsStaff, IsSuperuser: user.IsSuperuser}
		if role := directory.RoleFor(flags); role != directory.RoleNone {
			p.Roles = []string{role.String()}
		}
	}
	return p
}

// degradedPrincipal builds a principal from a stale resolution. The stored
// row is not written in degraded mode, so flags, roles and groups come from
// the resolution.
func degradedPrincipal(user *models.User, res *directory.Resolution) *Principal {
	p := newPrincipal(user, nil, 0, SourceDegraded)
	p.Roles = res.RoleNames()
	p.Groups = append([]string(nil), res.Groups...)
	p.IsActive = res.Flags.IsActive
	p.IsStaff = res.Flags.IsStaff
	p.IsSuperuser = res.Flags.IsSuperuser
	return p
}

// ToContext converts the principal into the form stored on the request context.
func (p *Principal) ToContext() auth.AuthenticatedPrincipal {
	return auth.AuthenticatedPrincipal{
		Username:    p.Username,
		InternalID:  p.InternalID,
		Email:       p.Email,
		FirstName:   p.FirstName,
		LastName:    p.LastName,
		IsActive:    p.IsActive,
		IsStaff:     p.IsStaff,
		IsSuperuser: p.IsSuperuser,
		Roles:       append([]string(nil), p.Roles...),
		Groups:      append([]string(nil), p.Groups...),
		Source:      string(p.Source),
	}
}
