package directory

import (
	"slices"
	"strings"

	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/config"
)

// Role is an access level granted by directory group membership.
// Higher values take precedence.
type Role int

const (
	RoleNone Role = iota
	RoleBasic
	RoleAdmin
	RoleSuperuser
)

func (r Role) String() string {
	switch r {
	case RoleBasic:
		return "basic"
	case RoleAdmin:
		return "admin"
	case RoleSuperuser:
		return "superuser"
	default:
		return "none"
	}
}

// Flags are the local user flags implied by a role.
type Flags struct {
	IsActive    bool
	IsStaff     bool
	IsSuperuser bool
}

// Flags returns the flags the role implies. Superuser implies staff.
func (r Role) Flags() Flags {
	switch r {
	case RoleSuperuser:
		return Flags{IsActive: true, IsStaff: true, IsSuperuser: true}
	case RoleAdmin:
		return Flags{IsActive: true, IsStaff: true}
	case RoleBasic:
		return Flags{IsActive: true}
	default:
		return Flags{}
	}
}

// RoleFor returns the highest role whose flags are all set in f.
func RoleFor(f Flags) Role {
	for _, r := range []Role{RoleSuperuser, RoleAdmin, RoleBasic} {
		if rf := r.Flags(); f.Union(rf) == f {
			return r
		}
	}
	return RoleNone
}

// Union returns the flags set in either f or o.
func (f Flags) Union(o Flags) Flags {
	return Flags{
		IsActive:    f.IsActive || o.IsActive,
		IsStaff:     f.IsStaff || o.IsStaff,
		IsSuperuser: f.IsSuperuser || o.IsSuperuser,
	}
}

// RoleMappingRule grants Role to members of GroupDN. An empty GroupDN
// matches every user that was found in the directory.
type RoleMappingRule struct {
	GroupDN string
	Role    Role
}

// RulesFromConfig builds the rule list, highest precedence first.
// Without a require group every directory user gets basic access.
func RulesFromConfig(cfg *config.DirectoryConfig) []RoleMappingRule {
	var rules []RoleMappingRule
	if cfg.SuperuserGroupDN != "" {
		rules = append(rules, RoleMappingRule{GroupDN: cfg.SuperuserGroupDN, Role: RoleSuperuser})
	}
	if cfg.AdminGroupDN != "" {
		rules = append(rules, RoleMappingRule{GroupDN: cfg.AdminGroupDN, Role: RoleAdmin})
	}
	rules = append(rules, RoleMappingRule{GroupDN: cfg.RequireGroupDN, Role: RoleBasic})
	return rules
}

// Memberships records group membership results keyed by case-folded DN.
type Memberships map[string]bool

// Has reports whether the user is a member of dn.
func (m Memberships) Has(dn string) bool {
	return m[dnKey(dn)]
}

// Set records the membership result for dn.
func (m Memberships) Set(dn string, member bool) {
	m[dnKey(dn)] = member
}

func dnKey(dn string) string {
	return strings.ToLower(strings.TrimSpace(dn))
}

// Evaluate returns every role granted by rules, highest precedence first,
// and the union of the flags they imply. It is a pure function of its input.
func Evaluate(rules []RoleMappingRule, m Memberships) ([]Role, Flags) {
	var (
		roles []Role
		flags Flags
		seen  = map[Role]bool{}
	)
	for _, rule := range rules {
		if rule.GroupDN != "" && !m.Has(rule.GroupDN) {
			continue
		}
		if seen[rule.Role] {
			continue
		}
		seen[rule.Role] = true
		roles = append(roles, rule.Role)
		flags = flags.Union(rule.Role.Flags())
	}
	slices.SortFunc(roles, func(a, b Role) int { return int(b - a) })
	return roles, flags
}
