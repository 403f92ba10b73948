package directory

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/config"
)

func TestResolver_GroupFilters(t *testing.T) {
	const userDN = "uid=a(b),ou=people,dc=example,dc=org"

	tests := []struct {
		membership  string
		objectClass string
		member      string
		group       string
	}{
		{
			config.MembershipMember, "groupOfNames",
			`(member=uid=a\28b\29,ou=people,dc=example,dc=org)`,
			`(&(objectClass=groupOfNames)(member=uid=a\28b\29,ou=people,dc=example,dc=org))`,
		},
		{
			config.MembershipUniqueMember, "groupOfUniqueNames",
			`(uniqueMember=uid=a\28b\29,ou=people,dc=example,dc=org)`,
			`(&(objectClass=groupOfUniqueNames)(uniqueMember=uid=a\28b\29,ou=people,dc=example,dc=org))`,
		},
		{
			config.MembershipMemberUID, "posixGroup",
			`(memberUid=a\2a)`,
			`(&(objectClass=posixGroup)(memberUid=a\2a))`,
		},
		{
			config.MembershipNested, "group",
			`(member:1.2.840.113556.1.4.1941:=uid=a\28b\29,ou=people,dc=example,dc=org)`,
			`(&(objectClass=group)(member:1.2.840.113556.1.4.1941:=uid=a\28b\29,ou=people,dc=example,dc=org))`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.membership, func(t *testing.T) {
			r := NewResolver(&config.DirectoryConfig{
				GroupSearch: config.GroupSearchConfig{ObjectClass: tt.objectClass, Membership: tt.membership},
			}, nil)
			assert.Equal(t, tt.member, r.memberFilter(userDN, "a*"))
			assert.Equal(t, tt.group, r.groupFilter(userDN, "a*"))
		})
	}
}
