package directory_test

import (
	"time"

	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/config"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/directory/directorytest"
)

const (
	peopleBase  = "ou=people,dc=example,dc=org"
	groupsBase  = "ou=groups,dc=example,dc=org"
	requireDN   = "cn=netbox,ou=groups,dc=example,dc=org"
	adminDN     = "cn=netbox-admins,ou=groups,dc=example,dc=org"
	superuserDN = "cn=netbox-superusers,ou=groups,dc=example,dc=org"
	denyDN      = "cn=banned,ou=groups,dc=example,dc=org"

	aliceDN = "uid=alice,ou=people,dc=example,dc=org"
	bobDN   = "uid=bob,ou=people,dc=example,dc=org"
	carolDN = "uid=carol,ou=people,dc=example,dc=org"
	daveDN  = "uid=dave,ou=people,dc=example,dc=org"
	eveDN1  = "uid=eve,ou=people,dc=example,dc=org"
	eveDN2  = "uid=eve,ou=contractors,ou=people,dc=example,dc=org"
)

func testConfig() *config.DirectoryConfig {
	return &config.DirectoryConfig{
		ServerURI:    "ldap://ldap.example.org",
		BindDN:       "cn=reader,dc=example,dc=org",
		BindPassword: "secret",
		Timeout:      time.Second,
		RetryBackoff: time.Millisecond,
		UserSearch: config.UserSearchConfig{
			BaseDN:    peopleBase,
			Attribute: "uid",
		},
		GroupSearch: config.GroupSearchConfig{
			BaseDN:      groupsBase,
			ObjectClass: "groupOfNames",
			Membership:  config.MembershipMember,
		},
		RequireGroupDN:   requireDN,
		AdminGroupDN:     adminDN,
		SuperuserGroupDN: superuserDN,
		Attributes: config.AttributeMap{
			FirstName: "givenName",
			LastName:  "sn",
			Email:     "mail",
		},
	}
}

// seedDirectory builds:
//
//	alice: netbox, netbox-admins
//	bob:   netbox (no mail attribute)
//	carol: netbox, netbox-superusers
//	dave:  no groups
//	eve:   two entries
func seedDirectory() *directorytest.FakeDirectory {
	d := directorytest.New()
	d.RequirePassword("secret")
	d.AddUser(aliceDN, map[string][]string{
		"uid": {"alice"}, "givenName": {"Alice"}, "sn": {"Liddell"}, "mail": {"alice@example.org"},
	})
	d.AddUser(bobDN, map[string][]string{
		"uid": {"bob"}, "givenName": {"Bob"}, "sn": {"Builder"},
	})
	d.AddUser(carolDN, map[string][]string{
		"uid": {"carol"}, "givenName": {"Carol"}, "sn": {"Danvers"}, "mail": {"carol@example.org"},
	})
	d.AddUser(daveDN, map[string][]string{"uid": {"dave"}})
	d.AddUser(eveDN1, map[string][]string{"uid": {"eve"}})
	d.AddUser(eveDN2, map[string][]string{"uid": {"eve"}})

	d.AddGroup(requireDN, aliceDN, bobDN, carolDN)
	d.AddGroup(adminDN, aliceDN)
	d.AddGroup(superuserDN, carolDN)
	d.AddGroup(denyDN)
	return d
}
